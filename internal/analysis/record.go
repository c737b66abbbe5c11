package analysis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// emptyImage is what the backend sends when regeneration failed.
const emptyImage = "data:image/png;base64,"

// Record is the structured result of a full-analysis turn.
type Record struct {
	Title          string   `json:"title,omitempty" yaml:"title,omitempty"`
	DotCount       int      `json:"dot_count" yaml:"dot_count"`
	LineCount      int      `json:"line_count" yaml:"line_count"`
	SymmetryScore  float64  `json:"symmetry_score" yaml:"symmetry_score"`
	GridPattern    string   `json:"grid_pattern" yaml:"grid_pattern"`
	Features       []string `json:"features" yaml:"features"`
	Interpretation string   `json:"interpretation" yaml:"interpretation"`
	OriginalImage  string   `json:"original_image" yaml:"original_image"`
	// RegeneratedImage is empty when the backend could not recreate the pattern.
	RegeneratedImage string `json:"regenerated_image,omitempty" yaml:"regenerated_image,omitempty"`

	RotationalFold int    `json:"rotational_symmetry_fold,omitempty" yaml:"rotational_symmetry_fold,omitempty"`
	ClosedLoops    int    `json:"closed_loops,omitempty" yaml:"closed_loops,omitempty"`
	Connectivity   string `json:"connectivity,omitempty" yaml:"connectivity,omitempty"`
	Eulerian       bool   `json:"is_eulerian,omitempty" yaml:"is_eulerian,omitempty"`
	Region         string `json:"region,omitempty" yaml:"region,omitempty"`
}

// Summary renders the record as markdown for the chat log.
func (r *Record) Summary() string {
	var b strings.Builder
	title := r.Title
	if title == "" {
		title = "Kolam Design Analysis"
	}
	fmt.Fprintf(&b, "**%s**\n", title)
	fmt.Fprintf(&b, "- Dots: %d\n", r.DotCount)
	fmt.Fprintf(&b, "- Lines: %d\n", r.LineCount)
	fmt.Fprintf(&b, "- Symmetry score: %s\n", strconv.FormatFloat(r.SymmetryScore, 'f', -1, 64))
	fmt.Fprintf(&b, "- Grid: %s", r.GridPattern)
	for _, f := range r.Features {
		fmt.Fprintf(&b, "\n- %s", f)
	}
	if r.Interpretation != "" {
		b.WriteString("\n\n")
		b.WriteString(r.Interpretation)
	}
	return b.String()
}

// wireRecord accepts the canonical flat record and the nested "analysis" object of
// the legacy shape. Pointers distinguish missing from zero.
type wireRecord struct {
	Title            string    `json:"title"`
	DotCount         *int      `json:"dot_count"`
	LineCount        *int      `json:"line_count"`
	SymmetryScore    *float64  `json:"symmetry_score"`
	GridPattern      *string   `json:"grid_pattern"`
	Features         *[]string `json:"features"`
	KeyFeatures      *[]string `json:"key_features"`
	Interpretation   *string   `json:"interpretation"`
	OriginalImage    *string   `json:"original_image"`
	RegeneratedImage *string   `json:"regenerated_image"`
	RotationalFold   *int      `json:"rotational_symmetry_fold"`
	ClosedLoops      *int      `json:"closed_loops"`
	Connectivity     *string   `json:"connectivity"`
	Eulerian         *bool     `json:"is_eulerian"`
	Region           *string   `json:"region"`
}

type wireEnvelope struct {
	wireRecord
	Analysis    *wireRecord                `json:"analysis"`
	Description map[string]json.RawMessage `json:"description"`
}

type detail struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// detailOrder is the order the legacy description blocks are presented in.
var detailOrder = []string{
	"grid_details",
	"symmetry_details",
	"pattern_details",
	"spatial_details",
	"mathematical_details",
	"region_details",
}

// DecodeRecord normalizes a full-analysis response body into a Record. A body that
// does not yield every required field is a KindMalformed error.
func DecodeRecord(body []byte) (*Record, error) {
	var env wireEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, NewError(KindMalformed, "analysis body is not a JSON object", err)
	}

	w := env.wireRecord
	if env.Analysis != nil {
		w = merge(w, *env.Analysis)
	}
	if len(env.Description) > 0 {
		applyDescription(&w, env.Description)
	}
	if w.Features == nil {
		w.Features = w.KeyFeatures
	}

	var missing []string
	check := func(ok bool, name string) {
		if !ok {
			missing = append(missing, name)
		}
	}
	check(w.DotCount != nil, "dot_count")
	check(w.LineCount != nil, "line_count")
	check(w.SymmetryScore != nil, "symmetry_score")
	check(w.GridPattern != nil && *w.GridPattern != "", "grid_pattern")
	check(w.Features != nil, "features")
	check(w.Interpretation != nil && *w.Interpretation != "", "interpretation")
	check(w.OriginalImage != nil && *w.OriginalImage != "", "original_image")
	if len(missing) > 0 {
		return nil, NewError(KindMalformed, "analysis missing "+strings.Join(missing, ", "), nil)
	}

	rec := &Record{
		Title:          w.Title,
		DotCount:       *w.DotCount,
		LineCount:      *w.LineCount,
		SymmetryScore:  *w.SymmetryScore,
		GridPattern:    *w.GridPattern,
		Features:       append([]string{}, (*w.Features)...),
		Interpretation: *w.Interpretation,
		OriginalImage:  *w.OriginalImage,
	}
	if w.RegeneratedImage != nil && *w.RegeneratedImage != emptyImage {
		rec.RegeneratedImage = *w.RegeneratedImage
	}
	if w.RotationalFold != nil {
		rec.RotationalFold = *w.RotationalFold
	}
	if w.ClosedLoops != nil {
		rec.ClosedLoops = *w.ClosedLoops
	}
	if w.Connectivity != nil {
		rec.Connectivity = *w.Connectivity
	}
	if w.Eulerian != nil {
		rec.Eulerian = *w.Eulerian
	}
	if w.Region != nil {
		rec.Region = *w.Region
	}
	return rec, nil
}

// merge fills fields missing from top with the nested analysis object.
func merge(top, nested wireRecord) wireRecord {
	if top.Title == "" {
		top.Title = nested.Title
	}
	if top.DotCount == nil {
		top.DotCount = nested.DotCount
	}
	if top.LineCount == nil {
		top.LineCount = nested.LineCount
	}
	if top.SymmetryScore == nil {
		top.SymmetryScore = nested.SymmetryScore
	}
	if top.GridPattern == nil {
		top.GridPattern = nested.GridPattern
	}
	if top.Features == nil {
		top.Features = nested.Features
	}
	if top.KeyFeatures == nil {
		top.KeyFeatures = nested.KeyFeatures
	}
	if top.Interpretation == nil {
		top.Interpretation = nested.Interpretation
	}
	if top.RotationalFold == nil {
		top.RotationalFold = nested.RotationalFold
	}
	if top.ClosedLoops == nil {
		top.ClosedLoops = nested.ClosedLoops
	}
	if top.Connectivity == nil {
		top.Connectivity = nested.Connectivity
	}
	if top.Eulerian == nil {
		top.Eulerian = nested.Eulerian
	}
	if top.Region == nil {
		top.Region = nested.Region
	}
	return top
}

// applyDescription turns the legacy description blocks into features and, when the
// record has none, an interpretation built from the block values.
func applyDescription(w *wireRecord, desc map[string]json.RawMessage) {
	if w.Title == "" {
		if raw, ok := desc["title"]; ok {
			_ = json.Unmarshal(raw, &w.Title)
		}
	}
	if w.Interpretation == nil {
		if raw, ok := desc["interpretation"]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				w.Interpretation = &s
			}
		}
	}

	var features, values []string
	for _, key := range detailOrder {
		raw, ok := desc[key]
		if !ok {
			continue
		}
		var d detail
		if err := json.Unmarshal(raw, &d); err != nil || d.Value == "" {
			continue
		}
		values = append(values, d.Value)
		if d.Label != "" {
			features = append(features, d.Label+": "+d.Value)
		} else {
			features = append(features, d.Value)
		}
	}
	if w.Features == nil && w.KeyFeatures == nil && len(features) > 0 {
		w.Features = &features
	}
	if w.Interpretation == nil && len(values) > 0 {
		s := strings.Join(values, " ")
		w.Interpretation = &s
	}
}
