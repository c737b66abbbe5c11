package analysis

import (
	"encoding/json"
	"strings"
)

// chatBody covers every reply shape the chat endpoint has used. "response" is
// either a string or an object, so it stays raw until inspected.
type chatBody struct {
	Text         *string         `json:"text"`
	Response     json.RawMessage `json:"response"`
	ResponseText *string         `json:"response_text"`
	Error        *string         `json:"error"`
}

type visionReply struct {
	ResponseText   *string  `json:"response_text"`
	Summary        string   `json:"summary"`
	KeyFeatures    []string `json:"key_features"`
	Interpretation string   `json:"interpretation"`
}

// DecodeChat normalizes a successful chat response body into reply text.
func DecodeChat(body []byte) (string, error) {
	var cb chatBody
	if err := json.Unmarshal(body, &cb); err != nil {
		return "", NewError(KindMalformed, "chat body is not a JSON object", err)
	}

	if cb.Error != nil && cb.Text == nil && cb.Response == nil && cb.ResponseText == nil {
		return "", &Error{Kind: KindDomain, Message: *cb.Error}
	}

	var text string
	switch {
	case cb.Text != nil:
		text = *cb.Text
	case cb.ResponseText != nil:
		text = *cb.ResponseText
	case len(cb.Response) > 0:
		t, err := decodeResponseField(cb.Response)
		if err != nil {
			return "", err
		}
		text = t
	}

	if strings.TrimSpace(text) == "" {
		return "", NewError(KindMalformed, "chat reply has no text", nil)
	}
	return text, nil
}

func decodeResponseField(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var v visionReply
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", NewError(KindMalformed, "chat response field has an unknown shape", err)
	}
	if v.ResponseText != nil {
		return *v.ResponseText, nil
	}

	var parts []string
	if v.Summary != "" {
		parts = append(parts, v.Summary)
	}
	if len(v.KeyFeatures) > 0 {
		items := make([]string, len(v.KeyFeatures))
		for i, f := range v.KeyFeatures {
			items[i] = "- " + f
		}
		parts = append(parts, strings.Join(items, "\n"))
	}
	if v.Interpretation != "" {
		parts = append(parts, v.Interpretation)
	}
	return strings.Join(parts, "\n\n"), nil
}

// decodeErrorBody extracts {"error": "..."} from a non-2xx body.
func decodeErrorBody(body []byte) (string, bool) {
	var cb struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(body, &cb); err != nil || cb.Error == nil || *cb.Error == "" {
		return "", false
	}
	return *cb.Error, true
}
