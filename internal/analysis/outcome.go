package analysis

import (
	"context"
	"errors"

	"github.com/comigor/kolamchat/internal/attachment"
)

// Turn is one user-initiated unit of input.
type Turn struct {
	Text       string
	Attachment *attachment.Image
}

// Empty reports whether the turn has nothing to send.
func (t Turn) Empty() bool {
	return t.Text == "" && t.Attachment == nil
}

// Client performs exactly one backend exchange per call and never retries.
// Implementations report every failure through the returned Outcome.
type Client interface {
	Send(ctx context.Context, turn Turn) Outcome
	AnalyzeImage(ctx context.Context, img *attachment.Image) Outcome
}

// Outcome is the tagged result of one exchange: success with text and an optional
// structured record, or an *Error.
type Outcome struct {
	text     string
	analysis *Record
	err      *Error
}

// Success builds a successful outcome.
func Success(text string, rec *Record) Outcome {
	return Outcome{text: text, analysis: rec}
}

// Failure builds a failed outcome. Errors that are not already an *Error are
// classified with KindOf.
func Failure(err error) Outcome {
	if err == nil {
		err = errors.New("failure without cause")
	}
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindOf(err), Message: "request failed", Err: err}
	}
	return Outcome{err: e}
}

// OK reports whether the exchange succeeded.
func (o Outcome) OK() bool { return o.err == nil }

// Text is the response text of a successful outcome.
func (o Outcome) Text() string { return o.text }

// Analysis is the structured record, if the exchange produced one.
func (o Outcome) Analysis() *Record { return o.analysis }

// Err returns the failure, or nil on success.
func (o Outcome) Err() error {
	if o.err == nil {
		return nil
	}
	return o.err
}

// Kind returns the failure kind, or "" on success.
func (o Outcome) Kind() Kind {
	if o.err == nil {
		return ""
	}
	return o.err.Kind
}
