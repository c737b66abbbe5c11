package analysis

import (
	"errors"
	"fmt"

	"github.com/comigor/kolamchat/internal/attachment"
)

// Kind classifies why a backend exchange produced no usable answer.
type Kind string

const (
	// KindTransport means no usable response: dial/timeout failures, or a non-2xx
	// status without a parseable error body.
	KindTransport Kind = "transport_error"
	// KindDomain means the backend returned a well-formed error payload.
	KindDomain Kind = "domain_error"
	// KindMalformed means a 2xx response did not match the expected shape.
	KindMalformed Kind = "malformed_response"
	// KindInvalidAttachment means the image was rejected before sending.
	KindInvalidAttachment Kind = "invalid_attachment"
)

// UserMessage is the apologetic, non-technical text shown in place of a failed reply.
func (k Kind) UserMessage() string {
	switch k {
	case KindTransport:
		return "Sorry, I couldn't reach the analysis service. Please check your connection and try again."
	case KindDomain:
		return "Sorry, the analysis service couldn't handle that request. Please try again in a moment."
	case KindMalformed:
		return "Sorry, I received a response I couldn't understand. Please try again."
	case KindInvalidAttachment:
		return "Sorry, that image can't be used. Please choose an image file under the size limit."
	default:
		return "Sorry, I encountered an error. Please try again."
	}
}

// Error is the failure side of an Outcome.
type Error struct {
	Kind Kind
	// Message is the backend's own description (domain errors) or a short internal
	// summary. It is logged, never displayed.
	Message string
	// Status is the HTTP status when one was received.
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an *Error of the given kind.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the kind of err. Errors that are not an *Error count as transport
// failures unless they wrap attachment.ErrInvalidAttachment.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, attachment.ErrInvalidAttachment) {
		return KindInvalidAttachment
	}
	return KindTransport
}
