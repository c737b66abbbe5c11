package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/mail"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrMissingName     = errors.New("full name is required")
	ErrMissingEmail    = errors.New("email is required")
	ErrInvalidEmail    = errors.New("email is not a valid address")
	ErrMissingCategory = errors.New("category is required")
)

// Contact is a feedback form submission.
type Contact struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Category string `json:"category"`
}

// ContactReply is the backend's acknowledgement.
type ContactReply struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}

// Normalize trims surrounding whitespace from every field.
func (c Contact) Normalize() Contact {
	return Contact{
		FullName: strings.TrimSpace(c.FullName),
		Email:    strings.TrimSpace(c.Email),
		Category: strings.TrimSpace(c.Category),
	}
}

// Validate reports every problem with the submission at once.
func (c Contact) Validate() error {
	c = c.Normalize()
	var result *multierror.Error
	if c.FullName == "" {
		result = multierror.Append(result, ErrMissingName)
	}
	switch {
	case c.Email == "":
		result = multierror.Append(result, ErrMissingEmail)
	default:
		if _, err := mail.ParseAddress(c.Email); err != nil {
			result = multierror.Append(result, ErrInvalidEmail)
		}
	}
	if c.Category == "" {
		result = multierror.Append(result, ErrMissingCategory)
	}
	return result.ErrorOrNil()
}

// SubmitContact validates and posts a contact submission. Validation failures are
// returned as-is and never reach the network.
func (c *HTTPClient) SubmitContact(ctx context.Context, contact Contact) (ContactReply, error) {
	if err := contact.Validate(); err != nil {
		return ContactReply{}, err
	}
	raw, err := json.Marshal(contact.Normalize())
	if err != nil {
		return ContactReply{}, NewError(KindTransport, "encode contact request", err)
	}

	body, err := c.do(ctx, contactPath, "application/json", bytes.NewReader(raw))
	if err != nil {
		return ContactReply{}, err
	}
	var reply ContactReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return ContactReply{}, NewError(KindMalformed, "contact reply is not JSON", err)
	}
	return reply, nil
}
