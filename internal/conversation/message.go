package conversation

import (
	"time"

	"github.com/comigor/kolamchat/internal/analysis"
	"github.com/comigor/kolamchat/internal/attachment"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderSystem Sender = "system"
)

// Status tracks a message through resolution.
type Status string

const (
	StatusFinal   Status = "final"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// Message is one entry in the conversation log.
type Message struct {
	ID     string `json:"id"`
	Seq    uint64 `json:"seq"`
	Sender Sender `json:"sender"`
	Text   string `json:"text,omitempty"`
	Status Status `json:"status"`

	Attachment *attachment.Image `json:"-"`
	// Analysis is set on system messages resolved from a full-analysis turn.
	Analysis *analysis.Record `json:"analysis,omitempty"`
	// ErrorKind is set on failed messages; Text then holds the user-facing description.
	ErrorKind analysis.Kind `json:"error_kind,omitempty"`

	// CreatedAt is informational; Seq defines display order.
	CreatedAt time.Time `json:"created_at"`
}

// HasContent reports whether the message carries text or an image.
func (m Message) HasContent() bool {
	return m.Text != "" || m.Attachment != nil
}

// copyMessage detaches the record so callers cannot reach log state. The attachment
// is immutable and shared.
func copyMessage(m Message) Message {
	m.Analysis = cloneRecord(m.Analysis)
	return m
}

func cloneRecord(r *analysis.Record) *analysis.Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Features != nil {
		c.Features = append([]string{}, r.Features...)
	}
	return &c
}

// Resolution is what a pending message becomes.
type Resolution struct {
	Status    Status
	Text      string
	Analysis  *analysis.Record
	ErrorKind analysis.Kind
}

// Resolve converts a request outcome into a resolution. Failures carry the kind's
// user-facing description, never the underlying error text.
func Resolve(o analysis.Outcome) Resolution {
	if err := o.Err(); err != nil {
		kind := analysis.KindOf(err)
		return Resolution{Status: StatusFailed, Text: kind.UserMessage(), ErrorKind: kind}
	}
	return Resolution{Status: StatusFinal, Text: o.Text(), Analysis: o.Analysis()}
}
