package server

import (
	"net/http"
	"time"

	"github.com/comigor/kolamchat/internal/analysis"
	"github.com/comigor/kolamchat/internal/conversation"
	"github.com/comigor/kolamchat/internal/markdown"
)

type attachmentView struct {
	Name     string `json:"name,omitempty"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Preview  string `json:"preview"`
}

// messageView is a message as the UI renders it.
type messageView struct {
	ID         string           `json:"id"`
	Seq        uint64           `json:"seq"`
	Sender     string           `json:"sender"`
	Status     string           `json:"status"`
	Text       string           `json:"text,omitempty"`
	HTML       string           `json:"html,omitempty"`
	ErrorKind  string           `json:"error_kind,omitempty"`
	Attachment *attachmentView  `json:"attachment,omitempty"`
	Analysis   *analysis.Record `json:"analysis,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

func newMessageView(m conversation.Message) messageView {
	v := messageView{
		ID:        m.ID,
		Seq:       m.Seq,
		Sender:    string(m.Sender),
		Status:    string(m.Status),
		Text:      m.Text,
		ErrorKind: string(m.ErrorKind),
		Analysis:  m.Analysis,
		CreatedAt: m.CreatedAt,
	}
	if m.Text != "" {
		v.HTML = markdown.Render(m.Text)
	}
	if a := m.Attachment; a != nil {
		v.Attachment = &attachmentView{Name: a.Name(), MIMEType: a.MIMEType(), Size: a.Size(), Preview: a.Preview()}
	}
	return v
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	snap := s.orch.Snapshot()
	out := make([]messageView, len(snap))
	for i, m := range snap {
		out[i] = newMessageView(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    stateName(s.orch.State()),
		"messages": out,
	})
}
