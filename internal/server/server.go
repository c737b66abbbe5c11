// Package server exposes a session over HTTP for a UI collaborator.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/comigor/kolamchat/internal/analysis"
	"github.com/comigor/kolamchat/internal/attachment"
	"github.com/comigor/kolamchat/internal/logger"
	"github.com/comigor/kolamchat/internal/orchestrator"
)

// multipartSlack covers the form fields around the image part.
const multipartSlack = 1 << 20

// ContactSubmitter forwards contact form submissions.
type ContactSubmitter interface {
	SubmitContact(ctx context.Context, c analysis.Contact) (analysis.ContactReply, error)
}

// Server serves one orchestrated session.
type Server struct {
	orch    *orchestrator.Orchestrator
	contact ContactSubmitter
	limits  attachment.Limits
	mux     *http.ServeMux
}

// New builds the routes. contact may be nil, in which case /api/contact answers 501.
func New(orch *orchestrator.Orchestrator, contact ContactSubmitter, limits attachment.Limits) *Server {
	s := &Server{orch: orch, contact: contact, limits: limits, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /api/session/messages", s.handleSubmit)
	s.mux.HandleFunc("GET /api/session/messages", s.handleMessages)
	s.mux.HandleFunc("POST /api/session/analyze", s.handleAnalyze)
	s.mux.HandleFunc("GET /api/session/state", s.handleState)
	s.mux.HandleFunc("DELETE /api/session", s.handleReset)
	s.mux.HandleFunc("POST /api/contact", s.handleContact)
	return s
}

// Handler returns the routes wrapped with request id tagging.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := logger.WithRequestID(r.Context(), id)
		logger.FromContext(ctx).Debug("http request", "method", r.Method, "path", r.URL.Path)
		s.mux.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

type submitRequest struct {
	Text string `json:"text"`
}

// rejectIfBusy answers 409 before the body is read. Submit re-checks under the
// orchestrator lock.
func (s *Server) rejectIfBusy(w http.ResponseWriter, r *http.Request) bool {
	if s.orch.State() == orchestrator.StateIdle {
		return false
	}
	s.writeRejection(w, r, orchestrator.ErrRequestInFlight)
	return true
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.rejectIfBusy(w, r) {
		return
	}
	turn, err := s.readTurn(w, r)
	if err != nil {
		s.writeRejection(w, r, err)
		return
	}
	if err := s.orch.Submit(r.Context(), turn); err != nil {
		s.writeRejection(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"state": stateName(s.orch.State())})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if !isMultipart(r) {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "expected multipart/form-data with an image part")
		return
	}
	if s.rejectIfBusy(w, r) {
		return
	}
	turn, err := s.readTurn(w, r)
	if err != nil {
		s.writeRejection(w, r, err)
		return
	}
	if err := s.orch.Analyze(r.Context(), turn.Attachment); err != nil {
		s.writeRejection(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"state": stateName(s.orch.State())})
}

// readTurn accepts multipart (text, image) or a JSON body.
func (s *Server) readTurn(w http.ResponseWriter, r *http.Request) (analysis.Turn, error) {
	if !isMultipart(r) {
		var req submitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, multipartSlack)).Decode(&req); err != nil {
			return analysis.Turn{}, errBadRequest
		}
		return analysis.Turn{Text: req.Text}, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.limits.MaxBytes+multipartSlack)
	if err := r.ParseMultipartForm(s.limits.MaxBytes + multipartSlack); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return analysis.Turn{}, fmt.Errorf("upload too large: %w", attachment.ErrInvalidAttachment)
		}
		return analysis.Turn{}, errBadRequest
	}
	turn := analysis.Turn{Text: r.FormValue("text")}

	f, hdr, err := r.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return turn, nil
	case err != nil:
		return analysis.Turn{}, errBadRequest
	}
	defer f.Close()

	img, err := attachment.FromReader(hdr.Filename, hdr.Header.Get("Content-Type"), f, s.limits)
	if err != nil {
		return analysis.Turn{}, err
	}
	turn.Attachment = img
	return turn, nil
}

var errBadRequest = errors.New("malformed request body")

func (s *Server) writeRejection(w http.ResponseWriter, r *http.Request, err error) {
	logger.FromContext(r.Context()).Debug("request rejected", "error", err)
	switch {
	case errors.Is(err, orchestrator.ErrRequestInFlight):
		writeError(w, http.StatusConflict, "request_in_flight", "A reply is still on its way. Please wait for it before sending again.")
	case errors.Is(err, orchestrator.ErrEmptyTurn):
		writeError(w, http.StatusBadRequest, "empty_turn", "Type a message or choose an image first.")
	case errors.Is(err, attachment.ErrInvalidAttachment):
		writeError(w, http.StatusBadRequest, "invalid_attachment", analysis.KindInvalidAttachment.UserMessage())
	case errors.Is(err, errBadRequest):
		writeError(w, http.StatusBadRequest, "bad_request", "The request could not be read.")
	default:
		logger.FromContext(r.Context()).Error("submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "Sorry, something went wrong.")
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": stateName(s.orch.State())})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Reset(); err != nil {
		s.writeRejection(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleContact(w http.ResponseWriter, r *http.Request) {
	if s.contact == nil {
		writeError(w, http.StatusNotImplemented, "unsupported", "Contact submissions are not available.")
		return
	}
	var c analysis.Contact
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, multipartSlack)).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "The request could not be read.")
		return
	}

	reply, err := s.contact.SubmitContact(r.Context(), c)
	var merr *multierror.Error
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, reply)
	case errors.As(err, &merr):
		fields := make([]string, len(merr.Errors))
		for i, e := range merr.Errors {
			fields[i] = e.Error()
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_contact", "message": "All fields are required.", "fields": fields})
	default:
		logger.FromContext(r.Context()).Warn("contact submission failed", "error", err)
		writeError(w, http.StatusBadGateway, string(analysis.KindOf(err)), analysis.KindOf(err).UserMessage())
	}
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

func stateName(s orchestrator.FSMState) string {
	return fmt.Sprint(s)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("failed to write response", "error", err)
	}
}
