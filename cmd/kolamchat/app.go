package main

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/comigor/kolamchat/internal/analysis"
	"github.com/comigor/kolamchat/internal/attachment"
	"github.com/comigor/kolamchat/internal/config"
	"github.com/comigor/kolamchat/internal/history"
	"github.com/comigor/kolamchat/internal/llm"
	"github.com/comigor/kolamchat/internal/logger"
	"github.com/comigor/kolamchat/internal/orchestrator"
	"github.com/comigor/kolamchat/internal/server"
)

// app is one wired session.
type app struct {
	cfg      *config.Config
	limits   attachment.Limits
	orch     *orchestrator.Orchestrator
	contact  server.ContactSubmitter
	store    *history.Store
	archiver *history.Archiver
}

func newApp(cfg *config.Config) *app {
	a := &app{cfg: cfg, limits: attachment.Limits{MaxBytes: cfg.Attachment.MaxBytes}}

	var client analysis.Client
	switch cfg.Backend.Provider {
	case config.ProviderOpenAI:
		client = llm.New(llm.NewOpenAI(cfg.LLM), cfg.LLM)
		logger.L.Info("using OpenAI-compatible provider", "model", cfg.LLM.Model)
	default:
		backend := analysis.NewHTTPClient(cfg.Backend.BaseURL, &http.Client{})
		client = backend
		a.contact = backend
		logger.L.Info("using KolamGPT backend", "base_url", cfg.Backend.BaseURL)
	}

	a.orch = orchestrator.New(client,
		orchestrator.WithTimeout(cfg.Backend.RequestTimeout),
		orchestrator.WithLimits(a.limits),
	)

	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.L.Warn("transcript archive unavailable; continuing without it", "path", cfg.History.Path, "error", err)
		} else {
			a.store = store
			a.archiver = store.Attach(a.orch)
		}
	}
	return a
}

// closeTimeout bounds how long Close waits for an in-flight turn.
var closeTimeout = 10 * time.Second

// Close waits up to closeTimeout for an in-flight turn to settle and releases
// resources. A turn still running after that is abandoned.
func (a *app) Close() error {
	if id := a.orch.PendingID(); id != "" {
		logger.L.Info("waiting for in-flight turn before shutdown", "message_id", id, "timeout", closeTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		err := a.orch.WaitContext(ctx)
		cancel()
		if err != nil {
			logger.L.Warn("shutting down with a turn still in flight", "message_id", id, "error", err)
		}
	}
	var result *multierror.Error
	if a.archiver != nil {
		a.archiver.Detach()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
