package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/comigor/kolamchat/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the session HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a := newApp(cfg)
			defer func() {
				if cerr := a.Close(); cerr != nil {
					err = multierror.Append(err, cerr)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return server.New(a.orch, a.contact, a.limits).ListenAndServe(ctx, cfg.Server.Addr())
		},
	}
}
