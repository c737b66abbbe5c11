package main

import (
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/comigor/kolamchat/internal/logger"
	"github.com/comigor/kolamchat/internal/mcpserver"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the session as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			// stdout carries the protocol.
			logger.SetOutput(cmd.ErrOrStderr())

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

			return mcpserver.ServeStdio(mcpserver.New(a.orch, a.limits))
		},
	}
}
