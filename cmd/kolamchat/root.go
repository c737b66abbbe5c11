package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/comigor/kolamchat/internal/config"
	"github.com/comigor/kolamchat/internal/logger"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "kolamchat",
		Short: "Chat with KolamGPT about kolam designs",
		Long: `kolamchat runs a KolamGPT conversation session: text and image turns, one
request in flight at a time, with full kolam analysis of uploaded images.

  kolamchat serve                          # HTTP API for a UI
  kolamchat mcp                            # MCP tools over stdio
  kolamchat ask "what is a pulli kolam?"   # one-shot question
  kolamchat ask --image kolam.png --analyze`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config.yaml (defaults to CONFIG_PATH or ./config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides log.level)")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	cmd.AddCommand(newServeCmd(opts), newMCPCmd(opts), newAskCmd(opts))
	return cmd
}

// load reads the configuration and applies the log level.
func (o *rootOptions) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger.SetLevel(cfg.Log.Level)
	return cfg, nil
}
