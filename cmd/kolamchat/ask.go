package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/comigor/kolamchat/internal/analysis"
	"github.com/comigor/kolamchat/internal/attachment"
	"github.com/comigor/kolamchat/internal/conversation"
	"github.com/comigor/kolamchat/internal/logger"
)

var (
	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	botStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true)

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true)

	contentStyle = lipgloss.NewStyle().
			PaddingLeft(2).
			MarginBottom(1)

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)
)

// errTurnFailed is returned after printing a transcript whose reply failed.
var errTurnFailed = errors.New("reply failed")

type askOptions struct {
	image   string
	analyze bool
	output  string
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	ask := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [text]",
		Short: "Send one turn and print the conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			switch ask.output {
			case "text", "json", "yaml":
			default:
				return fmt.Errorf("unsupported output %q (want text, json or yaml)", ask.output)
			}
			if ask.analyze && ask.image == "" {
				return errors.New("--analyze needs --image")
			}
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

			var turn analysis.Turn
			if len(args) == 1 {
				turn.Text = args[0]
			}
			if ask.image != "" {
				img, err := attachment.FromFile(ask.image, a.limits)
				if err != nil {
					return fmt.Errorf("image %s: %w", ask.image, err)
				}
				turn.Attachment = img
			}

			var reply conversation.Message
			if ask.analyze {
				reply, err = a.orch.AskAnalysis(cmd.Context(), turn.Attachment)
			} else {
				reply, err = a.orch.Ask(cmd.Context(), turn)
			}
			if err != nil {
				return err
			}

			if err := writeTranscript(cmd.OutOrStdout(), ask.output, a.orch.Snapshot()); err != nil {
				return err
			}
			if reply.Status == conversation.StatusFailed {
				return fmt.Errorf("%w: %s", errTurnFailed, reply.ErrorKind)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ask.image, "image", "", "Path to an image to attach")
	cmd.Flags().BoolVar(&ask.analyze, "analyze", false, "Run a full kolam analysis on --image instead of chatting")
	cmd.Flags().StringVarP(&ask.output, "output", "o", "text", "Output format: text, json or yaml")
	return cmd
}

// transcriptEntry is the exported form of a message.
type transcriptEntry struct {
	Seq       uint64           `json:"seq" yaml:"seq"`
	Sender    string           `json:"sender" yaml:"sender"`
	Status    string           `json:"status" yaml:"status"`
	Text      string           `json:"text,omitempty" yaml:"text,omitempty"`
	ErrorKind string           `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Image     string           `json:"image,omitempty" yaml:"image,omitempty"`
	Analysis  *analysis.Record `json:"analysis,omitempty" yaml:"analysis,omitempty"`
}

func toEntries(msgs []conversation.Message) []transcriptEntry {
	out := make([]transcriptEntry, len(msgs))
	for i, m := range msgs {
		e := transcriptEntry{
			Seq:       m.Seq,
			Sender:    string(m.Sender),
			Status:    string(m.Status),
			Text:      m.Text,
			ErrorKind: string(m.ErrorKind),
			Analysis:  m.Analysis,
		}
		if m.Attachment != nil {
			e.Image = m.Attachment.Name()
			if e.Image == "" {
				e.Image = m.Attachment.MIMEType()
			}
		}
		out[i] = e
	}
	return out
}

func writeTranscript(w io.Writer, format string, msgs []conversation.Message) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(toEntries(msgs))
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer func() { _ = enc.Close() }()
		return enc.Encode(toEntries(msgs))
	default:
		for _, m := range msgs {
			fmt.Fprintln(w, renderMessage(m))
		}
		return nil
	}
}

func renderMessage(m conversation.Message) string {
	var header string
	switch {
	case m.Sender == conversation.SenderUser:
		header = userStyle.Render("You")
	case m.Status == conversation.StatusFailed:
		header = failedStyle.Render("KolamGPT (failed)")
	default:
		header = botStyle.Render("KolamGPT")
	}

	var body []string
	if m.Attachment != nil {
		body = append(body, metaStyle.Render(fmt.Sprintf("[image %s, %s bytes]", m.Attachment.MIMEType(), strconv.FormatInt(m.Attachment.Size(), 10))))
	}
	if m.Text != "" {
		body = append(body, m.Text)
	}
	if r := m.Analysis; r != nil && r.RegeneratedImage != "" {
		body = append(body, metaStyle.Render("regenerated image available"))
	}
	return header + "\n" + contentStyle.Render(strings.Join(body, "\n"))
}
