// Package mcpserver exposes a session as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/kolamchat/internal/analysis"
	"github.com/comigor/kolamchat/internal/attachment"
	"github.com/comigor/kolamchat/internal/conversation"
	"github.com/comigor/kolamchat/internal/logger"
	"github.com/comigor/kolamchat/internal/orchestrator"
)

const (
	serverName    = "kolamchat"
	serverVersion = "0.1.0"
)

// Tools holds the handlers bound to one orchestrated session.
type Tools struct {
	orch   *orchestrator.Orchestrator
	limits attachment.Limits
}

// New returns an MCP server with the session tools registered.
func New(orch *orchestrator.Orchestrator, limits attachment.Limits) *server.MCPServer {
	t := &Tools{orch: orch, limits: limits}
	s := server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a message, optionally with an image, to KolamGPT and wait for the reply."),
		mcp.WithString("text", mcp.Description("Message text. May be empty when image_path is set.")),
		mcp.WithString("image_path", mcp.Description("Path to a local image file to attach.")),
	), t.SendMessage)

	s.AddTool(mcp.NewTool("analyze_image",
		mcp.WithDescription("Run a full kolam analysis on a local image: dot and line counts, symmetry, grid and interpretation."),
		mcp.WithString("image_path", mcp.Required(), mcp.Description("Path to a local image file.")),
	), t.AnalyzeImage)

	s.AddTool(mcp.NewTool("transcript",
		mcp.WithDescription("Return the conversation so far."),
	), t.Transcript)

	s.AddTool(mcp.NewTool("reset_session",
		mcp.WithDescription("Clear the conversation and start a new session."),
	), t.ResetSession)

	return s
}

// ServeStdio serves s over stdin/stdout until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	logger.L.Info("serving MCP over stdio", "name", serverName)
	return server.ServeStdio(s)
}

// SendMessage handles the send_message tool.
func (t *Tools) SendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	turn := analysis.Turn{Text: request.GetString("text", "")}
	if path := request.GetString("image_path", ""); path != "" {
		img, err := attachment.FromFile(path, t.limits)
		if err != nil {
			logger.FromContext(ctx).Debug("attachment rejected", "path", path, "error", err)
			return mcp.NewToolResultError(analysis.KindInvalidAttachment.UserMessage()), nil
		}
		turn.Attachment = img
	}

	m, err := t.orch.Ask(ctx, turn)
	if err != nil {
		return rejection(err)
	}
	if m.Status == conversation.StatusFailed {
		return mcp.NewToolResultError(m.Text), nil
	}
	return mcp.NewToolResultText(m.Text), nil
}

// AnalyzeImage handles the analyze_image tool. The result carries the summary and
// the record as JSON.
func (t *Tools) AnalyzeImage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := request.GetString("image_path", "")
	if path == "" {
		return mcp.NewToolResultError("image_path is required"), nil
	}
	img, err := attachment.FromFile(path, t.limits)
	if err != nil {
		logger.FromContext(ctx).Debug("attachment rejected", "path", path, "error", err)
		return mcp.NewToolResultError(analysis.KindInvalidAttachment.UserMessage()), nil
	}

	m, err := t.orch.AskAnalysis(ctx, img)
	if err != nil {
		return rejection(err)
	}
	if m.Status == conversation.StatusFailed {
		return mcp.NewToolResultError(m.Text), nil
	}

	raw, err := json.Marshal(m.Analysis)
	if err != nil {
		return nil, fmt.Errorf("encoding analysis: %w", err)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{
		mcp.NewTextContent(m.Text),
		mcp.NewTextContent(string(raw)),
	}}, nil
}

// Transcript handles the transcript tool.
func (t *Tools) Transcript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(FormatTranscript(t.orch.Snapshot())), nil
}

// ResetSession handles the reset_session tool.
func (t *Tools) ResetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := t.orch.Reset(); err != nil {
		return rejection(err)
	}
	return mcp.NewToolResultText("Session cleared."), nil
}

// FormatTranscript renders messages as plain text, one block per message.
func FormatTranscript(msgs []conversation.Message) string {
	if len(msgs) == 0 {
		return "(no messages)"
	}
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		who := "You"
		if m.Sender == conversation.SenderSystem {
			who = "KolamGPT"
		}
		fmt.Fprintf(&b, "[%d] %s", m.Seq, who)
		if m.Status != conversation.StatusFinal {
			fmt.Fprintf(&b, " (%s)", m.Status)
		}
		b.WriteString(":")
		if m.Attachment != nil {
			fmt.Fprintf(&b, " [image %s, %d bytes]", m.Attachment.MIMEType(), m.Attachment.Size())
		}
		if m.Text != "" {
			b.WriteString(" ")
			b.WriteString(m.Text)
		}
	}
	return b.String()
}

func rejection(err error) (*mcp.CallToolResult, error) {
	switch {
	case errors.Is(err, orchestrator.ErrRequestInFlight):
		return mcp.NewToolResultError("A reply is still on its way. Please wait for it before sending again."), nil
	case errors.Is(err, orchestrator.ErrEmptyTurn):
		return mcp.NewToolResultError("Provide text or an image."), nil
	case errors.Is(err, attachment.ErrInvalidAttachment):
		return mcp.NewToolResultError(analysis.KindInvalidAttachment.UserMessage()), nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return mcp.NewToolResultError("The request is still running; check the transcript later."), nil
	}
	return nil, err
}
