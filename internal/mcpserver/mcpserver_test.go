package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/comigor/kolamchat/internal/analysis"
	"github.com/comigor/kolamchat/internal/attachment"
	"github.com/comigor/kolamchat/internal/conversation"
	"github.com/comigor/kolamchat/internal/orchestrator"
)

type mockClient struct {
	SendFunc         func(ctx context.Context, turn analysis.Turn) analysis.Outcome
	AnalyzeImageFunc func(ctx context.Context, img *attachment.Image) analysis.Outcome
}

func (m *mockClient) Send(ctx context.Context, turn analysis.Turn) analysis.Outcome {
	if m.SendFunc != nil {
		return m.SendFunc(ctx, turn)
	}
	return analysis.Success("ok", nil)
}

func (m *mockClient) AnalyzeImage(ctx context.Context, img *attachment.Image) analysis.Outcome {
	if m.AnalyzeImageFunc != nil {
		return m.AnalyzeImageFunc(ctx, img)
	}
	return analysis.Failure(analysis.NewError(analysis.KindMalformed, "unset", nil))
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult, i int) string {
	t.Helper()
	require.Greater(t, len(res.Content), i)
	tc, ok := res.Content[i].(mcp.TextContent)
	require.True(t, ok, "content %d is %T", i, res.Content[i])
	return tc.Text
}

func writePNG(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kolam.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), 0o600))
	return path
}

func newTools(client analysis.Client) (*Tools, *orchestrator.Orchestrator) {
	o := orchestrator.New(client)
	return &Tools{orch: o, limits: attachment.DefaultLimits()}, o
}

func TestNew(t *testing.T) {
	require.NotNil(t, New(orchestrator.New(&mockClient{}), attachment.DefaultLimits()))
}

func TestSendMessage(t *testing.T) {
	tools, o := newTools(&mockClient{SendFunc: func(ctx context.Context, turn analysis.Turn) analysis.Outcome {
		return analysis.Success("Hi there", nil)
	}})

	res, err := tools.SendMessage(context.Background(), callRequest("send_message", map[string]any{"text": "Hello"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, "Hi there", resultText(t, res, 0))
	require.Len(t, o.Snapshot(), 2)
}

func TestSendMessage_WithImage(t *testing.T) {
	var got analysis.Turn
	tools, _ := newTools(&mockClient{SendFunc: func(ctx context.Context, turn analysis.Turn) analysis.Outcome {
		got = turn
		return analysis.Success("a kolam", nil)
	}})

	res, err := tools.SendMessage(context.Background(), callRequest("send_message", map[string]any{"image_path": writePNG(t)}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.NotNil(t, got.Attachment)
	require.Equal(t, "image/png", got.Attachment.MIMEType())
}

func TestSendMessage_Rejections(t *testing.T) {
	tools, o := newTools(&mockClient{})

	res, err := tools.SendMessage(context.Background(), callRequest("send_message", map[string]any{}))
	require.NoError(t, err)
	require.True(t, res.IsError)

	res, err = tools.SendMessage(context.Background(), callRequest("send_message", map[string]any{"image_path": "/does/not/exist.png"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, analysis.KindInvalidAttachment.UserMessage(), resultText(t, res, 0))
	require.Empty(t, o.Snapshot())
}

func TestSendMessage_Failure(t *testing.T) {
	tools, _ := newTools(&mockClient{SendFunc: func(ctx context.Context, turn analysis.Turn) analysis.Outcome {
		return analysis.Failure(&analysis.Error{Kind: analysis.KindDomain, Message: "quota exceeded"})
	}})

	res, err := tools.SendMessage(context.Background(), callRequest("send_message", map[string]any{"text": "x"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, analysis.KindDomain.UserMessage(), resultText(t, res, 0))
}

func TestAnalyzeImage(t *testing.T) {
	rec := &analysis.Record{DotCount: 9, LineCount: 12, SymmetryScore: 0.5, GridPattern: "3x3", Features: []string{"loop"}, Interpretation: "i", OriginalImage: "o"}
	tools, _ := newTools(&mockClient{AnalyzeImageFunc: func(ctx context.Context, img *attachment.Image) analysis.Outcome {
		return analysis.Success(rec.Summary(), rec)
	}})

	res, err := tools.AnalyzeImage(context.Background(), callRequest("analyze_image", map[string]any{"image_path": writePNG(t)}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, rec.Summary(), resultText(t, res, 0))

	var got analysis.Record
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res, 1)), &got))
	require.Equal(t, 9, got.DotCount)
}

func TestAnalyzeImage_MissingPath(t *testing.T) {
	tools, _ := newTools(&mockClient{})
	res, err := tools.AnalyzeImage(context.Background(), callRequest("analyze_image", map[string]any{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestTranscriptAndReset(t *testing.T) {
	tools, o := newTools(&mockClient{})

	res, err := tools.Transcript(context.Background(), callRequest("transcript", nil))
	require.NoError(t, err)
	require.Equal(t, "(no messages)", resultText(t, res, 0))

	_, err = o.Ask(context.Background(), analysis.Turn{Text: "Hello"})
	require.NoError(t, err)

	res, err = tools.Transcript(context.Background(), callRequest("transcript", nil))
	require.NoError(t, err)
	require.Equal(t, "[1] You: Hello\n\n[2] KolamGPT: ok", resultText(t, res, 0))

	res, err = tools.ResetSession(context.Background(), callRequest("reset_session", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Empty(t, o.Snapshot())
}

func TestFormatTranscript_StatusAndImage(t *testing.T) {
	img, err := attachment.New("k.png", "image/png", []byte("\x89PNG"), attachment.DefaultLimits())
	require.NoError(t, err)
	out := FormatTranscript([]conversation.Message{
		{Seq: 1, Sender: conversation.SenderUser, Status: conversation.StatusFinal, Attachment: img},
		{Seq: 2, Sender: conversation.SenderSystem, Status: conversation.StatusFailed, Text: "Sorry"},
	})
	require.Equal(t, "[1] You: [image image/png, 4 bytes]\n\n[2] KolamGPT (failed): Sorry", out)
}
