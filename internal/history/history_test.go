package history

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/kolamchat/internal/analysis"
	"github.com/comigor/kolamchat/internal/attachment"
	"github.com/comigor/kolamchat/internal/conversation"
	"github.com/comigor/kolamchat/internal/orchestrator"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRecordAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)

	rec := &analysis.Record{DotCount: 9, GridPattern: "3x3", Features: []string{"loops"}, Interpretation: "i", OriginalImage: "o"}
	require.NoError(t, s.Record(ctx, "s1", conversation.Message{ID: "b", Seq: 2, Sender: conversation.SenderSystem, Status: conversation.StatusFinal, Text: "reply", Analysis: rec, CreatedAt: now}))
	require.NoError(t, s.Record(ctx, "s1", conversation.Message{ID: "a", Seq: 1, Sender: conversation.SenderUser, Status: conversation.StatusFinal, Text: "hello", CreatedAt: now}))
	require.NoError(t, s.Record(ctx, "s2", conversation.Message{ID: "c", Seq: 1, Sender: conversation.SenderSystem, Status: conversation.StatusFailed, Text: "sorry", ErrorKind: analysis.KindDomain, CreatedAt: now}))
	require.NoError(t, s.Record(ctx, "s1", conversation.Message{ID: "p", Seq: 3, Sender: conversation.SenderSystem, Status: conversation.StatusPending}))

	entries, err := s.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 2, "pending messages are not archived")
	require.Equal(t, "a", entries[0].MessageID)
	require.Equal(t, "b", entries[1].MessageID)
	require.Equal(t, "reply", entries[1].Text)
	require.NotNil(t, entries[1].Analysis)
	require.Equal(t, 9, entries[1].Analysis.DotCount)
	require.Nil(t, entries[0].Analysis)
	require.True(t, now.Equal(entries[0].CreatedAt))

	failed, err := s.List(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "failed", failed[0].Status)
	require.Equal(t, string(analysis.KindDomain), failed[0].ErrorKind)

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"s1", "s2"}, sessions)

	none, err := s.List(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), "s", conversation.Message{ID: "x", Seq: 1, Sender: conversation.SenderUser, Status: conversation.StatusFinal, Text: "kept"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	entries, err := s.List(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "kept", entries[0].Text)
}

type echoClient struct{}

func (echoClient) Send(ctx context.Context, turn analysis.Turn) analysis.Outcome {
	return analysis.Success("echo: "+turn.Text, nil)
}

func (echoClient) AnalyzeImage(ctx context.Context, img *attachment.Image) analysis.Outcome {
	return analysis.Failure(analysis.NewError(analysis.KindMalformed, "unsupported", nil))
}

func TestArchiver(t *testing.T) {
	s := openStore(t)
	o := orchestrator.New(echoClient{})
	a := s.Attach(o)
	ctx := context.Background()

	_, err := o.Ask(ctx, analysis.Turn{Text: "hi"})
	require.NoError(t, err)
	a.Flush()
	first := a.SessionID()

	entries, err := s.List(ctx, first)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "hi", entries[0].Text)
	require.Equal(t, "echo: hi", entries[1].Text)
	require.Equal(t, "final", entries[1].Status)

	require.NoError(t, o.Reset())
	require.NotEqual(t, first, a.SessionID())

	a.Detach()
	_, err = o.Ask(ctx, analysis.Turn{Text: "unarchived"})
	require.NoError(t, err)
	entries, err = s.List(ctx, a.SessionID())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestArchiver_WritesOffDeliveryPath(t *testing.T) {
	o := orchestrator.New(echoClient{})
	gate := make(chan struct{})
	var (
		mu      sync.Mutex
		written []string
	)
	a := newArchiver(o, func(ctx context.Context, sessionID string, m conversation.Message) error {
		<-gate
		mu.Lock()
		defer mu.Unlock()
		written = append(written, m.Text)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := o.Ask(ctx, analysis.Turn{Text: "hi"})
	require.NoError(t, err, "a stuck archive write must not hold up the reply")
	require.Equal(t, "echo: hi", reply.Text)

	close(gate)
	a.Detach()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"hi", "echo: hi"}, written)
}

func TestArchiver_DetachDrainsQueue(t *testing.T) {
	s := openStore(t)
	o := orchestrator.New(echoClient{})
	a := s.Attach(o)
	ctx := context.Background()

	_, err := o.Ask(ctx, analysis.Turn{Text: "one"})
	require.NoError(t, err)
	session := a.SessionID()
	a.Detach()
	a.Flush()

	entries, err := s.List(ctx, session)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
