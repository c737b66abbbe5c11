package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/kolamchat/internal/analysis"
	"github.com/comigor/kolamchat/internal/attachment"
	"github.com/comigor/kolamchat/internal/conversation"
)

// This mirrors analysis.Client
type mockClient struct {
	SendFunc         func(ctx context.Context, turn analysis.Turn) analysis.Outcome
	AnalyzeImageFunc func(ctx context.Context, img *attachment.Image) analysis.Outcome

	mu    sync.Mutex
	turns []analysis.Turn
	calls int
}

func (m *mockClient) Send(ctx context.Context, turn analysis.Turn) analysis.Outcome {
	m.mu.Lock()
	m.turns = append(m.turns, turn)
	m.calls++
	m.mu.Unlock()
	if m.SendFunc != nil {
		return m.SendFunc(ctx, turn)
	}
	return analysis.Success("ok", nil)
}

func (m *mockClient) AnalyzeImage(ctx context.Context, img *attachment.Image) analysis.Outcome {
	m.mu.Lock()
	m.turns = append(m.turns, analysis.Turn{Attachment: img})
	m.calls++
	m.mu.Unlock()
	if m.AnalyzeImageFunc != nil {
		return m.AnalyzeImageFunc(ctx, img)
	}
	return analysis.Failure(analysis.NewError(analysis.KindMalformed, "not configured", nil))
}

func (m *mockClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// gatedClient blocks every Send until an outcome is pushed through gate.
func gatedClient(t *testing.T) (*mockClient, chan analysis.Outcome) {
	gate := make(chan analysis.Outcome)
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	m := &mockClient{SendFunc: func(ctx context.Context, turn analysis.Turn) analysis.Outcome {
		select {
		case out := <-gate:
			return out
		case <-stop:
			return analysis.Failure(errors.New("test finished"))
		}
	}}
	return m, gate
}

func testImage(t *testing.T) *attachment.Image {
	t.Helper()
	img, err := attachment.New("kolam.png", "image/png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), attachment.DefaultLimits())
	require.NoError(t, err)
	return img
}

func TestSubmit_TextSuccess(t *testing.T) {
	client, gate := gatedClient(t)
	o := New(client)

	require.NoError(t, o.Submit(context.Background(), analysis.Turn{Text: "Hello"}))
	require.Equal(t, StateAwaitingResponse, o.State())

	snap := o.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, conversation.SenderUser, snap[0].Sender)
	require.Equal(t, "Hello", snap[0].Text)
	require.Equal(t, conversation.StatusFinal, snap[0].Status)
	require.Equal(t, conversation.SenderSystem, snap[1].Sender)
	require.Equal(t, conversation.StatusPending, snap[1].Status)
	require.Equal(t, snap[1].ID, o.PendingID())

	gate <- analysis.Success("Hi there", nil)
	o.Wait()

	snap = o.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, conversation.StatusFinal, snap[1].Status)
	require.Equal(t, "Hi there", snap[1].Text)
	require.Equal(t, StateIdle, o.State())
	require.Empty(t, o.PendingID())
}

func TestSubmit_AttachmentOnly(t *testing.T) {
	client := &mockClient{}
	o := New(client)
	img := testImage(t)

	require.NoError(t, o.Submit(context.Background(), analysis.Turn{Attachment: img}))
	o.Wait()

	require.Len(t, client.turns, 1)
	require.Empty(t, client.turns[0].Text)
	require.Same(t, img, client.turns[0].Attachment)

	snap := o.Snapshot()
	require.Len(t, snap, 2)
	require.Same(t, img, snap[0].Attachment)
	require.Equal(t, "ok", snap[1].Text)
}

func TestSubmit_EmptyTurn(t *testing.T) {
	client := &mockClient{}
	o := New(client)

	err := o.Submit(context.Background(), analysis.Turn{})
	require.ErrorIs(t, err, ErrEmptyTurn)
	require.True(t, IsRejection(err))
	require.Empty(t, o.Snapshot())
	require.Equal(t, StateIdle, o.State())
	require.Zero(t, client.callCount())
}

func TestSubmit_InvalidAttachment(t *testing.T) {
	client := &mockClient{}
	o := New(client, WithLimits(attachment.Limits{MaxBytes: 4}))

	err := o.Submit(context.Background(), analysis.Turn{Text: "look", Attachment: testImage(t)})
	require.ErrorIs(t, err, attachment.ErrInvalidAttachment)
	require.True(t, IsRejection(err))
	require.Empty(t, o.Snapshot())
	require.Equal(t, StateIdle, o.State())
	require.Zero(t, client.callCount())
}

func TestSubmit_RequestInFlight(t *testing.T) {
	client, gate := gatedClient(t)
	o := New(client)

	require.NoError(t, o.Submit(context.Background(), analysis.Turn{Text: "first"}))
	before := o.Snapshot()

	err := o.Submit(context.Background(), analysis.Turn{Text: "second"})
	require.ErrorIs(t, err, ErrRequestInFlight)
	// In-flight wins over an empty turn.
	require.ErrorIs(t, o.Submit(context.Background(), analysis.Turn{}), ErrRequestInFlight)
	require.ErrorIs(t, o.Analyze(context.Background(), testImage(t)), ErrRequestInFlight)
	require.Equal(t, before, o.Snapshot())

	gate <- analysis.Success("done", nil)
	o.Wait()
	require.Equal(t, 1, client.callCount())

	require.NoError(t, o.Submit(context.Background(), analysis.Turn{Text: "third"}))
	gate <- analysis.Success("again", nil)
	o.Wait()
	require.Len(t, o.Snapshot(), 4)
}

func TestSubmit_ConcurrentCallersSinglePending(t *testing.T) {
	client, gate := gatedClient(t)
	o := New(client)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := o.Submit(context.Background(), analysis.Turn{Text: "hi"})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			require.ErrorIs(t, err, ErrRequestInFlight)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, accepted)

	pending := 0
	for _, m := range o.Snapshot() {
		if m.Status == conversation.StatusPending {
			pending++
		}
	}
	require.Equal(t, 1, pending)
	require.Len(t, o.Snapshot(), 2)

	gate <- analysis.Success("ok", nil)
	o.Wait()
}

func TestSubmit_TransportFailureIsGeneric(t *testing.T) {
	client, gate := gatedClient(t)
	o := New(client)

	require.NoError(t, o.Submit(context.Background(), analysis.Turn{Text: "Hello"}))
	gate <- analysis.Failure(&analysis.Error{Kind: analysis.KindTransport, Message: "network down"})
	o.Wait()

	bot := o.Snapshot()[1]
	require.Equal(t, conversation.StatusFailed, bot.Status)
	require.Equal(t, analysis.KindTransport, bot.ErrorKind)
	require.NotContains(t, bot.Text, "network down")
	require.Equal(t, analysis.KindTransport.UserMessage(), bot.Text)
	require.Equal(t, StateIdle, o.State())
}

func TestSubmit_FailureKinds(t *testing.T) {
	for _, kind := range []analysis.Kind{analysis.KindDomain, analysis.KindMalformed, analysis.KindTransport} {
		t.Run(string(kind), func(t *testing.T) {
			client := &mockClient{SendFunc: func(ctx context.Context, turn analysis.Turn) analysis.Outcome {
				return analysis.Failure(&analysis.Error{Kind: kind, Message: "raw backend detail"})
			}}
			o := New(client)
			require.NoError(t, o.Submit(context.Background(), analysis.Turn{Text: "x"}))
			o.Wait()

			bot := o.Snapshot()[1]
			require.Equal(t, conversation.StatusFailed, bot.Status)
			require.Equal(t, kind, bot.ErrorKind)
			require.NotContains(t, bot.Text, "raw backend detail")
		})
	}
}

func TestSubmit_DispatchOutlivesCallerContext(t *testing.T) {
	client := &mockClient{SendFunc: func(ctx context.Context, turn analysis.Turn) analysis.Outcome {
		if ctx.Err() != nil {
			return analysis.Failure(ctx.Err())
		}
		return analysis.Success("still here", nil)
	}}
	o := New(client)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.Submit(ctx, analysis.Turn{Text: "x"}))
	cancel()
	o.Wait()

	require.Equal(t, "still here", o.Snapshot()[1].Text)
}

func TestSubmit_Timeout(t *testing.T) {
	client, _ := gatedClient(t)
	o := New(client, WithTimeout(20*time.Millisecond))

	require.NoError(t, o.Submit(context.Background(), analysis.Turn{Text: "hung"}))
	o.Wait()

	bot := o.Snapshot()[1]
	require.Equal(t, conversation.StatusFailed, bot.Status)
	require.Equal(t, analysis.KindTransport, bot.ErrorKind)
	require.Equal(t, StateIdle, o.State())
}

func TestAnalyze_Record(t *testing.T) {
	rec := &analysis.Record{
		DotCount:       25,
		LineCount:      40,
		SymmetryScore:  0.9,
		GridPattern:    "5x5 square",
		Features:       []string{"closed loops"},
		Interpretation: "A pulli kolam.",
		OriginalImage:  "data:image/png;base64,AA",
	}
	client := &mockClient{AnalyzeImageFunc: func(ctx context.Context, img *attachment.Image) analysis.Outcome {
		return analysis.Success(rec.Summary(), rec)
	}}
	o := New(client)
	img := testImage(t)

	require.NoError(t, o.Analyze(context.Background(), img))
	o.Wait()

	snap := o.Snapshot()
	require.Len(t, snap, 2)
	require.Same(t, img, snap[0].Attachment)
	require.Empty(t, snap[0].Text)

	bot := snap[1]
	require.Equal(t, conversation.StatusFinal, bot.Status)
	require.NotNil(t, bot.Analysis)
	require.Equal(t, 25, bot.Analysis.DotCount)
	require.Equal(t, 40, bot.Analysis.LineCount)
	require.Equal(t, "5x5 square", bot.Analysis.GridPattern)
	require.Equal(t, []string{"closed loops"}, bot.Analysis.Features)
	require.Equal(t, "A pulli kolam.", bot.Analysis.Interpretation)
	require.Equal(t, "data:image/png;base64,AA", bot.Analysis.OriginalImage)
	require.Equal(t, rec.Summary(), bot.Text)
}

func TestAnalyze_Malformed(t *testing.T) {
	client := &mockClient{}
	o := New(client)

	require.NoError(t, o.Analyze(context.Background(), testImage(t)))
	o.Wait()

	bot := o.Snapshot()[1]
	require.Equal(t, conversation.StatusFailed, bot.Status)
	require.Equal(t, analysis.KindMalformed, bot.ErrorKind)
	require.Nil(t, bot.Analysis)
}

func TestAnalyze_NoImage(t *testing.T) {
	o := New(&mockClient{})
	require.ErrorIs(t, o.Analyze(context.Background(), nil), ErrEmptyTurn)
}

func TestAsk(t *testing.T) {
	client := &mockClient{SendFunc: func(ctx context.Context, turn analysis.Turn) analysis.Outcome {
		return analysis.Success("echo: "+turn.Text, nil)
	}}
	o := New(client)

	m, err := o.Ask(context.Background(), analysis.Turn{Text: "ping"})
	require.NoError(t, err)
	require.Equal(t, conversation.SenderSystem, m.Sender)
	require.Equal(t, "echo: ping", m.Text)

	_, err = o.Ask(context.Background(), analysis.Turn{})
	require.ErrorIs(t, err, ErrEmptyTurn)
}

func TestAsk_ContextEndsFirst(t *testing.T) {
	client, gate := gatedClient(t)
	o := New(client)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := o.Ask(ctx, analysis.Turn{Text: "slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StateAwaitingResponse, o.State())

	gate <- analysis.Success("late", nil)
	o.Wait()
	require.Equal(t, "late", o.Snapshot()[1].Text)
}

func TestAskAnalysis(t *testing.T) {
	rec := &analysis.Record{DotCount: 1, GridPattern: "g", Features: []string{}, Interpretation: "i", OriginalImage: "o"}
	client := &mockClient{AnalyzeImageFunc: func(ctx context.Context, img *attachment.Image) analysis.Outcome {
		return analysis.Success(rec.Summary(), rec)
	}}
	m, err := New(client).AskAnalysis(context.Background(), testImage(t))
	require.NoError(t, err)
	require.NotNil(t, m.Analysis)
	require.Equal(t, 1, m.Analysis.DotCount)
}

func TestSubscribe_EventOrder(t *testing.T) {
	client, gate := gatedClient(t)
	o := New(client)

	got := make(chan Event, 16)
	unsubscribe := o.Subscribe(func(ev Event) {
		// Reading back from inside a callback must not deadlock.
		_ = o.Snapshot()
		got <- ev
	})

	require.NoError(t, o.Submit(context.Background(), analysis.Turn{Text: "Hello"}))
	gate <- analysis.Success("Hi there", nil)
	o.Wait()

	want := []struct {
		kind   EventKind
		sender conversation.Sender
		status conversation.Status
	}{
		{EventAppended, conversation.SenderUser, conversation.StatusFinal},
		{EventAppended, conversation.SenderSystem, conversation.StatusPending},
		{EventResolved, conversation.SenderSystem, conversation.StatusFinal},
	}
	for _, w := range want {
		select {
		case ev := <-got:
			require.Equal(t, w.kind, ev.Kind)
			require.Equal(t, w.sender, ev.Message.Sender)
			require.Equal(t, w.status, ev.Message.Status)
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", w.kind)
		}
	}

	unsubscribe()
	unsubscribe()
	require.NoError(t, o.Reset())
	select {
	case ev := <-got:
		t.Fatalf("unexpected event after unsubscribe: %v", ev.Kind)
	default:
	}
}

func TestSubscribe_NoEventOnRejection(t *testing.T) {
	o := New(&mockClient{})
	count := 0
	o.Subscribe(func(Event) { count++ })

	require.ErrorIs(t, o.Submit(context.Background(), analysis.Turn{}), ErrEmptyTurn)
	require.Zero(t, count)
}

func TestReset(t *testing.T) {
	client, gate := gatedClient(t)
	o := New(client)

	require.NoError(t, o.Submit(context.Background(), analysis.Turn{Text: "a"}))
	require.ErrorIs(t, o.Reset(), ErrRequestInFlight)
	require.Len(t, o.Snapshot(), 2)

	gate <- analysis.Success("b", nil)
	o.Wait()

	var kinds []EventKind
	o.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })
	require.NoError(t, o.Reset())
	require.Empty(t, o.Snapshot())
	require.Equal(t, []EventKind{EventReset}, kinds)
	require.Equal(t, StateIdle, o.State())
}

func TestWithLog(t *testing.T) {
	l := conversation.NewLog()
	o := New(&mockClient{}, WithLog(l))
	require.NoError(t, o.Submit(context.Background(), analysis.Turn{Text: "x"}))
	o.Wait()
	require.Equal(t, 2, l.Len())
}

func TestWaitWhenIdle(t *testing.T) {
	done := make(chan struct{})
	go func() {
		New(&mockClient{}).Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked on an idle session")
	}
}

func TestWaitContext(t *testing.T) {
	client, gate := gatedClient(t)
	o := New(client)
	require.NoError(t, o.Submit(context.Background(), analysis.Turn{Text: "slow"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, o.WaitContext(ctx), context.DeadlineExceeded)
	require.Equal(t, StateAwaitingResponse, o.State())

	gate <- analysis.Success("done", nil)
	require.NoError(t, o.WaitContext(context.Background()))
	require.Equal(t, StateIdle, o.State())
}
