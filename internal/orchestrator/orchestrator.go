package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/comigor/kolamchat/internal/analysis"
	"github.com/comigor/kolamchat/internal/attachment"
	"github.com/comigor/kolamchat/internal/conversation"
	"github.com/comigor/kolamchat/internal/logger"
)

// FSM States
type FSMState stateless.State

var (
	StateIdle             FSMState = "Idle"
	StateAwaitingResponse FSMState = "AwaitingResponse" // exactly one pending message exists
)

// FSM Triggers
type FSMTrigger stateless.Trigger

var (
	TriggerSubmit         FSMTrigger = "Submit"
	TriggerOutcomeArrived FSMTrigger = "OutcomeArrived"
)

var (
	// ErrEmptyTurn is returned for a turn with neither text nor an attachment.
	ErrEmptyTurn = errors.New("turn has no text and no attachment")
	// ErrRequestInFlight is returned while a previous turn is unresolved.
	ErrRequestInFlight = errors.New("a request is already in flight")
)

// request is what one accepted turn dispatches.
type request struct {
	turn     analysis.Turn
	analysis bool
}

func (r request) String() string {
	if r.analysis {
		return "analysis"
	}
	return "chat"
}

// Orchestrator owns one session: its message log, the single in-flight request
// and the delivery of change events.
type Orchestrator struct {
	client  analysis.Client
	log     *conversation.Log
	logger  *slog.Logger
	timeout time.Duration
	limits  attachment.Limits

	// mu guards the FSM, the log mutations and the event queue ordering.
	mu        sync.Mutex
	fsm       *stateless.StateMachine
	pendingID string
	inflight  chan struct{}

	events events
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTimeout turns a request that has not resolved after d into a transport
// failure. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithLog uses an existing log instead of a fresh one.
func WithLog(l *conversation.Log) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithLimits sets the attachment limits enforced at submit.
func WithLimits(l attachment.Limits) Option {
	return func(o *Orchestrator) { o.limits = l }
}

// New returns an idle orchestrator dispatching to client.
func New(client analysis.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client: client,
		logger: logger.L,
		limits: attachment.DefaultLimits(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = conversation.NewLog()
	}
	o.events.subs = map[uint64]func(Event){}
	o.fsm = o.newFSM()
	return o
}

func (o *Orchestrator) newFSM() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)

	// State: Idle
	// Transitions:
	//   - On Submit -> StateAwaitingResponse
	fsm.Configure(StateIdle).
		OnEntryFrom(TriggerOutcomeArrived, func(ctx context.Context, args ...any) error {
			o.logger.Debug("FSM: Entering StateIdle")
			return nil
		}).
		Permit(TriggerSubmit, StateAwaitingResponse)

	// State: AwaitingResponse
	// Transitions:
	//   - On OutcomeArrived -> StateIdle
	// Submit is deliberately not permitted: a second turn is refused, not queued.
	fsm.Configure(StateAwaitingResponse).
		OnEntryFrom(TriggerSubmit, func(ctx context.Context, args ...any) error {
			o.logger.Debug("FSM: Entering StateAwaitingResponse", "turn", fmt.Sprint(args...))
			return nil
		}).
		Permit(TriggerOutcomeArrived, StateIdle)

	return fsm
}

// State reports the current session state.
func (o *Orchestrator) State() FSMState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state()
}

func (o *Orchestrator) state() FSMState {
	return FSMState(o.fsm.MustState())
}

// Snapshot returns the message log in display order.
func (o *Orchestrator) Snapshot() []conversation.Message {
	return o.log.Snapshot()
}

// Submit accepts a conversational turn and dispatches it in the background. It
// returns ErrRequestInFlight, ErrEmptyTurn or an attachment.ErrInvalidAttachment
// error without touching the log.
func (o *Orchestrator) Submit(ctx context.Context, turn analysis.Turn) error {
	_, _, err := o.start(ctx, request{turn: turn})
	return err
}

// Analyze accepts a full-analysis turn for img. On success the bot message carries
// the structured record.
func (o *Orchestrator) Analyze(ctx context.Context, img *attachment.Image) error {
	_, _, err := o.start(ctx, request{turn: analysis.Turn{Attachment: img}, analysis: true})
	return err
}

// Ask submits a conversational turn and blocks until its reply resolves or ctx is
// done. The request keeps running if ctx ends first.
func (o *Orchestrator) Ask(ctx context.Context, turn analysis.Turn) (conversation.Message, error) {
	return o.await(ctx, request{turn: turn})
}

// AskAnalysis is Analyze followed by waiting for the resolution.
func (o *Orchestrator) AskAnalysis(ctx context.Context, img *attachment.Image) (conversation.Message, error) {
	return o.await(ctx, request{turn: analysis.Turn{Attachment: img}, analysis: true})
}

func (o *Orchestrator) await(ctx context.Context, req request) (conversation.Message, error) {
	id, done, err := o.start(ctx, req)
	if err != nil {
		return conversation.Message{}, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return conversation.Message{}, ctx.Err()
	}
	m, ok := o.log.Get(id)
	if !ok {
		return conversation.Message{}, fmt.Errorf("message %s: %w", id, conversation.ErrNotPending)
	}
	return m, nil
}

// Wait blocks until no request is in flight.
func (o *Orchestrator) Wait() {
	_ = o.WaitContext(context.Background())
}

// WaitContext is Wait bounded by ctx. It returns ctx's error if the request is still
// in flight when ctx ends; the request itself keeps running.
func (o *Orchestrator) WaitContext(ctx context.Context) error {
	o.mu.Lock()
	ch := o.inflight
	o.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears the log for a new session. It is refused while a request is in flight.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	if o.state() != StateIdle {
		o.mu.Unlock()
		return ErrRequestInFlight
	}
	o.log.Reset()
	o.events.enqueue(Event{Kind: EventReset})
	o.mu.Unlock()

	o.logger.Info("session reset")
	o.events.flush()
	return nil
}

// Subscribe registers fn for every change to the session. Events arrive after the
// change is visible in Snapshot, in the order the changes happened. fn must not block.
func (o *Orchestrator) Subscribe(fn func(Event)) (unsubscribe func()) {
	return o.events.subscribe(fn)
}

func (o *Orchestrator) start(ctx context.Context, req request) (string, chan struct{}, error) {
	log := logger.FromContext(ctx)

	o.mu.Lock()
	if o.state() != StateIdle {
		o.mu.Unlock()
		log.Debug("turn rejected", "reason", ErrRequestInFlight, "turn", req)
		return "", nil, ErrRequestInFlight
	}
	if req.turn.Empty() {
		o.mu.Unlock()
		log.Debug("turn rejected", "reason", ErrEmptyTurn, "turn", req)
		return "", nil, ErrEmptyTurn
	}
	if req.turn.Attachment != nil {
		if err := req.turn.Attachment.Validate(o.limits); err != nil {
			o.mu.Unlock()
			log.Debug("turn rejected", "reason", err, "turn", req)
			return "", nil, err
		}
	}

	if err := o.fsm.FireCtx(ctx, TriggerSubmit, req); err != nil {
		o.mu.Unlock()
		return "", nil, fmt.Errorf("submit: %w", err)
	}

	pendingID, err := o.appendTurn(req)
	if err != nil {
		// Unreachable while the FSM guards Idle; roll the state back regardless.
		if ferr := o.fsm.FireCtx(ctx, TriggerOutcomeArrived); ferr != nil {
			log.Error("FSM rollback failed", "error", ferr)
		}
		o.mu.Unlock()
		return "", nil, err
	}
	done := make(chan struct{})
	o.pendingID = pendingID
	o.inflight = done
	o.mu.Unlock()
	o.events.flush()

	log.Info("turn dispatched", "message_id", pendingID, "turn", req)
	go o.dispatch(context.WithoutCancel(ctx), req, pendingID, done)
	return pendingID, done, nil
}

// appendTurn appends the user message, when it has content, and the pending reply.
// Called with mu held.
func (o *Orchestrator) appendTurn(req request) (string, error) {
	user := conversation.Message{
		Sender:     conversation.SenderUser,
		Text:       req.turn.Text,
		Attachment: req.turn.Attachment,
		Status:     conversation.StatusFinal,
	}
	if user.HasContent() {
		id, err := o.log.Append(user)
		if err != nil {
			return "", err
		}
		o.enqueueMessage(EventAppended, id)
	}

	id, err := o.log.Append(conversation.Message{
		Sender: conversation.SenderSystem,
		Status: conversation.StatusPending,
	})
	if err != nil {
		return "", err
	}
	o.enqueueMessage(EventAppended, id)
	return id, nil
}

func (o *Orchestrator) enqueueMessage(kind EventKind, id string) {
	if m, ok := o.log.Get(id); ok {
		o.events.enqueue(Event{Kind: kind, Message: m})
	}
}

// dispatch performs the single exchange for a turn and reconciles its outcome.
func (o *Orchestrator) dispatch(ctx context.Context, req request, pendingID string, done chan struct{}) {
	log := logger.FromContext(ctx).With("message_id", pendingID)

	var cancel context.CancelFunc = func() {}
	if o.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
	}
	defer cancel()

	result := make(chan analysis.Outcome, 1)
	go func() {
		if req.analysis {
			result <- o.client.AnalyzeImage(ctx, req.turn.Attachment)
		} else {
			result <- o.client.Send(ctx, req.turn)
		}
	}()

	var out analysis.Outcome
	select {
	case out = <-result:
	case <-ctx.Done():
		log.Warn("request timed out", "timeout", o.timeout)
		out = analysis.Failure(analysis.NewError(analysis.KindTransport, "request timed out", ctx.Err()))
	}

	o.resolve(log, pendingID, out, done)
}

func (o *Orchestrator) resolve(log *slog.Logger, pendingID string, out analysis.Outcome, done chan struct{}) {
	o.mu.Lock()
	res := conversation.Resolve(out)
	m, err := o.log.ResolvePending(pendingID, res)
	if err != nil {
		log.Error("resolve pending message", "error", err)
	} else {
		o.events.enqueue(Event{Kind: EventResolved, Message: m})
	}
	if ferr := o.fsm.Fire(TriggerOutcomeArrived); ferr != nil {
		log.Error("FSM fire error", "error", ferr)
	}
	o.pendingID = ""
	o.inflight = nil
	o.mu.Unlock()

	if res.Status == conversation.StatusFailed {
		log.Warn("turn failed", "status", res.Status, "kind", res.ErrorKind, "error", out.Err())
	} else {
		log.Info("turn resolved", "status", res.Status, "seq", m.Seq)
	}
	o.events.flush()
	close(done)
}

// PendingID returns the id of the unresolved reply, or "".
func (o *Orchestrator) PendingID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pendingID
}

// IsRejection reports whether err is one of the synchronous submit rejections.
func IsRejection(err error) bool {
	return errors.Is(err, ErrEmptyTurn) ||
		errors.Is(err, ErrRequestInFlight) ||
		errors.Is(err, attachment.ErrInvalidAttachment)
}
