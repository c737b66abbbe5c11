package history

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/comigor/kolamchat/internal/conversation"
	"github.com/comigor/kolamchat/internal/logger"
	"github.com/comigor/kolamchat/internal/orchestrator"
)

type archiveJob struct {
	session string
	msg     conversation.Message
	flushed chan struct{}
}

// Archiver records an orchestrator's settled messages into a Store. Each reset
// starts a new archive session. Writes happen on a background goroutine in event
// order; event delivery only queues them.
type Archiver struct {
	write func(ctx context.Context, sessionID string, m conversation.Message) error

	mu        sync.Mutex
	sessionID string
	queue     []archiveJob
	closed    bool

	wake        chan struct{}
	done        chan struct{}
	unsubscribe func()
}

// Attach starts archiving o's messages.
func (s *Store) Attach(o *orchestrator.Orchestrator) *Archiver {
	return newArchiver(o, s.Record)
}

func newArchiver(o *orchestrator.Orchestrator, write func(context.Context, string, conversation.Message) error) *Archiver {
	a := &Archiver{
		write:     write,
		sessionID: uuid.NewString(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go a.run()
	a.unsubscribe = o.Subscribe(a.handle)
	return a
}

func (a *Archiver) handle(ev orchestrator.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if ev.Kind == orchestrator.EventReset {
		a.sessionID = uuid.NewString()
		return
	}
	if ev.Message.Status == conversation.StatusPending {
		return
	}
	a.queue = append(a.queue, archiveJob{session: a.sessionID, msg: ev.Message})
	a.signal()
}

// signal must be called with mu held.
func (a *Archiver) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Archiver) run() {
	defer close(a.done)
	for {
		a.mu.Lock()
		jobs, closed := a.queue, a.closed
		a.queue = nil
		a.mu.Unlock()

		for _, j := range jobs {
			if j.flushed != nil {
				close(j.flushed)
				continue
			}
			if err := a.write(context.Background(), j.session, j.msg); err != nil {
				logger.L.Warn("failed to archive message", "message_id", j.msg.ID, "error", err)
			}
		}

		switch {
		case len(jobs) > 0:
		case closed:
			return
		default:
			<-a.wake
		}
	}
}

// Flush blocks until every message queued so far has been written.
func (a *Archiver) Flush() {
	ch := make(chan struct{})
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.queue = append(a.queue, archiveJob{flushed: ch})
	a.signal()
	a.mu.Unlock()
	<-ch
}

// SessionID is the archive session currently being written.
func (a *Archiver) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Detach stops archiving and waits for queued writes to finish.
func (a *Archiver) Detach() {
	a.unsubscribe()
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		a.signal()
	}
	a.mu.Unlock()
	<-a.done
}
