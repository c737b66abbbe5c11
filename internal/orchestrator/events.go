package orchestrator

import (
	"sync"

	"github.com/comigor/kolamchat/internal/conversation"
)

// EventKind names a change to the session.
type EventKind string

const (
	EventAppended EventKind = "appended"
	EventResolved EventKind = "resolved"
	EventReset    EventKind = "reset"
)

// Event describes one change. Message is the entry as it was right after the
// change; it is empty for EventReset.
type Event struct {
	Kind    EventKind
	Message conversation.Message
}

// events queues changes in mutation order and delivers them to subscribers
// outside the orchestrator lock. Delivery is serialized; a subscriber that
// triggers another change sees it delivered after its own callback returns.
type events struct {
	mu     sync.Mutex
	queue  []Event
	subs   map[uint64]func(Event)
	nextID uint64

	delivering sync.Mutex
}

func (e *events) subscribe(fn func(Event)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

func (e *events) enqueue(ev Event) {
	e.mu.Lock()
	e.queue = append(e.queue, ev)
	e.mu.Unlock()
}

func (e *events) take() ([]Event, []func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil, nil
	}
	batch := e.queue
	e.queue = nil
	// Ordered by subscription id so delivery order is stable.
	subs := make([]func(Event), 0, len(e.subs))
	for id := uint64(0); id < e.nextID; id++ {
		if fn, ok := e.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	return batch, subs
}

func (e *events) pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) > 0
}

// flush delivers queued events. If another goroutine is already delivering, it
// drains the queue instead.
func (e *events) flush() {
	for {
		if !e.delivering.TryLock() {
			return
		}
		for {
			batch, subs := e.take()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				for _, fn := range subs {
					fn(ev)
				}
			}
		}
		e.delivering.Unlock()
		if !e.pending() {
			return
		}
	}
}
