package conversation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotPending is returned when resolving an id that is not the current pending entry.
	ErrNotPending = errors.New("message is not pending")
	// ErrPendingExists is returned when appending any entry while one is unresolved.
	// The pending entry is always the most recent one.
	ErrPendingExists = errors.New("a pending message already exists")
)

// Log is the ordered message history of one session. Entries are only appended or,
// for the single pending entry, resolved.
type Log struct {
	mu       sync.RWMutex
	messages []Message
	seq      uint64
	// pending indexes the unresolved entry, or -1.
	pending int
	now     func() time.Time
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{pending: -1, now: time.Now}
}

// Append adds m at the end and returns its new id. Id, sequence number and
// creation time are always assigned by the log.
func (l *Log) Append(m Message) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pending >= 0 {
		return "", ErrPendingExists
	}
	if m.Status == "" {
		m.Status = StatusFinal
	}

	l.seq++
	m.ID = uuid.NewString()
	m.Seq = l.seq
	m.CreatedAt = l.now()
	m.Analysis = cloneRecord(m.Analysis)
	l.messages = append(l.messages, m)
	if m.Status == StatusPending {
		l.pending = len(l.messages) - 1
	}
	return m.ID, nil
}

// ResolvePending moves the pending entry with the given id to its final state.
func (l *Log) ResolvePending(id string, r Resolution) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pending < 0 || l.messages[l.pending].ID != id {
		return Message{}, fmt.Errorf("resolve %q: %w", id, ErrNotPending)
	}
	if r.Status != StatusFinal && r.Status != StatusFailed {
		return Message{}, fmt.Errorf("resolve %q to %q: invalid status", id, r.Status)
	}

	m := &l.messages[l.pending]
	m.Status = r.Status
	m.Text = r.Text
	m.Analysis = cloneRecord(r.Analysis)
	m.ErrorKind = r.ErrorKind
	l.pending = -1
	return copyMessage(*m), nil
}

// Snapshot returns the entries in display order. The result shares nothing
// mutable with the log.
func (l *Log) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = copyMessage(m)
	}
	return out
}

// Pending returns the unresolved entry, if any.
func (l *Log) Pending() (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.pending < 0 {
		return Message{}, false
	}
	return copyMessage(l.messages[l.pending]), true
}

// Get returns the entry with the given id.
func (l *Log) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, m := range l.messages {
		if m.ID == id {
			return copyMessage(m), true
		}
	}
	return Message{}, false
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Reset empties the log for a new session. Sequence numbers keep increasing so
// ids and order stay unique across restarts of the same process.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
	l.pending = -1
}
