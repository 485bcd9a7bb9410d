package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLog keeps the chain in process memory. Used by tests and as the
// default sink when no file path or Postgres DSN is configured.
type MemoryLog struct {
	mu       sync.Mutex
	events   []Event
	lastHash string
}

var _ Log = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, ev Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.ID = uuid.NewString()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Payload = RedactPayload(ev.Payload)
	ev.PrevHash = l.lastHash
	ev.Hash = chainHash(l.lastHash, ev)

	l.events = append(l.events, ev)
	l.lastHash = ev.Hash
	return ev, nil
}

func (l *MemoryLog) Query(_ context.Context, f Filter) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for _, ev := range l.events {
		if !matches(ev, f) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Events returns the full chain in append order.
func (l *MemoryLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Verify re-walks the chain and reports the index of the first broken
// link, or -1 when intact.
func (l *MemoryLog) Verify() int {
	return VerifyChain(l.Events())
}
