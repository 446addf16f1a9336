package engine

import (
	stdsync "sync"

	"github.com/jpaulsen/localsync-go/internal/record"
)

// EventKind identifies what happened to a record.
type EventKind string

// Event kinds published to subscribers.
const (
	EventLocalWrite       EventKind = "local_write"
	EventPushed           EventKind = "pushed"
	EventRemoteApplied    EventKind = "remote_applied"
	EventConflictResolved EventKind = "conflict_resolved"
	EventConflictDeferred EventKind = "conflict_deferred"
)

// Event describes one observable state change. Record is nil for events
// that do not carry the resulting record state.
type Event struct {
	Kind     EventKind
	RecordID string
	Record   *record.Record
}

// hub fans events out to subscribers. Publishing never blocks: a
// subscriber that falls behind its buffer misses events rather than
// stalling sync. Subscribers that need completeness re-read the store.
type hub struct {
	mu   stdsync.Mutex
	subs map[int]chan Event
	next int
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

// subscribe registers a buffered event channel. The returned cancel
// function closes the channel and must be called exactly once.
func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
