package datastore

import "sync"

// EventKind names what happened in the store.
type EventKind string

const (
	FeatureAdded    EventKind = "feature.added"
	FeatureDeleted  EventKind = "feature.deleted"
	FeatureUpdated  EventKind = "feature.updated"
	AssemblyAdded   EventKind = "assembly.added"
	AssemblyDeleted EventKind = "assembly.deleted"
	AssemblyUpdated EventKind = "assembly.updated"
	RefSeqUpdated   EventKind = "refseq.updated"
	ChecksReplaced  EventKind = "checks.replaced"
)

// Event is published after a transaction commits. Rolled back work produces no events.
type Event struct {
	Kind EventKind `json:"kind"`
	ID   string    `json:"id"`
}

const subscriberBuffer = 64

// eventHub fans events out to subscribers. Slow subscribers lose events
// instead of blocking writers.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan Event]struct{})}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *eventHub) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		for _, e := range events {
			select {
			case ch <- e:
			default:
			}
		}
	}
}
