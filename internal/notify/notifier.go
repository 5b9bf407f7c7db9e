package notify

import (
	"context"
	"sync"

	"github.com/pulsefit/coach/internal/store"
)

const (
	EventStreamUpdate   = "stream_update"
	EventStreamComplete = "stream_complete"
	EventStreamError    = "stream_error"
)

// Event is the push-notification payload for one stream transition.
type Event struct {
	Type            string                  `json:"type"`
	StreamID        string                  `json:"streamId"`
	PartialResponse string                  `json:"partialResponse,omitempty"`
	Response        *store.StructuredAnswer `json:"response,omitempty"`
	Error           string                  `json:"error,omitempty"`
}

// Notifier fans events out to a user's subscribers. The state machine only
// publishes; the delivery transport (SSE, polling, sockets) lives behind
// Subscribe.
type Notifier interface {
	Publish(ctx context.Context, userID int64, event Event) error
	Subscribe(ctx context.Context, userID int64) (<-chan Event, func(), error)
	Close() error
}

const subscriberBuffer = 16

// MemoryNotifier is the in-process broker, used when no Redis address is
// configured and by tests. A slow subscriber drops intermediate events
// rather than blocking publishers; the final complete/error write always
// carries the full result, so nothing is lost.
type MemoryNotifier struct {
	mu     sync.Mutex
	subs   map[int64]map[int]chan Event
	nextID int
	closed bool
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: make(map[int64]map[int]chan Event)}
}

func (n *MemoryNotifier) Publish(_ context.Context, userID int64, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[userID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (n *MemoryNotifier) Subscribe(ctx context.Context, userID int64) (<-chan Event, func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}, nil
	}

	n.nextID++
	id := n.nextID
	ch := make(chan Event, subscriberBuffer)
	if n.subs[userID] == nil {
		n.subs[userID] = make(map[int]chan Event)
	}
	n.subs[userID][id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if subs, ok := n.subs[userID]; ok {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(n.subs, userID)
			}
		}
	}

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			cancel()
		}()
	}

	return ch, cancel, nil
}

func (n *MemoryNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for userID, subs := range n.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(n.subs, userID)
	}
	return nil
}
