package stream

import (
	"context"
	"sync"

	"docsign.org/internal/signing"
)

var _ signing.EventSink = (*Stream)(nil)

// Stream fan-outs document events to the SSE clients of the owning user.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	ownerID string
	ch      chan signing.Event
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for ownerID's events. The channel is closed
// when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, ownerID string) <-chan signing.Event {
	ch := make(chan signing.Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ownerID: ownerID, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to every subscriber of the document owner.
func (s *Stream) Publish(evt signing.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.ownerID != evt.OwnerID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the number of open subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
