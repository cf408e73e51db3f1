package eventstore

import (
	"log"
	"sync"

	"github.com/rawblock/attestia/pkg/models"
)

// subscriberBuffer bounds each subscriber's delivery channel. A full buffer
// drops the delivery and logs; it never blocks the append path or reorders
// later deliveries.
const subscriberBuffer = 256

type subscriber struct {
	f        *fanout
	streamID string // empty = all streams
	ch       chan models.StoredEvent
	closed   bool
}

// Unsubscribe stops future deliveries. Events already handed to the drain
// goroutine are not cancelled.
func (s *subscriber) Unsubscribe() {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.f.subs, s)
	close(s.ch)
}

// fanout owns the subscriber registry shared by the in-process backends.
type fanout struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newFanout() *fanout {
	return &fanout{subs: make(map[*subscriber]struct{})}
}

func (f *fanout) subscribe(streamID string, h Handler) Subscription {
	sub := &subscriber{f: f, streamID: streamID, ch: make(chan models.StoredEvent, subscriberBuffer)}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		for e := range sub.ch {
			deliver(h, e)
		}
	}()
	return sub
}

// publish hands committed events to every matching subscriber in commit
// order. Called after the append is durable. Sends happen under the registry
// lock so Unsubscribe can never close a channel mid-send; the sends are
// non-blocking so the lock is held only briefly.
func (f *fanout) publish(events []models.StoredEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range events {
		for sub := range f.subs {
			if sub.streamID != "" && sub.streamID != e.StreamID {
				continue
			}
			select {
			case sub.ch <- e:
			default:
				log.Printf("eventstore: subscriber buffer full, dropping delivery of %s@%d", e.StreamID, e.Version)
			}
		}
	}
}

// closeAll tears down every subscriber; used by Store.Close.
func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	f.subs = make(map[*subscriber]struct{})
}

// deliver shields the log from subscriber panics: a throwing handler is
// logged and does not poison other subscribers or future events.
func deliver(h Handler, e models.StoredEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("eventstore: subscriber panic on %s@%d: %v", e.StreamID, e.Version, r)
		}
	}()
	h(e)
}
