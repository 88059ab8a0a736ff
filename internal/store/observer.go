package store

import (
	"sync/atomic"

	"pulsetrail/internal/interfaces"
	"pulsetrail/internal/types"
)

// subscriber holds one observer and its bounded notification queue. The
// writer enqueues and returns immediately; a dedicated goroutine drains the
// queue and invokes the observer, so a slow observer can only grow its own
// queue. When the queue overflows, the oldest pending notification is
// dropped and the next delivery carries a full-resync signal instead of a
// delta.
type subscriber struct {
	observer interfaces.Observer
	queue    chan types.Notification
	missed   atomic.Bool
	done     chan struct{}
}

func newSubscriber(observer interfaces.Observer, buffer int) *subscriber {
	return &subscriber{
		observer: observer,
		queue:    make(chan types.Notification, buffer),
		done:     make(chan struct{}),
	}
}

// enqueue adds a notification without ever blocking the writer. Returns
// true when the queue overflowed.
func (sub *subscriber) enqueue(n types.Notification) bool {
	select {
	case sub.queue <- n:
		return false
	default:
	}

	// Queue is full: drop the oldest pending notification to make room and
	// flag the missed update
	sub.missed.Store(true)
	select {
	case <-sub.queue:
	default:
	}
	select {
	case sub.queue <- n:
	default:
	}
	return true
}

// deliver drains the queue and invokes the observer. A flagged missed
// update turns the next delivery into a resync signal; the pending delta is
// subsumed by the observer's full re-read.
func (sub *subscriber) deliver() {
	for {
		select {
		case <-sub.done:
			return
		case n := <-sub.queue:
			if sub.missed.Swap(false) {
				n = types.Notification{Resync: true}
			}
			select {
			case <-sub.done:
				return
			default:
			}
			sub.observer(n)
		}
	}
}

func (sub *subscriber) stop() {
	close(sub.done)
}

// Subscribe registers an observer invoked once per append/update batch, in
// append order. The returned function removes the observer.
func (s *Store) Subscribe(observer interfaces.Observer) func() {
	sub := newSubscriber(observer, s.observerBuffer)

	s.subsMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = sub
	s.subsMu.Unlock()
	s.metrics.ObserversActive.Inc()

	go sub.deliver()

	return func() {
		s.subsMu.Lock()
		if existing, ok := s.subs[id]; ok {
			existing.stop()
			delete(s.subs, id)
			s.metrics.ObserversActive.Dec()
		}
		s.subsMu.Unlock()
	}
}

// notify fans a notification out to every observer queue
func (s *Store) notify(n types.Notification) {
	s.subsMu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()

	for _, sub := range subs {
		if sub.enqueue(n) {
			s.metrics.ObserverOverflows.Inc()
			s.updateStats(func(stats *interfaces.StoreStats) {
				stats.ObserverOverflow++
			})
		}
	}
}
