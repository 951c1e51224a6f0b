package progress

import (
	"log/slog"
	"sync"
)

// AllSyncs is the subscription filter matching every run.
const AllSyncs = "*"

// defaultBufferSize bounds each subscriber's queue. A full sync of a few
// thousand records emits well under this per page; only a stalled reader
// overflows, and it learns about the loss from the lagged marker.
const defaultBufferSize = 256

// Bus fans events out to subscribers. The publish path touches only the
// subscriber list read-lock and each subscriber's own buffer mutex; it
// never waits on a consumer.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// subscriber owns a bounded FIFO drained by a pump goroutine into out.
type subscriber struct {
	filter string // syncId or AllSyncs

	mu      sync.Mutex
	queue   []Event
	dropped int
	wake    chan struct{} // 1-buffered doorbell
	done    chan struct{}
	out     chan Event
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		logger: logger,
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers a subscriber for events whose SyncID matches filter
// (AllSyncs matches everything). The returned channel is closed when
// cancel is called or the bus shuts down. cancel is idempotent.
func (b *Bus) Subscribe(filter string) (<-chan Event, func()) {
	sub := &subscriber{
		filter: filter,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}

	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		close(sub.out)

		return sub.out, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.pump()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()

			close(sub.done)
		})
	}

	return sub.out, cancel
}

// Publish delivers ev to every matching subscriber without blocking.
// A subscriber whose buffer is full loses its oldest pending event; the
// loss is reported to that subscriber as a single lagged frame.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.filter != AllSyncs && sub.filter != ev.SyncID {
			continue
		}

		sub.offer(ev)
	}
}

// Close shuts the bus down, closing every subscriber channel. Publish
// calls after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for id, sub := range b.subs {
		close(sub.done)
		delete(b.subs, id)
	}
}

// offer appends ev to the subscriber's queue, evicting the oldest entry
// when the buffer is full, then rings the doorbell.
func (s *subscriber) offer(ev Event) {
	s.mu.Lock()

	if len(s.queue) >= defaultBufferSize {
		s.queue = s.queue[1:]
		s.dropped++
	}

	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the queue into the unbuffered out channel. When events were
// dropped since the last delivery, a lagged marker is inserted before the
// next real event so the subscriber sees the gap in order.
func (s *subscriber) pump() {
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()

			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}

			dropped := s.dropped
			s.dropped = 0

			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if dropped > 0 {
				lag := Event{
					Type:   TypeLagged,
					SyncID: ev.SyncID,
					Data:   LaggedData{Dropped: dropped},
				}

				select {
				case s.out <- lag:
				case <-s.done:
					return
				}
			}

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
