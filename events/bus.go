package events

import (
	"sync"
	"sync/atomic"

	"callscribe/log"
	"callscribe/metrics"
)

const DefaultBacklog = 1024

// Bus fans events out to subscribers. Publish never blocks: each subscriber
// owns a bounded FIFO backlog drained by its own goroutine, and a full
// backlog drops its oldest event.
type Bus struct {
	backlog int
	metrics *metrics.Metrics

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus(backlog int, m *metrics.Metrics) *Bus {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Bus{
		backlog: backlog,
		metrics: m,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a consumer. Events published after Subscribe returns
// are delivered on Events() in publish order. Subscribing to a closed bus
// yields an already-closed subscription.
func (b *Bus) Subscribe(name string) *Subscription {
	s := &Subscription{
		name:    name,
		bus:     b,
		backlog: b.backlog,
		notify:  make(chan struct{}, 1),
		out:     make(chan Event),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.forward()
	return s
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.offer(e)
	}
}

// Close stops accepting events. Subscribers receive what is already queued,
// then their channels close.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.finish()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

type Subscription struct {
	name    string
	bus     *Bus
	backlog int

	mu       sync.Mutex
	queue    []Event
	draining bool

	notify   chan struct{}
	out      chan Event
	done     chan struct{}
	doneOnce sync.Once
	dropped  atomic.Uint64
}

func (s *Subscription) Name() string { return s.name }

// Events is closed after Unsubscribe or after the bus closes and the backlog
// drains.
func (s *Subscription) Events() <-chan Event { return s.out }

// Dropped counts events discarded because the backlog was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe stops delivery immediately; queued events are discarded.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Subscription) offer(e Event) {
	s.mu.Lock()
	if len(s.queue) >= s.backlog {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		n := s.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			log.Warnf("event subscriber %s lagging, %d events dropped", s.name, n)
		}
		s.bus.metrics.RecordBusDropped(s.name)
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) forward() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
