package comms

import (
	"fmt"
	"sync"
	"time"
)

// Options tune an InMemoryBus.
type Options struct {
	Keepalive      time.Duration // idle interval before a keepalive; 0 disables
	Buffer         int           // per-subscriber buffer
	MaxSubscribers int           // per task; 0 means unbounded
}

// DefaultOptions mirrors the daemon defaults.
func DefaultOptions() Options {
	return Options{Keepalive: 30 * time.Second, Buffer: 64, MaxSubscribers: 32}
}

// InMemoryBus is a thread-safe in-process event bus keyed by task id.
type InMemoryBus struct {
	mu     sync.Mutex
	topics map[string][]*Subscription
	opts   Options
	nextID int
}

// NewInMemoryBus creates an InMemoryBus.
func NewInMemoryBus(opts Options) *InMemoryBus {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &InMemoryBus{
		topics: make(map[string][]*Subscription),
		opts:   opts,
	}
}

// Publish delivers ev to the current subscribers of ev.TaskID in publish
// order. A subscriber whose buffer is full is detached. A terminal event
// closes every subscription of the task after delivery.
func (b *InMemoryBus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[ev.TaskID]
	if len(subs) == 0 {
		return
	}
	kept := subs[:0]
	for _, s := range subs {
		if s.deliver(ev) {
			kept = append(kept, s)
		}
	}
	if ev.Type.Terminal() {
		for _, s := range kept {
			s.shutdown(nil)
		}
		kept = nil
	}
	if len(kept) == 0 {
		delete(b.topics, ev.TaskID)
		return
	}
	b.topics[ev.TaskID] = kept
}

// Subscribe attaches a subscriber to taskID.
func (b *InMemoryBus) Subscribe(taskID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opts.MaxSubscribers > 0 && len(b.topics[taskID]) >= b.opts.MaxSubscribers {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrTooManySubscribers)
	}
	b.nextID++
	s := &Subscription{
		id:     b.nextID,
		taskID: taskID,
		bus:    b,
		ch:     make(chan Event, b.opts.Buffer),
		stop:   make(chan struct{}),
		last:   time.Now(),
	}
	b.topics[taskID] = append(b.topics[taskID], s)
	if b.opts.Keepalive > 0 {
		go s.keepalive(b.opts.Keepalive)
	}
	return s, nil
}

// Subscribers returns the number of live subscriptions for taskID.
func (b *InMemoryBus) Subscribers(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[taskID])
}

// Len returns the number of live subscriptions across all tasks.
func (b *InMemoryBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, subs := range b.topics {
		n += len(subs)
	}
	return n
}

func (b *InMemoryBus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[s.taskID]
	filtered := subs[:0]
	for _, e := range subs {
		if e.id != s.id {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		delete(b.topics, s.taskID)
	} else {
		b.topics[s.taskID] = filtered
	}
}

// Subscription is one consumer's view of a task's event stream.
type Subscription struct {
	id     int
	taskID string
	bus    *InMemoryBus

	mu     sync.Mutex
	ch     chan Event
	stop   chan struct{}
	closed bool
	err    error
	last   time.Time
}

// Events returns the stream. It is closed after a terminal event, on
// overflow, or by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Err reports why the stream ended early, or nil.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.shutdown(nil)
}

// deliver reports whether the subscription is still live afterwards.
func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		s.last = time.Now()
		return true
	default:
		s.closeLocked(ErrSlowConsumer)
		return false
	}
}

func (s *Subscription) shutdown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(err)
}

func (s *Subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.stop)
	close(s.ch)
}

func (s *Subscription) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			if !s.closed && now.Sub(s.last) >= interval {
				select {
				case s.ch <- Event{TaskID: s.taskID, Type: EventKeepalive, Timestamp: now.UTC()}:
					s.last = now
				default:
				}
			}
			s.mu.Unlock()
		}
	}
}
