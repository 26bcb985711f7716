// Package cancellation tracks cooperative cancellation requests for
// in-flight tasks.
package cancellation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/luanle13/ancaptruyenlamvideo/task"
)

// Signal is the cancellation flag of one task run. Workers poll Requested at
// every sub-unit boundary or select on Done.
type Signal struct {
	requested atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

func newSignal(parent context.Context) *Signal {
	ctx, cancel := context.WithCancel(parent)
	return &Signal{ctx: ctx, cancel: cancel}
}

// Requested reports whether cancellation was requested. It never blocks.
func (s *Signal) Requested() bool {
	return s.requested.Load()
}

// Done is closed when cancellation is requested or the slot is released.
func (s *Signal) Done() <-chan struct{} { return s.ctx.Done() }

// Context returns a context that ends with Done, for handing to blocking I/O.
func (s *Signal) Context() context.Context { return s.ctx }

// Err returns task.ErrCancelled once requested, nil before.
func (s *Signal) Err() error {
	if s.Requested() {
		return task.ErrCancelled
	}
	return nil
}

func (s *Signal) request() {
	s.requested.Store(true)
	s.cancel()
}

// NewSignal returns a free-standing signal, for tests and one-off runs.
func NewSignal() *Signal { return newSignal(context.Background()) }

// Request fires a free-standing signal.
func (s *Signal) Request() { s.request() }

// Registry maps task ids to their cancellation signal.
type Registry struct {
	mu    sync.Mutex
	slots map[string]*Signal
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]*Signal)}
}

// Register creates the slot for id. Registering an id twice is a
// concurrency violation and prevents a task from being started twice.
func (r *Registry) Register(id string) (*Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slots[id]; ok {
		return nil, fmt.Errorf("task %s already running: %w", id, task.ErrConcurrencyViolation)
	}
	s := newSignal(context.Background())
	r.slots[id] = s
	return s, nil
}

// Request marks id as cancelled. It is idempotent and reports whether a
// slot existed.
func (r *Registry) Request(id string) bool {
	r.mu.Lock()
	s, ok := r.slots[id]
	r.mu.Unlock()
	if ok {
		s.request()
	}
	return ok
}

// IsRequested reports whether cancellation of id was requested. Unknown ids
// report false.
func (r *Registry) IsRequested(id string) bool {
	r.mu.Lock()
	s, ok := r.slots[id]
	r.mu.Unlock()
	return ok && s.Requested()
}

// Registered reports whether id currently holds a slot.
func (r *Registry) Registered(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.slots[id]
	return ok
}

// Release drops the slot of id and frees its context.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	s, ok := r.slots[id]
	delete(r.slots, id)
	r.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Len returns the number of registered slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
