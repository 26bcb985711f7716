package server

import (
	"fmt"
	"net/url"

	"github.com/luanle13/ancaptruyenlamvideo/task"
)

// memTasks is a TaskService over an in-memory store. Cancel marks pending
// tasks cancelled directly.
type memTasks struct {
	store *task.MemStore
}

func newMemTasks() *memTasks {
	return &memTasks{store: task.NewMemStore()}
}

func (m *memTasks) CreateTask(sourceURL string) (*task.Task, error) {
	if u, err := url.Parse(sourceURL); err != nil || u.Host == "" {
		return nil, fmt.Errorf("source url %q: %w", sourceURL, task.ErrInvalidInput)
	}
	t := &task.Task{SourceURL: sourceURL}
	if _, err := m.store.Create(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (m *memTasks) Get(id string) (*task.Task, error) { return m.store.Get(id) }

func (m *memTasks) List(filter task.Filter) ([]*task.Task, error) { return m.store.List(filter) }

func (m *memTasks) Cancel(id string) (*task.Task, error) {
	t, err := m.store.Get(id)
	if err != nil || t.Status.Terminal() {
		return t, err
	}
	t.Phase = task.PhaseCancelled
	t.Status = task.StatusCancelled
	if err := m.store.Update(t); err != nil {
		return nil, err
	}
	return m.store.Get(id)
}
