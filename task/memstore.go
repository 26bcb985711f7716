package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store with the same version semantics as
// SQLiteStore. Records are copied in and out.
type MemStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{tasks: make(map[string]*Task)}
}

func (s *MemStore) Create(t *Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, ok := s.tasks[t.ID]; ok {
		return "", fmt.Errorf("task %s exists: %w", t.ID, ErrConcurrencyViolation)
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1
	if t.Phase == "" {
		t.Phase = PhasePending
	}
	t.Status = t.Phase.Status()
	if t.Artifacts == nil {
		t.Artifacts = []string{}
	}
	s.tasks[t.ID] = t.Clone()
	return t.ID, nil
}

func (s *MemStore) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemStore) Update(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	if cur.Version != t.Version {
		return fmt.Errorf("task %s version %d is stale: %w", t.ID, t.Version, ErrConcurrencyViolation)
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemStore) List(filter Filter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Task
	for _, t := range s.tasks {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.Active && t.Status.Terminal() {
			continue
		}
		result = append(result, t.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}
