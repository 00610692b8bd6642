package task

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tasks in process memory. It is the default store and
// loses everything on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]TaskStatus
	files map[string]map[string]string
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]TaskStatus),
		files: make(map[string]map[string]string),
		now:   time.Now,
	}
}

// Create adds a pending task.
func (s *MemoryStore) Create(ctx context.Context, id, workDir string) (TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; ok {
		return TaskStatus{}, duplicate(id)
	}
	t := newPending(id, workDir, s.now())
	s.tasks[id] = t
	return t.Clone(), nil
}

// Get retrieves a snapshot of a task.
func (s *MemoryStore) Get(ctx context.Context, id string) (TaskStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return TaskStatus{}, notFound(id)
	}
	return t.Clone(), nil
}

// Update modifies a task under the write lock.
func (s *MemoryStore) Update(ctx context.Context, id string, fn Mutator) (TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[id]
	if !ok {
		return TaskStatus{}, notFound(id)
	}
	next, err := apply(current, fn, s.now())
	if err != nil {
		return TaskStatus{}, err
	}
	s.tasks[id] = next
	if next.Status == StatusCompleted {
		s.files[id] = next.Clone().ResultFiles
	}
	return next.Clone(), nil
}

// Files returns the produced files of a task; empty until it completes.
func (s *MemoryStore) Files(ctx context.Context, id string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tasks[id]; !ok {
		return nil, notFound(id)
	}
	out := make(map[string]string, len(s.files[id]))
	for k, v := range s.files[id] {
		out[k] = v
	}
	return out, nil
}

// Evict drops terminal tasks finished before cutoff.
func (s *MemoryStore) Evict(ctx context.Context, cutoff time.Time) ([]TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []TaskStatus
	for id, t := range s.tasks {
		if !t.Status.Terminal() || !t.FinishedAt.Before(cutoff) {
			continue
		}
		evicted = append(evicted, t.Clone())
		delete(s.tasks, id)
		delete(s.files, id)
	}
	return evicted, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
