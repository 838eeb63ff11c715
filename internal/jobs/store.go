package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists job records. Jobs are ephemeral state; the in-memory
// implementation is the only one, and restarts drop unfinished jobs (clients
// resubmit — the clone cache makes the retry cheap).
type Store interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	List(ctx context.Context) ([]Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// InMemoryStore implements Store using a map.
type InMemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*Job
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty job store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{jobs: make(map[uuid.UUID]*Job)}
}

func (s *InMemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *InMemoryStore) Update(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		return fmt.Errorf("job %s not found", job.ID)
	}
	cp := *job
	cp.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = &cp
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id uuid.UUID) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	cp := *job
	return &cp, nil
}

func (s *InMemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *InMemoryStore) List(_ context.Context) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		result = append(result, *j)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}
