package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"anatomesh/internal/models"
)

// Memory is a process-local Store for tests and local runs.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]models.Job
	now  func() time.Time
}

// NewMemory returns an empty in-memory job store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]models.Job), now: func() time.Time { return time.Now().UTC() }}
}

func (s *Memory) Create(_ context.Context, job models.Job) (models.Job, error) {
	job, err := prepare(job, s.now())
	if err != nil {
		return models.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return models.Job{}, fmt.Errorf("job %s: %w", job.ID, ErrExists)
	}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *Memory) Get(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, notFound(id)
	}
	job.Artifacts = job.Artifacts.Clone()
	return job, nil
}

func (s *Memory) ApplyTransition(_ context.Context, id string, t models.Transition) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, notFound(id)
	}
	next, changed, err := Apply(job, t, s.now())
	if err != nil {
		return job, err
	}
	if changed {
		s.jobs[id] = next
	}
	next.Artifacts = next.Artifacts.Clone()
	return next, nil
}

func (s *Memory) SoftDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return notFound(id)
	}
	job.Deleted = true
	s.jobs[id] = job
	return nil
}

func (s *Memory) Close() error { return nil }
