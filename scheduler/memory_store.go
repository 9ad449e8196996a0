package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryJobStore keeps jobs in process memory.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryJobStore creates an empty store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*Job)}
}

func (s *MemoryJobStore) Add(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryJobStore) MarkRunning(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if job.Status != StatusPending {
		return false, nil
	}
	job.Status = StatusRunning
	return true, nil
}

func (s *MemoryJobStore) Finish(ctx context.Context, id string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = status
	job.Error = errMsg
	return nil
}

func (s *MemoryJobStore) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != StatusPending {
		return fmt.Errorf("job %s not found or not pending", id)
	}
	job.Status = StatusCancelled
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryJobStore) Pending(ctx context.Context) ([]*Job, error) {
	return s.filter(func(j *Job) bool { return j.Status == StatusPending }), nil
}

func (s *MemoryJobStore) Due(ctx context.Context, now time.Time) ([]*Job, error) {
	return s.filter(func(j *Job) bool {
		return j.Status == StatusPending && !j.NotBefore.After(now)
	}), nil
}

func (s *MemoryJobStore) Abandon(ctx context.Context, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if job.Status == StatusRunning {
			job.Status = StatusFailed
			job.Error = reason
			n++
		}
	}
	return n, nil
}

func (s *MemoryJobStore) filter(keep func(*Job) bool) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, job := range s.jobs {
		if keep(job) {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotBefore.Before(out[j].NotBefore) })
	return out
}
