// Package memory holds the process-lifetime job registry.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/listing-scraper/internal/job"
)

// ErrDuplicateJob is returned when an id is registered twice.
var ErrDuplicateJob = errors.New("job already exists")

// JobStore maps job ids to jobs for the life of the process. Jobs are added
// once and never removed.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]*job.Job
	order []string
}

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*job.Job)}
}

// Create registers j.
func (s *JobStore) Create(j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.ID())
	}
	s.jobs[j.ID()] = j
	s.order = append(s.order, j.ID())
	return nil
}

// Get returns the job with id or an error wrapping job.ErrNotFound.
func (s *JobStore) Get(id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return j, nil
}

// List returns every job in registration order, optionally filtered by
// status.
func (s *JobStore) List(statuses ...job.Status) []*job.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*job.Job, 0, len(s.order))
	for _, id := range s.order {
		j := s.jobs[id]
		if len(statuses) > 0 && !containsStatus(statuses, j.Status()) {
			continue
		}
		out = append(out, j)
	}
	return out
}

// Counts returns the number of jobs per status.
func (s *JobStore) Counts() map[job.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[job.Status]int, 4)
	for _, j := range s.jobs {
		out[j.Status()]++
	}
	return out
}

func containsStatus(in []job.Status, s job.Status) bool {
	for _, v := range in {
		if v == s {
			return true
		}
	}
	return false
}
