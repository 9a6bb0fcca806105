// Package job models one scrape job: its status state machine, its schema
// accumulator and its progress history.
package job

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/listing-scraper/internal/progress"
	"github.com/JakeFAU/listing-scraper/internal/schema"
)

// Status represents the lifecycle state of a job.
type Status string

// Job status values. A job moves pending -> running -> completed|error.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition rejects status changes outside the state machine.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Job is safe for concurrent use. Its entry point and limit never change;
// after a terminal transition only the schema and history remain readable.
type Job struct {
	id    string
	entry string
	limit int

	mu         sync.RWMutex
	status     Status
	errText    string
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time

	schema   *schema.Accumulator
	progress *progress.Broadcaster
	done     chan struct{}
	now      func() time.Time
}

// Option customizes a Job.
type Option func(*options)

type options struct {
	now     func() time.Time
	forward progress.Emitter
}

// WithClock overrides the timestamp source for the job and its history.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithForward mirrors the job's progress entries to an operator emitter.
func WithForward(e progress.Emitter) Option {
	return func(o *options) { o.forward = e }
}

// New creates a pending job that will attempt at most limit listings.
func New(id, entry string, limit int, opts ...Option) *Job {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	bopts := []progress.Option{progress.WithClock(o.now)}
	if o.forward != nil {
		bopts = append(bopts, progress.WithForward(progress.JobKey(id), o.forward))
	}
	return &Job{
		id:        id,
		entry:     entry,
		limit:     limit,
		status:    StatusPending,
		createdAt: o.now(),
		schema:    schema.New(),
		progress:  progress.NewBroadcaster(limit, bopts...),
		done:      make(chan struct{}),
		now:       o.now,
	}
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// Entry returns the search entry point.
func (j *Job) Entry() string { return j.entry }

// Limit returns the cap on attempted listings.
func (j *Job) Limit() int { return j.limit }

// Schema returns the job's accumulator.
func (j *Job) Schema() *schema.Accumulator { return j.schema }

// Progress returns the job's history and live stream.
func (j *Job) Progress() *progress.Broadcaster { return j.progress }

// Done is closed when the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} { return j.done }

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Start moves a pending job to running.
func (j *Job) Start() error {
	return j.transition(StatusRunning, "")
}

// Complete moves a running job to completed and ends its progress stream.
func (j *Job) Complete() error {
	if err := j.transition(StatusCompleted, ""); err != nil {
		return err
	}
	j.progress.Close(string(StatusCompleted))
	return nil
}

// Fail moves a pending or running job to error, recording cause, and ends
// its progress stream.
func (j *Job) Fail(cause error) error {
	text := "unknown error"
	if cause != nil {
		text = cause.Error()
	}
	if err := j.transition(StatusError, text); err != nil {
		return err
	}
	j.progress.Close(string(StatusError))
	return nil
}

func (j *Job) transition(to Status, errText string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !allowed(j.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.status, to)
	}
	j.status = to
	now := j.now()
	switch {
	case to == StatusRunning:
		j.startedAt = now
	case to.Terminal():
		j.finishedAt = now
		j.errText = errText
		close(j.done)
	}
	return nil
}

func allowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusError
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// Snapshot is a point-in-time view of a job for status queries.
type Snapshot struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	SearchURL  string     `json:"searchUrl"`
	Scraped    int        `json:"scraped"`
	Total      int        `json:"total"`
	Columns    []string   `json:"columns"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Snapshot returns the job's current status, row count and columns.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	s := Snapshot{
		ID:         j.id,
		Status:     j.status,
		SearchURL:  j.entry,
		Total:      j.limit,
		CreatedAt:  j.createdAt,
		StartedAt:  timePtr(j.startedAt),
		FinishedAt: timePtr(j.finishedAt),
		Error:      j.errText,
	}
	j.mu.RUnlock()
	s.Scraped = j.schema.RowCount()
	s.Columns = j.schema.Columns()
	return s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	ts := t
	return &ts
}
