// Package memory provides the bounded in-process queue that carries listing
// targets from the crawler to the worker pool.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/listing-scraper/internal/crawler"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained, and
// by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO of target references with context-aware operations.
// A single producer enqueues and closes; any number of consumers dequeue.
type Queue struct {
	ch      chan crawler.TargetRef
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a queue holding up to capacity references.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan crawler.TargetRef, capacity)}
}

// Enqueue blocks until ref is queued or ctx ends.
func (q *Queue) Enqueue(ctx context.Context, ref crawler.TargetRef) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- ref:
		return nil
	}
}

// Dequeue pops the next reference. After Close, buffered references are
// still returned before ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (crawler.TargetRef, error) {
	select {
	case <-ctx.Done():
		return crawler.TargetRef{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case ref, ok := <-q.ch:
		if !ok {
			return crawler.TargetRef{}, ErrClosed
		}
		return ref, nil
	}
}

// Len returns the number of buffered references.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close marks the end of input. Safe to call more than once.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
