package progress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Subscription is one observer's private queue. Producers never block on it:
// pushes append to an unbounded slice, so a slow reader only delays itself.
type Subscription struct {
	b *Broadcaster

	mu       sync.Mutex
	pending  []Message
	sealed   bool
	canceled bool
	notify   chan struct{}
}

func newSubscription(b *Broadcaster) *Subscription {
	return &Subscription{
		b:      b,
		notify: make(chan struct{}, 1),
	}
}

func (s *Subscription) push(msg Message, last bool) {
	s.mu.Lock()
	if s.sealed || s.canceled {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, msg)
	if last {
		s.sealed = true
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a message is available. It returns io.EOF once the
// terminal message has been delivered or the subscription was closed, and the
// context error if ctx ends first; a context error does not consume anything.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if s.canceled {
			s.mu.Unlock()
			return Message{}, io.EOF
		}
		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending[0] = Message{}
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return msg, nil
		}
		if s.sealed {
			s.mu.Unlock()
			return Message{}, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Message{}, fmt.Errorf("wait for progress: %w", ctx.Err())
		}
	}
}

// Close detaches the observer. Pending messages are discarded. Safe to call
// more than once and after the stream has ended.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	s.pending = nil
	s.mu.Unlock()
	s.b.unsubscribe(s)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Observe drains the subscription into fn until the stream ends, ctx ends, or
// fn fails. A panic in fn is recovered and returned as an error; either way
// the subscription is closed and other observers are unaffected.
func (s *Subscription) Observe(ctx context.Context, fn func(Message) error) (err error) {
	defer s.Close()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("progress observer panic: %v", r)
		}
	}()
	for {
		msg, nextErr := s.Next(ctx)
		if nextErr != nil {
			if errors.Is(nextErr, io.EOF) {
				return nil
			}
			return nextErr
		}
		if err := fn(msg); err != nil {
			return fmt.Errorf("progress observer: %w", err)
		}
		if msg.Terminal() {
			return nil
		}
	}
}
