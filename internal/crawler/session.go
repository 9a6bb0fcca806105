package crawler

import (
	"context"
	"fmt"
)

// WithSession leases a session for the duration of fn and releases it on
// every exit path, including a panic in fn. Acquire failures are wrapped with
// ErrSessionUnavailable.
func WithSession(ctx context.Context, provider SessionProvider, fn func(Session) error) error {
	sess, err := provider.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
	}
	defer provider.Release(sess)
	return fn(sess)
}
