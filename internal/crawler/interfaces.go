package crawler

import (
	"context"
	"io"
	"time"

	"github.com/JakeFAU/listing-scraper/internal/progress"
	"github.com/JakeFAU/listing-scraper/internal/record"
)

// Session is a leased, navigable browser page. A Session is never shared
// between goroutines.
type Session interface {
	// Navigate loads url and waits for the document body, failing after timeout.
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	// Evaluate runs script in the page, awaiting a returned promise, and
	// decodes the result into out when out is non-nil.
	Evaluate(ctx context.Context, script string, out any) error
	// Click clicks the first element matching the CSS selector.
	Click(ctx context.Context, selector string) error
	// Text returns the rendered text of the first element matching selector.
	Text(ctx context.Context, selector string) (string, error)
	// HTML returns the serialized document.
	HTML(ctx context.Context) (string, error)
	// Location returns the page's current URL.
	Location(ctx context.Context) (string, error)
}

// SessionProvider leases sessions. Release is idempotent and never fails to
// the caller.
type SessionProvider interface {
	Acquire(ctx context.Context) (Session, error)
	Release(sess Session)
}

// Extractor turns one target into a record using a leased session.
type Extractor interface {
	Extract(ctx context.Context, sess Session, ref TargetRef) (*record.Record, error)
}

// Reporter receives user-facing progress entries. progress.Broadcaster
// satisfies it.
type Reporter interface {
	Emit(level progress.Level, message string)
}

// Publisher pushes job completion notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes dataset archives and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher produces a content digest for archived datasets.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

type nopReporter struct{}

func (nopReporter) Emit(progress.Level, string) {}
