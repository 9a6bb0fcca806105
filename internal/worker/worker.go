// Package worker implements the extraction worker: one listing, one leased
// browser session, one record or failure.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-scraper/internal/crawler"
	"github.com/JakeFAU/listing-scraper/internal/record"
)

// ErrEmptyRecord is returned when an extractor succeeds without data.
var ErrEmptyRecord = errors.New("extractor returned no record")

// Config controls Worker behavior.
type Config struct {
	// ItemTimeout bounds one item end to end, including session acquisition.
	ItemTimeout time.Duration
}

// Worker extracts single targets. It holds no per-item state and may be used
// by many goroutines at once.
type Worker struct {
	provider  crawler.SessionProvider
	extractor crawler.Extractor
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(provider crawler.SessionProvider, extractor crawler.Extractor, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		provider:  provider,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Process leases a session, extracts ref and releases the session on every
// exit path. Acquire failures, timeouts, extractor errors and extractor panics
// all surface as the returned error.
func (w *Worker) Process(ctx context.Context, ref crawler.TargetRef) (*record.Record, error) {
	if w.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ItemTimeout)
		defer cancel()
	}

	start := time.Now()
	var rec *record.Record
	err := crawler.WithSession(ctx, w.provider, func(sess crawler.Session) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("extractor panic: %v", r)
			}
		}()
		rec, err = w.extractor.Extract(ctx, sess, ref)
		return err
	})
	if err != nil {
		w.logger.Debug("item failed",
			zap.String("url", ref.URL),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("extract %s: %w", ref.URL, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("extract %s: %w", ref.URL, ErrEmptyRecord)
	}
	w.logger.Debug("item extracted",
		zap.String("url", ref.URL),
		zap.Int("fields", rec.Len()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return rec, nil
}
