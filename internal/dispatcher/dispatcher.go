// Package dispatcher runs the worker pool: a fixed number of goroutines that
// drain a target queue under a cap on attempted items.
package dispatcher

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-scraper/internal/crawler"
	"github.com/JakeFAU/listing-scraper/internal/metrics"
	"github.com/JakeFAU/listing-scraper/internal/record"
)

// Source yields targets until it is exhausted, signaled by any error.
type Source interface {
	Dequeue(ctx context.Context) (crawler.TargetRef, error)
}

// Processor extracts one target. *worker.Worker satisfies it.
type Processor interface {
	Process(ctx context.Context, ref crawler.TargetRef) (*record.Record, error)
}

// Result is the outcome of one attempted target. Exactly one of Record and
// Err is set.
type Result struct {
	Ref    crawler.TargetRef
	Record *record.Record
	Err    error
	Dur    time.Duration
}

// Stats summarizes a Run.
type Stats struct {
	Attempted int
	Succeeded int
	Failed    int
}

// Config sizes the pool.
type Config struct {
	// Concurrency is the number of workers, and so the most sessions leased
	// at once. Values below one mean one.
	Concurrency int
	// Limit caps attempted items. Zero or less means unlimited.
	Limit int
}

// Dispatcher fans queue work out to a pool of workers.
type Dispatcher struct {
	source Source
	proc   Processor
	cfg    Config
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(source Source, proc Processor, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{source: source, proc: proc, cfg: cfg, logger: logger.Named("dispatcher")}
}

// Run starts the workers and blocks until the cap is reached or the source is
// exhausted and every in-flight item has finished. onResult is called once
// per attempted item, never concurrently, in completion order.
func (d *Dispatcher) Run(ctx context.Context, onResult func(Result)) Stats {
	limit := int64(math.MaxInt64)
	if d.cfg.Limit > 0 {
		limit = int64(d.cfg.Limit)
	}

	var (
		attempted atomic.Int64
		succeeded atomic.Int64
		failed    atomic.Int64
		resultMu  sync.Mutex
		wg        sync.WaitGroup
	)

	// reserve claims one attempt slot before dequeuing so concurrent workers
	// can never take more than limit items between them.
	reserve := func() bool {
		for {
			n := attempted.Load()
			if n >= limit {
				return false
			}
			if attempted.CompareAndSwap(n, n+1) {
				return true
			}
		}
	}

	for i := 0; i < d.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				if !reserve() {
					return
				}
				ref, err := d.source.Dequeue(ctx)
				if err != nil {
					attempted.Add(-1)
					d.logger.Debug("worker exiting", zap.Int("worker", id), zap.Error(err))
					return
				}

				metrics.IncActiveWorkers()
				start := time.Now()
				rec, err := d.proc.Process(ctx, ref)
				metrics.DecActiveWorkers()

				res := Result{Ref: ref, Record: rec, Err: err, Dur: time.Since(start)}
				if err != nil {
					failed.Add(1)
					metrics.ObserveItem("failure")
				} else {
					succeeded.Add(1)
					metrics.ObserveItem("success")
				}
				if onResult != nil {
					resultMu.Lock()
					onResult(res)
					resultMu.Unlock()
				}
			}
		}(i)
	}
	wg.Wait()

	return Stats{
		Attempted: int(attempted.Load()),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	}
}
