// Package orchestrator runs scrape jobs end to end.
//
// Submit registers a pending job and starts it on its own goroutine. A job
// crawls the search results with one leased session, feeding a bounded queue,
// while a worker pool drains the queue with its own sessions. Every result is
// appended to the job's schema and reported on its progress stream. The job
// fails only when the crawl cannot begin; item failures only reduce the yield.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-scraper/internal/archive"
	"github.com/JakeFAU/listing-scraper/internal/crawler"
	"github.com/JakeFAU/listing-scraper/internal/dispatcher"
	"github.com/JakeFAU/listing-scraper/internal/job"
	"github.com/JakeFAU/listing-scraper/internal/metrics"
	"github.com/JakeFAU/listing-scraper/internal/progress"
	memqueue "github.com/JakeFAU/listing-scraper/internal/queue/memory"
	"github.com/JakeFAU/listing-scraper/internal/record"
	"github.com/JakeFAU/listing-scraper/internal/telemetry"
)

// ErrNothingToExport is returned by Dataset for jobs without rows.
var ErrNothingToExport = errors.New("nothing to export")

// Registry stores jobs for the process lifetime.
type Registry interface {
	Create(j *job.Job) error
	Get(id string) (*job.Job, error)
	List(statuses ...job.Status) []*job.Job
	Counts() map[job.Status]int
}

// Archiver stores a finished job's rows. *archive.Archiver satisfies it.
type Archiver interface {
	Archive(ctx context.Context, jobID string, rows []*record.Record) (archive.Location, error)
}

// Config sizes every job.
type Config struct {
	// MaxListings caps the listings attempted per job.
	MaxListings int
	// Concurrency is the number of pool workers per job.
	Concurrency int
	// Topic receives completion notifications when set.
	Topic string
	// PublishTimeout bounds one notification publish.
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxListings <= 0 {
		c.MaxListings = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	return c
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Registry  Registry
	Sessions  crawler.SessionProvider
	Paginator *crawler.Paginator
	Processor dispatcher.Processor
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	// Events receives operator events; nil disables them.
	Events progress.Emitter
	// Publisher sends completion notifications; nil disables them.
	Publisher crawler.Publisher
	// Archiver writes completed datasets; nil disables archiving.
	Archiver Archiver
	Logger   *zap.Logger
}

// Orchestrator owns job lifecycles.
type Orchestrator struct {
	cfg  Config
	deps Deps

	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = fmt.Errorf("orchestrator shutting down: %w", context.Canceled)

// New validates deps and returns an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("orchestrator requires a registry")
	case deps.Sessions == nil:
		return nil, errors.New("orchestrator requires a session provider")
	case deps.Paginator == nil:
		return nil, errors.New("orchestrator requires a paginator")
	case deps.Processor == nil:
		return nil, errors.New("orchestrator requires a processor")
	case deps.IDs == nil:
		return nil, errors.New("orchestrator requires an id generator")
	case deps.Clock == nil:
		return nil, errors.New("orchestrator requires a clock")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: deps.Logger.Named("orchestrator"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Submit creates a job for entry and starts it asynchronously. It returns the
// job id as soon as the job is registered.
func (o *Orchestrator) Submit(ctx context.Context, entry string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	normalized, err := crawler.NormalizeEntry(entry)
	if err != nil {
		return "", err
	}
	if err := o.track(); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	started := false
	defer func() {
		if !started {
			o.wg.Done()
		}
	}()
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	opts := []job.Option{job.WithClock(o.deps.Clock.Now)}
	if o.deps.Events != nil {
		opts = append(opts, job.WithForward(o.deps.Events))
	}
	j := job.New(id, normalized, o.cfg.MaxListings, opts...)
	if err := o.deps.Registry.Create(j); err != nil {
		return "", fmt.Errorf("register job: %w", err)
	}
	o.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("search_url", normalized),
		zap.Int("limit", o.cfg.MaxListings),
	)

	started = true
	go func() {
		defer o.wg.Done()
		o.run(o.ctx, j)
	}()
	return id, nil
}

// track counts one more in-flight job unless Shutdown has begun.
func (o *Orchestrator) track() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return ErrShuttingDown
	}
	o.wg.Add(1)
	return nil
}

// Job returns the job registered under id.
func (o *Orchestrator) Job(id string) (*job.Job, error) {
	return o.deps.Registry.Get(id)
}

// Status returns a snapshot of the job registered under id.
func (o *Orchestrator) Status(id string) (job.Snapshot, error) {
	j, err := o.deps.Registry.Get(id)
	if err != nil {
		return job.Snapshot{}, err
	}
	return j.Snapshot(), nil
}

// Jobs returns snapshots of every job, optionally filtered by status, in
// submission order.
func (o *Orchestrator) Jobs(statuses ...job.Status) []job.Snapshot {
	jobs := o.deps.Registry.List(statuses...)
	out := make([]job.Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	return out
}

// Counts returns the number of jobs per status.
func (o *Orchestrator) Counts() map[job.Status]int {
	return o.deps.Registry.Counts()
}

// Dataset returns the job's columns and normalized rows. It fails with
// ErrNothingToExport while the job has no rows.
func (o *Orchestrator) Dataset(id string) ([]string, []*record.Record, error) {
	j, err := o.deps.Registry.Get(id)
	if err != nil {
		return nil, nil, err
	}
	cols, rows := j.Schema().Snapshot()
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("job %s: %w", id, ErrNothingToExport)
	}
	return cols, rows, nil
}

// Shutdown waits for running jobs. When ctx ends first the jobs are canceled,
// left to finalize, and ctx's error is returned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return fmt.Errorf("shutdown orchestrator: %w", ctx.Err())
	}
}

// run drives j from pending to a terminal status.
func (o *Orchestrator) run(ctx context.Context, j *job.Job) {
	logger := o.logger.With(zap.String("job_id", j.ID()))
	ctx, span := telemetry.StartJobSpan(ctx, j.ID(), j.Entry(), j.Limit())
	rep := j.Progress()
	start := o.deps.Clock.Now()

	if err := j.Start(); err != nil {
		logger.Error("job could not start", zap.Error(err))
		telemetry.EndJobSpan(span, 0, err)
		return
	}
	o.event(j, progress.Event{Stage: progress.StageJobStart})
	rep.Infof("Starting scrape of %s (limit %d listings).", j.Entry(), j.Limit())

	var loc *archive.Location
	stats, err := o.execute(ctx, j, logger)
	rows := j.Schema().RowCount()
	dur := o.deps.Clock.Now().Sub(start)

	if err != nil {
		rep.Errorf("Scrape failed: %v", err)
		if ferr := j.Fail(err); ferr != nil {
			logger.Error("job finalize failed", zap.Error(ferr))
		}
		metrics.ObserveJob(string(job.StatusError))
		o.event(j, progress.Event{Stage: progress.StageJobError, Dur: dur, Note: err.Error()})
		logger.Warn("job failed", zap.Error(err), zap.Duration("elapsed", dur))
	} else {
		loc = o.archive(ctx, j, logger)
		rep.EmitCount(progress.LevelSuccess, rows, fmt.Sprintf(
			"Scrape complete: %d listings scraped (%d attempted, %d failed).",
			rows, stats.Attempted, stats.Failed))
		if ferr := j.Complete(); ferr != nil {
			logger.Error("job finalize failed", zap.Error(ferr))
		}
		metrics.ObserveJob(string(job.StatusCompleted))
		o.event(j, progress.Event{Stage: progress.StageJobDone, Scraped: rows, Dur: dur})
		logger.Info("job completed",
			zap.Int("rows", rows),
			zap.Int("attempted", stats.Attempted),
			zap.Int("failed", stats.Failed),
			zap.Duration("elapsed", dur),
		)
	}
	telemetry.EndJobSpan(span, rows, err)
	o.notify(ctx, j, loc, logger)
}

// archive writes the job's rows when an Archiver is configured. Failures are
// reported on the job log but do not fail the job.
func (o *Orchestrator) archive(ctx context.Context, j *job.Job, logger *zap.Logger) *archive.Location {
	if o.deps.Archiver == nil {
		return nil
	}
	_, rows := j.Schema().Snapshot()
	if len(rows) == 0 {
		return nil
	}
	loc, err := o.deps.Archiver.Archive(context.WithoutCancel(ctx), j.ID(), rows)
	if err != nil {
		j.Progress().Warnf("Could not archive dataset: %v", err)
		logger.Warn("archive failed", zap.Error(err))
		return nil
	}
	j.Progress().Infof("Dataset archived to %s.", loc.URI)
	return &loc
}

// execute runs the crawl and the pool side by side. Only a crawl that cannot
// begin is returned as an error.
func (o *Orchestrator) execute(ctx context.Context, j *job.Job, logger *zap.Logger) (dispatcher.Stats, error) {
	rep := j.Progress()
	queue := memqueue.NewQueue(j.Limit())
	pool := dispatcher.New(queue, o.deps.Processor, dispatcher.Config{
		Concurrency: o.cfg.Concurrency,
		Limit:       j.Limit(),
	}, logger)

	var stats dispatcher.Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer queue.Close()
		return crawler.WithSession(gctx, o.deps.Sessions, func(sess crawler.Session) error {
			found, err := o.deps.Paginator.Crawl(gctx, sess, j.Entry(), j.Limit(), queue.Enqueue, rep)
			if err != nil {
				return err
			}
			rep.Infof("Collected %d listings to scrape.", found)
			return nil
		})
	})
	g.Go(func() error {
		stats = pool.Run(gctx, func(res dispatcher.Result) {
			o.record(j, res)
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return stats, fmt.Errorf("crawl search results: %w", err)
	}
	return stats, nil
}

// record applies one pool result to the job. Calls are serialized by the
// dispatcher.
func (o *Orchestrator) record(j *job.Job, res dispatcher.Result) {
	rep := j.Progress()
	evt := progress.Event{URL: res.Ref.URL, Dur: res.Dur}
	if res.Err != nil {
		rep.Warnf("Failed to scrape %s: %v", res.Ref.URL, res.Err)
		evt.Stage = progress.StageItemFailed
		evt.Note = res.Err.Error()
		scraped, _ := rep.Counters()
		evt.Scraped = scraped
	} else {
		n := j.Schema().AddRow(res.Record)
		rep.EmitCount(progress.LevelInfo, n, fmt.Sprintf("Scraped listing %d/%d: %s", n, j.Limit(), res.Ref.URL))
		evt.Stage = progress.StageItemDone
		evt.Scraped = n
	}
	o.event(j, evt)
}

func (o *Orchestrator) event(j *job.Job, evt progress.Event) {
	if o.deps.Events == nil {
		return
	}
	evt.JobID = progress.JobKey(j.ID())
	evt.TS = o.deps.Clock.Now()
	evt.Total = j.Limit()
	o.deps.Events.Emit(evt)
}

// Notification is published when a job reaches a terminal status.
type Notification struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	SearchURL  string    `json:"search_url"`
	Scraped    int       `json:"scraped"`
	Columns    []string  `json:"columns"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
	// Archive is set when the rows were archived.
	Archive *archive.Location `json:"archive,omitempty"`
}

func (o *Orchestrator) notify(ctx context.Context, j *job.Job, loc *archive.Location, logger *zap.Logger) {
	if o.deps.Publisher == nil || o.cfg.Topic == "" {
		return
	}
	snap := j.Snapshot()
	msg := Notification{
		JobID:     snap.ID,
		Status:    string(snap.Status),
		SearchURL: snap.SearchURL,
		Scraped:   snap.Scraped,
		Columns:   snap.Columns,
		Error:     snap.Error,
		Archive:   loc,
	}
	if snap.FinishedAt != nil {
		msg.FinishedAt = *snap.FinishedAt
	}
	// The job context may already be canceled by shutdown.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PublishTimeout)
	defer cancel()
	id, err := o.deps.Publisher.Publish(pubCtx, o.cfg.Topic, msg)
	if err != nil {
		logger.Warn("completion notification failed", zap.String("topic", o.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("completion notification published", zap.String("topic", o.cfg.Topic), zap.String("message_id", id))
}
