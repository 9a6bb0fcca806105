package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-scraper/internal/archive"
	"github.com/JakeFAU/listing-scraper/internal/clock/system"
	"github.com/JakeFAU/listing-scraper/internal/crawler"
	"github.com/JakeFAU/listing-scraper/internal/crawler/crawlertest"
	"github.com/JakeFAU/listing-scraper/internal/hash/sha256"
	"github.com/JakeFAU/listing-scraper/internal/id/uuid"
	"github.com/JakeFAU/listing-scraper/internal/job"
	"github.com/JakeFAU/listing-scraper/internal/orchestrator"
	"github.com/JakeFAU/listing-scraper/internal/progress"
	"github.com/JakeFAU/listing-scraper/internal/publisher/memory"
	"github.com/JakeFAU/listing-scraper/internal/record"
	storagememory "github.com/JakeFAU/listing-scraper/internal/storage/memory"
	"github.com/JakeFAU/listing-scraper/internal/worker"
)

const (
	host  = "https://www.example.com"
	entry = host + "/homes/springfield_rb/"
)

// listingExtractor builds records whose fields vary with the listing id and
// fails for the ids in failures.
type listingExtractor struct {
	failures map[string]error
}

func (e listingExtractor) Extract(ctx context.Context, sess crawler.Session, ref crawler.TargetRef) (*record.Record, error) {
	if err := sess.Navigate(ctx, ref.URL, time.Second); err != nil {
		return nil, err
	}
	if err := e.failures[ref.Key]; err != nil {
		return nil, err
	}
	rec := record.New()
	rec.SetString("address", ref.Key+" Main St")
	if strings.ContainsAny(ref.Key, "13579") {
		rec.SetString("price", "$100,000")
	} else {
		rec.Set("fact_bedrooms", record.Number(3))
	}
	rec.SetString("link", ref.URL)
	return rec, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) Emit(e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) stages() map[progress.Stage]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[progress.Stage]int)
	for _, e := range r.events {
		out[e.Stage]++
	}
	return out
}

type harness struct {
	orch      *orchestrator.Orchestrator
	site      *crawlertest.Site
	sessions  *crawlertest.Provider
	events    *eventRecorder
	publisher *memory.Publisher
}

func newHarness(t *testing.T, cfg orchestrator.Config, site *crawlertest.Site, ext crawler.Extractor, opts ...func(*orchestrator.Deps)) *harness {
	t.Helper()
	h := &harness{
		site:      site,
		sessions:  crawlertest.NewProvider(site),
		events:    &eventRecorder{},
		publisher: memory.New(),
	}
	deps := orchestrator.Deps{
		Registry:  storagememory.NewJobStore(),
		Sessions:  h.sessions,
		Paginator: crawler.NewPaginator(crawler.PaginatorConfig{NavTimeout: time.Second}, nil),
		Processor: worker.New(h.sessions, ext, worker.Config{ItemTimeout: 2 * time.Second}, nil),
		IDs:       uuid.New(),
		Clock:     system.New(),
		Events:    h.events,
		Publisher: h.publisher,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	orch, err := orchestrator.New(cfg, deps)
	require.NoError(t, err)
	h.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, orch.Shutdown(ctx))
	})
	return h
}

func (h *harness) submit(t *testing.T) *job.Job {
	t.Helper()
	id, err := h.orch.Submit(context.Background(), entry)
	require.NoError(t, err)
	j, err := h.orch.Job(id)
	require.NoError(t, err)
	select {
	case <-j.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish; status %s", id, j.Status())
	}
	return j
}

func historyAt(j *job.Job, level progress.Level) []string {
	var out []string
	for _, e := range j.Progress().History() {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

func TestCapLimitsAttemptedListings(t *testing.T) {
	t.Parallel()

	site := crawlertest.NewSite().Set(entry, crawlertest.ResultsPage([]string{"1", "2", "3", "4", "5"}, ""))
	h := newHarness(t, orchestrator.Config{MaxListings: 3, Concurrency: 5}, site, listingExtractor{})

	j := h.submit(t)
	snap := j.Snapshot()
	require.Equal(t, job.StatusCompleted, snap.Status)
	require.Equal(t, 3, snap.Scraped)
	require.ElementsMatch(t, []string{"address", "price", "fact_bedrooms", "link"}, snap.Columns)
	require.Equal(t, 4, h.sessions.Acquired(), "one crawl session plus exactly three item sessions")
	require.Equal(t, 0, h.sessions.Active())

	cols, rows, err := h.orch.Dataset(j.ID())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		require.Equal(t, cols, row.Keys())
	}
}

func TestItemFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()

	site := crawlertest.NewSite().Set(entry, crawlertest.ResultsPage([]string{"1", "2", "3"}, ""))
	ext := listingExtractor{failures: map[string]error{"2": errors.New("listing removed")}}
	h := newHarness(t, orchestrator.Config{MaxListings: 10, Concurrency: 2}, site, ext)

	j := h.submit(t)
	require.Equal(t, job.StatusCompleted, j.Status())
	require.Equal(t, 2, j.Schema().RowCount())

	warnings := historyAt(j, progress.LevelWarn)
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], "2_zpid")
	require.Contains(t, warnings[0], "listing removed")
	require.Len(t, historyAt(j, progress.LevelSuccess), 1)

	stages := h.events.stages()
	require.Equal(t, 1, stages[progress.StageJobStart])
	require.Equal(t, 1, stages[progress.StageJobDone])
	require.Equal(t, 2, stages[progress.StageItemDone])
	require.Equal(t, 1, stages[progress.StageItemFailed])
}

func TestUnknownJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{}, crawlertest.NewSite(), listingExtractor{})
	_, err := h.orch.Status("does-not-exist")
	require.ErrorIs(t, err, job.ErrNotFound)
	_, _, err = h.orch.Dataset("does-not-exist")
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestSubscribeAfterCompletionReplaysThenEnds(t *testing.T) {
	t.Parallel()

	site := crawlertest.NewSite().Set(entry, crawlertest.ResultsPage([]string{"1", "2"}, ""))
	h := newHarness(t, orchestrator.Config{MaxListings: 5}, site, listingExtractor{})
	j := h.submit(t)
	require.Eventually(t, j.Progress().Closed, time.Second, 5*time.Millisecond)

	sub := j.Progress().Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var msgs []progress.Message
	for {
		msg, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	history := j.Progress().History()
	require.Len(t, msgs, len(history)+1)
	for i, e := range history {
		require.Equal(t, e, *msgs[i].Entry)
	}
	last := msgs[len(msgs)-1]
	require.True(t, last.Terminal())
	require.Equal(t, "completed", last.Done.Status)
}

func TestEntryFailureFailsJob(t *testing.T) {
	t.Parallel()

	site := crawlertest.NewSite().FailNavigation(entry, errors.New("net::ERR_NAME_NOT_RESOLVED"))
	h := newHarness(t, orchestrator.Config{Topic: "scrape-jobs"}, site, listingExtractor{})

	j := h.submit(t)
	snap := j.Snapshot()
	require.Equal(t, job.StatusError, snap.Status)
	require.Contains(t, snap.Error, "ERR_NAME_NOT_RESOLVED")
	require.NotNil(t, snap.FinishedAt)
	require.Len(t, historyAt(j, progress.LevelError), 1)
	require.Equal(t, 1, h.events.stages()[progress.StageJobError])

	_, _, err := h.orch.Dataset(j.ID())
	require.ErrorIs(t, err, orchestrator.ErrNothingToExport)

	require.Eventually(t, func() bool { return len(h.publisher.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	note, ok := h.publisher.Messages()[0].Payload.(orchestrator.Notification)
	require.True(t, ok)
	require.Equal(t, "error", note.Status)
	require.Equal(t, j.ID(), note.JobID)
}

func TestCrawlSessionUnavailableFailsJob(t *testing.T) {
	t.Parallel()

	site := crawlertest.NewSite().Set(entry, crawlertest.ResultsPage([]string{"1"}, ""))
	h := newHarness(t, orchestrator.Config{}, site, listingExtractor{})
	h.sessions.FailAcquire = func(n int) bool { return n == 1 }

	j := h.submit(t)
	require.Equal(t, job.StatusError, j.Status())
	require.Contains(t, j.Snapshot().Error, crawler.ErrSessionUnavailable.Error())
}

func TestItemSessionUnavailableIsItemFailure(t *testing.T) {
	t.Parallel()

	site := crawlertest.NewSite().Set(entry, crawlertest.ResultsPage([]string{"1", "2"}, ""))
	h := newHarness(t, orchestrator.Config{Concurrency: 1}, site, listingExtractor{})
	h.sessions.FailAcquire = func(n int) bool { return n == 2 }

	j := h.submit(t)
	require.Equal(t, job.StatusCompleted, j.Status())
	require.Equal(t, 1, j.Schema().RowCount())
	require.Len(t, historyAt(j, progress.LevelWarn), 1)
	require.Equal(t, 0, h.sessions.Active())
}

func TestConcurrencyBoundsLeasedSessions(t *testing.T) {
	t.Parallel()

	ids := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	site := crawlertest.NewSite().
		Set(entry, crawlertest.ResultsPage(ids, "")).
		SlowNavigation(10 * time.Millisecond)
	h := newHarness(t, orchestrator.Config{MaxListings: 8, Concurrency: 2}, site, listingExtractor{})

	j := h.submit(t)
	require.Equal(t, 8, j.Schema().RowCount())
	require.LessOrEqual(t, h.sessions.MaxActive(), 3, "two workers plus the crawl session")
}

func TestSubmitRejectsInvalidEntry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{}, crawlertest.NewSite(), listingExtractor{})
	_, err := h.orch.Submit(context.Background(), "ftp://example.com/homes")
	require.ErrorIs(t, err, crawler.ErrInvalidEntry)
	require.Empty(t, h.orch.Jobs())
}

func TestSubmitAfterShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{}, crawlertest.NewSite(), listingExtractor{})
	require.NoError(t, h.orch.Shutdown(context.Background()))
	_, err := h.orch.Submit(context.Background(), entry)
	require.ErrorIs(t, err, orchestrator.ErrShuttingDown)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.orch.Jobs())
}

// gatedExtractor blocks every extraction until gate is closed.
type gatedExtractor struct {
	entered chan struct{}
	gate    chan struct{}
}

func (e gatedExtractor) Extract(ctx context.Context, _ crawler.Session, ref crawler.TargetRef) (*record.Record, error) {
	select {
	case e.entered <- struct{}{}:
	default:
	}
	select {
	case <-e.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	rec := record.New()
	rec.SetString("link", ref.URL)
	return rec, nil
}

func TestSubmitDuringShutdownIsRejected(t *testing.T) {
	t.Parallel()

	ext := gatedExtractor{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	site := crawlertest.NewSite().Set(entry, crawlertest.ResultsPage([]string{"1"}, ""))
	h := newHarness(t, orchestrator.Config{}, site, ext)

	id, err := h.orch.Submit(context.Background(), entry)
	require.NoError(t, err)
	select {
	case <-ext.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached extraction")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- h.orch.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool {
		_, err := h.orch.Submit(context.Background(), entry)
		return errors.Is(err, orchestrator.ErrShuttingDown)
	}, 5*time.Second, 5*time.Millisecond)

	select {
	case <-stopped:
		t.Fatal("shutdown returned while a job was running")
	default:
	}
	close(ext.gate)
	require.NoError(t, <-stopped)

	j, err := h.orch.Job(id)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, j.Status())
}

func TestConcurrentSubmitAndShutdown(t *testing.T) {
	t.Parallel()

	site := crawlertest.NewSite().Set(entry, crawlertest.ResultsPage([]string{"1"}, ""))
	h := newHarness(t, orchestrator.Config{}, site, listingExtractor{})

	var (
		mu       sync.Mutex
		accepted []string
		wg       sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				id, err := h.orch.Submit(context.Background(), entry)
				if err != nil {
					if !errors.Is(err, orchestrator.ErrShuttingDown) {
						t.Errorf("submit: %v", err)
					}
					return
				}
				mu.Lock()
				accepted = append(accepted, id)
				mu.Unlock()
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, h.orch.Shutdown(context.Background()))
	wg.Wait()

	for _, id := range accepted {
		j, err := h.orch.Job(id)
		require.NoError(t, err)
		select {
		case <-j.Done():
		default:
			t.Fatalf("job %s still %s after shutdown", id, j.Status())
		}
	}
}

func TestJobsListsSnapshots(t *testing.T) {
	t.Parallel()

	site := crawlertest.NewSite().Set(entry, crawlertest.ResultsPage([]string{"1"}, ""))
	h := newHarness(t, orchestrator.Config{}, site, listingExtractor{})
	first := h.submit(t)
	second := h.submit(t)

	all := h.orch.Jobs()
	require.Len(t, all, 2)
	require.Equal(t, first.ID(), all[0].ID)
	require.Equal(t, second.ID(), all[1].ID)
	require.Len(t, h.orch.Jobs(job.StatusError), 0)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := orchestrator.New(orchestrator.Config{}, orchestrator.Deps{})
	require.ErrorContains(t, err, "registry")
}

type failingArchiver struct{}

func (failingArchiver) Archive(context.Context, string, []*record.Record) (archive.Location, error) {
	return archive.Location{}, errors.New("bucket unavailable")
}

func TestCompletedJobIsArchived(t *testing.T) {
	t.Parallel()

	blobs := storagememory.NewBlobStore()
	archiver, err := archive.New(blobs, sha256.New(), archive.Config{Prefix: "exports"}, nil)
	require.NoError(t, err)

	site := crawlertest.NewSite().Set(entry, crawlertest.ResultsPage([]string{"1", "2"}, ""))
	h := newHarness(t, orchestrator.Config{MaxListings: 10, Concurrency: 2, Topic: "listings"}, site, listingExtractor{},
		func(d *orchestrator.Deps) { d.Archiver = archiver })

	j := h.submit(t)
	require.Equal(t, job.StatusCompleted, j.Status())

	obj, ok := blobs.Object("exports/listings-" + j.ID() + ".json")
	require.True(t, ok)
	require.Contains(t, string(obj.Data), "1 Main St")

	infos := historyAt(j, progress.LevelInfo)
	require.Contains(t, infos, "Dataset archived to memory://exports/listings-"+j.ID()+".json.")

	require.Eventually(t, func() bool { return len(h.publisher.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	note, ok := h.publisher.Messages()[0].Payload.(orchestrator.Notification)
	require.True(t, ok)
	require.NotNil(t, note.Archive)
	require.Equal(t, len(obj.Data), note.Archive.Bytes)
	require.True(t, strings.HasPrefix(note.Archive.Digest, sha256.Prefix))
}

func TestArchiveFailureKeepsJobCompleted(t *testing.T) {
	t.Parallel()

	site := crawlertest.NewSite().Set(entry, crawlertest.ResultsPage([]string{"1"}, ""))
	h := newHarness(t, orchestrator.Config{MaxListings: 10, Concurrency: 1}, site, listingExtractor{},
		func(d *orchestrator.Deps) { d.Archiver = failingArchiver{} })

	j := h.submit(t)
	require.Equal(t, job.StatusCompleted, j.Status())
	warnings := historyAt(j, progress.LevelWarn)
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], "bucket unavailable")
}
