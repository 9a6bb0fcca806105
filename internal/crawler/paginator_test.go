package crawler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-scraper/internal/crawler"
	"github.com/JakeFAU/listing-scraper/internal/crawler/crawlertest"
	"github.com/JakeFAU/listing-scraper/internal/progress"
)

const host = "https://example.com"

type reporter struct {
	mu      sync.Mutex
	entries []string
	levels  []progress.Level
}

func (r *reporter) Emit(level progress.Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, level)
	r.entries = append(r.entries, msg)
}

func (r *reporter) count(level progress.Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.levels {
		if l == level {
			n++
		}
	}
	return n
}

type collector struct {
	refs []crawler.TargetRef
}

func (c *collector) emit(_ context.Context, ref crawler.TargetRef) error {
	c.refs = append(c.refs, ref)
	return nil
}

func (c *collector) keys() []string {
	out := make([]string, 0, len(c.refs))
	for _, r := range c.refs {
		out = append(out, r.Key)
	}
	return out
}

func twoPageSite() *crawlertest.Site {
	return crawlertest.NewSite().
		Set(host+"/homes/", crawlertest.ResultsPage([]string{"1", "2", "3"}, `<a rel="next" href="/homes/2_p/">Next</a>`)).
		Set(host+"/homes/2_p/", crawlertest.ResultsPage([]string{"3", "4", "5"}, ""))
}

func TestCrawlStopsMidPageAtLimit(t *testing.T) {
	t.Parallel()

	site := twoPageSite()
	sess := crawlertest.NewSession(site)
	var c collector
	n, err := crawler.NewPaginator(crawler.PaginatorConfig{}, nil).
		Crawl(context.Background(), sess, host+"/homes/", 4, c.emit, &reporter{})

	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []string{"1", "2", "3", "4"}, c.keys())
	require.Equal(t, crawlertest.ListingURL(host, "4"), c.refs[3].URL)
}

func TestCrawlDedupsAcrossPagesAndEndsOnEmptyDerivedPage(t *testing.T) {
	t.Parallel()

	site := twoPageSite()
	sess := crawlertest.NewSession(site)
	rep := &reporter{}
	var c collector
	n, err := crawler.NewPaginator(crawler.PaginatorConfig{}, nil).
		Crawl(context.Background(), sess, host+"/homes/", 100, c.emit, rep)

	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, c.keys())
	require.Equal(t, []string{host + "/homes/", host + "/homes/2_p/", host + "/homes/3_p/"}, site.Visits())
	require.Zero(t, rep.count(progress.LevelWarn))
	require.NotEmpty(t, sess.Scripts(), "lazy-load scroll runs before reading each page")
}

func TestCrawlEntryFailureIsJobLevel(t *testing.T) {
	t.Parallel()

	site := crawlertest.NewSite().FailNavigation(host+"/homes/", errors.New("net::ERR_CONNECTION_RESET"))
	var c collector
	n, err := crawler.NewPaginator(crawler.PaginatorConfig{}, nil).
		Crawl(context.Background(), crawlertest.NewSession(site), host+"/homes/", 10, c.emit, nil)

	require.ErrorIs(t, err, crawler.ErrEntryUnreachable)
	require.Zero(t, n)
	require.Empty(t, c.refs)
}

func TestCrawlAdvanceFaultEndsGracefully(t *testing.T) {
	t.Parallel()

	site := twoPageSite().FailNavigation(host+"/homes/2_p/", errors.New("timeout"))
	rep := &reporter{}
	var c collector
	n, err := crawler.NewPaginator(crawler.PaginatorConfig{}, nil).
		Crawl(context.Background(), crawlertest.NewSession(site), host+"/homes/", 10, c.emit, rep)

	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 1, rep.count(progress.LevelWarn))
}

func TestCrawlClicksNextControlWithoutHref(t *testing.T) {
	t.Parallel()

	site := crawlertest.NewSite().
		SetPage(host+"/homes/", crawlertest.Page{
			HTML:      crawlertest.ResultsPage([]string{"1"}, `<button aria-label="Next page">›</button>`),
			ClickNext: host + "/homes/?page=2",
		}).
		Set(host+"/homes/?page=2", crawlertest.ResultsPage([]string{"2"}, ""))
	var c collector
	n, err := crawler.NewPaginator(crawler.PaginatorConfig{MaxPages: 2}, nil).
		Crawl(context.Background(), crawlertest.NewSession(site), host+"/homes/", 10, c.emit, nil)

	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"1", "2"}, c.keys())
}

func TestCrawlStopsOnRepeatedPage(t *testing.T) {
	t.Parallel()

	site := crawlertest.NewSite().
		Set(host+"/homes/", crawlertest.ResultsPage([]string{"1", "2"}, "")).
		Set(host+"/homes/2_p/", crawlertest.ResultsPage([]string{"1", "2"}, ""))
	var c collector
	n, err := crawler.NewPaginator(crawler.PaginatorConfig{}, nil).
		Crawl(context.Background(), crawlertest.NewSession(site), host+"/homes/", 10, c.emit, nil)

	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, site.Visits(), 2)
}

func TestCrawlEmitErrorStops(t *testing.T) {
	t.Parallel()

	rep := &reporter{}
	calls := 0
	emit := func(context.Context, crawler.TargetRef) error {
		calls++
		if calls == 2 {
			return fmt.Errorf("queue closed")
		}
		return nil
	}
	n, err := crawler.NewPaginator(crawler.PaginatorConfig{}, nil).
		Crawl(context.Background(), crawlertest.NewSession(twoPageSite()), host+"/homes/", 10, emit, rep)

	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, rep.count(progress.LevelWarn))
}

func TestCrawlRespectsMaxPages(t *testing.T) {
	t.Parallel()

	site := twoPageSite()
	var c collector
	n, err := crawler.NewPaginator(crawler.PaginatorConfig{MaxPages: 1}, nil).
		Crawl(context.Background(), crawlertest.NewSession(site), host+"/homes/", 10, c.emit, nil)

	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, site.Visits(), 1)
}

func TestWithSessionReleasesOnEveryPath(t *testing.T) {
	t.Parallel()

	provider := crawlertest.NewProvider(crawlertest.NewSite())
	boom := errors.New("boom")
	err := crawler.WithSession(context.Background(), provider, func(crawler.Session) error { return boom })
	require.ErrorIs(t, err, boom)

	require.Panics(t, func() {
		_ = crawler.WithSession(context.Background(), provider, func(crawler.Session) error { panic("bad") })
	})
	require.Equal(t, 2, provider.Released())
	require.Zero(t, provider.Active())

	provider.FailAcquire = func(int) bool { return true }
	err = crawler.WithSession(context.Background(), provider, func(crawler.Session) error { return nil })
	require.ErrorIs(t, err, crawler.ErrSessionUnavailable)
	require.ErrorIs(t, err, crawlertest.ErrExhausted)
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, crawler.Sleep(context.Background(), time.Millisecond))
	require.NoError(t, crawler.Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, crawler.Sleep(ctx, 0), context.Canceled)

	start := time.Now()
	require.ErrorIs(t, crawler.Sleep(ctx, time.Hour), context.Canceled)
	require.Less(t, time.Since(start), time.Second)
}
