// Package crawlertest provides in-memory browser sessions for tests of the
// crawl and extraction pipeline.
package crawlertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-scraper/internal/crawler"
)

// Page is one canned document. ClickNext is where clicking a next-page
// control leads.
type Page struct {
	HTML      string
	ClickNext string
}

// Site is a set of canned pages keyed by URL. Unknown URLs render an empty
// body. It is safe for concurrent use.
type Site struct {
	mu       sync.Mutex
	pages    map[string]Page
	navErr   map[string]error
	visits   []string
	navDelay time.Duration
}

// NewSite returns an empty Site.
func NewSite() *Site {
	return &Site{pages: make(map[string]Page), navErr: make(map[string]error)}
}

// Set registers html at url.
func (s *Site) Set(url, html string) *Site {
	return s.SetPage(url, Page{HTML: html})
}

// SetPage registers p at url.
func (s *Site) SetPage(url string, p Page) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = p
	return s
}

// FailNavigation makes navigating to url return err.
func (s *Site) FailNavigation(url string, err error) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navErr[url] = err
	return s
}

// SlowNavigation delays every navigation by d, honoring the navigation timeout.
func (s *Site) SlowNavigation(d time.Duration) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navDelay = d
	return s
}

// Visits returns every URL navigated to, in order.
func (s *Site) Visits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.visits...)
}

func (s *Site) lookup(url string) (Page, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits = append(s.visits, url)
	if err := s.navErr[url]; err != nil {
		return Page{}, s.navDelay, err
	}
	p, ok := s.pages[url]
	if !ok {
		p = Page{HTML: "<html><body></body></html>"}
	}
	return p, s.navDelay, nil
}

// Session is a fake crawler.Session backed by a Site.
type Session struct {
	site     *Site
	current  string
	page     Page
	released atomic.Bool
	scripts  []string
}

// NewSession returns a Session positioned on about:blank.
func NewSession(site *Site) *Session {
	return &Session{site: site, current: "about:blank"}
}

// Navigate implements crawler.Session.
func (s *Session) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	page, delay, err := s.site.lookup(url)
	if delay > 0 {
		if timeout > 0 && delay > timeout {
			return fmt.Errorf("navigate %s: %w", url, context.DeadlineExceeded)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("navigate %s: %w", url, ctx.Err())
		}
	}
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	s.current = url
	s.page = page
	return nil
}

// Evaluate implements crawler.Session. Scripts are recorded, not run.
func (s *Session) Evaluate(_ context.Context, script string, _ any) error {
	s.scripts = append(s.scripts, script)
	return nil
}

// Click follows the current page's ClickNext link.
func (s *Session) Click(ctx context.Context, selector string) error {
	if s.page.ClickNext == "" {
		return fmt.Errorf("click %s: no target", selector)
	}
	return s.Navigate(ctx, s.page.ClickNext, 0)
}

// Text implements crawler.Session using the current page's HTML.
func (s *Session) Text(_ context.Context, selector string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s.page.HTML))
	if err != nil {
		return "", err
	}
	node := doc.Find(selector).First()
	if node.Length() == 0 {
		return "", fmt.Errorf("text %s: no match", selector)
	}
	return node.Text(), nil
}

// HTML implements crawler.Session.
func (s *Session) HTML(context.Context) (string, error) {
	return s.page.HTML, nil
}

// Location implements crawler.Session.
func (s *Session) Location(context.Context) (string, error) {
	return s.current, nil
}

// Scripts returns the scripts passed to Evaluate.
func (s *Session) Scripts() []string {
	return append([]string(nil), s.scripts...)
}

// Released reports whether the provider released this session.
func (s *Session) Released() bool {
	return s.released.Load()
}

// ErrExhausted is returned by Provider.Acquire when FailAcquire is set.
var ErrExhausted = errors.New("session pool exhausted")

// Provider is a fake crawler.SessionProvider that tracks leases.
type Provider struct {
	Site *Site
	// FailAcquire, when set, is consulted with the 1-based acquire number.
	FailAcquire func(n int) bool

	acquired  atomic.Int64
	released  atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64
}

// NewProvider returns a Provider over site.
func NewProvider(site *Site) *Provider {
	return &Provider{Site: site}
}

// Acquire implements crawler.SessionProvider.
func (p *Provider) Acquire(ctx context.Context) (crawler.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := p.acquired.Add(1)
	if p.FailAcquire != nil && p.FailAcquire(int(n)) {
		return nil, ErrExhausted
	}
	cur := p.active.Add(1)
	for {
		peak := p.maxActive.Load()
		if cur <= peak || p.maxActive.CompareAndSwap(peak, cur) {
			break
		}
	}
	return NewSession(p.Site), nil
}

// Release implements crawler.SessionProvider.
func (p *Provider) Release(sess crawler.Session) {
	s, ok := sess.(*Session)
	if !ok || s == nil {
		return
	}
	if s.released.Swap(true) {
		return
	}
	p.released.Add(1)
	p.active.Add(-1)
}

// Acquired returns the number of Acquire calls.
func (p *Provider) Acquired() int { return int(p.acquired.Load()) }

// Released returns the number of distinct sessions released.
func (p *Provider) Released() int { return int(p.released.Load()) }

// Active returns the number of sessions currently leased.
func (p *Provider) Active() int { return int(p.active.Load()) }

// MaxActive returns the peak number of concurrent leases.
func (p *Provider) MaxActive() int { return int(p.maxActive.Load()) }

// ResultsPage renders a search results page linking to the given listing ids.
// extra is appended verbatim inside the body, e.g. a next-page control.
func ResultsPage(ids []string, extra string) string {
	var b strings.Builder
	b.WriteString(`<html><body><ul id="search-page-list">`)
	for _, id := range ids {
		fmt.Fprintf(&b, `<li><a href="/homedetails/%s-Main-St/%s_zpid/?utm=x">%s Main St</a></li>`, id, id, id)
	}
	b.WriteString(`</ul>`)
	b.WriteString(extra)
	b.WriteString(`</body></html>`)
	return b.String()
}

// ListingURL is the canonical address ResultsPage links id to on host.
func ListingURL(host, id string) string {
	return fmt.Sprintf("%s/homedetails/%s-Main-St/%s_zpid/", host, id, id)
}
