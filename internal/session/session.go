package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/listing-scraper/internal/crawler"
	"github.com/JakeFAU/listing-scraper/internal/policy/ratelimit"
)

var _ crawler.Session = (*Session)(nil)

// Session is one leased browser tab. It is not safe for concurrent use.
type Session struct {
	ctx           context.Context
	actionTimeout time.Duration
	navigator     *ratelimit.Limiter

	closeFns    []func()
	closeOnce   sync.Once
	releaseOnce sync.Once
}

// Navigate loads url and waits for the body to be ready.
func (s *Session) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if err := s.navigator.Wait(ctx, url); err != nil {
		return err
	}
	runCtx, cancel := s.runContext(ctx, timeout)
	defer cancel()
	if err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Evaluate runs script, awaiting a returned promise, and decodes the result
// into out when out is non-nil.
func (s *Session) Evaluate(ctx context.Context, script string, out any) error {
	runCtx, cancel := s.runContext(ctx, s.actionTimeout)
	defer cancel()
	err := chromedp.Run(runCtx, chromedp.Evaluate(script, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}
	return nil
}

// Click clicks the first visible node matching selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	runCtx, cancel := s.runContext(ctx, s.actionTimeout)
	defer cancel()
	if err := chromedp.Run(runCtx,
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// Text returns the visible text of the first node matching selector.
func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	runCtx, cancel := s.runContext(ctx, s.actionTimeout)
	defer cancel()
	var text string
	if err := chromedp.Run(runCtx, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read text %s: %w", selector, err)
	}
	return text, nil
}

// HTML returns the rendered document.
func (s *Session) HTML(ctx context.Context) (string, error) {
	runCtx, cancel := s.runContext(ctx, s.actionTimeout)
	defer cancel()
	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// Location returns the current page URL.
func (s *Session) Location(ctx context.Context) (string, error) {
	runCtx, cancel := s.runContext(ctx, s.actionTimeout)
	defer cancel()
	var loc string
	if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// runContext derives a context from the tab that also ends when ctx does.
// Cancelling it does not close the tab.
func (s *Session) runContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(s.ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(s.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		for _, fn := range s.closeFns {
			fn()
		}
	})
}
