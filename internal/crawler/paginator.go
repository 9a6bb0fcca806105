package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-scraper/internal/progress"
)

// lazyLoadScript scrolls the results list so lazily rendered cards attach
// their links before the DOM is read.
const lazyLoadScript = `(async () => {
  const c = document.querySelector('[id*="search-page-list"]') || document.documentElement;
  for (let i = 0; i < 5; i++) {
    c.scrollBy(0, 800);
    await new Promise(r => setTimeout(r, 600));
  }
  c.scrollTop = 0;
  return true;
})()`

// PaginatorConfig tunes the crawl.
type PaginatorConfig struct {
	// NavTimeout bounds each page navigation.
	NavTimeout time.Duration
	// Settle is waited after every navigation for client rendering.
	Settle time.Duration
	// MaxPages stops the crawl after this many result pages; zero is unlimited.
	MaxPages int
}

// Paginator walks result pages with one session and emits listing targets.
type Paginator struct {
	cfg    PaginatorConfig
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewPaginator returns a Paginator. A nil logger disables operator logs.
func NewPaginator(cfg PaginatorConfig, logger *zap.Logger) *Paginator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	return &Paginator{cfg: cfg, logger: logger.Named("paginator"), sleep: Sleep}
}

// EmitFunc receives each new target. Returning an error ends the crawl.
type EmitFunc func(ctx context.Context, ref TargetRef) error

// Crawl loads entry and enumerates listing targets page by page, calling emit
// for each unseen key until limit targets were emitted or no further page
// exists. It returns the number emitted. Only a failure to load the entry
// page is returned as an error (wrapping ErrEntryUnreachable); later faults
// are reported as warnings and end the crawl normally.
func (p *Paginator) Crawl(ctx context.Context, sess Session, entry string, limit int, emit EmitFunc, rep Reporter) (int, error) {
	if rep == nil {
		rep = nopReporter{}
	}
	if limit <= 0 {
		return 0, nil
	}
	if err := sess.Navigate(ctx, entry, p.cfg.NavTimeout); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEntryUnreachable, err)
	}

	seen := make(map[string]struct{})
	emitted := 0
	current := entry
	for page := 1; ; page++ {
		if err := p.sleep(ctx, p.cfg.Settle); err != nil {
			return emitted, nil
		}
		refs, doc, err := p.scan(ctx, sess, current)
		if err != nil {
			rep.Emit(progress.LevelWarn, fmt.Sprintf("Failed to read results page %d: %v", page, err))
			return emitted, nil
		}
		if len(refs) == 0 {
			if page == 1 {
				rep.Emit(progress.LevelWarn, "No listings found on the search page.")
			} else {
				rep.Emit(progress.LevelInfo, fmt.Sprintf("Page %d has no listings, end of results.", page))
			}
			return emitted, nil
		}

		fresh := 0
		for _, ref := range refs {
			if _, dup := seen[ref.Key]; dup {
				continue
			}
			seen[ref.Key] = struct{}{}
			if err := emit(ctx, ref); err != nil {
				rep.Emit(progress.LevelWarn, fmt.Sprintf("Stopped collecting listings: %v", err))
				return emitted, nil
			}
			emitted++
			fresh++
			if emitted >= limit {
				rep.Emit(progress.LevelInfo, fmt.Sprintf("Reached the limit of %d listings.", limit))
				return emitted, nil
			}
		}
		rep.Emit(progress.LevelInfo, fmt.Sprintf("Page %d: found %d listings (%d new, %d queued).", page, len(refs), fresh, emitted))
		if fresh == 0 && page > 1 {
			rep.Emit(progress.LevelInfo, fmt.Sprintf("Page %d repeated earlier listings, end of results.", page))
			return emitted, nil
		}
		if p.cfg.MaxPages > 0 && page >= p.cfg.MaxPages {
			rep.Emit(progress.LevelInfo, fmt.Sprintf("Reached the page limit of %d.", p.cfg.MaxPages))
			return emitted, nil
		}

		next, err := p.advance(ctx, sess, doc, current)
		if err != nil {
			if errors.Is(err, ErrNoPages) {
				rep.Emit(progress.LevelInfo, "No further result pages.")
			} else {
				rep.Emit(progress.LevelWarn, fmt.Sprintf("Failed to navigate to next page: %v", err))
			}
			return emitted, nil
		}
		p.logger.Debug("advanced results page", zap.Int("page", page+1), zap.String("url", next))
		current = next
	}
}

// scan forces lazy content to render and parses the page's listing links.
func (p *Paginator) scan(ctx context.Context, sess Session, current string) ([]TargetRef, *goquery.Document, error) {
	if err := sess.Evaluate(ctx, lazyLoadScript, nil); err != nil {
		p.logger.Debug("lazy-load scroll failed", zap.Error(err))
	}
	html, err := sess.HTML(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read page html: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, nil, fmt.Errorf("parse results page: %w", err)
	}
	base := current
	if loc, locErr := sess.Location(ctx); locErr == nil && loc != "" {
		base = loc
	}
	return targetsFromDocument(doc, base), doc, nil
}

// advance moves the session to the next results page and returns its address.
func (p *Paginator) advance(ctx context.Context, sess Session, doc *goquery.Document, current string) (string, error) {
	if ctrl, ok := findNextControl(doc); ok {
		if ctrl.href != "" {
			target, err := resolveURL(current, ctrl.href)
			if err == nil && target != current {
				if err := sess.Navigate(ctx, target, p.cfg.NavTimeout); err != nil {
					return "", fmt.Errorf("open next page: %w", err)
				}
				return target, nil
			}
		} else {
			if err := sess.Click(ctx, ctrl.selector); err != nil {
				return "", fmt.Errorf("click next page: %w", err)
			}
			loc, err := sess.Location(ctx)
			if err != nil {
				return "", fmt.Errorf("read location: %w", err)
			}
			return loc, nil
		}
	}

	next, err := NextPageURL(current)
	if err != nil {
		return "", err
	}
	if next == current {
		return "", ErrNoPages
	}
	if err := sess.Navigate(ctx, next, p.cfg.NavTimeout); err != nil {
		return "", fmt.Errorf("open derived page: %w", err)
	}
	return next, nil
}

// Sleep waits for d or until ctx ends, whichever comes first. A
// non-positive d only reports whether ctx has already ended.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("settle: %w", ctx.Err())
	}
}
