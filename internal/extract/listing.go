// Package extract turns rendered listing pages into records.
//
// Extraction runs in two steps. Listing drives the browser session: it loads
// the page, scrolls to attach lazily rendered sections and expands collapsed
// panels. ParseListing then reads the serialized DOM with goquery and the
// page's visible text with a handful of patterns. Parsing never touches the
// browser, so it is tested against stored documents.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-scraper/internal/crawler"
	"github.com/JakeFAU/listing-scraper/internal/record"
)

const scrollScript = `(async () => {
  for (let i = 0; i < 8; i++) {
    window.scrollBy(0, 1000);
    await new Promise(r => setTimeout(r, 400));
  }
  window.scrollTo(0, 0);
  return true;
})()`

// expandScript clicks every "see more" style button and returns the count.
const expandScript = `(async () => {
  const pattern = /see (more|all|complete)|show more|see full/i;
  let clicked = 0;
  for (const btn of Array.from(document.querySelectorAll('button'))) {
    if (!pattern.test((btn.textContent || '').trim())) continue;
    try {
      btn.click();
      clicked++;
      await new Promise(r => setTimeout(r, 500));
    } catch (e) {}
  }
  return clicked;
})()`

// Config tunes page preparation delays.
type Config struct {
	NavTimeout time.Duration
	// Settle is waited after navigation and again after scrolling.
	Settle time.Duration
}

// Listing implements crawler.Extractor for property detail pages.
type Listing struct {
	cfg    Config
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewListing returns a Listing extractor.
func NewListing(cfg Config, logger *zap.Logger) *Listing {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 60 * time.Second
	}
	return &Listing{cfg: cfg, logger: logger.Named("extract"), sleep: crawler.Sleep}
}

// Extract loads ref in sess and parses the listing. Scroll and expand
// failures are logged and tolerated; navigation and DOM read failures are
// returned.
func (l *Listing) Extract(ctx context.Context, sess crawler.Session, ref crawler.TargetRef) (*record.Record, error) {
	if err := sess.Navigate(ctx, ref.URL, l.cfg.NavTimeout); err != nil {
		return nil, err
	}
	if err := l.sleep(ctx, l.cfg.Settle); err != nil {
		return nil, err
	}
	if err := sess.Evaluate(ctx, scrollScript, nil); err != nil {
		l.logger.Debug("scroll failed", zap.String("url", ref.URL), zap.Error(err))
	}
	if err := l.sleep(ctx, l.cfg.Settle); err != nil {
		return nil, err
	}
	var expanded int
	if err := sess.Evaluate(ctx, expandScript, &expanded); err != nil {
		l.logger.Debug("expand sections failed", zap.String("url", ref.URL), zap.Error(err))
	}

	html, err := sess.HTML(ctx)
	if err != nil {
		return nil, err
	}
	text, err := sess.Text(ctx, "body")
	if err != nil {
		l.logger.Debug("read body text failed", zap.String("url", ref.URL), zap.Error(err))
		text = ""
	}
	rec, err := ParseListing(html, text)
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	rec.SetString("link", ref.URL)
	l.logger.Debug("listing parsed",
		zap.String("url", ref.URL),
		zap.Int("expanded", expanded),
		zap.Int("fields", rec.Len()),
	)
	return rec, nil
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
