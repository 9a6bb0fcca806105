// Package session leases chromedp browser sessions, either from a remote
// browser service reached over a websocket endpoint or from locally launched
// Chrome processes.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/listing-scraper/internal/crawler"
	"github.com/JakeFAU/listing-scraper/internal/metrics"
	"github.com/JakeFAU/listing-scraper/internal/policy/ratelimit"
)

// Browser modes.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// ErrProviderClosed is returned by Acquire after Close.
var ErrProviderClosed = errors.New("session provider closed")

// Config controls how sessions are created.
type Config struct {
	Mode           string
	RemoteURL      string
	APIKey         string
	Headless       bool
	UserAgent      string
	MaxSessions    int
	AcquireTimeout time.Duration
	// AcquireQPS paces new sessions; remote services reject bursts.
	AcquireQPS     float64
	ViewportWidth  int
	ViewportHeight int
	// ActionTimeout bounds reads, clicks and script evaluation.
	ActionTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeLocal
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 5
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 60 * time.Second
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1440
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 900
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 20 * time.Second
	}
	return c
}

// Provider implements crawler.SessionProvider on chromedp. At most
// MaxSessions sessions are leased at once.
type Provider struct {
	cfg       Config
	slots     *semaphore.Weighted
	pace      *rate.Limiter
	navigator *ratelimit.Limiter
	logger    *zap.Logger

	mu          sync.Mutex
	closed      bool
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a Provider. navigator paces page navigations per host and may
// be nil.
func New(cfg Config, navigator *ratelimit.Limiter, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	switch cfg.Mode {
	case ModeLocal:
	case ModeRemote:
		if cfg.RemoteURL == "" {
			return nil, fmt.Errorf("remote browser mode requires a remote url")
		}
		if _, err := remoteEndpoint(cfg.RemoteURL, cfg.APIKey, "probe"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown browser mode %q", cfg.Mode)
	}

	pace := rate.NewLimiter(rate.Inf, 1)
	if cfg.AcquireQPS > 0 {
		pace = rate.NewLimiter(rate.Limit(cfg.AcquireQPS), 1)
	}
	p := &Provider{
		cfg:       cfg,
		slots:     semaphore.NewWeighted(int64(cfg.MaxSessions)),
		pace:      pace,
		navigator: navigator,
		logger:    logger.Named("session_provider"),
	}
	if cfg.Mode == ModeLocal {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
			chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
		)
		if cfg.Headless {
			opts = append(opts, chromedp.Flag("headless", "new"))
		} else {
			opts = append(opts, chromedp.Flag("headless", false))
		}
		if cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
		}
		p.allocator, p.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	return p, nil
}

// Acquire leases a new browser session. It waits at most AcquireTimeout for
// a free slot.
func (p *Provider) Acquire(ctx context.Context) (crawler.Session, error) {
	start := time.Now()
	sess, err := p.acquire(ctx)
	metrics.ObserveSessionAcquire(err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	metrics.IncActiveSessions()
	return sess, nil
}

func (p *Provider) acquire(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrProviderClosed
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		return nil, fmt.Errorf("wait for browser slot: %w", err)
	}
	if err := p.pace.Wait(waitCtx); err != nil {
		p.slots.Release(1)
		return nil, fmt.Errorf("pace session creation: %w", err)
	}

	sess, err := p.open(waitCtx)
	if err != nil {
		p.slots.Release(1)
		return nil, err
	}
	return sess, nil
}

// open starts a browser tab and applies viewport and user agent overrides.
func (p *Provider) open(ctx context.Context) (*Session, error) {
	parent := p.allocator
	var allocCancel context.CancelFunc
	if p.cfg.Mode == ModeRemote {
		endpoint, err := remoteEndpoint(p.cfg.RemoteURL, p.cfg.APIKey, uuid.NewString())
		if err != nil {
			return nil, err
		}
		parent, allocCancel = chromedp.NewRemoteAllocator(context.Background(), endpoint, chromedp.NoModifyURL)
	}
	tabCtx, tabCancel := chromedp.NewContext(parent)

	sess := &Session{
		ctx:           tabCtx,
		actionTimeout: p.cfg.ActionTimeout,
		navigator:     p.navigator,
		closeFns:      []func(){tabCancel},
	}
	if allocCancel != nil {
		sess.closeFns = append(sess.closeFns, allocCancel)
	}

	// The first Run binds the tab's lifetime to its context, so it must
	// receive tabCtx itself rather than a timed child.
	if err := runWithin(ctx, tabCtx); err != nil {
		sess.close()
		return nil, fmt.Errorf("start browser session: %w", err)
	}

	setupCtx, cancel := sess.runContext(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	err := chromedp.Run(setupCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := emulation.SetDeviceMetricsOverride(int64(p.cfg.ViewportWidth), int64(p.cfg.ViewportHeight), 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if p.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(p.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	}))
	if err != nil {
		sess.close()
		return nil, fmt.Errorf("start browser session: %w", err)
	}
	p.logger.Debug("browser session opened", zap.String("mode", p.cfg.Mode))
	return sess, nil
}

// runWithin allocates the tab behind tabCtx and gives up when ctx ends
// first. Giving up leaves the tab to be torn down by its owner.
func runWithin(ctx, tabCtx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(tabCtx) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release disconnects s and frees its slot. Releasing twice, or releasing a
// session from another provider, is a no-op.
func (p *Provider) Release(s crawler.Session) {
	sess, ok := s.(*Session)
	if !ok || sess == nil {
		return
	}
	sess.releaseOnce.Do(func() {
		sess.close()
		p.slots.Release(1)
		metrics.DecActiveSessions()
	})
}

// Close stops the local allocator. Leased sessions should be released first.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.allocCancel != nil {
		p.allocCancel()
	}
}

// remoteEndpoint appends the api key and a fresh session id to the service's
// websocket url.
func remoteEndpoint(base, apiKey, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse remote browser url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("remote browser url must use ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	if apiKey != "" {
		q.Set("apiKey", apiKey)
	}
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
