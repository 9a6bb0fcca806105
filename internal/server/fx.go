// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-scraper/internal/api"
	"github.com/JakeFAU/listing-scraper/internal/archive"
	"github.com/JakeFAU/listing-scraper/internal/clock/system"
	"github.com/JakeFAU/listing-scraper/internal/config"
	"github.com/JakeFAU/listing-scraper/internal/crawler"
	"github.com/JakeFAU/listing-scraper/internal/extract"
	"github.com/JakeFAU/listing-scraper/internal/hash/sha256"
	"github.com/JakeFAU/listing-scraper/internal/id/uuid"
	"github.com/JakeFAU/listing-scraper/internal/logging"
	"github.com/JakeFAU/listing-scraper/internal/metrics"
	"github.com/JakeFAU/listing-scraper/internal/orchestrator"
	"github.com/JakeFAU/listing-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/listing-scraper/internal/progress"
	progresssinks "github.com/JakeFAU/listing-scraper/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/listing-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/listing-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/listing-scraper/internal/session"
	gcsstorage "github.com/JakeFAU/listing-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/listing-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/listing-scraper/internal/storage/memory"
	"github.com/JakeFAU/listing-scraper/internal/worker"
)

// closablePublisher is a crawler.Publisher that owns a client.
type closablePublisher interface {
	crawler.Publisher
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	orchestrator   *orchestrator.Orchestrator
	sessions       *session.Provider
	progressHub    *progress.Hub
	publisher      closablePublisher
	archiveStore   *gcsstorage.BlobStore
	tracerProvider *sdktrace.TracerProvider
	draining       atomic.Bool
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Only non-sensitive fields are logged.
	type SanitizedConfig struct {
		ServerPort  int    `json:"server_port"`
		BrowserMode string `json:"browser_mode"`
		MaxListings int    `json:"max_listings"`
		Concurrency int    `json:"concurrency"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:  cfg.Server.Port,
		BrowserMode: cfg.Browser.Mode,
		MaxListings: cfg.Scrape.MaxListings,
		Concurrency: cfg.Scrape.Concurrency,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Handler returns the instrumented HTTP handler.
func (a *App) Handler() http.Handler {
	return otelhttp.NewHandler(a.apiServer.Handler(), "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return strings.HasPrefix(r.URL.Path, "/api/")
		}),
	)
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.draining.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	// Open log streams end when their jobs finish, so jobs drain first.
	if err := a.orchestrator.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("jobs did not drain before shutdown", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// ready reports whether new jobs are accepted.
func (a *App) ready(context.Context) error {
	if a.draining.Load() {
		return errors.New("shutting down")
	}
	return nil
}

// Close releases browser sessions, sinks and clients.
func (a *App) Close(ctx context.Context) error {
	a.draining.Store(true)
	if a.orchestrator != nil {
		if err := a.orchestrator.Shutdown(ctx); err != nil {
			a.logger.Warn("orchestrator shutdown failed", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.archiveStore != nil {
		if err := a.archiveStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Tracing.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	app.tracerProvider, err = telemetryInit(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	metrics.Init()

	app.logger.Info("building application dependencies")

	if err := setupSessions(app); err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	app.publisher = publisher

	events, err := setupProgress(app)
	if err != nil {
		return nil, err
	}

	archiver, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}

	listing := extract.NewListing(extract.Config{
		NavTimeout: cfg.NavTimeout(),
		Settle:     cfg.Settle(),
	}, logger)
	proc := worker.New(app.sessions, listing, worker.Config{ItemTimeout: cfg.ItemTimeout()}, logger)
	paginator := crawler.NewPaginator(crawler.PaginatorConfig{
		NavTimeout: cfg.NavTimeout(),
		Settle:     cfg.PageSettle(),
		MaxPages:   cfg.Scrape.MaxPages,
	}, logger)

	deps := orchestrator.Deps{
		Registry:  memorystorage.NewJobStore(),
		Sessions:  app.sessions,
		Paginator: paginator,
		Processor: proc,
		IDs:       uuid.New(),
		Clock:     system.New(),
		Publisher: publisher,
		Logger:    logger,
	}
	if events != nil {
		deps.Events = events
	}
	if archiver != nil {
		deps.Archiver = archiver
	}
	app.orchestrator, err = orchestrator.New(orchestrator.Config{
		MaxListings: cfg.Scrape.MaxListings,
		Concurrency: cfg.Scrape.Concurrency,
		Topic:       cfg.PubSub.TopicName,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.orchestrator, api.Options{Ready: app.ready}, logger.Named("api"))
	return app, nil
}

func setupSessions(app *App) error {
	cfg := app.cfg
	var navigator *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		navigator = ratelimit.New(ratelimit.Config{
			RPS:   cfg.RateLimit.DefaultRPS,
			Burst: cfg.RateLimit.DefaultBurst,
		})
		app.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
		)
	} else {
		app.logger.Info("rate limiter disabled")
	}

	sessions, err := session.New(session.Config{
		Mode:           cfg.Browser.Mode,
		RemoteURL:      cfg.Browser.RemoteURL,
		APIKey:         cfg.Browser.APIKey,
		Headless:       cfg.Browser.Headless,
		UserAgent:      cfg.Browser.UserAgent,
		MaxSessions:    cfg.Browser.MaxSessions,
		AcquireTimeout: time.Duration(cfg.Browser.AcquireTimeoutSeconds) * time.Second,
		AcquireQPS:     cfg.Browser.AcquireQPS,
		ViewportWidth:  cfg.Browser.Viewport.Width,
		ViewportHeight: cfg.Browser.Viewport.Height,
		ActionTimeout:  time.Duration(cfg.Browser.ActionTimeoutSeconds) * time.Second,
	}, navigator, app.logger)
	if err != nil {
		return fmt.Errorf("session provider init failed: %w", err)
	}
	app.sessions = sessions
	app.logger.Info("browser session provider initialized",
		zap.String("mode", cfg.Browser.Mode),
		zap.Int("max_sessions", cfg.Browser.MaxSessions),
	)
	return nil
}

func setupPublisher(ctx context.Context, app *App) (closablePublisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(client), nil
}

func setupArchive(ctx context.Context, app *App) (*archive.Archiver, error) {
	cfg := app.cfg.Archive
	var store crawler.BlobStore
	switch cfg.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs archive store init failed: %w", err)
		}
		app.archiveStore = blobs
		store = blobs
		app.logger.Info("archiving datasets to GCS", zap.String("bucket", cfg.Bucket))
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive store init failed: %w", err)
		}
		store = blobs
		app.logger.Info("archiving datasets to local disk", zap.String("path", cfg.BaseDir))
	case "memory":
		store = memorystorage.NewBlobStore()
		app.logger.Info("archiving datasets in memory")
	default:
		app.logger.Info("dataset archiving disabled")
		return nil, nil
	}
	archiver, err := archive.New(store, sha256.New(), archive.Config{Prefix: cfg.Prefix}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("archiver init failed: %w", err)
	}
	return archiver, nil
}

func setupProgress(app *App) (*progress.Hub, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress metrics sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	hubCfg := progress.HubConfig{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

// Orchestrator returns the job orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}
