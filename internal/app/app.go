// Package app initializes and holds the long-lived services of the
// ingestion pipeline, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/calegis/lawcrawl/internal/archive"
	"github.com/calegis/lawcrawl/internal/clock/system"
	"github.com/calegis/lawcrawl/internal/config"
	"github.com/calegis/lawcrawl/internal/discover"
	"github.com/calegis/lawcrawl/internal/events"
	"github.com/calegis/lawcrawl/internal/extract"
	collyfetcher "github.com/calegis/lawcrawl/internal/fetcher/colly"
	"github.com/calegis/lawcrawl/internal/fetcher/headless"
	"github.com/calegis/lawcrawl/internal/ledger"
	"github.com/calegis/lawcrawl/internal/logging"
	"github.com/calegis/lawcrawl/internal/metrics"
	"github.com/calegis/lawcrawl/internal/parser"
	"github.com/calegis/lawcrawl/internal/pipeline"
	"github.com/calegis/lawcrawl/internal/reconcile"
	"github.com/calegis/lawcrawl/internal/runner"
	"github.com/calegis/lawcrawl/internal/storage/memory"
	"github.com/calegis/lawcrawl/internal/storage/postgres"
	"github.com/calegis/lawcrawl/internal/versions"
)

// closer is any resource the App must release on shutdown.
type closer func()

// App holds the shared services and the wiring between them. It is
// built once at startup and torn down with Close.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Store     pipeline.Store
	Archive   pipeline.Archive
	Publisher pipeline.Publisher
	Clock     pipeline.Clock
	Fetcher   pipeline.Fetcher
	Parser    *parser.Parser
	Headless  *headless.Fetcher

	closers []closer
}

// New builds the full service graph from configuration. It fails fast:
// any provider that cannot be reached aborts startup.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	a := &App{
		Config: cfg,
		Logger: logger,
		Clock:  system.New(),
		Parser: parser.New(),
	}

	if err := a.initStore(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initArchive(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initPublisher(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}

	a.Fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		Timeout:        cfg.FetchTimeout(),
		MaxRetries:     cfg.Crawler.MaxRetries,
		BackoffInitial: cfg.BackoffInitial(),
		BackoffMax:     cfg.BackoffMax(),
		RateLimitRPS:   cfg.Crawler.RateLimitRPS,
		RateLimitBurst: cfg.Crawler.RateLimitBurst,
	}, logger.Named("fetch"))

	logger.Info("application services initialized",
		zap.String("db", cfg.DB.Provider),
		zap.String("archive", cfg.Archive.Provider),
		zap.String("events", cfg.Events.Provider))
	return a, nil
}

func (a *App) initStore(ctx context.Context, cfg config.Config) error {
	switch cfg.DB.Provider {
	case "postgres":
		a.Logger.Info("connecting to postgres")
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxConns),
			MinConns: int32(cfg.DB.MinConns),
		})
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.Store = store
		a.closers = append(a.closers, store.Close)
	case "memory":
		a.Logger.Info("using in-memory store; data is lost on exit")
		a.Store = memory.New()
	default:
		return fmt.Errorf("unknown db provider: %s", cfg.DB.Provider)
	}
	return nil
}

func (a *App) initArchive(ctx context.Context, cfg config.Config) error {
	switch cfg.Archive.Provider {
	case "gcs":
		a.Logger.Info("using gcs archive", zap.String("bucket", cfg.Archive.GCSBucket))
		gcs, err := archive.NewGCS(ctx, cfg.Archive.GCSBucket, a.Logger.Named("archive"))
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := gcs.Close(); err != nil {
				a.Logger.Warn("close gcs archive", zap.Error(err))
			}
		})
		a.Archive = archive.Prefixed{Inner: gcs, Prefix: cfg.Archive.Prefix}
	case "fs":
		fs, err := archive.NewFS(cfg.Archive.Dir)
		if err != nil {
			return fmt.Errorf("init fs archive: %w", err)
		}
		a.Archive = archive.Prefixed{Inner: fs, Prefix: cfg.Archive.Prefix}
	case "noop":
		a.Archive = archive.NoOp{}
	default:
		return fmt.Errorf("unknown archive provider: %s", cfg.Archive.Provider)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context, cfg config.Config) error {
	switch cfg.Events.Provider {
	case "pubsub":
		a.Logger.Info("connecting to pubsub", zap.String("topic", cfg.Events.Topic))
		ps, err := events.NewPubSub(ctx, cfg.Events.ProjectID, cfg.Events.Topic)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := ps.Close(); err != nil {
				a.Logger.Warn("close pubsub publisher", zap.Error(err))
			}
		})
		a.Publisher = ps
	case "noop":
		a.Publisher = events.NoOp{}
	default:
		return fmt.Errorf("unknown events provider: %s", cfg.Events.Provider)
	}
	return nil
}

// StartHeadless lazily starts the browser pool. Commands that never
// touch stage 3 skip the Chrome dependency entirely.
func (a *App) StartHeadless() (*headless.Fetcher, error) {
	if a.Headless != nil {
		return a.Headless, nil
	}
	h, err := headless.New(headless.Config{
		MaxParallel:       a.Config.Headless.MaxParallel,
		UserAgent:         a.Config.Crawler.UserAgent,
		NavigationTimeout: a.Config.NavTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("start headless browser: %w", err)
	}
	a.Headless = h
	a.closers = append(a.closers, h.Close)
	return h, nil
}

// Ledger builds the failure ledger over the current store and fetchers.
// The resolver is nil unless the headless browser has been started.
func (a *App) Ledger() *ledger.Ledger {
	var resolver ledger.Resolver
	if a.Headless != nil {
		resolver = a.Resolver(a.Headless)
	}
	return ledger.New(a.Store, a.engineExtractor(), resolver, a.Clock, a.Logger.Named("ledger"))
}

// recorder is a record-only ledger. The stage 3 resolver records its
// failures through it; giving it the resolving ledger would make
// construction recursive.
func (a *App) recorder() *ledger.Ledger {
	return ledger.New(a.Store, a.engineExtractor(), nil, a.Clock, a.Logger.Named("ledger"))
}

// Engine builds an extraction engine with the given worker count; zero
// uses the configured default.
func (a *App) Engine(workers int) *extract.Engine {
	if workers <= 0 {
		workers = a.Config.Crawler.Workers
	}
	return extract.New(
		extract.Config{Workers: workers, BatchSize: a.Config.Crawler.BatchSize},
		a.Fetcher,
		a.Parser,
		a.Store,
		a.Store,
		a.Ledger(),
		a.Archive,
		a.Clock,
		a.Logger.Named("extract"),
	)
}

// engineExtractor breaks the ledger/engine construction cycle: retries
// need single-shot extraction, which needs no ledger.
func (a *App) engineExtractor() *extract.Engine {
	return extract.New(
		extract.Config{Workers: 1, BatchSize: a.Config.Crawler.BatchSize},
		a.Fetcher,
		a.Parser,
		a.Store,
		a.Store,
		noRecord{},
		a.Archive,
		a.Clock,
		a.Logger.Named("retry-extract"),
	)
}

// noRecord drops failure records; used for single-shot retries whose
// outcome the ledger records itself.
type noRecord struct{}

func (noRecord) Record(context.Context, pipeline.FailedSection) error { return nil }

// Discoverer builds the stage 1 crawler.
func (a *App) Discoverer() *discover.Discoverer {
	return discover.New(a.Fetcher, a.Store, a.Store, a.Clock, a.Logger.Named("discover"), a.Config.Crawler.BaseURL)
}

// Resolver builds the stage 3 resolver over a running browser pool.
func (a *App) Resolver(h *headless.Fetcher) *versions.Resolver {
	return versions.New(h, a.Parser, a.Store, a.recorder(), a.Clock,
		a.Logger.Named("versions"), a.Config.Crawler.BaseURL)
}

// Reconciler builds the gap-set controller.
func (a *App) Reconciler() *reconcile.Controller {
	runExtract := func(ctx context.Context, code string, items []pipeline.WorkItem, workers int) (pipeline.ExtractResult, error) {
		return a.Engine(workers).Run(ctx, code, items)
	}
	return reconcile.New(
		reconcile.Config{
			MaxAttempts:    a.Config.Reconcile.MaxAttempts,
			InitialWorkers: a.Config.Reconcile.InitialWorkers,
			MinWorkers:     a.Config.Reconcile.MinWorkers,
		},
		a.Store,
		runExtract,
		a.Ledger(),
		a.Clock,
		a.Logger.Named("reconcile"),
	)
}

// Runner builds the full-pipeline job runner. withVersions controls
// whether stage 3 gets a browser; starting one is deferred until here
// so serve/crawl can opt in.
func (a *App) Runner(withVersions bool) (*runner.Runner, error) {
	var resolver runner.VersionResolver
	if withVersions {
		h, err := a.StartHeadless()
		if err != nil {
			return nil, err
		}
		resolver = a.Resolver(h)
	}

	extractFn := func(ctx context.Context, code string, items []pipeline.WorkItem, onProgress func(processed, total int)) (pipeline.ExtractResult, error) {
		eng := a.Engine(0)
		eng.OnProgress = onProgress
		return eng.Run(ctx, code, items)
	}

	return runner.New(
		a.Store,
		a.Discoverer(),
		extractFn,
		resolver,
		a.Reconciler(),
		a.Publisher,
		a.Clock,
		a.Logger.Named("runner"),
	), nil
}

// Close releases every held resource in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.Logger.Sync()
}
