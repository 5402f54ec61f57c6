// Package app wires the export pipeline from configuration: stores,
// services, the worker pool, the sweeper, and the HTTP router.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"report-export/internal/api"
	"report-export/internal/config"
	"report-export/internal/db/repository"
	"report-export/internal/domain"
	"report-export/internal/middleware"
	"report-export/internal/service/export"
	"report-export/internal/service/planner"
	"report-export/internal/service/render"
	"report-export/internal/service/rowsource"
	"report-export/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// Deps holds the external dependencies that main() must provide: config,
// database handles, and the logger.
type Deps struct {
	Cfg       *config.Config
	WriteDB   *sql.DB // metastore write pool
	ReadDB    *sql.DB // metastore read pool
	Analytics *sql.DB // reporting database the row source queries
	Registry  *prometheus.Registry
	Logger    *slog.Logger

	// Optional overrides, mainly for tests.
	Store     domain.ArtifactStore
	Validator middleware.JWTValidator
}

// App holds the fully-wired application.
type App struct {
	Service     *export.Service
	Supervisor  *export.Supervisor
	Sweeper     *export.Sweeper
	Dispatcher  *export.Dispatcher
	RateLimiter *middleware.RateLimiter
	Router      http.Handler

	cfg    *config.Config
	logger *slog.Logger
}

// New wires repositories, services, workers, and the router from deps.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	pipe := cfg.Pipeline

	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics := export.NewMetrics(registry)

	// === Stores ===
	store := deps.Store
	if store == nil {
		var err error
		store, err = storage.New(ctx, cfg.Artifacts)
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
	}
	signer, err := storage.NewTokenSigner([]byte(cfg.DownloadSigningKey))
	if err != nil {
		return nil, fmt.Errorf("download signer: %w", err)
	}

	// === Repositories ===
	jobs := repository.NewReportJobRepo(deps.WriteDB, deps.ReadDB)
	queue := repository.NewExportQueueRepo(deps.WriteDB)

	// === Planning and rendering ===
	dialect, err := planner.DialectFor(cfg.AnalyticsDriver)
	if err != nil {
		return nil, err
	}
	planners := planner.NewRegistry(planner.Options{
		Dialect:            dialect,
		RowsPerPage:        pipe.RowsPerPage,
		TOCEntriesPerPage:  pipe.TOCEntriesPerPage,
		MaxBookletEntities: pipe.MaxBookletEntities,
	})
	rows := rowsource.New(deps.Analytics)

	workDir := pipe.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "report-export")
	}
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	engine := export.NewEngine(export.EngineDeps{
		Jobs:     jobs,
		Rows:     rows,
		Planners: planners,
		Store:    store,
		Pages:    render.PDFRenderer{RowsPerPage: pipe.RowsPerPage, TOCEntriesPerPage: pipe.TOCEntriesPerPage},
		Merger:   render.Merger{},
		Sheets:   render.XLSXWriter{Creator: "report-export"},
		Metrics:  metrics,
		Logger:   logger.With("component", "engine"),
	}, export.EngineConfig{
		TabularWindow:   pipe.TabularWindow,
		PaginatedWindow: pipe.PaginatedWindow,
		ResumeThreshold: pipe.ResumeThreshold,
		DownloadTTL:     pipe.DownloadTTL,
		WorkDir:         workDir,
		Author:          "report-export",
	})

	// === Notifications ===
	notifiers := export.MultiNotifier{export.LogNotifier{Logger: logger.With("component", "notifier")}}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, export.WebhookNotifier{
			URL:    cfg.NotifyWebhookURL,
			Client: &http.Client{Timeout: pipe.NotifyTimeout},
		})
	}
	dispatcher := export.NewDispatcher(notifiers, pipe.NotifyTimeout, metrics, logger.With("component", "notifier"))

	// === Services ===
	svc := export.NewService(jobs, rows, planners, store, signer, metrics, export.ServiceConfig{
		MaxActivePerOwner: pipe.MaxActivePerOwner,
		MaxAttempts:       pipe.MaxAttempts,
		PublicBaseURL:     cfg.PublicBaseURL,
	}, logger.With("component", "export-service"))

	supervisor := export.NewSupervisor(engine, jobs, queue, dispatcher, metrics, export.SupervisorConfig{
		Workers:      pipe.Workers,
		PollInterval: pipe.PollInterval,
		LeaseTTL:     pipe.LeaseTTL,
		Backoff:      pipe.Backoff,
	}, logger.With("component", "supervisor"))

	sweeper := export.NewSweeper(pipe.SweepSchedule, jobs, queue, store, metrics, logger.With("component", "sweeper"))

	// === HTTP ===
	validator := deps.Validator
	if validator == nil {
		validator, err = newValidator(ctx, cfg.Auth)
		if err != nil {
			return nil, err
		}
	}
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	})
	router := api.NewRouter(api.NewHandler(svc, logger.With("component", "api")), api.RouterConfig{
		Validator:      validator,
		OwnerClaim:     cfg.Auth.OwnerClaim,
		RateLimiter:    limiter,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Gatherer:       registry,
		Health: func(ctx context.Context) error {
			return errors.Join(deps.WriteDB.PingContext(ctx), deps.Analytics.PingContext(ctx))
		},
		Logger: logger,
	})

	return &App{
		Service:     svc,
		Supervisor:  supervisor,
		Sweeper:     sweeper,
		Dispatcher:  dispatcher,
		RateLimiter: limiter,
		Router:      router,
		cfg:         cfg,
		logger:      logger,
	}, nil
}

func newValidator(ctx context.Context, auth config.AuthConfig) (middleware.JWTValidator, error) {
	if auth.OIDCEnabled() {
		v, err := middleware.NewOIDCValidator(ctx, auth.IssuerURL, auth.Audience)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	v, err := middleware.NewHS256Validator(auth.JWTSecret)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Run serves HTTP and runs the worker pool and sweeper until ctx is
// cancelled, then shuts everything down and waits for pending
// notifications.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := a.Sweeper.Start(); err != nil {
		return err
	}
	defer a.Sweeper.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.Supervisor.Run(gctx)
	})
	g.Go(func() error {
		a.RateLimiter.Run(gctx)
		return nil
	})

	err := g.Wait()
	a.Dispatcher.Wait()
	a.logger.Info("shutdown complete")
	return err
}
