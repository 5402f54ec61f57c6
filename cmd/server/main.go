// Command server runs the report export HTTP API, worker pool, and sweeper.
package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"report-export/internal/app"
	"report-export/internal/config"
	internaldb "report-export/internal/db"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("warning: could not load .env: %v", err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Open SQLite metastore with hardened connection settings.
	// writeDB: single-connection pool for serialized writes (WAL + txlock=immediate).
	// readDB:  4-connection pool for concurrent reads (WAL, no txlock).
	writeDB, readDB, err := internaldb.OpenSQLitePair(cfg.MetaDBPath, 4)
	if err != nil {
		return err
	}
	defer writeDB.Close() //nolint:errcheck
	defer readDB.Close()  //nolint:errcheck

	if err := internaldb.RunMigrations(ctx, writeDB, logger); err != nil {
		return err
	}

	// The reporting schema ships with the metastore migrations, so by default
	// the row source reads the metastore's read pool.
	shared := cfg.AnalyticsDriver == "sqlite3" && cfg.AnalyticsDSN == cfg.MetaDBPath
	analytics := readDB
	if !shared {
		analytics, err = internaldb.OpenAnalytics(cfg.AnalyticsDriver, cfg.AnalyticsDSN, cfg.Pipeline.Workers+2)
		if err != nil {
			return err
		}
		defer func(db *sql.DB) { _ = db.Close() }(analytics)
	}

	switch {
	case cfg.SeedDemo && !shared:
		logger.Warn("SEED_DEMO only seeds the metastore's reporting schema; skipping")
	case cfg.SeedDemo:
		if err := app.SeedDemo(ctx, writeDB, time.Now()); err != nil {
			return err
		}
		logger.Info("demo reporting data ready")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.New(ctx, app.Deps{
		Cfg:       cfg,
		WriteDB:   writeDB,
		ReadDB:    readDB,
		Analytics: analytics,
		Registry:  registry,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	logger.Info("report export server starting",
		"artifact_backend", cfg.Artifacts.Backend,
		"analytics_driver", cfg.AnalyticsDriver,
		"workers", cfg.Pipeline.Workers,
		"oidc", cfg.Auth.OIDCEnabled(),
		"health_check", "curl http://"+curlHostForListenAddr(cfg.ListenAddr)+"/healthz",
	)
	return a.Run(ctx)
}

// curlHostForListenAddr turns a listen address into a host:port a local
// client can dial. Wildcard hosts map to localhost.
func curlHostForListenAddr(listenAddr string) string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return "localhost:8080"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
