package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/centbook/centbook/internal/config"
	"github.com/centbook/centbook/internal/events/kafka"
	httpapi "github.com/centbook/centbook/internal/httpapi/v1"
	"github.com/centbook/centbook/internal/service/balance"
	"github.com/centbook/centbook/internal/service/posting"
	"github.com/centbook/centbook/internal/service/registry"
	"github.com/centbook/centbook/internal/storage/memory"
	pgstore "github.com/centbook/centbook/internal/storage/postgres"
)

// backend is the full storage surface the services are wired against. Both
// the memory and postgres stores satisfy it.
type backend interface {
	registry.Repo
	registry.Writer
	posting.Repo
	balance.Store
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(strings.TrimSpace(os.Getenv("CONFIG_PATH")))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	var store backend
	var closeFn func()
	if dsn := strings.TrimSpace(cfg.Database.URL); dsn != "" {
		pg, err := pgstore.Open(ctx, dsn)
		if err != nil {
			logger.Error("failed to connect to postgres", "err", err)
			os.Exit(1)
		}
		store = pg
		closeFn = pg.Close
		logger.Info("storage backend: postgres")
	} else {
		store = memory.New()
		logger.Info("storage backend: memory")
	}

	earliest, latest, err := cfg.DateWindow()
	if err != nil {
		logger.Error("bad date window", "err", err)
		os.Exit(1)
	}

	var pub posting.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		kp := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() { _ = kp.Close() }()
		pub = kp
		logger.Info("event publisher: kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	reg := registry.New(store, store)
	post := posting.New(store, store, reg, pub, posting.Limits{
		MaxAmountMinor: cfg.Limits.MaxAmountMinor,
		EarliestDate:   earliest,
		LatestDate:     latest,
	}, logger)
	engine := balance.NewEngine(store, logger)
	query := balance.NewQuery(store, engine, cfg.Query.InlineRecalcThreshold, logger)

	go sweepLoop(ctx, engine, cfg.Sweep.Interval.Std(), cfg.Sweep.BatchSize, logger)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.New(reg, post, engine, query, store, logger).Handler(),
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledger service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctxShutdown); err != nil {
			logger.Error("server shutdown error", "err", err)
		}
	case err := <-errCh:
		logger.Error("server error", "err", err)
	}
	if closeFn != nil {
		closeFn()
	}
}

// sweepLoop periodically repairs accounts with stale snapshot ranges. Each
// pass is bounded by batchSize; an interrupted pass resumes naturally on the
// next tick because invalid marks persist.
func sweepLoop(ctx context.Context, engine *balance.Engine, interval time.Duration, batchSize int, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.Sweep(ctx, batchSize)
			if err != nil && ctx.Err() == nil {
				logger.Error("sweep failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Debug("sweep pass complete", "accounts", n)
			}
		}
	}
}

// parseLogLevel maps config values to slog.Leveler
func parseLogLevel(s string) slog.Leveler {
	switch s {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "WARN", "WARNING", "warn", "warning":
		return slog.LevelWarn
	case "ERROR", "ERR", "error", "err":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildLogger(cfg config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Log.Level)
	if strings.ToLower(strings.TrimSpace(cfg.Log.Format)) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	// default to JSON
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
