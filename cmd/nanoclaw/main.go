// Command nanoclaw is the host: it ingests chat, sequences per-group
// queues, runs agent containers, and supervises worker runs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nanoclaw/nanoclaw"
	"github.com/nanoclaw/nanoclaw/channel/jsonl"
	"github.com/nanoclaw/nanoclaw/container"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/host"
	"github.com/nanoclaw/nanoclaw/observer"
	"github.com/nanoclaw/nanoclaw/store/postgres"
	"github.com/nanoclaw/nanoclaw/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("nanoclaw exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load(os.Getenv("NANOCLAW_CONFIG"))

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []host.Option{host.WithLogger(logger)}
	if cfg.Observer.Enabled {
		if cfg.Observer.Endpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
		}
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Error("observer shutdown", "err", err)
			}
		}()
		opts = append(opts, host.WithInstruments(inst))
	}

	engine, err := container.NewDockerEngine()
	if err != nil {
		return err
	}
	sem := container.NewSemaphore(cfg.Container.MaxConcurrent)
	runner := container.NewRunner(engine, sem, container.Config{
		NoOutputTimeout: time.Duration(cfg.Container.NoOutputTimeoutMS) * time.Millisecond,
		IdleTimeout:     time.Duration(cfg.Container.IdleTimeoutMS) * time.Millisecond,
		HardTimeout:     time.Duration(cfg.Container.HardTimeoutMS) * time.Millisecond,
	}, container.WithLogger(logger))

	channel := jsonl.New(os.Stdin, os.Stdout, jsonl.WithLogger(logger))

	h := host.New(store, channel, runner, cfg, opts...)
	logger.Info("nanoclaw starting",
		"groups", len(cfg.Groups),
		"driver", cfg.Database.Driver,
		"max_concurrent", cfg.Container.MaxConcurrent)
	return h.Start(ctx)
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (nanoclaw.Store, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres init: %w", err)
		}
		return st, pool.Close, nil
	default:
		st := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("sqlite init: %w", err)
		}
		return st, func() { st.Close() }, nil
	}
}
