// dashlink keeps one WebSocket connection to a dashboard backend open, logs
// (and optionally journals) the configured message types, and sends lines
// read from stdin as envelopes.
//
// Usage: go run ./cmd/dashlink --config configs/dashlink.yaml
//
// Each stdin line is "<type> <json-payload>", for example:
//
//	filters.changed {"range":"7d"}
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/dashlink/internal/config"
	"github.com/rickgao/dashlink/internal/connection"
	"github.com/rickgao/dashlink/internal/database"
	"github.com/rickgao/dashlink/internal/dispatch"
	"github.com/rickgao/dashlink/internal/journal"
	"github.com/rickgao/dashlink/internal/metrics"
	"github.com/rickgao/dashlink/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/dashlink.yaml", "path to config file")
	urlOverride := flag.String("url", "", "override connection.url")
	flag.Parse()

	// Bootstrap logger until the configured one is available
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *urlOverride != "" {
		cfg.Connection.URL = *urlOverride
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	configured, err := cfg.Log.NewLogger(os.Stdout)
	if err != nil {
		logger.Error("failed to build logger", "error", err)
		os.Exit(1)
	}
	logger = configured.With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting dashlink",
		"version", version.String(),
		"config", *configPath,
		"url", cfg.Connection.URL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dashlink stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("dashlink stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.New()
	registry := dispatch.NewRegistry(logger, m)

	for _, msgType := range cfg.Subscriptions {
		registry.Subscribe(msgType, logHandler(logger, msgType))
	}

	var (
		pool *pgxpool.Pool
		jrnl *journal.Journal
	)
	if cfg.Journal.Enabled {
		db := cfg.Journal.Database
		logger.Info("connecting to journal database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)

		var err error
		pool, err = database.Connect(ctx, db)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()

		jrnl = journal.New(journal.Config{
			Table:         cfg.Journal.Table,
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, logger, m)

		if err := jrnl.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := jrnl.Start(ctx); err != nil {
			return err
		}
		jrnl.Subscribe(registry, cfg.Subscriptions...)
	}

	client := connection.NewClient(registry,
		connection.WithLogger(logger),
		connection.WithMetrics(m),
	)

	healthPort := cfg.Metrics.Port
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", healthPort),
		Handler:           newHealthHandler(client, poolPinger(pool), jrnl, m, cfg.Metrics.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server",
			"port", healthPort,
			"metrics_path", cfg.Metrics.Path,
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return watchErrors(gctx, client, logger)
	})

	g.Go(func() error {
		f := client.Connect(cfg.Connection.ToClientConfig())
		if err := f.Wait(gctx); err != nil {
			if gctx.Err() == nil {
				logger.Warn("initial connect failed, waiting for reconnect", "error", err)
			}
			return nil
		}
		logger.Info("dashlink running",
			"subscriptions", cfg.Subscriptions,
			"health_url", fmt.Sprintf("http://localhost:%d/health", healthPort),
		)
		return nil
	})

	// Stdin cannot be interrupted, so the reader lives outside the group.
	go readCommands(gctx, os.Stdin, client, logger)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		client.Close()
		if jrnl != nil {
			if err := jrnl.Stop(shutdownCtx); err != nil {
				logger.Warn("journal final flush failed", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// watchErrors logs client errors until ctx ends. Reconnect exhaustion ends
// the process since the client will not try again by itself.
func watchErrors(ctx context.Context, client *connection.Client, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-client.Errors():
			if errors.Is(err, connection.ErrReconnectExhausted) {
				return err
			}
			logger.Debug("connection error", "error", err)
		}
	}
}

// logHandler logs every payload of msgType.
func logHandler(logger *slog.Logger, msgType string) dispatch.Handler {
	return dispatch.Func(func(payload json.RawMessage) error {
		logger.Info("message received",
			"type", msgType,
			"payload", string(payload),
		)
		return nil
	})
}
