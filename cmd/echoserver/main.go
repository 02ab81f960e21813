// echoserver is a local peer for dashlink. Every text frame a client sends is
// re-broadcast to all connected clients, and a "heartbeat" envelope goes out
// on a fixed interval.
//
// Usage: go run ./cmd/echoserver --addr :8081
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	addr := flag.String("addr", ":8081", "listen address")
	path := flag.String("path", "/ws", "websocket path")
	heartbeat := flag.Duration("heartbeat", 5*time.Second, "heartbeat interval (0 disables)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	hub := newHub(logger)

	mux := http.NewServeMux()
	mux.Handle(*path, hub)

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("echo server listening", "addr", *addr, "path", *path)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if *heartbeat > 0 {
		g.Go(func() error {
			hub.heartbeatLoop(gctx, *heartbeat)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		hub.closeAll()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("echo server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("echo server stopped")
}
