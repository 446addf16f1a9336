// Standalone in-memory sync server for local development and testing.
// State is lost on exit; point real deployments at a persistent server.
//
// Usage: go run ./cmd/localsync-devserver --addr :8475
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpaulsen/localsync-go/internal/devserver"
)

const shutdownTimeout = 5 * time.Second

func main() {
	addr := flag.String("addr", ":8475", "listen address")
	pageSize := flag.Int("page-size", 0, "change feed page size (0 = default)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           devserver.New(*pageSize, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		srv.Shutdown(shutdownCtx) //nolint:errcheck // best-effort drain on shutdown
	}()

	logger.Info("devserver listening", slog.String("addr", *addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "devserver failed: %v\n", err)
		os.Exit(1)
	}
}
