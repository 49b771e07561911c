// Command memoir-dialog serves realtime voice dialogues between end users and
// the recorder persona over websockets.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/room4-2/memoir-dialog/config"
	"github.com/room4-2/memoir-dialog/observe"
	"github.com/room4-2/memoir-dialog/server"
	"github.com/room4-2/memoir-dialog/session"
	"github.com/room4-2/memoir-dialog/store"
)

const (
	serviceName     = "memoir-dialog"
	serviceVersion  = "0.3.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, serviceName, serviceVersion)
	if err != nil {
		slog.Error("failed to init metrics", "error", err)
		return 1
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			slog.Warn("metrics shutdown error", "error", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	managerOpts := []session.ManagerOption{
		session.WithLogger(logger),
		session.WithMetrics(metrics),
	}
	var serverOpts []server.Option
	serverOpts = append(serverOpts, server.WithLogger(logger))

	if cfg.DatabaseURL != "" {
		st, err := store.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open store", "error", err)
			return 1
		}
		defer st.Close()

		managerOpts = append(managerOpts,
			session.WithPersister(st),
			session.WithProfileLookup(st),
			session.WithGreetingPool(st),
		)
		serverOpts = append(serverOpts, server.WithDatabase(st))
	} else {
		slog.Warn("DATABASE_URL not set, utterances are not persisted")
	}

	sessionManager := session.NewManager(cfg, managerOpts...)
	srv := server.NewServerWebsocket(cfg, sessionManager, serverOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		sessionManager.StartCleanupRoutine(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "error", err)
		return 1
	}
	slog.Info("server stopped")
	return 0
}
