// linkd keeps one authenticated WebSocket link open and exposes it over a
// small HTTP control API.
//
// Usage: linkd --config configs/linkd.example.yaml
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

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/wslink/internal/auth"
	"github.com/rickgao/wslink/internal/config"
	"github.com/rickgao/wslink/internal/connection"
	"github.com/rickgao/wslink/internal/database"
	"github.com/rickgao/wslink/internal/journal"
	"github.com/rickgao/wslink/internal/notify"
	"github.com/rickgao/wslink/internal/version"
)

const noticeHistory = 50

func main() {
	configPath := flag.String("config", "configs/linkd.example.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("linkd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log).With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting linkd",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"url", cfg.Server.URL,
	)

	// Create context with cancellation
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

	token := cfg.Auth.Token
	if cfg.Auth.TokenFile != "" {
		token, err = auth.LoadToken(cfg.Auth.TokenFile)
		if err != nil {
			return err
		}
	}
	session := auth.NewSession(token)
	if token == "" {
		logger.Info("no initial token, waiting for PUT /token")
	}

	notices := notify.NewRecorder(noticeHistory)
	mgr := connection.NewManager(cfg.ToManagerConfig(), session, notify.Multi{notify.NewLogger(logger), notices}, logger)

	mgr.WatchStatus(func(c connection.StatusChange) {
		logger.Info("link status changed",
			"from", c.From.String(),
			"to", c.To.String(),
			"attempt", c.Attempt,
			"reason", c.Reason,
		)
	})

	srv := &api{
		mgr:         mgr,
		session:     session,
		notices:     notices,
		sendTimeout: cfg.HTTP.SendTimeout,
		logger:      logger.With("component", "api"),
	}

	if cfg.Journal.Enabled {
		logger.Info("connecting to journal database",
			"host", cfg.Journal.Database.Host,
			"port", cfg.Journal.Database.Port,
			"database", cfg.Journal.Database.Name,
		)

		pool, err := database.ConnectWithRetry(ctx, cfg.Journal.Database, 30*time.Second, logger)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()

		if err := journal.EnsureTable(ctx, pool, cfg.Journal.Table); err != nil {
			return err
		}

		j := journal.New(journal.Config{
			Table:         cfg.Journal.Table,
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, logger)
		if err := j.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer stopCancel()
			j.Stop(stopCtx)
		}()
		j.Attach(mgr)

		srv.journal = j
		srv.db = pool
	}

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		mgr.Stop(stopCtx)
	}()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("linkd stopped")
	return err
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
