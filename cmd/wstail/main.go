// wstail opens a managed link and prints every inbound envelope.
// Usage: go run ./cmd/wstail --url wss://example.com/ws --type chat,alert
//
// The token is read from --token or the WSLINK_TOKEN environment variable.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/wslink/internal/auth"
	"github.com/rickgao/wslink/internal/connection"
	"github.com/rickgao/wslink/internal/notify"
	"github.com/rickgao/wslink/internal/router"
)

func main() {
	wsURL := flag.String("url", "", "WebSocket URL")
	token := flag.String("token", os.Getenv("WSLINK_TOKEN"), "auth token")
	tokenParam := flag.String("token-param", "token", "query parameter carrying the token")
	types := flag.String("type", "", "comma separated message types to print (default all)")
	verbose := flag.Bool("verbose", false, "print indented payloads")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if *wsURL == "" || *token == "" {
		logger.Error("both --url and a token are required")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	cfg := connection.DefaultManagerConfig()
	cfg.URL = *wsURL
	cfg.TokenParam = *tokenParam

	// Giving up on the link ends the tail.
	notifier := notify.Funcs{OnWarn: printNotice("!"), OnError: func(msg string) {
		printNotice("!!")(msg)
		cancel()
	}}

	mgr := connection.NewManager(cfg, auth.NewSession(*token), notifier, logger)

	mgr.WatchStatus(func(c connection.StatusChange) {
		logger.Info("status", "from", c.From.String(), "to", c.To.String(), "attempt", c.Attempt, "reason", c.Reason)
	})

	if *types == "" {
		mgr.SubscribeAll(func(env router.Envelope) { printEnvelope(env, *verbose) })
	} else {
		for _, typ := range strings.Split(*types, ",") {
			typ = strings.TrimSpace(typ)
			if typ == "" {
				continue
			}
			mgr.Subscribe(typ, func(payload json.RawMessage) {
				printEnvelope(router.Envelope{Type: typ, Data: payload, ReceivedAt: time.Now()}, *verbose)
			})
		}
	}

	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start connection manager", "error", err)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := mgr.Stats()
				logger.Info("stats",
					"state", stats.State.String(),
					"received", stats.Received,
					"malformed", stats.Malformed,
					"dials", stats.Dials,
					"pongs", stats.Pongs,
					"timeouts", stats.Timeouts,
				)
			}
		}
	}()

	logger.Info("tailing - press Ctrl+C to stop", "url", *wsURL)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mgr.Stop(shutdownCtx)

	logger.Info("shutdown complete")
}

func printEnvelope(env router.Envelope, verbose bool) {
	ts := env.ReceivedAt.Format("15:04:05.000")
	if !verbose || len(env.Data) == 0 {
		fmt.Printf("%s [%s] %s\n", ts, env.Type, env.Data)
		return
	}

	var v any
	if err := json.Unmarshal(env.Data, &v); err != nil {
		fmt.Printf("%s [%s] %s\n", ts, env.Type, env.Data)
		return
	}
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Printf("%s [%s]\n%s\n", ts, env.Type, data)
}

func printNotice(prefix string) func(string) {
	return func(msg string) {
		fmt.Fprintf(os.Stderr, "%s %s\n", prefix, msg)
	}
}
