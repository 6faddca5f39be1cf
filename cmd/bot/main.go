// KIS Trading Bot — an automated intraday trading bot for the Korean
// equity market over the Korea Investment & Securities open API.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires scheduler → discovery → pipeline → signals → orders
//	broker/client.go      — REST client (quotes, rankings, orders, balance) with rate limiting
//	broker/ws.go          — realtime WebSocket: ticks, depth, encrypted execution notices
//	subscription/         — allocates the broker's limited realtime subscription slots
//	pipeline/             — hybrid data feed: realtime tiers over WS, lower tiers REST-polled
//	discovery/            — ranking screens that surface gap/volume/momentum candidates
//	signal/               — per-strategy signal predicates with disparity gating and dedup
//	executor/             — sizing, tick-grid limit pricing, order submission
//	execution/            — fill matching (direct and temporary-id) and pending-order expiry
//	position/             — position state, volatility-derived exits, auto-sell emission
//	journal/              — append-only JSONL streams (signals, attempts, market snapshots)
//
// How it trades:
//
//	The scheduler partitions the trading day into slots, each weighting a
//	set of entry strategies. Before a slot opens, discovery screens the
//	broker's rankings and the best candidates get realtime data; ticks
//	drive the signal engine, sized buy orders follow, and the position
//	manager watches every holding with volatility-scaled stops, takes,
//	and trailing rules until it sells.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"stockbot/internal/config"
	"stockbot/internal/engine"
	"stockbot/internal/metrics"
)

func main() {
	// Credentials commonly live in .env during development; absence is fine.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KIS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(fmt.Sprintf(":%d", cfg.Metrics.Port)); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics endpoint up", "port", cfg.Metrics.Port)
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("trading bot started",
		"paper", cfg.Broker.Paper,
		"account", cfg.Broker.AccountNo,
		"max_subscriptions", cfg.Pipeline.MaxSubscriptions,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
