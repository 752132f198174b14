// Kraken LLM trading bot — an event-driven spot trading bot that asks an
// external language model for trade decisions.
//
// Architecture:
//
//	main.go                  — entry point: flags, config, logger, lifecycle
//	engine/engine.go         — orchestrator: wires gateway → features → events → decision → execution
//	kraken/client.go         — signed REST client (OHLC, balances, orders, WS token)
//	kraken/ws.go             — WebSocket v2 manager (ohlc/book/executions) with auto-reconnect
//	market/book.go           — local L2 order book mirror with book-derived features
//	features/builder.go      — multi-timeframe indicator snapshots (SMA/RSI/MACD/ATR/...)
//	events/engine.go         — debounced trigger engine: decides when the model is consulted
//	decision/adapter.go      — LLM wrapper: prompt building, strict-JSON normalisation, HOLD fallback
//	exec/engine.go           — execution: sizing, rounding, order submit, risk ledger, cooldowns
//	decisionlog/csv.go       — append-only CSV audit of every decision
//	api/server.go            — optional read-only JSON status endpoint
//
// How it trades:
//
//	Closed candles and price spikes wake the event engine. When a trigger
//	fires, a full feature snapshot (indicators across 1m..1d, order book,
//	higher-timeframe anchors, regime labels) is serialised into a prompt
//	and sent to the model. The model answers with a strict-JSON action
//	(OPEN_LONG, TRIM, CLOSE_ALL, ...) which the execution engine bounds
//	by hard risk limits before any order reaches the exchange.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"krakenbot/internal/api"
	"krakenbot/internal/config"
	"krakenbot/internal/engine"
)

func main() {
	var (
		flagConfig = pflag.String("config", "", "path to config file (default configs/config.yaml)")
		flagPair   = pflag.String("pair", "", "trading pair, e.g. DOGE/USD")
		flagRisk   = pflag.Float64("risk", 0, "per-trade risk percent override (0 < r <= 100)")
		flagPort   = pflag.Int("port", 0, "enable the status server on this port")
		flagDryRun = pflag.Bool("dry-run", false, "log orders instead of sending them")
	)
	pflag.Parse()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KRAKENBOT_CONFIG"); p != "" {
		cfgPath = p
	}
	if *flagConfig != "" {
		cfgPath = *flagConfig
	}

	var cfg *config.Config
	if _, err := os.Stat(cfgPath); err == nil {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			slog.Error("failed to load config", "error", err, "path", cfgPath)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	// flags win over file and environment
	if *flagPair != "" {
		cfg.Pair = *flagPair
	}
	if *flagRisk > 0 {
		cfg.Risk.MaxTradeRiskPct = *flagRisk
	}
	if *flagPort > 0 {
		cfg.Status.Enabled = true
		cfg.Status.Port = *flagPort
	}
	if *flagDryRun {
		cfg.DryRun = true
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, nil, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var statusServer *api.Server
	if cfg.Status.Enabled {
		statusServer = api.NewServer(cfg.Status, eng, logger)
		go func() {
			if err := statusServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Status.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("kraken bot started",
		"pair", cfg.Pair,
		"max_trade_risk_pct", cfg.Risk.MaxTradeRiskPct,
		"max_total_risk_pct", cfg.Risk.MaxTotalRiskPct,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if statusServer != nil {
		if err := statusServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}

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
