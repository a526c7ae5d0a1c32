// Wolfinch — an automated candle-driven trading bot for cryptocurrency
// exchanges, running indicator-based strategies over live market data.
//
// Architecture:
//
//	main.go             — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/engine.go    — supervisor: builds one worker per (venue, product), heartbeat, drain
//	engine/market.go    — per-market worker: candles → indicators → strategy → risk → orders
//	strategy/           — signal generators (EMA/RSI crossover, trend filter, supertrend)
//	indicator/          — incremental SMA/EMA/RSI/ATR/ADX engine over closed candles
//	exchange/           — venue adapters: binance REST+WebSocket, CSV/random-walk paper venue
//	risk/               — pre-trade gate: daily loss, position caps, block latch, kill switch
//	store/              — two-tier candle store: redis hot cache over InfluxDB history
//	sink/               — event fan-out: kafka bus, postgres audit, time-series, Prometheus
//	api/                — operator REST + WebSocket: health, markets, positions, P&L, stream
//
// How it trades:
//
//	Each market worker folds venue ticks into interval candles. Every closed
//	candle updates the indicator engine and asks the strategy for a signal in
//	[-3, +3]. Non-zero signals become market orders sized by |signal| × base
//	lots, subject to the risk gate. Fills stream back through the same worker,
//	which tracks the position, realizes P&L on round trips, and publishes
//	every step to the event sinks.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"wolfinch/internal/api"
	"wolfinch/internal/config"
	"wolfinch/internal/engine"
	"wolfinch/internal/exchange"
	"wolfinch/internal/risk"
	"wolfinch/internal/sink"
	"wolfinch/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "configs/wolfinch.yaml", "root config file")
		primary = flag.String("primary", "", "venue that executes orders (default: first configured exchange)")
		paper   = flag.Bool("paper", false, "force simulated trading on every venue")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if *paper {
		cfg.Simulate = true
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	metrics := sink.NewMetrics()
	st := store.Open(cfg.CacheDB, metrics, logger)

	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()

	// Event sinks, in delivery order. The metrics target goes last so its
	// counters reflect what every other sink was offered.
	var targets []sink.Target
	if pw := st.PointWriter(); pw != nil {
		targets = append(targets, sink.NewTimeSeries(pw, metrics, logger))
	}
	var bus *sink.Bus
	if cfg.Sinks.Kafka.Enabled {
		bus, err = sink.NewBus(cfg.Sinks.Kafka, metrics, logger)
		if err != nil {
			logger.Error("failed to connect kafka sink", "error", err)
			os.Exit(1)
		}
		targets = append(targets, bus)
	}
	var audit *sink.Audit
	if cfg.Sinks.Audit.Enabled {
		audit, err = sink.NewAudit(sinkCtx, cfg.Sinks.Audit, metrics, logger)
		if err != nil {
			logger.Error("failed to open audit log", "error", err)
			os.Exit(1)
		}
		targets = append(targets, audit)
	}
	targets = append(targets, sink.NewMetricsTarget(metrics))

	fanout := sink.NewFanout(metrics, logger, targets...)
	fanoutDone := make(chan struct{})
	go func() {
		defer close(fanoutDone)
		fanout.Run(sinkCtx)
	}()

	gate, err := risk.NewGate(cfg.Risk, logger)
	if err != nil {
		logger.Error("failed to build risk gate", "error", err)
		os.Exit(1)
	}

	// One adapter per configured exchange. Exactly one venue is primary
	// (places orders); the rest only contribute market data.
	adapters := make([]exchange.Adapter, 0, len(cfg.Exchanges))
	for i, ex := range cfg.Exchanges {
		isPrimary := ex.Name == *primary || (*primary == "" && i == 0)
		adapter, err := exchange.New(ex, isPrimary, cfg.Simulate, metrics, logger)
		if err != nil {
			logger.Error("failed to build exchange adapter", "exchange", ex.Name, "error", err)
			os.Exit(1)
		}
		adapters = append(adapters, adapter)
	}

	eng, err := engine.New(*cfg, adapters, gate, st, fanout, metrics, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	// Start operator API if enabled
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, eng, eng.Events(), metrics.Handler(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("operator API failed", "error", err)
			}
		}()
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Simulate {
		logger.Warn("paper trading mode: no live orders will be placed")
	}
	logger.Info("wolfinch started",
		"exchanges", len(cfg.Exchanges),
		"markets", len(eng.Markets()),
		"simulate", cfg.Simulate,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Ordered stop: API first so readers see the drain, then the engine
	// (flushes its last events into the fan-out), then sinks, then storage.
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop operator API", "error", err)
		}
	}
	eng.Stop()

	stopSinks()
	<-fanoutDone
	if bus != nil {
		if err := bus.Close(); err != nil {
			logger.Error("failed to close kafka sink", "error", err)
		}
	}
	if audit != nil {
		audit.Close()
	}
	st.Close()

	logger.Info("wolfinch stopped")
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
