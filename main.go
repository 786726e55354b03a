// FILE: main.go
// Package main – Program entrypoint.
//
// Boot sequence:
//   1) LoadConfig()        – .env + YAML + env var overrides, validated
//   2) NewLogger()         – zerolog, console or JSON depending on config
//   3) wire Cache/Ledger/Notifier/CircuitBreaker/BridgeServer/Executor/Monitor/TradingLoop
//   4) start the Bridge Server TCP listener in the background
//   5) start the /metrics and /healthz HTTP server
//   6) run the Trading Loop until SIGINT/SIGTERM
//   7) on shutdown, attempt to close any open position within 15s
//
// Exit codes:
//   0 - clean shutdown, no open positions left REQUIRES_MANUAL
//   1 - configuration error
//   2 - unrecoverable bridge/listener failure
//   3 - shutdown completed but a position was left REQUIRES_MANUAL
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	os.Exit(run())
}

func run() int {
	settings, err := LoadConfig()
	if err != nil {
		// Logger isn't built yet; a config error is always fatal-at-startup,
		// so stderr is all we have (spec's ambient logging stack applies
		// once a Settings value exists, not before).
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		return 1
	}

	log := NewLogger(settings)
	log.Info().Str("symbol", settings.Symbol).Str("listen", settings.ListenAddr).Msg("goldbridge: starting")

	if err := os.MkdirAll(settings.LogsDir, 0o755); err != nil {
		log.Error().Err(err).Msg("goldbridge: cannot create logs dir")
		return 1
	}

	cache := NewCache()
	notifier := NewNotifier()
	loggingEvents := notifier.Subscribe(16)
	go LoggingSubscriber(loggingEvents, log)

	ledger, err := NewLedger(settings.LogsDir, log)
	if err != nil {
		log.Error().Err(err).Msg("goldbridge: ledger init failed")
		return 1
	}

	breakerCfg := DefaultBreakerConfig()
	breakerCfg.DailyLossMaxPct = settings.DailyLossMaxPct
	breakerCfg.DailyLossMaxDollars = settings.DailyLossMaxDollars
	breaker, err := NewCircuitBreaker(settings.LogsDir, breakerCfg, ledger, notifier, log)
	if err != nil {
		log.Error().Err(err).Msg("goldbridge: circuit breaker init failed")
		return 1
	}

	bridgeCfg := DefaultBridgeConfig(settings.ListenAddr)
	bridgeCfg.HeartbeatTimeout = settings.HeartbeatTimeout
	bridgeCfg.DegradedTimeout = settings.DegradedTimeout
	bridgeCfg.CommandTimeout = settings.CommandTimeout
	bridge := NewBridgeServer(bridgeCfg, cache, notifier, log)

	executorCfg := DefaultExecutorConfig()
	executorCfg.CloseBackoffBase = settings.CloseBackoffBase
	executorCfg.CloseBackoffMax = settings.CloseBackoffMax
	executorCfg.CloseMaxAttempts = settings.CloseMaxAttempts
	executor := NewExecutor(executorCfg, bridge, ledger, notifier, log)

	sarParams := SARParams{AccelStart: settings.SARAccelStart, AccelMax: settings.SARAccelMax}
	monitor := NewMonitor(DefaultMonitorConfig(), sarParams, cache, executor, log)

	loopCfg := LoopConfig{
		Symbol:       settings.Symbol,
		Timeframe:    settings.Timeframe,
		RiskPercent:  settings.RiskPercent,
		PollInterval: settings.PollInterval,
		TickTTL:      settings.TickTTL,
		RatesCount:   settings.RatesCount,
		Intent:       settings.Intent,
	}
	loop := NewTradingLoop(loopCfg, sarParams, cache, ledger, breaker, executor, monitor, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridgeErrCh := make(chan error, 1)
	go func() {
		bridgeErrCh <- bridge.Serve(ctx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	httpSrv := &http.Server{Addr: settings.MetricsAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("goldbridge: metrics server failed")
		}
	}()

	go reportMetricsLoop(ctx, loop, bridge, ledger, log)

	loopErrCh := make(chan error, 1)
	go func() {
		loopErrCh <- loop.Run(ctx)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info().Msg("goldbridge: shutdown signal received")
		<-loopErrCh
	case err := <-bridgeErrCh:
		if err != nil {
			log.Error().Err(err).Msg("goldbridge: bridge failed, shutting down")
			exitCode = 2
		}
		stop()
		<-loopErrCh
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if exitCode == 0 {
		today := time.Now()
		manual, err := ledger.ListRequiresManual(today)
		if err == nil && len(manual) > 0 {
			exitCode = 3
		}
	}

	log.Info().Int("exit_code", exitCode).Msg("goldbridge: stopped")
	return exitCode
}

func reportMetricsLoop(ctx context.Context, loop *TradingLoop, bridge *BridgeServer, ledger *Ledger, log zerolog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			setLoopState(loop.State())
			setBridgeState(bridge.State())
			agg, err := ledger.DailyAggregate(time.Now())
			if err == nil {
				mtxLedgerDailyPL.Set(agg.TotalRealizedPL)
			}
		}
	}
}
