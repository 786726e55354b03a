// FILE: loop.go
// Package main – Trading Loop (spec §4.9). Orchestrates the Cache, SAR
// engine, Risk Calculator, Circuit Breaker, Order Executor, and Position
// Monitor through one symbol's state machine:
// WAITING_FOR_SIGNAL -> OPENING -> MONITORING -> CLOSED, plus a
// SHUTTING_DOWN state entered on cancellation (spec §5 shutdown sequence).
package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// LoopState is the Trading Loop's state machine.
type LoopState string

const (
	StateWaitingForSignal LoopState = "WAITING_FOR_SIGNAL"
	StateOpening          LoopState = "OPENING"
	StateMonitoring       LoopState = "MONITORING"
	StateClosed           LoopState = "CLOSED"
	StateShuttingDown     LoopState = "SHUTTING_DOWN"
)

// LoopConfig names the instrument and risk parameters the loop trades with.
type LoopConfig struct {
	Symbol       string
	Timeframe    string
	RiskPercent  float64
	PollInterval time.Duration
	TickTTL      time.Duration
	RatesCount   int
	Intent       DesiredIntent
}

// TradingLoop drives one symbol end-to-end. The bridge only ever has one EA
// connection, so one TradingLoop per process matches the single-position
// design in spec §2.
type TradingLoop struct {
	cfg      LoopConfig
	cache    *Cache
	ledger   *Ledger
	breaker  *CircuitBreaker
	executor *Executor
	monitor  *Monitor
	sarCfg   SARParams
	log      zerolog.Logger

	state                LoopState
	position             Position
	originalRiskDistance float64
}

// NewTradingLoop wires every dependency the state machine needs.
func NewTradingLoop(cfg LoopConfig, sarCfg SARParams, cache *Cache, ledger *Ledger, breaker *CircuitBreaker, executor *Executor, monitor *Monitor, logger zerolog.Logger) *TradingLoop {
	return &TradingLoop{
		cfg:      cfg,
		cache:    cache,
		ledger:   ledger,
		breaker:  breaker,
		executor: executor,
		monitor:  monitor,
		sarCfg:   sarCfg,
		log:      logger.With().Str("component", "trading_loop").Str("symbol", cfg.Symbol).Logger(),
		state:    StateWaitingForSignal,
	}
}

// State returns the current state (for metrics/health checks).
func (t *TradingLoop) State() LoopState {
	return t.state
}

// Run blocks, stepping the state machine every cfg.PollInterval until ctx is
// canceled. On cancellation it attempts a graceful close of any open
// position before returning (spec §5).
func (t *TradingLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return t.shutdown()
		case <-ticker.C:
			if err := t.step(ctx); err != nil {
				t.log.Warn().Err(err).Str("state", string(t.state)).Msg("trading loop: step error")
			}
		}
	}
}

func (t *TradingLoop) step(ctx context.Context) error {
	now := time.Now()

	switch t.state {
	case StateWaitingForSignal:
		return t.stepWaiting(ctx, now)
	case StateOpening:
		// Opening is synchronous within stepWaiting; this branch exists so
		// an interrupted transition is visible in metrics rather than
		// silently reverting.
		t.state = StateWaitingForSignal
		return nil
	case StateMonitoring:
		return t.stepMonitoring(ctx, now)
	case StateClosed:
		t.state = StateWaitingForSignal
		return nil
	}
	return nil
}

func (t *TradingLoop) stepWaiting(ctx context.Context, now time.Time) error {
	if !t.cache.FreshWithin(t.cfg.TickTTL, now) {
		return ErrStaleTick
	}
	acct := t.cache.LatestAccount()
	tick := t.cache.LatestTick()
	if acct == nil || tick == nil {
		return ErrStaleTick
	}

	decision, err := t.breaker.Evaluate(now, acct.Balance)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return nil // paused; stay in WAITING_FOR_SIGNAL
	}

	bars, err := t.executor.FetchRates(ctx, t.cache, t.cfg.Symbol, t.cfg.Timeframe, t.cfg.RatesCount)
	if err != nil {
		return err
	}
	if len(bars) < 2 {
		return nil
	}
	_, sarState, err := ComputeSAR(bars, t.sarCfg)
	if err != nil {
		return err
	}
	signal := DecideSignal(sarState, t.cfg.Intent, func() time.Time { return now })
	if signal.Kind == SignalHold {
		return nil
	}

	side := SideBuy
	if signal.Kind == SignalSell {
		side = SideSell
	}
	entry := tick.Ask
	if side == SideSell {
		entry = tick.Bid
	}
	sl := sarState.SAR

	t.state = StateOpening
	plan, err := PlanEntry(side, acct.Balance, t.cfg.RiskPercent, entry, sl, *tick, *acct)
	if err != nil {
		t.state = StateWaitingForSignal
		t.log.Warn().Err(err).Msg("trading loop: risk plan rejected")
		return nil
	}

	pos, err := t.executor.Open(ctx, OpenOrderRequest{
		Side:    side,
		Volume:  plan.Volume,
		SL:      sl,
		TP:      plan.TP,
		Comment: "auto",
	}, *acct, now)
	if err != nil {
		t.state = StateWaitingForSignal
		return err
	}
	pos.Symbol = t.cfg.Symbol
	pos.ContractSize = tick.ContractSize
	pos.OpenTime = now
	t.position = pos
	t.originalRiskDistance = absDiff(entry, sl)
	t.state = StateMonitoring
	return nil
}

func (t *TradingLoop) stepMonitoring(ctx context.Context, now time.Time) error {
	mtxOpenPositionSeconds.Set(now.Sub(t.position.OpenTime).Seconds())

	if live, ok := t.cache.Position(t.position.Ticket); ok {
		t.position.CurrentPrice = live.CurrentPrice
	}

	outcome, err := t.monitor.Step(ctx, t.position, t.cfg.Symbol, t.cfg.Timeframe, t.originalRiskDistance, now)
	if err != nil {
		return err
	}
	if outcome.Modified {
		t.position.SL = outcome.NewSL
	}
	if outcome.Closed {
		realized := (t.position.CurrentPrice - t.position.OpenPrice) * t.position.Volume * t.position.ContractSize
		if t.position.Side == SideSell {
			realized = -realized
		}
		if outcome.CloseReason == ReasonTPHit || outcome.CloseReason == ReasonSLHit {
			// Broker-side close: the EA already settled the trade, so there
			// is no CLOSE command to send, only the ledger entry.
			if err := t.ledger.LogClose(t.position.Ticket, t.position.CurrentPrice, now, realized, outcome.CloseReason); err != nil {
				t.log.Error().Err(err).Int64("ticket", t.position.Ticket).Msg("trading loop: failed to log broker-side close")
			}
		}
		balance := 0.0
		if acct := t.cache.LatestAccount(); acct != nil {
			balance = acct.Balance
		}
		if _, err := t.breaker.OnClose(now, balance); err != nil {
			t.log.Error().Err(err).Msg("trading loop: breaker re-evaluation after close failed")
		}
		t.cache.RemovePosition(t.position.Ticket)
		t.position.Status = PositionClosed
		mtxOpenPositionSeconds.Set(0)
		t.state = StateClosed
	}
	return nil
}

// shutdown attempts to close any open position within a bounded window,
// marking it REQUIRES_MANUAL if the close cannot be confirmed (spec §5).
func (t *TradingLoop) shutdown() error {
	t.state = StateShuttingDown
	if t.position.Ticket == 0 || t.position.Status != PositionOpen {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	realized := (t.position.CurrentPrice - t.position.OpenPrice) * t.position.Volume * t.position.ContractSize
	if t.position.Side == SideSell {
		realized = -realized
	}
	err := t.executor.Close(ctx, t.position, time.Now(), realized, ReasonManual)
	if err != nil && !errors.Is(err, ErrCloseFailed) {
		// Close stopped on the deadline before its attempts ran out, so it
		// has not marked the record itself.
		if merr := t.ledger.MarkRequiresManual(t.position.Ticket, time.Now()); merr != nil {
			t.log.Error().Err(merr).Int64("ticket", t.position.Ticket).Msg("trading loop: failed to mark REQUIRES_MANUAL at shutdown")
		}
	}
	return err
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
