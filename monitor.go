// FILE: monitor.go
// Package main – Position Monitor (spec §4.8). Watches a single live
// position each cycle: recomputes SAR from the cached bars, trails the stop
// monotonically toward profit only, exits on trend reversal or an emergency stop-loss breach, and
// infers broker-side TP/SL hits when the EA stops reporting the ticket.
package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// MonitorConfig tunes the cadence and thresholds from spec §4.8.
type MonitorConfig struct {
	// RefreshInterval is not read by Step: Step recomputes SAR from whatever
	// bars the Cache holds and fetches no rates itself (the Trading Loop
	// fetches rates only while waiting for a signal).
	RefreshInterval   time.Duration
	MinModifyDistance float64 // in price units; avoids chattering MODIFY calls
}

// DefaultMonitorConfig returns the spec's defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		RefreshInterval:   5 * time.Second,
		MinModifyDistance: 0.0001,
	}
}

// Monitor owns the trailing-stop and exit logic for one open position at a
// time, matching the Trading Loop's single-symbol-at-a-time design (spec §2).
type Monitor struct {
	cfg      MonitorConfig
	cache    *Cache
	executor *Executor
	sarCfg   SARParams
	log      zerolog.Logger
}

// NewMonitor wires the dependencies the Trading Loop drives per cycle.
func NewMonitor(cfg MonitorConfig, sarCfg SARParams, cache *Cache, executor *Executor, logger zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		cache:    cache,
		executor: executor,
		sarCfg:   sarCfg,
		log:      logger.With().Str("component", "monitor").Logger(),
	}
}

// Outcome reports what the monitor decided this cycle.
type Outcome struct {
	Closed      bool
	CloseReason CloseReason
	NewSL       float64
	Modified    bool
}

// Step runs one monitoring cycle for pos using symbol's cached bars. It
// returns Outcome{Closed:true} when the executor has already closed the
// position (reversal/emergency) — the Trading Loop must not call Close again.
func (m *Monitor) Step(ctx context.Context, pos Position, symbol, timeframe string, originalRiskDistance float64, now time.Time) (Outcome, error) {
	tick := m.cache.LatestTick()
	if tick == nil {
		return Outcome{}, ErrStaleTick
	}

	if live, ok := m.cache.Position(pos.Ticket); ok {
		pos.CurrentPrice = live.CurrentPrice
		pos.UnrealizedPL = live.UnrealizedPL
	} else {
		// EA no longer reports this ticket: broker-side TP or SL closed it
		// (spec §4.8 step 4c). Infer which boundary was crossed from the
		// last known price.
		reason := ReasonTPHit
		if (pos.Side == SideBuy && tick.Bid <= pos.SL) || (pos.Side == SideSell && tick.Ask >= pos.SL) {
			reason = ReasonSLHit
		}
		m.log.Info().Int64("ticket", pos.Ticket).Str("reason", string(reason)).Msg("monitor: broker-side close inferred")
		return Outcome{Closed: true, CloseReason: reason}, nil
	}

	bars := m.cache.Bars(symbol, timeframe)
	if len(bars) < 2 {
		return Outcome{}, nil
	}
	_, sarState, err := ComputeSAR(bars, m.sarCfg)
	if err != nil {
		return Outcome{}, err
	}
	setSARTrend(symbol, sarState.Trend)

	// Trend reversal: SAR flips against the held side (spec §4.8 step 4a).
	if sarState.FlippedAtLast {
		if (pos.Side == SideBuy && sarState.Trend == TrendDown) || (pos.Side == SideSell && sarState.Trend == TrendUp) {
			return m.forceClose(ctx, pos, now, ReasonReversal)
		}
	}

	// Emergency stop-loss (spec §4.8 step 4b): price has crossed SL without
	// the EA reporting a close, e.g. a gapped market. Unconditional — no
	// buffer beyond the bare SL comparison.
	switch pos.Side {
	case SideBuy:
		if tick.Bid <= pos.SL {
			return m.forceClose(ctx, pos, now, ReasonEmergency)
		}
	case SideSell:
		if tick.Ask >= pos.SL {
			return m.forceClose(ctx, pos, now, ReasonEmergency)
		}
	}

	// Trailing stop: only ever tightens toward the market, never loosens.
	newSL := pos.SL
	switch pos.Side {
	case SideBuy:
		if sarState.SAR > pos.SL {
			newSL = sarState.SAR
		}
	case SideSell:
		if sarState.SAR < pos.SL || pos.SL == 0 {
			newSL = sarState.SAR
		}
	}

	dist := newSL - pos.SL
	if dist < 0 {
		dist = -dist
	}
	if newSL != pos.SL && dist >= m.cfg.MinModifyDistance {
		if err := m.executor.Modify(ctx, pos.Ticket, newSL, pos.TP); err != nil {
			m.log.Warn().Err(err).Int64("ticket", pos.Ticket).Msg("monitor: trailing stop modify failed")
			return Outcome{}, err
		}
		m.log.Info().Int64("ticket", pos.Ticket).Float64("new_sl", newSL).Msg("monitor: trailing stop advanced")
		return Outcome{NewSL: newSL, Modified: true}, nil
	}

	return Outcome{}, nil
}

func (m *Monitor) forceClose(ctx context.Context, pos Position, now time.Time, reason CloseReason) (Outcome, error) {
	realized := (pos.CurrentPrice - pos.OpenPrice) * pos.Volume * pos.ContractSize
	if pos.Side == SideSell {
		realized = -realized
	}
	if err := m.executor.Close(ctx, pos, now, realized, reason); err != nil {
		return Outcome{}, err
	}
	return Outcome{Closed: true, CloseReason: reason}, nil
}
