// FILE: breaker.go
// Package main – Circuit Breaker (spec §4.4, §8, and the Open Questions in
// §9: trade-log-sum-anchored daily loss, 3h/5h/5h tier durations).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerConfig holds the thresholds and durations from spec §4.4/§6.
type BreakerConfig struct {
	DailyLossEnabled       bool
	DailyLossMaxPct        float64
	DailyLossMaxDollars    float64
	DailyLossUsePercentage bool

	ConsecutiveTier1Threshold int
	ConsecutiveTier1Pause     time.Duration
	ConsecutiveTier2Threshold int
	ConsecutiveTier2Pause     time.Duration

	RollingWindow    int
	RollingLossRate  float64
	RollingPause     time.Duration
}

// DefaultBreakerConfig returns the spec's defaults (5/8 losses, 3h/5h tiers,
// 10-trade rolling window at 70% loss rate -> 5h pause).
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		DailyLossEnabled:          true,
		DailyLossMaxPct:           10.0,
		DailyLossMaxDollars:       0,
		DailyLossUsePercentage:    true,
		ConsecutiveTier1Threshold: 5,
		ConsecutiveTier1Pause:     3 * time.Hour,
		ConsecutiveTier2Threshold: 8,
		ConsecutiveTier2Pause:     5 * time.Hour,
		RollingWindow:             10,
		RollingLossRate:           0.7,
		RollingPause:              5 * time.Hour,
	}
}

// CircuitBreaker gates every intended open and re-evaluates after every close
// and at startup, per spec §4.4.
type CircuitBreaker struct {
	mu        sync.Mutex
	statePath string
	cfg       BreakerConfig
	ledger    *Ledger
	notifier  *Notifier
	log       zerolog.Logger

	state CircuitBreakerState
}

// NewCircuitBreaker loads (or initializes) persisted state from
// <logsDir>/circuit_breaker_state.json.
func NewCircuitBreaker(logsDir string, cfg BreakerConfig, ledger *Ledger, notifier *Notifier, logger zerolog.Logger) (*CircuitBreaker, error) {
	cb := &CircuitBreaker{
		statePath: filepath.Join(logsDir, "circuit_breaker_state.json"),
		cfg:       cfg,
		ledger:    ledger,
		notifier:  notifier,
		log:       logger.With().Str("component", "circuit_breaker").Logger(),
	}
	if err := cb.load(); err != nil {
		return nil, err
	}
	return cb, nil
}

func (cb *CircuitBreaker) load() error {
	b, err := os.ReadFile(cb.statePath)
	if os.IsNotExist(err) {
		cb.state = CircuitBreakerState{LastResetDate: ""}
		return nil
	}
	if err != nil {
		return fmt.Errorf("breaker: read state: %w", err)
	}
	var s CircuitBreakerState
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("breaker: decode state: %w", err)
	}
	cb.state = s
	return nil
}

// persistLocked rewrites the state file atomically. Caller must hold cb.mu.
func (cb *CircuitBreaker) persistLocked() error {
	dir := filepath.Dir(cb.statePath)
	tmp, err := os.CreateTemp(dir, ".breaker_*.tmp")
	if err != nil {
		return fmt.Errorf("breaker: tempfile: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cb.state); err != nil {
		tmp.Close()
		return fmt.Errorf("breaker: encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("breaker: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("breaker: close: %w", err)
	}
	return os.Rename(tmpName, cb.statePath)
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluate runs the gates in order (spec §4.4); first trip wins. now and
// currentBalance come from the caller so tests can control time and the
// fallback anchor deterministically.
func (cb *CircuitBreaker) Evaluate(now time.Time, currentBalance float64) (Decision, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	today := now.Format("2006-01-02")

	// Gate 1: daily rollover.
	if cb.state.LastResetDate != today {
		cb.state.IsPaused = false
		cb.state.PauseReason = ""
		cb.state.PauseEndTime = time.Time{}
		cb.state.ConsecutiveLosses = 0
		cb.state.LastResetDate = today
		if err := cb.persistLocked(); err != nil {
			return Decision{}, err
		}
	}

	// Gate 2: active pause.
	if cb.state.IsPaused && now.Before(cb.state.PauseEndTime) {
		return Decision{Allowed: false, Reason: cb.state.PauseReason}, nil
	}
	if cb.state.IsPaused && !now.Before(cb.state.PauseEndTime) {
		cb.state.IsPaused = false
		cb.state.PauseReason = ""
		if err := cb.persistLocked(); err != nil {
			return Decision{}, err
		}
	}

	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	agg, err := cb.ledger.DailyAggregate(todayStart)
	if err != nil {
		return Decision{}, err
	}

	// Gate 3: daily loss limit. protection.daily_loss_limit.enabled governs
	// only this gate (spec §4.4) — the consecutive-loss and rolling-loss-rate
	// gates below always run.
	if cb.cfg.DailyLossEnabled {
		anchor, ok, err := cb.ledger.FirstTradeBalance(todayStart)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			anchor = currentBalance
		}
		if agg.TotalRealizedPL < 0 {
			limit := cb.cfg.DailyLossMaxDollars
			if cb.cfg.DailyLossUsePercentage {
				pctLimit := anchor * cb.cfg.DailyLossMaxPct / 100.0
				if pctLimit > limit {
					limit = pctLimit
				}
			}
			if -agg.TotalRealizedPL >= limit && limit > 0 {
				return cb.tripLocked(now, "daily loss limit", nextLocalMidnight(now))
			}
		}
	}

	// Recompute consecutive losses from the end of today's closed records.
	cb.state.ConsecutiveLosses = agg.ConsecutiveLossesFromEnd

	// Gate 4/5: consecutive-loss tiers. The tier-2 branch would start from a
	// still-active pause end, but gate 2 has already returned whenever a
	// pause is active, so the tier-2 pause always runs from now and is not
	// added on top of a remaining tier-1 pause.
	if cb.state.ConsecutiveLosses >= cb.cfg.ConsecutiveTier2Threshold {
		base := now
		if cb.state.IsPaused && cb.state.PauseEndTime.After(now) {
			base = cb.state.PauseEndTime
		}
		return cb.tripLocked(now, "consecutive losses tier 2", base.Add(cb.cfg.ConsecutiveTier2Pause))
	}
	if cb.state.ConsecutiveLosses >= cb.cfg.ConsecutiveTier1Threshold {
		return cb.tripLocked(now, "consecutive losses tier 1", now.Add(cb.cfg.ConsecutiveTier1Pause))
	}

	// Gate 6: rolling loss rate over the last N closed trades.
	if cb.cfg.RollingWindow > 0 && len(agg.LastNResults) >= cb.cfg.RollingWindow {
		window := agg.LastNResults[len(agg.LastNResults)-cb.cfg.RollingWindow:]
		losses := 0
		for _, pl := range window {
			if pl < 0 {
				losses++
			}
		}
		if float64(losses)/float64(cb.cfg.RollingWindow) >= cb.cfg.RollingLossRate {
			return cb.tripLocked(now, "rolling loss rate", now.Add(cb.cfg.RollingPause))
		}
	}

	if err := cb.persistLocked(); err != nil {
		return Decision{}, err
	}

	return Decision{Allowed: true}, nil
}

func (cb *CircuitBreaker) tripLocked(now time.Time, reason string, until time.Time) (Decision, error) {
	cb.state.IsPaused = true
	cb.state.PauseReason = reason
	cb.state.PauseEndTime = until
	cb.state.TotalPauseCount++
	if err := cb.persistLocked(); err != nil {
		return Decision{}, err
	}
	mtxBreakerPauses.WithLabelValues(reason).Inc()
	cb.log.Warn().Str("reason", reason).Time("until", until).Msg("circuit breaker: trading paused")
	if cb.notifier != nil {
		cb.notifier.Publish(NotificationEvent{
			Kind:    EventPause,
			Reason:  reason,
			At:      now,
			Details: until.Format(time.RFC3339),
		})
	}
	return Decision{Allowed: false, Reason: reason}, nil
}

// OnClose is called by the Trading Loop after a position closes; it forces an immediate re-evaluation so the pause (if any) is engaged
// before the Trading Loop's next signal check.
func (cb *CircuitBreaker) OnClose(now time.Time, currentBalance float64) (Decision, error) {
	return cb.Evaluate(now, currentBalance)
}

// State returns a copy of the current persisted state (for metrics/tests).
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func nextLocalMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}
