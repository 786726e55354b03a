package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, ledger *Ledger, cfg BreakerConfig) *CircuitBreaker {
	t.Helper()
	cb, err := NewCircuitBreaker(t.TempDir(), cfg, ledger, NewNotifier(), testLogger())
	require.NoError(t, err)
	return cb
}

func TestCircuitBreaker_NeverTripsWithZeroClosedTrades(t *testing.T) {
	ledger := newTestLedger(t)
	cfg := DefaultBreakerConfig()
	cb := newTestBreaker(t, ledger, cfg)

	decision, err := cb.Evaluate(time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC), 10000)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestCircuitBreaker_TripsOnDailyLossLimit(t *testing.T) {
	ledger := newTestLedger(t)
	cfg := DefaultBreakerConfig()
	cfg.DailyLossMaxPct = 10.0
	cb := newTestBreaker(t, ledger, cfg)

	day := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	acct := AccountSnapshot{Balance: 10000}
	require.NoError(t, ledger.LogOpen(1, SideBuy, 1.1, 1.09, 1.12, 1.0, acct, day))
	require.NoError(t, ledger.LogClose(1, 1.09, day.Add(time.Hour), -1500, ReasonSLHit))

	decision, err := cb.Evaluate(day.Add(2*time.Hour), 8500)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Contains(t, decision.Reason, "daily loss")
}

func TestCircuitBreaker_ConsecutiveLossTier1(t *testing.T) {
	ledger := newTestLedger(t)
	cfg := DefaultBreakerConfig()
	cb := newTestBreaker(t, ledger, cfg)

	day := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	acct := AccountSnapshot{Balance: 10000}
	for i := 0; i < cfg.ConsecutiveTier1Threshold; i++ {
		ticket := int64(100 + i)
		at := day.Add(time.Duration(i) * time.Minute)
		require.NoError(t, ledger.LogOpen(ticket, SideBuy, 1.1, 1.09, 1.12, 0.1, acct, at))
		require.NoError(t, ledger.LogClose(ticket, 1.09, at.Add(time.Second), -10, ReasonSLHit))
	}

	decision, err := cb.Evaluate(day.Add(time.Hour), 9900)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
}

func TestCircuitBreaker_RollingLossRate(t *testing.T) {
	ledger := newTestLedger(t)
	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveTier1Threshold = 100 // disable tier gates for this test
	cfg.ConsecutiveTier2Threshold = 200
	cb := newTestBreaker(t, ledger, cfg)

	day := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	acct := AccountSnapshot{Balance: 10000}
	// 7 losses, 3 wins out of the last 10 -> 70% loss rate, trips.
	outcomes := []float64{10, 10, 10, -5, -5, -5, -5, -5, -5, -5}
	for i, pl := range outcomes {
		ticket := int64(200 + i)
		at := day.Add(time.Duration(i) * time.Minute)
		reason := ReasonTPHit
		if pl < 0 {
			reason = ReasonSLHit
		}
		require.NoError(t, ledger.LogOpen(ticket, SideBuy, 1.1, 1.09, 1.12, 0.1, acct, at))
		require.NoError(t, ledger.LogClose(ticket, 1.1, at.Add(time.Second), pl, reason))
	}

	decision, err := cb.Evaluate(day.Add(time.Hour), 9975)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
}

func TestCircuitBreaker_RollingWindowUsesOnlyLastN(t *testing.T) {
	ledger := newTestLedger(t)
	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveTier1Threshold = 100
	cfg.ConsecutiveTier2Threshold = 200
	cb := newTestBreaker(t, ledger, cfg)

	day := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	acct := AccountSnapshot{Balance: 10000}
	// seven early losses, then exactly the rolling window of wins at the end.
	outcomes := []float64{-5, -5, -5, -5, -5, -5, -5, 10, 10, 10, 10, 10, 10, 10, 10, 10, 10}
	for i, pl := range outcomes {
		ticket := int64(300 + i)
		at := day.Add(time.Duration(i) * time.Minute)
		reason := ReasonTPHit
		if pl < 0 {
			reason = ReasonSLHit
		}
		require.NoError(t, ledger.LogOpen(ticket, SideBuy, 1.1, 1.09, 1.12, 0.1, acct, at))
		require.NoError(t, ledger.LogClose(ticket, 1.1, at.Add(time.Second), pl, reason))
	}

	decision, err := cb.Evaluate(day.Add(time.Hour), 10050)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestCircuitBreaker_DailyRolloverClearsPause(t *testing.T) {
	ledger := newTestLedger(t)
	cfg := DefaultBreakerConfig()
	cb := newTestBreaker(t, ledger, cfg)

	day1 := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	acct := AccountSnapshot{Balance: 10000}
	require.NoError(t, ledger.LogOpen(1, SideBuy, 1.1, 1.09, 1.12, 1.0, acct, day1))
	require.NoError(t, ledger.LogClose(1, 1.09, day1.Add(time.Hour), -1500, ReasonSLHit))

	decision, err := cb.Evaluate(day1.Add(2*time.Hour), 8500)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	day2 := day1.AddDate(0, 0, 1)
	decision, err = cb.Evaluate(day2, 8500)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}
