package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func rateRows(n int, start float64) []InboundRateRow {
	rows := make([]InboundRateRow, n)
	t0 := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		c := start + float64(i)*0.001
		rows[i] = InboundRateRow{
			Time: t0.Add(time.Duration(i) * time.Minute).Format(timeLayout),
			Open: c, High: c + 0.0005, Low: c - 0.0005, Close: c, Volume: 10,
		}
	}
	return rows
}

func TestTradingLoop_OpensOnAlignedSignal(t *testing.T) {
	exec, ledger := newConnectedExecutor(t, func(cmd OutboundCommand) any {
		switch cmd.Action {
		case ActionGetRates:
			return InboundRates{Type: "rates", Data: rateRows(20, 1.0900)}
		case ActionBuy:
			return InboundOrderResult{Type: "order_result", Success: true, Action: "BUY", Ticket: 909, Volume: cmd.Volume, Price: 1.0920, SL: cmd.SL, TP: cmd.TP}
		}
		return nil
	})

	cache := NewCache()
	cache.SetTick(Tick{
		Symbol: "EURUSD", Bid: 1.1089, Ask: 1.1091,
		ContractSize: 100000, MinLot: 0.01, MaxLot: 10, LotStep: 0.01,
	}, AccountSnapshot{Balance: 10000, Leverage: 100, FreeMargin: 100000}, time.Now())

	breaker, err := NewCircuitBreaker(t.TempDir(), DefaultBreakerConfig(), ledger, NewNotifier(), testLogger())
	require.NoError(t, err)

	monitor := NewMonitor(DefaultMonitorConfig(), DefaultSARParams(), cache, exec, testLogger())

	loopCfg := LoopConfig{
		Symbol: "EURUSD", Timeframe: "M15", RiskPercent: 1.0,
		PollInterval: time.Second, TickTTL: 10 * time.Second, RatesCount: 20, Intent: IntentBoth,
	}
	loop := NewTradingLoop(loopCfg, DefaultSARParams(), cache, ledger, breaker, exec, monitor, testLogger())
	require.Equal(t, StateWaitingForSignal, loop.State())

	err = loop.stepWaiting(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, StateMonitoring, loop.State())
	require.Equal(t, int64(909), loop.position.Ticket)
}

func TestTradingLoop_StaysWaitingWhenTickStale(t *testing.T) {
	exec, ledger := newConnectedExecutor(t, func(cmd OutboundCommand) any { return nil })
	cache := NewCache() // no tick set -> stale
	breaker, err := NewCircuitBreaker(t.TempDir(), DefaultBreakerConfig(), ledger, NewNotifier(), testLogger())
	require.NoError(t, err)
	monitor := NewMonitor(DefaultMonitorConfig(), DefaultSARParams(), cache, exec, testLogger())

	loopCfg := LoopConfig{Symbol: "EURUSD", Timeframe: "M15", RiskPercent: 1.0, PollInterval: time.Second, TickTTL: 10 * time.Second, RatesCount: 20, Intent: IntentBoth}
	loop := NewTradingLoop(loopCfg, DefaultSARParams(), cache, ledger, breaker, exec, monitor, testLogger())

	err = loop.stepWaiting(context.Background(), time.Now())
	require.ErrorIs(t, err, ErrStaleTick)
	require.Equal(t, StateWaitingForSignal, loop.State())
}

func TestTradingLoop_RemainsWaitingWhenBreakerPaused(t *testing.T) {
	exec, ledger := newConnectedExecutor(t, func(cmd OutboundCommand) any {
		if cmd.Action == ActionGetRates {
			return InboundRates{Type: "rates", Data: rateRows(20, 1.0900)}
		}
		return nil
	})

	cache := NewCache()
	cache.SetTick(Tick{Symbol: "EURUSD", Bid: 1.0919, Ask: 1.0921, ContractSize: 100000, MinLot: 0.01, MaxLot: 10, LotStep: 0.01}, AccountSnapshot{Balance: 10000}, time.Now())

	now := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.LogOpen(1, SideBuy, 1.1, 1.09, 1.12, 1.0, AccountSnapshot{Balance: 10000}, now))
	require.NoError(t, ledger.LogClose(1, 1.09, now.Add(time.Hour), -1500, ReasonSLHit))

	breaker, err := NewCircuitBreaker(t.TempDir(), DefaultBreakerConfig(), ledger, NewNotifier(), testLogger())
	require.NoError(t, err)
	monitor := NewMonitor(DefaultMonitorConfig(), DefaultSARParams(), cache, exec, testLogger())

	loopCfg := LoopConfig{Symbol: "EURUSD", Timeframe: "M15", RiskPercent: 1.0, PollInterval: time.Second, TickTTL: 10 * time.Second, RatesCount: 20, Intent: IntentBoth}
	loop := NewTradingLoop(loopCfg, DefaultSARParams(), cache, ledger, breaker, exec, monitor, testLogger())

	err = loop.stepWaiting(context.Background(), now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, StateWaitingForSignal, loop.State())
}
