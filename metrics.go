// FILE: metrics.go
// Package main – Prometheus metrics for observability (SPEC_FULL.md Ambient
// Stack). Registered in init() and served by the HTTP handler started in
// main.go at /metrics, following the same pattern as the bridge's original
// single-exchange ancestor.
package main

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxBridgeState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gb_bridge_connection_state",
			Help: "Bridge Server connection state as a 0/1 indicator per state label.",
		},
		[]string{"state"},
	)

	mtxFramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gb_bridge_frames_received_total",
			Help: "Frames received from the EA, by type.",
		},
		[]string{"type"},
	)

	mtxFramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gb_bridge_frames_dropped_total",
			Help: "Malformed or unrecognized frames dropped.",
		},
		[]string{"reason"},
	)

	mtxCommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gb_bridge_command_latency_seconds",
			Help:    "Round-trip latency of outgoing commands, by action.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	mtxBreakerPauses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gb_circuit_breaker_pauses_total",
			Help: "Circuit breaker trips, by reason.",
		},
		[]string{"reason"},
	)

	mtxLedgerDailyPL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gb_ledger_daily_realized_pl",
			Help: "Realized P/L for the current local calendar day.",
		},
	)

	mtxSARTrend = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gb_sar_trend",
			Help: "Current Parabolic SAR trend indicator (1 = active, by symbol/trend label).",
		},
		[]string{"symbol", "trend"},
	)

	mtxOpenPositionSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gb_open_position_duration_seconds",
			Help: "How long the current position (if any) has been open.",
		},
	)

	mtxLoopState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gb_trading_loop_state",
			Help: "Trading Loop state indicator (1 = active, by state label).",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(mtxBridgeState, mtxFramesReceived, mtxFramesDropped)
	prometheus.MustRegister(mtxCommandLatency, mtxBreakerPauses)
	prometheus.MustRegister(mtxLedgerDailyPL, mtxSARTrend, mtxOpenPositionSeconds, mtxLoopState)
}

// setLoopState zeroes every known state label before setting the active one,
// so dashboards see a clean single-1 series rather than stale highs.
func setLoopState(active LoopState) {
	for _, s := range []LoopState{StateWaitingForSignal, StateOpening, StateMonitoring, StateClosed, StateShuttingDown} {
		v := 0.0
		if s == active {
			v = 1.0
		}
		mtxLoopState.WithLabelValues(string(s)).Set(v)
	}
}

func setBridgeState(active ConnState) {
	for _, s := range []ConnState{StateListening, StateConnected, StateDegraded, StateClosed} {
		v := 0.0
		if s == active {
			v = 1.0
		}
		mtxBridgeState.WithLabelValues(string(s)).Set(v)
	}
}

// setSARTrend zeroes the other trend label before setting the active one,
// same discipline as setLoopState/setBridgeState.
func setSARTrend(symbol string, active Trend) {
	for _, tr := range []Trend{TrendUp, TrendDown} {
		v := 0.0
		if tr == active {
			v = 1.0
		}
		mtxSARTrend.WithLabelValues(symbol, string(tr)).Set(v)
	}
}
