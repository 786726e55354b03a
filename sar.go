// FILE: sar.go
// Package main – Parabolic SAR engine (spec §4.2).
//
// ComputeSAR walks a bar window once and returns the SAR value and trend at
// every bar, aligned to the input slice, plus a convenience SARState summary
// for the caller. The function is stateless at the contract level: callers
// own the window and may recompute it fresh each call.
package main

import (
	"errors"
	"math"
	"time"
)

// SARSeries is the full aligned output of ComputeSAR, for callers (tests,
// backtest-style analysis) that want the whole trajectory rather than just
// the latest state.
type SARSeries struct {
	SAR    []float64
	Trend  []Trend
	EP     []float64
	Accel  []float64
}

// SARParams holds the acceleration bounds (spec §4.2 defaults: 0.02 / 0.2).
type SARParams struct {
	AccelStart float64
	AccelMax   float64
}

// DefaultSARParams returns the spec's default acceleration factor and cap.
func DefaultSARParams() SARParams {
	return SARParams{AccelStart: 0.02, AccelMax: 0.2}
}

// ComputeSAR computes the Parabolic SAR trajectory over bars and returns the
// full series plus the latest SARState. len(bars) must be >= 2.
func ComputeSAR(bars []Bar, p SARParams) (SARSeries, SARState, error) {
	n := len(bars)
	if n < 2 {
		return SARSeries{}, SARState{}, errNotEnoughBars
	}
	if p.AccelStart <= 0 {
		p.AccelStart = 0.02
	}
	if p.AccelMax <= 0 {
		p.AccelMax = 0.2
	}

	sar := make([]float64, n)
	trend := make([]Trend, n)
	ep := make([]float64, n)
	accel := make([]float64, n)

	// Initialization at bar 0 (spec §4.2): trend from the sign of close1-close0.
	if bars[1].Close >= bars[0].Close {
		trend[0] = TrendUp
		ep[0] = bars[0].High
		sar[0] = bars[0].Low
	} else {
		trend[0] = TrendDown
		ep[0] = bars[0].Low
		sar[0] = bars[0].High
	}
	accel[0] = p.AccelStart

	for i := 1; i < n; i++ {
		prevSAR := sar[i-1]
		prevEP := ep[i-1]
		prevAccel := accel[i-1]
		prevTrend := trend[i-1]

		tentative := prevSAR + prevAccel*(prevEP-prevSAR)

		low1 := bars[i-1].Low
		high1 := bars[i-1].High
		var low2, high2 float64
		if i-2 >= 0 {
			low2 = bars[i-2].Low
			high2 = bars[i-2].High
		} else {
			low2 = low1
			high2 = high1
		}

		if prevTrend == TrendUp {
			tentative = math.Min(tentative, math.Min(low1, low2))
			if bars[i].Low <= tentative {
				// flip to downtrend
				trend[i] = TrendDown
				sar[i] = prevEP
				accel[i] = p.AccelStart
				ep[i] = bars[i].Low
			} else {
				trend[i] = TrendUp
				sar[i] = tentative
				if bars[i].High > prevEP {
					ep[i] = bars[i].High
					accel[i] = math.Min(prevAccel+p.AccelStart, p.AccelMax)
				} else {
					ep[i] = prevEP
					accel[i] = prevAccel
				}
			}
		} else {
			tentative = math.Max(tentative, math.Max(high1, high2))
			if bars[i].High >= tentative {
				// flip to uptrend
				trend[i] = TrendUp
				sar[i] = prevEP
				accel[i] = p.AccelStart
				ep[i] = bars[i].High
			} else {
				trend[i] = TrendDown
				sar[i] = tentative
				if bars[i].Low < prevEP {
					ep[i] = bars[i].Low
					accel[i] = math.Min(prevAccel+p.AccelStart, p.AccelMax)
				} else {
					ep[i] = prevEP
					accel[i] = prevAccel
				}
			}
		}
	}

	last := n - 1
	state := SARState{
		SAR:            sar[last],
		Trend:          trend[last],
		PrevTrend:      trend[last-1],
		DistanceToLast: math.Abs(bars[last].Close - sar[last]),
		FlippedAtLast:  trend[last] != trend[last-1],
	}

	return SARSeries{SAR: sar, Trend: trend, EP: ep, Accel: accel}, state, nil
}

var errNotEnoughBars = errors.New("sar: need at least 2 bars")

// DesiredIntent selects which Signal kinds the strategy may emit (spec §3/§6).
type DesiredIntent string

const (
	IntentBuy  DesiredIntent = "BUY"
	IntentSell DesiredIntent = "SELL"
	IntentBoth DesiredIntent = "BOTH"
)

// DecideSignal turns the latest SARState into a Signal per spec §3:
// BUY iff trend=UPTREND and intent in {BUY,BOTH}; SELL iff DOWNTREND and
// intent in {SELL,BOTH}; HOLD otherwise.
func DecideSignal(state SARState, intent DesiredIntent, now timeNowFunc) Signal {
	ts := now()
	switch {
	case state.Trend == TrendUp && (intent == IntentBuy || intent == IntentBoth):
		return Signal{Kind: SignalBuy, Reason: "sar_uptrend", Timestamp: ts}
	case state.Trend == TrendDown && (intent == IntentSell || intent == IntentBoth):
		return Signal{Kind: SignalSell, Reason: "sar_downtrend", Timestamp: ts}
	default:
		return Signal{Kind: SignalHold, Reason: "no_aligned_trend", Timestamp: ts}
	}
}

type timeNowFunc func() time.Time
