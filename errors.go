// FILE: errors.go
// Package main – Typed error categories (spec §7). Components return these
// instead of ad-hoc strings so the Trading Loop can switch on category
// rather than parse messages.
package main

import "errors"

var (
	// Risk Calculator
	ErrLotTooSmall        = errors.New("risk: normalized lot below broker minimum")
	ErrInvalidStopLoss    = errors.New("risk: stop-loss is on the wrong side of entry")
	ErrInsufficientMargin = errors.New("risk: projected margin exceeds free margin")

	// Bridge Server / Command Dispatcher
	ErrCommandTimeout  = errors.New("bridge: command reply not received before deadline")
	ErrNotConnected    = errors.New("bridge: no EA connection")
	ErrProtocolError   = errors.New("bridge: malformed or unrecognized frame")

	// Order Executor
	ErrCloseFailed = errors.New("executor: close retries exhausted, position REQUIRES_MANUAL")
	ErrOpenFailed  = errors.New("executor: open command was not acknowledged")

	// Ledger
	ErrLedgerIO        = errors.New("ledger: durable write failed")
	ErrRecordNotFound  = errors.New("ledger: no OPEN record for ticket")

	// Circuit Breaker — not an error category (a pause is a normal decision),
	// but a sentinel is useful for callers that branch on "denied by breaker".
	ErrTradingPaused = errors.New("breaker: trading paused")

	// Stale data
	ErrStaleTick = errors.New("cache: latest tick is older than the freshness TTL")
)
