// FILE: executor.go
// Package main – Order Executor (spec §4.7). Turns OpenOrderRequest/close
// intents into Bridge commands, durably logs outcomes via the Ledger, and
// retries a CLOSE with bounded backoff up to CloseMaxAttempts times before
// marking the position REQUIRES_MANUAL.
package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ExecutorConfig controls the bounded backoff used for CLOSE retries.
type ExecutorConfig struct {
	CloseBackoffBase time.Duration
	CloseBackoffMax  time.Duration
	CloseMaxAttempts int
}

// DefaultExecutorConfig returns spec §4.7's defaults: 1s/2s/4s.../10s cap,
// 10 attempts before REQUIRES_MANUAL.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		CloseBackoffBase: time.Second,
		CloseBackoffMax:  10 * time.Second,
		CloseMaxAttempts: 10,
	}
}

// Executor drives BUY/SELL/CLOSE/MODIFY commands through a BridgeServer.
type Executor struct {
	cfg      ExecutorConfig
	bridge   *BridgeServer
	ledger   *Ledger
	notifier *Notifier
	log      zerolog.Logger
}

// NewExecutor wires the dependencies the Trading Loop and Position Monitor
// call into.
func NewExecutor(cfg ExecutorConfig, bridge *BridgeServer, ledger *Ledger, notifier *Notifier, logger zerolog.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		bridge:   bridge,
		ledger:   ledger,
		notifier: notifier,
		log:      logger.With().Str("component", "executor").Logger(),
	}
}

// Open sends a BUY/SELL command, logs the resulting ticket to the ledger on
// success, and returns the opened Position.
func (e *Executor) Open(ctx context.Context, req OpenOrderRequest, acct AccountSnapshot, now time.Time) (Position, error) {
	action := ActionBuy
	if req.Side == SideSell {
		action = ActionSell
	}
	cmd := OutboundCommand{
		Action:  action,
		Volume:  req.Volume,
		SL:      req.SL,
		TP:      req.TP,
		Comment: req.Comment,
	}
	r, err := e.bridge.SendWithTimeout(ctx, cmd)
	if err != nil {
		e.log.Error().Err(err).Str("side", string(req.Side)).Msg("executor: open command failed")
		return Position{}, ErrOpenFailed
	}
	if r.orderResult == nil || !r.orderResult.Success {
		e.log.Error().Msg("executor: EA reported open failure")
		return Position{}, ErrOpenFailed
	}

	pos := Position{
		Ticket:       r.orderResult.Ticket,
		Symbol:       "", // filled in by caller from the active symbol
		Side:         req.Side,
		Volume:       r.orderResult.Volume,
		OpenPrice:    r.orderResult.Price,
		CurrentPrice: r.orderResult.Price,
		SL:           r.orderResult.SL,
		TP:           r.orderResult.TP,
		OpenTime:     now,
		Comment:      req.Comment,
		Status:       PositionOpen,
	}

	if err := e.ledger.LogOpen(pos.Ticket, pos.Side, pos.OpenPrice, pos.SL, pos.TP, pos.Volume, acct, now); err != nil {
		e.log.Error().Err(err).Int64("ticket", pos.Ticket).Msg("executor: failed to log open, position remains live")
	}
	e.log.Info().Int64("ticket", pos.Ticket).Str("side", string(pos.Side)).Float64("volume", pos.Volume).Msg("executor: position opened")
	return pos, nil
}

// Close sends CLOSE for ticket and retries with bounded backoff until
// acknowledged, ctx is canceled (returns ctx.Err()), or the attempts run
// out. Returns ErrCloseFailed once
// cfg.CloseMaxAttempts is exhausted, after marking the ledger record
// REQUIRES_MANUAL and publishing an EventRequiresManual notification.
func (e *Executor) Close(ctx context.Context, pos Position, exitTime time.Time, realizedPL float64, reason CloseReason) error {
	backoff := e.cfg.CloseBackoffBase
	var lastErr error
	for attempt := 1; attempt <= e.cfg.CloseMaxAttempts; attempt++ {
		cmd := OutboundCommand{Action: ActionClose, Ticket: pos.Ticket}
		r, err := e.bridge.SendWithTimeout(ctx, cmd)
		if err == nil && r.response != nil && r.response.Status == "SUCCESS" {
			if lerr := e.ledger.LogClose(pos.Ticket, pos.CurrentPrice, exitTime, realizedPL, reason); lerr != nil {
				e.log.Error().Err(lerr).Int64("ticket", pos.Ticket).Msg("executor: close logged late")
			}
			e.log.Info().Int64("ticket", pos.Ticket).Str("reason", string(reason)).Int("attempt", attempt).Msg("executor: position closed")
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = ErrCloseFailed
		}
		e.log.Warn().Err(lastErr).Int64("ticket", pos.Ticket).Int("attempt", attempt).Msg("executor: close attempt failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > e.cfg.CloseBackoffMax {
			backoff = e.cfg.CloseBackoffMax
		}
	}

	if merr := e.ledger.MarkRequiresManual(pos.Ticket, exitTime); merr != nil {
		e.log.Error().Err(merr).Int64("ticket", pos.Ticket).Msg("executor: failed to mark REQUIRES_MANUAL")
	}
	if e.notifier != nil {
		e.notifier.Publish(NotificationEvent{
			Kind:    EventRequiresManual,
			Reason:  "close retries exhausted",
			At:      exitTime,
			Details: lastErr.Error(),
		})
	}
	e.log.Error().Int64("ticket", pos.Ticket).Msg("executor: close retries exhausted, REQUIRES_MANUAL")
	return ErrCloseFailed
}

// Modify sends a SL/TP update for an open position (spec §4.8's trailing
// stop and take-profit adjustments).
func (e *Executor) Modify(ctx context.Context, ticket int64, sl, tp float64) error {
	cmd := OutboundCommand{Action: ActionModify, Ticket: ticket, SL: sl, TP: tp}
	r, err := e.bridge.SendWithTimeout(ctx, cmd)
	if err != nil {
		return err
	}
	if r.response == nil || r.response.Status != "SUCCESS" {
		return ErrProtocolError
	}
	return nil
}

// FetchRates requests count bars of timeframe for symbol and caches them.
func (e *Executor) FetchRates(ctx context.Context, cache *Cache, symbol, timeframe string, count int) ([]Bar, error) {
	cmd := OutboundCommand{Action: ActionGetRates, Timeframe: timeframe, Count: count}
	r, err := e.bridge.SendWithTimeout(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if r.rates == nil {
		return nil, ErrProtocolError
	}
	bars := make([]Bar, 0, len(r.rates.Data))
	for _, row := range r.rates.Data {
		t, terr := time.Parse(timeLayout, row.Time)
		if terr != nil {
			t = time.Now().UTC()
		}
		bars = append(bars, Bar{Time: t, Open: row.Open, High: row.High, Low: row.Low, Close: row.Close, Volume: row.Volume})
	}
	cache.SetBars(symbol, timeframe, bars)
	return bars, nil
}
