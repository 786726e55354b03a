// FILE: ledger.go
// Package main – Trade Ledger (spec §4.1, §6, §8).
//
// Records are partitioned into one JSON-array file per local calendar day at
// <logs_dir>/trade_logs/trades_YYYY_MM_DD.json. Every write is flushed
// (fsync) before the call returns, and the rewrite is atomic (temp file +
// rename) so a crash mid-write never corrupts the day's file — the same
// discipline spec §5 requires of the circuit-breaker state document.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Ledger is the single-process, append-oriented store of TradeRecords.
type Ledger struct {
	mu      sync.Mutex
	logsDir string
	log     zerolog.Logger
}

// NewLedger creates a Ledger rooted at logsDir (created if missing).
func NewLedger(logsDir string, logger zerolog.Logger) (*Ledger, error) {
	dir := filepath.Join(logsDir, "trade_logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create trade_logs dir: %w", err)
	}
	return &Ledger{logsDir: logsDir, log: logger.With().Str("component", "ledger").Logger()}, nil
}

func (l *Ledger) pathForDate(date time.Time) string {
	return filepath.Join(l.logsDir, "trade_logs", fmt.Sprintf("trades_%s.json", date.Format("2006_01_02")))
}

func (l *Ledger) readDay(date time.Time) ([]TradeRecord, error) {
	path := l.pathForDate(date)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerIO, err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	var records []TradeRecord
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrLedgerIO, path, err)
	}
	return records, nil
}

// writeDayLocked writes records for date atomically and durably. Caller must hold l.mu.
func (l *Ledger) writeDayLocked(date time.Time, records []TradeRecord) error {
	path := l.pathForDate(date)
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".trades_*.tmp")
	if err != nil {
		return fmt.Errorf("%w: tempfile: %v", ErrLedgerIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: encode: %v", ErrLedgerIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: fsync: %v", ErrLedgerIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrLedgerIO, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrLedgerIO, err)
	}
	return nil
}

// LogOpen appends a new OPEN record for today, capturing account balance at
// call time. Retried once on I/O failure per spec §7; if the retry also
// fails the error is returned. Executor.Open logs that error and still
// returns the opened position, which stays live at the broker.
func (l *Ledger) LogOpen(ticket int64, side Side, entryPrice, sl, tp, volume float64, acct AccountSnapshot, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record := TradeRecord{
		Ticket:                ticket,
		EntryTime:             now,
		Side:                  side,
		EntryPrice:            entryPrice,
		SL:                    sl,
		TP:                    tp,
		Volume:                volume,
		AccountBalanceAtEntry: acct.Balance,
		Status:                PositionOpen,
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		records, err := l.readDay(now)
		if err != nil {
			lastErr = err
			continue
		}
		records = append(records, record)
		if err := l.writeDayLocked(now, records); err != nil {
			lastErr = err
			continue
		}
		l.log.Info().Int64("ticket", ticket).Str("side", string(side)).Float64("entry", entryPrice).Msg("ledger: open logged")
		return nil
	}
	return lastErr
}

// LogClose locates the OPEN record matching ticket (searching recent days
// backward, since a position may carry over a day boundary per spec §8) and
// marks it CLOSED. Idempotent: a second call for an already-CLOSED ticket is
// a no-op.
func (l *Ledger) LogClose(ticket int64, exitPrice float64, exitTime time.Time, realizedPL float64, reason CloseReason) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for back := 0; back < 3; back++ {
		day := exitTime.AddDate(0, 0, -back)
		records, err := l.readDay(day)
		if err != nil {
			return err
		}
		changed := false
		for i := range records {
			if records[i].Ticket != ticket {
				continue
			}
			if records[i].Status == PositionClosed {
				return nil // idempotent no-op
			}
			records[i].Status = PositionClosed
			records[i].ExitPrice = exitPrice
			records[i].ExitTime = exitTime
			records[i].RealizedPL = realizedPL
			records[i].CloseReason = reason
			changed = true
			break
		}
		if changed {
			var lastErr error
			for attempt := 0; attempt < 2; attempt++ {
				if err := l.writeDayLocked(day, records); err != nil {
					lastErr = err
					continue
				}
				l.log.Info().Int64("ticket", ticket).Str("reason", string(reason)).Float64("pl", realizedPL).Msg("ledger: close logged")
				return nil
			}
			return lastErr
		}
	}
	return ErrRecordNotFound
}

// MarkRequiresManual flags an un-closable position so the process refuses to
// open new positions until a human resolves it (spec §7).
func (l *Ledger) MarkRequiresManual(ticket int64, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for back := 0; back < 3; back++ {
		day := now.AddDate(0, 0, -back)
		records, err := l.readDay(day)
		if err != nil {
			return err
		}
		for i := range records {
			if records[i].Ticket == ticket {
				records[i].Status = PositionRequiresManual
				return l.writeDayLocked(day, records)
			}
		}
	}
	return ErrRecordNotFound
}

// DailyAggregate computes the P/L summary for date per spec §4.1/§8.
func (l *Ledger) DailyAggregate(date time.Time) (DailyAggregate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.readDay(date)
	if err != nil {
		return DailyAggregate{}, err
	}

	closed := make([]TradeRecord, 0, len(records))
	for _, r := range records {
		if r.Status == PositionClosed {
			closed = append(closed, r)
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].ExitTime.Before(closed[j].ExitTime) })

	agg := DailyAggregate{TradeCount: len(records)}
	results := make([]float64, len(closed))
	for i, r := range closed {
		agg.TotalRealizedPL += r.RealizedPL
		results[i] = r.RealizedPL
	}
	agg.LastNResults = results

	for i := len(closed) - 1; i >= 0; i-- {
		if closed[i].RealizedPL < 0 {
			agg.ConsecutiveLossesFromEnd++
		} else {
			break
		}
	}
	return agg, nil
}

// FirstTradeBalance returns the account_balance_at_entry of the earliest
// record for date, or (0, false) if the day has no records yet.
func (l *Ledger) FirstTradeBalance(date time.Time) (float64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.readDay(date)
	if err != nil {
		return 0, false, err
	}
	if len(records) == 0 {
		return 0, false, nil
	}
	earliest := records[0]
	for _, r := range records[1:] {
		if r.EntryTime.Before(earliest.EntryTime) {
			earliest = r
		}
	}
	return earliest.AccountBalanceAtEntry, true, nil
}

// ListOpen returns all OPEN records for date. The Position Monitor's
// broker-side disappearance check (spec §4.8 step 4c) reads the Cache and
// does not call it.
func (l *Ledger) ListOpen(date time.Time) ([]TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.readDay(date)
	if err != nil {
		return nil, err
	}
	open := make([]TradeRecord, 0, len(records))
	for _, r := range records {
		if r.Status == PositionOpen {
			open = append(open, r)
		}
	}
	return open, nil
}

// ListRequiresManual returns all REQUIRES_MANUAL records for date, used at
// shutdown to decide exit code 3 (spec §6/§7).
func (l *Ledger) ListRequiresManual(date time.Time) ([]TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.readDay(date)
	if err != nil {
		return nil, err
	}
	manual := make([]TradeRecord, 0, len(records))
	for _, r := range records {
		if r.Status == PositionRequiresManual {
			manual = append(manual, r)
		}
	}
	return manual, nil
}

// AccountInfoMirror writes the latest AccountSnapshot to account_info.json
// (spec §6), a passive, last-writer-wins output for the out-of-scope
// dashboard. Failures here are logged but never block trading.
func (l *Ledger) AccountInfoMirror(acct AccountSnapshot) {
	path := filepath.Join(l.logsDir, "account_info.json")
	b, err := json.MarshalIndent(acct, "", "  ")
	if err != nil {
		l.log.Warn().Err(err).Msg("ledger: marshal account mirror")
		return
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		l.log.Warn().Err(err).Msg("ledger: write account mirror")
	}
}
