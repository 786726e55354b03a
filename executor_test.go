package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeEA runs a trivial responder loop: for a given action, it replies with
// the supplied frame. Useful for driving Executor without a real EA.
func fakeEA(t *testing.T, conn net.Conn, respond func(cmd OutboundCommand) any) {
	t.Helper()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		var cmd OutboundCommand
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			continue
		}
		resp := respond(cmd)
		if resp == nil {
			continue
		}
		rb, _ := json.Marshal(resp)
		conn.Write(append(rb, '\n'))
	}
}

func newConnectedExecutor(t *testing.T, respond func(cmd OutboundCommand) any) (*Executor, *Ledger) {
	t.Helper()
	cache := NewCache()
	cfg := DefaultBridgeConfig("127.0.0.1:0")
	b := NewBridgeServer(cfg, cache, NewNotifier(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Serve(ctx)
	addr := waitForAddr(t, b)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go fakeEA(t, conn, respond)
	require.Eventually(t, func() bool { return b.State() == StateConnected }, time.Second, 10*time.Millisecond)

	ledger := newTestLedger(t)
	execCfg := DefaultExecutorConfig()
	execCfg.CloseBackoffBase = time.Millisecond
	execCfg.CloseBackoffMax = 5 * time.Millisecond
	execCfg.CloseMaxAttempts = 3
	return NewExecutor(execCfg, b, ledger, NewNotifier(), testLogger()), ledger
}

func TestExecutor_OpenLogsToLedger(t *testing.T) {
	exec, ledger := newConnectedExecutor(t, func(cmd OutboundCommand) any {
		if cmd.Action != ActionBuy {
			return nil
		}
		return InboundOrderResult{Type: "order_result", Success: true, Action: "BUY", Ticket: 42, Volume: cmd.Volume, Price: 1.1005, SL: cmd.SL, TP: cmd.TP}
	})

	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	pos, err := exec.Open(context.Background(), OpenOrderRequest{Side: SideBuy, Volume: 0.1, SL: 1.09, TP: 1.12}, AccountSnapshot{Balance: 10000}, now)
	require.NoError(t, err)
	require.Equal(t, int64(42), pos.Ticket)

	open, err := ledger.ListOpen(now)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, int64(42), open[0].Ticket)
}

func TestExecutor_OpenFailureReturnsErrOpenFailed(t *testing.T) {
	exec, _ := newConnectedExecutor(t, func(cmd OutboundCommand) any {
		return InboundOrderResult{Type: "order_result", Success: false, Action: cmd.Action}
	})

	_, err := exec.Open(context.Background(), OpenOrderRequest{Side: SideBuy, Volume: 0.1, SL: 1.09, TP: 1.12}, AccountSnapshot{Balance: 10000}, time.Now())
	require.ErrorIs(t, err, ErrOpenFailed)
}

func TestExecutor_CloseSucceedsOnFirstTry(t *testing.T) {
	exec, ledger := newConnectedExecutor(t, func(cmd OutboundCommand) any {
		if cmd.Action == ActionClose {
			return InboundResponse{Type: "response", Status: "SUCCESS"}
		}
		return nil
	})

	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.LogOpen(99, SideBuy, 1.1, 1.09, 1.12, 0.1, AccountSnapshot{Balance: 10000}, now))

	pos := Position{Ticket: 99, Side: SideBuy, Volume: 0.1, OpenPrice: 1.1, CurrentPrice: 1.105}
	err := exec.Close(context.Background(), pos, now.Add(time.Hour), 5.0, ReasonTPHit)
	require.NoError(t, err)

	open, err := ledger.ListOpen(now)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestExecutor_CloseExhaustsRetriesAndMarksRequiresManual(t *testing.T) {
	exec, ledger := newConnectedExecutor(t, func(cmd OutboundCommand) any {
		if cmd.Action == ActionClose {
			return InboundResponse{Type: "response", Status: "ERROR", Message: "broker busy"}
		}
		return nil
	})

	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.LogOpen(55, SideBuy, 1.1, 1.09, 1.12, 0.1, AccountSnapshot{Balance: 10000}, now))

	pos := Position{Ticket: 55, Side: SideBuy, Volume: 0.1, OpenPrice: 1.1, CurrentPrice: 1.105}
	err := exec.Close(context.Background(), pos, now.Add(time.Hour), 5.0, ReasonTPHit)
	require.ErrorIs(t, err, ErrCloseFailed)

	open, err := ledger.ListOpen(now)
	require.NoError(t, err)
	require.Empty(t, open) // REQUIRES_MANUAL, not OPEN anymore
}
