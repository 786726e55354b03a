// FILE: bridge.go
// Package main – Bridge Server (spec §4.5). A single TCP listener accepts
// exactly one EA connection at a time; frames are newline-delimited JSON in
// both directions. The Command Dispatcher serializes outgoing commands one
// at a time and correlates the next matching inbound frame as its reply —
// the EA protocol has no request id, so correlation is strictly FIFO
// (spec §6 design note: "one command outstanding at a time").
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConnState is the Bridge Server's connection state machine (spec §4.5).
type ConnState string

const (
	StateListening ConnState = "LISTENING"
	StateConnected ConnState = "CONNECTED"
	StateDegraded  ConnState = "DEGRADED"
	StateClosed    ConnState = "CLOSED"
)

// BridgeConfig configures the listener and timing thresholds.
type BridgeConfig struct {
	ListenAddr       string
	HeartbeatTimeout time.Duration // spec default: 30s since last heartbeat/frame -> DEGRADED
	DegradedTimeout  time.Duration // spec default: a further 30s -> CLOSED
	CommandTimeout   time.Duration // spec default: 5s per outgoing command
	MaxFrameBytes    int
}

// DefaultBridgeConfig returns the spec's defaults.
func DefaultBridgeConfig(addr string) BridgeConfig {
	return BridgeConfig{
		ListenAddr:       addr,
		HeartbeatTimeout: 30 * time.Second,
		DegradedTimeout:  30 * time.Second,
		CommandTimeout:   5 * time.Second,
		MaxFrameBytes:    1 << 20,
	}
}

type pendingReply struct {
	wantOrderResult bool
	wantResponse    bool
	wantRates       bool
	ch              chan replyOrErr
}

type replyOrErr struct {
	orderResult *InboundOrderResult
	response    *InboundResponse
	rates       *InboundRates
	err         error
}

// BridgeServer owns the EA's TCP connection lifecycle and the outgoing
// command queue.
type BridgeServer struct {
	cfg      BridgeConfig
	cache    *Cache
	notifier *Notifier
	log      zerolog.Logger

	ln net.Listener

	mu              sync.Mutex
	state           ConnState
	conn            net.Conn
	writer          *bufio.Writer
	lastFrame       time.Time
	pending         *pendingReply
	malformedStreak int // consecutive malformed/undecodable frames; reset connection at 10 (spec §4.5/§7)

	sendMu sync.Mutex // serializes Send calls: one command in flight at a time
}

// NewBridgeServer constructs a server bound to cfg.ListenAddr but does not
// start listening yet; call Serve.
func NewBridgeServer(cfg BridgeConfig, cache *Cache, notifier *Notifier, logger zerolog.Logger) *BridgeServer {
	return &BridgeServer{
		cfg:      cfg,
		cache:    cache,
		notifier: notifier,
		log:      logger.With().Str("component", "bridge").Logger(),
		state:    StateListening,
	}
}

// Serve blocks accepting and servicing EA connections until ctx is canceled.
// Connections are serviced one at a time: Accept is not called again until
// the current connection's read loop ends, so a second dial waits in the
// listen backlog until then and does not replace the active connection.
func (b *BridgeServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", b.cfg.ListenAddr, err)
	}
	b.mu.Lock()
	b.ln = ln
	b.mu.Unlock()
	b.log.Info().Str("addr", b.cfg.ListenAddr).Msg("bridge: listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("bridge: accept: %w", err)
			}
		}

		b.mu.Lock()
		if b.state == StateConnected {
			b.mu.Unlock()
			b.log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("bridge: rejecting second connection")
			conn.Close()
			continue
		}
		b.conn = conn
		b.writer = bufio.NewWriter(conn)
		b.state = StateConnected
		b.lastFrame = time.Now()
		b.mu.Unlock()

		b.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("bridge: EA connected")

		connCtx, cancel := context.WithCancel(ctx)
		go b.watchHeartbeat(connCtx)
		b.readLoop(conn)
		cancel()

		b.mu.Lock()
		b.state = StateClosed
		b.conn = nil
		b.writer = nil
		if b.pending != nil {
			select {
			case b.pending.ch <- replyOrErr{err: ErrNotConnected}:
			default:
			}
			b.pending = nil
		}
		b.mu.Unlock()
		b.log.Warn().Msg("bridge: EA connection closed, returning to LISTENING")

		select {
		case <-ctx.Done():
			return nil
		default:
			b.mu.Lock()
			b.state = StateListening
			b.mu.Unlock()
		}
	}
}

func (b *BridgeServer) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), b.cfg.MaxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := append([]byte(nil), line...)
		b.handleFrame(frame)
	}
}

// maxMalformedStreak is the consecutive-malformed-frame ceiling before the
// connection is reset (spec §4.5/§7).
const maxMalformedStreak = 10

func (b *BridgeServer) handleFrame(frame []byte) {
	b.mu.Lock()
	b.lastFrame = time.Now()
	if b.state == StateDegraded {
		b.state = StateConnected
		b.log.Info().Msg("bridge: frame received, recovered from DEGRADED")
	}
	b.mu.Unlock()

	typ, err := ParseInboundType(frame)
	if err != nil {
		b.log.Warn().Err(err).Msg("bridge: malformed frame, dropping")
		mtxFramesDropped.WithLabelValues("malformed").Inc()
		b.recordMalformed()
		return
	}

	mtxFramesReceived.WithLabelValues(typ).Inc()

	var ok bool
	switch typ {
	case "market_data":
		ok = b.handleMarketData(frame)
	case "position":
		ok = b.handlePosition(frame)
	case "rates":
		ok = b.handleRates(frame)
	case "order_result":
		ok = b.handleOrderResult(frame)
	case "response":
		ok = b.handleResponse(frame)
	case "heartbeat":
		// lastFrame already bumped above; nothing else to do.
		ok = true
	default:
		b.log.Warn().Str("type", typ).Msg("bridge: unrecognized frame type, dropping")
		mtxFramesDropped.WithLabelValues("unrecognized_type").Inc()
		ok = false
	}

	if ok {
		b.resetMalformed()
	} else {
		b.recordMalformed()
	}
}

// recordMalformed tracks a consecutive streak of undecodable frames and
// resets the connection once it reaches maxMalformedStreak.
func (b *BridgeServer) recordMalformed() {
	b.mu.Lock()
	b.malformedStreak++
	streak := b.malformedStreak
	conn := b.conn
	b.mu.Unlock()

	if streak >= maxMalformedStreak && conn != nil {
		b.log.Error().Int("streak", streak).Msg("bridge: malformed frame streak exceeded threshold, resetting connection")
		conn.Close()
	}
}

func (b *BridgeServer) resetMalformed() {
	b.mu.Lock()
	b.malformedStreak = 0
	b.mu.Unlock()
}

func (b *BridgeServer) handleMarketData(frame []byte) bool {
	var m InboundMarketData
	if err := json.Unmarshal(frame, &m); err != nil {
		b.log.Warn().Err(err).Msg("bridge: decode market_data")
		mtxFramesDropped.WithLabelValues("decode_market_data").Inc()
		return false
	}
	ts, err := time.Parse(timeLayout, m.Time)
	if err != nil {
		ts = time.Now().UTC()
	}
	tick := Tick{
		Symbol:       m.Symbol,
		Bid:          m.Bid,
		Ask:          m.Ask,
		SpreadPoints: m.Spread,
		ServerTime:   ts,
		Point:        m.Point,
		Digits:       m.Digits,
		ContractSize: m.ContractSize,
		MinLot:       m.MinLot,
		MaxLot:       m.MaxLot,
		LotStep:      m.LotStep,
	}
	acct := AccountSnapshot{
		Balance:       m.Balance,
		Equity:        m.Equity,
		Margin:        m.Margin,
		FreeMargin:    m.FreeMargin,
		Profit:        m.Profit,
		Leverage:      m.Leverage,
		OpenPositions: m.OpenPositions,
		ObservedAt:    time.Now().UTC(),
	}
	b.cache.SetTick(tick, acct, time.Now())
	return true
}

func (b *BridgeServer) handlePosition(frame []byte) bool {
	var p InboundPosition
	if err := json.Unmarshal(frame, &p); err != nil {
		b.log.Warn().Err(err).Msg("bridge: decode position")
		mtxFramesDropped.WithLabelValues("decode_position").Inc()
		return false
	}
	b.cache.UpsertPosition(Position{
		Ticket:       p.Ticket,
		Symbol:       p.Symbol,
		Side:         Side(p.PosType),
		Volume:       p.Volume,
		OpenPrice:    p.PriceOpen,
		CurrentPrice: p.PriceCurrent,
		SL:           p.SL,
		TP:           p.TP,
		UnrealizedPL: p.Profit,
		Comment:      p.Comment,
		Status:       PositionOpen,
	})
	return true
}

func (b *BridgeServer) handleRates(frame []byte) bool {
	var r InboundRates
	if err := json.Unmarshal(frame, &r); err != nil {
		b.log.Warn().Err(err).Msg("bridge: decode rates")
		mtxFramesDropped.WithLabelValues("decode_rates").Inc()
		b.deliverPendingErr(ErrProtocolError, false, false, true)
		return false
	}
	b.deliver(replyOrErr{rates: &r}, false, false, true)
	return true
}

func (b *BridgeServer) handleOrderResult(frame []byte) bool {
	var r InboundOrderResult
	if err := json.Unmarshal(frame, &r); err != nil {
		b.log.Warn().Err(err).Msg("bridge: decode order_result")
		mtxFramesDropped.WithLabelValues("decode_order_result").Inc()
		b.deliverPendingErr(ErrProtocolError, true, false, false)
		return false
	}
	b.deliver(replyOrErr{orderResult: &r}, true, false, false)
	return true
}

func (b *BridgeServer) handleResponse(frame []byte) bool {
	var r InboundResponse
	if err := json.Unmarshal(frame, &r); err != nil {
		b.log.Warn().Err(err).Msg("bridge: decode response")
		mtxFramesDropped.WithLabelValues("decode_response").Inc()
		b.deliverPendingErr(ErrProtocolError, false, true, false)
		return false
	}
	b.deliver(replyOrErr{response: &r}, false, true, false)
	return true
}

func (b *BridgeServer) deliver(r replyOrErr, wantOrder, wantResp, wantRates bool) {
	b.mu.Lock()
	p := b.pending
	if p == nil || (wantOrder && !p.wantOrderResult) || (wantResp && !p.wantResponse) || (wantRates && !p.wantRates) {
		b.mu.Unlock()
		return
	}
	b.pending = nil
	b.mu.Unlock()
	select {
	case p.ch <- r:
	default:
	}
}

func (b *BridgeServer) deliverPendingErr(err error, wantOrder, wantResp, wantRates bool) {
	b.deliver(replyOrErr{err: err}, wantOrder, wantResp, wantRates)
}

// watchHeartbeat downgrades CONNECTED -> DEGRADED -> (connection closed) on
// silence, per spec §4.5's timeout tiers.
func (b *BridgeServer) watchHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			if b.conn == nil {
				b.mu.Unlock()
				return
			}
			silence := time.Since(b.lastFrame)
			switch {
			case silence >= b.cfg.HeartbeatTimeout+b.cfg.DegradedTimeout:
				conn := b.conn
				b.mu.Unlock()
				b.log.Error().Dur("silence", silence).Msg("bridge: heartbeat lost, closing connection")
				conn.Close()
				return
			case silence >= b.cfg.HeartbeatTimeout && b.state == StateConnected:
				b.state = StateDegraded
				b.mu.Unlock()
				b.log.Warn().Dur("silence", silence).Msg("bridge: no frames received, DEGRADED")
			default:
				b.mu.Unlock()
			}
		}
	}
}

// State returns the current connection state (for metrics/health checks).
func (b *BridgeServer) State() ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Addr returns the listener's bound address, or nil before Serve has started
// listening. Exists mainly so tests can bind to ":0" and discover the port.
func (b *BridgeServer) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// Send writes cmd and blocks for the matching reply or ctx's deadline.
// Exactly one Send may be in flight at a time; concurrent callers queue on
// sendMu, matching the EA's single-threaded command processing.
func (b *BridgeServer) Send(ctx context.Context, cmd OutboundCommand) (replyOrErr, error) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	start := time.Now()
	defer func() {
		mtxCommandLatency.WithLabelValues(cmd.Action).Observe(time.Since(start).Seconds())
	}()

	corrID := uuid.NewString()
	log := b.log.With().Str("correlation_id", corrID).Str("action", cmd.Action).Logger()

	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		return replyOrErr{}, ErrNotConnected
	}
	p := &pendingReply{
		wantOrderResult: cmd.Action == ActionBuy || cmd.Action == ActionSell,
		wantResponse:    cmd.Action == ActionClose || cmd.Action == ActionModify || cmd.Action == ActionGetPositions,
		wantRates:       cmd.Action == ActionGetRates,
		ch:              make(chan replyOrErr, 1),
	}
	b.pending = p
	writer := b.writer
	b.mu.Unlock()

	payload, err := json.Marshal(cmd)
	if err != nil {
		return replyOrErr{}, fmt.Errorf("bridge: encode command: %w", err)
	}
	payload = append(payload, '\n')

	log.Info().Msg("bridge: sending command")
	if _, err := writer.Write(payload); err != nil {
		return replyOrErr{}, fmt.Errorf("bridge: write command: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return replyOrErr{}, fmt.Errorf("bridge: flush command: %w", err)
	}

	select {
	case r := <-p.ch:
		if r.err != nil {
			log.Warn().Err(r.err).Msg("bridge: command failed")
			return r, r.err
		}
		log.Info().Msg("bridge: command acknowledged")
		return r, nil
	case <-ctx.Done():
		b.mu.Lock()
		if b.pending == p {
			b.pending = nil
		}
		b.mu.Unlock()
		log.Warn().Msg("bridge: command timed out")
		return replyOrErr{}, ErrCommandTimeout
	}
}

// SendWithTimeout is a convenience wrapper applying cfg.CommandTimeout.
func (b *BridgeServer) SendWithTimeout(parent context.Context, cmd OutboundCommand) (replyOrErr, error) {
	ctx, cancel := context.WithTimeout(parent, b.cfg.CommandTimeout)
	defer cancel()
	return b.Send(ctx, cmd)
}
