// FILE: protocol.go
// Package main – Wire protocol between the Bridge Server and the EA (spec
// §4.5, §6). Every frame is a newline-terminated UTF-8 JSON object carrying
// a `type`/`action` discriminator; unknown discriminators are protocol
// errors, not silently ignored (spec §9 design note on tagged variants).
package main

import "encoding/json"

// InboundEnvelope is decoded first to read the discriminator before the
// full payload is unmarshaled into the matching concrete type.
type InboundEnvelope struct {
	Type string `json:"type"`
}

// InboundMarketData is the `market_data` frame: tick fields plus an embedded
// account snapshot (spec §6).
type InboundMarketData struct {
	Type         string  `json:"type"`
	Symbol       string  `json:"symbol"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Spread       int     `json:"spread"`
	Time         string  `json:"time"` // "YYYY-MM-DD HH:MM:SS"
	Point        float64 `json:"point"`
	Digits       int     `json:"digits"`
	ContractSize float64 `json:"contract_size"`
	MinLot       float64 `json:"min_lot"`
	MaxLot       float64 `json:"max_lot"`
	LotStep      float64 `json:"lot_step"`
	Balance      float64 `json:"balance"`
	Equity       float64 `json:"equity"`
	Margin       float64 `json:"margin"`
	FreeMargin   float64 `json:"free_margin"`
	Profit       float64 `json:"profit"`
	Leverage     float64 `json:"leverage"`
	OpenPositions int    `json:"open_positions"`
}

// InboundPosition is the `position` frame: an upsert into the position view.
type InboundPosition struct {
	Type         string  `json:"type"`
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	PosType      string  `json:"pos_type"` // "BUY" | "SELL"
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	SL           float64 `json:"sl"`
	TP           float64 `json:"tp"`
	Profit       float64 `json:"profit"`
	Comment      string  `json:"comment"`
}

// InboundRateRow is one OHLCV row inside a `rates` frame's `data` array.
type InboundRateRow struct {
	Time   string  `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// InboundRates is the `rates` frame: the response to a GET_RATES command.
type InboundRates struct {
	Type string           `json:"type"`
	Data []InboundRateRow `json:"data"`
}

// InboundOrderResult is the `order_result` frame: the response to BUY/SELL.
type InboundOrderResult struct {
	Type    string  `json:"type"`
	Success bool    `json:"success"`
	Action  string  `json:"action"` // "BUY" | "SELL"
	Ticket  int64   `json:"ticket"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	SL      float64 `json:"sl"`
	TP      float64 `json:"tp"`
}

// InboundResponse is the `response` frame: a generic ack for CLOSE/MODIFY/
// GET_POSITIONS.
type InboundResponse struct {
	Type    string `json:"type"`
	Status  string `json:"status"` // "SUCCESS" | "ERROR"
	Message string `json:"message"`
}

// InboundHeartbeat is the `heartbeat` frame.
type InboundHeartbeat struct {
	Type   string `json:"type"`
	Time   string `json:"time"`
	Status string `json:"status"` // "alive"
}

// Outbound command kinds (spec §4.5/§6).
const (
	ActionBuy          = "BUY"
	ActionSell         = "SELL"
	ActionClose        = "CLOSE"
	ActionModify       = "MODIFY"
	ActionGetPositions = "GET_POSITIONS"
	ActionGetRates     = "GET_RATES"
)

// OutboundCommand is marshaled to the EA; fields irrelevant to a given
// Action are simply omitted by the zero value + omitempty.
type OutboundCommand struct {
	Action    string  `json:"action"`
	Volume    float64 `json:"volume,omitempty"`
	SL        float64 `json:"sl,omitempty"`
	TP        float64 `json:"tp,omitempty"`
	Comment   string  `json:"comment,omitempty"`
	Ticket    int64   `json:"ticket,omitempty"`
	Count     int     `json:"count,omitempty"`
	Timeframe string  `json:"timeframe,omitempty"`
}

// ParseInboundType peeks at the discriminator without committing to a shape.
func ParseInboundType(frame []byte) (string, error) {
	var env InboundEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", ErrProtocolError
	}
	if env.Type == "" {
		return "", ErrProtocolError
	}
	return env.Type, nil
}

const timeLayout = "2006-01-02 15:04:05"
