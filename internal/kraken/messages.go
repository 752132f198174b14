// messages.go defines the WebSocket v2 wire format and its decoding.
//
// Envelopes:
//   - requests:    {"method", "params"}
//   - acks:        {"method", "success", "result", "error"}
//   - data frames: {"channel", "type", "data", "timestamp"}
//
// Channels consumed: ohlc, book, executions. heartbeat and status frames
// are ignored; unknown channels are logged at debug level by the manager.
package kraken

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"krakenbot/pkg/types"
)

// CanonicalSymbol normalises a WS symbol for handler keys: uppercase
// with the slash stripped ("DOGE/USD" → "DOGEUSD").
func CanonicalSymbol(sym string) string {
	return strings.ToUpper(strings.ReplaceAll(sym, "/", ""))
}

// wsRequest is the {"method", "params"} request envelope.
type wsRequest struct {
	Method string    `json:"method"`
	Params *wsParams `json:"params,omitempty"`
}

// wsParams carries subscription parameters. Token is set only on the
// private socket.
type wsParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol,omitempty"`
	Interval int      `json:"interval,omitempty"`
	Depth    int      `json:"depth,omitempty"`
	Snapshot *bool    `json:"snapshot,omitempty"`
	Token    string   `json:"token,omitempty"`
}

// wsEnvelope is the superset of ack and data frames; exactly one of
// Method (ack) or Channel (data) is set.
type wsEnvelope struct {
	Method  string          `json:"method,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Type    string          `json:"type,omitempty"` // snapshot | update
	Data    json.RawMessage `json:"data,omitempty"`
}

// ackResult identifies which subscription an ack refers to.
type ackResult struct {
	Channel  string `json:"channel"`
	Symbol   string `json:"symbol"`
	Interval int    `json:"interval"`
}

// ————————————————————————————————————————————————————————————————————————
// OHLC channel
// ————————————————————————————————————————————————————————————————————————

// OHLCEvent is one decoded candle update from the ohlc channel.
type OHLCEvent struct {
	Symbol   string // canonical, e.g. "DOGEUSD"
	Interval int    // minutes
	Candle   types.Candle
	TSUnixMS int64 // event timestamp in unix milliseconds
}

type ohlcItem struct {
	Symbol        string  `json:"symbol"`
	Interval      int     `json:"interval"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	VWAP          float64 `json:"vwap"`
	Volume        float64 `json:"volume"`
	Trades        int     `json:"trades"`
	IntervalBegin string  `json:"interval_begin"`
	Timestamp     string  `json:"timestamp"`
}

// decodeOHLC converts an ohlc data frame into events, one per payload item.
func decodeOHLC(data json.RawMessage) ([]OHLCEvent, error) {
	var items []ohlcItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, &ParseError{What: "ohlc data", Err: err}
	}

	events := make([]OHLCEvent, 0, len(items))
	for _, it := range items {
		begin := parseISOMillis(it.IntervalBegin)
		events = append(events, OHLCEvent{
			Symbol:   CanonicalSymbol(it.Symbol),
			Interval: it.Interval,
			Candle: types.Candle{
				Time:   begin / 1000,
				Open:   it.Open,
				High:   it.High,
				Low:    it.Low,
				Close:  it.Close,
				Volume: it.Volume,
			},
			TSUnixMS: parseISOMillis(it.Timestamp),
		})
	}
	return events, nil
}

// ————————————————————————————————————————————————————————————————————————
// Book channel
// ————————————————————————————————————————————————————————————————————————

// BookUpdate is one decoded frame from the book channel. Snapshot is true
// when the frame replaces the whole book. Checksum is carried through but
// not verified.
type BookUpdate struct {
	Symbol   string // canonical
	Snapshot bool
	Bids     []types.BookLevel
	Asks     []types.BookLevel
	Checksum uint32
}

type bookItem struct {
	Symbol   string      `json:"symbol"`
	Bids     []bookLevel `json:"bids"`
	Asks     []bookLevel `json:"asks"`
	Checksum uint32      `json:"checksum"`
}

type bookLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

func decodeBook(data json.RawMessage, snapshot bool) ([]BookUpdate, error) {
	var items []bookItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, &ParseError{What: "book data", Err: err}
	}

	updates := make([]BookUpdate, 0, len(items))
	for _, it := range items {
		u := BookUpdate{
			Symbol:   CanonicalSymbol(it.Symbol),
			Snapshot: snapshot,
			Checksum: it.Checksum,
		}
		for _, b := range it.Bids {
			u.Bids = append(u.Bids, types.BookLevel{Price: b.Price, Qty: b.Qty})
		}
		for _, a := range it.Asks {
			u.Asks = append(u.Asks, types.BookLevel{Price: a.Price, Qty: a.Qty})
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// ————————————————————————————————————————————————————————————————————————
// Executions channel
// ————————————————————————————————————————————————————————————————————————

// Execution is one decoded fill from the private executions channel.
// Only entries with exec_type == "trade" are dispatched.
type Execution struct {
	ExecID    string
	OrderID   string
	Symbol    string // canonical
	Side      types.Side
	ExecPrice float64
	ExecQty   float64
	Fee       float64
	Vol       float64
	VolExec   float64
	Timestamp time.Time
}

type execItem struct {
	ExecType  string
	ExecID    string
	OrderID   string
	Symbol    string
	Side      string
	ExecPrice float64
	ExecQty   float64
	Fee       float64
	Vol       float64
	VolExec   float64
	Timestamp string
}

// UnmarshalJSON tolerates numeric fields arriving either as JSON numbers
// or as strings; the v2 executions feed has used both.
func (e *execItem) UnmarshalJSON(data []byte) error {
	var raw struct {
		ExecType  string          `json:"exec_type"`
		ExecID    string          `json:"exec_id"`
		OrderID   string          `json:"order_id"`
		Symbol    string          `json:"symbol"`
		Side      string          `json:"side"`
		ExecPrice json.RawMessage `json:"exec_price"`
		ExecQty   json.RawMessage `json:"exec_qty"`
		Fee       json.RawMessage `json:"fee_usd_equiv"`
		Vol       json.RawMessage `json:"vol"`
		VolExec   json.RawMessage `json:"vol_exec"`
		Timestamp string          `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.ExecType = raw.ExecType
	e.ExecID = raw.ExecID
	e.OrderID = raw.OrderID
	e.Symbol = raw.Symbol
	e.Side = raw.Side
	e.Timestamp = raw.Timestamp
	e.ExecPrice = looseFloat(raw.ExecPrice)
	e.ExecQty = looseFloat(raw.ExecQty)
	e.Fee = looseFloat(raw.Fee)
	e.Vol = looseFloat(raw.Vol)
	e.VolExec = looseFloat(raw.VolExec)
	return nil
}

func looseFloat(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f2, _ := strconv.ParseFloat(s, 64)
		return f2
	}
	return 0
}

func decodeExecutions(data json.RawMessage) ([]Execution, error) {
	var items []execItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, &ParseError{What: "executions data", Err: err}
	}

	execs := make([]Execution, 0, len(items))
	for _, it := range items {
		if it.ExecType != "trade" {
			continue
		}
		ts := time.UnixMilli(parseISOMillis(it.Timestamp))
		execs = append(execs, Execution{
			ExecID:    it.ExecID,
			OrderID:   it.OrderID,
			Symbol:    CanonicalSymbol(it.Symbol),
			Side:      types.Side(it.Side),
			ExecPrice: it.ExecPrice,
			ExecQty:   it.ExecQty,
			Fee:       it.Fee,
			Vol:       it.Vol,
			VolExec:   it.VolExec,
			Timestamp: ts,
		})
	}
	return execs, nil
}

// parseISOMillis converts an RFC3339 timestamp to unix milliseconds,
// returning 0 on failure.
func parseISOMillis(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
