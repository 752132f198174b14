// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — candles, pair
// metadata, order book levels, decisions, fills, and snapshot records.
// It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType enumerates the supported order types on the spot API.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// PositionSide is the direction of the bot's spot position. The bot is
// long-only: it either holds base currency (Long) or quote currency (Flat).
type PositionSide string

const (
	Flat PositionSide = "FLAT"
	Long PositionSide = "LONG"
)

// Action is a normalised trading decision returned by the decision adapter.
type Action string

const (
	ActionHold         Action = "HOLD"
	ActionOpenLong     Action = "OPEN_LONG"
	ActionAdd          Action = "ADD"
	ActionTrim         Action = "TRIM"
	ActionClosePartial Action = "CLOSE_PARTIAL"
	ActionCloseAll     Action = "CLOSE_ALL"
	ActionMoveStop     Action = "MOVE_STOP"
	ActionSetTP        Action = "SET_TP"
	ActionPause        Action = "PAUSE"
)

// ValidAction reports whether a is one of the known decision actions.
func ValidAction(a Action) bool {
	switch a {
	case ActionHold, ActionOpenLong, ActionAdd, ActionTrim,
		ActionClosePartial, ActionCloseAll, ActionMoveStop,
		ActionSetTP, ActionPause:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Candle is a single OHLC bar. The timestamp is the bar's begin time in
// unix seconds. The most recent candle is provisional and updated
// tick-by-tick until the interval rolls over.
type Candle struct {
	Time   int64 // bar begin, unix seconds
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// PairMetadata describes a tradable pair as reported by AssetPairs.
// All submitted prices and volumes must be rounded to PriceDecimals /
// VolumeDecimals before transmission.
type PairMetadata struct {
	Altname        string  // REST pair name, e.g. "XDGUSD"
	WSName         string  // WS v2 symbol, e.g. "DOGE/USD"
	Base           string  // base asset code
	Quote          string  // quote asset code
	PriceDecimals  int     // pair_decimals
	VolumeDecimals int     // lot_decimals
	MinOrderVolume float64 // ordermin
	MinOrderCost   float64 // costmin
}

// BookLevel is one bid or ask level in the L2 book.
type BookLevel struct {
	Price float64
	Qty   float64
}

// Ticker is a compact top-of-book view from the REST Ticker endpoint.
type Ticker struct {
	Pair string
	Bid  float64
	Ask  float64
	Last float64
}

// Fill records a single execution against the account.
type Fill struct {
	OrderID   string
	Pair      string
	Side      Side
	Price     float64
	Qty       float64
	Fee       float64
	Timestamp time.Time
	Synthetic bool // true for dry-run fills applied locally
}

// ————————————————————————————————————————————————————————————————————————
// Position and risk
// ————————————————————————————————————————————————————————————————————————

// Position is the bot's single spot position. Invariant:
// Side == FLAT ⇔ Size == 0 ⇔ AvgPrice == 0.
type Position struct {
	Side        PositionSide `json:"side"`
	Size        float64      `json:"size"`
	AvgPrice    float64      `json:"avg_price"`
	OpenedAtMS  int64        `json:"opened_at_ms"`
	UnrealizedR float64      `json:"unrealized_r"`
	BarsOpen5m  int          `json:"bars_open_5m"`
}

// RiskState is the public view of the execution engine's risk ledger,
// injected into feature snapshots and the event engine.
type RiskState struct {
	DailyStartBalance float64 `json:"daily_start_balance"`
	RealizedPnLQuote  float64 `json:"realized_pnl_quote"`
	DailyPnLPct       float64 `json:"daily_pnl_pct"`
	LossStreak        int     `json:"loss_streak"`
	PauseUntilMS      int64   `json:"pause_until_ms"`
}

// Paused reports whether trading is paused at the given time.
func (r RiskState) Paused(now time.Time) bool {
	return now.UnixMilli() < r.PauseUntilMS
}

// ————————————————————————————————————————————————————————————————————————
// Decisions
// ————————————————————————————————————————————————————————————————————————

// Entry describes how an opening order should be priced.
type Entry struct {
	Type      OrderType `json:"type"`                 // market or limit
	OffsetBps float64   `json:"offset_bps,omitempty"` // limit offset from reference, basis points
}

// Decision is the normalised output of the decision adapter. Numeric
// fields are nil when the model did not supply a usable value.
type Decision struct {
	Action    Action   `json:"action"`
	SizePct   *float64 `json:"size_pct,omitempty"`
	Entry     *Entry   `json:"entry,omitempty"`
	StopATR   *float64 `json:"stop_atr,omitempty"`
	TPATR     *float64 `json:"tp_atr,omitempty"`
	Followups []string `json:"followups,omitempty"`
	Comment   string   `json:"comment"`
}

// HoldDecision builds a HOLD with the given comment.
func HoldDecision(comment string) Decision {
	return Decision{Action: ActionHold, Comment: comment}
}

// ————————————————————————————————————————————————————————————————————————
// Execution results
// ————————————————————————————————————————————————————————————————————————

// ExecStatus classifies the outcome of executing a decision. Expected
// control transitions (skips, rejections) are values, not errors.
type ExecStatus string

const (
	ExecOK       ExecStatus = "ok"
	ExecNoop     ExecStatus = "noop"
	ExecIgnored  ExecStatus = "ignored"
	ExecRejected ExecStatus = "rejected"
	ExecPaused   ExecStatus = "paused"
	ExecDeferred ExecStatus = "deferred"
	ExecError    ExecStatus = "error"
)

// ExecutionResult is returned by the execution engine for every decision.
type ExecutionResult struct {
	Status     ExecStatus
	Reason     string
	DryRun     bool
	Payload    map[string]string // order payload as submitted (or would-be, dry-run)
	OrderID    string
	PauseUntil time.Time
}
