// Package exec is the execution engine: it turns normalised decisions
// into precision-rounded exchange orders and keeps the position/risk
// ledger consistent with the fills that come back.
package exec

import (
	"log/slog"
	"sync"
	"time"

	"krakenbot/pkg/types"
)

// lossWindowSize bounds the trade-outcome ring used for cooldowns.
const lossWindowSize = 5

// Ledger holds the single spot position and the risk bookkeeping around
// it. All methods are safe for concurrent use; fills arrive from the
// private socket while the evaluation cycle reads state.
type Ledger struct {
	mu sync.Mutex

	position     types.Position
	stopDistance float64 // quote distance entry->stop, for R computation

	dailyStart   float64 // captured on first balance snapshot
	realizedPnL  float64
	outcomes     []bool // true = loss, newest last, bounded to lossWindowSize
	pauseUntilMS int64

	seenOrders map[string]appliedOrder // fill dedup and synthetic-fill reconciliation

	logger *slog.Logger
}

// appliedOrder remembers how an order's fill was booked, so the first
// real execution arriving for a synthetically filled order can correct
// the estimated price.
type appliedOrder struct {
	synthetic bool
	side      types.Side
	price     float64
	qty       float64
}

// NewLedger creates an empty ledger.
func NewLedger(logger *slog.Logger) *Ledger {
	return &Ledger{
		seenOrders: make(map[string]appliedOrder),
		logger:     logger.With("component", "ledger"),
	}
}

// Position returns a copy of the current position.
func (l *Ledger) Position() types.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position
}

// RiskState returns the public risk view.
func (l *Ledger) RiskState() types.RiskState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return types.RiskState{
		DailyStartBalance: l.dailyStart,
		RealizedPnLQuote:  l.realizedPnL,
		DailyPnLPct:       l.dailyPnLPctLocked(),
		LossStreak:        l.lossCountLocked(),
		PauseUntilMS:      l.pauseUntilMS,
	}
}

// dailyPnLPctLocked stays at 0 when no start balance was captured.
func (l *Ledger) dailyPnLPctLocked() float64 {
	if l.dailyStart == 0 {
		return 0
	}
	return l.realizedPnL / l.dailyStart * 100
}

func (l *Ledger) lossCountLocked() int {
	n := 0
	for _, loss := range l.outcomes {
		if loss {
			n++
		}
	}
	return n
}

// CaptureStartBalance records the daily starting balance once; later
// calls are ignored.
func (l *Ledger) CaptureStartBalance(balance float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dailyStart == 0 && balance > 0 {
		l.dailyStart = balance
		l.logger.Info("daily start balance captured", "balance", balance)
	}
}

// Paused reports whether trading is paused at the given time.
func (l *Ledger) Paused(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return now.UnixMilli() < l.pauseUntilMS
}

// PauseUntil sets the pause deadline.
func (l *Ledger) PauseUntil(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pauseUntilMS = t.UnixMilli()
}

// SetStopDistance records the quote distance between entry and stop for
// unrealized-R computation. Zero means unknown.
func (l *Ledger) SetStopDistance(d float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d > 0 {
		l.stopDistance = d
	}
}

// UpdateMarket refreshes the position's mark-dependent fields: the
// unrealized R multiple and the 5m bar age. atr5m is the fallback risk
// unit when no stop distance was recorded.
func (l *Ledger) UpdateMarket(price, atr5m float64, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.position.Side != types.Long {
		return
	}

	unit := l.stopDistance
	if unit <= 0 {
		unit = atr5m
	}
	if unit > 0 {
		l.position.UnrealizedR = (price - l.position.AvgPrice) / unit
	}
	if l.position.OpenedAtMS > 0 {
		age := now.UnixMilli() - l.position.OpenedAtMS
		l.position.BarsOpen5m = int(age / (5 * 60 * 1000))
	}
}

// ApplyFill folds one execution into the ledger. Fills are deduplicated
// by order id: the first fill per order is booked, and when that first
// fill was a synthetic estimate, the first real execution for the same
// order corrects its price. Anything after that is ignored. pauseAfter
// and pauseFor configure the loss-streak cooldown; the return value is
// true when this fill triggered it.
func (l *Ledger) ApplyFill(fill types.Fill, pauseAfter int, pauseFor time.Duration, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if fill.OrderID != "" {
		if rec, ok := l.seenOrders[fill.OrderID]; ok {
			if rec.synthetic && !fill.Synthetic {
				l.reconcileLocked(fill.OrderID, rec, fill)
			} else {
				l.logger.Debug("duplicate fill ignored", "order_id", fill.OrderID)
			}
			return false
		}
		l.seenOrders[fill.OrderID] = appliedOrder{
			synthetic: fill.Synthetic,
			side:      fill.Side,
			price:     fill.Price,
			qty:       fill.Qty,
		}
	}

	switch fill.Side {
	case types.Buy:
		l.applyBuyLocked(fill, now)
		return false
	case types.Sell:
		return l.applySellLocked(fill, pauseAfter, pauseFor, now)
	default:
		l.logger.Warn("fill with unknown side ignored", "side", fill.Side)
		return false
	}
}

func (l *Ledger) applyBuyLocked(fill types.Fill, now time.Time) {
	p := &l.position
	newSize := p.Size + fill.Qty
	if newSize > 0 {
		p.AvgPrice = (p.AvgPrice*p.Size + fill.Price*fill.Qty) / newSize
	}
	p.Size = newSize
	p.Side = types.Long
	if p.OpenedAtMS == 0 {
		p.OpenedAtMS = now.UnixMilli()
	}
	l.logger.Info("buy fill applied",
		"qty", fill.Qty, "price", fill.Price, "size", p.Size, "avg", p.AvgPrice,
		"synthetic", fill.Synthetic)
}

func (l *Ledger) applySellLocked(fill types.Fill, pauseAfter int, pauseFor time.Duration, now time.Time) bool {
	p := &l.position
	if p.Size <= 0 {
		l.logger.Warn("sell fill with no position ignored", "order_id", fill.OrderID)
		return false
	}

	qty := fill.Qty
	if qty > p.Size {
		qty = p.Size
	}
	pnl := (fill.Price - p.AvgPrice) * qty
	l.realizedPnL += pnl
	p.Size -= qty

	if p.Size <= 0 {
		// flat again: the invariant ties side, size and avg price together
		l.position = types.Position{Side: types.Flat}
		l.stopDistance = 0
	}

	loss := pnl < 0
	l.outcomes = append(l.outcomes, loss)
	if len(l.outcomes) > lossWindowSize {
		l.outcomes = l.outcomes[len(l.outcomes)-lossWindowSize:]
	}

	l.logger.Info("sell fill applied",
		"qty", qty, "price", fill.Price, "pnl", pnl, "size", p.Size,
		"synthetic", fill.Synthetic)

	if loss && l.lossCountLocked() >= pauseAfter && pauseAfter > 0 {
		l.pauseUntilMS = now.Add(pauseFor).UnixMilli()
		l.logger.Warn("loss streak cooldown engaged",
			"losses_in_window", l.lossCountLocked(), "until", now.Add(pauseFor))
		return true
	}
	return false
}

// reconcileLocked replaces the estimated price of a synthetic fill with
// the first real execution's price. Buys shift the average entry while
// the estimated units are still held; sells shift realized PnL by the
// price delta. Quantities are not corrected; market orders fill in full.
func (l *Ledger) reconcileLocked(orderID string, rec appliedOrder, real types.Fill) {
	delta := real.Price - rec.price
	updated := rec
	updated.synthetic = false
	updated.price = real.Price
	l.seenOrders[orderID] = updated
	if delta == 0 {
		return
	}

	switch rec.side {
	case types.Buy:
		if l.position.Side == types.Long && l.position.Size >= rec.qty {
			l.position.AvgPrice += delta * rec.qty / l.position.Size
		}
	case types.Sell:
		l.realizedPnL += delta * rec.qty
	}
	l.logger.Info("synthetic fill reconciled",
		"order_id", orderID, "estimated", rec.price, "actual", real.Price, "qty", rec.qty)
}

// ledgerState is the persisted form of the ledger.
type ledgerState struct {
	Position     types.Position `json:"position"`
	StopDistance float64        `json:"stop_distance"`
	DailyStart   float64        `json:"daily_start"`
	RealizedPnL  float64        `json:"realized_pnl"`
	Outcomes     []bool         `json:"outcomes"`
	PauseUntilMS int64          `json:"pause_until_ms"`
}

// Snapshot exports the ledger for persistence.
func (l *Ledger) Snapshot() ledgerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ledgerState{
		Position:     l.position,
		StopDistance: l.stopDistance,
		DailyStart:   l.dailyStart,
		RealizedPnL:  l.realizedPnL,
		Outcomes:     append([]bool(nil), l.outcomes...),
		PauseUntilMS: l.pauseUntilMS,
	}
}

// Restore overwrites the ledger from a persisted state.
func (l *Ledger) Restore(s ledgerState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.position = s.Position
	l.stopDistance = s.StopDistance
	l.dailyStart = s.DailyStart
	l.realizedPnL = s.RealizedPnL
	l.outcomes = append([]bool(nil), s.Outcomes...)
	l.pauseUntilMS = s.PauseUntilMS
}
