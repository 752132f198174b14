// Package market maintains the local mirror of the exchange order book.
//
// Book is updated from the WebSocket book channel: a snapshot frame
// replaces both sides, an update frame applies per-level deltas where
// qty <= 0 removes the price. It is concurrency-safe and provides the
// derived values the feature builder needs (mid, spread, imbalance,
// slippage estimate).
package market

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"krakenbot/pkg/types"
)

// priceKey renders a price at fixed precision so that deltas for the
// same level always hit the same map entry regardless of float noise.
func priceKey(price float64) string {
	return strconv.FormatFloat(price, 'f', 12, 64)
}

// Book mirrors the L2 book for one pair.
type Book struct {
	mu      sync.RWMutex
	symbol  string // canonical, e.g. "DOGEUSD"
	bids    map[string]types.BookLevel
	asks    map[string]types.BookLevel
	last    float64 // last trade or close price, fed by the price tick path
	updated time.Time
}

// NewBook creates an empty book for a canonical symbol.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   make(map[string]types.BookLevel),
		asks:   make(map[string]types.BookLevel),
	}
}

// Symbol returns the canonical symbol this book tracks.
func (b *Book) Symbol() string {
	return b.symbol
}

// ApplySnapshot replaces both sides of the book.
func (b *Book) ApplySnapshot(bids, asks []types.BookLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]types.BookLevel, len(bids))
	b.asks = make(map[string]types.BookLevel, len(asks))
	for _, lvl := range bids {
		if lvl.Qty > 0 {
			b.bids[priceKey(lvl.Price)] = lvl
		}
	}
	for _, lvl := range asks {
		if lvl.Qty > 0 {
			b.asks[priceKey(lvl.Price)] = lvl
		}
	}
	b.updated = time.Now()
}

// ApplyUpdate applies per-level deltas. qty <= 0 removes the level.
func (b *Book) ApplyUpdate(bids, asks []types.BookLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, lvl := range bids {
		k := priceKey(lvl.Price)
		if lvl.Qty <= 0 {
			delete(b.bids, k)
		} else {
			b.bids[k] = lvl
		}
	}
	for _, lvl := range asks {
		k := priceKey(lvl.Price)
		if lvl.Qty <= 0 {
			delete(b.asks, k)
		} else {
			b.asks[k] = lvl
		}
	}
	b.updated = time.Now()
}

// SetLastPrice records the most recent traded/close price.
func (b *Book) SetLastPrice(p float64) {
	b.mu.Lock()
	b.last = p
	b.updated = time.Now()
	b.mu.Unlock()
}

// LastPrice returns the most recent price seen, 0 if none yet.
func (b *Book) LastPrice() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

// BestBid returns the highest bid. ok is false when the side is empty.
func (b *Book) BestBid() (types.BookLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestLevel(b.bids, func(a, c float64) bool { return a > c })
}

// BestAsk returns the lowest ask. ok is false when the side is empty.
func (b *Book) BestAsk() (types.BookLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestLevel(b.asks, func(a, c float64) bool { return a < c })
}

func bestLevel(side map[string]types.BookLevel, better func(a, c float64) bool) (types.BookLevel, bool) {
	var best types.BookLevel
	found := false
	for _, lvl := range side {
		if !found || better(lvl.Price, best.Price) {
			best = lvl
			found = true
		}
	}
	return best, found
}

// Mid returns (bestBid + bestAsk) / 2. ok is false when either side is
// empty.
func (b *Book) Mid() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// IsStale reports whether no book data has arrived within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// Features derives the order-book feature record for a target notional.
// Each field is nil when the book lacks the data to compute it.
func (b *Book) Features(targetNotional float64) types.OrderbookFeatures {
	b.mu.RLock()
	bids := sortedLevels(b.bids, true)
	asks := sortedLevels(b.asks, false)
	b.mu.RUnlock()

	var out types.OrderbookFeatures

	if len(bids) > 0 {
		p := bids[0].Price
		out.TopBid = &p
	}
	if len(asks) > 0 {
		p := asks[0].Price
		out.TopAsk = &p
	}

	if imb, ok := imbalance(bids, asks); ok {
		out.Imbalance = &imb
	}

	if len(bids) > 0 && len(asks) > 0 {
		mid := (bids[0].Price + asks[0].Price) / 2
		if mid > 0 {
			spread := (asks[0].Price - bids[0].Price) / mid * 10000
			out.SpreadBps = &spread

			buySlip, okBuy := walkSide(asks, mid, targetNotional)
			sellSlip, okSell := walkSide(bids, mid, targetNotional)
			if okBuy && okSell {
				avg := (buySlip + sellSlip) / 2
				out.SlippageBpsSize = &avg
			}
		}
	}
	return out
}

// imbalance = (Σbid_qty − Σask_qty) / (Σbid_qty + Σask_qty), in [-1, 1].
func imbalance(bids, asks []types.BookLevel) (float64, bool) {
	var bidQty, askQty float64
	for _, l := range bids {
		bidQty += l.Qty
	}
	for _, l := range asks {
		askQty += l.Qty
	}
	total := bidQty + askQty
	if total <= 0 {
		return 0, false
	}
	return (bidQty - askQty) / total, true
}

// walkSide consumes targetNotional quote units of depth and returns the
// absolute bps deviation of the achieved average price from mid. ok is
// false when the side cannot absorb the notional.
func walkSide(levels []types.BookLevel, mid, targetNotional float64) (float64, bool) {
	if targetNotional <= 0 || mid <= 0 {
		return 0, false
	}
	remaining := targetNotional
	var cost, qty float64
	for _, lvl := range levels {
		levelNotional := lvl.Price * lvl.Qty
		take := levelNotional
		if take > remaining {
			take = remaining
		}
		cost += take
		qty += take / lvl.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 || qty == 0 {
		return 0, false
	}
	avgPrice := cost / qty
	dev := (avgPrice - mid) / mid * 10000
	if dev < 0 {
		dev = -dev
	}
	return dev, true
}

func sortedLevels(side map[string]types.BookLevel, descending bool) []types.BookLevel {
	out := make([]types.BookLevel, 0, len(side))
	for _, lvl := range side {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}
