package features

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"krakenbot/internal/config"
	"krakenbot/pkg/types"
)

// CandleSource fetches historical candles. Satisfied by the REST client.
type CandleSource interface {
	HistoricalOHLC(ctx context.Context, restPair string, intervalMin, count int) ([]types.Candle, error)
}

// BookSource supplies live order-book derived features. Satisfied by
// *market.Book.
type BookSource interface {
	Features(targetNotional float64) types.OrderbookFeatures
}

// timeframe names a configured interval and its history lookback.
type timeframe struct {
	Name        string
	IntervalMin int
	Lookback    int
}

// timeframes lists every interval a snapshot covers, with lookbacks deep
// enough for SMA200 on the intraday frames.
var timeframes = []timeframe{
	{"1m", 1, 300},
	{"5m", 5, 300},
	{"15m", 15, 300},
	{"1h", 60, 360},
	{"4h", 240, 360},
	{"1d", 1440, 120},
}

const weeklyIntervalMin = 10080

// Builder produces FeatureSnapshots on demand for one pair.
type Builder struct {
	candles CandleSource
	book    BookSource
	pair    types.Pair
	cfg     config.FeatureConfig
	logger  *slog.Logger
}

// NewBuilder wires a feature builder for a pair.
func NewBuilder(candles CandleSource, book BookSource, pair types.Pair, cfg config.FeatureConfig, logger *slog.Logger) *Builder {
	return &Builder{
		candles: candles,
		book:    book,
		pair:    pair,
		cfg:     cfg,
		logger:  logger.With("component", "features"),
	}
}

// Build fetches history for every timeframe and assembles the snapshot.
// Position and risk state are passed through opaquely. A timeframe whose
// fetch or computation fails is logged and omitted; consumers tolerate
// missing entries.
func (b *Builder) Build(ctx context.Context, pos types.Position, risk types.RiskState) types.FeatureSnapshot {
	snap := types.FeatureSnapshot{
		Pair:       b.pair.WSPair,
		TSUnixMS:   time.Now().UnixMilli(),
		Timeframes: make(map[string]types.TimeframeFeatures, len(timeframes)),
		Position:   pos,
		Risk:       risk,
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, tf := range timeframes {
		wg.Add(1)
		go func(tf timeframe) {
			defer wg.Done()
			candles, err := b.candles.HistoricalOHLC(ctx, b.pair.RestPair, tf.IntervalMin, tf.Lookback)
			if err != nil {
				b.logger.Warn("timeframe fetch failed", "tf", tf.Name, "error", err)
				return
			}
			feats, ok := computeTimeframe(candles)
			if !ok {
				b.logger.Warn("timeframe too short", "tf", tf.Name, "candles", len(candles))
				return
			}
			mu.Lock()
			snap.Timeframes[tf.Name] = feats
			mu.Unlock()
		}(tf)
	}
	wg.Wait()

	if b.book != nil {
		snap.Orderbook = b.book.Features(b.cfg.SlippageNotional)
	}

	b.buildAnchors(ctx, &snap)
	snap.Confluence = confluence(snap.Timeframes)
	snap.Regime = regime(snap.Timeframes)
	snap.Liquidity = liquidityFlags(snap.Timeframes, snap.HTFAnchors)

	return snap
}

// computeTimeframe derives the indicator record for one candle series.
// Requires at least 2 candles; individual indicators degrade to zero
// values when their own lookback is not met.
func computeTimeframe(candles []types.Candle) (types.TimeframeFeatures, bool) {
	if len(candles) < 2 {
		return types.TimeframeFeatures{}, false
	}
	last := candles[len(candles)-1]
	cls := closes(candles)

	var f types.TimeframeFeatures
	f.Close = last.Close
	f.Open = last.Open
	f.High = last.High
	f.Low = last.Low
	f.Volume = last.Volume

	s20, has20 := sma(cls, 20)
	s50, has50 := sma(cls, 50)
	s200, has200 := sma(cls, 200)
	f.SMA20, f.SMA50, f.SMA200 = s20, s50, s200
	f.MAStack = maStack(s20, s50, s200, has20, has50, has200)

	if z, ok := zscore(last.Close, cls, 20); ok {
		f.PriceZ20 = z
	}
	if v, ok := vwap(candles, 20); ok {
		f.VWAP20 = v
	}
	if z, ok := zscore(last.Close, typicalPrices(candles), 20); ok {
		f.VWAPZ = z
	}

	trs := trueRanges(candles)
	atrs := atrSeries(trs, 14)
	if atrs != nil {
		atr := atrs[len(atrs)-1]
		f.ATR14 = atr
		if last.Close != 0 {
			f.ATRPct = atr / last.Close
		}
		// rank the current ATR inside its recent history, warmup excluded
		hist := atrs[14:]
		if len(hist) > 90 {
			hist = hist[len(hist)-90:]
		}
		if p, ok := percentileRank(atr, hist); ok {
			f.ATRPercentile = p
		}
	}
	if len(trs) >= 20 {
		if med, ok := median(trs[len(trs)-20:]); ok && med > 0 {
			f.RangeRatio = trs[len(trs)-1] / med
		}
	}

	if rsi := rsiSeries(cls, 14); rsi != nil {
		f.RSI14 = rsi[len(rsi)-1]
		if len(rsi) >= 16 {
			f.RSISlope = rsi[len(rsi)-1] - rsi[len(rsi)-2]
		}
	}

	if m, ok := macd(cls, 12, 26, 9); ok {
		f.MACD = m.MACD
		f.MACDSignal = m.Signal
		f.MACDHist = m.Hist
		f.MACDSlope = m.Hist - m.PrevHist
	}

	vols := make([]float64, len(candles))
	for i, c := range candles {
		vols[i] = c.Volume
	}
	if z, ok := zscore(last.Volume, vols, 20); ok {
		f.VolumeZ20 = z
	}
	f.OBVDirection = obvDirection(candles, 5)

	f.Swing = swingFeatures(candles, f.ATR14)
	f.Flags = barFlags(candles, trs, f.ATR14)

	n := len(candles)
	start := n - 3
	if start < 0 {
		start = 0
	}
	f.Last3Bars = append([]types.Candle(nil), candles[start:]...)

	return f, true
}

func swingFeatures(candles []types.Candle, atr float64) types.SwingFeatures {
	var sw types.SwingFeatures
	last := candles[len(candles)-1]

	if atr > 0 {
		window := candles
		if len(window) > 50 {
			window = window[len(window)-50:]
		}
		hi, lo := window[0].High, window[0].Low
		for _, c := range window[1:] {
			if c.High > hi {
				hi = c.High
			}
			if c.Low < lo {
				lo = c.Low
			}
		}
		sw.ToLastHighATR = (hi - last.Close) / atr
		sw.ToLastLowATR = (last.Close - lo) / atr
	}

	rng := last.High - last.Low
	if rng > 0 {
		bodyHigh := math.Max(last.Open, last.Close)
		bodyLow := math.Min(last.Open, last.Close)
		sw.UpperWickPct = math.Max(0, last.High-bodyHigh) / rng
		sw.LowerWickPct = math.Max(0, bodyLow-last.Low) / rng
	}
	return sw
}

func barFlags(candles []types.Candle, trs []float64, atr float64) types.BarFlags {
	var fl types.BarFlags
	n := len(candles)
	if atr <= 0 || n < 2 || len(trs) < 2 {
		return fl
	}
	cur, prev := candles[n-1], candles[n-2]
	curTR, prevTR := trs[len(trs)-1], trs[len(trs)-2]

	fl.Breakout = curTR > 0.6*atr && prevTR < 0.4*atr

	sweptHigh := cur.High > prev.High+0.5*atr && cur.Close < prev.High
	sweptLow := cur.Low < prev.Low-0.5*atr && cur.Close > prev.Low
	fl.LiquiditySweep = sweptHigh || sweptLow

	return fl
}

// buildAnchors fetches 5 daily and 5 weekly candles and computes anchor
// levels plus distances from the 15m close in daily-ATR units.
func (b *Builder) buildAnchors(ctx context.Context, snap *types.FeatureSnapshot) {
	daily, err := b.candles.HistoricalOHLC(ctx, b.pair.RestPair, 1440, 5)
	if err != nil || len(daily) < 2 {
		if err != nil {
			b.logger.Warn("daily anchor fetch failed", "error", err)
		}
		return
	}
	weekly, err := b.candles.HistoricalOHLC(ctx, b.pair.RestPair, weeklyIntervalMin, 5)
	if err != nil {
		b.logger.Warn("weekly anchor fetch failed", "error", err)
	}

	var a types.HTFAnchors
	prevDay := daily[len(daily)-2]
	a.PrevDayHigh = prevDay.High
	a.PrevDayLow = prevDay.Low
	a.DailyOpen = daily[len(daily)-1].Open
	if len(weekly) >= 2 {
		prevWeek := weekly[len(weekly)-2]
		a.PrevWeekHigh = prevWeek.High
		a.PrevWeekLow = prevWeek.Low
	}

	tf15, ok := snap.TF("15m")
	dayTF, okDay := snap.TF("1d")
	if ok && okDay && dayTF.ATR14 > 0 {
		atr := dayTF.ATR14
		a.DistPrevDayHighATR = (tf15.Close - a.PrevDayHigh) / atr
		a.DistPrevDayLowATR = (tf15.Close - a.PrevDayLow) / atr
		a.DistDailyOpenATR = (tf15.Close - a.DailyOpen) / atr
		if a.PrevWeekHigh != 0 {
			a.DistPrevWeekHighATR = (tf15.Close - a.PrevWeekHigh) / atr
		}
		if a.PrevWeekLow != 0 {
			a.DistPrevWeekLowATR = (tf15.Close - a.PrevWeekLow) / atr
		}
	}
	snap.HTFAnchors = a
}

// confluence sums independent directional signals into a signed score.
func confluence(tfs map[string]types.TimeframeFeatures) types.Confluence {
	var c types.Confluence
	add := func(delta int, tag string) {
		c.Score += delta
		c.Components = append(c.Components, tag)
	}

	if tf, ok := tfs["15m"]; ok {
		switch tf.MAStack {
		case types.StackBull:
			add(2, "15m-stack-bull")
		case types.StackBear:
			add(-2, "15m-stack-bear")
		}
		if tf.MACDHist > 0 {
			add(1, "15m-macd-pos")
		} else if tf.MACDHist < 0 {
			add(-1, "15m-macd-neg")
		}
		if tf.RSI14 > 55 {
			add(1, "15m-rsi-strong")
		} else if tf.RSI14 != 0 && tf.RSI14 < 45 {
			add(-1, "15m-rsi-weak")
		}
	}
	if tf, ok := tfs["5m"]; ok {
		if tf.PriceZ20 > 1.2 {
			add(1, "5m-price-z-high")
		} else if tf.PriceZ20 < -1.2 {
			add(-1, "5m-price-z-low")
		}
		if tf.VolumeZ20 > 1.5 {
			add(1, "5m-volume-spike")
		}
	}
	if tf, ok := tfs["1h"]; ok {
		switch tf.MAStack {
		case types.StackBull:
			add(1, "1h-stack-bull")
		case types.StackBear:
			add(-1, "1h-stack-bear")
		}
	}
	return c
}

// regime classifies trend, volatility and momentum from the 5m/15m/1h
// frames.
func regime(tfs map[string]types.TimeframeFeatures) types.Regime {
	r := types.Regime{
		Trend:      types.TrendNeutral,
		Volatility: types.VolUnknown,
		Momentum:   types.MomNeutral,
	}

	tf15, ok15 := tfs["15m"]
	tf1h, ok1h := tfs["1h"]
	if ok15 && ok1h {
		bulls := 0
		bears := 0
		for _, st := range []types.MAStack{tf15.MAStack, tf1h.MAStack} {
			switch st {
			case types.StackBull:
				bulls++
			case types.StackBear:
				bears++
			}
		}
		switch {
		case bulls > 0 && bears == 0:
			r.Trend = types.TrendBull
		case bears > 0 && bulls == 0:
			r.Trend = types.TrendBear
		}
	}

	if ok15 && tf15.ATR14 > 0 {
		switch {
		case tf15.ATRPercentile >= 70:
			r.Volatility = types.VolHigh
		case tf15.ATRPercentile <= 30:
			r.Volatility = types.VolLow
		default:
			r.Volatility = types.VolNormal
		}
	}

	tf5, ok5 := tfs["5m"]
	if ok5 && ok15 {
		h5, h15 := tf5.MACDHist, tf15.MACDHist
		switch {
		case h5 > 0 && h15 > 0:
			r.Momentum = types.MomPositive
		case (h5 > 0) != (h15 > 0) && h5 != 0 && h15 != 0:
			r.Momentum = types.MomMixed
		}
	}
	return r
}

// liquidityFlags marks 15m interactions with the daily anchor levels.
func liquidityFlags(tfs map[string]types.TimeframeFeatures, anchors types.HTFAnchors) types.LiquidityFlags {
	var fl types.LiquidityFlags
	tf15, ok := tfs["15m"]
	if !ok || tf15.ATR14 <= 0 || anchors.PrevDayHigh == 0 {
		return fl
	}
	atr := tf15.ATR14

	fl.SweepLow = tf15.Low < anchors.PrevDayLow-0.6*atr && tf15.Close > anchors.PrevDayLow
	fl.SweepHigh = tf15.High > anchors.PrevDayHigh+0.6*atr && tf15.Close < anchors.PrevDayHigh
	fl.BreakAndHoldHigh = tf15.Close > anchors.PrevDayHigh+0.3*atr
	fl.BreakAndHoldLow = tf15.Close < anchors.PrevDayLow-0.3*atr
	return fl
}
