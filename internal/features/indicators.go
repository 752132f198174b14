// Package features turns historical candles plus the live book into a
// FeatureSnapshot for the decision layer.
//
// indicators.go holds the pure math: every function takes a candle or
// value series ordered oldest-first and returns (value, ok) where ok is
// false when the series is too short. No indicator ever extrapolates.
package features

import (
	"math"
	"sort"

	"krakenbot/pkg/types"
)

// closes extracts the close series.
func closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// sma returns the simple moving average of the last period values.
func sma(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// emaSeries computes the full EMA series with SMA seeding over the first
// period values. Returns nil when the input is shorter than period.
func emaSeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]float64, len(values))
	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)
	k := 2.0 / (float64(period) + 1)
	out[period-1] = seed
	for i := period; i < len(values); i++ {
		out[i] = (values[i]-out[i-1])*k + out[i-1]
	}
	// backfill the warmup region so callers can index freely
	for i := 0; i < period-1; i++ {
		out[i] = seed
	}
	return out
}

// stddev returns the population standard deviation of the last period values.
func stddev(values []float64, period int) (float64, bool) {
	mean, ok := sma(values, period)
	if !ok {
		return 0, false
	}
	var sq float64
	for _, v := range values[len(values)-period:] {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(period)), true
}

// zscore returns (x − mean) / stddev over the last period values,
// 0 when the deviation is degenerate.
func zscore(x float64, values []float64, period int) (float64, bool) {
	mean, ok := sma(values, period)
	if !ok {
		return 0, false
	}
	sd, _ := stddev(values, period)
	if sd == 0 {
		return 0, true
	}
	return (x - mean) / sd, true
}

// rsiSeries computes Wilder-smoothed RSI for the whole series. The first
// period entries are zero (warmup).
func rsiSeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) <= period {
		return nil
	}
	out := make([]float64, len(values))
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiFrom(avgGain, avgLoss)
	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiFrom(avgGain, avgLoss)
	}
	return out
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// macdResult carries the current MACD values plus the previous histogram
// so the caller can derive a slope.
type macdResult struct {
	MACD     float64
	Signal   float64
	Hist     float64
	PrevHist float64
}

// macd computes MACD(fast, slow, signal) with EMA-of-EMA smoothing.
func macd(values []float64, fast, slow, signalPeriod int) (macdResult, bool) {
	if len(values) < slow+signalPeriod {
		return macdResult{}, false
	}
	fastEMA := emaSeries(values, fast)
	slowEMA := emaSeries(values, slow)
	line := make([]float64, len(values))
	for i := range values {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	// the line is meaningful only after slow warmup
	signal := emaSeries(line[slow-1:], signalPeriod)
	if signal == nil {
		return macdResult{}, false
	}
	n := len(signal)
	cur := line[len(line)-1]
	sig := signal[n-1]
	res := macdResult{MACD: cur, Signal: sig, Hist: cur - sig}
	if n >= 2 {
		prevLine := line[len(line)-2]
		res.PrevHist = prevLine - signal[n-2]
	}
	return res, true
}

// trueRanges computes the true-range series; entry i covers candles[i]
// against candles[i-1] (first entry uses high−low only).
func trueRanges(candles []types.Candle) []float64 {
	if len(candles) == 0 {
		return nil
	}
	out := make([]float64, len(candles))
	out[0] = candles[0].High - candles[0].Low
	for i := 1; i < len(candles); i++ {
		h, l, pc := candles[i].High, candles[i].Low, candles[i-1].Close
		tr := h - l
		if d := math.Abs(h - pc); d > tr {
			tr = d
		}
		if d := math.Abs(l - pc); d > tr {
			tr = d
		}
		out[i] = tr
	}
	return out
}

// atrSeries computes the Wilder-smoothed ATR series from true ranges.
// The first period entries are zero (warmup).
func atrSeries(trs []float64, period int) []float64 {
	if period <= 0 || len(trs) < period+1 {
		return nil
	}
	out := make([]float64, len(trs))
	var seed float64
	for _, tr := range trs[1 : period+1] {
		seed += tr
	}
	out[period] = seed / float64(period)
	for i := period + 1; i < len(trs); i++ {
		out[i] = (out[i-1]*float64(period-1) + trs[i]) / float64(period)
	}
	return out
}

// percentileRank returns the rank of x within values as a percentage:
// the share of values strictly below x, scaled to [0, 100].
func percentileRank(x float64, values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	below := 0
	for _, v := range values {
		if v < x {
			below++
		}
	}
	return float64(below) / float64(len(values)) * 100, true
}

// median returns the median of values.
func median(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], true
	}
	return (sorted[mid-1] + sorted[mid]) / 2, true
}

// vwap returns the volume-weighted average of typical prices
// (h+l+c)/3 over the last period candles.
func vwap(candles []types.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period {
		return 0, false
	}
	var pv, vol float64
	for _, c := range candles[len(candles)-period:] {
		tp := (c.High + c.Low + c.Close) / 3
		pv += tp * c.Volume
		vol += c.Volume
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

// typicalPrices extracts (h+l+c)/3 per candle.
func typicalPrices(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = (c.High + c.Low + c.Close) / 3
	}
	return out
}

// obvSeries computes on-balance volume.
func obvSeries(candles []types.Candle) []float64 {
	if len(candles) == 0 {
		return nil
	}
	out := make([]float64, len(candles))
	for i := 1; i < len(candles); i++ {
		switch {
		case candles[i].Close > candles[i-1].Close:
			out[i] = out[i-1] + candles[i].Volume
		case candles[i].Close < candles[i-1].Close:
			out[i] = out[i-1] - candles[i].Volume
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

// obvDirection is the sign of OBV[n] − OBV[n−lag].
func obvDirection(candles []types.Candle, lag int) int {
	obv := obvSeries(candles)
	if len(obv) <= lag {
		return 0
	}
	d := obv[len(obv)-1] - obv[len(obv)-1-lag]
	switch {
	case d > 0:
		return 1
	case d < 0:
		return -1
	default:
		return 0
	}
}

// maStack classifies the SMA ordering. With all three averages present
// it requires a strict chain; with only 20/50 it falls back to a two-MA
// comparison; otherwise neutral.
func maStack(sma20, sma50, sma200 float64, has20, has50, has200 bool) types.MAStack {
	switch {
	case has20 && has50 && has200:
		if sma20 > sma50 && sma50 > sma200 {
			return types.StackBull
		}
		if sma20 < sma50 && sma50 < sma200 {
			return types.StackBear
		}
	case has20 && has50:
		if sma20 > sma50 {
			return types.StackBull
		}
		if sma20 < sma50 {
			return types.StackBear
		}
	}
	return types.StackNeutral
}
