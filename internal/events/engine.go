// Package events decides when the decision maker should be consulted.
//
// The engine is a debounced state machine: detectors diff the latest
// feature snapshot against remembered state and accumulate reasons into
// a pending set; the set is flushed at most once per debounce window.
package events

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"krakenbot/internal/config"
	"krakenbot/pkg/types"
)

// TickMeta carries per-tick side information from the gateway.
type TickMeta struct {
	// ThresholdTriggered is set by the rolling price-change detector.
	ThresholdTriggered bool
}

// bucketMinutes are the closed-bar boundaries that force an evaluation.
var bucketMinutes = []int{5, 15, 60}

// Engine accumulates evaluation reasons and gates their emission.
type Engine struct {
	cfg    config.EventConfig
	logger *slog.Logger

	mu         sync.Mutex
	lastBucket map[int]int64
	lastTrend  types.Trend
	hasTrend   bool
	lastVol    types.Volatility
	hasVol     bool
	lastScore  int
	hasScore   bool
	lastLiq    types.LiquidityFlags
	ddBreached bool
	pending    map[string]struct{}
	lastEmit   time.Time
}

// NewEngine creates an event engine with remembered state empty.
func NewEngine(cfg config.EventConfig, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "events"),
		lastBucket: make(map[int]int64),
		pending:    make(map[string]struct{}),
	}
}

// Reset clears all remembered state. Called on orchestrator stop.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastBucket = make(map[int]int64)
	e.hasTrend = false
	e.hasVol = false
	e.hasScore = false
	e.lastLiq = types.LiquidityFlags{}
	e.ddBreached = false
	e.pending = make(map[string]struct{})
	e.lastEmit = time.Time{}
}

// ShouldEvaluate reports whether an evaluation cycle should run now:
// a 5m/15m/60m bar just closed, the price feed tripped its threshold,
// or pending reasons exist and the debounce interval has elapsed.
func (e *Engine) ShouldEvaluate(now time.Time, meta TickMeta) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	barClosed := false
	for _, m := range bucketMinutes {
		idx := now.Unix() / int64(m*60)
		if prev, seen := e.lastBucket[m]; !seen || idx != prev {
			e.lastBucket[m] = idx
			if seen {
				barClosed = true
			}
		}
	}
	if barClosed {
		return true
	}
	if meta.ThresholdTriggered {
		return true
	}
	if len(e.pending) > 0 && now.Sub(e.lastEmit) >= e.cfg.Debounce {
		return true
	}
	return false
}

// Detect diffs the snapshot against remembered state, accumulates
// reasons into the pending set, and flushes the set when the debounce
// gate allows. A nil return means the gate held the reasons back.
func (e *Engine) Detect(now time.Time, snap *types.FeatureSnapshot, meta TickMeta) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.detectTrendFlip(snap)
	e.detectVolRegime(snap)
	e.detectConfluenceDelta(snap)
	e.detectLiquidity(snap)
	e.detectDrawdown(snap)
	e.detectTimeStop(snap)
	if meta.ThresholdTriggered {
		e.add("MomentumSpike(PriceFeed)")
	}

	if len(e.pending) == 0 {
		return nil
	}
	if !e.lastEmit.IsZero() && now.Sub(e.lastEmit) < e.cfg.Debounce {
		return nil
	}

	reasons := make([]string, 0, len(e.pending))
	for r := range e.pending {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	e.pending = make(map[string]struct{})
	e.lastEmit = now
	e.logger.Info("evaluation triggered", "reasons", reasons)
	return reasons
}

func (e *Engine) add(reason string) {
	e.pending[reason] = struct{}{}
}

func (e *Engine) detectTrendFlip(snap *types.FeatureSnapshot) {
	trend := snap.Regime.Trend
	if e.hasTrend && trend != e.lastTrend {
		switch trend {
		case types.TrendBull:
			e.add("TrendFlip-Up(15m)")
		case types.TrendBear:
			e.add("TrendFlip-Down(15m)")
		default:
			e.add("TrendFlip-Neutral(15m)")
		}
	}
	e.lastTrend = trend
	e.hasTrend = true
}

func (e *Engine) detectVolRegime(snap *types.FeatureSnapshot) {
	vol := snap.Regime.Volatility
	if vol == types.VolUnknown {
		return
	}
	changed := e.hasVol && vol != e.lastVol
	initial := !e.hasVol && (vol == types.VolHigh || vol == types.VolLow)
	if changed || initial {
		switch vol {
		case types.VolHigh:
			e.add("VolatilityRegimeHigh(15m)")
		case types.VolLow:
			e.add("VolatilityRegimeLow(15m)")
		default:
			e.add("VolatilityRegimeNormal(15m)")
		}
	}
	e.lastVol = vol
	e.hasVol = true
}

func (e *Engine) detectConfluenceDelta(snap *types.FeatureSnapshot) {
	score := snap.Confluence.Score
	if e.hasScore {
		delta := score - e.lastScore
		if delta < 0 {
			delta = -delta
		}
		if delta >= e.cfg.ConfluenceDelta {
			e.add(fmt.Sprintf("ConfluenceDelta(%d->%d)", e.lastScore, score))
		}
	}
	e.lastScore = score
	e.hasScore = true
}

// detectLiquidity fires on rising edges only; a flag must return to
// false before it can fire again.
func (e *Engine) detectLiquidity(snap *types.FeatureSnapshot) {
	cur := snap.Liquidity
	if cur.SweepLow && !e.lastLiq.SweepLow {
		e.add("LiquiditySweep(Low)")
	}
	if cur.SweepHigh && !e.lastLiq.SweepHigh {
		e.add("LiquiditySweep(High)")
	}
	if cur.BreakAndHoldHigh && !e.lastLiq.BreakAndHoldHigh {
		e.add("BreakAndHold(High)")
	}
	if cur.BreakAndHoldLow && !e.lastLiq.BreakAndHoldLow {
		e.add("BreakAndHold(Low)")
	}
	e.lastLiq = cur
}

// detectDrawdown fires once per breach; duplicates are suppressed until
// the daily PnL recovers above the guard level.
func (e *Engine) detectDrawdown(snap *types.FeatureSnapshot) {
	breached := snap.Risk.DailyPnLPct <= -e.cfg.DrawdownGuardPct
	if breached && !e.ddBreached {
		e.add(fmt.Sprintf("DrawdownGuardrail(%.2f%%)", snap.Risk.DailyPnLPct))
	}
	e.ddBreached = breached
}

func (e *Engine) detectTimeStop(snap *types.FeatureSnapshot) {
	pos := snap.Position
	if pos.Side != types.Long {
		return
	}
	r := pos.UnrealizedR
	if r < 0 {
		r = -r
	}
	if pos.BarsOpen5m >= e.cfg.TimeStopBars && r < 0.5 {
		e.add(fmt.Sprintf("TimeStop(%d bars)", pos.BarsOpen5m))
	}
}
