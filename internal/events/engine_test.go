package events

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"krakenbot/internal/config"
	"krakenbot/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEngine() *Engine {
	return NewEngine(config.EventConfig{
		Debounce:         60 * time.Second,
		DrawdownGuardPct: 2,
		TimeStopBars:     36,
		ConfluenceDelta:  2,
	}, quietLogger())
}

func snapWith(mod func(*types.FeatureSnapshot)) *types.FeatureSnapshot {
	s := &types.FeatureSnapshot{
		Regime: types.Regime{
			Trend:      types.TrendNeutral,
			Volatility: types.VolNormal,
			Momentum:   types.MomNeutral,
		},
	}
	if mod != nil {
		mod(s)
	}
	return s
}

func hasReason(reasons []string, prefix string) bool {
	for _, r := range reasons {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}

func TestShouldEvaluateBarClose(t *testing.T) {
	t.Parallel()

	e := testEngine()
	base := time.Date(2026, 1, 5, 12, 0, 1, 0, time.UTC)

	// first tick seeds the buckets, no evaluation yet
	if e.ShouldEvaluate(base, TickMeta{}) {
		t.Error("first tick should only seed buckets")
	}
	// same 5m bucket
	if e.ShouldEvaluate(base.Add(30*time.Second), TickMeta{}) {
		t.Error("mid-bucket tick triggered")
	}
	// crossing a 5m boundary
	if !e.ShouldEvaluate(base.Add(5*time.Minute), TickMeta{}) {
		t.Error("5m bar close did not trigger")
	}
}

func TestShouldEvaluateThreshold(t *testing.T) {
	t.Parallel()

	e := testEngine()
	now := time.Date(2026, 1, 5, 12, 0, 1, 0, time.UTC)
	e.ShouldEvaluate(now, TickMeta{}) // seed

	if !e.ShouldEvaluate(now.Add(time.Second), TickMeta{ThresholdTriggered: true}) {
		t.Error("threshold trigger ignored")
	}
}

func TestShouldEvaluatePendingAfterDebounce(t *testing.T) {
	t.Parallel()

	e := testEngine()
	now := time.Date(2026, 1, 5, 12, 0, 1, 0, time.UTC)
	e.ShouldEvaluate(now, TickMeta{}) // seed

	// accumulate a reason and emit it, starting the debounce window
	s := snapWith(func(s *types.FeatureSnapshot) { s.Regime.Trend = types.TrendBull })
	e.Detect(now, snapWith(nil), TickMeta{})
	if got := e.Detect(now.Add(time.Second), s, TickMeta{}); !hasReason(got, "TrendFlip-Up") {
		t.Fatalf("flip not emitted: %v", got)
	}

	// a new reason lands mid-window: held back as pending
	s2 := snapWith(func(s *types.FeatureSnapshot) { s.Regime.Trend = types.TrendBear })
	if got := e.Detect(now.Add(2*time.Second), s2, TickMeta{}); got != nil {
		t.Fatalf("emission inside debounce window: %v", got)
	}
	if e.ShouldEvaluate(now.Add(10*time.Second), TickMeta{}) {
		t.Error("pending reasons triggered before debounce elapsed")
	}
	if !e.ShouldEvaluate(now.Add(62*time.Second), TickMeta{}) {
		t.Error("pending reasons did not trigger after debounce")
	}
	if got := e.Detect(now.Add(62*time.Second), s2, TickMeta{}); !hasReason(got, "TrendFlip-Down") {
		t.Errorf("held reason lost: %v", got)
	}
}

func TestTrendFlipDetection(t *testing.T) {
	t.Parallel()

	e := testEngine()
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	// first observation records state without firing
	if got := e.Detect(now, snapWith(nil), TickMeta{}); got != nil {
		t.Errorf("initial observation emitted: %v", got)
	}

	bull := snapWith(func(s *types.FeatureSnapshot) { s.Regime.Trend = types.TrendBull })
	got := e.Detect(now.Add(61*time.Second), bull, TickMeta{})
	if !hasReason(got, "TrendFlip-Up") {
		t.Errorf("bull flip: %v", got)
	}

	// unchanged trend stays quiet
	if got := e.Detect(now.Add(125*time.Second), bull, TickMeta{}); got != nil {
		t.Errorf("steady trend emitted: %v", got)
	}
}

func TestVolatilityRegimeChange(t *testing.T) {
	t.Parallel()

	e := testEngine()
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	// initial entry directly into high volatility fires
	high := snapWith(func(s *types.FeatureSnapshot) { s.Regime.Volatility = types.VolHigh })
	if got := e.Detect(now, high, TickMeta{}); !hasReason(got, "VolatilityRegimeHigh") {
		t.Errorf("initial high-vol entry: %v", got)
	}

	normal := snapWith(func(s *types.FeatureSnapshot) { s.Regime.Volatility = types.VolNormal })
	if got := e.Detect(now.Add(61*time.Second), normal, TickMeta{}); !hasReason(got, "VolatilityRegimeNormal") {
		t.Errorf("high->normal: %v", got)
	}

	// unknown never fires and does not clobber remembered state
	unknown := snapWith(func(s *types.FeatureSnapshot) { s.Regime.Volatility = types.VolUnknown })
	if got := e.Detect(now.Add(122*time.Second), unknown, TickMeta{}); got != nil {
		t.Errorf("unknown vol emitted: %v", got)
	}
}

func TestConfluenceDelta(t *testing.T) {
	t.Parallel()

	e := testEngine()
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	e.Detect(now, snapWith(func(s *types.FeatureSnapshot) { s.Confluence.Score = 1 }), TickMeta{})

	// |Δ| = 1 stays quiet
	if got := e.Detect(now.Add(61*time.Second), snapWith(func(s *types.FeatureSnapshot) { s.Confluence.Score = 2 }), TickMeta{}); got != nil {
		t.Errorf("small delta emitted: %v", got)
	}
	// |Δ| = 3 fires with prev->cur rendering
	got := e.Detect(now.Add(122*time.Second), snapWith(func(s *types.FeatureSnapshot) { s.Confluence.Score = 5 }), TickMeta{})
	if !hasReason(got, "ConfluenceDelta(2->5)") {
		t.Errorf("delta: %v", got)
	}
}

func TestLiquidityRisingEdge(t *testing.T) {
	t.Parallel()

	e := testEngine()
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	sweep := snapWith(func(s *types.FeatureSnapshot) { s.Liquidity.SweepLow = true })
	if got := e.Detect(now, sweep, TickMeta{}); !hasReason(got, "LiquiditySweep(Low)") {
		t.Errorf("sweep edge: %v", got)
	}
	// still true: no repeat
	if got := e.Detect(now.Add(61*time.Second), sweep, TickMeta{}); got != nil {
		t.Errorf("level-triggered repeat: %v", got)
	}
	// falls, then rises again: fires again
	e.Detect(now.Add(122*time.Second), snapWith(nil), TickMeta{})
	if got := e.Detect(now.Add(183*time.Second), sweep, TickMeta{}); !hasReason(got, "LiquiditySweep(Low)") {
		t.Errorf("re-armed edge: %v", got)
	}
}

func TestDrawdownGuardrailDedup(t *testing.T) {
	t.Parallel()

	e := testEngine()
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	down := snapWith(func(s *types.FeatureSnapshot) { s.Risk.DailyPnLPct = -2.5 })
	if got := e.Detect(now, down, TickMeta{}); !hasReason(got, "DrawdownGuardrail") {
		t.Errorf("breach: %v", got)
	}
	// still breached: suppressed
	if got := e.Detect(now.Add(61*time.Second), down, TickMeta{}); got != nil {
		t.Errorf("duplicate while breached: %v", got)
	}
	// recovers, then breaches again
	e.Detect(now.Add(122*time.Second), snapWith(nil), TickMeta{})
	if got := e.Detect(now.Add(183*time.Second), down, TickMeta{}); !hasReason(got, "DrawdownGuardrail") {
		t.Errorf("re-breach: %v", got)
	}
}

func TestTimeStop(t *testing.T) {
	t.Parallel()

	e := testEngine()
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	stale := snapWith(func(s *types.FeatureSnapshot) {
		s.Position = types.Position{Side: types.Long, Size: 100, AvgPrice: 1, BarsOpen5m: 40, UnrealizedR: 0.2}
	})
	if got := e.Detect(now, stale, TickMeta{}); !hasReason(got, "TimeStop(40 bars)") {
		t.Errorf("time stop: %v", got)
	}

	// a position that moved does not time-stop
	moving := snapWith(func(s *types.FeatureSnapshot) {
		s.Position = types.Position{Side: types.Long, Size: 100, AvgPrice: 1, BarsOpen5m: 40, UnrealizedR: 1.4}
	})
	if got := e.Detect(now.Add(61*time.Second), moving, TickMeta{}); got != nil {
		t.Errorf("moving position stopped: %v", got)
	}

	// flat position never time-stops
	flat := snapWith(func(s *types.FeatureSnapshot) {
		s.Position = types.Position{Side: types.Flat, BarsOpen5m: 100}
	})
	if got := e.Detect(now.Add(122*time.Second), flat, TickMeta{}); got != nil {
		t.Errorf("flat position stopped: %v", got)
	}
}

func TestMomentumSpikePassthrough(t *testing.T) {
	t.Parallel()

	e := testEngine()
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	got := e.Detect(now, snapWith(nil), TickMeta{ThresholdTriggered: true})
	if !hasReason(got, "MomentumSpike(PriceFeed)") {
		t.Errorf("spike passthrough: %v", got)
	}
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()

	e := testEngine()
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	bull := snapWith(func(s *types.FeatureSnapshot) { s.Regime.Trend = types.TrendBull })
	e.Detect(now, snapWith(nil), TickMeta{})
	e.Detect(now.Add(61*time.Second), bull, TickMeta{})

	e.Reset()

	// after reset the first observation records without firing again
	if got := e.Detect(now.Add(200*time.Second), snapWith(nil), TickMeta{}); got != nil {
		t.Errorf("post-reset emission: %v", got)
	}
}
