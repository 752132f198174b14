package exec

import (
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"krakenbot/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fill(orderID string, side types.Side, price, qty float64) types.Fill {
	return types.Fill{OrderID: orderID, Side: side, Price: price, Qty: qty, Timestamp: time.Now()}
}

func applyFill(l *Ledger, f types.Fill) bool {
	return l.ApplyFill(f, 2, 30*time.Minute, time.Now())
}

func TestBuyBuildsVWAPPosition(t *testing.T) {
	t.Parallel()

	l := NewLedger(quietLogger())
	applyFill(l, fill("o1", types.Buy, 100, 10))
	applyFill(l, fill("o2", types.Buy, 110, 10))

	pos := l.Position()
	if pos.Side != types.Long || pos.Size != 20 {
		t.Fatalf("position = %+v", pos)
	}
	if math.Abs(pos.AvgPrice-105) > 1e-9 {
		t.Errorf("avg = %v, want 105", pos.AvgPrice)
	}
	if pos.OpenedAtMS == 0 {
		t.Error("opened_at not set")
	}
}

func TestSellRealizesPnLAndFlattens(t *testing.T) {
	t.Parallel()

	l := NewLedger(quietLogger())
	l.CaptureStartBalance(1000)
	applyFill(l, fill("o1", types.Buy, 100, 10))
	applyFill(l, fill("o2", types.Sell, 110, 10))

	pos := l.Position()
	if pos.Side != types.Flat || pos.Size != 0 || pos.AvgPrice != 0 {
		t.Errorf("position invariant broken: %+v", pos)
	}

	risk := l.RiskState()
	if math.Abs(risk.RealizedPnLQuote-100) > 1e-9 {
		t.Errorf("realized = %v, want 100", risk.RealizedPnLQuote)
	}
	if math.Abs(risk.DailyPnLPct-10) > 1e-9 {
		t.Errorf("daily pnl pct = %v, want 10", risk.DailyPnLPct)
	}
}

func TestPartialSellKeepsAvgPrice(t *testing.T) {
	t.Parallel()

	l := NewLedger(quietLogger())
	applyFill(l, fill("o1", types.Buy, 100, 10))
	applyFill(l, fill("o2", types.Sell, 120, 4))

	pos := l.Position()
	if pos.Side != types.Long || pos.Size != 6 || pos.AvgPrice != 100 {
		t.Errorf("position = %+v", pos)
	}
}

// Realized PnL plus remaining inventory at cost must equal net cash flow.
func TestFillConservation(t *testing.T) {
	t.Parallel()

	l := NewLedger(quietLogger())
	fills := []types.Fill{
		fill("a", types.Buy, 100, 10),
		fill("b", types.Buy, 120, 5),
		fill("c", types.Sell, 130, 8),
		fill("d", types.Buy, 110, 3),
		fill("e", types.Sell, 90, 6),
	}

	var cashFlow float64 // sells minus buys
	for _, f := range fills {
		applyFill(l, f)
		if f.Side == types.Buy {
			cashFlow -= f.Price * f.Qty
		} else {
			cashFlow += f.Price * f.Qty
		}
	}

	pos := l.Position()
	risk := l.RiskState()
	// realized + liquidation-at-cost == cash flow + inventory value
	got := risk.RealizedPnLQuote - pos.Size*pos.AvgPrice
	if math.Abs(got-cashFlow) > 1e-6 {
		t.Errorf("conservation: realized-inventory = %v, cash flow = %v", got, cashFlow)
	}
}

func TestFillDedupByOrderID(t *testing.T) {
	t.Parallel()

	l := NewLedger(quietLogger())
	// synthetic local fill then the real fill for the same order
	synthetic := fill("tx1", types.Buy, 100, 10)
	synthetic.Synthetic = true
	applyFill(l, synthetic)
	applyFill(l, fill("tx1", types.Buy, 100.5, 10))

	pos := l.Position()
	if pos.Size != 10 {
		t.Errorf("duplicate fill double-counted: size = %v", pos.Size)
	}
	// the real price replaces the estimate
	if math.Abs(pos.AvgPrice-100.5) > 1e-9 {
		t.Errorf("avg = %v, want real fill price 100.5", pos.AvgPrice)
	}
}

func TestRealFillReconcilesSyntheticSell(t *testing.T) {
	t.Parallel()

	l := NewLedger(quietLogger())
	applyFill(l, fill("b1", types.Buy, 100, 10))

	synth := fill("s1", types.Sell, 105, 10)
	synth.Synthetic = true
	applyFill(l, synth)
	if risk := l.RiskState(); math.Abs(risk.RealizedPnLQuote-50) > 1e-9 {
		t.Fatalf("estimated pnl = %v, want 50", risk.RealizedPnLQuote)
	}

	// the real execution came in two dollars worse
	applyFill(l, fill("s1", types.Sell, 103, 10))
	if risk := l.RiskState(); math.Abs(risk.RealizedPnLQuote-30) > 1e-9 {
		t.Errorf("reconciled pnl = %v, want 30", risk.RealizedPnLQuote)
	}

	// any further report for the same order is ignored
	applyFill(l, fill("s1", types.Sell, 99, 10))
	if risk := l.RiskState(); math.Abs(risk.RealizedPnLQuote-30) > 1e-9 {
		t.Errorf("second real fill re-applied: pnl = %v", risk.RealizedPnLQuote)
	}
}

func TestSellWithoutPositionIgnored(t *testing.T) {
	t.Parallel()

	l := NewLedger(quietLogger())
	applyFill(l, fill("o1", types.Sell, 100, 10))

	if pos := l.Position(); pos.Side != types.Flat {
		t.Errorf("position = %+v", pos)
	}
	if risk := l.RiskState(); risk.RealizedPnLQuote != 0 {
		t.Errorf("pnl from phantom sell: %v", risk.RealizedPnLQuote)
	}
}

func TestOversizedSellClampsToPosition(t *testing.T) {
	t.Parallel()

	l := NewLedger(quietLogger())
	applyFill(l, fill("o1", types.Buy, 100, 5))
	applyFill(l, fill("o2", types.Sell, 110, 50))

	pos := l.Position()
	if pos.Side != types.Flat || pos.Size != 0 {
		t.Errorf("position = %+v", pos)
	}
	if risk := l.RiskState(); math.Abs(risk.RealizedPnLQuote-50) > 1e-9 {
		t.Errorf("pnl = %v, want 50 (5 units only)", risk.RealizedPnLQuote)
	}
}

func TestLossStreakCooldown(t *testing.T) {
	t.Parallel()

	l := NewLedger(quietLogger())
	now := time.Now()

	// first loss: no cooldown yet
	applyFill(l, fill("b1", types.Buy, 100, 10))
	if paused := l.ApplyFill(fill("s1", types.Sell, 95, 10), 2, 30*time.Minute, now); paused {
		t.Error("cooldown after a single loss")
	}
	if l.Paused(now) {
		t.Error("paused after one loss")
	}

	// second loss inside the window triggers the cooldown
	applyFill(l, fill("b2", types.Buy, 100, 10))
	if paused := l.ApplyFill(fill("s2", types.Sell, 90, 10), 2, 30*time.Minute, now); !paused {
		t.Error("second loss did not trigger cooldown")
	}
	if !l.Paused(now) {
		t.Error("not paused after loss streak")
	}
	if l.Paused(now.Add(31 * time.Minute)) {
		t.Error("still paused after cooldown expiry")
	}

	if got := l.RiskState().LossStreak; got != 2 {
		t.Errorf("loss count = %d, want 2", got)
	}
}

func TestWinsDiluteLossWindow(t *testing.T) {
	t.Parallel()

	l := NewLedger(quietLogger())
	now := time.Now()

	// loss, then enough wins to push it toward the edge of the ring
	applyFill(l, fill("b1", types.Buy, 100, 10))
	l.ApplyFill(fill("s1", types.Sell, 95, 10), 2, 30*time.Minute, now)
	for i := 0; i < 5; i++ {
		applyFill(l, fill(seq("bw", i), types.Buy, 100, 10))
		l.ApplyFill(fill(seq("sw", i), types.Sell, 105, 10), 2, 30*time.Minute, now)
	}

	// one fresh loss: the old loss has rolled out of the window
	applyFill(l, fill("b2", types.Buy, 100, 10))
	if paused := l.ApplyFill(fill("s2", types.Sell, 95, 10), 2, 30*time.Minute, now); paused {
		t.Error("stale loss still counted")
	}
}

func seq(prefix string, i int) string {
	return prefix + string(rune('0'+i))
}

func TestZeroStartBalancePnLPct(t *testing.T) {
	t.Parallel()

	l := NewLedger(quietLogger())
	applyFill(l, fill("b1", types.Buy, 100, 10))
	applyFill(l, fill("s1", types.Sell, 90, 10))

	if got := l.RiskState().DailyPnLPct; got != 0 {
		t.Errorf("pnl pct without start balance = %v, want 0", got)
	}
}

func TestCaptureStartBalanceOnce(t *testing.T) {
	t.Parallel()

	l := NewLedger(quietLogger())
	l.CaptureStartBalance(1000)
	l.CaptureStartBalance(2000)

	if got := l.RiskState().DailyStartBalance; got != 1000 {
		t.Errorf("start balance = %v, want first capture", got)
	}
}

func TestUpdateMarket(t *testing.T) {
	t.Parallel()

	l := NewLedger(quietLogger())
	now := time.Now()
	applyFill(l, fill("b1", types.Buy, 100, 10))
	l.SetStopDistance(2)

	l.UpdateMarket(103, 1, now.Add(25*time.Minute))
	pos := l.Position()
	if math.Abs(pos.UnrealizedR-1.5) > 1e-9 {
		t.Errorf("unrealized R = %v, want 1.5", pos.UnrealizedR)
	}
	if pos.BarsOpen5m != 5 {
		t.Errorf("bars open = %d, want 5", pos.BarsOpen5m)
	}

	// without a stop distance the ATR is the risk unit
	l2 := NewLedger(quietLogger())
	applyFill(l2, fill("b1", types.Buy, 100, 10))
	l2.UpdateMarket(102, 4, now)
	if got := l2.Position().UnrealizedR; math.Abs(got-0.5) > 1e-9 {
		t.Errorf("atr-based R = %v, want 0.5", got)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	l := NewLedger(quietLogger())
	l.CaptureStartBalance(1000)
	applyFill(l, fill("b1", types.Buy, 100, 10))
	applyFill(l, fill("s1", types.Sell, 95, 4))
	l.PauseUntil(time.Now().Add(time.Hour))

	restored := NewLedger(quietLogger())
	restored.Restore(l.Snapshot())

	if restored.Position() != l.Position() {
		t.Errorf("position mismatch: %+v vs %+v", restored.Position(), l.Position())
	}
	if restored.RiskState() != l.RiskState() {
		t.Errorf("risk mismatch: %+v vs %+v", restored.RiskState(), l.RiskState())
	}
}
