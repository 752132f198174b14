package decision

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"krakenbot/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDecideEmptyReasonsShortCircuits(t *testing.T) {
	t.Parallel()

	called := false
	a := NewAdapter(func(context.Context, string) (string, error) {
		called = true
		return `{"action":"OPEN_LONG"}`, nil
	}, quietLogger())

	d := a.Decide(context.Background(), Request{})
	if d.Action != types.ActionHold || d.Comment != "No triggers" {
		t.Errorf("decision = %+v", d)
	}
	if called {
		t.Error("decide function called with no reasons")
	}
}

func TestDecideCallFailureHolds(t *testing.T) {
	t.Parallel()

	a := NewAdapter(func(context.Context, string) (string, error) {
		return "", errors.New("timeout")
	}, quietLogger())

	d := a.Decide(context.Background(), Request{Reasons: []string{"Startup"}})
	if d.Action != types.ActionHold {
		t.Errorf("action = %v", d.Action)
	}
}

func TestDecidePassesPrompt(t *testing.T) {
	t.Parallel()

	var seen string
	a := NewAdapter(func(_ context.Context, prompt string) (string, error) {
		seen = prompt
		return `{"action":"HOLD","comment":"quiet"}`, nil
	}, quietLogger())

	a.Decide(context.Background(), Request{
		Reasons:     []string{"TrendFlip-Up(15m)"},
		Constraints: Constraints{MaxTradeRiskPct: 0.75, DefaultSizePct: 25, LongOnly: true},
	})

	if !strings.Contains(seen, "TrendFlip-Up(15m)") {
		t.Error("reasons missing from prompt")
	}
	if !strings.Contains(seen, "max_trade_risk_pct") {
		t.Error("constraints missing from prompt")
	}
	if !strings.Contains(seen, "JSON object") {
		t.Error("output contract missing from prompt")
	}
}

func TestNormalizeFullDecision(t *testing.T) {
	t.Parallel()

	d := Normalize(`{
		"action": "OPEN_LONG",
		"size_pct": 25,
		"entry": {"type": "limit", "offset_bps": -5},
		"stop_atr": 1.5,
		"tp_atr": 3,
		"followups": ["watch 15m close"],
		"comment": "confluence breakout"
	}`)

	if d.Action != types.ActionOpenLong {
		t.Fatalf("action = %v", d.Action)
	}
	if d.SizePct == nil || *d.SizePct != 25 {
		t.Errorf("size_pct = %v", d.SizePct)
	}
	if d.Entry == nil || d.Entry.Type != types.OrderLimit || d.Entry.OffsetBps != -5 {
		t.Errorf("entry = %+v", d.Entry)
	}
	if d.StopATR == nil || *d.StopATR != 1.5 || d.TPATR == nil || *d.TPATR != 3 {
		t.Errorf("stops = %v / %v", d.StopATR, d.TPATR)
	}
	if len(d.Followups) != 1 || d.Followups[0] != "watch 15m close" {
		t.Errorf("followups = %v", d.Followups)
	}
}

func TestNormalizeStripsCodeFences(t *testing.T) {
	t.Parallel()

	fenced := "```json\n{\"action\":\"CLOSE_ALL\",\"comment\":\"exit\"}\n```"
	d := Normalize(fenced)
	if d.Action != types.ActionCloseAll || d.Comment != "exit" {
		t.Errorf("fenced decision = %+v", d)
	}

	bare := "```\n{\"action\":\"HOLD\"}\n```"
	if d := Normalize(bare); d.Action != types.ActionHold {
		t.Errorf("bare fence = %+v", d)
	}
}

func TestNormalizeUnparseableHolds(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "not json", "{\"action\":", "[1,2,3]"} {
		d := Normalize(raw)
		if d.Action != types.ActionHold {
			t.Errorf("Normalize(%q).Action = %v", raw, d.Action)
		}
	}
}

func TestNormalizeUnknownActionHolds(t *testing.T) {
	t.Parallel()

	d := Normalize(`{"action":"YOLO_LONG","size_pct":99}`)
	if d.Action != types.ActionHold {
		t.Errorf("action = %v", d.Action)
	}
	if d.SizePct != nil {
		t.Error("fields carried over from rejected action")
	}
}

func TestNormalizeActionCaseInsensitive(t *testing.T) {
	t.Parallel()

	d := Normalize(`{"action":"open_long"}`)
	if d.Action != types.ActionOpenLong {
		t.Errorf("action = %v", d.Action)
	}
}

func TestNormalizeCoercesNumerics(t *testing.T) {
	t.Parallel()

	// numeric string accepted
	d := Normalize(`{"action":"ADD","size_pct":"12.5"}`)
	if d.SizePct == nil || *d.SizePct != 12.5 {
		t.Errorf("string numeric = %v", d.SizePct)
	}

	// garbage and null become nil
	d = Normalize(`{"action":"ADD","size_pct":"a lot","stop_atr":null}`)
	if d.SizePct != nil || d.StopATR != nil {
		t.Errorf("garbage numerics = %v / %v", d.SizePct, d.StopATR)
	}
}

func TestNormalizeInvalidEntryDropped(t *testing.T) {
	t.Parallel()

	d := Normalize(`{"action":"OPEN_LONG","entry":{"type":"stop_loss"}}`)
	if d.Action != types.ActionOpenLong {
		t.Fatalf("action = %v", d.Action)
	}
	if d.Entry != nil {
		t.Errorf("invalid entry kept: %+v", d.Entry)
	}
}

func TestNormalizeNonStringFollowupsDropped(t *testing.T) {
	t.Parallel()

	d := Normalize(`{"action":"HOLD","followups":["ok",42,{"x":1},"also ok"]}`)
	if len(d.Followups) != 2 || d.Followups[0] != "ok" || d.Followups[1] != "also ok" {
		t.Errorf("followups = %v", d.Followups)
	}
}

func TestStripCodeFencesPlainText(t *testing.T) {
	t.Parallel()

	if got := StripCodeFences(`  {"action":"HOLD"}  `); got != `{"action":"HOLD"}` {
		t.Errorf("plain text = %q", got)
	}
}
