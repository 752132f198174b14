// Package decision wraps the external decision maker and normalises its
// output into a safe, typed Decision.
//
// The adapter never lets a malformed model response reach the execution
// engine: any failure along the way (call error, bad JSON, unknown
// action, non-finite numbers) collapses to HOLD.
package decision

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"krakenbot/pkg/types"
)

// Constraints are the risk bounds communicated to the model.
type Constraints struct {
	MaxTradeRiskPct float64 `json:"max_trade_risk_pct"`
	MaxTotalRiskPct float64 `json:"max_total_risk_pct"`
	DefaultSizePct  float64 `json:"default_size_pct"`
	LongOnly        bool    `json:"long_only"`
}

// Request is the full input to one decision call.
type Request struct {
	Features    *types.FeatureSnapshot
	Reasons     []string
	Meta        map[string]string
	Constraints Constraints
}

// DecideFunc produces the raw model response for a composed prompt.
// The production implementation is (*llm.Client).Complete; tests plug
// in a canned function.
type DecideFunc func(ctx context.Context, prompt string) (string, error)

// Adapter turns evaluation requests into normalised decisions.
type Adapter struct {
	decide DecideFunc
	logger *slog.Logger
}

// NewAdapter wires an adapter around a decide function.
func NewAdapter(decide DecideFunc, logger *slog.Logger) *Adapter {
	return &Adapter{decide: decide, logger: logger.With("component", "decision")}
}

// Decide returns a normalised decision for the request. An empty reason
// set short-circuits to HOLD without calling out.
func (a *Adapter) Decide(ctx context.Context, req Request) types.Decision {
	if len(req.Reasons) == 0 {
		return types.HoldDecision("No triggers")
	}
	if a.decide == nil {
		return types.HoldDecision("No decision maker configured")
	}

	raw, err := a.decide(ctx, BuildPrompt(req))
	if err != nil {
		a.logger.Warn("decision call failed", "error", err)
		return types.HoldDecision("Decision call failed")
	}

	d := Normalize(raw)
	a.logger.Info("decision", "action", d.Action, "comment", d.Comment)
	return d
}

// rawDecision mirrors the model's JSON with every field loose enough to
// survive sloppy output.
type rawDecision struct {
	Action    string          `json:"action"`
	SizePct   json.RawMessage `json:"size_pct"`
	Entry     *rawEntry       `json:"entry"`
	StopATR   json.RawMessage `json:"stop_atr"`
	TPATR     json.RawMessage `json:"tp_atr"`
	Followups []any           `json:"followups"`
	Comment   string          `json:"comment"`
}

type rawEntry struct {
	Type      string          `json:"type"`
	OffsetBps json.RawMessage `json:"offset_bps"`
}

// Normalize parses and sanitises a raw model response. It strips code
// fences, validates the action, coerces numerics to finite values or
// nil, and drops malformed entry/followup fields.
func Normalize(raw string) types.Decision {
	text := StripCodeFences(raw)

	var rd rawDecision
	if err := json.Unmarshal([]byte(text), &rd); err != nil {
		return types.HoldDecision("Unparseable decision")
	}

	action := types.Action(strings.ToUpper(strings.TrimSpace(rd.Action)))
	if !types.ValidAction(action) {
		return types.HoldDecision("Unknown action: " + rd.Action)
	}

	d := types.Decision{
		Action:  action,
		Comment: rd.Comment,
	}
	d.SizePct = finiteNumber(rd.SizePct)
	d.StopATR = finiteNumber(rd.StopATR)
	d.TPATR = finiteNumber(rd.TPATR)

	if rd.Entry != nil {
		et := types.OrderType(strings.ToLower(strings.TrimSpace(rd.Entry.Type)))
		if et == types.OrderMarket || et == types.OrderLimit {
			entry := types.Entry{Type: et}
			if off := finiteNumber(rd.Entry.OffsetBps); off != nil {
				entry.OffsetBps = *off
			}
			d.Entry = &entry
		}
	}

	for _, f := range rd.Followups {
		if s, ok := f.(string); ok {
			d.Followups = append(d.Followups, s)
		}
	}
	return d
}

// StripCodeFences removes a surrounding markdown code fence, with or
// without a language tag.
func StripCodeFences(s string) string {
	text := strings.TrimSpace(s)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		// drop the language tag line if the fence carried one
		first := strings.TrimSpace(text[:nl])
		if first == "" || !strings.ContainsAny(first, "{[") {
			text = text[nl+1:]
		}
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// finiteNumber coerces a JSON number or numeric string to a finite
// float, returning nil for anything else.
func finiteNumber(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		parsed, perr := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if perr != nil {
			return nil
		}
		f = parsed
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
