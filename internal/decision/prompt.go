package decision

import (
	"encoding/json"
	"strings"
)

// promptPreamble frames the task and pins the output contract. The model
// must answer with a single strict-JSON object, no prose.
const promptPreamble = `You are the decision layer of a long-only spot trading bot.
Given the market feature snapshot, the trigger reasons, and the risk
constraints below, respond with exactly one JSON object and nothing else:

{"action": "HOLD|OPEN_LONG|ADD|TRIM|CLOSE_PARTIAL|CLOSE_ALL|MOVE_STOP|SET_TP|PAUSE",
 "size_pct": number|null,
 "entry": {"type": "market|limit", "offset_bps": number}|null,
 "stop_atr": number|null,
 "tp_atr": number|null,
 "followups": [string],
 "comment": string}

Stay within the risk constraints. When in doubt, HOLD.`

// BuildPrompt composes the model input: preamble, then the request
// payload as indented JSON.
func BuildPrompt(req Request) string {
	payload := struct {
		Reasons     []string          `json:"reasons"`
		Constraints Constraints       `json:"constraints"`
		Meta        map[string]string `json:"meta,omitempty"`
		Features    any               `json:"features"`
	}{
		Reasons:     req.Reasons,
		Constraints: req.Constraints,
		Meta:        req.Meta,
		Features:    req.Features,
	}

	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		body = []byte(`{"error":"failed to encode request"}`)
	}

	var b strings.Builder
	b.WriteString(promptPreamble)
	b.WriteString("\n\n")
	b.Write(body)
	return b.String()
}
