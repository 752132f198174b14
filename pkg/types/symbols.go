package types

import "strings"

// knownQuotes are the quote suffixes tried, longest first, when the user
// supplies a pair with no separator ("DOGEUSD"). Z-prefixed fiat variants
// cover Kraken's legacy asset codes (ZUSD, ZEUR, ...).
var knownQuotes = []string{
	"USDT", "USDC", "ZUSD", "ZEUR", "ZGBP", "ZCAD", "ZJPY", "ZAUD",
	"DAI", "EUR", "USD", "GBP", "CAD", "CHF", "JPY", "AUD", "NZD",
	"BTC", "XBT", "ETH", "SOL", "DOT", "ADA", "TRY", "MXN",
}

// Pair holds both spellings of a trading pair: the slashed WS v2 form
// ("DOGE/USD") and the flat REST form ("DOGEUSD").
type Pair struct {
	WSPair   string
	RestPair string
}

// Base returns the base asset of the pair.
func (p Pair) Base() string {
	if i := strings.IndexByte(p.WSPair, '/'); i > 0 {
		return p.WSPair[:i]
	}
	return p.WSPair
}

// Quote returns the quote asset of the pair.
func (p Pair) Quote() string {
	if i := strings.IndexByte(p.WSPair, '/'); i >= 0 && i+1 < len(p.WSPair) {
		return p.WSPair[i+1:]
	}
	return ""
}

// NormalizePair canonicalises user input such as "DOGEUSD", "doge-usd" or
// "DOGE/USD" into a Pair. Separator characters (slash, colon, dash,
// underscore, space) are collapsed into a single slash; input without a
// separator is split at the longest known quote suffix. Idempotent:
// normalising an already-canonical pair returns it unchanged.
func NormalizePair(input string) Pair {
	s := strings.ToUpper(strings.TrimSpace(input))
	replacer := strings.NewReplacer(":", "/", "-", "/", "_", "/", " ", "/")
	s = replacer.Replace(s)

	// Collapse repeated separators
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	s = strings.Trim(s, "/")

	if !strings.Contains(s, "/") {
		if base, quote, ok := splitFlat(s); ok {
			s = base + "/" + quote
		}
	}

	return Pair{
		WSPair:   s,
		RestPair: strings.ReplaceAll(s, "/", ""),
	}
}

// splitFlat splits a separator-less pair at the longest matching quote
// suffix. "DOGEUSDT" → DOGE/USDT, not DOGEUSD/T.
func splitFlat(s string) (base, quote string, ok bool) {
	best := ""
	for _, q := range knownQuotes {
		if len(s) > len(q) && strings.HasSuffix(s, q) && len(q) > len(best) {
			best = q
		}
	}
	if best == "" {
		return "", "", false
	}
	return s[:len(s)-len(best)], best, true
}
