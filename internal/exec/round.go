package exec

import "github.com/shopspring/decimal"

// RoundDown truncates x to the given number of decimals. Order prices
// and volumes are always rounded down so a submitted order never exceeds
// the intended notional. Idempotent: RoundDown(RoundDown(x,d),d) ==
// RoundDown(x,d).
func RoundDown(x float64, decimals int) float64 {
	f, _ := decimal.NewFromFloat(x).RoundDown(int32(decimals)).Float64()
	return f
}

// FormatFixed renders x with exactly the given number of decimals, the
// form the exchange requires for numeric order fields.
func FormatFixed(x float64, decimals int) string {
	return decimal.NewFromFloat(x).RoundDown(int32(decimals)).StringFixed(int32(decimals))
}
