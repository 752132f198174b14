package types

// TimeframeFeatures is the compact indicator record computed for one
// interval (1m, 5m, 15m, 1h, 4h, 1d). Zero values mean "insufficient
// history" for that field unless noted otherwise.
type TimeframeFeatures struct {
	Close  float64 `json:"close"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Volume float64 `json:"volume"`

	SMA20   float64 `json:"sma20"`
	SMA50   float64 `json:"sma50"`
	SMA200  float64 `json:"sma200"`
	MAStack MAStack `json:"ma_stack"`

	PriceZ20 float64 `json:"price_z20"`
	VWAP20   float64 `json:"vwap20"`
	VWAPZ    float64 `json:"vwap_z"`

	ATR14         float64 `json:"atr14"`
	ATRPct        float64 `json:"atr_pct"`
	ATRPercentile float64 `json:"atr_percentile"`
	RangeRatio    float64 `json:"range_ratio"`

	RSI14    float64 `json:"rsi14"`
	RSISlope float64 `json:"rsi_slope"`

	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	MACDSlope  float64 `json:"macd_slope"`

	VolumeZ20    float64 `json:"volume_z20"`
	OBVDirection int     `json:"obv_direction"` // -1, 0, +1

	Swing SwingFeatures `json:"swing"`
	Flags BarFlags      `json:"flags"`

	Last3Bars []Candle `json:"last_3_bars"`
}

// MAStack classifies the moving-average ordering.
type MAStack string

const (
	StackBull    MAStack = "bull"
	StackBear    MAStack = "bear"
	StackNeutral MAStack = "neutral"
)

// SwingFeatures measures the distance to recent extremes in ATR units
// plus candle wick proportions.
type SwingFeatures struct {
	ToLastHighATR float64 `json:"to_last_high_atr"`
	ToLastLowATR  float64 `json:"to_last_low_atr"`
	UpperWickPct  float64 `json:"upper_wick_pct"`
	LowerWickPct  float64 `json:"lower_wick_pct"`
}

// BarFlags are per-bar boolean signals.
type BarFlags struct {
	LiquiditySweep bool `json:"liquidity_sweep"`
	Breakout       bool `json:"breakout"`
}

// HTFAnchors carries higher-timeframe reference levels and the distance
// from the current 15m close to each, in daily-ATR units.
type HTFAnchors struct {
	PrevDayHigh  float64 `json:"prev_day_high"`
	PrevDayLow   float64 `json:"prev_day_low"`
	PrevWeekHigh float64 `json:"prev_week_high"`
	PrevWeekLow  float64 `json:"prev_week_low"`
	DailyOpen    float64 `json:"daily_open"`

	DistPrevDayHighATR  float64 `json:"distance_prev_day_high_atr"`
	DistPrevDayLowATR   float64 `json:"distance_prev_day_low_atr"`
	DistPrevWeekHighATR float64 `json:"distance_prev_week_high_atr"`
	DistPrevWeekLowATR  float64 `json:"distance_prev_week_low_atr"`
	DistDailyOpenATR    float64 `json:"distance_daily_open_atr"`
}

// OrderbookFeatures summarises the live L2 book. Pointer fields are nil
// when the book has insufficient data on the relevant side.
type OrderbookFeatures struct {
	Imbalance       *float64 `json:"imbalance"`        // [-1, 1]
	SpreadBps       *float64 `json:"spread_bps"`
	SlippageBpsSize *float64 `json:"slippage_bps_for_size"`
	TopBid          *float64 `json:"top_bid"`
	TopAsk          *float64 `json:"top_ask"`
}

// Confluence aggregates independent directional signals into a signed
// integer score plus the contributing tags.
type Confluence struct {
	Score      int      `json:"score"`
	Components []string `json:"components"`
}

// LiquidityFlags mark interactions between the 15m candle and daily anchors.
type LiquidityFlags struct {
	SweepLow         bool `json:"sweep_low"`
	SweepHigh        bool `json:"sweep_high"`
	BreakAndHoldHigh bool `json:"break_and_hold_high"`
	BreakAndHoldLow  bool `json:"break_and_hold_low"`
}

// Trend / volatility / momentum regime labels.
type Trend string

const (
	TrendBull    Trend = "bull"
	TrendBear    Trend = "bear"
	TrendNeutral Trend = "neutral"
)

type Volatility string

const (
	VolHigh    Volatility = "high"
	VolNormal  Volatility = "normal"
	VolLow     Volatility = "low"
	VolUnknown Volatility = "unknown"
)

type Momentum string

const (
	MomPositive Momentum = "positive"
	MomMixed    Momentum = "mixed"
	MomNeutral  Momentum = "neutral"
)

// Regime is the categorical market-state classification.
type Regime struct {
	Trend      Trend      `json:"trend"`
	Volatility Volatility `json:"volatility"`
	Momentum   Momentum   `json:"momentum"`
}

// FeatureSnapshot is the full feature record handed to the event engine
// and the decision adapter. Timeframes that failed to build are absent
// from the map; consumers must tolerate missing entries.
type FeatureSnapshot struct {
	Pair       string                       `json:"pair"`
	TSUnixMS   int64                        `json:"ts_unix_ms"`
	Timeframes map[string]TimeframeFeatures `json:"timeframes"`
	HTFAnchors HTFAnchors                   `json:"htf_anchors"`
	Orderbook  OrderbookFeatures            `json:"orderbook"`
	Confluence Confluence                   `json:"confluence"`
	Liquidity  LiquidityFlags               `json:"liquidity"`
	Regime     Regime                       `json:"regime"`
	Position   Position                     `json:"position"`
	Risk       RiskState                    `json:"risk"`
}

// TF returns the features for one timeframe and whether they exist.
func (s *FeatureSnapshot) TF(name string) (TimeframeFeatures, bool) {
	tf, ok := s.Timeframes[name]
	return tf, ok
}
