package exec

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"krakenbot/internal/config"
	"krakenbot/internal/kraken"
	"krakenbot/pkg/types"
)

// balanceEpsilon is the change below which balance deltas are not logged.
const balanceEpsilon = 1e-9

// Exchange is the REST surface the engine needs. Satisfied by
// *kraken.Client.
type Exchange interface {
	AddOrder(ctx context.Context, req kraken.OrderRequest) (kraken.AddOrderResult, error)
	Balance(ctx context.Context) (map[string]float64, error)
	Ticker(ctx context.Context, restPair string) (types.Ticker, error)
}

// Engine executes decisions against the exchange and the ledger.
type Engine struct {
	exch   Exchange
	ledger *Ledger
	store  *Store
	pair   types.Pair
	meta   types.PairMetadata
	cfg    config.RiskConfig
	dryRun bool
	logger *slog.Logger

	balMu      sync.Mutex
	balance    float64
	balanceAt  time.Time
	balanceTTL time.Duration

	dryMu      sync.Mutex
	dryCounter int
}

// NewEngine wires an execution engine. store may be nil (no persistence).
func NewEngine(exch Exchange, ledger *Ledger, store *Store, pair types.Pair, meta types.PairMetadata, cfg config.RiskConfig, balanceTTL time.Duration, dryRun bool, logger *slog.Logger) *Engine {
	return &Engine{
		exch:       exch,
		ledger:     ledger,
		store:      store,
		pair:       pair,
		meta:       meta,
		cfg:        cfg,
		dryRun:     dryRun,
		balanceTTL: balanceTTL,
		logger:     logger.With("component", "exec"),
	}
}

// Ledger exposes the engine's ledger for snapshot injection.
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// QuoteBalance returns the quote-asset balance, cached for the
// configured TTL. force bypasses the cache. In dry-run mode without
// credentials a fetch failure degrades to the last known value.
func (e *Engine) QuoteBalance(ctx context.Context, force bool) (float64, error) {
	e.balMu.Lock()
	defer e.balMu.Unlock()

	if !force && !e.balanceAt.IsZero() && time.Since(e.balanceAt) < e.balanceTTL {
		return e.balance, nil
	}

	balances, err := e.exch.Balance(ctx)
	if err != nil {
		if e.dryRun && !e.balanceAt.IsZero() {
			e.logger.Warn("balance refresh failed, using cached value", "error", err)
			return e.balance, nil
		}
		return 0, err
	}

	fresh := balances[e.meta.Quote]
	if delta := math.Abs(fresh - e.balance); !e.balanceAt.IsZero() && delta > balanceEpsilon {
		e.logger.Info("balance changed", "asset", e.meta.Quote, "from", e.balance, "to", fresh)
	}
	e.balance = fresh
	e.balanceAt = time.Now()
	e.ledger.CaptureStartBalance(fresh)
	return fresh, nil
}

// HandleFill folds an execution from the private socket into the ledger.
func (e *Engine) HandleFill(fill types.Fill) {
	paused := e.ledger.ApplyFill(fill, e.cfg.PauseAfterLosses, e.cfg.PauseDuration, time.Now())
	if paused {
		e.logger.Warn("trading paused after loss streak")
	}
	e.persist()
}

// Execute runs one normalised decision. Expected control transitions
// (holds, rejections, pauses) are statuses, not errors.
func (e *Engine) Execute(ctx context.Context, d types.Decision, snap *types.FeatureSnapshot) types.ExecutionResult {
	now := time.Now()

	if d.Action == types.ActionHold {
		return types.ExecutionResult{Status: types.ExecNoop, Reason: "hold"}
	}
	if e.ledger.Paused(now) && d.Action != types.ActionPause {
		until := time.UnixMilli(e.ledger.RiskState().PauseUntilMS)
		return types.ExecutionResult{Status: types.ExecPaused, Reason: "cooldown active", PauseUntil: until}
	}

	switch d.Action {
	case types.ActionOpenLong, types.ActionAdd:
		return e.executeBuy(ctx, d, snap)
	case types.ActionTrim, types.ActionClosePartial:
		return e.executeSell(ctx, d, snap, false)
	case types.ActionCloseAll:
		return e.executeSell(ctx, d, snap, true)
	case types.ActionMoveStop, types.ActionSetTP:
		return e.deferStopAdjustment(d, snap)
	case types.ActionPause:
		until := now.Add(e.cfg.PauseDuration)
		e.ledger.PauseUntil(until)
		e.persist()
		e.logger.Warn("pause requested by decision", "until", until)
		return types.ExecutionResult{Status: types.ExecOK, Reason: "paused", PauseUntil: until}
	default:
		return types.ExecutionResult{Status: types.ExecIgnored, Reason: "unsupported action " + string(d.Action)}
	}
}

// referencePrice derives the order reference from the 5m close, falling
// back to the REST ticker.
func (e *Engine) referencePrice(ctx context.Context, snap *types.FeatureSnapshot) (float64, error) {
	if snap != nil {
		if tf, ok := snap.TF("5m"); ok && tf.Close > 0 {
			return tf.Close, nil
		}
	}
	ticker, err := e.exch.Ticker(ctx, e.pair.RestPair)
	if err != nil {
		return 0, err
	}
	if ticker.Last <= 0 {
		return 0, fmt.Errorf("no reference price available")
	}
	return ticker.Last, nil
}

func (e *Engine) executeBuy(ctx context.Context, d types.Decision, snap *types.FeatureSnapshot) types.ExecutionResult {
	ref, err := e.referencePrice(ctx, snap)
	if err != nil {
		return types.ExecutionResult{Status: types.ExecError, Reason: "reference price: " + err.Error()}
	}

	orderType := types.OrderMarket
	price := ref
	if d.Entry != nil && d.Entry.Type == types.OrderLimit {
		orderType = types.OrderLimit
		price = RoundDown(ref*(1+d.Entry.OffsetBps/10000), e.meta.PriceDecimals)
	}
	if price <= 0 {
		return types.ExecutionResult{Status: types.ExecRejected, Reason: "non-positive order price"}
	}

	balance, err := e.QuoteBalance(ctx, false)
	if err != nil {
		return types.ExecutionResult{Status: types.ExecError, Reason: "balance: " + err.Error()}
	}

	sizePct := e.cfg.DefaultSizePct
	if d.SizePct != nil && *d.SizePct > 0 {
		sizePct = *d.SizePct
	}
	notional := math.Min(balance*e.cfg.MaxTradeRiskPct/100, balance*sizePct/100)
	if notional < e.cfg.MinNotional {
		return types.ExecutionResult{
			Status: types.ExecRejected,
			Reason: fmt.Sprintf("notional %.2f below minimum %.2f", notional, e.cfg.MinNotional),
		}
	}

	// total committed exposure stays under the portfolio cap
	pos := e.ledger.Position()
	if balance > 0 {
		committed := pos.Size*ref + notional
		if limit := balance * e.cfg.MaxTotalRiskPct / 100; committed > limit {
			return types.ExecutionResult{
				Status: types.ExecRejected,
				Reason: fmt.Sprintf("total exposure %.2f exceeds cap %.2f", committed, limit),
			}
		}
	}

	volume := RoundDown(notional/price, e.meta.VolumeDecimals)
	if volume < e.meta.MinOrderVolume {
		return types.ExecutionResult{
			Status: types.ExecRejected,
			Reason: fmt.Sprintf("volume %v below pair minimum %v", volume, e.meta.MinOrderVolume),
		}
	}

	req := kraken.OrderRequest{
		Pair:      e.pair.RestPair,
		Side:      types.Buy,
		OrderType: orderType,
		Volume:    FormatFixed(volume, e.meta.VolumeDecimals),
	}
	if orderType == types.OrderLimit {
		req.Price = FormatFixed(price, e.meta.PriceDecimals)
	}

	// record the stop distance for R tracking while the trade is open
	if d.StopATR != nil && snap != nil {
		if tf, ok := snap.TF("5m"); ok && tf.ATR14 > 0 {
			e.ledger.SetStopDistance(*d.StopATR * tf.ATR14)
		}
	}

	result := e.submit(ctx, req, price)
	if result.Status == types.ExecOK {
		e.persist()
	}
	return result
}

func (e *Engine) executeSell(ctx context.Context, d types.Decision, snap *types.FeatureSnapshot, closeAll bool) types.ExecutionResult {
	pos := e.ledger.Position()
	if pos.Side != types.Long || pos.Size <= 0 {
		return types.ExecutionResult{Status: types.ExecRejected, Reason: "no position to reduce"}
	}

	// the expected fill is priced at market, not at entry; realized PnL
	// and the loss streak depend on it
	ref, err := e.referencePrice(ctx, snap)
	if err != nil {
		return types.ExecutionResult{Status: types.ExecError, Reason: "reference price: " + err.Error()}
	}

	qty := pos.Size
	if !closeAll {
		sizePct := e.cfg.DefaultSizePct
		if d.SizePct != nil && *d.SizePct > 0 {
			sizePct = *d.SizePct
		}
		qty = pos.Size * sizePct / 100
	}
	volume := RoundDown(qty, e.meta.VolumeDecimals)
	if volume <= 0 {
		return types.ExecutionResult{Status: types.ExecRejected, Reason: "sell volume rounds to zero"}
	}

	req := kraken.OrderRequest{
		Pair:      e.pair.RestPair,
		Side:      types.Sell,
		OrderType: types.OrderMarket,
		Volume:    FormatFixed(volume, e.meta.VolumeDecimals),
	}

	result := e.submit(ctx, req, ref)
	if result.Status == types.ExecOK {
		e.persist()
	}
	return result
}

// submit transmits the order, or in dry-run mode emits the payload and
// synthesises a local fill at fillPrice. Live orders are also applied as
// an expected local fill keyed by the exchange order id; the real fill
// from the executions channel is deduplicated against it.
func (e *Engine) submit(ctx context.Context, req kraken.OrderRequest, fillPrice float64) types.ExecutionResult {
	payload := map[string]string{
		"pair":      req.Pair,
		"type":      string(req.Side),
		"ordertype": string(req.OrderType),
		"volume":    req.Volume,
	}
	if req.Price != "" {
		payload["price"] = req.Price
	}

	var orderID string
	if e.dryRun {
		orderID = e.nextDryOrderID()
		e.logger.Info("dry-run order", "order_id", orderID, "payload", payload)
	} else {
		res, err := e.exch.AddOrder(ctx, req)
		if err != nil {
			return types.ExecutionResult{Status: types.ExecError, Reason: "submit: " + err.Error(), Payload: payload}
		}
		if len(res.TxIDs) > 0 {
			orderID = res.TxIDs[0]
		}
	}

	qty, _ := strconv.ParseFloat(req.Volume, 64)
	e.ledger.ApplyFill(types.Fill{
		OrderID:   orderID,
		Pair:      req.Pair,
		Side:      req.Side,
		Price:     fillPrice,
		Qty:       qty,
		Timestamp: time.Now(),
		Synthetic: true,
	}, e.cfg.PauseAfterLosses, e.cfg.PauseDuration, time.Now())

	return types.ExecutionResult{
		Status:  types.ExecOK,
		DryRun:  e.dryRun,
		Payload: payload,
		OrderID: orderID,
	}
}

// deferStopAdjustment records the new stop distance for R tracking but
// places no order; stop orchestration is not wired to the exchange.
func (e *Engine) deferStopAdjustment(d types.Decision, snap *types.FeatureSnapshot) types.ExecutionResult {
	if d.StopATR != nil && snap != nil {
		if tf, ok := snap.TF("5m"); ok && tf.ATR14 > 0 {
			e.ledger.SetStopDistance(*d.StopATR * tf.ATR14)
		}
	}
	e.logger.Info("stop/tp adjustment deferred", "action", d.Action, "comment", d.Comment)
	return types.ExecutionResult{Status: types.ExecDeferred, Reason: string(d.Action) + " logged, not transmitted"}
}

func (e *Engine) nextDryOrderID() string {
	e.dryMu.Lock()
	defer e.dryMu.Unlock()
	e.dryCounter++
	return fmt.Sprintf("dry-%d", e.dryCounter)
}

func (e *Engine) persist() {
	if e.store == nil {
		return
	}
	if err := e.store.Save(e.pair.RestPair, e.ledger.Snapshot()); err != nil {
		e.logger.Warn("ledger persist failed", "error", err)
	}
}
