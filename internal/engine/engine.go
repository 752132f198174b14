// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. The Kraken gateway (signed REST client + WS v2 manager).
//  2. A live order book mirror fed by the book channel.
//  3. The feature builder, consulted on demand for full snapshots.
//  4. The event engine, which decides when the decision maker runs.
//  5. The decision adapter and the execution engine.
//  6. The CSV decision audit sink and the JSON ledger store.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"krakenbot/internal/api"
	"krakenbot/internal/config"
	"krakenbot/internal/decision"
	"krakenbot/internal/decisionlog"
	"krakenbot/internal/events"
	"krakenbot/internal/exec"
	"krakenbot/internal/features"
	"krakenbot/internal/kraken"
	"krakenbot/internal/market"
	"krakenbot/pkg/types"
)

// Engine orchestrates all components. All evaluation cycles are
// serialised through the processing flag; at most one runs at a time.
type Engine struct {
	cfg      *config.Config
	pair     types.Pair
	client   *kraken.Client
	ws       *kraken.WSManager
	book     *market.Book
	builder  *features.Builder
	events   *events.Engine
	adapter  *decision.Adapter
	executor *exec.Engine
	ledger   *exec.Ledger
	store    *exec.Store
	sink     *decisionlog.Sink
	strategy Strategy
	spike    *spikeDetector
	logger   *slog.Logger

	mu            sync.Mutex
	processing    bool
	subs          []*kraken.Subscription
	lastHeartbeat time.Time
	lastDecision  *types.Decision
	lastReasons   []string
	lastEvaluated time.Time
	startedAt     time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. The execution engine is
// completed in Start once pair metadata has been resolved.
func New(cfg *config.Config, strategy Strategy, logger *slog.Logger) (*Engine, error) {
	pair := types.NormalizePair(cfg.Pair)
	if pair.Quote() == "" {
		return nil, fmt.Errorf("cannot parse pair %q", cfg.Pair)
	}

	client := kraken.NewClient(cfg.API, logger)
	ws := kraken.NewWSManager(cfg.API, client, logger)
	book := market.NewBook(kraken.CanonicalSymbol(pair.WSPair))
	builder := features.NewBuilder(client, book, pair, cfg.Features, logger)

	var decide decision.DecideFunc
	if cfg.LLM.APIKey != "" {
		decide = decision.NewLLMClient(cfg.LLM, logger).Complete
	}
	adapter := decision.NewAdapter(decide, logger)

	store, err := exec.OpenStore(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	sink, err := decisionlog.Open(cfg.Log.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}

	if strategy == nil {
		strategy = NopStrategy{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:      cfg,
		pair:     pair,
		client:   client,
		ws:       ws,
		book:     book,
		builder:  builder,
		events:   events.NewEngine(cfg.Events, logger),
		adapter:  adapter,
		ledger:   exec.NewLedger(logger),
		store:    store,
		sink:     sink,
		strategy: strategy,
		spike:    &spikeDetector{},
		logger:   logger.With("component", "engine"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start resolves pair metadata, restores the persisted ledger, opens the
// market data subscriptions and runs the startup evaluation. A metadata
// failure is fatal; everything after degrades gracefully.
func (e *Engine) Start() error {
	meta, err := e.client.AssetPairs(e.ctx, e.pair.RestPair)
	if err != nil {
		return fmt.Errorf("resolve pair %s: %w", e.pair.RestPair, err)
	}
	e.logger.Info("pair resolved",
		"pair", e.pair.WSPair,
		"price_decimals", meta.PriceDecimals,
		"volume_decimals", meta.VolumeDecimals,
		"min_volume", meta.MinOrderVolume,
	)

	if state, ok, err := e.store.Load(e.pair.RestPair); err != nil {
		e.logger.Warn("ledger restore failed", "error", err)
	} else if ok {
		e.ledger.Restore(state)
		pos := e.ledger.Position()
		e.logger.Info("ledger restored", "side", pos.Side, "size", pos.Size, "avg_price", pos.AvgPrice)
	}

	e.executor = exec.NewEngine(
		e.client, e.ledger, e.store, e.pair, meta,
		e.cfg.Risk, e.cfg.Engine.BalanceTTL, e.cfg.DryRun, e.logger,
	)
	e.startedAt = time.Now()

	e.callHook("OnInit", func() error { return e.strategy.OnInit(e.ctx) })

	sub, err := e.ws.SubscribeOHLC(e.ctx, e.pair.WSPair, e.cfg.Engine.PrimaryInterval, e.onOHLC)
	if err != nil {
		return fmt.Errorf("subscribe ohlc: %w", err)
	}
	e.subs = append(e.subs, sub)

	sub, err = e.ws.SubscribeBook(e.ctx, e.pair.WSPair, e.cfg.Features.BookDepth, e.onBook)
	if err != nil {
		return fmt.Errorf("subscribe book: %w", err)
	}
	e.subs = append(e.subs, sub)

	// private executions need credentials; dry-run without keys relies
	// on synthetic fills alone
	if e.cfg.API.Key != "" && e.cfg.API.Secret != "" {
		sub, err = e.ws.SubscribeExecutions(e.ctx, e.onExecution)
		if err != nil {
			e.logger.Warn("executions subscription failed", "error", err)
		} else {
			e.subs = append(e.subs, sub)
		}
	} else {
		e.logger.Info("no credentials, skipping executions channel")
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.evaluate([]string{"Startup"}, events.TickMeta{})
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.periodicLoop()
	}()

	return nil
}

// Stop unsubscribes everything, stops the timer, resets the event
// engine, persists the ledger and closes the sockets.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.callHook("OnStop", e.strategy.OnStop)

	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}

	e.cancel()
	e.wg.Wait()

	e.events.Reset()

	if e.executor != nil {
		if err := e.store.Save(e.pair.RestPair, e.ledger.Snapshot()); err != nil {
			e.logger.Error("final ledger save failed", "error", err)
		}
	}

	e.ws.Close()
	if err := e.sink.Close(); err != nil {
		e.logger.Error("decision log close failed", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// TriggerEvaluation forces an evaluation cycle with the given reason,
// e.g. "Manual". Non-blocking with respect to the caller's goroutine
// only in the sense that a cycle already in flight absorbs the call.
func (e *Engine) TriggerEvaluation(reason string) {
	e.evaluate([]string{reason}, events.TickMeta{})
}

// Status implements api.StatusProvider.
func (e *Engine) Status() api.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return api.Status{
		Pair:          e.pair.WSPair,
		DryRun:        e.cfg.DryRun,
		StartedAt:     e.startedAt,
		LastPrice:     e.book.LastPrice(),
		Position:      e.ledger.Position(),
		Risk:          e.ledger.RiskState(),
		LastDecision:  e.lastDecision,
		LastReasons:   e.lastReasons,
		LastEvaluated: e.lastEvaluated,
	}
}

func (e *Engine) periodicLoop() {
	ticker := time.NewTicker(e.cfg.Engine.EvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.evaluate([]string{"Periodic"}, events.TickMeta{})
		}
	}
}

// onOHLC is the per-tick path: cache the latest price, emit heartbeats,
// and enter the evaluation cycle when the event engine says so.
func (e *Engine) onOHLC(evt kraken.OHLCEvent) {
	if e.ctx.Err() != nil {
		return
	}
	price := evt.Candle.Close
	if price <= 0 {
		return
	}
	now := time.Now()

	e.book.SetLastPrice(price)
	e.callHook("OnPriceUpdate", func() error { return e.strategy.OnPriceUpdate(price) })

	e.heartbeat(now, price)

	meta := events.TickMeta{ThresholdTriggered: e.spike.Observe(now, price)}
	if !e.events.ShouldEvaluate(now, meta) {
		return
	}

	// evaluation fetches history and may call out; never block the
	// socket read loop
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.evaluate(nil, meta)
	}()
}

func (e *Engine) onBook(u kraken.BookUpdate) {
	if u.Snapshot {
		e.book.ApplySnapshot(u.Bids, u.Asks)
		return
	}
	e.book.ApplyUpdate(u.Bids, u.Asks)
}

func (e *Engine) onExecution(ex kraken.Execution) {
	if ex.Symbol != e.book.Symbol() {
		return
	}
	fill := types.Fill{
		OrderID:   ex.OrderID,
		Pair:      e.pair.RestPair,
		Side:      ex.Side,
		Price:     ex.ExecPrice,
		Qty:       ex.ExecQty,
		Fee:       ex.Fee,
		Timestamp: ex.Timestamp,
	}
	e.executor.HandleFill(fill)
	e.callHook("OnFill", func() error { return e.strategy.OnFill(fill) })
}

func (e *Engine) heartbeat(now time.Time, price float64) {
	e.mu.Lock()
	due := now.Sub(e.lastHeartbeat) >= e.cfg.Engine.Heartbeat
	if due {
		e.lastHeartbeat = now
	}
	e.mu.Unlock()
	if !due {
		return
	}

	pos := e.ledger.Position()
	risk := e.ledger.RiskState()
	e.logger.Info("heartbeat",
		"price", price,
		"side", pos.Side,
		"size", pos.Size,
		"unrealized_r", pos.UnrealizedR,
		"daily_pnl_pct", risk.DailyPnLPct,
	)
}

// evaluate runs one full evaluation cycle. Re-entrancy is guarded by
// the processing flag: a concurrent trigger returns immediately and its
// reasons stay pending in the event engine for the next window.
func (e *Engine) evaluate(extra []string, meta events.TickMeta) {
	e.mu.Lock()
	if e.processing || e.executor == nil {
		e.mu.Unlock()
		return
	}
	e.processing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.processing = false
		e.mu.Unlock()
	}()

	now := time.Now()
	snap := e.builder.Build(e.ctx, e.ledger.Position(), e.ledger.RiskState())

	if _, err := e.executor.QuoteBalance(e.ctx, false); err != nil {
		e.logger.Warn("balance refresh failed", "error", err)
	}

	// refresh unrealized R and position age before the detectors run
	var atr5 float64
	if tf, ok := snap.TF("5m"); ok {
		atr5 = tf.ATR14
	}
	if price := e.book.LastPrice(); price > 0 {
		e.ledger.UpdateMarket(price, atr5, now)
	}
	snap.Position = e.ledger.Position()
	snap.Risk = e.ledger.RiskState()

	reasons := e.events.Detect(now, &snap, meta)
	reasons = append(reasons, extra...)
	if len(reasons) == 0 {
		return
	}

	req := decision.Request{
		Features: &snap,
		Reasons:  reasons,
		Meta: map[string]string{
			"pair":    e.pair.WSPair,
			"dry_run": fmt.Sprintf("%t", e.cfg.DryRun),
		},
		Constraints: decision.Constraints{
			MaxTradeRiskPct: e.cfg.Risk.MaxTradeRiskPct,
			MaxTotalRiskPct: e.cfg.Risk.MaxTotalRiskPct,
			DefaultSizePct:  e.cfg.Risk.DefaultSizePct,
			LongOnly:        true,
		},
	}
	d := e.adapter.Decide(e.ctx, req)

	e.callHook("OnDecision", func() error { return e.strategy.OnDecision(d, reasons) })

	if err := e.sink.Append(decisionlog.Record{
		Timestamp: now,
		Pair:      e.pair.WSPair,
		Decision:  d,
		Price:     e.book.LastPrice(),
		Snapshot:  &snap,
		Reasons:   reasons,
		DryRun:    e.cfg.DryRun,
	}); err != nil {
		e.logger.Error("decision log append failed", "error", err)
	}

	result := e.executor.Execute(e.ctx, d, &snap)
	e.logger.Info("execution result",
		"action", d.Action,
		"status", result.Status,
		"reason", result.Reason,
		"order_id", result.OrderID,
	)

	e.mu.Lock()
	e.lastDecision = &d
	e.lastReasons = reasons
	e.lastEvaluated = now
	e.mu.Unlock()
}

// callHook runs a strategy hook; a hook failure is logged, never fatal.
func (e *Engine) callHook(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy hook panicked", "hook", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		e.logger.Error("strategy hook failed", "hook", name, "error", err)
	}
}
