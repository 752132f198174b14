package engine

import (
	"context"

	"krakenbot/pkg/types"
)

// Strategy is the optional override surface for custom behaviour around
// the bot's lifecycle. All hooks are best-effort: a returned error is
// logged and the bot continues.
type Strategy interface {
	// OnInit runs once after pair metadata is resolved, before any
	// subscription is opened.
	OnInit(ctx context.Context) error
	// OnPriceUpdate runs on every closed-candle price tick.
	OnPriceUpdate(price float64) error
	// OnDecision runs after a decision has been normalised, before
	// execution.
	OnDecision(d types.Decision, reasons []string) error
	// OnFill runs for every fill applied to the ledger.
	OnFill(fill types.Fill) error
	// OnStop runs during shutdown, before sockets close.
	OnStop() error
}

// NopStrategy implements Strategy with no-ops. Embed it to override a
// subset of hooks.
type NopStrategy struct{}

func (NopStrategy) OnInit(context.Context) error              { return nil }
func (NopStrategy) OnPriceUpdate(float64) error               { return nil }
func (NopStrategy) OnDecision(types.Decision, []string) error { return nil }
func (NopStrategy) OnFill(types.Fill) error                   { return nil }
func (NopStrategy) OnStop() error                             { return nil }
