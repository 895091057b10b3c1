// Package ledger implements the per-instrument Delta Ledger: a signed
// accumulator of Target-minus-Actual exposure in Master units (spec §4.2).
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uykb/HypeFollow/internal/core"
	"github.com/uykb/HypeFollow/internal/store"
	"github.com/uykb/HypeFollow/pkg/telemetry"
)

// Ledger is pure state; it carries no policy beyond atomic arithmetic. The
// invariant I3 (Δ = Target - Actual) is only as correct as the callers that
// call Add/Consume with what they actually executed.
type Ledger struct {
	kv     store.KV
	logger core.ILogger
}

// New constructs a Ledger over kv.
func New(kv store.KV, logger core.ILogger) *Ledger {
	return &Ledger{kv: kv, logger: logger.WithField("component", "ledger")}
}

func key(instrument string) string { return store.PrefixPendingDelta + instrument }

// Init sets Δ to the Master's current signed position, assuming the
// Follower starts empty. Overwrites any existing value, so it must only be
// called once per instrument at startup.
func (l *Ledger) Init(ctx context.Context, instrument string, signedMasterPosition decimal.Decimal) error {
	if err := l.kv.Set(ctx, key(instrument), signedMasterPosition.String(), store.TTLPendingDelta); err != nil {
		return fmt.Errorf("init delta %s: %w", instrument, err)
	}
	telemetry.GetGlobalMetrics().SetDelta(instrument, toFloat(signedMasterPosition))
	return nil
}

// Add atomically adds signedAmount to Δ_instrument and returns the new value.
func (l *Ledger) Add(ctx context.Context, instrument string, signedAmount decimal.Decimal) (decimal.Decimal, error) {
	next, err := l.kv.AddDecimal(ctx, key(instrument), signedAmount, store.TTLPendingDelta)
	if err != nil {
		return decimal.Zero, fmt.Errorf("add delta %s: %w", instrument, err)
	}
	telemetry.GetGlobalMetrics().SetDelta(instrument, toFloat(next))
	return next, nil
}

// Get reads the current Δ for instrument without mutating it.
func (l *Ledger) Get(ctx context.Context, instrument string) (decimal.Decimal, error) {
	raw, ok, err := l.kv.Get(ctx, key(instrument))
	if err != nil {
		return decimal.Zero, fmt.Errorf("get delta %s: %w", instrument, err)
	}
	if !ok {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse delta %s: %w", instrument, err)
	}
	return d, nil
}

// Consume is equivalent to Add(instrument, -amountToClear).
func (l *Ledger) Consume(ctx context.Context, instrument string, amountToClear decimal.Decimal) (decimal.Decimal, error) {
	return l.Add(ctx, instrument, amountToClear.Neg())
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
