// Package calculator implements the Position Calculator: a pure
// size-translation function from Master units to Follower units under the
// configured sizing mode (spec §4.3).
package calculator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uykb/HypeFollow/internal/core"
	"github.com/uykb/HypeFollow/pkg/tradingutils"
)

// Config holds the sizing parameters read from configuration.
type Config struct {
	Mode            core.TradingMode
	FixedRatio      decimal.Decimal
	EqualRatio      decimal.Decimal
	AccountCacheTTL time.Duration
}

type equitySnapshot struct {
	masterEquity   decimal.Decimal
	followerEquity decimal.Decimal
	at             time.Time
}

// Calculator translates Master order/fill sizes into Follower sizes.
// Equity snapshots for Equal mode are cached for Config.AccountCacheTTL to
// cap API load on both venues, as required by spec §4.3.
type Calculator struct {
	cfg      Config
	master   core.MasterVenue
	follower core.FollowerVenue
	registry core.InstrumentRegistry
	clock    core.Clock

	mu       sync.Mutex
	snapshot *equitySnapshot
}

// New constructs a Calculator.
func New(cfg Config, master core.MasterVenue, follower core.FollowerVenue, registry core.InstrumentRegistry, clock core.Clock) *Calculator {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Calculator{cfg: cfg, master: master, follower: follower, registry: registry, clock: clock}
}

// ratio returns the Master->Follower scale factor for the configured mode.
// masterAccount identifies whose equity to read under Equal mode.
func (c *Calculator) ratio(ctx context.Context, masterAccount string) (decimal.Decimal, error) {
	switch c.cfg.Mode {
	case core.ModeEqual:
		snap, err := c.equitySnapshot(ctx, masterAccount)
		if err != nil {
			return decimal.Zero, err
		}
		if snap.masterEquity.IsZero() {
			return decimal.Zero, fmt.Errorf("master equity is zero, cannot compute equal-mode ratio")
		}
		return snap.followerEquity.Div(snap.masterEquity).Mul(c.cfg.EqualRatio), nil
	default:
		return c.cfg.FixedRatio, nil
	}
}

func (c *Calculator) equitySnapshot(ctx context.Context, masterAccount string) (equitySnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot != nil && c.clock.Now().Sub(c.snapshot.at) < c.cfg.AccountCacheTTL {
		return *c.snapshot, nil
	}

	masterState, err := c.master.AccountState(ctx, masterAccount)
	if err != nil {
		return equitySnapshot{}, fmt.Errorf("fetch master account state: %w", err)
	}
	followerState, err := c.follower.AccountState(ctx)
	if err != nil {
		return equitySnapshot{}, fmt.Errorf("fetch follower account state: %w", err)
	}

	snap := equitySnapshot{
		masterEquity:   masterState.Equity,
		followerEquity: followerState.Equity,
		at:             c.clock.Now(),
	}
	c.snapshot = &snap
	return snap, nil
}

// Translate converts a Master-unit absolute size into a Follower-unit
// absolute size for the given instrument and action type. It returns
// ok=false when the translated size rounds below the instrument's minimum
// order size for that action; the Executor decides whether to enforce.
func (c *Calculator) Translate(ctx context.Context, masterAccount string, instrument core.Instrument, masterSize decimal.Decimal, action core.ActionType) (decimal.Decimal, bool, error) {
	r, err := c.ratio(ctx, masterAccount)
	if err != nil {
		return decimal.Zero, false, err
	}

	scaled := masterSize.Mul(r)
	q := tradingutils.TruncateQuantity(scaled, instrument.QuantityDecimals+1)
	q = tradingutils.RoundQuantity(q, instrument.QuantityDecimals)

	if q.IsZero() || q.LessThan(instrument.MinOrderSize(action)) {
		return decimal.Zero, false, nil
	}
	return q, true, nil
}

// ReverseTranslate converts a Follower-unit absolute size back to its
// Master-unit equivalent, using the reciprocal ratio under the same equity
// snapshot semantics. Used by Reconciliation for orphan-fill adjustments.
func (c *Calculator) ReverseTranslate(ctx context.Context, masterAccount string, followerSize decimal.Decimal) (decimal.Decimal, error) {
	r, err := c.ratio(ctx, masterAccount)
	if err != nil {
		return decimal.Zero, err
	}
	if r.IsZero() {
		return decimal.Zero, fmt.Errorf("sizing ratio is zero, cannot reverse-translate")
	}
	return followerSize.Div(r), nil
}

// EnforcedSize returns the instrument minimum for action, the size the
// Executor places when enforcement fires on an otherwise too-small order.
func EnforcedSize(instrument core.Instrument, action core.ActionType) decimal.Decimal {
	return instrument.MinOrderSize(action)
}
