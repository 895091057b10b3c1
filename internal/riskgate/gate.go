// Package riskgate implements the Risk Gate: synchronous, I/O-free
// predicates the Order Executor consults before placing or enforcing a
// Follower order (spec §4.4). Violations are never fatal; the caller treats
// a denial as a miss that still mutates the Delta Ledger.
package riskgate

import (
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/uykb/HypeFollow/internal/core"
	"github.com/uykb/HypeFollow/pkg/telemetry"
)

// Gate holds the whitelist, kill switch, and per-instrument position caps.
type Gate struct {
	mu       sync.RWMutex
	registry core.InstrumentRegistry

	emergencyStop int32 // atomic bool
}

// New constructs a Gate over registry, which supplies per-instrument
// maximum absolute position and the supported-instrument whitelist.
func New(registry core.InstrumentRegistry) *Gate {
	return &Gate{registry: registry}
}

// Supported reports whether instrument is in the configured whitelist.
func (g *Gate) Supported(instrument string) bool {
	return g.registry.Supported(instrument)
}

// EmergencyStopActive reports the current state of the global kill switch.
func (g *Gate) EmergencyStopActive() bool {
	return atomic.LoadInt32(&g.emergencyStop) != 0
}

// SetEmergencyStop flips the kill switch. Called once at startup with the
// configured trading.emergency_stop value; never by the Executor itself.
func (g *Gate) SetEmergencyStop(active bool) {
	var v int32
	if active {
		v = 1
	}
	atomic.StoreInt32(&g.emergencyStop, v)
	telemetry.GetGlobalMetrics().SetEmergencyStop(active)
}

// WithinPositionLimit reports whether |currentSignedPosition| + proposedSize
// stays within instrument's configured maximum absolute position.
func (g *Gate) WithinPositionLimit(instrument string, currentSignedPosition, proposedSize decimal.Decimal) bool {
	inst, ok := g.registry.Lookup(instrument)
	if !ok {
		return false
	}
	if inst.MaxAbsPosition.IsZero() {
		return true // zero means unbounded
	}
	projected := currentSignedPosition.Abs().Add(proposedSize.Abs())
	return projected.LessThanOrEqual(inst.MaxAbsPosition)
}

// Allow runs every predicate the Executor needs before placing an order. It
// returns the first failing reason, or "" if the order may proceed.
func (g *Gate) Allow(instrument string, currentSignedPosition, proposedSize decimal.Decimal) string {
	if g.EmergencyStopActive() {
		return "emergency_stop_active"
	}
	if !g.Supported(instrument) {
		return "instrument_not_supported"
	}
	if !g.WithinPositionLimit(instrument, currentSignedPosition, proposedSize) {
		return "position_limit_exceeded"
	}
	return ""
}
