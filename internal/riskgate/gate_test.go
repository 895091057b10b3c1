package riskgate

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/uykb/HypeFollow/internal/core"
)

type fakeRegistry struct {
	instruments map[string]core.Instrument
}

func (f *fakeRegistry) Lookup(symbol string) (core.Instrument, bool) {
	inst, ok := f.instruments[symbol]
	return inst, ok
}

func (f *fakeRegistry) Supported(symbol string) bool {
	_, ok := f.instruments[symbol]
	return ok
}

func (f *fakeRegistry) Symbols() []string {
	out := make([]string, 0, len(f.instruments))
	for s := range f.instruments {
		out = append(out, s)
	}
	return out
}

func newTestGate() (*Gate, *fakeRegistry) {
	reg := &fakeRegistry{instruments: map[string]core.Instrument{
		"BTC": {Symbol: "BTC", MaxAbsPosition: decimal.NewFromFloat(5)},
	}}
	return New(reg), reg
}

func TestGate_AllowsWithinLimits(t *testing.T) {
	g, _ := newTestGate()
	reason := g.Allow("BTC", decimal.NewFromFloat(1), decimal.NewFromFloat(0.5))
	assert.Equal(t, "", reason)
}

func TestGate_DeniesUnsupportedInstrument(t *testing.T) {
	g, _ := newTestGate()
	reason := g.Allow("SOL", decimal.Zero, decimal.NewFromFloat(1))
	assert.Equal(t, "instrument_not_supported", reason)
}

func TestGate_DeniesOverPositionLimit(t *testing.T) {
	g, _ := newTestGate()
	reason := g.Allow("BTC", decimal.NewFromFloat(4.8), decimal.NewFromFloat(0.5))
	assert.Equal(t, "position_limit_exceeded", reason)
}

func TestGate_ZeroMaxAbsPositionIsUnbounded(t *testing.T) {
	reg := &fakeRegistry{instruments: map[string]core.Instrument{
		"ETH": {Symbol: "ETH", MaxAbsPosition: decimal.Zero},
	}}
	g := New(reg)
	reason := g.Allow("ETH", decimal.NewFromFloat(1000), decimal.NewFromFloat(1000))
	assert.Equal(t, "", reason)
}

func TestGate_EmergencyStopOverridesEverything(t *testing.T) {
	g, _ := newTestGate()
	g.SetEmergencyStop(true)
	reason := g.Allow("BTC", decimal.Zero, decimal.NewFromFloat(0.1))
	assert.Equal(t, "emergency_stop_active", reason)

	g.SetEmergencyStop(false)
	assert.False(t, g.EmergencyStopActive())
}
