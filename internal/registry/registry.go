// Package registry implements core.InstrumentRegistry as a static,
// config-driven symbol table, the way the teacher's exchange clients hold a
// fetched-once table of per-symbol tick size, lot size, and min notional.
// Here the table comes from config.Config.Instruments rather than a
// FetchExchangeInfo call, since both venues' precision is declared up front
// in the copy-trading configuration surface.
package registry

import (
	"github.com/shopspring/decimal"

	"github.com/uykb/HypeFollow/internal/config"
	"github.com/uykb/HypeFollow/internal/core"
)

// Registry is a static map[symbol]core.Instrument built once at startup.
type Registry struct {
	instruments map[string]core.Instrument
	symbols     []string
}

// New builds a Registry from the trading config's supported-coin whitelist
// and the matching per-instrument entries. A supported coin missing its
// instrument entry is a config validation failure caught before this is
// called, so it is omitted here rather than erroring.
func New(cfg *config.Config) *Registry {
	r := &Registry{instruments: make(map[string]core.Instrument, len(cfg.Trading.SupportedCoins))}
	for _, symbol := range cfg.Trading.SupportedCoins {
		inst, ok := cfg.Instruments[symbol]
		if !ok {
			continue
		}
		r.instruments[symbol] = core.Instrument{
			Symbol:             symbol,
			QuantityDecimals:   inst.QuantityDecimals,
			PriceTick:          decimal.NewFromFloat(inst.PriceTick),
			MinOrderSizeOpen:   decimal.NewFromFloat(inst.MinOrderSize.Open),
			MinOrderSizeClose:  decimal.NewFromFloat(inst.MinOrderSize.Close),
			MaxAbsPosition:     decimal.NewFromFloat(inst.MaxPositionSize),
			ReductionThreshold: decimal.NewFromFloat(inst.ReductionThreshold),
		}
		r.symbols = append(r.symbols, symbol)
	}
	return r
}

// Lookup returns the Instrument for symbol, if supported.
func (r *Registry) Lookup(symbol string) (core.Instrument, bool) {
	inst, ok := r.instruments[symbol]
	return inst, ok
}

// Supported reports whether symbol is in the configured whitelist.
func (r *Registry) Supported(symbol string) bool {
	_, ok := r.instruments[symbol]
	return ok
}

// Symbols returns the configured whitelist.
func (r *Registry) Symbols() []string {
	return r.symbols
}
