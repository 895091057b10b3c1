// Package core defines the domain types and capability interfaces shared by
// every component of the synchronization core.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger is the structured-logging capability threaded through every
// component; concrete implementations wrap zap (see pkg/logging).
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// AccountState is the subset of a venue's account/margin snapshot the core
// needs: equity for Equal-mode sizing and signed positions for delta-ledger
// initialization and the rebalancer.
type AccountState struct {
	Equity    decimal.Decimal
	Positions map[string]decimal.Decimal // instrument -> signed size
}

// MasterVenue is the out-of-core-scope collaborator that delivers Master
// order/fill events and snapshots (spec.md §6, consumed-only).
type MasterVenue interface {
	// SubscribeOrders streams order-update events for the followed account
	// until ctx is canceled; reconnection and heartbeat management are the
	// adapter's responsibility.
	SubscribeOrders(ctx context.Context, account string, handler func(MasterOrderEvent)) error
	// SubscribeFills streams the followed account's taker (crossed) fill
	// events; maker fills are not delivered.
	SubscribeFills(ctx context.Context, account string, handler func(MasterFillEvent)) error
	// OpenOrders returns the account's current open orders (snapshot POST).
	OpenOrders(ctx context.Context, account string) ([]MasterOpenOrder, error)
	// AccountState returns the account's current margin/position snapshot.
	AccountState(ctx context.Context, account string) (AccountState, error)
}

// FollowerVenue is the out-of-core-scope collaborator that executes orders
// on the centralized Follower account and reports fills (spec.md §6).
type FollowerVenue interface {
	PlaceLimitGTC(ctx context.Context, instrument string, side Side, price, size decimal.Decimal, reduceOnly bool) (followerOrderID string, err error)
	PlaceMarket(ctx context.Context, instrument string, side Side, size decimal.Decimal, reduceOnly bool) (followerOrderID string, err error)
	CancelOrder(ctx context.Context, instrument string, followerOrderID string) error
	CancelReplace(ctx context.Context, instrument string, followerOrderID string, side Side, price, size decimal.Decimal, reduceOnly bool) (newFollowerOrderID string, err error)
	OrderStatus(ctx context.Context, instrument string, followerOrderID string) (FollowerOrderStatus, error)
	OpenOrders(ctx context.Context, instrument string) ([]FollowerOpenOrder, error)
	Position(ctx context.Context, instrument string) (signedSize decimal.Decimal, entryPrice decimal.Decimal, err error)
	AccountState(ctx context.Context) (AccountState, error)
	SetOneWayMode(ctx context.Context) error
	SubscribeExecutionReports(ctx context.Context, handler func(FollowerExecutionReport)) error
	PriceTick(instrument string) decimal.Decimal
	QuantityDecimals(instrument string) int32
}

// InstrumentRegistry resolves per-symbol trading configuration.
type InstrumentRegistry interface {
	Lookup(instrument string) (Instrument, bool)
	Supported(instrument string) bool
	Symbols() []string
}

// Clock exists so tests can control time.Now() without a sleep.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
