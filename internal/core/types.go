// Package core defines the domain types and capability interfaces shared by
// every component of the synchronization core.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side int8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "BUY"
	}
	return "SELL"
}

// Signed returns +1 for Buy and -1 for Sell.
func (s Side) Signed() int {
	if s == SideBuy {
		return 1
	}
	return -1
}

// OppositeSide returns the closing side for a given position sign.
func OppositeSide(signedPosition decimal.Decimal) Side {
	if signedPosition.IsNegative() {
		return SideBuy
	}
	return SideSell
}

// OrderStatus is the Master-venue order lifecycle status.
type OrderStatus int8

const (
	OrderOpen OrderStatus = iota
	OrderCanceled
	OrderFilled
	OrderTriggered
)

func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "Open"
	case OrderCanceled:
		return "Canceled"
	case OrderFilled:
		return "Filled"
	case OrderTriggered:
		return "Triggered"
	default:
		return "Unknown"
	}
}

// FollowerOrderStatus is the Follower-venue execution report status.
type FollowerOrderStatus int8

const (
	FollowerNew FollowerOrderStatus = iota
	FollowerPartiallyFilled
	FollowerFilled
	FollowerCanceled
	FollowerExpired
	FollowerRejected
)

// IsTerminal reports whether the status will never transition further.
func (s FollowerOrderStatus) IsTerminal() bool {
	switch s {
	case FollowerFilled, FollowerCanceled, FollowerExpired, FollowerRejected:
		return true
	default:
		return false
	}
}

// Instrument carries the per-symbol configuration needed to translate and
// bound orders for a perpetual contract.
type Instrument struct {
	Symbol               string
	QuantityDecimals     int32
	PriceTick            decimal.Decimal
	MinOrderSizeOpen     decimal.Decimal
	MinOrderSizeClose    decimal.Decimal
	MaxAbsPosition       decimal.Decimal
	ReductionThreshold   decimal.Decimal
}

// MinOrderSize returns the minimum size for the given action type.
func (i Instrument) MinOrderSize(action ActionType) decimal.Decimal {
	if action == ActionClose {
		return i.MinOrderSizeClose
	}
	return i.MinOrderSizeOpen
}

// ActionType classifies whether a translated order opens or closes exposure.
type ActionType int8

const (
	ActionOpen ActionType = iota
	ActionClose
)

// MasterOrderEvent is an order-book event observed on the Master venue.
type MasterOrderEvent struct {
	Oid           string
	Instrument    string
	Side          Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	Status        OrderStatus
	ReduceOnly    bool
	Timestamp     time.Time
	MasterAccount string
}

// MasterFillEvent is a fill observed on the Master venue's user-fill feed.
type MasterFillEvent struct {
	Instrument string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	Timestamp  time.Time
	Taker      bool
}

// EventID returns the synthetic processed-order-journal id for a fill,
// per spec: fill:{instrument}:{timestamp}:{size}.
func (f MasterFillEvent) EventID() string {
	return "fill:" + f.Instrument + ":" + f.Timestamp.Format(time.RFC3339Nano) + ":" + f.Size.String()
}

// FollowerExecutionReport is an order-status update from the Follower venue's
// user data stream.
type FollowerExecutionReport struct {
	FollowerOrderID string
	Instrument      string
	Side            Side
	Status          FollowerOrderStatus
	LastFillPrice   decimal.Decimal
	LastFillSize    decimal.Decimal
	Timestamp       time.Time
}

// MasterOpenOrder is a row of the Master venue's open-orders snapshot.
type MasterOpenOrder struct {
	Oid        string
	Instrument string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	ReduceOnly bool
}

// FollowerOpenOrder is a row of the Follower venue's open-orders snapshot.
type FollowerOpenOrder struct {
	FollowerOrderID string
	Instrument      string
	Side            Side
	Price           decimal.Decimal
	Size            decimal.Decimal
	ReduceOnly      bool
}

// Mapping is a bidirectional masterOid<->followerOrderID binding.
type Mapping struct {
	MasterOid       string
	FollowerOrderID string
	Instrument      string
	CreatedAt       time.Time
}

// ExecutorOutcome is the closed set of outcomes an Executor decision can
// produce, per spec.md §9 ("Sum-typed events").
type ExecutorOutcome int8

const (
	OutcomePlaced ExecutorOutcome = iota
	OutcomeEnforced
	OutcomeSkippedBelowMin
	OutcomeSkippedRisk
	OutcomeSkippedDirection
	OutcomeRecovered
	OutcomeReplaced
	OutcomeCanceled
)

func (o ExecutorOutcome) String() string {
	switch o {
	case OutcomePlaced:
		return "placed"
	case OutcomeEnforced:
		return "enforced"
	case OutcomeSkippedBelowMin:
		return "skipped_below_min"
	case OutcomeSkippedRisk:
		return "skipped_risk"
	case OutcomeSkippedDirection:
		return "skipped_direction"
	case OutcomeRecovered:
		return "recovered"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ProcessedOrderRecord is the journal entry persisted for each acted-upon
// Master event id.
type ProcessedOrderRecord struct {
	Outcome         ExecutorOutcome
	FollowerOrderID string
	MasterSize      decimal.Decimal
	FollowerSize    decimal.Decimal
	Price           decimal.Decimal
	ProcessedAt     time.Time
}

// OrphanFillRecord is the provisional adjustment stored when the Follower
// fills a mirrored order before the Master reports it Filled.
type OrphanFillRecord struct {
	MasterOid            string
	Instrument           string
	Side                 Side
	FollowerSize         decimal.Decimal
	MasterSizeEquivalent decimal.Decimal
	FollowerOrderID       string
	ObservedAt           time.Time
}

// TradingMode selects how Master size is translated to Follower size.
type TradingMode string

const (
	ModeFixed TradingMode = "fixed"
	ModeEqual TradingMode = "equal"
)
