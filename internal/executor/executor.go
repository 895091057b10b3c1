// Package executor implements the Order Executor: the central state machine
// that turns Master events into Follower actions, consulting the Mapper,
// Delta Ledger, Processed-Order Journal, Position Calculator, and Risk Gate
// on every decision (spec §4.5).
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uykb/HypeFollow/internal/calculator"
	"github.com/uykb/HypeFollow/internal/core"
	"github.com/uykb/HypeFollow/internal/journal"
	"github.com/uykb/HypeFollow/internal/ledger"
	"github.com/uykb/HypeFollow/internal/mapper"
	"github.com/uykb/HypeFollow/internal/rebalance"
	"github.com/uykb/HypeFollow/internal/reconcile"
	"github.com/uykb/HypeFollow/internal/riskgate"
	"github.com/uykb/HypeFollow/internal/store"
	apperrors "github.com/uykb/HypeFollow/pkg/errors"
	"github.com/uykb/HypeFollow/pkg/telemetry"
	"github.com/uykb/HypeFollow/pkg/tradingutils"
)

// epsilon bounds the "direction does not match" and "below minimum" checks
// on taker-fill catch-up sizing (spec §4.5(c)).
var epsilon = decimal.NewFromFloat(0.00000001)

// Executor is the central state machine of spec §4.5.
type Executor struct {
	masterAccount string

	mapper     *mapper.Mapper
	ledger     *ledger.Ledger
	journal    *journal.Journal
	calculator *calculator.Calculator
	gate       *riskgate.Gate
	orphans    *reconcile.OrphanTracker
	rebalancer *rebalance.Rebalancer

	follower core.FollowerVenue
	registry core.InstrumentRegistry
	kv       store.KV
	logger   core.ILogger
}

// Config bundles the collaborators an Executor is built from.
type Config struct {
	MasterAccount string

	Mapper     *mapper.Mapper
	Ledger     *ledger.Ledger
	Journal    *journal.Journal
	Calculator *calculator.Calculator
	Gate       *riskgate.Gate
	Orphans    *reconcile.OrphanTracker
	Rebalancer *rebalance.Rebalancer

	Follower core.FollowerVenue
	Registry core.InstrumentRegistry
	KV       store.KV
	Logger   core.ILogger
}

// New constructs an Executor.
func New(cfg Config) *Executor {
	return &Executor{
		masterAccount: cfg.MasterAccount,
		mapper:        cfg.Mapper,
		ledger:        cfg.Ledger,
		journal:       cfg.Journal,
		calculator:    cfg.Calculator,
		gate:          cfg.Gate,
		orphans:       cfg.Orphans,
		rebalancer:    cfg.Rebalancer,
		follower:      cfg.Follower,
		registry:      cfg.Registry,
		kv:            cfg.KV,
		logger:        cfg.Logger.WithField("component", "executor"),
	}
}

// shouldEnforce is the enforcement predicate of spec §9: "any nonzero Δ".
// Isolated here so a future sign-matching refinement is a one-line change.
func shouldEnforce(deltaBefore decimal.Decimal) bool {
	return !deltaBefore.IsZero()
}

func signedSize(side core.Side, size decimal.Decimal) decimal.Decimal {
	if side == core.SideSell {
		return size.Neg()
	}
	return size
}

// actionTypeFor classifies s against the Follower's current signed position,
// per spec §4.5(a) step 4: opposite sign closes, otherwise opens.
func actionTypeFor(followerPosition, s decimal.Decimal) core.ActionType {
	if followerPosition.Sign() != 0 && followerPosition.Sign() != s.Sign() {
		return core.ActionClose
	}
	return core.ActionOpen
}

func lockKey(oid string) string { return store.PrefixOrderLock + oid }

// HandleMasterOrderEvent dispatches a Master order-book event to the
// appropriate branch of the state machine. Triggered is treated as Open
// (the alternative — a distinct activation state — was considered and
// rejected as unnecessary complexity for a conditional order becoming
// live).
func (e *Executor) HandleMasterOrderEvent(ctx context.Context, event core.MasterOrderEvent) error {
	switch event.Status {
	case core.OrderOpen, core.OrderTriggered:
		return e.HandleOpen(ctx, event)
	case core.OrderCanceled:
		return e.handleCanceled(ctx, event)
	case core.OrderFilled:
		return e.handleMasterFilled(ctx, event)
	default:
		return fmt.Errorf("executor: unknown master order status %v", event.Status)
	}
}

// HandleOpen executes a Master limit order in Open (or Triggered) state. It
// is also the entry point Reconciliation uses for an order it could not
// otherwise recover a mapping for, and it satisfies reconcile.OpenHandler.
func (e *Executor) HandleOpen(ctx context.Context, event core.MasterOrderEvent) error {
	acquired, err := e.kv.SetNX(ctx, lockKey(event.Oid), "1", store.TTLOrderLock)
	if err != nil {
		return fmt.Errorf("acquire order lock %s: %w", event.Oid, err)
	}
	if !acquired {
		e.logger.Debug("order lock held, skipping concurrent handler", "masterOid", event.Oid)
		return nil
	}
	defer func() {
		if err := e.kv.Delete(ctx, lockKey(event.Oid)); err != nil {
			e.logger.Warn("failed to release order lock", "masterOid", event.Oid, "error", err.Error())
		}
	}()

	if followerOrderID, instrument, mapped, err := e.mapper.LookupFollower(ctx, event.Oid); err != nil {
		return fmt.Errorf("lookup mapping %s: %w", event.Oid, err)
	} else if mapped {
		return e.handleReplace(ctx, event, followerOrderID, instrument)
	}

	return e.placeFresh(ctx, event)
}

// placeFresh is spec §4.5(a) steps 1-10 for an oid with no existing mapping.
func (e *Executor) placeFresh(ctx context.Context, event core.MasterOrderEvent) error {
	journaled, err := e.journal.Contains(ctx, event.Oid)
	if err != nil {
		return fmt.Errorf("journal lookup %s: %w", event.Oid, err)
	}
	if journaled {
		return nil
	}

	inst, ok := e.registry.Lookup(event.Instrument)
	if !ok {
		e.logger.Warn("master order on unregistered instrument", "instrument", event.Instrument, "masterOid", event.Oid)
		return nil
	}

	s := signedSize(event.Side, event.Size)
	deltaBefore, err := e.ledger.Get(ctx, event.Instrument)
	if err != nil {
		return fmt.Errorf("read delta %s: %w", event.Instrument, err)
	}

	followerPosition, _, err := e.follower.Position(ctx, event.Instrument)
	if err != nil {
		return fmt.Errorf("read follower position %s: %w", event.Instrument, err)
	}
	action := actionTypeFor(followerPosition, s)

	q, ok, err := e.calculator.Translate(ctx, e.masterAccount, inst, s.Abs(), action)
	if err != nil {
		return fmt.Errorf("translate size: %w", err)
	}
	outcome := core.OutcomePlaced

	var available decimal.Decimal
	if event.ReduceOnly {
		available, err = e.reduceOnlyAvailable(ctx, event.Instrument, event.Side, followerPosition)
		if err != nil {
			return err
		}
		if available.LessThan(inst.MinOrderSize(action)) {
			e.logger.Debug("reduce-only order below available capacity, skipping with no journal entry", "masterOid", event.Oid)
			return nil
		}
		if ok && q.GreaterThan(available) {
			q = tradingutils.RoundQuantity(available, inst.QuantityDecimals)
		}
	}

	if (!ok || q.IsZero()) && shouldEnforce(deltaBefore) {
		q = calculator.EnforcedSize(inst, action)
		if event.ReduceOnly && q.GreaterThan(available) {
			q = tradingutils.RoundQuantity(available, inst.QuantityDecimals)
		}
		ok = true
		outcome = core.OutcomeEnforced
	}

	if !ok || q.IsZero() {
		if _, err := e.ledger.Add(ctx, event.Instrument, s); err != nil {
			return fmt.Errorf("record missed delta: %w", err)
		}
		telemetry.GetGlobalMetrics().OrdersSkippedTotal.Add(ctx, 1, telemetry.ReasonAttr("below_min"))
		return nil
	}

	if reason := e.gate.Allow(event.Instrument, followerPosition, q); reason != "" {
		if _, err := e.ledger.Add(ctx, event.Instrument, s); err != nil {
			return fmt.Errorf("record risk-denied delta: %w", err)
		}
		telemetry.GetGlobalMetrics().OrdersSkippedTotal.Add(ctx, 1, telemetry.ReasonAttr(reason))
		e.logger.Info("order denied by risk gate, recorded as miss", "masterOid", event.Oid, "reason", reason)
		return nil
	}

	tick := e.follower.PriceTick(event.Instrument)
	price := tradingutils.SnapToTick(event.Price, tick)

	followerOrderID, err := e.follower.PlaceLimitGTC(ctx, event.Instrument, event.Side, price, q, event.ReduceOnly)
	if err != nil {
		return fmt.Errorf("place follower order: %w", err)
	}

	if err := e.mapper.Save(ctx, event.Oid, followerOrderID, event.Instrument); err != nil {
		return fmt.Errorf("save mapping: %w", err)
	}
	if err := e.journal.Record(ctx, event.Oid, core.ProcessedOrderRecord{
		Outcome:         outcome,
		FollowerOrderID: followerOrderID,
		MasterSize:      s,
		FollowerSize:    q,
		Price:           price,
		ProcessedAt:     time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("journal entry: %w", err)
	}
	if _, err := e.ledger.Consume(ctx, event.Instrument, deltaBefore); err != nil {
		return fmt.Errorf("consume delta: %w", err)
	}

	if outcome == core.OutcomeEnforced {
		telemetry.GetGlobalMetrics().OrdersEnforcedTotal.Add(ctx, 1)
	} else {
		telemetry.GetGlobalMetrics().OrdersPlacedTotal.Add(ctx, 1)
	}
	e.logger.Info("follower order placed", "masterOid", event.Oid, "followerOrderId", followerOrderID, "size", q.String(), "price", price.String(), "outcome", outcome.String())

	e.triggerRebalance(event.Instrument)
	return nil
}

// reduceOnlyAvailable computes max(0, |P| - openReduceOnlySameSide), the cap
// of spec §4.5(a) step 6.
func (e *Executor) reduceOnlyAvailable(ctx context.Context, instrument string, side core.Side, followerPosition decimal.Decimal) (decimal.Decimal, error) {
	openOrders, err := e.follower.OpenOrders(ctx, instrument)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list follower open orders %s: %w", instrument, err)
	}
	var openReduceOnlySameSide decimal.Decimal
	for _, o := range openOrders {
		if o.ReduceOnly && o.Side == side {
			openReduceOnlySameSide = openReduceOnlySameSide.Add(o.Size)
		}
	}
	return decimal.Max(decimal.Zero, followerPosition.Abs().Sub(openReduceOnlySameSide)), nil
}

// handleReplace implements the optional Replace path: a new Open event for
// an oid that is already mapped, with a changed price or size.
func (e *Executor) handleReplace(ctx context.Context, event core.MasterOrderEvent, followerOrderID, instrument string) error {
	inst, ok := e.registry.Lookup(instrument)
	if !ok {
		return nil
	}

	openOrders, err := e.follower.OpenOrders(ctx, instrument)
	if err != nil {
		return fmt.Errorf("list follower open orders %s: %w", instrument, err)
	}
	var current core.FollowerOpenOrder
	found := false
	for _, o := range openOrders {
		if o.FollowerOrderID == followerOrderID {
			current = o
			found = true
			break
		}
	}
	if !found {
		// The Follower order is already gone; let a future Filled/Canceled
		// event or the Periodic Validator clean up the stale mapping.
		return nil
	}

	tick := e.follower.PriceTick(instrument)
	newPrice := tradingutils.SnapToTick(event.Price, tick)

	followerPosition, _, err := e.follower.Position(ctx, instrument)
	if err != nil {
		return fmt.Errorf("read follower position %s: %w", instrument, err)
	}
	s := signedSize(event.Side, event.Size)
	action := actionTypeFor(followerPosition, s)
	newSize, ok, err := e.calculator.Translate(ctx, e.masterAccount, inst, s.Abs(), action)
	if err != nil {
		return fmt.Errorf("translate replace size: %w", err)
	}
	if !ok {
		return nil // below minimum; leave the existing mirror order in place
	}

	if current.Price.Equal(newPrice) && current.Size.Equal(newSize) {
		return nil // unchanged, nothing to do
	}

	newFollowerOrderID, err := e.follower.CancelReplace(ctx, instrument, followerOrderID, event.Side, newPrice, newSize, event.ReduceOnly)
	if err != nil {
		e.logger.Warn("atomic cancel-replace failed, falling back to cancel-then-place", "masterOid", event.Oid, "error", err.Error())
		if err := e.follower.CancelOrder(ctx, instrument, followerOrderID); err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
			return fmt.Errorf("cancel before replace: %w", err)
		}
		newFollowerOrderID, err = e.follower.PlaceLimitGTC(ctx, instrument, event.Side, newPrice, newSize, event.ReduceOnly)
		if err != nil {
			_ = e.mapper.Delete(ctx, event.Oid)
			return fmt.Errorf("place after fallback cancel: %w", err)
		}
	}

	if err := e.mapper.Save(ctx, event.Oid, newFollowerOrderID, instrument); err != nil {
		return fmt.Errorf("save replaced mapping: %w", err)
	}
	if err := e.journal.Record(ctx, event.Oid, core.ProcessedOrderRecord{
		Outcome:         core.OutcomeReplaced,
		FollowerOrderID: newFollowerOrderID,
		MasterSize:      s,
		FollowerSize:    newSize,
		Price:           newPrice,
		ProcessedAt:     time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("journal replace: %w", err)
	}
	e.logger.Info("follower order replaced", "masterOid", event.Oid, "followerOrderId", newFollowerOrderID)
	return nil
}

// handleCanceled implements spec §4.5(b)'s Canceled branch.
func (e *Executor) handleCanceled(ctx context.Context, event core.MasterOrderEvent) error {
	followerOrderID, instrument, ok, err := e.mapper.LookupFollower(ctx, event.Oid)
	if err != nil {
		return fmt.Errorf("lookup mapping %s: %w", event.Oid, err)
	}
	if !ok {
		return nil
	}
	if err := e.follower.CancelOrder(ctx, instrument, followerOrderID); err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
		e.logger.Warn("follower cancel failed", "masterOid", event.Oid, "followerOrderId", followerOrderID, "error", err.Error())
	}
	if err := e.mapper.Delete(ctx, event.Oid); err != nil {
		return fmt.Errorf("delete mapping %s: %w", event.Oid, err)
	}
	return nil
}

// handleMasterFilled implements spec §4.5(b)'s Filled branch.
func (e *Executor) handleMasterFilled(ctx context.Context, event core.MasterOrderEvent) error {
	if _, err := e.orphans.Resolve(ctx, event.Oid); err != nil {
		e.logger.Warn("orphan resolution failed", "masterOid", event.Oid, "error", err.Error())
	}

	followerOrderID, instrument, ok, err := e.mapper.LookupFollower(ctx, event.Oid)
	if err != nil {
		return fmt.Errorf("lookup mapping %s: %w", event.Oid, err)
	}
	if !ok {
		return nil
	}

	status, err := e.follower.OrderStatus(ctx, instrument, followerOrderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			return e.mapper.Delete(ctx, event.Oid)
		}
		e.logger.Warn("follower order status check failed", "masterOid", event.Oid, "error", err.Error())
		return nil
	}
	if status.IsTerminal() {
		return e.mapper.Delete(ctx, event.Oid)
	}
	// Not yet terminal on the Follower; leave the mapping so a duplicate
	// Master event for this oid still dedups correctly.
	return nil
}

// HandleMasterFill implements spec §4.5(c): a Master taker fill.
func (e *Executor) HandleMasterFill(ctx context.Context, fill core.MasterFillEvent) error {
	eventID := journal.FillEventID(fill.Instrument, fill.Timestamp, fill.Size)
	journaled, err := e.journal.Contains(ctx, eventID)
	if err != nil {
		return fmt.Errorf("journal lookup %s: %w", eventID, err)
	}
	if journaled {
		return nil
	}

	inst, ok := e.registry.Lookup(fill.Instrument)
	if !ok {
		return nil
	}

	s := signedSize(fill.Side, fill.Size)
	deltaBefore, err := e.ledger.Get(ctx, fill.Instrument)
	if err != nil {
		return fmt.Errorf("read delta %s: %w", fill.Instrument, err)
	}
	S := s.Add(deltaBefore)

	directionMatches := S.Sign() == s.Sign()
	if S.Abs().LessThan(epsilon) || !directionMatches {
		if _, err := e.ledger.Add(ctx, fill.Instrument, s); err != nil {
			return fmt.Errorf("record skipped fill delta: %w", err)
		}
		return e.journal.Record(ctx, eventID, core.ProcessedOrderRecord{
			Outcome:     core.OutcomeSkippedDirection,
			MasterSize:  s,
			ProcessedAt: time.Now().UTC(),
		})
	}

	followerPosition, _, err := e.follower.Position(ctx, fill.Instrument)
	if err != nil {
		return fmt.Errorf("read follower position %s: %w", fill.Instrument, err)
	}
	action := actionTypeFor(followerPosition, S)

	q, ok, err := e.calculator.Translate(ctx, e.masterAccount, inst, S.Abs(), action)
	if err != nil {
		return fmt.Errorf("translate fill catch-up size: %w", err)
	}
	if !ok || q.IsZero() {
		if _, err := e.ledger.Add(ctx, fill.Instrument, s); err != nil {
			return fmt.Errorf("record below-min fill delta: %w", err)
		}
		return e.journal.Record(ctx, eventID, core.ProcessedOrderRecord{
			Outcome:     core.OutcomeSkippedBelowMin,
			MasterSize:  s,
			ProcessedAt: time.Now().UTC(),
		})
	}

	if action == core.ActionClose && q.GreaterThan(followerPosition.Abs()) {
		q = tradingutils.RoundQuantity(followerPosition.Abs(), inst.QuantityDecimals)
	}

	if reason := e.gate.Allow(fill.Instrument, followerPosition, q); reason != "" {
		if _, err := e.ledger.Add(ctx, fill.Instrument, s); err != nil {
			return fmt.Errorf("record risk-denied fill delta: %w", err)
		}
		telemetry.GetGlobalMetrics().OrdersSkippedTotal.Add(ctx, 1, telemetry.ReasonAttr(reason))
		return e.journal.Record(ctx, eventID, core.ProcessedOrderRecord{
			Outcome:     core.OutcomeSkippedRisk,
			MasterSize:  s,
			ProcessedAt: time.Now().UTC(),
		})
	}

	closeSide := fill.Side
	if action == core.ActionClose {
		closeSide = core.OppositeSide(followerPosition)
	}
	followerOrderID, err := e.follower.PlaceMarket(ctx, fill.Instrument, closeSide, q, action == core.ActionClose)
	if err != nil {
		return fmt.Errorf("place follower market order: %w", err)
	}

	if err := e.journal.Record(ctx, eventID, core.ProcessedOrderRecord{
		Outcome:         core.OutcomePlaced,
		FollowerOrderID: followerOrderID,
		MasterSize:      s,
		FollowerSize:    q,
		ProcessedAt:     time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("journal fill: %w", err)
	}
	if _, err := e.ledger.Consume(ctx, fill.Instrument, S.Sub(s)); err != nil {
		return fmt.Errorf("consume fill delta: %w", err)
	}

	telemetry.GetGlobalMetrics().FillsProcessedTotal.Add(ctx, 1)
	e.logger.Info("follower catch-up market order placed", "instrument", fill.Instrument, "followerOrderId", followerOrderID, "size", q.String())

	e.triggerRebalance(fill.Instrument)
	return nil
}

// HandleExecutionReport feeds a Follower execution report into orphan
// tracking, per spec §4.6's Orphan Fill rule.
func (e *Executor) HandleExecutionReport(ctx context.Context, report core.FollowerExecutionReport) error {
	if report.Status != core.FollowerFilled && report.Status != core.FollowerPartiallyFilled {
		return nil
	}
	masterOid, instrument, ok, err := e.mapper.LookupMaster(ctx, report.FollowerOrderID)
	if err != nil {
		return fmt.Errorf("lookup master for %s: %w", report.FollowerOrderID, err)
	}
	if !ok || report.LastFillSize.IsZero() {
		return nil
	}

	masterEquivalent, err := e.calculator.ReverseTranslate(ctx, e.masterAccount, report.LastFillSize)
	if err != nil {
		return fmt.Errorf("reverse-translate orphan fill: %w", err)
	}
	signedEquivalent := signedSize(report.Side, masterEquivalent)

	return e.orphans.Observe(ctx, core.OrphanFillRecord{
		MasterOid:            masterOid,
		Instrument:           instrument,
		Side:                 report.Side,
		FollowerSize:         report.LastFillSize,
		MasterSizeEquivalent: signedEquivalent,
		FollowerOrderID:      report.FollowerOrderID,
		ObservedAt:           report.Timestamp,
	})
}

// triggerRebalance fires the Exposure Rebalancer asynchronously, per spec
// §4.5 step 10 / §4.5(c): executed actions are followed by a rebalance check
// that must never block the event that triggered it.
func (e *Executor) triggerRebalance(instrument string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.rebalancer.Check(ctx, e.masterAccount, instrument); err != nil {
			e.logger.Warn("rebalance check failed", "instrument", instrument, "error", err.Error())
		}
	}()
}
