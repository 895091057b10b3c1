// Package rebalance implements the Exposure Rebalancer: a post-trade
// corrective mechanism that places reduce-only take-profit orders to
// reconverge exposure drifted by minimum-size enforcement (spec §4.7).
package rebalance

import (
	"context"
	"fmt"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"

	"github.com/uykb/HypeFollow/internal/core"
	"github.com/uykb/HypeFollow/internal/store"
	"github.com/uykb/HypeFollow/pkg/telemetry"
	"github.com/uykb/HypeFollow/pkg/tradingutils"
)

// epsilon is the zero-tolerance band for excess/uncovered comparisons.
var epsilon = decimal.NewFromFloat(0.00000001)

// DefaultProfitTarget matches spec §4.7's "small profit target (e.g. 0.01%)".
var DefaultProfitTarget = decimal.NewFromFloat(0.0001)

// Config holds the sizing ratio (Fixed mode only — Equal-mode rebalancing
// is an intentional open question left disabled per spec §9) and the
// take-profit offset.
type Config struct {
	Mode          core.TradingMode
	FixedRatio    decimal.Decimal
	ProfitTarget  decimal.Decimal
}

// Rebalancer places and re-anchors the per-instrument reduce-only
// take-profit order.
type Rebalancer struct {
	cfg      Config
	master   core.MasterVenue
	follower core.FollowerVenue
	registry core.InstrumentRegistry
	kv       store.KV
	logger   core.ILogger
	dbosCtx  dbos.DBOSContext
}

// New constructs a Rebalancer.
func New(cfg Config, master core.MasterVenue, follower core.FollowerVenue, registry core.InstrumentRegistry, kv store.KV, logger core.ILogger) *Rebalancer {
	if cfg.ProfitTarget.IsZero() {
		cfg.ProfitTarget = DefaultProfitTarget
	}
	return &Rebalancer{cfg: cfg, master: master, follower: follower, registry: registry, kv: kv, logger: logger.WithField("component", "rebalancer")}
}

// SetDBOSContext enables crash-safe durable execution of Check: once set,
// every rebalance evaluation runs as a checkpointed DBOS workflow that
// resumes from its last completed step after a process restart instead of
// re-running from scratch. Nil (the default) keeps Check running as a
// plain in-process call.
func (r *Rebalancer) SetDBOSContext(dbosCtx dbos.DBOSContext) {
	r.dbosCtx = dbosCtx
}

func anchorKey(instrument string) string { return store.PrefixRebalanceTP + instrument }

// rebalanceWorkflowInput is the durable-workflow argument for CheckWorkflow.
type rebalanceWorkflowInput struct {
	MasterAccount string
	Instrument    string
}

// Check runs one rebalance evaluation for instrument on behalf of
// masterAccount. It is invoked asynchronously after any executed Executor
// action, per spec §4.5 step 10 / §4.5(c). When a DBOSContext has been
// installed via SetDBOSContext, the evaluation runs as a durable workflow
// so a crash between canceling the prior anchor and placing its
// replacement (internal/reconcile's startup fusion only recovers mapped
// Master/Follower orders, not rebalance anchors) is recovered by DBOS
// resuming the workflow rather than relying on the next periodic tick to
// happen to re-derive the same action.
func (r *Rebalancer) Check(ctx context.Context, masterAccount, instrument string) error {
	if r.cfg.Mode == core.ModeEqual {
		return nil // Equal-mode rebalancing is out of scope in this revision.
	}
	if r.dbosCtx == nil {
		return r.checkImpl(ctx, masterAccount, instrument)
	}
	_, err := dbos.RunWorkflow(r.dbosCtx, r.CheckWorkflow, rebalanceWorkflowInput{MasterAccount: masterAccount, Instrument: instrument})
	return err
}

// CheckWorkflow is the durable form of checkImpl, registered with DBOS so
// its single step is checkpointed and replayed on restart.
func (r *Rebalancer) CheckWorkflow(ctx dbos.DBOSContext, input rebalanceWorkflowInput) (any, error) {
	_, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return nil, r.checkImpl(stepCtx, input.MasterAccount, input.Instrument)
	})
	return nil, err
}

func (r *Rebalancer) checkImpl(ctx context.Context, masterAccount, instrument string) error {
	inst, ok := r.registry.Lookup(instrument)
	if !ok {
		return fmt.Errorf("rebalance: unknown instrument %s", instrument)
	}

	masterState, err := r.master.AccountState(ctx, masterAccount)
	if err != nil {
		return fmt.Errorf("fetch master position: %w", err)
	}
	masterPosition := masterState.Positions[instrument]
	target := masterPosition.Mul(r.cfg.FixedRatio)

	followerPosition, entryPrice, err := r.follower.Position(ctx, instrument)
	if err != nil {
		return fmt.Errorf("fetch follower position: %w", err)
	}

	openOrders, err := r.follower.OpenOrders(ctx, instrument)
	if err != nil {
		return fmt.Errorf("fetch follower open orders: %w", err)
	}
	closeSide := core.OppositeSide(followerPosition)
	var openReduceOnlySameCloseSide decimal.Decimal
	for _, o := range openOrders {
		if o.ReduceOnly && o.Side == closeSide {
			openReduceOnlySameCloseSide = openReduceOnlySameCloseSide.Add(o.Size)
		}
	}

	excess := followerPosition.Abs().Sub(target.Abs())
	uncovered := decimal.Max(decimal.Zero, followerPosition.Abs().Sub(openReduceOnlySameCloseSide))

	var quantityToReduce decimal.Decimal
	switch {
	case uncovered.GreaterThanOrEqual(inst.ReductionThreshold) && !inst.ReductionThreshold.IsZero():
		quantityToReduce = tradingutils.TruncateQuantity(uncovered.Div(decimal.NewFromInt(2)), inst.QuantityDecimals)
	case excess.GreaterThan(epsilon) && uncovered.GreaterThan(epsilon):
		quantityToReduce = tradingutils.RoundQuantity(decimal.Min(excess, uncovered), inst.QuantityDecimals)
	}

	if quantityToReduce.IsZero() || quantityToReduce.IsNegative() {
		return nil
	}

	limitPrice := tradingutils.ApplyProfitTarget(entryPrice, r.cfg.ProfitTarget, closeSide == core.SideSell)

	if err := r.cancelAnchor(ctx, instrument); err != nil {
		r.logger.Warn("failed to cancel prior rebalance anchor", "instrument", instrument, "error", err.Error())
	}

	followerOrderID, err := r.follower.PlaceLimitGTC(ctx, instrument, closeSide, limitPrice, quantityToReduce, true)
	if err != nil {
		return fmt.Errorf("place rebalance order: %w", err)
	}
	if err := r.kv.Set(ctx, anchorKey(instrument), followerOrderID, 0); err != nil {
		return fmt.Errorf("store rebalance anchor: %w", err)
	}

	telemetry.GetGlobalMetrics().RebalanceTotal.Add(ctx, 1)
	r.logger.Info("rebalance order placed", "instrument", instrument, "side", closeSide.String(), "size", quantityToReduce.String(), "price", limitPrice.String())
	return nil
}

func (r *Rebalancer) cancelAnchor(ctx context.Context, instrument string) error {
	prevID, found, err := r.kv.Get(ctx, anchorKey(instrument))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return r.follower.CancelOrder(ctx, instrument, prevID)
}
