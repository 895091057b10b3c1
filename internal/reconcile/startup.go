package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uykb/HypeFollow/internal/core"
	"github.com/uykb/HypeFollow/internal/mapper"
	"github.com/uykb/HypeFollow/pkg/tradingutils"
)

// priceMatchTolerance is the relative tolerance spec §4.6 prescribes for
// price-side match recovery (1e-4).
var priceMatchTolerance = decimal.NewFromFloat(0.0001)

// OpenHandler is the subset of the Order Executor that startup
// reconciliation needs to execute a Master order it could not otherwise
// recover a mapping for. Kept as a narrow interface so this package never
// imports the executor package.
type OpenHandler interface {
	HandleOpen(ctx context.Context, event core.MasterOrderEvent) error
}

// Reconciler fuses the Master's and Follower's open-order snapshots once
// after connection, per spec §4.6.
type Reconciler struct {
	master   core.MasterVenue
	follower core.FollowerVenue
	mapper   *mapper.Mapper
	registry core.InstrumentRegistry
	handler  OpenHandler
	logger   core.ILogger
}

// New constructs a Reconciler. registry supplies the full set of tracked
// instruments so the zombie-order scan (step 3 of Run) also covers
// instruments the Master currently has zero open orders on — the common
// case right after the Master's last order on a symbol was canceled or
// filled during a crash window.
func New(master core.MasterVenue, follower core.FollowerVenue, m *mapper.Mapper, registry core.InstrumentRegistry, handler OpenHandler, logger core.ILogger) *Reconciler {
	return &Reconciler{master: master, follower: follower, mapper: m, registry: registry, handler: handler, logger: logger.WithField("component", "reconciler")}
}

// Run performs the three-step startup reconciliation pass for masterAccount.
func (r *Reconciler) Run(ctx context.Context, masterAccount string) error {
	masterOpen, err := r.master.OpenOrders(ctx, masterAccount)
	if err != nil {
		return fmt.Errorf("fetch master open orders: %w", err)
	}

	masterByOid := make(map[string]core.MasterOpenOrder, len(masterOpen))
	for _, o := range masterOpen {
		masterByOid[o.Oid] = o
	}

	followerOpenBySymbol := make(map[string][]core.FollowerOpenOrder)
	followerByID := make(map[string]core.FollowerOpenOrder)
	for _, instrument := range r.registry.Symbols() {
		orders, err := r.follower.OpenOrders(ctx, instrument)
		if err != nil {
			return fmt.Errorf("fetch follower open orders for %s: %w", instrument, err)
		}
		followerOpenBySymbol[instrument] = orders
		for _, fo := range orders {
			followerByID[fo.FollowerOrderID] = fo
		}
	}

	for _, mo := range masterOpen {
		if err := r.reconcileOne(ctx, mo, followerOpenBySymbol[mo.Instrument], followerByID); err != nil {
			r.logger.Warn("reconcile of master order failed", "masterOid", mo.Oid, "error", err.Error())
		}
	}

	// Step 3: cancel zombie Follower orders whose Master oid is gone.
	for _, fo := range followerByID {
		masterOid, _, ok, err := r.mapper.LookupMaster(ctx, fo.FollowerOrderID)
		if err != nil || !ok {
			continue
		}
		if _, stillOpen := masterByOid[masterOid]; !stillOpen {
			r.logger.Info("canceling zombie follower order", "followerOrderId", fo.FollowerOrderID, "masterOid", masterOid)
			if err := r.follower.CancelOrder(ctx, fo.Instrument, fo.FollowerOrderID); err != nil {
				r.logger.Warn("zombie cancel failed", "followerOrderId", fo.FollowerOrderID, "error", err.Error())
				continue
			}
			_ = r.mapper.Delete(ctx, masterOid)
		}
	}

	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, mo core.MasterOpenOrder, followerOrders []core.FollowerOpenOrder, followerByID map[string]core.FollowerOpenOrder) error {
	followerOrderID, _, mapped, err := r.mapper.LookupFollower(ctx, mo.Oid)
	if err != nil {
		return err
	}

	if mapped {
		if _, stillOpen := followerByID[followerOrderID]; stillOpen {
			return nil // synced
		}
		// Mapped but the follower order is gone; the mapping is stale.
		if err := r.mapper.Delete(ctx, mo.Oid); err != nil {
			return err
		}
	}

	tick := r.follower.PriceTick(mo.Instrument)
	snappedPrice := tradingutils.SnapToTick(mo.Price, tick)
	if fo, ok := matchByPriceSide(mo, snappedPrice, followerOrders); ok {
		r.logger.Info("recovered mapping via price-side match", "masterOid", mo.Oid, "followerOrderId", fo.FollowerOrderID)
		return r.mapper.Save(ctx, mo.Oid, fo.FollowerOrderID, mo.Instrument)
	}

	return r.handler.HandleOpen(ctx, core.MasterOrderEvent{
		Oid:        mo.Oid,
		Instrument: mo.Instrument,
		Side:       mo.Side,
		Price:      mo.Price,
		Size:       mo.Size,
		Status:     core.OrderOpen,
		ReduceOnly: mo.ReduceOnly,
	})
}

func matchByPriceSide(mo core.MasterOpenOrder, snappedMasterPrice decimal.Decimal, followerOrders []core.FollowerOpenOrder) (core.FollowerOpenOrder, bool) {
	for _, fo := range followerOrders {
		if fo.Instrument != mo.Instrument || fo.Side != mo.Side {
			continue
		}
		if withinTolerance(fo.Price, snappedMasterPrice) {
			return fo, true
		}
	}
	return core.FollowerOpenOrder{}, false
}

func withinTolerance(followerPrice, masterPrice decimal.Decimal) bool {
	if masterPrice.IsZero() {
		return followerPrice.IsZero()
	}
	diff := followerPrice.Sub(masterPrice).Abs()
	relative := diff.Div(masterPrice.Abs())
	return relative.LessThanOrEqual(priceMatchTolerance)
}
