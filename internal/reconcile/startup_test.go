package reconcile

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uykb/HypeFollow/internal/core"
	"github.com/uykb/HypeFollow/internal/mapper"
	"github.com/uykb/HypeFollow/internal/store"
)

type fakeMasterVenue struct {
	openOrders []core.MasterOpenOrder
}

func (f *fakeMasterVenue) SubscribeOrders(ctx context.Context, account string, handler func(core.MasterOrderEvent)) error {
	return nil
}
func (f *fakeMasterVenue) SubscribeFills(ctx context.Context, account string, handler func(core.MasterFillEvent)) error {
	return nil
}
func (f *fakeMasterVenue) OpenOrders(ctx context.Context, account string) ([]core.MasterOpenOrder, error) {
	return f.openOrders, nil
}
func (f *fakeMasterVenue) AccountState(ctx context.Context, account string) (core.AccountState, error) {
	return core.AccountState{}, nil
}

type fakeFollowerVenue struct {
	openOrdersBySymbol map[string][]core.FollowerOpenOrder
	tick               decimal.Decimal
	canceled           []string
}

func (f *fakeFollowerVenue) PlaceLimitGTC(ctx context.Context, instrument string, side core.Side, price, size decimal.Decimal, reduceOnly bool) (string, error) {
	return "", nil
}
func (f *fakeFollowerVenue) PlaceMarket(ctx context.Context, instrument string, side core.Side, size decimal.Decimal, reduceOnly bool) (string, error) {
	return "", nil
}
func (f *fakeFollowerVenue) CancelOrder(ctx context.Context, instrument, followerOrderID string) error {
	f.canceled = append(f.canceled, followerOrderID)
	return nil
}
func (f *fakeFollowerVenue) CancelReplace(ctx context.Context, instrument, followerOrderID string, side core.Side, price, size decimal.Decimal, reduceOnly bool) (string, error) {
	return "", nil
}
func (f *fakeFollowerVenue) OrderStatus(ctx context.Context, instrument, followerOrderID string) (core.FollowerOrderStatus, error) {
	return core.FollowerNew, nil
}
func (f *fakeFollowerVenue) OpenOrders(ctx context.Context, instrument string) ([]core.FollowerOpenOrder, error) {
	return f.openOrdersBySymbol[instrument], nil
}
func (f *fakeFollowerVenue) Position(ctx context.Context, instrument string) (decimal.Decimal, decimal.Decimal, error) {
	return decimal.Zero, decimal.Zero, nil
}
func (f *fakeFollowerVenue) AccountState(ctx context.Context) (core.AccountState, error) {
	return core.AccountState{}, nil
}
func (f *fakeFollowerVenue) SetOneWayMode(ctx context.Context) error { return nil }
func (f *fakeFollowerVenue) SubscribeExecutionReports(ctx context.Context, handler func(core.FollowerExecutionReport)) error {
	return nil
}
func (f *fakeFollowerVenue) PriceTick(instrument string) decimal.Decimal { return f.tick }
func (f *fakeFollowerVenue) QuantityDecimals(instrument string) int32    { return 3 }

type fakeOpenHandler struct {
	handled []core.MasterOrderEvent
}

func (f *fakeOpenHandler) HandleOpen(ctx context.Context, event core.MasterOrderEvent) error {
	f.handled = append(f.handled, event)
	return nil
}

// fakeRegistry reports a fixed instrument universe regardless of what the
// Master currently has open orders on, so it exercises the zombie scan's
// registry-driven (rather than master-open-order-driven) instrument set.
type fakeRegistry struct {
	symbols []string
}

func (f *fakeRegistry) Lookup(instrument string) (core.Instrument, bool) { return core.Instrument{}, false }
func (f *fakeRegistry) Supported(instrument string) bool                 { return true }
func (f *fakeRegistry) Symbols() []string                                { return f.symbols }

func TestReconciler_AlreadyMappedAndStillOpenIsNoop(t *testing.T) {
	m := mapper.New(store.NewMemoryKV(), &mockLogger{})
	require.NoError(t, m.Save(context.Background(), "m-1", "f-1", "BTC"))

	master := &fakeMasterVenue{openOrders: []core.MasterOpenOrder{
		{Oid: "m-1", Instrument: "BTC", Side: core.SideBuy, Price: decimal.NewFromFloat(100), Size: decimal.NewFromFloat(1)},
	}}
	follower := &fakeFollowerVenue{openOrdersBySymbol: map[string][]core.FollowerOpenOrder{
		"BTC": {{FollowerOrderID: "f-1", Instrument: "BTC", Side: core.SideBuy, Price: decimal.NewFromFloat(100), Size: decimal.NewFromFloat(0.1)}},
	}}
	handler := &fakeOpenHandler{}
	r := New(master, follower, m, &fakeRegistry{symbols: []string{"BTC"}}, handler, &mockLogger{})

	require.NoError(t, r.Run(context.Background(), "acct"))
	assert.Empty(t, handler.handled)
}

func TestReconciler_RecoversMappingByPriceSideMatch(t *testing.T) {
	m := mapper.New(store.NewMemoryKV(), &mockLogger{})

	master := &fakeMasterVenue{openOrders: []core.MasterOpenOrder{
		{Oid: "m-2", Instrument: "BTC", Side: core.SideBuy, Price: decimal.NewFromFloat(100), Size: decimal.NewFromFloat(1)},
	}}
	follower := &fakeFollowerVenue{
		tick: decimal.NewFromFloat(0.1),
		openOrdersBySymbol: map[string][]core.FollowerOpenOrder{
			"BTC": {{FollowerOrderID: "f-2", Instrument: "BTC", Side: core.SideBuy, Price: decimal.NewFromFloat(100), Size: decimal.NewFromFloat(0.1)}},
		},
	}
	handler := &fakeOpenHandler{}
	r := New(master, follower, m, &fakeRegistry{symbols: []string{"BTC"}}, handler, &mockLogger{})

	require.NoError(t, r.Run(context.Background(), "acct"))
	assert.Empty(t, handler.handled)

	followerID, _, ok, err := m.LookupFollower(context.Background(), "m-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "f-2", followerID)
}

func TestReconciler_UnmatchedMasterOrderIsHandedToOpenHandler(t *testing.T) {
	m := mapper.New(store.NewMemoryKV(), &mockLogger{})

	master := &fakeMasterVenue{openOrders: []core.MasterOpenOrder{
		{Oid: "m-3", Instrument: "BTC", Side: core.SideBuy, Price: decimal.NewFromFloat(100), Size: decimal.NewFromFloat(1)},
	}}
	follower := &fakeFollowerVenue{openOrdersBySymbol: map[string][]core.FollowerOpenOrder{"BTC": nil}}
	handler := &fakeOpenHandler{}
	r := New(master, follower, m, &fakeRegistry{symbols: []string{"BTC"}}, handler, &mockLogger{})

	require.NoError(t, r.Run(context.Background(), "acct"))
	require.Len(t, handler.handled, 1)
	assert.Equal(t, "m-3", handler.handled[0].Oid)
}

func TestReconciler_CancelsZombieFollowerOrderWithGoneMasterOid(t *testing.T) {
	m := mapper.New(store.NewMemoryKV(), &mockLogger{})
	require.NoError(t, m.Save(context.Background(), "m-4", "f-4", "BTC"))

	master := &fakeMasterVenue{openOrders: []core.MasterOpenOrder{
		{Oid: "m-5", Instrument: "BTC", Side: core.SideBuy, Price: decimal.NewFromFloat(100), Size: decimal.NewFromFloat(1)},
	}}
	follower := &fakeFollowerVenue{openOrdersBySymbol: map[string][]core.FollowerOpenOrder{
		"BTC": {
			{FollowerOrderID: "f-4", Instrument: "BTC", Side: core.SideSell, Price: decimal.NewFromFloat(200), Size: decimal.NewFromFloat(0.2)},
			{FollowerOrderID: "f-5", Instrument: "BTC", Side: core.SideBuy, Price: decimal.NewFromFloat(100), Size: decimal.NewFromFloat(0.1)},
		},
	}}
	handler := &fakeOpenHandler{}
	r := New(master, follower, m, &fakeRegistry{symbols: []string{"BTC"}}, handler, &mockLogger{})

	require.NoError(t, r.Run(context.Background(), "acct"))

	assert.Contains(t, follower.canceled, "f-4")
	assert.NotContains(t, follower.canceled, "f-5")

	_, _, stillMapped, err := m.LookupFollower(context.Background(), "m-4")
	require.NoError(t, err)
	assert.False(t, stillMapped)
}

// TestReconciler_CancelsZombieOnInstrumentWithNoMasterOpenOrders covers the
// gap a master-open-order-derived instrument scan would miss: the Master's
// last order on ETH was already canceled or filled (so it has zero open
// orders there), but a stale Follower order mapped to that gone Master oid
// is still sitting open. The registry still names ETH as a tracked
// instrument, so the scan must still reach it.
func TestReconciler_CancelsZombieOnInstrumentWithNoMasterOpenOrders(t *testing.T) {
	m := mapper.New(store.NewMemoryKV(), &mockLogger{})
	require.NoError(t, m.Save(context.Background(), "m-6", "f-6", "ETH"))

	master := &fakeMasterVenue{openOrders: nil}
	follower := &fakeFollowerVenue{openOrdersBySymbol: map[string][]core.FollowerOpenOrder{
		"ETH": {{FollowerOrderID: "f-6", Instrument: "ETH", Side: core.SideBuy, Price: decimal.NewFromFloat(2000), Size: decimal.NewFromFloat(1)}},
	}}
	handler := &fakeOpenHandler{}
	r := New(master, follower, m, &fakeRegistry{symbols: []string{"BTC", "ETH"}}, handler, &mockLogger{})

	require.NoError(t, r.Run(context.Background(), "acct"))

	assert.Contains(t, follower.canceled, "f-6")

	_, _, stillMapped, err := m.LookupFollower(context.Background(), "m-6")
	require.NoError(t, err)
	assert.False(t, stillMapped)
}
