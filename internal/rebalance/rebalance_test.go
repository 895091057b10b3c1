package rebalance

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uykb/HypeFollow/internal/core"
	"github.com/uykb/HypeFollow/internal/store"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type fakeMasterVenue struct {
	positions map[string]decimal.Decimal
}

func (f *fakeMasterVenue) SubscribeOrders(ctx context.Context, account string, handler func(core.MasterOrderEvent)) error {
	return nil
}
func (f *fakeMasterVenue) SubscribeFills(ctx context.Context, account string, handler func(core.MasterFillEvent)) error {
	return nil
}
func (f *fakeMasterVenue) OpenOrders(ctx context.Context, account string) ([]core.MasterOpenOrder, error) {
	return nil, nil
}
func (f *fakeMasterVenue) AccountState(ctx context.Context, account string) (core.AccountState, error) {
	return core.AccountState{Positions: f.positions}, nil
}

type fakeFollowerVenue struct {
	position        decimal.Decimal
	entryPrice       decimal.Decimal
	openOrders       []core.FollowerOpenOrder
	placedSide       core.Side
	placedSize       decimal.Decimal
	placedPrice      decimal.Decimal
	placedReduceOnly bool
	placedOrderID    string
	canceled         []string
}

func (f *fakeFollowerVenue) PlaceLimitGTC(ctx context.Context, instrument string, side core.Side, price, size decimal.Decimal, reduceOnly bool) (string, error) {
	f.placedSide = side
	f.placedSize = size
	f.placedPrice = price
	f.placedReduceOnly = reduceOnly
	f.placedOrderID = "f-anchor-1"
	return f.placedOrderID, nil
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
	return f.openOrders, nil
}
func (f *fakeFollowerVenue) Position(ctx context.Context, instrument string) (decimal.Decimal, decimal.Decimal, error) {
	return f.position, f.entryPrice, nil
}
func (f *fakeFollowerVenue) AccountState(ctx context.Context) (core.AccountState, error) {
	return core.AccountState{}, nil
}
func (f *fakeFollowerVenue) SetOneWayMode(ctx context.Context) error { return nil }
func (f *fakeFollowerVenue) SubscribeExecutionReports(ctx context.Context, handler func(core.FollowerExecutionReport)) error {
	return nil
}
func (f *fakeFollowerVenue) PriceTick(instrument string) decimal.Decimal { return decimal.Zero }
func (f *fakeFollowerVenue) QuantityDecimals(instrument string) int32    { return 3 }

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

func testRegistry() *fakeRegistry {
	return &fakeRegistry{instruments: map[string]core.Instrument{
		"BTC": {Symbol: "BTC", QuantityDecimals: 3, ReductionThreshold: decimal.NewFromFloat(0.05)},
	}}
}

func TestRebalancer_EqualModeIsDisabled(t *testing.T) {
	master := &fakeMasterVenue{positions: map[string]decimal.Decimal{"BTC": decimal.NewFromFloat(1)}}
	flw := &fakeFollowerVenue{position: decimal.NewFromFloat(5)}
	r := New(Config{Mode: core.ModeEqual}, master, flw, testRegistry(), store.NewMemoryKV(), &mockLogger{})

	err := r.Check(context.Background(), "master", "BTC")
	require.NoError(t, err)
	assert.Empty(t, flw.placedOrderID)
}

func TestRebalancer_NoExcessIsNoop(t *testing.T) {
	// Follower holds exactly its target and stays below the 0.05 reduction
	// threshold, so neither the aggressive nor the excess path fires.
	master := &fakeMasterVenue{positions: map[string]decimal.Decimal{"BTC": decimal.NewFromFloat(0.08)}}
	flw := &fakeFollowerVenue{position: decimal.NewFromFloat(0.04)}
	r := New(Config{Mode: core.ModeFixed, FixedRatio: decimal.NewFromFloat(0.5)}, master, flw, testRegistry(), store.NewMemoryKV(), &mockLogger{})

	err := r.Check(context.Background(), "master", "BTC")
	require.NoError(t, err)
	assert.Empty(t, flw.placedOrderID)
}

func TestRebalancer_UncoveredExcessPlacesReduceOnlyOrder(t *testing.T) {
	master := &fakeMasterVenue{positions: map[string]decimal.Decimal{"BTC": decimal.NewFromFloat(1)}}
	flw := &fakeFollowerVenue{position: decimal.NewFromFloat(1), entryPrice: decimal.NewFromFloat(50000)}
	r := New(Config{Mode: core.ModeFixed, FixedRatio: decimal.NewFromFloat(0.5)}, master, flw, testRegistry(), store.NewMemoryKV(), &mockLogger{})

	err := r.Check(context.Background(), "master", "BTC")
	require.NoError(t, err)
	assert.NotEmpty(t, flw.placedOrderID)
	assert.True(t, flw.placedReduceOnly)
	assert.Equal(t, core.SideSell, flw.placedSide)
}

func TestRebalancer_OpenReduceOnlyCoverageSuppressesNewOrder(t *testing.T) {
	master := &fakeMasterVenue{positions: map[string]decimal.Decimal{"BTC": decimal.NewFromFloat(1)}}
	flw := &fakeFollowerVenue{
		position:   decimal.NewFromFloat(1),
		entryPrice: decimal.NewFromFloat(50000),
		openOrders: []core.FollowerOpenOrder{
			{Side: core.SideSell, ReduceOnly: true, Size: decimal.NewFromFloat(1)},
		},
	}
	r := New(Config{Mode: core.ModeFixed, FixedRatio: decimal.NewFromFloat(0.5)}, master, flw, testRegistry(), store.NewMemoryKV(), &mockLogger{})

	err := r.Check(context.Background(), "master", "BTC")
	require.NoError(t, err)
	assert.Empty(t, flw.placedOrderID)
}

func TestRebalancer_ReanchorsByCancelingPriorOrder(t *testing.T) {
	master := &fakeMasterVenue{positions: map[string]decimal.Decimal{"BTC": decimal.NewFromFloat(1)}}
	flw := &fakeFollowerVenue{position: decimal.NewFromFloat(1), entryPrice: decimal.NewFromFloat(50000)}
	kv := store.NewMemoryKV()
	r := New(Config{Mode: core.ModeFixed, FixedRatio: decimal.NewFromFloat(0.5)}, master, flw, testRegistry(), kv, &mockLogger{})

	require.NoError(t, r.Check(context.Background(), "master", "BTC"))
	firstID := flw.placedOrderID
	require.NotEmpty(t, firstID)

	require.NoError(t, r.Check(context.Background(), "master", "BTC"))
	assert.Contains(t, flw.canceled, firstID)
}

func TestRebalancer_UnknownInstrumentErrors(t *testing.T) {
	master := &fakeMasterVenue{positions: map[string]decimal.Decimal{}}
	flw := &fakeFollowerVenue{}
	r := New(Config{Mode: core.ModeFixed, FixedRatio: decimal.NewFromFloat(1)}, master, flw, testRegistry(), store.NewMemoryKV(), &mockLogger{})

	err := r.Check(context.Background(), "master", "DOGE")
	assert.Error(t, err)
}
