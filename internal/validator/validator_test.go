package validator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uykb/HypeFollow/internal/core"
	"github.com/uykb/HypeFollow/internal/mapper"
	apperrors "github.com/uykb/HypeFollow/pkg/errors"
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

type fakeFollowerVenue struct {
	statuses map[string]core.FollowerOrderStatus
	errs     map[string]error
}

func (f *fakeFollowerVenue) PlaceLimitGTC(ctx context.Context, instrument string, side core.Side, price, size decimal.Decimal, reduceOnly bool) (string, error) {
	return "", nil
}
func (f *fakeFollowerVenue) PlaceMarket(ctx context.Context, instrument string, side core.Side, size decimal.Decimal, reduceOnly bool) (string, error) {
	return "", nil
}
func (f *fakeFollowerVenue) CancelOrder(ctx context.Context, instrument, followerOrderID string) error {
	return nil
}
func (f *fakeFollowerVenue) CancelReplace(ctx context.Context, instrument, followerOrderID string, side core.Side, price, size decimal.Decimal, reduceOnly bool) (string, error) {
	return "", nil
}
func (f *fakeFollowerVenue) OrderStatus(ctx context.Context, instrument, followerOrderID string) (core.FollowerOrderStatus, error) {
	if err, ok := f.errs[followerOrderID]; ok {
		return 0, err
	}
	return f.statuses[followerOrderID], nil
}
func (f *fakeFollowerVenue) OpenOrders(ctx context.Context, instrument string) ([]core.FollowerOpenOrder, error) {
	return nil, nil
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
func (f *fakeFollowerVenue) PriceTick(instrument string) decimal.Decimal { return decimal.Zero }
func (f *fakeFollowerVenue) QuantityDecimals(instrument string) int32    { return 3 }

func newTestValidator(follower *fakeFollowerVenue) (*Validator, *mapper.Mapper) {
	m := mapper.New(store.NewMemoryKV(), &mockLogger{})
	v := New(m, follower, &mockLogger{}, time.Hour, time.Hour)
	return v, m
}

func TestValidator_TerminalStatusReapsMapping(t *testing.T) {
	follower := &fakeFollowerVenue{statuses: map[string]core.FollowerOrderStatus{"f-1": core.FollowerFilled}}
	v, m := newTestValidator(follower)
	require.NoError(t, m.Save(context.Background(), "m-1", "f-1", "BTC"))

	require.NoError(t, v.Sweep(context.Background()))

	_, _, ok, err := m.LookupFollower(context.Background(), "m-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidator_NonTerminalStatusKeepsMapping(t *testing.T) {
	follower := &fakeFollowerVenue{statuses: map[string]core.FollowerOrderStatus{"f-2": core.FollowerNew}}
	v, m := newTestValidator(follower)
	require.NoError(t, m.Save(context.Background(), "m-2", "f-2", "BTC"))

	require.NoError(t, v.Sweep(context.Background()))

	_, _, ok, err := m.LookupFollower(context.Background(), "m-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidator_OrderNotFoundReapsMapping(t *testing.T) {
	follower := &fakeFollowerVenue{errs: map[string]error{"f-3": apperrors.ErrOrderNotFound}}
	v, m := newTestValidator(follower)
	require.NoError(t, m.Save(context.Background(), "m-3", "f-3", "BTC"))

	require.NoError(t, v.Sweep(context.Background()))

	_, _, ok, err := m.LookupFollower(context.Background(), "m-3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidator_MaxAgeHardTimeoutReapsWithoutCallingFollower(t *testing.T) {
	follower := &fakeFollowerVenue{statuses: map[string]core.FollowerOrderStatus{}}
	m := mapper.New(store.NewMemoryKV(), &mockLogger{})
	v := New(m, follower, &mockLogger{}, time.Hour, time.Millisecond)
	require.NoError(t, m.Save(context.Background(), "m-4", "f-4", "BTC"))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, v.Sweep(context.Background()))

	_, _, ok, err := m.LookupFollower(context.Background(), "m-4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidator_DefaultsApplyWhenZero(t *testing.T) {
	follower := &fakeFollowerVenue{}
	m := mapper.New(store.NewMemoryKV(), &mockLogger{})
	v := New(m, follower, &mockLogger{}, 0, 0)
	assert.Equal(t, DefaultInterval, v.interval)
	assert.Equal(t, DefaultMaxAge, v.maxAge)
}

func TestValidator_StartStopDoesNotHang(t *testing.T) {
	follower := &fakeFollowerVenue{}
	v, _ := newTestValidator(follower)
	v.Start()
	v.Stop()
}
