package ledger

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

func newTestLedger() *Ledger {
	return New(store.NewMemoryKV(), &mockLogger{})
}

func TestLedger_GetOnUnsetInstrumentIsZero(t *testing.T) {
	l := newTestLedger()
	d, err := l.Get(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, d.IsZero())
}

func TestLedger_InitOverwrites(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.Init(ctx, "BTC", decimal.NewFromFloat(1.5)))
	d, err := l.Get(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(1.5).Equal(d))

	require.NoError(t, l.Init(ctx, "BTC", decimal.NewFromFloat(-2)))
	d, err = l.Get(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(-2).Equal(d))
}

func TestLedger_AddAccumulates(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	next, err := l.Add(ctx, "BTC", decimal.NewFromFloat(0.4))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(0.4).Equal(next))

	next, err = l.Add(ctx, "BTC", decimal.NewFromFloat(0.1))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(0.5).Equal(next))
}

func TestLedger_ConsumeIsNegativeAdd(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.Add(ctx, "BTC", decimal.NewFromFloat(1))
	require.NoError(t, err)

	next, err := l.Consume(ctx, "BTC", decimal.NewFromFloat(0.3))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(0.7).Equal(next))
}

func TestLedger_ConsumeToExactlyZero(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.Add(ctx, "ETH", decimal.NewFromFloat(2))
	require.NoError(t, err)
	next, err := l.Consume(ctx, "ETH", decimal.NewFromFloat(2))
	require.NoError(t, err)
	assert.True(t, next.IsZero())
}
