package journal

import (
	"context"
	"testing"
	"time"

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

func newTestJournal() *Journal {
	return New(store.NewMemoryKV(), &mockLogger{})
}

func TestJournal_ContainsBeforeAndAfterRecord(t *testing.T) {
	j := newTestJournal()
	ctx := context.Background()

	contains, err := j.Contains(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, contains)

	require.NoError(t, j.Record(ctx, "m-1", core.ProcessedOrderRecord{
		Outcome:      core.OutcomePlaced,
		MasterSize:   decimal.NewFromInt(1),
		FollowerSize: decimal.NewFromInt(1),
		ProcessedAt:  time.Now().UTC(),
	}))

	contains, err = j.Contains(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, contains)
}

func TestJournal_GetRoundTripsOutcome(t *testing.T) {
	j := newTestJournal()
	ctx := context.Background()

	rec := core.ProcessedOrderRecord{
		Outcome:         core.OutcomeEnforced,
		FollowerOrderID: "f-1",
		MasterSize:      decimal.NewFromFloat(0.001),
		FollowerSize:    decimal.NewFromFloat(0.01),
		Price:           decimal.NewFromFloat(50000),
		ProcessedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, j.Record(ctx, "m-2", rec))

	got, ok, err := j.Get(ctx, "m-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.OutcomeEnforced, got.Outcome)
	assert.Equal(t, "f-1", got.FollowerOrderID)
	assert.True(t, rec.MasterSize.Equal(got.MasterSize))
	assert.True(t, rec.FollowerSize.Equal(got.FollowerSize))
	assert.True(t, rec.Price.Equal(got.Price))
}

func TestFillEventID_IsDeterministicPerInput(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	id1 := FillEventID("BTC", ts, decimal.NewFromFloat(0.5))
	id2 := FillEventID("BTC", ts, decimal.NewFromFloat(0.5))
	id3 := FillEventID("BTC", ts, decimal.NewFromFloat(0.6))

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
}
