// Package journal implements the Processed-Order Journal: the append-only
// record of Master event ids already acted upon, giving invariant I2
// (exactly-once) its durable backing (spec §4, Processed-Order Entry).
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uykb/HypeFollow/internal/core"
	"github.com/uykb/HypeFollow/internal/store"
)

// Journal records the outcome of every processed Master event id.
type Journal struct {
	kv     store.KV
	logger core.ILogger
}

// New constructs a Journal over kv.
func New(kv store.KV, logger core.ILogger) *Journal {
	return &Journal{kv: kv, logger: logger.WithField("component", "journal")}
}

func key(eventID string) string { return store.PrefixOrderHistory + eventID }

type record struct {
	Outcome         core.ExecutorOutcome `json:"outcome"`
	FollowerOrderID string                `json:"followerOrderId,omitempty"`
	MasterSize      decimal.Decimal       `json:"masterSize"`
	FollowerSize    decimal.Decimal       `json:"followerSize"`
	Price           decimal.Decimal       `json:"price"`
	ProcessedAt     time.Time             `json:"processedAt"`
}

// FillEventID builds the synthetic event id for a Master taker fill, per
// spec §4.5(c): fill:{instrument}:{timestamp}:{size}.
func FillEventID(instrument string, timestamp time.Time, size decimal.Decimal) string {
	return "fill:" + instrument + ":" + timestamp.Format(time.RFC3339Nano) + ":" + size.String()
}

// Contains reports whether eventID already has a journal entry.
func (j *Journal) Contains(ctx context.Context, eventID string) (bool, error) {
	_, ok, err := j.kv.Get(ctx, key(eventID))
	if err != nil {
		return false, fmt.Errorf("journal lookup %s: %w", eventID, err)
	}
	return ok, nil
}

// Record journals the outcome of eventID. Presence after this call implies
// exactly-once semantics for that event per invariant I2.
func (j *Journal) Record(ctx context.Context, eventID string, rec core.ProcessedOrderRecord) error {
	data, err := json.Marshal(record{
		Outcome:         rec.Outcome,
		FollowerOrderID: rec.FollowerOrderID,
		MasterSize:      rec.MasterSize,
		FollowerSize:    rec.FollowerSize,
		Price:           rec.Price,
		ProcessedAt:     rec.ProcessedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal journal entry %s: %w", eventID, err)
	}
	if err := j.kv.Set(ctx, key(eventID), string(data), store.TTLOrderHistory); err != nil {
		return fmt.Errorf("journal write %s: %w", eventID, err)
	}
	return nil
}

// Get returns the recorded outcome for eventID, if any.
func (j *Journal) Get(ctx context.Context, eventID string) (core.ProcessedOrderRecord, bool, error) {
	raw, ok, err := j.kv.Get(ctx, key(eventID))
	if err != nil || !ok {
		return core.ProcessedOrderRecord{}, false, err
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return core.ProcessedOrderRecord{}, false, fmt.Errorf("unmarshal journal entry %s: %w", eventID, err)
	}
	return core.ProcessedOrderRecord{
		Outcome:         rec.Outcome,
		FollowerOrderID: rec.FollowerOrderID,
		MasterSize:      rec.MasterSize,
		FollowerSize:    rec.FollowerSize,
		Price:           rec.Price,
		ProcessedAt:     rec.ProcessedAt,
	}, true, nil
}
