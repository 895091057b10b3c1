// Package mapper owns the durable bidirectional binding between Master-venue
// order identifiers and Follower-venue order identifiers. It is the only
// component permitted to create or destroy mapping records; every other
// component depends on it rather than touching the store directly.
package mapper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uykb/HypeFollow/internal/core"
	"github.com/uykb/HypeFollow/internal/store"
)

// Mapper is the durable masterOid<->followerOrderId binding of spec §4.1.
type Mapper struct {
	kv     store.KV
	logger core.ILogger
}

// New constructs a Mapper over kv.
func New(kv store.KV, logger core.ILogger) *Mapper {
	return &Mapper{kv: kv, logger: logger.WithField("component", "mapper")}
}

type m2fRecord struct {
	FollowerOrderID string `json:"followerOrderId"`
	Instrument      string `json:"instrument"`
}

type f2mRecord struct {
	MasterOid  string `json:"masterOid"`
	Instrument string `json:"instrument"`
}

func m2fKey(masterOid string) string      { return store.PrefixMapM2F + masterOid }
func f2mKey(followerOrderID string) string { return store.PrefixMapF2M + followerOrderID }
func tsKey(masterOid string) string        { return store.PrefixTimestamp + masterOid }

// Save writes both directions and the creation timestamp. Per invariant I1
// the three writes must either all land or the caller must treat a partial
// failure as a state-invariant violation for the next reconciliation pass to
// repair; we write the inverse direction first so a crash between writes
// never leaves a forward mapping with no means of reverse lookup.
func (m *Mapper) Save(ctx context.Context, masterOid, followerOrderID, instrument string) error {
	f2m, err := json.Marshal(f2mRecord{MasterOid: masterOid, Instrument: instrument})
	if err != nil {
		return fmt.Errorf("marshal f2m record: %w", err)
	}
	if err := m.kv.Set(ctx, f2mKey(followerOrderID), string(f2m), store.TTLMapping); err != nil {
		return fmt.Errorf("save f2m: %w", err)
	}

	m2f, err := json.Marshal(m2fRecord{FollowerOrderID: followerOrderID, Instrument: instrument})
	if err != nil {
		return fmt.Errorf("marshal m2f record: %w", err)
	}
	if err := m.kv.Set(ctx, m2fKey(masterOid), string(m2f), store.TTLMapping); err != nil {
		return fmt.Errorf("save m2f: %w", err)
	}

	if err := m.kv.Set(ctx, tsKey(masterOid), time.Now().UTC().Format(time.RFC3339Nano), store.TTLMapping); err != nil {
		return fmt.Errorf("save timestamp: %w", err)
	}
	return nil
}

// LookupFollower resolves masterOid to its follower order id and instrument.
func (m *Mapper) LookupFollower(ctx context.Context, masterOid string) (followerOrderID, instrument string, ok bool, err error) {
	raw, found, err := m.kv.Get(ctx, m2fKey(masterOid))
	if err != nil || !found {
		return "", "", false, err
	}
	var rec m2fRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", "", false, fmt.Errorf("unmarshal m2f record: %w", err)
	}
	return rec.FollowerOrderID, rec.Instrument, true, nil
}

// LookupMaster resolves followerOrderID back to its masterOid and instrument.
func (m *Mapper) LookupMaster(ctx context.Context, followerOrderID string) (masterOid, instrument string, ok bool, err error) {
	raw, found, err := m.kv.Get(ctx, f2mKey(followerOrderID))
	if err != nil || !found {
		return "", "", false, err
	}
	var rec f2mRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", "", false, fmt.Errorf("unmarshal f2m record: %w", err)
	}
	return rec.MasterOid, rec.Instrument, true, nil
}

// Delete removes both directions and the timestamp atomically from the
// caller's perspective (best effort against the KV contract: absent keys are
// not errors, so a retried delete after a partial failure is idempotent).
func (m *Mapper) Delete(ctx context.Context, masterOid string) error {
	followerOrderID, _, ok, err := m.LookupFollower(ctx, masterOid)
	if err != nil {
		return fmt.Errorf("delete lookup: %w", err)
	}
	if err := m.kv.Delete(ctx, m2fKey(masterOid)); err != nil {
		return fmt.Errorf("delete m2f: %w", err)
	}
	if err := m.kv.Delete(ctx, tsKey(masterOid)); err != nil {
		return fmt.Errorf("delete timestamp: %w", err)
	}
	if ok {
		if err := m.kv.Delete(ctx, f2mKey(followerOrderID)); err != nil {
			return fmt.Errorf("delete f2m: %w", err)
		}
	}
	return nil
}

// TimestampOf returns the creation instant of masterOid's mapping, if any.
func (m *Mapper) TimestampOf(ctx context.Context, masterOid string) (time.Time, bool, error) {
	raw, found, err := m.kv.Get(ctx, tsKey(masterOid))
	if err != nil || !found {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse timestamp: %w", err)
	}
	return ts, true, nil
}

// ScanMasterOids returns every masterOid with a live forward mapping, for the
// Periodic Validator and startup reconciliation sweeps.
func (m *Mapper) ScanMasterOids(ctx context.Context) ([]string, error) {
	entries, err := m.kv.Scan(ctx, store.PrefixMapM2F)
	if err != nil {
		return nil, fmt.Errorf("scan mappings: %w", err)
	}
	oids := make([]string, 0, len(entries))
	for key := range entries {
		oids = append(oids, key[len(store.PrefixMapM2F):])
	}
	return oids, nil
}
