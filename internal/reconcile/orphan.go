// Package reconcile implements the two repair mechanisms of spec §4.6:
// Orphan Fill bookkeeping and the once-after-connection startup snapshot
// fusion pass.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/uykb/HypeFollow/internal/core"
	"github.com/uykb/HypeFollow/internal/ledger"
	"github.com/uykb/HypeFollow/internal/store"
)

// OrphanTracker records and resolves Orphan Fill Records: a Follower fill
// observed before the Master's own Filled notification for the same oid.
type OrphanTracker struct {
	kv     store.KV
	ledger *ledger.Ledger
	logger core.ILogger
}

// NewOrphanTracker constructs an OrphanTracker.
func NewOrphanTracker(kv store.KV, l *ledger.Ledger, logger core.ILogger) *OrphanTracker {
	return &OrphanTracker{kv: kv, ledger: l, logger: logger.WithField("component", "orphan_tracker")}
}

func orphanKey(masterOid string) string { return store.PrefixOrphanFill + masterOid }

// Observe records an Orphan Fill Record for masterOid and pre-credits the
// expected Master-side fill by applying rec.MasterSizeEquivalent (already
// signed per the position convention) with a negative sign to Δ, so the
// later Master Filled event does not double-count it. rec.FollowerSize and
// rec.MasterSizeEquivalent are the amount from this one execution report
// (not a running total); successive partial fills before resolution are
// merged into the stored record so Resolve reverses the full accumulated
// adjustment rather than just the last report's slice.
func (t *OrphanTracker) Observe(ctx context.Context, rec core.OrphanFillRecord) error {
	incrementalEquivalent := rec.MasterSizeEquivalent

	if existing, found, err := t.Lookup(ctx, rec.MasterOid); err != nil {
		return fmt.Errorf("lookup existing orphan record: %w", err)
	} else if found {
		rec.FollowerSize = existing.FollowerSize.Add(rec.FollowerSize)
		rec.MasterSizeEquivalent = existing.MasterSizeEquivalent.Add(incrementalEquivalent)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal orphan record: %w", err)
	}
	if err := t.kv.Set(ctx, orphanKey(rec.MasterOid), string(data), 0); err != nil {
		return fmt.Errorf("store orphan record: %w", err)
	}
	if _, err := t.ledger.Add(ctx, rec.Instrument, incrementalEquivalent.Neg()); err != nil {
		return fmt.Errorf("pre-credit orphan delta: %w", err)
	}
	t.logger.Info("orphan fill observed", "masterOid", rec.MasterOid, "instrument", rec.Instrument)
	return nil
}

// Resolve reverses the provisional adjustment when the Master's Filled event
// for masterOid arrives, and deletes the record. It returns ok=false if no
// orphan record was pending for masterOid.
func (t *OrphanTracker) Resolve(ctx context.Context, masterOid string) (ok bool, err error) {
	raw, found, err := t.kv.Get(ctx, orphanKey(masterOid))
	if err != nil {
		return false, fmt.Errorf("lookup orphan record: %w", err)
	}
	if !found {
		return false, nil
	}

	var rec core.OrphanFillRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return false, fmt.Errorf("unmarshal orphan record: %w", err)
	}

	if _, err := t.ledger.Add(ctx, rec.Instrument, rec.MasterSizeEquivalent); err != nil {
		return false, fmt.Errorf("reverse orphan delta: %w", err)
	}
	if err := t.kv.Delete(ctx, orphanKey(masterOid)); err != nil {
		return false, fmt.Errorf("delete orphan record: %w", err)
	}
	t.logger.Info("orphan fill resolved", "masterOid", masterOid, "instrument", rec.Instrument)
	return true, nil
}

// Lookup returns the pending Orphan Fill Record for masterOid, if any,
// without mutating state.
func (t *OrphanTracker) Lookup(ctx context.Context, masterOid string) (core.OrphanFillRecord, bool, error) {
	raw, found, err := t.kv.Get(ctx, orphanKey(masterOid))
	if err != nil || !found {
		return core.OrphanFillRecord{}, false, err
	}
	var rec core.OrphanFillRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return core.OrphanFillRecord{}, false, fmt.Errorf("unmarshal orphan record: %w", err)
	}
	return rec, true, nil
}
