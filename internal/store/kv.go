// Package store provides the durable key-value contract that backs the
// Mapper, Delta Ledger, Processed-Order Journal, per-oid locks, and
// exposure-rebalance anchors (spec.md §6, "persisted state layout").
//
// The persistence layer itself is an out-of-core-scope collaborator per
// spec.md §1; this package gives it a concrete shape so the rest of the
// synchronization core can depend on an interface instead of a vendor SDK.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// KV is a key-value store with TTL expiry and an atomic decimal-add
// primitive, matching "a key-value store with atomic increments and TTL"
// from spec.md §1.
type KV interface {
	// Get returns the stored value and whether the key exists and has not
	// expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set writes value with a TTL; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only if the key is absent or expired, returning
	// whether this call acquired it. Used for the per-oid order lock.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (acquired bool, err error)
	// Delete removes a key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// AddDecimal atomically adds delta to the decimal stored at key
	// (treating an absent or expired key as zero) and returns the new
	// value. Used by the Delta Ledger.
	AddDecimal(ctx context.Context, key string, delta decimal.Decimal, ttl time.Duration) (decimal.Decimal, error)
	// Scan returns all non-expired keys with the given prefix and their
	// values. Used by startup reconciliation and the periodic validator.
	Scan(ctx context.Context, prefix string) (map[string]string, error)
	// Close releases any underlying resources.
	Close() error
}

// Keyspace holds the key-prefix conventions of spec.md §6's "persisted
// state layout" table.
const (
	PrefixMapM2F      = "map:m2f:"      // masterOid -> {followerOrderID, instrument}
	PrefixMapF2M       = "map:f2m:"      // followerOrderID -> {masterOid, instrument}
	PrefixTimestamp    = "ts:order:"     // masterOid -> creation instant
	PrefixPendingDelta = "pending:delta:" // instrument -> signed decimal
	PrefixOrderHistory = "orderHistory:" // eventID -> outcome record
	PrefixOrphanFill   = "orphanFill:"   // masterOid -> orphan fill record
	PrefixOrderLock    = "orderLock:"    // masterOid -> lock holder
	PrefixRebalanceTP  = "rebalance:tp:" // instrument -> anchored follower order id

	TTLMapping       = 7 * 24 * time.Hour
	TTLPendingDelta  = 30 * 24 * time.Hour
	TTLOrderHistory  = 7 * 24 * time.Hour
	TTLOrderLock     = 10 * time.Second
)
