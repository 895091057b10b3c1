// Package clientid generates short, monotonic client order identifiers for
// venues that require one on order placement.
package clientid

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	mu      sync.Mutex
	lastSec int64
	seq     int
)

// Generate returns a compact client order id of the form
// "{prefix}{unixSeconds}{seq:03d}", unique within a process as long as
// fewer than 1000 ids are requested per second.
func Generate(prefix string) string {
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().Unix()
	if now != lastSec {
		lastSec = now
		seq = 0
	}
	seq++

	return fmt.Sprintf("%s%d%03d", prefix, now, seq)
}

// WithBrokerPrefix prepends the venue's commission-tracking broker prefix,
// truncating to maxLen to satisfy venue client-order-id length limits.
func WithBrokerPrefix(brokerPrefix, clientOID string, maxLen int) string {
	id := brokerPrefix + clientOID
	if len(id) > maxLen {
		return id[:maxLen]
	}
	return id
}

// StripBrokerPrefix removes a known broker prefix if present.
func StripBrokerPrefix(clientOID string, prefixes ...string) string {
	for _, p := range prefixes {
		if strings.HasPrefix(clientOID, p) {
			return strings.TrimPrefix(clientOID, p)
		}
	}
	return clientOID
}
