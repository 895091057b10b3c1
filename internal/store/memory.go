package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryKV implements KV over a mutex-guarded map, for tests and for
// single-process development runs.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string]memEntry
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]memEntry)}
}

func expiryAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok || e.expired(time.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = memEntry{value: value, expiresAt: expiryAt(ttl)}
	return nil
}

func (m *MemoryKV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.data[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	m.data[key] = memEntry{value: value, expiresAt: expiryAt(ttl)}
	return true, nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryKV) AddDecimal(_ context.Context, key string, delta decimal.Decimal, ttl time.Duration) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := decimal.Zero
	if e, ok := m.data[key]; ok && !e.expired(time.Now()) {
		parsed, err := decimal.NewFromString(e.value)
		if err == nil {
			current = parsed
		}
	}
	next := current.Add(delta)
	m.data[key] = memEntry{value: next.String(), expiresAt: expiryAt(ttl)}
	return next, nil
}

func (m *MemoryKV) Scan(_ context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make(map[string]string)
	for k, e := range m.data {
		if e.expired(now) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out[k] = e.value
		}
	}
	return out, nil
}

func (m *MemoryKV) Close() error { return nil }
