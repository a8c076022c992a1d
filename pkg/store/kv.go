package store

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get for keys that were never written.
var ErrNotFound = errors.New("key not found")

// Storage keys owned by the arbitration engine. Values are whole-snapshot
// JSON documents, written read-modify-write by a single writer.
const (
	AuthURLsKey            = "authUrls"
	DefaultAuthAccountsKey = "defaultAuthAccounts"
	SecurityLogKey         = "securityLog"
	MetadataDefsKey        = "metadataDefs"
)

// KV is the durable storage contract of the engine: flat string keys,
// opaque string values, whole-value replacement on Set.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemoryKV is the in-process backend, used in tests and single-binary
// deployments without external storage.
type MemoryKV struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: map[string]string{}}
}

func (m *MemoryKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *MemoryKV) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
