// Copyright 2024-2026 Aiku AI

// Package store provides the durable key/value record store used to persist
// bridge state (channel links, rosters) across restarts. Write failures are
// treated as non-fatal by callers: in-memory state stays authoritative
// until restart.
package store

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("record not found")

// RecordStore is the durable store contract.
type RecordStore interface {
	Save(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	ListAll(ctx context.Context) (map[string]string, error)
	Close() error
}

// MemoryStore is an in-memory RecordStore for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]string
}

var _ RecordStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]string)}
}

func (m *MemoryStore) Save(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = value
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.records[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) ListAll(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
