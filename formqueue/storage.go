// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package formqueue

import "sync"

// Storage is the local durable key-value store the queue persists into.
// The queue serializes its whole list to a single string value under one
// fixed key; anything that can round-trip strings works.
type Storage interface {
	// Get returns the stored value and whether the key was present.
	Get(key string) (string, bool, error)
	// Set stores the value, replacing any previous one.
	Set(key, value string) error
}

// MemoryStorage is an in-process Storage, mostly for tests.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

// Get implements Storage.
func (m *MemoryStorage) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set implements Storage.
func (m *MemoryStorage) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
