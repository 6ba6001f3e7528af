// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package formqueue

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StorageKey is the single key the serialized queue lives under.
const StorageKey = "formqueue.pending"

// Store owns the ordered list of pending queue items and its persistence.
// All mutation goes through Store methods; nothing else writes the list.
//
// Persistence is best-effort: storage read/write failures are logged and
// swallowed, never returned to callers. A corrupt persisted list loads as an
// empty queue.
type Store struct {
	storage Storage
	logger  *slog.Logger

	mu    sync.Mutex
	items []QueueItem
}

// NewStore creates a store and loads any previously persisted queue.
func NewStore(storage Storage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		storage: storage,
		logger:  logger,
	}
	s.load()
	return s
}

// Enqueue appends a new item with a fresh id and zero retries, then persists
// the whole list. Repeated identical submissions produce repeated items;
// dedup is the caller's responsibility.
func (s *Store) Enqueue(itemType string, payload any) QueueItem {
	item := QueueItem{
		ID:         uuid.New().String(),
		Type:       itemType,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
	}

	s.mu.Lock()
	s.items = append(s.items, item)
	s.persistLocked()
	s.mu.Unlock()

	return item
}

// Replace atomically swaps the entire queue.
func (s *Store) Replace(items []QueueItem) {
	s.mu.Lock()
	s.items = append([]QueueItem(nil), items...)
	s.persistLocked()
	s.mu.Unlock()
}

// Clear drops every queued item.
func (s *Store) Clear() {
	s.Replace(nil)
}

// Reconcile atomically rebuilds the queue after a drain pass. Items absent
// from drained (previously failed, or enqueued while the drain was in
// flight) are kept untouched in order; each drained item is replaced by the
// outcome of resolve, which reports whether the item stays queued. The swap
// happens under the store lock, so a concurrent Enqueue is never lost.
func (s *Store) Reconcile(drained map[string]QueueItem, resolve func(QueueItem) (QueueItem, bool)) {
	s.mu.Lock()
	next := make([]QueueItem, 0, len(s.items))
	for _, item := range s.items {
		updated, wasDrained := drained[item.ID]
		if !wasDrained {
			next = append(next, item)
			continue
		}
		if resolved, keep := resolve(updated); keep {
			next = append(next, resolved)
		}
	}
	s.items = next
	s.persistLocked()
	s.mu.Unlock()
}

// Items returns a copy of the full queue in insertion order.
func (s *Store) Items() []QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueueItem(nil), s.items...)
}

// Pending returns items still eligible for automatic drains.
func (s *Store) Pending() []QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []QueueItem
	for i := range s.items {
		if !s.items[i].Failed() {
			pending = append(pending, s.items[i])
		}
	}
	return pending
}

// Failed returns items that exhausted automatic retries and wait for a
// manual retry.
func (s *Store) Failed() []QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []QueueItem
	for i := range s.items {
		if s.items[i].Failed() {
			failed = append(failed, s.items[i])
		}
	}
	return failed
}

// Counts returns the derived counters: pending is the number of items still
// eligible for automatic drains; failed counts items that exhausted retries
// or whose most recent submission attempt was rejected.
func (s *Store) Counts() (pending, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if !s.items[i].Failed() {
			pending++
		}
		if s.items[i].Failed() || s.items[i].LastError != "" {
			failed++
		}
	}
	return pending, failed
}

// Len returns the total number of queued items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// ResetFailed zeroes the retry count on every failed item, making them
// eligible for the next drain. Enqueue timestamps are preserved so the age
// of a stuck item stays visible. Returns the number of items reset.
func (s *Store) ResetFailed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := 0
	for i := range s.items {
		if s.items[i].Failed() {
			s.items[i].RetryCount = 0
			s.items[i].LastError = ""
			reset++
		}
	}
	if reset > 0 {
		s.persistLocked()
	}
	return reset
}

// load deserializes the persisted list. Any storage or parse failure is
// logged and treated as an empty queue.
func (s *Store) load() {
	value, ok, err := s.storage.Get(StorageKey)
	if err != nil {
		s.logger.Error("Failed to read persisted queue, starting empty", "error", err)
		return
	}
	if !ok || value == "" {
		return
	}

	var items []QueueItem
	if err := json.Unmarshal([]byte(value), &items); err != nil {
		s.logger.Error("Persisted queue is corrupt, starting empty", "error", err)
		return
	}

	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
}

// persistLocked writes the full list under the storage key. Callers hold mu.
func (s *Store) persistLocked() {
	data, err := json.Marshal(s.items)
	if err != nil {
		s.logger.Error("Failed to serialize queue", "error", err)
		return
	}
	if err := s.storage.Set(StorageKey, string(data)); err != nil {
		s.logger.Error("Failed to persist queue", "error", err, "items", len(s.items))
	}
}
