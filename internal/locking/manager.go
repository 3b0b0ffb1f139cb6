// Package locking provides named advisory locks with fair FIFO queuing.
//
// A holder (a procedure UUID in practice) acquires a set of string keys
// atomically: either it owns all of them or none. Keys are sorted before
// acquisition and taken under one mutex, so partial holds never exist and
// holders cannot deadlock against each other.
//
// A holder's queue position can be reserved ahead of acquisition with
// Reserve. The executor reserves at enqueue time, which is what makes
// procedures with overlapping lock sets execute in enqueue order even when
// several workers race to pick them up.
package locking

import (
	"context"
	"sort"
	"sync"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

// Manager hands out named advisory locks.
type Manager struct {
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool

	owners   map[string]string   // key -> holder
	queues   map[string][]string // key -> FIFO of waiting holders
	held     map[string][]string // holder -> keys held
	reserved map[string][]string // holder -> keys queued but not yet held
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	m := &Manager{
		owners:   make(map[string]string),
		queues:   make(map[string][]string),
		held:     make(map[string][]string),
		reserved: make(map[string][]string),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SortedKeys returns a sorted, deduplicated copy of a key set. Callers use
// it to fix the canonical lock order of a procedure up front.
func SortedKeys(keys []string) []string {
	return normalize(keys)
}

// normalize sorts and deduplicates a key set.
func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Reserve queues the holder on every key without waiting. A later Acquire
// or TryAcquire by the same holder completes once it reaches the head of
// every queue. Reserving twice is a no-op.
func (m *Manager) Reserve(holder string, keys []string) {
	keys = normalize(keys)
	if len(keys) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserveLocked(holder, keys)
}

// reserveLocked is called with the mutex held.
func (m *Manager) reserveLocked(holder string, keys []string) []string {
	if existing, ok := m.reserved[holder]; ok {
		return existing
	}
	for _, key := range keys {
		m.queues[key] = append(m.queues[key], holder)
	}
	m.reserved[holder] = keys
	return keys
}

// Acquire blocks until the holder owns every key. Waiters are served in
// FIFO order per key, honoring earlier reservations. Returns an error when
// the context is canceled or the manager closes while waiting.
func (m *Manager) Acquire(ctx context.Context, holder string, keys []string) error {
	keys = normalize(keys)
	if len(keys) == 0 {
		return nil
	}

	// Wake waiters when the context dies; cond.Wait cannot watch it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			m.cond.Broadcast()
		case <-stop:
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.held[holder]) > 0 {
		return werrors.Lock("holder (%s) already owns locks", holder)
	}
	keys = m.reserveLocked(holder, keys)

	for !m.canTake(holder, keys) {
		if ctx.Err() != nil {
			m.abandonLocked(holder, keys)
			return werrors.Timeout("waiting for locks %v canceled", keys)
		}
		if m.closed {
			m.abandonLocked(holder, keys)
			return werrors.Lock("lock manager closed while (%s) waited", holder)
		}
		m.cond.Wait()
	}

	m.take(holder, keys)
	return nil
}

// TryAcquire takes every key if the holder is first in line for all of
// them and they are free. Without a prior reservation it only succeeds when
// no other holder owns or waits on any key. Returns false without queuing
// otherwise.
func (m *Manager) TryAcquire(holder string, keys []string) bool {
	keys = normalize(keys)
	if len(keys) == 0 {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || len(m.held[holder]) > 0 {
		return false
	}

	if reservedKeys, ok := m.reserved[holder]; ok {
		if !m.canTake(holder, reservedKeys) {
			return false
		}
		m.take(holder, reservedKeys)
		return true
	}

	for _, key := range keys {
		if _, owned := m.owners[key]; owned || len(m.queues[key]) > 0 {
			return false
		}
	}
	for _, key := range keys {
		m.owners[key] = holder
	}
	m.held[holder] = keys
	return true
}

// Release frees every key the holder owns and wakes waiters. Releasing a
// holder that owns nothing is an internal inconsistency.
func (m *Manager) Release(holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, ok := m.held[holder]
	if !ok {
		return werrors.Lock("holder (%s) owns no locks", holder)
	}
	for _, key := range keys {
		delete(m.owners, key)
	}
	delete(m.held, holder)
	m.cond.Broadcast()
	return nil
}

// Abandon drops a holder's reservation without acquiring. Used when a
// queued procedure is discarded before running.
func (m *Manager) Abandon(holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keys, ok := m.reserved[holder]; ok {
		m.abandonLocked(holder, keys)
	}
}

// Holds returns the keys currently owned by the holder.
func (m *Manager) Holds(holder string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.held[holder]
	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

// Close wakes every waiter with an error and rejects future acquisitions.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

// canTake is called with the mutex held.
func (m *Manager) canTake(holder string, keys []string) bool {
	for _, key := range keys {
		if _, owned := m.owners[key]; owned {
			return false
		}
		queue := m.queues[key]
		if len(queue) == 0 || queue[0] != holder {
			return false
		}
	}
	return true
}

// take is called with the mutex held after canTake succeeded.
func (m *Manager) take(holder string, keys []string) {
	for _, key := range keys {
		m.owners[key] = holder
		m.queues[key] = m.queues[key][1:]
		if len(m.queues[key]) == 0 {
			delete(m.queues, key)
		}
	}
	delete(m.reserved, holder)
	m.held[holder] = keys
}

// abandonLocked is called with the mutex held to give up a queued wait.
func (m *Manager) abandonLocked(holder string, keys []string) {
	for _, key := range keys {
		queue := m.queues[key]
		for i, waiting := range queue {
			if waiting == holder {
				m.queues[key] = append(queue[:i:i], queue[i+1:]...)
				break
			}
		}
		if len(m.queues[key]) == 0 {
			delete(m.queues, key)
		}
	}
	delete(m.reserved, holder)
	// Abandoning a queue head may unblock holders behind it.
	m.cond.Broadcast()
}
