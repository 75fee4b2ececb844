// Package expiry provides a key/value map whose entries expire independently.
package expiry

import (
	"container/heap"
	"sync"
	"time"
)

// Config configures a Map.
type Config struct {
	Clock func() time.Time
}

// Map stores values with a per-key time-to-live. Expired entries are removed by a single timer
// armed for the earliest deadline; reads also treat overdue entries as absent.
type Map[K comparable, V any] struct {
	mu      sync.Mutex
	clock   func() time.Time
	entries map[K]*entry[V]
	queue   deadlineQueue[K]
	timer   *time.Timer
	armedAt time.Time
	hooks   []func()
	closed  bool
	nextGen uint64
}

type entry[V any] struct {
	value      V
	expiresAt  time.Time
	generation uint64
}

// New constructs an empty Map.
func New[K comparable, V any](cfg Config) *Map[K, V] {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Map[K, V]{
		clock:   clock,
		entries: make(map[K]*entry[V]),
	}
}

// OnChange registers a hook invoked after every set, delete or expiry. Hooks run outside the lock.
func (m *Map[K, V]) OnChange(hook func()) {
	if hook == nil {
		return
	}
	m.mu.Lock()
	m.hooks = append(m.hooks, hook)
	m.mu.Unlock()
}

// Get returns the live value stored under key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.entries[key]
	if !ok || !current.expiresAt.After(m.clock()) {
		var zero V
		return zero, false
	}
	return current.value, true
}

// Set stores value under key for ttl, replacing any previous value and deadline.
func (m *Map[K, V]) Set(key K, value V, ttl time.Duration) {
	m.mu.Lock()
	m.setLocked(key, value, ttl)
	hooks := m.hooksLocked()
	m.mu.Unlock()
	runHooks(hooks)
}

// Update runs fn under the map lock with a view of the live entries, letting callers perform
// compare-and-set style changes atomically. Hooks fire once afterwards when fn reports a change.
func (m *Map[K, V]) Update(fn func(tx *Tx[K, V]) bool) {
	m.mu.Lock()
	tx := &Tx[K, V]{m: m}
	changed := fn(tx)
	var hooks []func()
	if changed {
		hooks = m.hooksLocked()
	}
	m.mu.Unlock()
	runHooks(hooks)
}

// Delete removes key and reports whether a live entry was present.
func (m *Map[K, V]) Delete(key K) bool {
	m.mu.Lock()
	removed := m.deleteLocked(key)
	var hooks []func()
	if removed {
		hooks = m.hooksLocked()
	}
	m.mu.Unlock()
	runHooks(hooks)
	return removed
}

// Snapshot copies the live entries.
func (m *Map[K, V]) Snapshot() map[K]V {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	result := make(map[K]V, len(m.entries))
	for key, current := range m.entries {
		if current.expiresAt.After(now) {
			result[key] = current.value
		}
	}
	return result
}

// Len returns the number of stored entries, including overdue ones not yet swept.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the expiry timer. The map remains readable.
func (m *Map[K, V]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Tx exposes map operations inside Update.
type Tx[K comparable, V any] struct {
	m *Map[K, V]
}

// Get returns the live value stored under key.
func (tx *Tx[K, V]) Get(key K) (V, bool) {
	current, ok := tx.m.entries[key]
	if !ok || !current.expiresAt.After(tx.m.clock()) {
		var zero V
		return zero, false
	}
	return current.value, true
}

// Set stores value under key for ttl.
func (tx *Tx[K, V]) Set(key K, value V, ttl time.Duration) {
	tx.m.setLocked(key, value, ttl)
}

// Delete removes key.
func (tx *Tx[K, V]) Delete(key K) bool {
	return tx.m.deleteLocked(key)
}

// Range visits every live entry; returning false stops the walk.
func (tx *Tx[K, V]) Range(fn func(key K, value V) bool) {
	now := tx.m.clock()
	for key, current := range tx.m.entries {
		if !current.expiresAt.After(now) {
			continue
		}
		if !fn(key, current.value) {
			return
		}
	}
}

func (m *Map[K, V]) setLocked(key K, value V, ttl time.Duration) {
	m.nextGen++
	expiresAt := m.clock().Add(ttl)
	m.entries[key] = &entry[V]{value: value, expiresAt: expiresAt, generation: m.nextGen}
	heap.Push(&m.queue, deadline[K]{key: key, expiresAt: expiresAt, generation: m.nextGen})
	m.armLocked()
}

func (m *Map[K, V]) deleteLocked(key K) bool {
	current, ok := m.entries[key]
	if !ok {
		return false
	}
	delete(m.entries, key)
	return current.expiresAt.After(m.clock())
}

func (m *Map[K, V]) hooksLocked() []func() {
	if len(m.hooks) == 0 {
		return nil
	}
	return append([]func(){}, m.hooks...)
}

// armLocked keeps the timer pointed at the earliest pending deadline.
func (m *Map[K, V]) armLocked() {
	if m.closed || m.queue.Len() == 0 {
		return
	}
	earliest := m.queue[0].expiresAt
	if m.timer != nil && !m.armedAt.After(earliest) {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.armedAt = earliest
	m.timer = time.AfterFunc(earliest.Sub(m.clock()), m.expire)
}

func (m *Map[K, V]) expire() {
	m.mu.Lock()
	m.timer = nil
	expired := m.sweepLocked(m.clock())
	m.armLocked()
	var hooks []func()
	if expired > 0 {
		hooks = m.hooksLocked()
	}
	m.mu.Unlock()
	runHooks(hooks)
}

// sweepLocked drops every entry whose deadline is at or before now and returns how many were live
// entries removed.
func (m *Map[K, V]) sweepLocked(now time.Time) int {
	removed := 0
	for m.queue.Len() > 0 && !m.queue[0].expiresAt.After(now) {
		next := heap.Pop(&m.queue).(deadline[K])
		current, ok := m.entries[next.key]
		if !ok || current.generation != next.generation {
			continue
		}
		delete(m.entries, next.key)
		removed++
	}
	return removed
}

func runHooks(hooks []func()) {
	for _, hook := range hooks {
		hook()
	}
}

type deadline[K comparable] struct {
	key        K
	expiresAt  time.Time
	generation uint64
}

type deadlineQueue[K comparable] []deadline[K]

func (q deadlineQueue[K]) Len() int           { return len(q) }
func (q deadlineQueue[K]) Less(i, j int) bool { return q[i].expiresAt.Before(q[j].expiresAt) }
func (q deadlineQueue[K]) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *deadlineQueue[K]) Push(value any) {
	*q = append(*q, value.(deadline[K]))
}

func (q *deadlineQueue[K]) Pop() any {
	old := *q
	last := old[len(old)-1]
	*q = old[:len(old)-1]
	return last
}
