package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
)

// janitorInterval is how often the in-process cache sweeps expired entries.
// Lookups also check expiry, so the sweep only bounds memory growth.
const janitorInterval = time.Minute

type memoryEntry struct {
	value     string
	set       map[string]struct{}
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is the in-process cache implementation.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	done    chan struct{}
	once    sync.Once
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an in-process cache and starts its eviction janitor.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		done:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Get returns the value and whether the key was present and unexpired.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores the value with the given TTL.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memoryEntry{value: value, expiresAt: deadline(ttl)}
	return nil
}

// Delete removes the keys.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

// IncrBy atomically adds delta to the integer at key.
func (m *Memory) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	e, ok := m.entries[key]
	if !ok || e.expired(now) {
		e = &memoryEntry{value: "0", expiresAt: deadline(ttl)}
		m.entries[key] = e
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, kerrors.NewConflictError("value at key is not an integer", err)
	}
	n += delta
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

// AddToSet adds member to the set at key, extending the set's TTL.
func (m *Memory) AddToSet(_ context.Context, key, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.expired(time.Now()) || e.set == nil {
		e = &memoryEntry{set: make(map[string]struct{})}
		m.entries[key] = e
	}
	e.set[member] = struct{}{}
	e.expiresAt = deadline(ttl)
	return nil
}

// SetMembers returns the members of the set at key.
func (m *Memory) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || e.expired(time.Now()) || e.set == nil {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for member := range e.set {
		out = append(out, member)
	}
	return out, nil
}

// RemoveFromSet removes member from the set at key.
func (m *Memory) RemoveFromSet(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && e.set != nil {
		delete(e.set, member)
		if len(e.set) == 0 {
			delete(m.entries, key)
		}
	}
	return nil
}

// Ping always succeeds for the in-process cache.
func (*Memory) Ping(_ context.Context) error { return nil }

// Close stops the janitor.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for key, e := range m.entries {
				if e.expired(now) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
