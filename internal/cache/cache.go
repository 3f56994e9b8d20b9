// Package cache provides a tiny TTL cache for values fetched over the
// HTTP API, so hot lookups like the session role do not hit the network
// on every call.
package cache

import (
	"sync"
	"time"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Entry caches a single value with a time-to-live.
type Entry[T any] struct {
	clock Clock
	ttl   time.Duration

	mu        sync.Mutex
	value     T
	expiresAt time.Time
}

// NewEntry creates an empty cache entry. A zero or negative ttl means
// entries expire immediately, which effectively disables caching.
func NewEntry[T any](clock Clock, ttl time.Duration) *Entry[T] {
	return &Entry[T]{clock: clock, ttl: ttl}
}

// Get returns the cached value if it has not expired.
func (e *Entry[T]) Get() (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expiresAt.IsZero() || !e.clock.Now().Before(e.expiresAt) {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Set stores a value and resets the expiry.
func (e *Entry[T]) Set(value T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = value
	e.expiresAt = e.clock.Now().Add(e.ttl)
}

// Invalidate drops the cached value.
func (e *Entry[T]) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	var zero T
	e.value = zero
	e.expiresAt = time.Time{}
}
