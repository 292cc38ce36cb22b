// Package replay implements the UsedResponseSet: a concurrent, TTL-evicting
// set of (subject, response) pairs used to defend both the approval engine
// and the HSM gateway against replayed one-time codes. Per the design notes,
// it carries no global mutable state — callers construct one instance per
// partition and inject it wherever replay defense is needed.
package replay

import (
	"sync"
	"time"
)

type entry struct {
	insertedAt time.Time
}

// Set is a concurrent set of "subject:response" pairs with time-based
// eviction. It is safe for concurrent use.
type Set struct {
	mu      sync.Mutex
	seen    map[string]entry
	ttl     time.Duration
	nowFunc func() time.Time
}

// New constructs a Set that evicts entries older than ttl. A monotonic clock
// function can be injected for deterministic tests.
func New(ttl time.Duration, now func() time.Time) *Set {
	if now == nil {
		now = time.Now
	}
	return &Set{
		seen:    make(map[string]entry),
		ttl:     ttl,
		nowFunc: now,
	}
}

func key(subject, response string) string {
	return subject + "\x00" + response
}

// InsertIfAbsent atomically checks whether (subject, response) has been seen
// within the TTL window and, if not, records it. It returns true if the pair
// was newly inserted (i.e. not a replay) and false if it was already present
// — the canonical "insert-if-absent returning old presence" primitive.
func (s *Set) InsertIfAbsent(subject, response string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	s.evictLocked(now)
	k := key(subject, response)
	if _, exists := s.seen[k]; exists {
		return false
	}
	s.seen[k] = entry{insertedAt: now}
	return true
}

// Contains reports whether (subject, response) is currently tracked, without
// inserting it.
func (s *Set) Contains(subject, response string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	s.evictLocked(now)
	_, exists := s.seen[key(subject, response)]
	return exists
}

// Len reports the number of tracked entries. Used by tests to assert on
// eviction behavior.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(s.nowFunc())
	return len(s.seen)
}

func (s *Set) evictLocked(now time.Time) {
	if s.ttl <= 0 {
		return
	}
	for k, e := range s.seen {
		if now.Sub(e.insertedAt) > s.ttl {
			delete(s.seen, k)
		}
	}
}
