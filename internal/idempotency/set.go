// Package idempotency implements the relay's recent-idempotency-keys set
// (§4.8, §5): a concurrent set with a sliding-window purge, used by the
// Router to drop duplicate cross-instance command deliveries before they
// reach a locally-connected producer.
package idempotency

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultWindow matches §4.8's "Purge the recent-idempotency-keys set on a
// sliding window (5 min)".
const DefaultWindow = 5 * time.Minute

// Set is a concurrent, TTL-expiring set of idempotency keys seen recently
// by this instance's Router.
type Set struct {
	c *gocache.Cache
}

// NewSet creates a Set whose entries expire after window and are swept
// every window/5.
func NewSet(window time.Duration) *Set {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Set{c: gocache.New(window, window/5)}
}

// SeenOrMark reports whether key was already present, and marks it seen
// either way. The Router uses this as a check-and-set so a command
// delivered concurrently via direct-send and bus-broadcast is only acted on
// once (§4.7, testable property 1).
func (s *Set) SeenOrMark(key string) bool {
	if _, found := s.c.Get(key); found {
		return true
	}
	// SetDefault still races with a concurrent SeenOrMark on the same key;
	// the store-level conditional MarkDone is the actual enforcement point
	// for "at most one terminal transition" (§9 Open Question 1). This set
	// is a fast-path de-dupe to avoid needless duplicate producer sends.
	s.c.SetDefault(key, struct{}{})
	return false
}

// Len reports the current number of tracked keys (used by tests and
// /metrics).
func (s *Set) Len() int { return s.c.ItemCount() }
