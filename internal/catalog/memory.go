package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryCatalog is an in-process Catalog implementation, used in tests and
// single-instance deployments where no external store is configured.
type MemoryCatalog struct {
	mu      sync.RWMutex
	records map[string]ProducerRecord
	clock   clockwork.Clock
}

// NewMemoryCatalog creates an empty MemoryCatalog using the real clock.
func NewMemoryCatalog() *MemoryCatalog {
	return NewMemoryCatalogWithClock(clockwork.NewRealClock())
}

// NewMemoryCatalogWithClock injects a clockwork.Clock so tests can control
// time deterministically (e.g. to exercise the liveness window).
func NewMemoryCatalogWithClock(clock clockwork.Clock) *MemoryCatalog {
	return &MemoryCatalog{records: make(map[string]ProducerRecord), clock: clock}
}

func (c *MemoryCatalog) Register(ctx context.Context, record ProducerRecord) error {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	record.ConnectedAt = now
	record.UpdatedAt = now
	record.LastHeartbeat = now
	c.records[record.ProducerID] = record
	return nil
}

func (c *MemoryCatalog) Heartbeat(ctx context.Context, producerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[producerID]
	if !ok {
		return nil
	}
	now := c.clock.Now()
	record.LastHeartbeat = now
	record.UpdatedAt = now
	c.records[producerID] = record
	return nil
}

func (c *MemoryCatalog) SetStreaming(ctx context.Context, producerID string, streaming bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[producerID]
	if !ok {
		return nil
	}
	record.IsStreaming = streaming
	record.UpdatedAt = c.clock.Now()
	c.records[producerID] = record
	return nil
}

func (c *MemoryCatalog) Unregister(ctx context.Context, producerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, producerID)
	return nil
}

func (c *MemoryCatalog) ListActive(ctx context.Context) ([]ProducerRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ProducerRecord, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r)
	}
	return out, nil
}

func (c *MemoryCatalog) Get(ctx context.Context, producerID string) (ProducerRecord, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[producerID]
	return r, ok, nil
}

// GraceWindowExpired returns the producer_ids whose UpdatedAt is older than
// now-graceWindow, used by the Janitor's global sweep (§4.8).
func (c *MemoryCatalog) GraceWindowExpired(now time.Time, graceWindow time.Duration) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var stale []string
	for id, r := range c.records {
		if now.Sub(r.UpdatedAt) > graceWindow {
			stale = append(stale, id)
		}
	}
	return stale
}
