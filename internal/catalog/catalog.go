// Package catalog implements the Catalog (C1): the shared, durable
// directory of currently-registered producers (§4.1). It is authoritative
// across instances — every relay process consults the same backing store,
// so a producer registered on instance A is visible to a viewer connected
// to instance B.
package catalog

import (
	"context"
	"time"
)

// LivenessWindow is the default "connected" threshold used when computing a
// ProducerRecord's downstream connected status (§4.1: "now - updated_at <
// liveness_window (default 30 s)").
const LivenessWindow = 30 * time.Second

// Monitor mirrors a producer's advertised monitor at registration time.
type Monitor struct {
	Index        int
	Name         string
	NativeWidth  int
	NativeHeight int
}

// ProducerRecord is the durable row described in §3.
type ProducerRecord struct {
	ProducerID       string
	DisplayName      string
	Hostname         string
	OwnerID          string
	Monitors         []Monitor
	Capabilities     []string
	IsStreaming      bool
	LastHeartbeat    time.Time
	OwningInstanceID string
	ConnectedAt      time.Time
	UpdatedAt        time.Time
}

// Connected reports whether this record should be considered live, per the
// liveness-window rule in §4.1.
func (r ProducerRecord) Connected(now time.Time, window time.Duration) bool {
	if window <= 0 {
		window = LivenessWindow
	}
	return now.Sub(r.UpdatedAt) < window
}

// Catalog is the C1 interface. Implementations back it with any
// transactional store supporting upsert, delete-by-key, select-all, and
// row-level update (§4.1).
type Catalog interface {
	// Register upserts record by ProducerID, setting OwningInstanceID,
	// ConnectedAt, UpdatedAt, and LastHeartbeat. Must succeed before a
	// producer session is considered registered.
	Register(ctx context.Context, record ProducerRecord) error

	// Heartbeat updates LastHeartbeat/UpdatedAt. No-op if the record is
	// absent.
	Heartbeat(ctx context.Context, producerID string) error

	// SetStreaming updates the IsStreaming flag.
	SetStreaming(ctx context.Context, producerID string, streaming bool) error

	// Unregister deletes the row for producerID.
	Unregister(ctx context.Context, producerID string) error

	// ListActive returns every record currently in the catalog, regardless
	// of liveness. Callers compute "connected" with Record.Connected.
	ListActive(ctx context.Context) ([]ProducerRecord, error)

	// Get returns a single record, or ok=false if absent.
	Get(ctx context.Context, producerID string) (ProducerRecord, bool, error)
}
