// Package relayid centralizes the relay's identifier generation: the
// process-lifetime InstanceId (§3: "UUID generated once per relay process
// start") and per-command UUIDs, both backed by google/uuid.
package relayid

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// instanceID is generated once at process start and never changes for the
// lifetime of this relay instance (§3, §9 "Global mutable state").
var instanceID = uuid.NewString()

// InstanceID returns this process's stable InstanceId.
func InstanceID() string { return instanceID }

// NewCommandID returns a fresh UUID for a CommandRecord's command_id.
func NewCommandID() string { return uuid.NewString() }

// viewerCounter backs a fallback ViewerId generator when a client connects
// without one (§6: "client_id (optional; relay generates one if absent)").
var viewerCounter uint64

// NewViewerID generates an opaque, process-unique viewer id.
func NewViewerID() string {
	n := atomic.AddUint64(&viewerCounter, 1)
	return fmt.Sprintf("viewer-%s-%d", instanceID[:8], n)
}

// producerCounter backs a fallback ProducerId generator for a desktop
// client that handshakes without a stable userId (§3: ProducerId is
// "opaque string chosen by the producer at handshake time"; the relay
// mints one when absent so the session still has a stable identity).
var producerCounter uint64

// NewProducerID generates an opaque, process-unique producer id.
func NewProducerID() string {
	n := atomic.AddUint64(&producerCounter, 1)
	return fmt.Sprintf("producer-%s-%d", instanceID[:8], n)
}

// idempotencyCounter backs per-viewer monotonic idempotency key derivation.
var idempotencyCounter uint64

// NewIdempotencyKey derives an idempotency key from (viewer_id, monotonic
// counter, wall-clock-free) per §4.6: "idempotency_key derived from
// (viewer_id, monotonic counter, wall-clock)". The wall-clock component is
// supplied by the caller (nanoseconds since session start) so this package
// stays free of direct time.Now() calls, keeping it trivially testable.
func NewIdempotencyKey(viewerID string, nanos int64) string {
	n := atomic.AddUint64(&idempotencyCounter, 1)
	return fmt.Sprintf("%s:%d:%d", viewerID, n, nanos)
}
