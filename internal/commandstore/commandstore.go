// Package commandstore implements the Command Store (C2): the durable
// fallback path for commands targeting a producer that isn't connected to
// the issuing viewer's instance, and the poll_commands delivery path for
// producers that never receive a direct push (§4.2).
package commandstore

import (
	"context"
	"encoding/json"
	"time"
)

// Status is a CommandRecord's lifecycle state (§3). Once non-pending, it is
// terminal — MarkDone enforces this at the store level.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// CommandRecord is the durable row described in §3.
type CommandRecord struct {
	CommandID       string
	ProducerID      string
	TargetInstance  string
	Kind            string
	Payload         json.RawMessage
	IdempotencyKey  string
	Status          Status
	CreatedAt       time.Time
	ProcessedAt     *time.Time
	ErrorMessage    string
	// IssuerViewerID is the viewer that issued this command, so a terminal
	// transition reached on any instance (direct completion, remote
	// delivery, or Janitor expiry) can be routed back to the viewer that's
	// waiting on it (§4.7 "viewers always receive either a command_result
	// ... or an explicit command_timeout").
	IssuerViewerID string
}

// Store is the C2 interface.
type Store interface {
	// Enqueue inserts a pending command. If idempotencyKey already exists,
	// the existing record is returned unchanged and no new row is
	// inserted (§4.2 invariant: "duplicate inserts return the existing
	// record without enqueuing").
	Enqueue(ctx context.Context, producerID, targetInstance, kind string, payload json.RawMessage, idempotencyKey, issuerViewerID string) (CommandRecord, error)

	// FetchPending returns up to max oldest-first pending commands for
	// producerID.
	FetchPending(ctx context.Context, producerID string, max int) ([]CommandRecord, error)

	// MarkDone conditionally transitions commandID from pending to status.
	// It is a no-op (not an error) if the command is already non-pending.
	MarkDone(ctx context.Context, commandID string, status Status, errMsg string) error

	// Expire transitions every pending command older than ttl to failed
	// with error "expired" (§4.8 Janitor operation), returning the
	// records that were transitioned so the caller can notify each
	// command's issuing viewer. When kinds is non-empty, only commands
	// whose Kind is in that set are considered, which is how the Janitor
	// applies §4.8's two distinct TTLs (30s streaming control, 15s
	// one-shot) with two separate calls.
	Expire(ctx context.Context, ttl time.Duration, kinds ...string) ([]CommandRecord, error)

	// Get returns a single record by id.
	Get(ctx context.Context, commandID string) (CommandRecord, bool, error)
}
