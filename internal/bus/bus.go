// Package bus implements the Realtime Bus (C3): an at-most-once publish/
// subscribe layer connecting relay instances (§4.3). A message may be lost
// under instance crash or network partition; the Router treats the bus as
// best-effort and always has a durable fallback (Command Store polling) for
// commands.
package bus

import (
	"context"
	"encoding/json"
)

// Channel names (§4.3).
const (
	ChannelCommand        = "control.command"
	ChannelFrameAck       = "control.frame_ack"
	ChannelFrameData      = "frame.data"
	ChannelCatalogChanged = "catalog.changed"
	ChannelCommandResult  = "control.command_result"
)

// CommandEnvelope is published on ChannelCommand.
type CommandEnvelope struct {
	TargetInstanceID string          `json:"target_instance_id"`
	ProducerID       string          `json:"producer_id"`
	CommandID        string          `json:"command_id"`
	Kind             string          `json:"kind"`
	Envelope         json.RawMessage `json:"envelope"`
	IdempotencyKey   string          `json:"idempotency_key"`
	IssuerViewerID   string          `json:"issuer_viewer_id"`
}

// CommandResultEnvelope is published on ChannelCommandResult whenever a
// command reaches a terminal state on an instance other than the one
// holding the issuing viewer (§4.7: the viewer always sees either a
// command_result or a command_timeout, regardless of which instance
// observed the terminal transition).
type CommandResultEnvelope struct {
	ViewerID  string `json:"viewer_id"`
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// FrameAckEnvelope is published on ChannelFrameAck.
type FrameAckEnvelope struct {
	TargetProducerID string `json:"target_producer_id"`
	FrameNumber      uint64 `json:"frame_number"`
	LatencyMs        int64  `json:"latency_ms"`
	ViewerID         string `json:"viewer_id"`
}

// FrameDataEnvelope is published on ChannelFrameData. OriginInstanceID lets
// a receiving instance recognize and skip its own publication (§4.7 step 3:
// "the producer's own instance does NOT receive its own broadcast").
type FrameDataEnvelope struct {
	ProducerID       string          `json:"producer_id"`
	MonitorID        string          `json:"monitor_id"`
	Envelope         json.RawMessage `json:"envelope"`
	OriginInstanceID string          `json:"origin_instance_id"`
}

// CatalogChangeKind enumerates the catalog.changed payload's "kind of
// change" field (§4.3).
type CatalogChangeKind string

const (
	CatalogChangeRegistered   CatalogChangeKind = "registered"
	CatalogChangeUnregistered CatalogChangeKind = "unregistered"
	CatalogChangeStreaming    CatalogChangeKind = "streaming"
)

// CatalogChangedEnvelope is published on ChannelCatalogChanged.
type CatalogChangedEnvelope struct {
	ProducerID string            `json:"producer_id"`
	Kind       CatalogChangeKind `json:"kind"`
}

// Bus is the C3 interface. Every instance subscribes to all channels;
// receivers filter by target_instance_id where applicable (§4.3).
type Bus interface {
	PublishCommand(ctx context.Context, msg CommandEnvelope) error
	PublishFrameAck(ctx context.Context, msg FrameAckEnvelope) error
	PublishFrameData(ctx context.Context, msg FrameDataEnvelope) error
	PublishCatalogChanged(ctx context.Context, msg CatalogChangedEnvelope) error
	PublishCommandResult(ctx context.Context, msg CommandResultEnvelope) error

	// Subscribe registers handlers for each channel and starts delivering
	// messages until ctx is cancelled. It returns once the subscription
	// loop has started (handlers run on a background goroutine) or an
	// error if the initial subscribe call failed.
	Subscribe(ctx context.Context, h Handlers) error

	// Close releases the underlying connection/subscription.
	Close() error
}

// Handlers receives decoded messages for each channel. Any may be nil, in
// which case messages on that channel are discarded.
type Handlers struct {
	OnCommand        func(CommandEnvelope)
	OnFrameAck       func(FrameAckEnvelope)
	OnFrameData      func(FrameDataEnvelope)
	OnCatalogChanged func(CatalogChangedEnvelope)
	OnCommandResult  func(CommandResultEnvelope)
}
