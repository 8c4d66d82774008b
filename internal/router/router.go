// Package router implements the Router (C7): the central decision table for
// frame fan-out, command routing, and frame-acknowledgment delivery (§4.7).
// It is the only component that touches Registry, Catalog, Command Store,
// Bus, and the idempotency set together.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	relayerrors "github.com/fluxdesk/relay/internal/errors"

	"github.com/fluxdesk/relay/internal/bus"
	"github.com/fluxdesk/relay/internal/catalog"
	"github.com/fluxdesk/relay/internal/commandstore"
	"github.com/fluxdesk/relay/internal/idempotency"
	"github.com/fluxdesk/relay/internal/logger"
	"github.com/fluxdesk/relay/internal/metrics"
	"github.com/fluxdesk/relay/internal/protocol"
	"github.com/fluxdesk/relay/internal/registry"
	"github.com/fluxdesk/relay/internal/relayid"
)

// Router wires Registry, Catalog, Command Store, Bus and the idempotency
// set into the decision table described in §4.7.
type Router struct {
	reg        *registry.Registry
	cat        catalog.Catalog
	store      commandstore.Store
	bus        bus.Bus
	seen       *idempotency.Set
	instanceID string
	log        *logrus.Entry
}

// New constructs a Router bound to this instance's InstanceId.
func New(reg *registry.Registry, cat catalog.Catalog, store commandstore.Store, b bus.Bus, seen *idempotency.Set) *Router {
	return &Router{
		reg:        reg,
		cat:        cat,
		store:      store,
		bus:        b,
		seen:       seen,
		instanceID: relayid.InstanceID(),
		log:        logger.Logger(),
	}
}

// CommandResult is the outcome of RouteCommand, used by the Viewer Session
// to build its command_ack/command_result reply.
type CommandResult struct {
	CommandID string
	Delivered bool // true if sent directly or recorded for bus/poll delivery (even when the bus publish failed); false whenever Err is set
	Err       error
}

// RouteFrame implements the "Outbound frame" decision table (§4.7):
// fan out to local viewers whose subscription matches, then publish once on
// frame.data for other instances' symmetric local fan-out.
func (r *Router) RouteFrame(ctx context.Context, producerID, monitorID string, frame protocol.FrameOutMsg) {
	metrics.FramesRoutedTotal.Inc()
	start := time.Now()

	encoded, err := json.Marshal(frame)
	if err != nil {
		r.log.WithError(err).Warn("router: failed to encode frame envelope")
		return
	}
	r.fanOutFrameLocally(producerID, monitorID, encoded)
	metrics.FrameFanoutLatency.Observe(time.Since(start).Seconds())

	if err := r.bus.PublishFrameData(ctx, bus.FrameDataEnvelope{
		ProducerID:       producerID,
		MonitorID:        monitorID,
		Envelope:         encoded,
		OriginInstanceID: r.instanceID,
	}); err != nil {
		r.log.WithError(err).Debug("router: frame.data publish failed (best-effort)")
	}
}

func (r *Router) fanOutFrameLocally(producerID, monitorID string, encoded []byte) {
	for _, v := range r.reg.ViewersSubscribedTo(producerID, monitorID) {
		v.EnqueueFrame(producerID, monitorID, encoded)
	}
}

// OnRemoteFrameData handles a frame.data message received from the bus.
// Instances skip their own publication (§4.7 step 3) and otherwise do a
// symmetric local fan-out.
func (r *Router) OnRemoteFrameData(env bus.FrameDataEnvelope) {
	if env.OriginInstanceID == r.instanceID {
		return
	}
	r.fanOutFrameLocally(env.ProducerID, env.MonitorID, env.Envelope)
}

// RouteCommand implements the "Outbound command" decision table (§4.7).
// kind is one of the fixed command kinds validated upstream by the
// Viewer Session; envelope is the fully-encoded CommandMsg to deliver;
// viewerID identifies the issuing Viewer Session so its eventual
// command_result/command_timeout can find its way back (§4.7 closing
// note).
func (r *Router) RouteCommand(ctx context.Context, producerID, idempotencyKey string, kind string, envelope []byte, viewerID string) CommandResult {
	if h, ok := r.reg.Producer(producerID); ok {
		if err := h.SendEnvelope(envelope); err != nil {
			return r.routeViaCatalog(ctx, producerID, idempotencyKey, kind, envelope, viewerID)
		}
		metrics.CommandDeliveryPath.WithLabelValues("direct").Inc()
		// §9 Open Question 1: persist a pre-completed CommandRecord even on
		// direct delivery, so poll_commands and command_result both have a
		// row to reconcile against.
		rec, err := r.store.Enqueue(ctx, producerID, r.instanceID, kind, envelope, idempotencyKey, viewerID)
		if err != nil {
			r.log.WithError(err).Debug("router: best-effort direct-delivery record failed")
			return CommandResult{Delivered: true}
		}
		if err := r.store.MarkDone(ctx, rec.CommandID, commandstore.StatusCompleted, ""); err != nil {
			r.log.WithError(err).Debug("router: mark-done after direct delivery failed")
		}
		metrics.CommandsTotal.WithLabelValues(kind, string(commandstore.StatusCompleted)).Inc()
		r.notifyViewer(ctx, viewerID, rec.CommandID, "completed", "")
		return CommandResult{CommandID: rec.CommandID, Delivered: true}
	}
	return r.routeViaCatalog(ctx, producerID, idempotencyKey, kind, envelope, viewerID)
}

func (r *Router) routeViaCatalog(ctx context.Context, producerID, idempotencyKey, kind string, envelope []byte, viewerID string) CommandResult {
	record, ok, err := r.cat.Get(ctx, producerID)
	if err != nil {
		return CommandResult{Err: relayerrors.NewRoutingError("route_command", err)}
	}
	if !ok {
		return CommandResult{Err: relayerrors.NewRoutingError("route_command", errProducerUnknown{producerID})}
	}

	rec, err := r.store.Enqueue(ctx, producerID, record.OwningInstanceID, kind, envelope, idempotencyKey, viewerID)
	if err != nil {
		return CommandResult{Err: relayerrors.NewRoutingError("route_command", err)}
	}

	if err := r.bus.PublishCommand(ctx, bus.CommandEnvelope{
		TargetInstanceID: record.OwningInstanceID,
		ProducerID:       producerID,
		CommandID:        rec.CommandID,
		Kind:             kind,
		Envelope:         envelope,
		IdempotencyKey:   idempotencyKey,
		IssuerViewerID:   viewerID,
	}); err != nil {
		// Best-effort: the producer's own poll_commands will still pick
		// this row up before its TTL expires (§4.7 step 3, polling
		// fallback).
		metrics.CommandDeliveryPath.WithLabelValues("poll_fallback").Inc()
		r.log.WithError(err).Debug("router: control.command publish failed, relying on poll fallback")
	} else {
		metrics.CommandDeliveryPath.WithLabelValues("bus").Inc()
	}
	return CommandResult{CommandID: rec.CommandID, Delivered: true}
}

// OnRemoteCommand handles a control.command message received from the bus,
// implementing §4.7 step 2.
func (r *Router) OnRemoteCommand(ctx context.Context, env bus.CommandEnvelope) {
	if env.TargetInstanceID != r.instanceID {
		return
	}
	if r.seen.SeenOrMark(env.IdempotencyKey) {
		return
	}

	h, ok := r.reg.Producer(env.ProducerID)
	if !ok {
		if err := r.store.MarkDone(ctx, env.CommandID, commandstore.StatusFailed, protocol.ReasonNotConnectedTarget); err != nil {
			r.log.WithError(err).Debug("router: mark-done (not connected) failed")
		}
		metrics.CommandsTotal.WithLabelValues(env.Kind, string(commandstore.StatusFailed)).Inc()
		r.notifyViewer(ctx, env.IssuerViewerID, env.CommandID, "failed", protocol.ReasonNotConnectedTarget)
		return
	}
	if err := h.SendEnvelope(env.Envelope); err != nil {
		if err := r.store.MarkDone(ctx, env.CommandID, commandstore.StatusFailed, protocol.ReasonNotConnectedTarget); err != nil {
			r.log.WithError(err).Debug("router: mark-done (send failed) failed")
		}
		metrics.CommandsTotal.WithLabelValues(env.Kind, string(commandstore.StatusFailed)).Inc()
		r.notifyViewer(ctx, env.IssuerViewerID, env.CommandID, "failed", protocol.ReasonNotConnectedTarget)
		return
	}
	if err := r.store.MarkDone(ctx, env.CommandID, commandstore.StatusCompleted, ""); err != nil {
		r.log.WithError(err).Debug("router: mark-done (completed) failed")
	}
	metrics.CommandsTotal.WithLabelValues(env.Kind, string(commandstore.StatusCompleted)).Inc()
	r.notifyViewer(ctx, env.IssuerViewerID, env.CommandID, "completed", "")
}

// notifyViewer delivers a command's terminal outcome to the viewer that
// issued it: directly if held locally, otherwise via the bus so whichever
// instance holds that viewer can forward it (§4.7 closing note). Silently
// drops when viewerID is empty (e.g. a producer's own poll_commands path
// has no issuing viewer).
func (r *Router) notifyViewer(ctx context.Context, viewerID, commandID, status, errMsg string) {
	if viewerID == "" {
		return
	}
	if h, ok := r.reg.Viewer(viewerID); ok {
		h.EnqueueControl(encodeCommandResult(commandID, status, errMsg))
		return
	}
	if err := r.bus.PublishCommandResult(ctx, bus.CommandResultEnvelope{
		ViewerID:  viewerID,
		CommandID: commandID,
		Status:    status,
		Error:     errMsg,
	}); err != nil {
		r.log.WithError(err).Debug("router: control.command_result publish failed (best-effort)")
	}
}

// NotifyCommandResult delivers a producer-reported command_result back to
// the issuing viewer. Used by the Producer Session, which talks to the
// Command Store directly for MarkDone and has no other path back to the
// viewer that issued the command (§4.7 closing note).
func (r *Router) NotifyCommandResult(ctx context.Context, viewerID, commandID, status, errMsg string) {
	r.notifyViewer(ctx, viewerID, commandID, status, errMsg)
}

// OnRemoteCommandResult handles a control.command_result message received
// from the bus (including the Janitor's timeout notifications, §4.8),
// forwarding it to the issuing viewer if held locally.
func (r *Router) OnRemoteCommandResult(env bus.CommandResultEnvelope) {
	h, ok := r.reg.Viewer(env.ViewerID)
	if !ok {
		return
	}
	if env.Status == "timeout" {
		h.EnqueueControl(encodeCommandTimeout(env.CommandID))
		return
	}
	h.EnqueueControl(encodeCommandResult(env.CommandID, env.Status, env.Error))
}

func encodeCommandResult(commandID, status, errMsg string) []byte {
	data, err := json.Marshal(protocol.CommandResultOutMsg{
		Type:      protocol.TypeCommandResultOut,
		CommandID: commandID,
		Status:    status,
		Error:     errMsg,
	})
	if err != nil {
		return nil
	}
	return data
}

func encodeCommandTimeout(commandID string) []byte {
	data, err := json.Marshal(protocol.CommandTimeoutMsg{
		Type:      protocol.TypeCommandTimeout,
		CommandID: commandID,
	})
	if err != nil {
		return nil
	}
	return data
}

// RouteFrameAck implements the "Frame acknowledgment" decision table
// (§4.7): direct local delivery when possible, otherwise best-effort bus
// publish with no durable fallback (acks are pure telemetry).
func (r *Router) RouteFrameAck(ctx context.Context, ack protocol.FrameAckMsg, viewerID string) {
	if h, ok := r.reg.Producer(ack.ProducerID); ok {
		encoded, err := json.Marshal(ack)
		if err != nil {
			return
		}
		_ = h.SendEnvelope(encoded)
		return
	}

	_, ok, err := r.cat.Get(ctx, ack.ProducerID)
	if err != nil || !ok {
		return
	}
	if err := r.bus.PublishFrameAck(ctx, bus.FrameAckEnvelope{
		TargetProducerID: ack.ProducerID,
		FrameNumber:      ack.FrameNumber,
		LatencyMs:        ack.LatencyMs,
		ViewerID:         viewerID,
	}); err != nil {
		r.log.WithError(err).Debug("router: control.frame_ack publish failed (telemetry, dropping)")
	}
}

// OnRemoteFrameAck handles a control.frame_ack message received from the
// bus, forwarding it to the producer if held locally.
func (r *Router) OnRemoteFrameAck(env bus.FrameAckEnvelope) {
	h, ok := r.reg.Producer(env.TargetProducerID)
	if !ok {
		return
	}
	ack := protocol.FrameAckMsg{
		Type:        protocol.TypeFrameAck,
		ProducerID:  env.TargetProducerID,
		FrameNumber: env.FrameNumber,
		LatencyMs:   env.LatencyMs,
	}
	encoded, err := json.Marshal(ack)
	if err != nil {
		return
	}
	_ = h.SendEnvelope(encoded)
}

type errProducerUnknown struct{ producerID string }

func (e errProducerUnknown) Error() string { return "producer_unknown: " + e.producerID }
