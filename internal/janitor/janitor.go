// Package janitor implements the Janitor (C8): a single periodic task per
// instance that evicts stale local producers, sweeps the shared Catalog for
// globally stale records, and expires overdue commands (§4.8). The
// idempotency set expires its own entries and is not touched here.
package janitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/fluxdesk/relay/internal/bus"
	"github.com/fluxdesk/relay/internal/catalog"
	"github.com/fluxdesk/relay/internal/commandstore"
	"github.com/fluxdesk/relay/internal/logger"
	"github.com/fluxdesk/relay/internal/metrics"
	"github.com/fluxdesk/relay/internal/protocol"
	"github.com/fluxdesk/relay/internal/registry"
)

// Defaults per §4.8.
const (
	DefaultPeriod          = 10 * time.Second
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultGraceWindow      = 60 * time.Second
	DefaultStreamingTTL     = 30 * time.Second
	DefaultOneShotTTL       = 15 * time.Second
)

// ProducerEvictor is the subset of registry.Registry the Janitor needs for
// the local heartbeat-timeout sweep and for notifying a locally-held viewer
// when one of its commands expires, declared narrowly for testability.
type ProducerEvictor interface {
	LocalProducerIDs() []string
	Producer(producerID string) (registry.ProducerHandle, bool)
	UnregisterProducer(producerID string, h registry.ProducerHandle)
	Viewer(viewerID string) (registry.ViewerHandle, bool)
}

// GlobalCatalog is the subset of catalog.Catalog the Janitor's global sweep
// needs.
type GlobalCatalog interface {
	ListActive(ctx context.Context) ([]catalog.ProducerRecord, error)
	Unregister(ctx context.Context, producerID string) error
}

// Config bundles the Janitor's tunables (§4.8, §9).
type Config struct {
	Period           time.Duration
	HeartbeatTimeout time.Duration
	GraceWindow      time.Duration
	StreamingTTL     time.Duration
	OneShotTTL       time.Duration
}

// DefaultConfig returns the spec's default tunables.
func DefaultConfig() Config {
	return Config{
		Period:           DefaultPeriod,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		GraceWindow:      DefaultGraceWindow,
		StreamingTTL:     DefaultStreamingTTL,
		OneShotTTL:       DefaultOneShotTTL,
	}
}

// Janitor runs the periodic sweep described in §4.8.
type Janitor struct {
	reg    ProducerEvictor
	cat    GlobalCatalog
	store  commandstore.Store
	b      bus.Bus
	clock  clockwork.Clock
	cfg    Config
	log    *logrus.Entry
}

// New constructs a Janitor. Every Sweep also runs the Catalog grace-window
// sweep; deletes are idempotent (§4.8), so every instance running it is
// safe.
func New(reg ProducerEvictor, cat GlobalCatalog, store commandstore.Store, b bus.Bus, clock clockwork.Clock, cfg Config) *Janitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Janitor{reg: reg, cat: cat, store: store, b: b, clock: clock, cfg: cfg, log: logger.Logger()}
}

// Run blocks, ticking every cfg.Period until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := j.clock.NewTicker(j.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass: local eviction, global catalog sweep, command
// expiry. Exported so tests and an admin endpoint can trigger it
// synchronously instead of waiting on the ticker.
func (j *Janitor) Sweep(ctx context.Context) {
	defer metrics.JanitorSweepsTotal.Inc()
	j.evictLocal(ctx)
	j.sweepCatalog(ctx)
	j.expireCommands(ctx)
}

func (j *Janitor) evictLocal(ctx context.Context) {
	for _, producerID := range j.reg.LocalProducerIDs() {
		h, ok := j.reg.Producer(producerID)
		if !ok {
			continue
		}
		if h.LastActivity() <= j.cfg.HeartbeatTimeout.Seconds() {
			continue
		}
		h.Close()
		j.reg.UnregisterProducer(producerID, h)
		if err := j.cat.Unregister(ctx, producerID); err != nil {
			j.log.WithError(err).Warn("janitor: catalog unregister on local eviction failed")
		}
		metrics.JanitorEvictionsTotal.WithLabelValues("heartbeat_timeout").Inc()
		j.log.WithField("producer_id", producerID).Info("janitor: evicted producer on heartbeat timeout")
	}
}

func (j *Janitor) sweepCatalog(ctx context.Context) {
	records, err := j.cat.ListActive(ctx)
	if err != nil {
		j.log.WithError(err).Warn("janitor: list_active failed during global sweep")
		return
	}

	now := j.clock.Now()
	for _, r := range records {
		if now.Sub(r.UpdatedAt) <= j.cfg.GraceWindow {
			continue
		}
		if err := j.cat.Unregister(ctx, r.ProducerID); err != nil {
			j.log.WithError(err).Warn("janitor: catalog unregister on grace-window expiry failed")
			continue
		}
		if err := j.b.PublishCatalogChanged(ctx, bus.CatalogChangedEnvelope{
			ProducerID: r.ProducerID,
			Kind:       bus.CatalogChangeUnregistered,
		}); err != nil {
			j.log.WithError(err).Debug("janitor: catalog.changed publish failed (best-effort)")
		}
		metrics.JanitorEvictionsTotal.WithLabelValues("grace_window").Inc()
		j.log.WithField("producer_id", r.ProducerID).Info("janitor: expired stale catalog entry")
	}
}

func (j *Janitor) expireCommands(ctx context.Context) {
	// §4.8 gives one-shot actions a 15s TTL and streaming control
	// (start_capture/stop_capture) 30s; Expire takes a single TTL, so each
	// bound runs as its own kind-filtered call. Both are safe to run every
	// sweep since MarkDone-driven transitions are idempotent.
	oneShot, err := j.store.Expire(ctx, j.cfg.OneShotTTL, protocol.OneShotCommandKinds()...)
	if err != nil {
		j.log.WithError(err).Warn("janitor: command expiry (one-shot TTL) failed")
		oneShot = nil
	}
	streaming, err := j.store.Expire(ctx, j.cfg.StreamingTTL, protocol.StreamingControlKinds()...)
	if err != nil {
		j.log.WithError(err).Warn("janitor: command expiry (streaming TTL) failed")
		streaming = nil
	}

	expired := append(oneShot, streaming...)
	if len(expired) == 0 {
		return
	}
	metrics.JanitorCommandsExpiredTotal.Add(float64(len(expired)))
	j.log.WithField("count", len(expired)).Info("janitor: expired commands past their kind's TTL")
	for _, rec := range expired {
		j.notifyTimeout(ctx, rec.IssuerViewerID, rec.CommandID)
	}
}

// notifyTimeout delivers the TTL watcher's command_timeout message to the
// issuing viewer (§4.7 closing note: "an explicit command_timeout message
// generated by the Router TTL watcher"), directly if held locally,
// otherwise via the bus so whichever instance holds that viewer forwards
// it. Empty viewerID (e.g. the command had no issuer on record) is a no-op.
func (j *Janitor) notifyTimeout(ctx context.Context, viewerID, commandID string) {
	if viewerID == "" {
		return
	}
	data, err := json.Marshal(protocol.CommandTimeoutMsg{Type: protocol.TypeCommandTimeout, CommandID: commandID})
	if err != nil {
		return
	}
	if h, ok := j.reg.Viewer(viewerID); ok {
		h.EnqueueControl(data)
		return
	}
	if err := j.b.PublishCommandResult(ctx, bus.CommandResultEnvelope{
		ViewerID:  viewerID,
		CommandID: commandID,
		Status:    "timeout",
	}); err != nil {
		j.log.WithError(err).Debug("janitor: control.command_result (timeout) publish failed (best-effort)")
	}
}
