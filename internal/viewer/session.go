// Package viewer implements the Viewer Session (C6): the browser-UI side
// of the relay, carrying it through AwaitHandshake → Subscribed → Closed
// (§4.6), including the per-monitor backpressure queue described in the
// same section.
package viewer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fluxdesk/relay/internal/catalog"
	"github.com/fluxdesk/relay/internal/logger"
	"github.com/fluxdesk/relay/internal/metrics"
	"github.com/fluxdesk/relay/internal/protocol"
	"github.com/fluxdesk/relay/internal/registry"
	"github.com/fluxdesk/relay/internal/relayid"
	"github.com/fluxdesk/relay/internal/router"
	"github.com/fluxdesk/relay/internal/wsconn"
)

// State is the Viewer Session's lifecycle state (§4.6).
type State uint8

const (
	StateAwaitHandshake State = iota
	StateSubscribed
	StateClosed
)

// FrameQueueDepth is the bounded length L of the per-(producer,monitor)
// outbound frame queue (§4.6: "default 8 frames per subscribed monitor").
const FrameQueueDepth = 8

// ControlQueueDepth is not consulted: control messages share the
// connection's outbound channel, and EnqueueControl disconnects the viewer
// with reason slow_consumer when conn.Send cannot enqueue before its
// timeout (§4.6).
const ControlQueueDepth = 256

// subscriptionKey identifies a (producer_id, monitor_id) pair, or the
// wildcard monitor "" meaning "all current producers/monitors" for that
// producer.
type subscriptionKey struct {
	producerID string
	monitorID  string
}

// monitorQueue is a bounded, drop-oldest FIFO for one (producer, monitor)
// stream, preserving per-stream arrival order to this viewer (§5). It is
// the actual delivery buffer: EnqueueFrame hands frames to the writer from
// the front of this queue, oldest first, so an overflow always evicts the
// oldest queued frame and never the one that just arrived.
type monitorQueue struct {
	mu    sync.Mutex
	items [][]byte
}

func (q *monitorQueue) pushDropOldest(data []byte, depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= depth {
		q.items = q.items[1:]
		metrics.FramesDroppedTotal.Inc()
	}
	q.items = append(q.items, data)
}

// flush hands queued frames to send oldest-first, stopping at the first one
// send rejects (the writer's own outbound channel is momentarily full) and
// leaving it and everything after it queued for the next call.
func (q *monitorQueue) flush(send func([]byte) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := 0
	for ; i < len(q.items); i++ {
		if !send(q.items[i]) {
			break
		}
	}
	q.items = q.items[i:]
}

// Router is the subset of router.Router a Viewer Session depends on.
type Router interface {
	RouteCommand(ctx context.Context, producerID, idempotencyKey, kind string, envelope []byte, viewerID string) router.CommandResult
	RouteFrameAck(ctx context.Context, ack protocol.FrameAckMsg, viewerID string)
}

// Catalog is the read surface a Viewer Session needs from C1; declared
// narrowly so tests can stub it without pulling in the full catalog.Catalog
// interface's write methods.
type Catalog interface {
	ListActive(ctx context.Context) ([]catalog.ProducerRecord, error)
}

// Session is one viewer's connected lifecycle.
type Session struct {
	conn  *wsconn.Conn
	cat   Catalog
	rtr   Router
	reg   *registry.Registry
	log   *logrus.Entry

	viewerID string
	startNS  int64

	mu       sync.Mutex
	state    State
	subs     map[subscriptionKey]struct{}
	wildcard bool
	queues   map[subscriptionKey]*monitorQueue
}

// New constructs a Viewer Session bound to an already-started wsconn.Conn.
func New(conn *wsconn.Conn, cat Catalog, rtr Router, reg *registry.Registry) *Session {
	viewerID := relayid.NewViewerID()
	s := &Session{
		conn:     conn,
		cat:      cat,
		rtr:      rtr,
		reg:      reg,
		log:      logger.WithViewer(logger.Logger(), viewerID, relayid.InstanceID()),
		viewerID: viewerID,
		startNS:  time.Now().UnixNano(),
		state:    StateAwaitHandshake,
		subs:     make(map[subscriptionKey]struct{}),
		queues:   make(map[subscriptionKey]*monitorQueue),
	}
	conn.SetMessageHandler(s.handleMessage)
	conn.SetCloseHandler(s.handleClose)
	reg.RegisterViewer(viewerID, s)
	return s
}

// ID implements registry.ViewerHandle.
func (s *Session) ID() string { return s.viewerID }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsSubscribed implements registry.ViewerHandle.
func (s *Session) IsSubscribed(producerID, monitorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wildcard {
		return true
	}
	if _, ok := s.subs[subscriptionKey{producerID, monitorID}]; ok {
		return true
	}
	_, ok := s.subs[subscriptionKey{producerID, ""}]
	return ok
}

// EnqueueFrame implements registry.ViewerHandle: apply the drop-oldest
// backpressure policy, then hand off to the writer goroutine.
func (s *Session) EnqueueFrame(producerID, monitorID string, data []byte) {
	key := subscriptionKey{producerID: producerID, monitorID: monitorID}
	s.mu.Lock()
	q, ok := s.queues[key]
	if !ok {
		q = &monitorQueue{}
		s.queues[key] = q
	}
	s.mu.Unlock()

	q.pushDropOldest(data, FrameQueueDepth)
	q.flush(s.conn.TrySend)
}

// EnqueueControl implements registry.ViewerHandle. Control messages are
// never dropped; a full queue past the hard limit disconnects the viewer.
func (s *Session) EnqueueControl(data []byte) {
	if err := s.conn.Send(data); err != nil {
		s.log.WithError(err).Warn("viewer: control send failed, disconnecting as slow_consumer")
		s.disconnectSlowConsumer()
	}
}

func (s *Session) disconnectSlowConsumer() {
	s.sendCloseReason(protocol.CloseInternalError, protocol.ReasonSlowConsumer)
	s.conn.Close()
}

func (s *Session) sendCloseReason(code int, reason string) {
	_ = s.conn.Send(mustJSON(protocol.ErrorMsg{Type: protocol.TypeError, Reason: reason, Fatal: true}))
}

func (s *Session) handleMessage(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		s.sendError("malformed_json", false)
		return
	}

	switch env.Type {
	case protocol.TypeHandshake:
		s.handleHandshake(env.Raw)
	case protocol.TypeListProducers:
		s.handleListProducers()
	case protocol.TypeSubscribe:
		s.handleSubscribe(env.Raw, true)
	case protocol.TypeUnsubscribe:
		s.handleSubscribe(env.Raw, false)
	case protocol.TypeFrameAck:
		s.handleFrameAck(env.Raw)
	default:
		if protocol.IsCommandKind(env.Type) {
			s.handleCommand(env.Type, env.Raw)
			return
		}
		s.sendError("unknown_message_type", false)
	}
}

func (s *Session) handleHandshake(raw json.RawMessage) {
	var msg protocol.HandshakeMsg
	_ = json.Unmarshal(raw, &msg)

	s.mu.Lock()
	s.state = StateSubscribed
	s.mu.Unlock()

	s.sendJSON(protocol.HandshakeAckMsg{Type: protocol.TypeHandshakeAck, ClientID: s.viewerID, DBRegistered: false})
}

func (s *Session) handleListProducers() {
	records, err := s.cat.ListActive(context.Background())
	if err != nil {
		s.log.WithError(err).Warn("viewer: list_producers failed")
		s.sendError("catalog_unavailable", false)
		return
	}

	now := time.Now()
	views := make([]protocol.ProducerView, 0, len(records))
	for _, r := range records {
		_, localConnected := s.reg.Producer(r.ProducerID)
		monitors := make([]protocol.Monitor, 0, len(r.Monitors))
		for _, m := range r.Monitors {
			monitors = append(monitors, protocol.Monitor{Index: m.Index, Name: m.Name, NativeWidth: m.NativeWidth, NativeHeight: m.NativeHeight})
		}
		views = append(views, protocol.ProducerView{
			ID:        r.ProducerID,
			Name:      r.DisplayName,
			Monitors:  monitors,
			Connected: localConnected || r.Connected(now, catalog.LivenessWindow),
			Streaming: r.IsStreaming,
		})
	}
	s.sendJSON(protocol.ProducerListMsg{Type: protocol.TypeProducerList, Producers: views})
}

func (s *Session) handleSubscribe(raw json.RawMessage, subscribe bool) {
	var msg protocol.SubscribeMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.ProducerID == "" {
		s.sendError("malformed_subscribe", false)
		return
	}
	key := subscriptionKey{producerID: msg.ProducerID, monitorID: msg.MonitorID}

	s.mu.Lock()
	if subscribe {
		s.subs[key] = struct{}{}
	} else {
		delete(s.subs, key)
	}
	s.mu.Unlock()
}

func (s *Session) handleCommand(kind string, raw json.RawMessage) {
	var msg protocol.CommandMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.DesktopClientID == "" {
		s.sendError("malformed_command", false)
		return
	}
	msg.Type = kind

	envelope, err := json.Marshal(msg)
	if err != nil {
		s.sendError("encode_failed", false)
		return
	}

	idempotencyKey := relayid.NewIdempotencyKey(s.viewerID, time.Now().UnixNano()-s.startNS)
	result := s.rtr.RouteCommand(context.Background(), msg.DesktopClientID, idempotencyKey, kind, envelope, s.viewerID)
	if result.Err != nil {
		s.sendJSON(protocol.CommandResultOutMsg{Type: protocol.TypeCommandResultOut, Status: "failed", Error: result.Err.Error()})
		return
	}
	s.sendJSON(protocol.CommandAckMsg{Type: protocol.TypeCommandAck, CommandID: result.CommandID, Status: "pending"})
}

func (s *Session) handleFrameAck(raw json.RawMessage) {
	var msg protocol.FrameAckMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	s.rtr.RouteFrameAck(context.Background(), msg, s.viewerID)
}

func (s *Session) handleClose(err error) {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.reg.UnregisterViewer(s.viewerID)
}

func (s *Session) sendJSON(v any) {
	data, encErr := json.Marshal(v)
	if encErr != nil {
		s.log.WithError(encErr).Warn("viewer: failed to encode outbound message")
		return
	}
	s.EnqueueControl(data)
}

func (s *Session) sendError(reason string, fatal bool) {
	s.sendJSON(protocol.ErrorMsg{Type: protocol.TypeError, Reason: reason, Fatal: fatal})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
