// Package producer implements the Producer Session (C5): the desktop-agent
// side of the relay, carrying it through AwaitHandshake → Registered →
// {Idle, Streaming} → Closed (§4.5).
package producer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	relayerrors "github.com/fluxdesk/relay/internal/errors"

	"github.com/fluxdesk/relay/internal/bufpool"
	"github.com/fluxdesk/relay/internal/catalog"
	"github.com/fluxdesk/relay/internal/commandstore"
	"github.com/fluxdesk/relay/internal/logger"
	"github.com/fluxdesk/relay/internal/protocol"
	"github.com/fluxdesk/relay/internal/registry"
	"github.com/fluxdesk/relay/internal/relayid"
	"github.com/fluxdesk/relay/internal/wsconn"
)

// State is the Producer Session's lifecycle state (§4.5).
type State uint8

const (
	StateAwaitHandshake State = iota
	StateRegistered
	StateIdle
	StateStreaming
	StateClosed
)

// IdleWindow is the fixed idle window with no frames after which a
// Streaming session reverts to Idle (§4.5).
const IdleWindow = 15 * time.Second

// MaxPollCommands bounds poll_commands responses absent an explicit max.
const MaxPollCommands = 50

// MaxFrameBytes bounds a single decoded frame, rejecting a runaway producer
// before its payload reaches the Router/Bus fan-out path.
const MaxFrameBytes = 2 << 20

// Frame is emitted upward to the Router on every frame_data message.
type Frame struct {
	ProducerID string
	MonitorID  string
	Out        protocol.FrameOutMsg
}

// Router is the subset of router.Router a Producer Session depends on.
// Declared as an interface here (rather than importing router directly)
// keeps producer and router decoupled in either direction; router's
// concrete *Router satisfies this.
type Router interface {
	RouteFrame(ctx context.Context, producerID, monitorID string, frame protocol.FrameOutMsg)
	RouteFrameAck(ctx context.Context, ack protocol.FrameAckMsg, viewerID string)
	// NotifyCommandResult forwards a producer-reported terminal command
	// outcome to the viewer that issued it (§4.7 closing note).
	NotifyCommandResult(ctx context.Context, viewerID, commandID, status, errMsg string)
}

// Session is one producer's connected lifecycle.
type Session struct {
	conn  *wsconn.Conn
	cat   catalog.Catalog
	store commandstore.Store
	rtr   Router
	reg   *registry.Registry
	clock clockwork.Clock
	log   *logrus.Entry

	mu              sync.Mutex
	state           State
	producerID      string
	monitors        []protocol.Monitor
	capabilities    []string
	lastFrameByMon  map[string]uint64
	lastActivity    atomic.Int64 // unix nanos
	idleTimer       *time.Timer
}

// New constructs a Producer Session bound to an already-started wsconn.Conn.
func New(conn *wsconn.Conn, cat catalog.Catalog, store commandstore.Store, rtr Router, reg *registry.Registry, clock clockwork.Clock) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Session{
		conn:           conn,
		cat:            cat,
		store:          store,
		rtr:            rtr,
		reg:            reg,
		clock:          clock,
		log:            logger.WithConn(logger.Logger(), conn.ID(), conn.RemoteAddr().String()),
		state:          StateAwaitHandshake,
		lastFrameByMon: make(map[string]uint64),
	}
	s.touch()
	conn.SetMessageHandler(s.handleMessage)
	conn.SetCloseHandler(s.handleClose)
	return s
}

// ID implements registry.ProducerHandle.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.producerID
}

// SendEnvelope implements registry.ProducerHandle: deliver an already-
// encoded outbound message directly to this producer's socket.
func (s *Session) SendEnvelope(data []byte) error {
	return s.conn.Send(data)
}

// LastActivity implements registry.ProducerHandle, reporting seconds since
// the last observed local traffic — consulted by the Janitor (§4.8).
func (s *Session) LastActivity() float64 {
	last := time.Unix(0, s.lastActivity.Load())
	return s.clock.Now().Sub(last).Seconds()
}

// Close implements registry.ProducerHandle.
func (s *Session) Close() { s.conn.Close() }

func (s *Session) touch() { s.lastActivity.Store(s.clock.Now().UnixNano()) }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) handleMessage(data []byte) {
	s.touch()

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		s.sendError("malformed_json", false)
		return
	}

	switch env.Type {
	case protocol.TypeHandshake:
		s.handleHandshake(env.Raw)
	case protocol.TypeFrameData:
		s.handleFrameData(env.Raw)
	case protocol.TypeHeartbeat:
		s.handleHeartbeat()
	case protocol.TypePollCommands:
		s.handlePollCommands(env.Raw)
	case protocol.TypeCommandResult:
		s.handleCommandResult(env.Raw)
	case protocol.TypeStreamStatus:
		s.handleStreamStatus(env.Raw)
	default:
		s.sendError("unknown_message_type", false)
	}
}

func (s *Session) handleHandshake(raw json.RawMessage) {
	var msg protocol.HandshakeMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.failRegistration("malformed_handshake")
		return
	}
	if msg.ClientInfo.Name == "" {
		s.failRegistration("missing_client_info")
		return
	}

	producerID := msg.ClientInfo.UserID
	if producerID == "" {
		producerID = relayid.NewProducerID()
	}

	monitors := msg.ClientInfo.Monitors
	record := catalog.ProducerRecord{
		ProducerID:       producerID,
		DisplayName:      msg.ClientInfo.Name,
		Hostname:         msg.ClientInfo.Hostname,
		OwnerID:          msg.ClientInfo.UserID,
		Capabilities:     msg.ClientInfo.Capabilities,
		OwningInstanceID: relayid.InstanceID(),
	}
	for _, m := range monitors {
		record.Monitors = append(record.Monitors, catalog.Monitor{Index: m.Index, Name: m.Name, NativeWidth: m.NativeWidth, NativeHeight: m.NativeHeight})
	}

	if err := s.cat.Register(context.Background(), record); err != nil {
		s.log.WithError(relayerrors.NewHandshakeError("register", err)).Warn("producer: catalog registration failed")
		s.failRegistration("catalog_unavailable")
		return
	}

	s.mu.Lock()
	s.producerID = producerID
	s.monitors = monitors
	s.capabilities = msg.ClientInfo.Capabilities
	s.state = StateRegistered
	s.mu.Unlock()

	s.reg.RegisterProducer(producerID, s)
	s.log = logger.WithProducer(s.log, producerID, relayid.InstanceID())

	s.sendJSON(protocol.HandshakeAckMsg{Type: protocol.TypeHandshakeAck, ClientID: producerID, DBRegistered: true})
}

func (s *Session) failRegistration(reason string) {
	s.sendJSON(protocol.RegistrationFailedMsg{Type: protocol.TypeRegistrationFailed, Reason: reason})
	s.setState(StateClosed)
	s.conn.CloseWithCode(protocol.CloseRegistrationFailed, reason)
}

func (s *Session) handleFrameData(raw json.RawMessage) {
	var msg protocol.FrameDataMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError("malformed_frame_data", false)
		return
	}
	if !frameWithinBudget(msg.FrameData) {
		s.sendError("frame_too_large", false)
		return
	}

	s.mu.Lock()
	if s.producerID == "" {
		s.mu.Unlock()
		s.sendError("not_registered", true)
		return
	}
	producerID := s.producerID
	if s.state == StateRegistered || s.state == StateIdle {
		s.state = StateStreaming
	}
	s.mu.Unlock()

	s.resetIdleTimer()

	out := protocol.FrameOutMsg{
		Type:        protocol.TypeFrameData,
		ProducerID:  producerID,
		MonitorID:   msg.MonitorID,
		FrameNumber: msg.FrameNumber,
		FrameData:   msg.FrameData,
		Metadata:    msg.Metadata,
	}
	s.rtr.RouteFrame(context.Background(), producerID, msg.MonitorID, out)
}

// frameWithinBudget decodes b64 into a pooled buffer to check it fits
// MaxFrameBytes without retaining the allocation for the duration of the
// frame's trip through the Router.
func frameWithinBudget(b64 string) bool {
	n := base64.StdEncoding.DecodedLen(len(b64))
	if n > MaxFrameBytes || n < 0 {
		return false
	}
	buf := bufpool.Get(n)
	defer bufpool.Put(buf)
	_, err := base64.StdEncoding.Decode(buf, []byte(b64))
	return err == nil
}

// resetIdleTimer arms a timer that demotes Streaming to Idle after
// IdleWindow with no further frames (§4.5).
func (s *Session) resetIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(IdleWindow, func() {
		s.mu.Lock()
		if s.state == StateStreaming {
			s.state = StateIdle
		}
		s.mu.Unlock()
	})
}

func (s *Session) handleHeartbeat() {
	s.mu.Lock()
	producerID := s.producerID
	s.mu.Unlock()
	if producerID == "" {
		return
	}
	if err := s.cat.Heartbeat(context.Background(), producerID); err != nil {
		s.log.WithError(err).Debug("producer: heartbeat catalog update failed")
	}
	s.sendJSON(struct {
		Type string `json:"type"`
	}{Type: protocol.TypeHeartbeatAck})
}

func (s *Session) handlePollCommands(raw json.RawMessage) {
	var msg protocol.PollCommandsMsg
	_ = json.Unmarshal(raw, &msg)

	s.mu.Lock()
	producerID := s.producerID
	s.mu.Unlock()
	if producerID == "" {
		return
	}

	// poll_commands also functions as a heartbeat (§4.5).
	if err := s.cat.Heartbeat(context.Background(), producerID); err != nil {
		s.log.WithError(err).Debug("producer: poll heartbeat failed")
	}

	max := msg.Max
	if max <= 0 {
		max = MaxPollCommands
	}
	pending, err := s.store.FetchPending(context.Background(), producerID, max)
	if err != nil {
		s.log.WithError(err).Warn("producer: fetch pending commands failed")
		return
	}
	for _, cmd := range pending {
		s.sendJSON(protocol.CommandMsg{Type: cmd.Kind, DesktopClientID: producerID, Params: cmd.Payload})
	}
}

func (s *Session) handleCommandResult(raw json.RawMessage) {
	var msg protocol.CommandResultMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError("malformed_command_result", false)
		return
	}
	status := commandstore.StatusCompleted
	if msg.Status == "failed" {
		status = commandstore.StatusFailed
	}
	if err := s.store.MarkDone(context.Background(), msg.CommandID, status, msg.Error); err != nil {
		s.log.WithError(err).Warn("producer: mark-done on command_result failed")
	}

	rec, ok, err := s.store.Get(context.Background(), msg.CommandID)
	if err != nil {
		s.log.WithError(err).Debug("producer: lookup for command_result viewer notification failed")
		return
	}
	if ok {
		s.rtr.NotifyCommandResult(context.Background(), rec.IssuerViewerID, msg.CommandID, msg.Status, msg.Error)
	}
}

func (s *Session) handleStreamStatus(raw json.RawMessage) {
	var msg protocol.StreamStatusMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError("malformed_stream_status", false)
		return
	}
	s.mu.Lock()
	producerID := s.producerID
	s.mu.Unlock()
	if producerID == "" {
		return
	}
	if err := s.cat.SetStreaming(context.Background(), producerID, msg.Streaming); err != nil {
		s.log.WithError(err).Warn("producer: set-streaming failed")
	}
}

func (s *Session) handleClose(err error) {
	s.mu.Lock()
	s.state = StateClosed
	producerID := s.producerID
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()

	if producerID == "" {
		return
	}
	s.reg.UnregisterProducer(producerID, s)
	if unregErr := s.cat.Unregister(context.Background(), producerID); unregErr != nil {
		s.log.WithError(unregErr).Warn("producer: catalog unregister on close failed")
	}
}

func (s *Session) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(err).Warn("producer: failed to encode outbound message")
		return
	}
	if err := s.conn.Send(data); err != nil {
		s.log.WithError(err).Debug("producer: send failed")
	}
}

func (s *Session) sendError(reason string, fatal bool) {
	s.sendJSON(protocol.ErrorMsg{Type: protocol.TypeError, Reason: reason, Fatal: fatal})
}
