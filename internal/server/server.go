// Package server provides the relay's single HTTP listener: a WebSocket
// upgrade endpoint that dispatches to a Producer or Viewer Session depending
// on the client_type query parameter (§6), plus /healthz and /metrics.
// Modeled on the teacher's Server (internal/rtmp/server/server.go) — a
// Config struct with applyDefaults, a New/Start/Stop lifecycle, and a
// concurrent-safe connection registry — generalized from a raw TCP listener
// to an HTTP server routed with gorilla/mux.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/fluxdesk/relay/internal/catalog"
	"github.com/fluxdesk/relay/internal/commandstore"
	"github.com/fluxdesk/relay/internal/janitor"
	"github.com/fluxdesk/relay/internal/logger"
	"github.com/fluxdesk/relay/internal/metrics"
	"github.com/fluxdesk/relay/internal/producer"
	"github.com/fluxdesk/relay/internal/protocol"
	"github.com/fluxdesk/relay/internal/registry"
	"github.com/fluxdesk/relay/internal/router"
	"github.com/fluxdesk/relay/internal/viewer"
	"github.com/fluxdesk/relay/internal/wsconn"
)

// Config holds the server's tunables, mirroring the subset of
// internal/config.Config this package cares about so it stays testable
// without importing the full CLI configuration surface.
type Config struct {
	ListenAddr        string
	OutboundQueueSize int
	WriteRateLimit    float64
	WriteBurst        int
	ShutdownDrain     time.Duration
}

// applyDefaults mirrors the teacher's Config.applyDefaults.
func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.OutboundQueueSize == 0 {
		c.OutboundQueueSize = wsconn.DefaultOutboundQueueSize
	}
	if c.ShutdownDrain == 0 {
		c.ShutdownDrain = 2 * time.Second
	}
}

// Server wires together the Registry, Catalog, Command Store, Bus, Router
// and Janitor behind a single HTTP listener.
type Server struct {
	cfg Config
	log *logrus.Entry

	reg   *registry.Registry
	cat   catalog.Catalog
	store commandstore.Store
	rtr   *router.Router
	jan   *janitor.Janitor
	clock clockwork.Clock

	upgrader websocket.Upgrader

	httpSrv *http.Server
	mu      sync.Mutex
	ln      net.Listener
}

// New constructs an unstarted Server. The caller assembles the Catalog/
// Command Store/Bus backends (memory or durable) and passes them in,
// keeping backend selection out of this package per the teacher's pattern
// of a thin Server over already-constructed collaborators.
func New(cfg Config, reg *registry.Registry, cat catalog.Catalog, store commandstore.Store, rtr *router.Router, jan *janitor.Janitor, clock clockwork.Clock) *Server {
	cfg.applyDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Server{
		cfg:   cfg,
		log:   logger.Logger().WithField("component", "server"),
		reg:   reg,
		cat:   cat,
		store: store,
		rtr:   rtr,
		jan:   jan,
		clock: clock,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	return s
}

// Handler builds the routed HTTP handler, exported separately from Start so
// tests can drive it with httptest.Server without binding a real port.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleUpgrade)
	r.HandleFunc("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientType := protocol.ClientType(r.URL.Query().Get("client_type"))
	if clientType != protocol.ClientTypeDesktop && clientType != protocol.ClientTypeWeb {
		http.Error(w, "client_type must be desktop or web", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("server: websocket upgrade failed")
		return
	}

	conn := wsconn.New(ws, s.cfg.OutboundQueueSize)
	if s.cfg.WriteRateLimit > 0 {
		conn.SetRateLimit(s.cfg.WriteRateLimit, s.cfg.WriteBurst)
	}

	label := string(clientType)
	metrics.ConnectionsTotal.WithLabelValues(label).Inc()
	metrics.ConnectionsActive.WithLabelValues(label).Inc()
	go func() {
		<-conn.Context().Done()
		metrics.ConnectionsActive.WithLabelValues(label).Dec()
	}()

	switch clientType {
	case protocol.ClientTypeDesktop:
		producer.New(conn, s.cat, s.store, s.rtr, s.reg, s.clock)
	case protocol.ClientTypeWeb:
		viewer.New(conn, s.cat, s.rtr, s.reg)
	}

	conn.Start()
}

// Start binds the listener and begins serving. The Janitor, if non-nil, is
// started on its own goroutine bound to the same lifetime.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	s.httpSrv = &http.Server{Handler: s.Handler()}
	s.mu.Unlock()

	if s.jan != nil {
		go s.jan.Run(ctx)
	}

	s.log.WithField("addr", ln.Addr().String()).Info("server: listening")
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("server: serve failed")
		}
	}()
	return nil
}

// Addr returns the bound listener address (nil if not started).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop shuts down the HTTP server: it stops accepting connections and waits
// up to cfg.ShutdownDrain for in-flight HTTP requests. Upgraded WebSocket
// connections are hijacked, so Shutdown neither waits for nor closes them,
// and their outbound queues are not drained.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownDrain)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return srv.Close()
	}
	s.log.Info("server: stopped")
	return nil
}
