// Package wsconn provides the WebSocket connection lifecycle glue shared by
// Producer and Viewer sessions: upgrade bookkeeping, a reader goroutine and
// a writer goroutine separated by a bounded outbound channel so a slow peer
// never blocks message parsing (§5: "a reader task and a writer task are
// separated by a bounded channel").
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	relayerrors "github.com/fluxdesk/relay/internal/errors"
	"github.com/fluxdesk/relay/internal/logger"
)

// Default tunables (§5, §9).
const (
	DefaultOutboundQueueSize = 32
	DefaultWriteTimeout      = 5 * time.Second
	DefaultSendTimeout       = 200 * time.Millisecond
	DefaultPongWait          = 60 * time.Second
	DefaultPingPeriod        = (DefaultPongWait * 9) / 10
)

var connCounter uint64

func nextID() string { return fmt.Sprintf("ws%08d", atomic.AddUint64(&connCounter, 1)) }

// Conn wraps a *websocket.Conn with the reader/writer goroutine split used
// by every producer and viewer session. Callers install a message handler
// before calling Start, then use Send/TrySend to enqueue outbound
// traffic; the writer goroutine drains the queue independently of the
// reader.
type Conn struct {
	id         string
	ws         *websocket.Conn
	remoteAddr net.Addr
	acceptedAt time.Time
	log        *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	outbound chan []byte
	onText   func([]byte)
	onClose  func(error)
	limiter  *rate.Limiter

	closeOnce sync.Once
}

// New wraps an already-upgraded websocket connection. SetMessageHandler and
// SetCloseHandler must be called before Start.
func New(ws *websocket.Conn, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultOutboundQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := nextID()
	c := &Conn{
		id:         id,
		ws:         ws,
		remoteAddr: ws.RemoteAddr(),
		acceptedAt: time.Now(),
		log:        logger.WithConn(logger.Logger(), id, ws.RemoteAddr().String()),
		ctx:        ctx,
		cancel:     cancel,
		outbound:   make(chan []byte, queueSize),
	}
	return c
}

// ID returns the connection's logical identifier (distinct from any
// producer/viewer id negotiated later in the handshake).
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the underlying socket's peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.remoteAddr }

// Context is cancelled once the connection starts shutting down.
func (c *Conn) Context() context.Context { return c.ctx }

// SetMessageHandler installs the callback invoked by the reader goroutine
// for every inbound text frame. Must be called before Start.
func (c *Conn) SetMessageHandler(fn func([]byte)) { c.onText = fn }

// SetCloseHandler installs the callback invoked once, when the connection's
// read or write loop terminates (whatever the cause).
func (c *Conn) SetCloseHandler(fn func(error)) { c.onClose = fn }

// SetRateLimit caps outbound writes to eventsPerSec with the given burst,
// smoothing a producer's frame bursts across a write instead of letting the
// bounded outbound queue absorb the whole spike. Must be called before
// Start; nil/zero leaves writes unlimited.
func (c *Conn) SetRateLimit(eventsPerSec float64, burst int) {
	if eventsPerSec <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(eventsPerSec), burst)
}

// Start launches the reader and writer goroutines.
func (c *Conn) Start() {
	c.ws.SetReadDeadline(time.Now().Add(DefaultPongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(DefaultPongWait))
		return nil
	})

	c.startWriteLoop()
	c.startReadLoop()
}

// Send enqueues data for the writer goroutine, applying the bounded
// send-timeout backpressure policy (§5). Returns a BackpressureError if the
// queue is still full after the timeout.
func (c *Conn) Send(data []byte) error {
	timer := time.NewTimer(DefaultSendTimeout)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return errors.New("wsconn: connection closed")
	case c.outbound <- data:
		return nil
	case <-timer.C:
		return relayerrors.NewBackpressureError("send", fmt.Errorf("outbound queue full (len=%d)", len(c.outbound)))
	}
}

// TrySend enqueues data without blocking, dropping it and returning false if
// the queue is full. Used for frame fan-out, where the caller (viewer
// session) has already decided a drop-oldest policy upstream and just needs
// a non-blocking handoff to the writer.
func (c *Conn) TrySend(data []byte) bool {
	select {
	case c.outbound <- data:
		return true
	default:
		return false
	}
}

// Close cancels the connection context and closes the underlying socket,
// unblocking both goroutines. Safe to call multiple times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()
	})
	c.wg.Wait()
	return nil
}

// CloseWithCode writes a WebSocket close control frame carrying code/reason
// before tearing down the connection, for the protocol-level disconnects
// §6 specifies by code (e.g. 1008 after registration_failed).
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.ws.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	return c.Close()
}

func (c *Conn) startReadLoop() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.terminate(nil)

		for {
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				if isExpectedClose(err) {
					c.log.Debug("wsconn: read loop closed")
				} else {
					c.log.WithError(err).Warn("wsconn: read loop error")
				}
				c.terminate(err)
				return
			}
			if c.onText != nil {
				c.onText(data)
			}
		}
	}()
}

func (c *Conn) startWriteLoop() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(DefaultPingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-c.ctx.Done():
				return
			case data, ok := <-c.outbound:
				if !ok {
					return
				}
				if c.limiter != nil {
					if err := c.limiter.Wait(c.ctx); err != nil {
						return
					}
				}
				c.ws.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
				if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
					c.log.WithError(err).Warn("wsconn: write loop error")
					c.terminate(err)
					return
				}
			case <-ticker.C:
				c.ws.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
				if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					c.terminate(err)
					return
				}
			}
		}
	}()
}

// terminate runs the close handler exactly once, regardless of which
// goroutine (or Close) observed the failure first.
func (c *Conn) terminate(err error) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()
		if c.onClose != nil {
			c.onClose(err)
		}
	})
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
