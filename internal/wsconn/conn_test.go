package wsconn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func newTestServer(t *testing.T, onServerConn func(*Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := New(ws, 4)
		onServerConn(c)
	}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, url
}

func TestConnEchoesTextMessages(t *testing.T) {
	received := make(chan []byte, 1)
	srv, url := newTestServer(t, func(c *Conn) {
		c.SetMessageHandler(func(data []byte) { received <- data })
		c.Start()
	})
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))

	select {
	case data := <-received:
		require.Equal(t, `{"type":"heartbeat"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive message")
	}
}

func TestConnSendDeliversToClient(t *testing.T) {
	var serverConn *Conn
	ready := make(chan struct{})
	srv, url := newTestServer(t, func(c *Conn) {
		serverConn = c
		c.Start()
		close(ready)
	})
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	<-ready
	require.NoError(t, serverConn.Send([]byte(`{"type":"handshake_ack"}`)))

	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, `{"type":"handshake_ack"}`, string(data))
}

func TestConnTrySendDropsWhenQueueFull(t *testing.T) {
	var serverConn *Conn
	ready := make(chan struct{})
	srv, url := newTestServer(t, func(c *Conn) {
		serverConn = c
		// Do not Start() the writer so the queue never drains, simulating a
		// stalled peer for this backpressure assertion.
		close(ready)
	})
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	<-ready
	ok := true
	for i := 0; i < 10 && ok; i++ {
		ok = serverConn.TrySend([]byte("x"))
	}
	require.False(t, ok, "expected TrySend to report queue full once capacity is exceeded")
}

func TestConnRateLimitThrottlesWrites(t *testing.T) {
	var serverConn *Conn
	ready := make(chan struct{})
	srv, url := newTestServer(t, func(c *Conn) {
		serverConn = c
		c.SetRateLimit(5, 1)
		c.Start()
		close(ready)
	})
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	<-ready
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, serverConn.Send([]byte("x")))
		_, _, err := client.ReadMessage()
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond, "rate limiter should have throttled the burst below its configured rate")
}

func TestConnCloseUnblocksReaderAndWriter(t *testing.T) {
	var serverConn *Conn
	ready := make(chan struct{})
	srv, url := newTestServer(t, func(c *Conn) {
		serverConn = c
		c.Start()
		close(ready)
	})
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	<-ready
	done := make(chan struct{})
	go func() {
		serverConn.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return promptly")
	}
}

func TestConnCloseWithCodeSendsCloseFrame(t *testing.T) {
	var serverConn *Conn
	ready := make(chan struct{})
	srv, url := newTestServer(t, func(c *Conn) {
		serverConn = c
		c.Start()
		close(ready)
	})
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	<-ready
	require.NoError(t, serverConn.CloseWithCode(websocket.ClosePolicyViolation, "bad_registration"))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "expected close code 1008, got: %v", err)
}
