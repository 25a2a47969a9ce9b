package connection_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/converse-live/connection"
	"github.com/room4-2/converse-live/messages"
)

const waitTimeout = 2 * time.Second

// peer is an in-process WebSocket server standing in for the relay.
type peer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	paths chan string
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	p := &peer{
		conns: make(chan *websocket.Conn, 4),
		paths: make(chan string, 4),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.paths <- r.URL.Path
		p.conns <- conn
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/ws/session"
}

func (p *peer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-p.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(waitTimeout):
		t.Fatal("peer: no connection")
		return nil
	}
}

// recorder collects everything the Manager emits.
type recorder struct {
	statuses chan connection.Status
	binary   chan []byte
	control  chan messages.Control

	mu     sync.Mutex
	errors []error
}

func newRecorder() *recorder {
	return &recorder{
		statuses: make(chan connection.Status, 32),
		binary:   make(chan []byte, 32),
		control:  make(chan messages.Control, 32),
	}
}

func (r *recorder) handlers() connection.Handlers {
	return connection.Handlers{
		OnStatus: func(s connection.Status, err error) {
			if err != nil {
				r.mu.Lock()
				r.errors = append(r.errors, err)
				r.mu.Unlock()
			}
			r.statuses <- s
		},
		OnBinary:  func(b []byte) { r.binary <- b },
		OnControl: func(m messages.Control) { r.control <- m },
	}
}

func (r *recorder) expectStatuses(t *testing.T, want ...connection.Status) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-r.statuses:
			require.Equal(t, w, got)
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for status %v", w)
		}
	}
}

func (r *recorder) expectNoStatus(t *testing.T) {
	t.Helper()
	select {
	case got := <-r.statuses:
		t.Fatalf("unexpected status %v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func newManager(t *testing.T, p *peer) (*connection.Manager, *recorder) {
	t.Helper()
	m := connection.NewManager(connection.Options{BaseURL: p.url()})
	rec := newRecorder()
	m.Subscribe(rec.handlers())
	t.Cleanup(m.Close)
	return m, rec
}

func readText(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(waitTimeout))
	typ, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)
	return string(data)
}

func TestConnect_SendsConfigFirst(t *testing.T) {
	p := newPeer(t)
	m, rec := newManager(t, p)

	require.NoError(t, m.Connect(context.Background(), "session-1", "tutor"))
	conn := p.accept(t)

	assert.Equal(t, "/ws/session/session-1", <-p.paths)
	assert.Equal(t, `{"type":"config","preset":"tutor"}`, readText(t, conn))
	rec.expectStatuses(t, connection.StatusConnecting, connection.StatusConnected)
	assert.Equal(t, connection.StatusConnected, m.Status())
	assert.Equal(t, "session-1", m.SessionID())
}

func TestConnect_NoOpWhenConnected(t *testing.T) {
	p := newPeer(t)
	m, rec := newManager(t, p)

	require.NoError(t, m.Connect(context.Background(), "s", "general"))
	p.accept(t)
	rec.expectStatuses(t, connection.StatusConnecting, connection.StatusConnected)

	require.NoError(t, m.Connect(context.Background(), "other", "general"))
	rec.expectNoStatus(t)
	assert.Equal(t, "s", m.SessionID())
	select {
	case <-p.conns:
		t.Fatal("second connect opened a new socket")
	default:
	}
}

func TestConnect_RejectsBadInput(t *testing.T) {
	m := connection.NewManager(connection.Options{BaseURL: "http://example.com"})
	defer m.Close()

	assert.Error(t, m.Connect(context.Background(), "", "general"))
	assert.Error(t, m.Connect(context.Background(), "s", "general"))
	assert.Equal(t, connection.StatusDisconnected, m.Status())
}

func TestConnect_DialFailureReportsErrorThenDisconnected(t *testing.T) {
	p := newPeer(t)
	url := p.url()
	p.srv.Close()

	m := connection.NewManager(connection.Options{BaseURL: url})
	defer m.Close()
	rec := newRecorder()
	m.Subscribe(rec.handlers())

	require.NoError(t, m.Connect(context.Background(), "s", "general"))
	rec.expectStatuses(t, connection.StatusConnecting, connection.StatusError, connection.StatusDisconnected)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errors, 1)
	var terr *connection.TransportError
	require.ErrorAs(t, rec.errors[0], &terr)
	assert.Equal(t, "dial", terr.Op)
}

// silentListener accepts TCP connections and never answers the handshake.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return "ws://" + ln.Addr().String() + "/ws/session"
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	m := connection.NewManager(connection.Options{
		BaseURL:          silentListener(t),
		HandshakeTimeout: 100 * time.Millisecond,
	})
	defer m.Close()
	rec := newRecorder()
	m.Subscribe(rec.handlers())

	require.NoError(t, m.Connect(context.Background(), "s", "general"))
	rec.expectStatuses(t, connection.StatusConnecting, connection.StatusError, connection.StatusDisconnected)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errors, 1)
	var terr *connection.TransportError
	require.ErrorAs(t, rec.errors[0], &terr)
	assert.Equal(t, "dial", terr.Op)
}

func TestConnect_HandshakeTimeoutLeavesCallerDialerUntouched(t *testing.T) {
	dialer := &websocket.Dialer{HandshakeTimeout: time.Minute}
	m := connection.NewManager(connection.Options{
		BaseURL:          silentListener(t),
		Dialer:           dialer,
		HandshakeTimeout: 50 * time.Millisecond,
	})
	defer m.Close()
	rec := newRecorder()
	m.Subscribe(rec.handlers())

	require.NoError(t, m.Connect(context.Background(), "s", "general"))
	rec.expectStatuses(t, connection.StatusConnecting, connection.StatusError, connection.StatusDisconnected)
	assert.Equal(t, time.Minute, dialer.HandshakeTimeout)
}

func TestDisconnect_CancelsDialInFlight(t *testing.T) {
	cancelled := make(chan error, 1)
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			<-ctx.Done()
			cancelled <- ctx.Err()
			return nil, ctx.Err()
		},
	}
	m := connection.NewManager(connection.Options{BaseURL: "ws://relay.invalid/ws/session", Dialer: dialer})
	defer m.Close()
	rec := newRecorder()
	m.Subscribe(rec.handlers())

	require.NoError(t, m.Connect(context.Background(), "s", "general"))
	rec.expectStatuses(t, connection.StatusConnecting)

	m.Disconnect()
	rec.expectStatuses(t, connection.StatusDisconnected)

	select {
	case err := <-cancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("dial still running after disconnect")
	}
	rec.expectNoStatus(t)
	assert.Equal(t, connection.StatusDisconnected, m.Status())
}

func TestSend_DroppedWhenNotConnected(t *testing.T) {
	m := connection.NewManager(connection.Options{BaseURL: "ws://127.0.0.1:1/ws"})
	defer m.Close()

	m.Send([]byte{1, 2})
	m.SendControl(messages.Text{Text: "hi"})
	assert.Equal(t, int64(2), m.Dropped())
	assert.Equal(t, int64(0), m.Sent())
}

func TestSend_BinaryAndControlReachPeer(t *testing.T) {
	p := newPeer(t)
	m, rec := newManager(t, p)

	require.NoError(t, m.Connect(context.Background(), "s", "general"))
	conn := p.accept(t)
	rec.expectStatuses(t, connection.StatusConnecting, connection.StatusConnected)
	readText(t, conn) // config

	m.Send([]byte{1, 2, 3, 4})
	m.SendControl(messages.Text{Text: "hello"})

	conn.SetReadDeadline(time.Now().Add(waitTimeout))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
	assert.JSONEq(t, `{"type":"text","text":"hello"}`, readText(t, conn))
}

func TestInbound_Demultiplexed(t *testing.T) {
	p := newPeer(t)
	m, rec := newManager(t, p)

	require.NoError(t, m.Connect(context.Background(), "s", "general"))
	conn := p.accept(t)
	rec.expectStatuses(t, connection.StatusConnecting, connection.StatusConnected)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{9, 9}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session_ready","agent":"tutor"}`)))

	select {
	case b := <-rec.binary:
		assert.Equal(t, []byte{9, 9}, b)
	case <-time.After(waitTimeout):
		t.Fatal("no binary frame")
	}
	select {
	case c := <-rec.control:
		assert.Equal(t, messages.SessionReady{Agent: "tutor"}, c)
	case <-time.After(waitTimeout):
		t.Fatal("no control message")
	}
}

func TestInbound_MalformedControlIsDropped(t *testing.T) {
	p := newPeer(t)
	m, rec := newManager(t, p)

	require.NoError(t, m.Connect(context.Background(), "s", "general"))
	conn := p.accept(t)
	rec.expectStatuses(t, connection.StatusConnecting, connection.StatusConnected)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"turn_complete"}`)))

	select {
	case c := <-rec.control:
		assert.Equal(t, messages.TurnComplete{}, c)
	case <-time.After(waitTimeout):
		t.Fatal("connection did not survive malformed payload")
	}
	rec.expectNoStatus(t)
	assert.Equal(t, connection.StatusConnected, m.Status())
}

func TestDisconnect_Idempotent(t *testing.T) {
	p := newPeer(t)
	m, rec := newManager(t, p)

	m.Disconnect() // never connected
	rec.expectNoStatus(t)

	require.NoError(t, m.Connect(context.Background(), "s", "general"))
	p.accept(t)
	rec.expectStatuses(t, connection.StatusConnecting, connection.StatusConnected)

	m.Disconnect()
	m.Disconnect()
	rec.expectStatuses(t, connection.StatusDisconnected)
	rec.expectNoStatus(t)

	m.Send([]byte{1})
	assert.Equal(t, int64(1), m.Dropped())
}

func TestPeerClose_Normal(t *testing.T) {
	p := newPeer(t)
	m, rec := newManager(t, p)

	require.NoError(t, m.Connect(context.Background(), "s", "general"))
	conn := p.accept(t)
	rec.expectStatuses(t, connection.StatusConnecting, connection.StatusConnected)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	rec.expectStatuses(t, connection.StatusDisconnected)
	rec.expectNoStatus(t)
}

func TestPeerClose_AbruptIsTransportError(t *testing.T) {
	p := newPeer(t)
	m, rec := newManager(t, p)

	require.NoError(t, m.Connect(context.Background(), "s", "general"))
	conn := p.accept(t)
	rec.expectStatuses(t, connection.StatusConnecting, connection.StatusConnected)

	conn.UnderlyingConn().Close()
	rec.expectStatuses(t, connection.StatusError, connection.StatusDisconnected)
	assert.Equal(t, connection.StatusDisconnected, m.Status())
}

func TestReconnectAfterDisconnect(t *testing.T) {
	p := newPeer(t)
	m, rec := newManager(t, p)

	require.NoError(t, m.Connect(context.Background(), "first", "general"))
	p.accept(t)
	rec.expectStatuses(t, connection.StatusConnecting, connection.StatusConnected)
	m.Disconnect()
	rec.expectStatuses(t, connection.StatusDisconnected)

	require.NoError(t, m.Connect(context.Background(), "second", "tutor"))
	conn := p.accept(t)
	rec.expectStatuses(t, connection.StatusConnecting, connection.StatusConnected)
	assert.Equal(t, `{"type":"config","preset":"tutor"}`, readText(t, conn))
}

func TestClose_DeliversFinalDisconnected(t *testing.T) {
	for i := 0; i < 20; i++ {
		p := newPeer(t)
		m, rec := newManager(t, p)

		require.NoError(t, m.Connect(context.Background(), "s", "general"))
		p.accept(t)
		rec.expectStatuses(t, connection.StatusConnecting, connection.StatusConnected)

		m.Close()
		rec.expectStatuses(t, connection.StatusDisconnected)
		assert.Error(t, m.Connect(context.Background(), "s", "general"))
	}
}
