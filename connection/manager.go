// Package connection owns the single persistent WebSocket link of a live
// session. Binary frames carry raw PCM, text frames carry JSON control
// messages; the Manager multiplexes both directions over one socket.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/converse-live/messages"
)

const (
	defaultSendQueue    = 64
	defaultWriteTimeout = 10 * time.Second
	closeGracePeriod    = time.Second
	maxMessageSize      = 512 * 1024
)

// Handlers receives everything the Manager emits. Callbacks run one at a
// time on the Manager's dispatch goroutine, in the order the events occurred,
// and may call back into the Manager. Events belonging to a link that has
// since been replaced by another Connect or Disconnect are not delivered.
type Handlers struct {
	// OnStatus is called once per status transition. err is set for
	// transitions to StatusError.
	OnStatus  func(status Status, err error)
	OnBinary  func(data []byte)
	OnControl func(msg messages.Control)
}

// Options configures a Manager.
type Options struct {
	// BaseURL is the WebSocket endpoint; the session id is appended as the
	// last path segment.
	BaseURL string

	// Dialer defaults to a copy of websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// SendQueue bounds the outbound queue. Sends beyond it are dropped.
	SendQueue int

	// HandshakeTimeout bounds the opening handshake. Zero keeps the
	// dialer's own setting.
	HandshakeTimeout time.Duration

	WriteTimeout time.Duration
}

type eventKind int

const (
	eventStatus eventKind = iota
	eventBinary
	eventControl
)

type event struct {
	kind    eventKind
	gen     uint64
	status  Status
	err     error
	data    []byte
	control messages.Control
}

type outbound struct {
	messageType int
	data        []byte
}

// link is one open socket. It is replaced on every connect.
type link struct {
	conn      *websocket.Conn
	out       chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod),
		)
		l.conn.Close()
	})
}

// Manager is the client side of the live session link. All methods are safe
// for concurrent use and none of them waits on the network.
type Manager struct {
	opts   Options
	dialer *websocket.Dialer

	mu        sync.Mutex
	status    Status
	gen       atomic.Uint64 // bumped under mu on every connect and disconnect
	link      *link
	sessionID string
	// cancelDial aborts the handshake in flight, if any.
	cancelDial context.CancelFunc

	handlersMu sync.RWMutex
	handlers   Handlers

	// Events are queued without bound so that no producer ever waits on a
	// subscriber.
	eventsMu sync.Mutex
	events   []event
	wake     chan struct{}
	quit     chan struct{}
	closed   atomic.Bool

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewManager creates a Manager and starts its dispatch goroutine. Call Close
// to stop it.
func NewManager(opts Options) *Manager {
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	base := opts.Dialer
	if base == nil {
		base = websocket.DefaultDialer
	}
	dialer := new(websocket.Dialer)
	*dialer = *base
	if opts.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = opts.HandshakeTimeout
	}

	m := &Manager{
		opts:   opts,
		dialer: dialer,
		status: StatusDisconnected,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// Subscribe installs the single event subscriber, replacing any previous one.
func (m *Manager) Subscribe(h Handlers) {
	m.handlersMu.Lock()
	m.handlers = h
	m.handlersMu.Unlock()
}

// Status returns the current transport status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SessionID returns the id of the current or most recent connection.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Sent returns the number of frames handed to the socket.
func (m *Manager) Sent() int64 { return m.sent.Load() }

// Dropped returns the number of outbound frames discarded because the link
// was not connected or the queue was full.
func (m *Manager) Dropped() int64 { return m.dropped.Load() }

// Connect opens the link for sessionID in the background. Once the socket is
// open a config message carrying presetID is queued ahead of anything else.
// Connect is a no-op while connecting or connected. Dial failures are
// reported through OnStatus as StatusError followed by StatusDisconnected.
func (m *Manager) Connect(ctx context.Context, sessionID, presetID string) error {
	if m.closed.Load() {
		return errors.New("connection manager is closed")
	}
	if sessionID == "" {
		return errors.New("session id is required")
	}
	target, err := m.endpoint(sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.status == StatusConnecting || m.status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	gen := m.gen.Add(1)
	m.sessionID = sessionID
	dialCtx, cancel := context.WithCancel(ctx)
	m.cancelDial = cancel
	m.setStatusLocked(StatusConnecting, nil)
	m.mu.Unlock()

	go m.dial(dialCtx, cancel, gen, target, presetID)
	return nil
}

func (m *Manager) endpoint(sessionID string) (string, error) {
	base := strings.TrimRight(m.opts.BaseURL, "/")
	u, err := url.Parse(base + "/" + url.PathEscape(sessionID))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, target, presetID string) {
	defer cancel()
	conn, resp, err := m.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen.Load() {
		// Disconnected while dialing.
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.cancelDial = nil
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		log.Printf("❌ [%s] Connect failed: %v", shortID(m.sessionID), terr)
		m.setStatusLocked(StatusError, terr)
		m.setStatusLocked(StatusDisconnected, nil)
		return
	}

	conn.SetReadLimit(maxMessageSize)
	l := &link{
		conn: conn,
		out:  make(chan outbound, m.opts.SendQueue+1),
		done: make(chan struct{}),
	}
	m.link = l

	cfg, err := messages.Encode(messages.Config{Preset: presetID})
	if err == nil {
		l.out <- outbound{messageType: websocket.TextMessage, data: cfg}
	}

	m.setStatusLocked(StatusConnected, nil)
	log.Printf("✅ [%s] Connected to %s", shortID(m.sessionID), target)

	go m.writePump(gen, l)
	go m.readLoop(gen, l)
}

// Send queues one binary frame. It never blocks; the frame is dropped when
// the link is not connected or the queue is full.
func (m *Manager) Send(frame []byte) {
	m.enqueue(outbound{messageType: websocket.BinaryMessage, data: frame})
}

// SendControl queues one control message, with the same drop semantics as
// Send.
func (m *Manager) SendControl(msg messages.Control) {
	data, err := messages.Encode(msg)
	if err != nil {
		log.Printf("⚠️ [%s] Dropping control message: %v", shortID(m.SessionID()), err)
		m.dropped.Add(1)
		return
	}
	m.enqueue(outbound{messageType: websocket.TextMessage, data: data})
}

func (m *Manager) enqueue(msg outbound) {
	m.mu.Lock()
	l := m.link
	connected := m.status == StatusConnected
	m.mu.Unlock()

	if !connected || l == nil {
		m.dropped.Add(1)
		return
	}
	select {
	case <-l.done:
		m.dropped.Add(1)
	case l.out <- msg:
	default:
		m.dropped.Add(1)
	}
}

// Disconnect closes the link, aborting a handshake still in progress. It is
// idempotent and safe in any state. No binary or control event from the
// closed link is delivered after it returns.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen.Add(1)
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	l := m.link
	m.link = nil
	m.setStatusLocked(StatusDisconnected, nil)
	m.mu.Unlock()

	if l != nil {
		l.close()
		log.Printf("🔌 [%s] Disconnected", shortID(m.SessionID()))
	}
}

// Close disconnects and stops the dispatch goroutine once every queued event,
// including the final StatusDisconnected, has been delivered. The Manager
// cannot be reused afterwards.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.Disconnect()
	close(m.quit)
}

// writePump is the only writer on the socket.
func (m *Manager) writePump(gen uint64, l *link) {
	for {
		select {
		case <-l.done:
			return
		case msg := <-l.out:
			l.conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
			if err := l.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				m.fail(gen, l, &TransportError{Op: "write", Err: err})
				return
			}
			m.sent.Add(1)
		}
	}
}

func (m *Manager) readLoop(gen uint64, l *link) {
	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.closedByPeer(gen, l)
				return
			}
			m.fail(gen, l, &TransportError{Op: "read", Err: err})
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			m.emit(event{kind: eventBinary, gen: gen, data: data})
		case websocket.TextMessage:
			msg, err := messages.Decode(data)
			if err != nil {
				log.Printf("⚠️ [%s] Dropping inbound control message: %v", shortID(m.SessionID()), err)
				continue
			}
			m.emit(event{kind: eventControl, gen: gen, control: msg})
		}
	}
}

// closedByPeer handles an orderly close from the server.
func (m *Manager) closedByPeer(gen uint64, l *link) {
	m.mu.Lock()
	if gen != m.gen.Load() || m.link != l {
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.setStatusLocked(StatusDisconnected, nil)
	m.mu.Unlock()

	l.close()
	log.Printf("🔌 [%s] Connection closed by server", shortID(m.SessionID()))
}

// fail tears down the link after a transport error: error, then disconnected.
func (m *Manager) fail(gen uint64, l *link, err error) {
	m.mu.Lock()
	if gen != m.gen.Load() || m.link != l {
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.setStatusLocked(StatusError, err)
	m.setStatusLocked(StatusDisconnected, nil)
	m.mu.Unlock()

	l.close()
	log.Printf("❌ [%s] Connection lost: %v", shortID(m.SessionID()), err)
}

// setStatusLocked records a transition and queues its notification. A
// transition to the current status is ignored. m.mu must be held.
func (m *Manager) setStatusLocked(s Status, err error) {
	if m.status == s {
		return
	}
	m.status = s
	m.emit(event{kind: eventStatus, gen: m.gen.Load(), status: s, err: err})
}

func (m *Manager) emit(ev event) {
	m.eventsMu.Lock()
	m.events = append(m.events, ev)
	m.eventsMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) dispatchLoop() {
	for {
		select {
		case <-m.quit:
			m.flushEvents()
			return
		case <-m.wake:
		}
		m.flushEvents()
	}
}

func (m *Manager) flushEvents() {
	m.eventsMu.Lock()
	batch := m.events
	m.events = nil
	m.eventsMu.Unlock()

	for _, ev := range batch {
		m.deliver(ev)
	}
}

func (m *Manager) deliver(ev event) {
	m.handlersMu.RLock()
	h := m.handlers
	m.handlersMu.RUnlock()
	current := m.gen.Load()

	switch ev.kind {
	case eventStatus:
		if ev.gen == current && h.OnStatus != nil {
			h.OnStatus(ev.status, ev.err)
		}
	case eventBinary:
		if ev.gen == current && h.OnBinary != nil {
			h.OnBinary(ev.data)
		}
	case eventControl:
		if ev.gen == current && h.OnControl != nil {
			h.OnControl(ev.control)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
