package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/room4-2/converse-live/functions"
	"github.com/room4-2/converse-live/gemini"
	"github.com/room4-2/converse-live/messages"
	"github.com/room4-2/converse-live/presets"
)

const (
	writeBufferSize  = 256
	writeTimeout     = 10 * time.Second
	closeGracePeriod = time.Second
	maxMessageSize   = 512 * 1024
)

// Upstream is the model side of a relayed session. *gemini.Proxy satisfies
// it.
type Upstream interface {
	Receive(ctx context.Context, h gemini.Handlers) error
	SendAudio(pcm []byte) error
	SendImage(jpeg []byte) error
	SendText(text string) error
	SendToolResponse(responses []*genai.FunctionResponse) error
	Close() error
}

// Inbound is one message read from the client socket.
type Inbound struct {
	Type int
	Data []byte
	Err  error
}

type outbound struct {
	messageType int
	data        []byte
}

// Session relays one client WebSocket to one upstream Live session
type Session struct {
	ID        string
	Preset    presets.Preset
	CreatedAt time.Time

	conn     *websocket.Conn
	upstream Upstream
	turns    *TurnLog

	// Use channels for non-blocking writes
	writeChan   chan outbound
	pumpStarted atomic.Bool
	pumpDone    chan struct{}

	mu           sync.RWMutex
	lastActivity time.Time
	closed       bool
	closeOnce    sync.Once
	CloseChan    chan struct{}
}

func newSession(id string, preset presets.Preset, conn *websocket.Conn, upstream Upstream) *Session {
	conn.SetReadLimit(maxMessageSize)
	now := time.Now()
	return &Session{
		ID:           id,
		Preset:       preset,
		CreatedAt:    now,
		conn:         conn,
		upstream:     upstream,
		turns:        NewTurnLog(0),
		writeChan:    make(chan outbound, writeBufferSize),
		pumpDone:     make(chan struct{}),
		lastActivity: now,
		CloseChan:    make(chan struct{}),
	}
}

// Run announces the session to the client and forwards traffic both ways
// until either side ends or ctx is cancelled. first, if not nil, delivers a
// message already read from the socket before it is read again.
func (cs *Session) Run(ctx context.Context, first <-chan Inbound) error {
	cs.pumpStarted.Store(true)
	go cs.writePump()

	cs.queueControl(messages.SessionReady{SessionID: cs.ID, Agent: cs.Preset.ID})
	log.Printf("✅ [%s] Session is live (agent=%s)", shortID(cs.ID), cs.Preset.ID)

	go func() {
		select {
		case <-ctx.Done():
			cs.Close()
		case <-cs.CloseChan:
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cs.forwardClient(first) })
	g.Go(func() error { return cs.forwardUpstream(gctx) })
	return g.Wait()
}

// forwardClient reads the client socket: binary frames are PCM audio, text
// frames are control messages.
func (cs *Session) forwardClient(first <-chan Inbound) error {
	defer cs.Close()

	for {
		in := cs.read(first)
		first = nil
		if in.Err != nil {
			if cs.IsClosed() || websocket.IsCloseError(in.Err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("client read: %w", in.Err)
		}
		cs.touch()

		switch in.Type {
		case websocket.BinaryMessage:
			if err := cs.upstream.SendAudio(in.Data); err != nil {
				return cs.upstreamFailed(err)
			}
		case websocket.TextMessage:
			msg, err := messages.Decode(in.Data)
			if err != nil {
				log.Printf("⚠️ [%s] Dropping client message: %v", shortID(cs.ID), err)
				continue
			}
			if err := cs.handleClientControl(msg); err != nil {
				return cs.upstreamFailed(err)
			}
		}
	}
}

func (cs *Session) read(first <-chan Inbound) Inbound {
	if first != nil {
		select {
		case in := <-first:
			return in
		case <-cs.CloseChan:
			return Inbound{Err: errors.New("session closed")}
		}
	}
	mt, data, err := cs.conn.ReadMessage()
	return Inbound{Type: mt, Data: data, Err: err}
}

func (cs *Session) handleClientControl(msg messages.Control) error {
	switch m := msg.(type) {
	case messages.Image:
		jpeg, err := m.Decode()
		if err != nil {
			log.Printf("⚠️ [%s] Invalid image payload: %v", shortID(cs.ID), err)
			return nil
		}
		if len(jpeg) == 0 {
			return nil
		}
		if err := cs.upstream.SendImage(jpeg); err != nil {
			return err
		}
		cs.turns.Append("user", "image", "")
	case messages.Text:
		if m.Text == "" {
			return nil
		}
		if err := cs.upstream.SendText(m.Text); err != nil {
			return err
		}
		cs.turns.Append("user", "text", m.Text)
	case messages.Config:
		log.Printf("⚠️ [%s] Ignoring config after session start (preset=%s)", shortID(cs.ID), m.Preset)
	case messages.SessionReady, messages.Transcript, messages.InputTranscript, messages.TurnComplete,
		messages.Interrupted, messages.Error, messages.Unknown:
	}
	return nil
}

// forwardUpstream relays model output to the client.
func (cs *Session) forwardUpstream(ctx context.Context) error {
	defer cs.Close()

	err := cs.upstream.Receive(ctx, gemini.Handlers{
		OnAudio: func(pcm []byte) {
			cs.touch()
			cs.queue(outbound{messageType: websocket.BinaryMessage, data: pcm})
		},
		OnTranscript: func(text string) {
			cs.touch()
			cs.queueControl(messages.Transcript{Text: text})
			cs.turns.Append("assistant", "text", text)
		},
		OnInputTranscript: func(text string) {
			cs.queueControl(messages.InputTranscript{Text: text})
			cs.turns.Append("user", "text", text)
		},
		OnInterrupted: func() {
			log.Printf("✋ [%s] Interrupted", shortID(cs.ID))
			cs.queueControl(messages.Interrupted{})
		},
		OnTurnComplete: func() {
			cs.queueControl(messages.TurnComplete{})
		},
		OnToolCall: cs.handleToolCalls,
	})
	if err != nil {
		return cs.upstreamFailed(err)
	}
	return nil
}

// upstreamFailed reports an upstream failure to the client before the
// session closes.
func (cs *Session) upstreamFailed(err error) error {
	if cs.IsClosed() {
		return nil
	}
	log.Printf("❌ [%s] Upstream error: %v", shortID(cs.ID), err)
	cs.queueControl(messages.Error{Message: err.Error()})
	return err
}

// handleToolCalls processes function calls from Gemini and sends responses
func (cs *Session) handleToolCalls(calls []*genai.FunctionCall) {
	responses := make([]*genai.FunctionResponse, 0, len(calls))
	for _, fc := range calls {
		log.Printf("🔧 [%s] Function call: %s (id: %s)", shortID(cs.ID), fc.Name, fc.ID)
		responses = append(responses, functions.Call(fc, cs.Preset))
	}

	if err := cs.upstream.SendToolResponse(responses); err != nil {
		log.Printf("❌ [%s] Failed to send tool response: %v", shortID(cs.ID), err)
		cs.queueControl(messages.Error{Message: err.Error()})
	}
}

// writePump handles all outgoing messages in a single goroutine
func (cs *Session) writePump() {
	defer close(cs.pumpDone)
	defer cs.conn.Close()

	for {
		select {
		case <-cs.CloseChan:
			if !cs.drain() {
				return
			}
			cs.conn.SetWriteDeadline(time.Now().Add(closeGracePeriod))
			cs.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return
		case msg := <-cs.writeChan:
			if err := cs.write(msg); err != nil {
				log.Printf("❌ [%s] Client write error: %v", shortID(cs.ID), err)
				go cs.Close()
				return
			}
		}
	}
}

// drain writes what is already queued, typically a final error. It reports
// whether the socket is still writable.
func (cs *Session) drain() bool {
	for {
		select {
		case msg := <-cs.writeChan:
			if cs.write(msg) != nil {
				return false
			}
		default:
			return true
		}
	}
}

func (cs *Session) write(msg outbound) error {
	cs.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cs.conn.WriteMessage(msg.messageType, msg.data)
}

func (cs *Session) queueControl(msg messages.Control) {
	data, err := messages.Encode(msg)
	if err != nil {
		log.Printf("❌ [%s] Encode %s: %v", shortID(cs.ID), msg.Type(), err)
		return
	}
	cs.queue(outbound{messageType: websocket.TextMessage, data: data})
}

// queue adds a message to the write queue (non-blocking)
func (cs *Session) queue(msg outbound) {
	if cs.IsClosed() {
		return
	}
	select {
	case cs.writeChan <- msg:
	default:
		log.Printf("⚠️ [%s] Write queue full, dropping message", shortID(cs.ID))
	}
}

func (cs *Session) touch() {
	cs.mu.Lock()
	cs.lastActivity = time.Now()
	cs.mu.Unlock()
}

// LastActivity returns when traffic last flowed in either direction
func (cs *Session) LastActivity() time.Time {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.lastActivity
}

// Turns returns the session's conversation log
func (cs *Session) Turns() []Turn {
	return cs.turns.Turns()
}

// TurnCount returns how many turns were logged
func (cs *Session) TurnCount() int {
	return cs.turns.Count()
}

// IsClosed returns whether the session is closed
func (cs *Session) IsClosed() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.closed
}

// Close terminates the session, flushing queued messages to the client
// before closing its socket. It is idempotent.
func (cs *Session) Close() error {
	cs.closeOnce.Do(func() {
		cs.mu.Lock()
		cs.closed = true
		cs.mu.Unlock()

		close(cs.CloseChan)

		if err := cs.upstream.Close(); err != nil {
			log.Printf("⚠️ [%s] Upstream close: %v", shortID(cs.ID), err)
		}
		if cs.pumpStarted.Load() {
			<-cs.pumpDone
		} else {
			cs.conn.Close()
		}
	})
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
