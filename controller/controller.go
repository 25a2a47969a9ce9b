// Package controller drives one live session at a time: it wires the
// microphone, camera and speaker to the connection, runs the session state
// machine and turns inbound control messages into UI notifications.
package controller

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/room4-2/converse-live/audio"
	"github.com/room4-2/converse-live/capture"
	"github.com/room4-2/converse-live/connection"
	"github.com/room4-2/converse-live/messages"
	"github.com/room4-2/converse-live/pacer"
	"github.com/room4-2/converse-live/playback"
)

const defaultNotifyBuffer = 256

var (
	ErrSessionActive = errors.New("a session is already active")
	ErrNoSession     = errors.New("no active session")
	ErrNotReady      = errors.New("session is not ready")
)

// Link is the transport side of a session. *connection.Manager satisfies it.
type Link interface {
	Subscribe(h connection.Handlers)
	Connect(ctx context.Context, sessionID, presetID string) error
	Send(frame []byte)
	SendControl(msg messages.Control)
	Disconnect()
}

// Devices are the hardware sources and sink a session uses.
type Devices struct {
	Microphone capture.Microphone
	Camera     pacer.Camera
	Output     playback.Output
	Frames     pacer.Options
}

// Options tunes a Controller.
type Options struct {
	// NotifyBuffer bounds the notification channel. Notifications beyond it
	// are dropped.
	NotifyBuffer int
	// NewSessionID defaults to a random UUID.
	NewSessionID func() string
}

// Controller owns the state of the current session. All commands are safe
// to call from any goroutine and in any state.
type Controller struct {
	link   Link
	mic    *capture.Pipeline
	cam    *pacer.Pacer
	player *playback.Scheduler
	newID  func() string

	notes chan Notification

	// ready gates outbound media and is read from the capture workers.
	ready atomic.Bool

	mu        sync.Mutex
	gen       uint64
	state     State
	sessionID string
	presetID  string
	agent     string
	user      strings.Builder
	assistant strings.Builder
}

// New creates an idle controller.
func New(link Link, dev Devices, opts Options) *Controller {
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = defaultNotifyBuffer
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = uuid.NewString
	}

	c := &Controller{
		link:  link,
		newID: opts.NewSessionID,
		notes: make(chan Notification, opts.NotifyBuffer),
	}
	c.mic = capture.NewPipeline(dev.Microphone, c.forwardAudio)
	c.cam = pacer.NewPacer(dev.Camera, c.forwardImage, dev.Frames)
	c.player = playback.NewScheduler(dev.Output)
	c.player.OnActivity(func(playing bool) {
		c.notify(AudioActivityChanged{Playing: playing})
	})
	return c
}

// Notifications returns the channel every notification is delivered on.
func (c *Controller) Notifications() <-chan Notification {
	return c.notes
}

// Start opens a new session for presetID. It returns once the connection
// attempt is under way; progress is reported through notifications.
func (c *Controller) Start(ctx context.Context, presetID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnecting, StateConnected:
		return ErrSessionActive
	case StateError, StateDisconnected:
		c.teardownLocked()
	}

	c.gen++
	gen := c.gen
	c.sessionID = c.newID()
	c.presetID = presetID
	c.agent = ""
	c.ready.Store(false)
	c.user.Reset()
	c.assistant.Reset()
	c.setStateLocked(StateConnecting, nil)

	c.link.Subscribe(connection.Handlers{
		OnStatus:  func(s connection.Status, err error) { c.onStatus(gen, s, err) },
		OnBinary:  func(data []byte) { c.onBinary(gen, data) },
		OnControl: func(msg messages.Control) { c.onControl(gen, msg) },
	})

	log.Printf("🚀 [%s] Starting session (preset=%s)", shortID(c.sessionID), presetID)
	if err := c.link.Connect(ctx, c.sessionID, presetID); err != nil {
		terr := &connection.TransportError{Op: "connect", Err: err}
		c.setStateLocked(StateError, terr)
		c.setStateLocked(StateDisconnected, nil)
		return terr
	}
	return nil
}

// ToggleMic starts or stops microphone capture and returns the new state.
func (c *Controller) ToggleMic() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.liveLocked() {
		return false, ErrNoSession
	}
	if c.mic.Active() {
		c.mic.Stop()
		log.Printf("🎤 [%s] Microphone off", shortID(c.sessionID))
		return false, nil
	}
	if err := c.mic.Start(); err != nil {
		log.Printf("❌ [%s] Microphone: %v", shortID(c.sessionID), err)
		return false, err
	}
	log.Printf("🎤 [%s] Microphone on", shortID(c.sessionID))
	return true, nil
}

// ToggleCamera starts or stops the frame pacer and returns the new state.
func (c *Controller) ToggleCamera() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.liveLocked() {
		return false, ErrNoSession
	}
	if c.cam.Active() {
		c.cam.Stop()
		log.Printf("📷 [%s] Camera off", shortID(c.sessionID))
		return false, nil
	}
	if err := c.cam.Start(); err != nil {
		log.Printf("❌ [%s] Camera: %v", shortID(c.sessionID), err)
		return false, err
	}
	log.Printf("📷 [%s] Camera on", shortID(c.sessionID))
	return true, nil
}

// SendText sends a typed user message and records it in the transcript.
// Blank text is ignored.
func (c *Controller) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready.Load() {
		return ErrNotReady
	}
	c.notify(TranscriptEntryAdded{Role: RoleUser, Text: text})
	c.link.SendControl(messages.Text{Text: text})
	return nil
}

// End tears down the session: camera, microphone, connection, then
// playback. It returns to idle and reports SessionEnded once. Calling End
// without a session is a no-op.
func (c *Controller) End() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID == "" {
		return
	}
	id := c.sessionID
	c.teardownLocked()
	c.setStateLocked(StateIdle, nil)
	c.notify(SessionEnded{SessionID: id})
	log.Printf("👋 [%s] Session ended", shortID(id))
}

// teardownLocked releases every resource of the current session and detaches
// its event handlers.
func (c *Controller) teardownLocked() {
	c.gen++
	c.ready.Store(false)
	c.cam.Stop()
	c.mic.Stop()
	c.link.Disconnect()
	c.player.Flush()
	c.user.Reset()
	c.assistant.Reset()
	c.sessionID = ""
	c.agent = ""
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the id of the current session, empty when idle.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Agent returns the agent name announced by session_ready.
func (c *Controller) Agent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent
}

// Ready reports whether outbound media is being forwarded.
func (c *Controller) Ready() bool { return c.ready.Load() }

func (c *Controller) MicActive() bool    { return c.mic.Active() }
func (c *Controller) CameraActive() bool { return c.cam.Active() }

func (c *Controller) liveLocked() bool {
	return c.state == StateConnecting || c.state == StateConnected
}

func (c *Controller) onStatus(gen uint64, s connection.Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	switch s {
	case connection.StatusConnected:
		if c.state == StateConnecting {
			c.setStateLocked(StateConnected, nil)
		}
	case connection.StatusError:
		if c.liveLocked() {
			c.stopMediaLocked()
			c.setStateLocked(StateError, err)
		}
	case connection.StatusDisconnected:
		// A failed dial always reports StatusError first.
		if c.state == StateConnected || c.state == StateError {
			c.stopMediaLocked()
			c.setStateLocked(StateDisconnected, nil)
		}
	case connection.StatusConnecting:
	}
}

// stopMediaLocked releases capture devices and silences playback when the
// transport goes away. The session id is kept until End.
func (c *Controller) stopMediaLocked() {
	c.ready.Store(false)
	c.cam.Stop()
	c.mic.Stop()
	c.player.Flush()
}

func (c *Controller) onBinary(gen uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != StateConnected {
		return
	}
	if _, err := c.player.PlayChunk(data); err != nil {
		log.Printf("⚠️ [%s] Playback: %v", shortID(c.sessionID), err)
	}
}

func (c *Controller) onControl(gen uint64, msg messages.Control) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != StateConnected {
		return
	}

	switch m := msg.(type) {
	case messages.SessionReady:
		c.agent = m.Agent
		if c.agent == "" {
			c.agent = c.presetID
		}
		c.ready.Store(true)
		log.Printf("✅ [%s] Session ready (agent=%s)", shortID(c.sessionID), c.agent)
		c.notifyStatusLocked(nil)
	case messages.Transcript:
		c.assistant.WriteString(m.Text)
	case messages.InputTranscript:
		c.user.WriteString(m.Text)
	case messages.TurnComplete:
		c.flushLocked(RoleUser, &c.user, "")
		c.flushLocked(RoleAssistant, &c.assistant, "")
	case messages.Interrupted:
		c.player.Flush()
		c.flushLocked(RoleAssistant, &c.assistant, InterruptedMarker)
	case messages.Error:
		log.Printf("❌ [%s] Server error: %s", shortID(c.sessionID), m.Message)
		c.notify(TranscriptEntryAdded{Role: RoleSystem, Text: m.Message})
	case messages.Config, messages.Image, messages.Text, messages.Unknown:
	}
}

// flushLocked emits the accumulated text of one role as a single entry and
// clears it. Nothing is emitted for an empty accumulator.
func (c *Controller) flushLocked(role Role, acc *strings.Builder, suffix string) {
	if acc.Len() == 0 {
		return
	}
	text := acc.String() + suffix
	acc.Reset()
	c.notify(TranscriptEntryAdded{Role: role, Text: text})
}

func (c *Controller) setStateLocked(s State, err error) {
	if c.state == s && err == nil {
		return
	}
	c.state = s
	c.notifyStatusLocked(err)
}

func (c *Controller) notifyStatusLocked(err error) {
	c.notify(StatusChanged{
		State:     c.state,
		Ready:     c.ready.Load(),
		Agent:     c.agent,
		SessionID: c.sessionID,
		Err:       err,
	})
}

// notify never blocks; a full channel drops the notification.
func (c *Controller) notify(n Notification) {
	select {
	case c.notes <- n:
	default:
		log.Printf("⚠️ Notification dropped: %T", n)
	}
}

func (c *Controller) forwardAudio(frame audio.Frame) {
	if c.ready.Load() {
		c.link.Send(frame.Data)
	}
}

func (c *Controller) forwardImage(jpeg []byte) {
	if c.ready.Load() {
		c.link.SendControl(messages.NewImage(jpeg))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
