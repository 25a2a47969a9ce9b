package controller

import "fmt"

// State is the lifecycle state of the current session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateError
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Role identifies the speaker of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// InterruptedMarker is appended to an assistant entry cut short by barge-in.
const InterruptedMarker = " [interrupted]"

// Notification is everything the controller reports to the UI layer.
//
//sumtype:decl
type Notification interface {
	notification()
}

// StatusChanged reports a state or readiness change.
type StatusChanged struct {
	State     State
	Ready     bool
	Agent     string
	SessionID string
	Err       error
}

// TranscriptEntryAdded carries one completed transcript line.
type TranscriptEntryAdded struct {
	Role Role
	Text string
}

// AudioActivityChanged reports whether assistant speech is playing.
type AudioActivityChanged struct {
	Playing bool
}

// SessionEnded is sent once per session when End tears it down.
type SessionEnded struct {
	SessionID string
}

func (StatusChanged) notification()        {}
func (TranscriptEntryAdded) notification() {}
func (AudioActivityChanged) notification() {}
func (SessionEnded) notification()         {}
