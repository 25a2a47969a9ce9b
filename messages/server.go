package messages

// SessionReady is sent once the upstream live session is open. Agent echoes
// the resolved preset id.
type SessionReady struct {
	SessionID string
	Agent     string
}

// Transcript is a fragment of the assistant's spoken output as text.
type Transcript struct {
	Text string
}

// InputTranscript is a fragment of the user's speech as text.
type InputTranscript struct {
	Text string
}

// TurnComplete marks the end of an assistant turn.
type TurnComplete struct{}

// Interrupted reports that the user barged in and the assistant stopped.
type Interrupted struct{}

// Error carries a human readable failure from the peer.
type Error struct {
	Message string
}

func (SessionReady) Type() string    { return TypeSessionReady }
func (Transcript) Type() string      { return TypeTranscript }
func (InputTranscript) Type() string { return TypeInputTranscript }
func (TurnComplete) Type() string    { return TypeTurnComplete }
func (Interrupted) Type() string     { return TypeInterrupted }
func (Error) Type() string           { return TypeError }

func (SessionReady) sealed()    {}
func (Transcript) sealed()      {}
func (InputTranscript) sealed() {}
func (TurnComplete) sealed()    {}
func (Interrupted) sealed()     {}
func (Error) sealed()           {}
