// Package messages defines the control messages exchanged as JSON text frames
// alongside raw PCM binary frames on a live session connection.
package messages

// Message types, carried in the "type" field of every control frame.
const (
	TypeConfig          = "config"
	TypeSessionReady    = "session_ready"
	TypeTranscript      = "transcript"
	TypeInputTranscript = "input_transcript"
	TypeTurnComplete    = "turn_complete"
	TypeInterrupted     = "interrupted"
	TypeError           = "error"
	TypeImage           = "image"
	TypeText            = "text"
)

// Control is a control message. The set of implementations is closed: every
// tag has exactly one variant and a type switch over Control is checked for
// exhaustiveness by gochecksumtype.
//
//sumtype:decl
type Control interface {
	// Type returns the wire tag of the message.
	Type() string
	sealed()
}

// Unknown carries a well-formed message whose tag is not recognised.
// Receivers ignore it.
type Unknown struct {
	Tag string
}

func (m Unknown) Type() string { return m.Tag }
func (Unknown) sealed()        {}
