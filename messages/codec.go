package messages

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrMalformed is returned by Decode for payloads that are not a JSON object
// with a string "type" field.
var ErrMalformed = errors.New("malformed control message")

// envelope is the flat wire form shared by every control message.
type envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Preset    string `json:"preset,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Text      string `json:"text,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      string `json:"data,omitempty"`
}

var codec = sonic.ConfigStd

// Encode renders a control message as a JSON text frame.
func Encode(msg Control) ([]byte, error) {
	var env envelope
	switch m := msg.(type) {
	case Config:
		env = envelope{Type: TypeConfig, Preset: m.Preset}
	case Image:
		env = envelope{Type: TypeImage, Data: m.Data}
	case Text:
		env = envelope{Type: TypeText, Text: m.Text}
	case SessionReady:
		env = envelope{Type: TypeSessionReady, SessionID: m.SessionID, Agent: m.Agent}
	case Transcript:
		env = envelope{Type: TypeTranscript, Text: m.Text}
	case InputTranscript:
		env = envelope{Type: TypeInputTranscript, Text: m.Text}
	case TurnComplete:
		env = envelope{Type: TypeTurnComplete}
	case Interrupted:
		env = envelope{Type: TypeInterrupted}
	case Error:
		env = envelope{Type: TypeError, Message: m.Message}
	case Unknown:
		return nil, fmt.Errorf("encode control message: unknown type %q", m.Tag)
	case nil:
		return nil, errors.New("encode control message: nil message")
	}
	return codec.Marshal(&env)
}

// Decode parses a JSON text frame. Unrecognised tags decode to Unknown and
// are not an error; anything that is not a tagged JSON object wraps
// ErrMalformed.
func Decode(data []byte) (Control, error) {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	case TypeConfig:
		return Config{Preset: env.Preset}, nil
	case TypeImage:
		return Image{Data: env.Data}, nil
	case TypeText:
		return Text{Text: env.Text}, nil
	case TypeSessionReady:
		return SessionReady{SessionID: env.SessionID, Agent: env.Agent}, nil
	case TypeTranscript:
		return Transcript{Text: env.Text}, nil
	case TypeInputTranscript:
		return InputTranscript{Text: env.Text}, nil
	case TypeTurnComplete:
		return TurnComplete{}, nil
	case TypeInterrupted:
		return Interrupted{}, nil
	case TypeError:
		return Error{Message: env.Message}, nil
	default:
		return Unknown{Tag: env.Type}, nil
	}
}
