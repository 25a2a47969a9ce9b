package gemini

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"google.golang.org/genai"

	"github.com/room4-2/converse-live/functions"
	"github.com/room4-2/converse-live/presets"
)

const (
	DefaultModel = "models/gemini-2.5-flash-native-audio-preview-12-2025"

	inputAudioMIME = "audio/pcm;rate=16000"
	imageMIME      = "image/jpeg"
)

// ErrClosed is returned by sends on a closed proxy.
var ErrClosed = errors.New("proxy is closed or not connected")

// Handlers receives upstream events. Unset handlers are skipped.
type Handlers struct {
	OnAudio           func(pcm []byte)
	OnTranscript      func(text string) // assistant speech as text
	OnInputTranscript func(text string) // user speech as text
	OnInterrupted     func()
	OnTurnComplete    func()
	OnToolCall        func(calls []*genai.FunctionCall)
}

// Connector opens Live API sessions with one shared client.
type Connector struct {
	client *genai.Client
	model  string
}

// NewConnector creates the GenAI client.
func NewConnector(ctx context.Context, apiKey, model string) (*Connector, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if model == "" {
		model = DefaultModel
	}
	return &Connector{client: client, model: model}, nil
}

// Connect opens a Live session configured for the preset.
func (c *Connector) Connect(ctx context.Context, p presets.Preset) (*Proxy, error) {
	session, err := c.client.Live.Connect(ctx, c.model, LiveConfig(p))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Live API: %w", err)
	}
	log.Printf("✅ Connected to Gemini Live (%s, preset=%s)", c.model, p.ID)
	return &Proxy{session: session}, nil
}

// LiveConfig builds the session configuration for a preset: audio out, both
// transcriptions on, the preset's voice, instructions and tools.
func LiveConfig(p presets.Preset) *genai.LiveConnectConfig {
	return &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: p.SystemPrompt}},
		},
		Tools: functions.Tools(p),
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: p.Voice},
			},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
}

// Proxy is one Live API session.
type Proxy struct {
	session *genai.Session

	mu     sync.RWMutex
	closed bool
}

// Receive dispatches upstream messages to h until the session ends. It
// returns nil once the proxy has been closed.
func (gp *Proxy) Receive(ctx context.Context, h Handlers) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		session, err := gp.live()
		if err != nil {
			return nil
		}

		// Receive blocks until a message arrives or error occurs
		resp, err := session.Receive()
		if err != nil {
			if gp.isClosed() {
				return nil
			}
			return fmt.Errorf("gemini receive: %w", err)
		}
		Dispatch(resp, h)
	}
}

// Dispatch routes one server message to the handlers. An interruption
// suppresses the rest of its message.
func Dispatch(resp *genai.LiveServerMessage, h Handlers) {
	if resp == nil {
		return
	}

	if sc := resp.ServerContent; sc != nil {
		if sc.Interrupted {
			if h.OnInterrupted != nil {
				h.OnInterrupted()
			}
			return
		}

		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData != nil && len(part.InlineData.Data) > 0 && h.OnAudio != nil {
					h.OnAudio(part.InlineData.Data)
				}
				if part.Text != "" && h.OnTranscript != nil {
					h.OnTranscript(part.Text)
				}
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" && h.OnTranscript != nil {
			h.OnTranscript(sc.OutputTranscription.Text)
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" && h.OnInputTranscript != nil {
			h.OnInputTranscript(sc.InputTranscription.Text)
		}
		if sc.TurnComplete && h.OnTurnComplete != nil {
			h.OnTurnComplete()
		}
	}

	if resp.ToolCall != nil && len(resp.ToolCall.FunctionCalls) > 0 {
		log.Printf("📥 Received from Gemini: %d function call(s)", len(resp.ToolCall.FunctionCalls))
		if h.OnToolCall != nil {
			h.OnToolCall(resp.ToolCall.FunctionCalls)
		}
	}
}

// SendAudio forwards one PCM16 16 kHz chunk.
func (gp *Proxy) SendAudio(pcm []byte) error {
	return gp.sendMedia(pcm, inputAudioMIME)
}

// SendImage forwards one JPEG camera frame.
func (gp *Proxy) SendImage(jpeg []byte) error {
	return gp.sendMedia(jpeg, imageMIME)
}

func (gp *Proxy) sendMedia(data []byte, mime string) error {
	session, err := gp.live()
	if err != nil {
		return err
	}
	err = session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{MIMEType: mime, Data: data},
	})
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", mime, err)
	}
	return nil
}

// SendText sends a complete user turn.
func (gp *Proxy) SendText(text string) error {
	session, err := gp.live()
	if err != nil {
		return err
	}

	turnComplete := true
	err = session.SendClientContent(genai.LiveSendClientContentParameters{
		Turns: []*genai.Content{
			{
				Role:  "user",
				Parts: []*genai.Part{{Text: text}},
			},
		},
		TurnComplete: &turnComplete,
	})
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	return nil
}

// SendToolResponse sends function call responses back to Gemini
func (gp *Proxy) SendToolResponse(responses []*genai.FunctionResponse) error {
	session, err := gp.live()
	if err != nil {
		return err
	}

	err = session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: responses,
	})
	if err != nil {
		return fmt.Errorf("failed to send tool response: %w", err)
	}

	log.Printf("📤 Sent %d tool response(s) to Gemini", len(responses))
	return nil
}

func (gp *Proxy) live() (*genai.Session, error) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()
	if gp.closed || gp.session == nil {
		return nil, ErrClosed
	}
	return gp.session, nil
}

func (gp *Proxy) isClosed() bool {
	gp.mu.RLock()
	defer gp.mu.RUnlock()
	return gp.closed
}

// Close terminates the Gemini connection
func (gp *Proxy) Close() error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.closed {
		return nil
	}
	gp.closed = true

	if gp.session != nil {
		return gp.session.Close()
	}
	return nil
}
