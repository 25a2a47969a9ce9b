package gemini_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/room4-2/converse-live/gemini"
	"github.com/room4-2/converse-live/presets"
)

type recorder struct {
	events []string
	audio  [][]byte
	calls  []*genai.FunctionCall
}

func (r *recorder) handlers() gemini.Handlers {
	return gemini.Handlers{
		OnAudio:           func(pcm []byte) { r.events = append(r.events, "audio"); r.audio = append(r.audio, pcm) },
		OnTranscript:      func(text string) { r.events = append(r.events, "transcript:"+text) },
		OnInputTranscript: func(text string) { r.events = append(r.events, "input:"+text) },
		OnInterrupted:     func() { r.events = append(r.events, "interrupted") },
		OnTurnComplete:    func() { r.events = append(r.events, "turn_complete") },
		OnToolCall:        func(calls []*genai.FunctionCall) { r.calls = append(r.calls, calls...) },
	}
}

func TestLiveConfig(t *testing.T) {
	cfg := gemini.LiveConfig(presets.Get("tutor"))

	assert.Equal(t, []genai.Modality{genai.ModalityAudio}, cfg.ResponseModalities)
	assert.Equal(t, "Puck", cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	assert.NotNil(t, cfg.InputAudioTranscription)
	assert.NotNil(t, cfg.OutputAudioTranscription)
	require.Len(t, cfg.SystemInstruction.Parts, 1)
	assert.Contains(t, cfg.SystemInstruction.Parts[0].Text, "tutor")
	require.Len(t, cfg.Tools, 1)
	assert.NotNil(t, cfg.Tools[0].GoogleSearch)
}

func TestLiveConfig_NoTools(t *testing.T) {
	cfg := gemini.LiveConfig(presets.Get("translator"))
	assert.Empty(t, cfg.Tools)
	assert.Equal(t, "Charon", cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
}

func TestDispatch_ContentInOrder(t *testing.T) {
	r := &recorder{}
	gemini.Dispatch(&genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{InlineData: &genai.Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{1, 2}}},
			}},
			OutputTranscription: &genai.Transcription{Text: "Hello"},
			InputTranscription:  &genai.Transcription{Text: "Hi"},
			TurnComplete:        true,
		},
	}, r.handlers())

	assert.Equal(t, []string{"audio", "transcript:Hello", "input:Hi", "turn_complete"}, r.events)
	assert.Equal(t, [][]byte{{1, 2}}, r.audio)
}

func TestDispatch_InterruptedSuppressesRest(t *testing.T) {
	r := &recorder{}
	gemini.Dispatch(&genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			Interrupted:         true,
			OutputTranscription: &genai.Transcription{Text: "late"},
		},
	}, r.handlers())
	assert.Equal(t, []string{"interrupted"}, r.events)
}

func TestDispatch_ToolCall(t *testing.T) {
	r := &recorder{}
	gemini.Dispatch(&genai.LiveServerMessage{
		ToolCall: &genai.LiveServerToolCall{FunctionCalls: []*genai.FunctionCall{{ID: "1", Name: "GetAgentProfile"}}},
	}, r.handlers())
	require.Len(t, r.calls, 1)
	assert.Equal(t, "GetAgentProfile", r.calls[0].Name)
}

func TestDispatch_NilAndEmpty(t *testing.T) {
	r := &recorder{}
	gemini.Dispatch(nil, r.handlers())
	gemini.Dispatch(&genai.LiveServerMessage{}, gemini.Handlers{})
	gemini.Dispatch(&genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{OutputTranscription: &genai.Transcription{}},
	}, r.handlers())
	assert.Empty(t, r.events)
}

func TestProxy_ClosedRejectsSends(t *testing.T) {
	var p gemini.Proxy
	assert.ErrorIs(t, p.SendAudio([]byte{0}), gemini.ErrClosed)
	assert.ErrorIs(t, p.SendImage([]byte{0}), gemini.ErrClosed)
	assert.ErrorIs(t, p.SendText("hi"), gemini.ErrClosed)
	assert.ErrorIs(t, p.SendToolResponse(nil), gemini.ErrClosed)
	assert.NoError(t, p.Receive(context.Background(), gemini.Handlers{}))
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}
