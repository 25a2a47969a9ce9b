package functions

import (
	"google.golang.org/genai"

	"github.com/room4-2/converse-live/presets"
)

// AgentProfile is the name of the function that lets the model describe the
// persona it is playing.
const AgentProfile = "GetAgentProfile"

// AgentProfileDeclaration returns the function declaration for Gemini
func AgentProfileDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        AgentProfile,
		Description: "Get the name, description and voice of the assistant persona in use",
	}
}

func agentProfile(p presets.Preset) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"voice":       p.Voice,
	}
}
