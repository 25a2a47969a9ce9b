// Package functions maps the tool names a preset enables onto Gemini tool
// declarations and answers the function calls the model makes.
package functions

import (
	"fmt"
	"log"

	"google.golang.org/genai"

	"github.com/room4-2/converse-live/presets"
)

// Tool names a preset may enable.
const (
	ToolGoogleSearch = "google_search"
	ToolAgentProfile = "agent_profile"
)

// Tools builds the tool list for a preset. Unknown names are skipped.
func Tools(p presets.Preset) []*genai.Tool {
	var tools []*genai.Tool
	var decls []*genai.FunctionDeclaration

	for _, name := range p.Tools {
		switch name {
		case ToolGoogleSearch:
			tools = append(tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
		case ToolAgentProfile:
			decls = append(decls, AgentProfileDeclaration())
		default:
			log.Printf("⚠️ Preset %s enables unknown tool %q", p.ID, name)
		}
	}
	if len(decls) > 0 {
		tools = append(tools, &genai.Tool{FunctionDeclarations: decls})
	}
	return tools
}

// Call answers one function call for a session running preset p.
func Call(fc *genai.FunctionCall, p presets.Preset) *genai.FunctionResponse {
	var response map[string]any

	switch fc.Name {
	case AgentProfile:
		response = agentProfile(p)
	default:
		response = map[string]any{"error": fmt.Sprintf("Unknown function: %s", fc.Name)}
	}

	return &genai.FunctionResponse{
		ID:       fc.ID,
		Name:     fc.Name,
		Response: response,
	}
}
