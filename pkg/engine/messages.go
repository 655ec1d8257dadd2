package engine

import (
	"encoding/json"

	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/tools"
)

// BuildMessages converts a session history into provider messages.
// Interim text and the tool calls that follow it form one assistant message;
// tool calls that never received a result are dropped.
func BuildMessages(history []conversation.Turn) []Message {
	answered := make(map[string]bool)
	for _, turn := range history {
		if turn.Kind == conversation.KindToolResult {
			answered[turn.CallID] = true
		}
	}

	messages := make([]Message, 0, len(history))
	var open *Message

	flush := func() {
		if open != nil {
			if open.Content != "" || len(open.ToolCalls) > 0 {
				messages = append(messages, *open)
			}
			open = nil
		}
	}

	for _, turn := range history {
		switch turn.Kind {
		case conversation.KindUserMessage:
			flush()
			messages = append(messages, Message{Role: RoleUser, Content: turn.Text})

		case conversation.KindAgentMessage:
			if turn.Fatal {
				continue
			}
			if open != nil && len(open.ToolCalls) > 0 {
				flush()
			}
			if open == nil {
				open = &Message{Role: RoleAssistant}
			}
			open.Content += turn.Text
			if !turn.Partial {
				flush()
			}

		case conversation.KindToolCall:
			if !answered[turn.CallID] {
				continue
			}
			if open == nil {
				open = &Message{Role: RoleAssistant}
			}
			args, err := json.Marshal(turn.Arguments)
			if err != nil || turn.Arguments == nil {
				args = json.RawMessage(`{}`)
			}
			open.ToolCalls = append(open.ToolCalls, ToolCall{
				ID:        turn.CallID,
				Name:      turn.ToolName,
				Arguments: args,
			})

		case conversation.KindToolResult:
			flush()
			messages = append(messages, Message{
				Role:       RoleTool,
				Content:    turn.Content(),
				ToolCallID: turn.CallID,
				ToolName:   turn.ToolName,
				IsError:    turn.Failed(),
			})
		}
	}
	flush()

	return messages
}

// BuildToolSpecs lists the registry's tools for the model
func BuildToolSpecs(registry *tools.Registry) []ToolSpec {
	if registry == nil {
		return nil
	}
	descriptors := registry.Descriptors()
	specs := make([]ToolSpec, 0, len(descriptors))
	for _, d := range descriptors {
		specs = append(specs, ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.SchemaMap(),
		})
	}
	return specs
}
