package conversation

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the variant carried by a Turn
type Kind string

const (
	KindUserMessage  Kind = "user_message"
	KindAgentMessage Kind = "agent_message"
	KindToolCall     Kind = "tool_call"
	KindToolResult   Kind = "tool_result"
)

// Turn is one atomic unit of conversation history
type Turn struct {
	Seq       int64     `json:"seq"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// UserMessage / AgentMessage
	Text     string `json:"text,omitempty"`
	Partial  bool   `json:"partial,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Fatal    bool   `json:"fatal,omitempty"`

	// ToolCall / ToolResult
	CallID    string                 `json:"call_id,omitempty"`
	ToolName  string                 `json:"tool_name,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Output    string                 `json:"output,omitempty"`
	Failure   *ToolFailure           `json:"failure,omitempty"`
}

// ToolFailure is the error payload of a failed tool result
type ToolFailure struct {
	Kind    string `json:"kind"` // timeout, transport, tool
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (f *ToolFailure) String() string {
	if f.Code != 0 {
		return fmt.Sprintf("%s error (%d): %s", f.Kind, f.Code, f.Message)
	}
	return fmt.Sprintf("%s error: %s", f.Kind, f.Message)
}

// UserMessage creates a user text turn
func UserMessage(text string) Turn {
	return Turn{Kind: KindUserMessage, Text: text}
}

// AgentMessage creates an agent text turn. Partial marks a chunk or interim
// text that is not the final answer.
func AgentMessage(text string, partial bool) Turn {
	return Turn{Kind: KindAgentMessage, Text: text, Partial: partial}
}

// DegradedMessage creates the final agent turn emitted when a request could not be completed
func DegradedMessage(text string) Turn {
	return Turn{Kind: KindAgentMessage, Text: text, Degraded: true}
}

// FatalMessage creates the single error turn emitted before a session is closed
func FatalMessage(text string) Turn {
	return Turn{Kind: KindAgentMessage, Text: text, Fatal: true}
}

// ToolCall creates a tool invocation turn
func ToolCall(callID, name string, arguments map[string]interface{}) Turn {
	return Turn{Kind: KindToolCall, CallID: callID, ToolName: name, Arguments: arguments}
}

// ToolResult creates a successful tool result turn
func ToolResult(callID, name, output string) Turn {
	return Turn{Kind: KindToolResult, CallID: callID, ToolName: name, Output: output}
}

// ToolError creates a failed tool result turn
func ToolError(callID, name string, failure ToolFailure) Turn {
	return Turn{Kind: KindToolResult, CallID: callID, ToolName: name, Failure: &failure}
}

// Failed reports whether a tool result carries an error payload
func (t Turn) Failed() bool {
	return t.Kind == KindToolResult && t.Failure != nil
}

// Final reports whether the turn finishes the answer to an inbound message
func (t Turn) Final() bool {
	return t.Kind == KindAgentMessage && !t.Partial
}

// Content returns the text the decision engine sees for a turn
func (t Turn) Content() string {
	if t.Kind == KindToolResult && t.Failure != nil {
		return t.Failure.String()
	}
	if t.Kind == KindToolResult {
		return t.Output
	}
	return t.Text
}

// validate checks the fields required by each turn kind
func (t Turn) validate() error {
	switch t.Kind {
	case KindUserMessage, KindAgentMessage:
		return nil
	case KindToolCall:
		if strings.TrimSpace(t.CallID) == "" {
			return fmt.Errorf("%w: tool call without call id", ErrInvalidTurn)
		}
		if strings.TrimSpace(t.ToolName) == "" {
			return fmt.Errorf("%w: tool call %s without tool name", ErrInvalidTurn, t.CallID)
		}
		return nil
	case KindToolResult:
		if strings.TrimSpace(t.CallID) == "" {
			return fmt.Errorf("%w: tool result without call id", ErrInvalidTurn)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTurn, t.Kind)
	}
}
