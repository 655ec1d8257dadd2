package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// Provider streams one completion from a hosted model
type Provider interface {
	// Stream sends the request and calls onText for every text delta as it
	// arrives. The returned Completion aggregates the whole response.
	Stream(ctx context.Context, req Request, onText func(string)) (*Completion, error)

	// Name returns the provider name
	Name() string
}

// Role of a provider message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one provider-neutral conversation message
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
	IsError    bool
}

// ToolCall is a model-requested invocation with raw JSON arguments
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolSpec describes a tool offered to the model
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// Request contains the parameters of one completion call
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSpec
	MaxTokens    int
	Temperature  float64
}

// StopReason is the end-of-turn marker reported at the end of a stream
type StopReason string

const (
	// StopNone means the stream ended without an end-of-turn marker
	StopNone      StopReason = ""
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopOther     StopReason = "other"
)

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Completion is the aggregated result of a stream
type Completion struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      TokenUsage
}

// Profile is a provider credential with failover priority (lower first)
type Profile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Model    string `json:"model,omitempty" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ProviderCreator creates providers from profiles
type ProviderCreator interface {
	NewProvider(profile Profile) (Provider, error)
}

// ProviderFactory creates the hosted SDK providers
type ProviderFactory struct{}

// NewProvider creates a new provider based on the profile
func (f *ProviderFactory) NewProvider(profile Profile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
