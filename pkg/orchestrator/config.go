package orchestrator

import (
	"time"
)

// Default texts appended when a loop cannot finish normally
const (
	DefaultDegradedText = "I could not complete this request within the allowed number of steps. Please try narrowing it down."
	DefaultFatalText    = "The assistant is unavailable right now, so this conversation has been closed. Please reconnect later."
)

// Config holds orchestrator limits
type Config struct {
	// MaxIterations bounds decide/act rounds per inbound message
	MaxIterations int `json:"max_iterations" mapstructure:"max_iterations"`
	// MaxPendingCalls bounds concurrently in-flight tool calls per session
	MaxPendingCalls int           `json:"max_pending_calls" mapstructure:"max_pending_calls"`
	ToolTimeout     time.Duration `json:"tool_timeout" mapstructure:"tool_timeout"`
	// IdleTimeout closes sessions without inbound activity; zero disables the reaper
	IdleTimeout    time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	SweepInterval  time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
	OutboundBuffer int           `json:"outbound_buffer" mapstructure:"outbound_buffer"`
	// QueueWarnAfter warns about a message still queued behind a running loop; zero disables
	QueueWarnAfter time.Duration `json:"queue_warn_after" mapstructure:"queue_warn_after"`
	DegradedText   string        `json:"degraded_text" mapstructure:"degraded_text"`
	FatalText      string        `json:"fatal_text" mapstructure:"fatal_text"`
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		MaxIterations:   8,
		MaxPendingCalls: 4,
		ToolTimeout:     30 * time.Second,
		IdleTimeout:     30 * time.Minute,
		SweepInterval:   time.Minute,
		OutboundBuffer:  64,
		QueueWarnAfter:  10 * time.Second,
		DegradedText:    DefaultDegradedText,
		FatalText:       DefaultFatalText,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		return invalidConfig("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.MaxPendingCalls <= 0 {
		return invalidConfig("max_pending_calls must be positive, got %d", c.MaxPendingCalls)
	}
	if c.ToolTimeout <= 0 {
		return invalidConfig("tool_timeout must be positive, got %s", c.ToolTimeout)
	}
	if c.IdleTimeout < 0 {
		return invalidConfig("idle_timeout must not be negative, got %s", c.IdleTimeout)
	}
	if c.IdleTimeout > 0 && c.SweepInterval <= 0 {
		return invalidConfig("sweep_interval must be positive when idle_timeout is set, got %s", c.SweepInterval)
	}
	if c.OutboundBuffer < 0 {
		return invalidConfig("outbound_buffer must not be negative, got %d", c.OutboundBuffer)
	}
	if c.QueueWarnAfter < 0 {
		return invalidConfig("queue_warn_after must not be negative, got %s", c.QueueWarnAfter)
	}
	return nil
}

// withDefaults fills the optional text fields
func (c Config) withDefaults() Config {
	if c.DegradedText == "" {
		c.DegradedText = DefaultDegradedText
	}
	if c.FatalText == "" {
		c.FatalText = DefaultFatalText
	}
	return c
}
