package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/parley/pkg/engine"
	"github.com/harun/parley/pkg/orchestrator"
	"github.com/harun/parley/pkg/toolchannel"
)

// Tool channel transports
const (
	TransportCommand = "command"
	TransportTCP     = "tcp"
	TransportUnix    = "unix"
)

// Config represents the main parley configuration
type Config struct {
	Engine       EngineConfig        `json:"engine" mapstructure:"engine"`
	Orchestrator orchestrator.Config `json:"orchestrator" mapstructure:"orchestrator"`
	ToolChannel  ToolChannelConfig   `json:"tool_channel" mapstructure:"tool_channel"`
	Gateway      GatewayConfig       `json:"gateway" mapstructure:"gateway"`
	Logging      LoggingConfig       `json:"logging" mapstructure:"logging"`
	Telemetry    TelemetryConfig     `json:"telemetry" mapstructure:"telemetry"`

	// Data directory for logs and the audit trail
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// EngineConfig configures the decision engine
type EngineConfig struct {
	Profiles     []engine.Profile `json:"profiles" mapstructure:"profiles"`
	Model        string           `json:"model" mapstructure:"model"`
	SystemPrompt string           `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTokens    int              `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64          `json:"temperature" mapstructure:"temperature"`
	MaxRetries   int              `json:"max_retries" mapstructure:"max_retries"`
	Cooldown     time.Duration    `json:"cooldown" mapstructure:"cooldown"`
}

// ToolChannelConfig says how to reach the tool provider
type ToolChannelConfig struct {
	Transport string   `json:"transport" mapstructure:"transport"` // command, tcp, unix
	Command   string   `json:"command" mapstructure:"command"`
	Args      []string `json:"args" mapstructure:"args"`
	Env       []string `json:"env" mapstructure:"env"`
	Dir       string   `json:"dir" mapstructure:"dir"`
	Address   string   `json:"address" mapstructure:"address"`

	DialTimeout          time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	HandshakeTimeout     time.Duration `json:"handshake_timeout" mapstructure:"handshake_timeout"`
	RetryInitialInterval time.Duration `json:"retry_initial_interval" mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `json:"retry_max_interval" mapstructure:"retry_max_interval"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host              string        `json:"host" mapstructure:"host"`
	Port              int           `json:"port" mapstructure:"port"`
	SharedSecret      string        `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int           `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int           `json:"max_concurrent" mapstructure:"max_concurrent"`
	DedupTTL          time.Duration `json:"dedup_ttl" mapstructure:"dedup_ttl"`
	TickInterval      time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
	MaxMessageBytes   int64         `json:"max_message_bytes" mapstructure:"max_message_bytes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TelemetryConfig controls tracing and the audit trail
type TelemetryConfig struct {
	Tracing     bool    `json:"tracing" mapstructure:"tracing"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	AuditLog    string  `json:"audit_log" mapstructure:"audit_log"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Profiles:     []engine.Profile{},
			Model:        "claude-sonnet-4-5",
			SystemPrompt: "You are a helpful assistant. Use the available tools when they help answer the user.",
			MaxTokens:    4096,
			Temperature:  0.7,
			MaxRetries:   3,
			Cooldown:     time.Minute,
		},
		Orchestrator: orchestrator.DefaultConfig(),
		ToolChannel: ToolChannelConfig{
			Transport:            TransportCommand,
			DialTimeout:          5 * time.Second,
			HandshakeTimeout:     10 * time.Second,
			RetryInitialInterval: time.Second,
			RetryMaxInterval:     30 * time.Second,
		},
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			RequestsPerMinute: 60,
			MaxConcurrent:     4,
			DedupTTL:          5 * time.Minute,
			TickInterval:      30 * time.Second,
			MaxMessageBytes:   1 << 20,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Telemetry: TelemetryConfig{
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Engine.Profiles = make([]engine.Profile, len(c.Engine.Profiles))
	for i, p := range c.Engine.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.Engine.Profiles[i] = p
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}

	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Engine.Profiles) == 0 {
		return fmt.Errorf("no engine credentials configured: at least one engine profile is required")
	}

	seen := make(map[string]bool)
	for i, profile := range c.Engine.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("engine profile %d: id is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("engine profile %s: duplicate id", profile.ID)
		}
		seen[profile.ID] = true
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("engine profile %s: invalid provider %q (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("engine profile %s: api_key is required", profile.ID)
		}
	}
	if c.Engine.Model == "" {
		return fmt.Errorf("engine model is required")
	}

	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}

	if _, err := c.ToolChannel.Dialer(); err != nil {
		return err
	}

	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	if c.Gateway.RequestsPerMinute < 0 || c.Gateway.MaxConcurrent < 0 {
		return fmt.Errorf("gateway rate limits must be >= 0")
	}

	return NewValidator().ValidateLogLevel(c.Logging.Level)
}

// Dialer builds the tool channel dialer for the configured transport
func (t ToolChannelConfig) Dialer() (toolchannel.Dialer, error) {
	switch t.Transport {
	case TransportCommand, "":
		if t.Command == "" {
			return nil, fmt.Errorf("tool_channel.command is required for the command transport")
		}
		return toolchannel.CommandDialer{
			Command: t.Command,
			Args:    t.Args,
			Env:     t.Env,
			Dir:     t.Dir,
		}, nil
	case TransportTCP, TransportUnix:
		if t.Address == "" {
			return nil, fmt.Errorf("tool_channel.address is required for the %s transport", t.Transport)
		}
		return toolchannel.NetDialer{
			Network: t.Transport,
			Address: t.Address,
			Timeout: t.DialTimeout,
		}, nil
	default:
		return nil, fmt.Errorf("invalid tool_channel.transport %q (must be: command, tcp, unix)", t.Transport)
	}
}
