package config

import (
	"fmt"
	"strings"
	"time"
)

// Validator runs the softer format checks that Validate does not enforce.
// Its findings are reported as warnings.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateDuration checks that a duration is positive and not absurdly large
func (v *Validator) ValidateDuration(name string, d, max time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, d)
	}
	if max > 0 && d > max {
		return fmt.Errorf("%s is larger than %s, got %s", name, max, d)
	}
	return nil
}

// ValidateConfig collects every warning for cfg
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, profile := range cfg.Engine.Profiles {
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errors = append(errors, fmt.Errorf("engine profile %d (%s): %w", i, profile.ID, err))
		}
	}

	if err := v.ValidateTemperature(cfg.Engine.Temperature); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateMaxTokens(cfg.Engine.MaxTokens); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateDuration("orchestrator.tool_timeout", cfg.Orchestrator.ToolTimeout, 10*time.Minute); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateDuration("tool_channel.handshake_timeout", cfg.ToolChannel.HandshakeTimeout, time.Minute); err != nil {
		errors = append(errors, err)
	}
	if cfg.ToolChannel.RetryMaxInterval < cfg.ToolChannel.RetryInitialInterval {
		errors = append(errors, fmt.Errorf("tool_channel.retry_max_interval (%s) is below retry_initial_interval (%s)",
			cfg.ToolChannel.RetryMaxInterval, cfg.ToolChannel.RetryInitialInterval))
	}

	if cfg.Gateway.SharedSecret == "" && cfg.Gateway.Host != "127.0.0.1" && cfg.Gateway.Host != "localhost" {
		errors = append(errors, fmt.Errorf("gateway listens on %q without a shared_secret", cfg.Gateway.Host))
	}

	return errors
}
