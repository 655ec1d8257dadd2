package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidator_ValidateAPIKey(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name     string
		key      string
		provider string
		wantErr  bool
	}{
		{"should accept an anthropic key", "sk-ant-abc", "anthropic", false},
		{"should reject a foreign anthropic key", "sk-abc", "anthropic", true},
		{"should accept an openai key", "sk-abc", "openai", false},
		{"should reject a malformed openai key", "abc", "openai", true},
		{"should reject an empty key", "", "openai", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAPIKey(tt.key, tt.provider)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidator_Ranges(t *testing.T) {
	v := NewValidator()

	t.Run("should bound temperature", func(t *testing.T) {
		assert.NoError(t, v.ValidateTemperature(0.7))
		assert.Error(t, v.ValidateTemperature(-0.1))
		assert.Error(t, v.ValidateTemperature(2.5))
	})

	t.Run("should bound max tokens", func(t *testing.T) {
		assert.NoError(t, v.ValidateMaxTokens(4096))
		assert.Error(t, v.ValidateMaxTokens(0))
		assert.Error(t, v.ValidateMaxTokens(300000))
	})

	t.Run("should bound durations", func(t *testing.T) {
		assert.NoError(t, v.ValidateDuration("x", time.Second, time.Minute))
		assert.Error(t, v.ValidateDuration("x", 0, time.Minute))
		assert.Error(t, v.ValidateDuration("x", time.Hour, time.Minute))
		assert.NoError(t, v.ValidateDuration("x", time.Hour, 0))
	})

	t.Run("should accept known log levels", func(t *testing.T) {
		assert.NoError(t, v.ValidateLogLevel("warn"))
		assert.Error(t, v.ValidateLogLevel("verbose"))
	})
}

func TestValidator_ValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("should report nothing for a sane config", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(validConfig()))
	})

	t.Run("should warn on an exposed gateway without a secret", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gateway.Host = "0.0.0.0"

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "shared_secret")
	})

	t.Run("should warn on an inverted retry window", func(t *testing.T) {
		cfg := validConfig()
		cfg.ToolChannel.RetryMaxInterval = time.Millisecond

		assert.NotEmpty(t, v.ValidateConfig(cfg))
	})
}
