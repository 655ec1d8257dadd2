package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/harun/parley/pkg/engine"
)

const (
	envPrefix      = "PARLEY"
	configFileName = "parley.json"
)

// envBindings are the keys most often supplied from the environment
var envBindings = []string{
	"engine.model",
	"engine.system_prompt",
	"tool_channel.transport",
	"tool_channel.command",
	"tool_channel.address",
	"gateway.host",
	"gateway.port",
	"gateway.shared_secret",
	"logging.level",
	"logging.file",
	"data_dir",
}

// Loader handles configuration loading
type Loader struct {
	configPath string

	mu    sync.Mutex
	viper *viper.Viper
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return configFileName
	}
	return filepath.Join(home, ".parley", configFileName)
}

// loadDotEnv loads .env next to the config file and in the working
// directory. Variables already set in the environment win.
func (l *Loader) loadDotEnv() error {
	candidates := []string{filepath.Join(filepath.Dir(l.GetConfigPath()), ".env"), ".env"}
	seen := make(map[string]bool)

	for _, path := range candidates {
		abs, err := filepath.Abs(path)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true

		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("failed to load %s: %w", abs, err)
		}
	}
	return nil
}

func (l *Loader) newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range envBindings {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	return v, nil
}

// Load reads .env, the config file and PARLEY_* variables, in increasing
// precedence. A missing config file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDotEnv(); err != nil {
		return nil, err
	}

	configPath := l.GetConfigPath()
	v, err := l.newViper(configPath)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.viper = v
	l.mu.Unlock()

	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyEnvProfiles(cfg)

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".parley")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "parley.log")
	}

	return cfg, nil
}

// applyEnvProfiles creates engine profiles from the vendor API key variables
// when the file configures none
func applyEnvProfiles(cfg *Config) {
	if len(cfg.Engine.Profiles) > 0 {
		return
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.Engine.Profiles = append(cfg.Engine.Profiles, engine.Profile{
			ID:       "anthropic-env",
			Provider: "anthropic",
			APIKey:   key,
			Priority: 1,
		})
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Engine.Profiles = append(cfg.Engine.Profiles, engine.Profile{
			ID:       "openai-env",
			Provider: "openai",
			APIKey:   key,
			Priority: 2,
		})
	}
}

// Watch calls onChange with the re-read config every time the file is
// written. Load must have been called first.
func (l *Loader) Watch(onChange func(*Config, error)) error {
	l.mu.Lock()
	v := l.viper
	l.mu.Unlock()

	if v == nil {
		return fmt.Errorf("config not loaded")
	}
	if _, err := os.Stat(l.GetConfigPath()); err != nil {
		return fmt.Errorf("cannot watch config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()
	return nil
}

// Save writes cfg as JSON to the config path, creating its directory
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("engine", cfg.Engine)
	v.Set("orchestrator", cfg.Orchestrator)
	v.Set("tool_channel", cfg.ToolChannel)
	v.Set("gateway", cfg.Gateway)
	v.Set("logging", cfg.Logging)
	v.Set("telemetry", cfg.Telemetry)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
