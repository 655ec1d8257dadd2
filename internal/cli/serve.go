package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/logger"
	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the parley server in the foreground",
	Long: `Run the parley server in the foreground.
Connects to the tool provider, starts the websocket gateway and serves sessions
until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(loggerConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()
	log := lg.Zerolog()

	for _, warning := range config.NewValidator().ValidateConfig(cfg) {
		log.Warn().Err(warning).Msg("Configuration warning")
	}

	if err := observability.InitAuditLogger(cfg.Telemetry.AuditLog); err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer observability.GetAuditLogger().Close()

	if cfg.Telemetry.Tracing {
		if err := tracing.InitOpenTelemetry(tracing.Options{
			ServiceName:    "parley",
			ServiceVersion: version,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		}); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer tracing.ShutdownOpenTelemetry(context.Background())
	}

	rt, err := newRuntime(cfg, log)
	if err != nil {
		return err
	}

	// A --log-level flag pins the level; otherwise follow the file
	if logLevel == "" {
		current := cfg.Logging.Level
		err := loader.Watch(func(next *config.Config, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("Ignoring unreadable config change")
				return
			}
			if next.Logging.Level == current {
				return
			}
			log.Info().Str("from", current).Str("to", next.Logging.Level).Msg("Log level changed")
			observability.RecordConfigAudit(context.Background(), "logging.level", "config_watcher", map[string]interface{}{
				"from": current,
				"to":   next.Logging.Level,
			})
			current = next.Logging.Level
			logger.SetLevel(current)
		})
		if err != nil {
			log.Debug().Err(err).Msg("Config hot reload disabled")
		}
	}

	pidFile := pidFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("parley is already running (PID file: %s)", pidFile)
	}
	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", version).
		Str("gateway", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)).
		Str("tool_transport", cfg.ToolChannel.Transport).
		Msg("Starting parley")

	return rt.run(ctx)
}

func loggerConfig(lc config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:     lc.Level,
		File:      lc.File,
		Console:   true,
		Pretty:    lc.Pretty,
		Redaction: lc.Redaction,
		MaxSize:   lc.MaxSize,
		MaxAge:    lc.MaxAge,
		Compress:  lc.Compress,
	}
}
