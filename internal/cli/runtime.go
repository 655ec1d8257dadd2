package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/pkg/engine"
	"github.com/harun/parley/pkg/gateway"
	"github.com/harun/parley/pkg/orchestrator"
	"github.com/harun/parley/pkg/toolchannel"
)

// shutdownGrace bounds how long open sessions get to finish on exit
const shutdownGrace = 15 * time.Second

// runtime is the wired server: tool channel, decision engine, orchestrator
// and the websocket gateway in front of them
type runtime struct {
	channel      *toolchannel.Channel
	orchestrator *orchestrator.Orchestrator
	gateway      *gateway.Server
	logger       zerolog.Logger
}

func newRuntime(cfg *config.Config, logger zerolog.Logger) (*runtime, error) {
	ch, err := newToolChannel(cfg.ToolChannel, logger)
	if err != nil {
		return nil, err
	}

	adapter, err := engine.NewAdapter(engine.Config{
		Profiles:     cfg.Engine.Profiles,
		Model:        cfg.Engine.Model,
		SystemPrompt: cfg.Engine.SystemPrompt,
		MaxTokens:    cfg.Engine.MaxTokens,
		Temperature:  cfg.Engine.Temperature,
		MaxRetries:   cfg.Engine.MaxRetries,
		Cooldown:     cfg.Engine.Cooldown,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decision engine: %w", err)
	}

	orch, err := orchestrator.New(adapter, ch, cfg.Orchestrator, orchestrator.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	gw, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		SharedSecret:      cfg.Gateway.SharedSecret,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		DedupTTL:          cfg.Gateway.DedupTTL,
		TickInterval:      cfg.Gateway.TickInterval,
		MaxMessageBytes:   cfg.Gateway.MaxMessageBytes,
		Sessions:          orch,
		Health: func() gateway.Health {
			h := gateway.Health{
				ToolChannel: ch.State().String(),
				Sessions:    len(orch.Sessions()),
			}
			h.RunningLoops, h.QueuedMessages = orch.Backlog()
			if reg := ch.Registry(); reg != nil {
				h.Tools = reg.Len()
			}
			return h
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	ch.OnStateChange(gw.OnChannelState)
	orch.OnSessionEvent(gw.HandleSessionEvent)

	return &runtime{
		channel:      ch,
		orchestrator: orch,
		gateway:      gw,
		logger:       logger,
	}, nil
}

// run starts every component and blocks until ctx ends, then shuts down
func (r *runtime) run(ctx context.Context) error {
	if err := r.channel.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tool channel: %w", err)
	}
	if err := r.orchestrator.Start(); err != nil {
		r.channel.Close()
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	if err := r.gateway.Start(); err != nil {
		_ = r.orchestrator.Shutdown(context.Background())
		r.channel.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := r.channel.WaitReady(gctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, toolchannel.ErrClosed) {
				return nil
			}
			r.logger.Warn().Err(err).Msg("Tool channel never became ready")
			return nil
		}
		if reg := r.channel.Registry(); reg != nil {
			r.logger.Info().Int("tools", reg.Len()).Strs("names", reg.Names()).Msg("Tool channel ready")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return r.shutdown()
	})

	return g.Wait()
}

func (r *runtime) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	r.logger.Info().Msg("Shutting down")

	var errs []error
	if err := r.orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.gateway.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.channel.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
