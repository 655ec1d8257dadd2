package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/tools"
)

// DefaultApology is the final answer used when the model output is unusable
const DefaultApology = "Sorry, I could not produce a usable answer to that. Please try rephrasing your request."

// ErrNoProfiles is returned when no provider profile is configured
var ErrNoProfiles = errors.New("at least one provider profile is required")

// DecisionEngineError means no provider could be reached. It is fatal to the session.
type DecisionEngineError struct {
	Profile string
	Err     error
}

func (e *DecisionEngineError) Error() string {
	if e.Profile != "" {
		return fmt.Sprintf("decision engine unavailable (last profile %s): %v", e.Profile, e.Err)
	}
	return fmt.Sprintf("decision engine unavailable: %v", e.Err)
}

func (e *DecisionEngineError) Unwrap() error {
	return e.Err
}

// DecisionKind tells a final answer from a tool request
type DecisionKind string

const (
	DecisionFinal DecisionKind = "final"
	DecisionTools DecisionKind = "tools"
)

// Call is one validated tool call of a decision
type Call struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// Decision is the outcome of one Decide call
type Decision struct {
	Kind DecisionKind
	// Text is the final answer, or the interim text preceding a tool request
	Text  string
	Calls []Call
	// Malformed is set when Text is an apology replacing unusable output
	Malformed bool
	Provider  string
	Usage     TokenUsage
}

// FinalAnswer creates a final-answer decision
func FinalAnswer(text string) Decision {
	return Decision{Kind: DecisionFinal, Text: text}
}

// ToolRequest creates a tool-request decision
func ToolRequest(interim string, calls ...Call) Decision {
	return Decision{Kind: DecisionTools, Text: interim, Calls: calls}
}

// Config holds adapter configuration
type Config struct {
	Profiles        []Profile
	Model           string
	SystemPrompt    string
	MaxTokens       int
	Temperature     float64
	MaxRetries      int
	RetryBaseDelay  time.Duration
	Cooldown        time.Duration
	Apology         string
	ProviderFactory ProviderCreator
	Logger          zerolog.Logger
}

type profileState struct {
	Profile
	failures      int
	cooldownUntil time.Time
}

// Adapter is the decision engine: it turns a history and a tool registry
// into a Decision using the configured providers with failover.
type Adapter struct {
	cfg     Config
	logger  zerolog.Logger
	factory ProviderCreator

	mu        sync.Mutex
	profiles  []*profileState
	providers map[string]Provider
	now       func() time.Time
}

// NewAdapter creates a decision engine adapter
func NewAdapter(cfg Config) (*Adapter, error) {
	observability.EnsureRegistered()

	if len(cfg.Profiles) == 0 {
		return nil, ErrNoProfiles
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.Apology == "" {
		cfg.Apology = DefaultApology
	}

	factory := cfg.ProviderFactory
	if factory == nil {
		factory = &ProviderFactory{}
	}

	profiles := make([]*profileState, 0, len(cfg.Profiles))
	seen := make(map[string]bool)
	for i, p := range cfg.Profiles {
		if p.ID == "" {
			p.ID = fmt.Sprintf("%s-%d", p.Provider, i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate provider profile id: %s", p.ID)
		}
		seen[p.ID] = true
		profiles = append(profiles, &profileState{Profile: p})
	}
	sort.SliceStable(profiles, func(i, j int) bool { return profiles[i].Priority < profiles[j].Priority })

	return &Adapter{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "engine").Logger(),
		factory:   factory,
		profiles:  profiles,
		providers: make(map[string]Provider),
		now:       time.Now,
	}, nil
}

// Decide asks the model what to do next. Text deltas are forwarded to onChunk
// as they stream. Only total provider unavailability returns an error
// (*DecisionEngineError, or ctx's error when cancelled); unusable output is
// reported as an apology FinalAnswer with Malformed set.
func (a *Adapter) Decide(ctx context.Context, history []conversation.Turn, registry *tools.Registry, onChunk func(string)) (Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "parley.engine", "engine.decide", attribute.Int("history.turns", len(history)))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	if onChunk == nil {
		onChunk = func(string) {}
	}

	req := Request{
		Model:        a.cfg.Model,
		SystemPrompt: a.cfg.SystemPrompt,
		Messages:     BuildMessages(history),
		Tools:        BuildToolSpecs(registry),
		MaxTokens:    a.cfg.MaxTokens,
		Temperature:  a.cfg.Temperature,
	}

	var completion *Completion
	var provider string
	completion, provider, err = a.executeWithFailover(ctx, req, onChunk)
	if err != nil {
		return Decision{}, err
	}

	decision := a.interpret(ctx, completion)
	decision.Provider = provider
	decision.Usage = completion.Usage
	return decision, nil
}

// candidates returns profiles to try in order. When every profile is cooling
// down they are all tried, soonest expiry first.
func (a *Adapter) candidates() []Profile {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var ready, cooling []*profileState
	for _, p := range a.profiles {
		if now.Before(p.cooldownUntil) {
			observability.SetProviderCooldown(p.ID, true)
			cooling = append(cooling, p)
			continue
		}
		ready = append(ready, p)
	}
	if len(ready) == 0 {
		sort.SliceStable(cooling, func(i, j int) bool { return cooling[i].cooldownUntil.Before(cooling[j].cooldownUntil) })
		ready = cooling
	}

	out := make([]Profile, 0, len(ready))
	for _, p := range ready {
		out = append(out, p.Profile)
	}
	return out
}

func (a *Adapter) provider(profile Profile) (Provider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.providers[profile.ID]; ok {
		return p, nil
	}
	p, err := a.factory.NewProvider(profile)
	if err != nil {
		return nil, err
	}
	a.providers[profile.ID] = p
	return p, nil
}

// executeWithFailover tries each profile in priority order
func (a *Adapter) executeWithFailover(ctx context.Context, req Request, onChunk func(string)) (*Completion, string, error) {
	logger := tracing.LoggerFromContext(ctx, a.logger)

	var lastErr error
	var lastProfile string

	for _, profile := range a.candidates() {
		profileStart := time.Now()

		provider, err := a.provider(profile)
		if err != nil {
			observability.RecordEngineCall(profile.Provider, time.Since(profileStart), false)
			logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
			lastErr, lastProfile = err, profile.ID
			continue
		}

		preq := req
		if profile.Model != "" {
			preq.Model = profile.Model
		}

		forwarded := false
		relay := func(text string) {
			forwarded = true
			onChunk(text)
		}

		completion, err := a.callWithRetry(ctx, provider, preq, relay, &forwarded)
		if err == nil {
			a.updateProfileSuccess(profile.ID)
			observability.RecordEngineCall(provider.Name(), time.Since(profileStart), true)
			return completion, profile.ID, nil
		}

		observability.RecordEngineCall(provider.Name(), time.Since(profileStart), false)
		if ctx.Err() != nil {
			return nil, profile.ID, ctx.Err()
		}

		// Text already reached the caller; switching provider would duplicate it
		if forwarded {
			logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Stream broke after output was forwarded")
			return &Completion{StopReason: StopNone}, profile.ID, nil
		}

		lastErr, lastProfile = err, profile.ID
		logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Provider profile failed")
		a.updateProfileFailure(profile.ID)
	}

	if lastErr == nil {
		lastErr = ErrNoProfiles
	}
	logger.Error().Err(lastErr).Msg("All provider profiles failed")
	return nil, lastProfile, &DecisionEngineError{Profile: lastProfile, Err: lastErr}
}

// callWithRetry retries retryable errors with exponential backoff as long as
// no text has been forwarded
func (a *Adapter) callWithRetry(ctx context.Context, provider Provider, req Request, onText func(string), forwarded *bool) (*Completion, error) {
	var lastErr error

	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		completion, err := a.callProvider(ctx, provider, req, onText)
		if err == nil {
			return completion, nil
		}
		lastErr = err

		if *forwarded || !IsRetryableError(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt == a.cfg.MaxRetries-1 {
			break
		}

		delay := a.cfg.RetryBaseDelay * time.Duration(1<<attempt)
		a.logger.Info().
			Str("provider", provider.Name()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", a.cfg.MaxRetries, lastErr)
}

func (a *Adapter) callProvider(ctx context.Context, provider Provider, req Request, onText func(string)) (*Completion, error) {
	ctx, span := tracing.StartSpan(ctx, "parley.engine", "engine.stream", attribute.String("provider", provider.Name()))
	completion, err := provider.Stream(ctx, req, onText)
	tracing.EndSpan(span, err)
	return completion, err
}

// interpret validates a completion and turns it into a Decision
func (a *Adapter) interpret(ctx context.Context, c *Completion) Decision {
	logger := tracing.LoggerFromContext(ctx, a.logger)

	apologize := func(reason string) Decision {
		logger.Warn().Str("reason", reason).Str("stopReason", string(c.StopReason)).Msg("Malformed decision engine output")
		d := FinalAnswer(a.cfg.Apology)
		d.Malformed = true
		return d
	}

	if c.StopReason == StopNone {
		return apologize("stream ended without an end-of-turn marker")
	}

	if len(c.ToolCalls) > 0 {
		if c.StopReason != StopToolUse && c.StopReason != StopEndTurn {
			return apologize("tool request ended with stop reason " + string(c.StopReason))
		}

		calls := make([]Call, 0, len(c.ToolCalls))
		seen := make(map[string]bool)
		for _, tc := range c.ToolCalls {
			name := strings.TrimSpace(tc.Name)
			if name == "" {
				return apologize("tool call without a name")
			}
			args, err := decodeArguments(tc.Arguments)
			if err != nil {
				return apologize(fmt.Sprintf("unparseable arguments for %s: %v", name, err))
			}
			id := tc.ID
			if id == "" || seen[id] {
				id = "call_" + uuid.New().String()
			}
			seen[id] = true
			calls = append(calls, Call{ID: id, Name: name, Arguments: args})
		}
		return ToolRequest(c.Text, calls...)
	}

	if strings.TrimSpace(c.Text) == "" {
		return apologize("empty output")
	}
	return FinalAnswer(c.Text)
}

func decodeArguments(raw json.RawMessage) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

// updateProfileSuccess resets failure count for a profile
func (a *Adapter) updateProfileSuccess(profileID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.profiles {
		if p.ID == profileID {
			p.failures = 0
			p.cooldownUntil = time.Time{}
			observability.SetProviderCooldown(p.ID, false)
			break
		}
	}
}

// updateProfileFailure puts a profile in cooldown, longer for each consecutive failure
func (a *Adapter) updateProfileFailure(profileID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.profiles {
		if p.ID == profileID {
			p.failures++
			p.cooldownUntil = a.now().Add(a.cfg.Cooldown * time.Duration(p.failures))
			observability.SetProviderCooldown(p.ID, true)
			break
		}
	}
}

// IsRetryableError reports whether an error is worth retrying on the same provider
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return retryableStatus(anthropicErr.StatusCode)
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return retryableStatus(openaiErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "etimedout", "connection reset", "rate limit", "overloaded", "429", "502", "503", "504"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	return code == 408 || code == 409 || code == 429 || code >= 500
}
