package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/engine"
	"github.com/harun/parley/pkg/toolchannel"
)

// CodeInvalidArguments is the ToolError code for arguments rejected by the tool's schema
const CodeInvalidArguments = -32602

// Loop outcomes as reported to metrics
const (
	outcomeFinal     = "final"
	outcomeMalformed = "malformed"
	outcomeDegraded  = "degraded"
	outcomeFatal     = "fatal"
	outcomeCancelled = "cancelled"
)

// loop is the state of one decision loop, answering one inbound message
type loop struct {
	o      *Orchestrator
	entry  *sessionEntry
	ctx    context.Context
	out    chan<- conversation.Turn
	logger zerolog.Logger
}

// runLoop executes the decide/act cycle for one inbound message and returns its outcome
func (o *Orchestrator) runLoop(ctx context.Context, entry *sessionEntry, text string, out chan<- conversation.Turn) string {
	ctx, span := tracing.StartSpan(ctx, "parley.orchestrator", "orchestrator.loop",
		attribute.String("session.id", entry.session.ID))

	l := &loop{
		o:      o,
		entry:  entry,
		ctx:    ctx,
		out:    out,
		logger: tracing.LoggerFromContext(ctx, o.logger),
	}

	start := time.Now()
	iterations := 0
	outcome := outcomeCancelled
	defer func() {
		observability.RecordLoop(outcome, iterations, time.Since(start))
		span.SetAttributes(
			attribute.String("loop.outcome", outcome),
			attribute.Int("loop.iterations", iterations),
		)
		span.End()
		l.logger.Debug().Str("outcome", outcome).Int("iterations", iterations).Dur("duration", time.Since(start)).Msg("Decision loop finished")
	}()

	if _, ok := l.append(conversation.UserMessage(text)); !ok {
		return outcome
	}
	history := entry.session.History()

	for iterations < o.cfg.MaxIterations {
		if ctx.Err() != nil {
			return outcome
		}
		iterations++

		decision, err := o.engine.Decide(ctx, history.Snapshot(), o.tools.Registry(), func(chunk string) {
			l.emit(conversation.AgentMessage(chunk, true))
		})
		if err != nil {
			if ctx.Err() != nil {
				return outcome
			}
			outcome = outcomeFatal
			l.fatal(err)
			return outcome
		}

		if decision.Kind == engine.DecisionTools && len(decision.Calls) > 0 {
			if !l.runTools(decision) {
				return outcome
			}
			continue
		}

		turn, ok := l.append(conversation.AgentMessage(decision.Text, false))
		if !ok {
			return outcome
		}
		l.emit(turn)
		outcome = outcomeFinal
		if decision.Malformed {
			outcome = outcomeMalformed
		}
		return outcome
	}

	l.logger.Warn().Int("max_iterations", o.cfg.MaxIterations).Msg("Iteration bound reached")
	if turn, ok := l.append(conversation.DegradedMessage(o.cfg.DegradedText)); ok {
		l.emit(turn)
		outcome = outcomeDegraded
	}
	return outcome
}

// runTools records the requested calls, dispatches them concurrently and
// waits for every result. It returns false once the session is gone.
func (l *loop) runTools(decision engine.Decision) bool {
	history := l.entry.session.History()

	// Interim text already reached the caller as chunks
	if strings.TrimSpace(decision.Text) != "" {
		if _, ok := l.append(conversation.AgentMessage(decision.Text, true)); !ok {
			return false
		}
	}

	calls := make([]engine.Call, 0, len(decision.Calls))
	for _, call := range decision.Calls {
		turn, err := history.Append(conversation.ToolCall(call.ID, call.Name, call.Arguments))
		if errors.Is(err, conversation.ErrDuplicateCall) || errors.Is(err, conversation.ErrInvalidTurn) {
			l.logger.Warn().Str("call_id", call.ID).Str("tool", call.Name).Err(err).Msg("Reassigning tool call id")
			call.ID = uuid.New().String()
			turn, err = history.Append(conversation.ToolCall(call.ID, call.Name, call.Arguments))
		}
		if err != nil {
			if !errors.Is(err, conversation.ErrSessionClosed) {
				l.logger.Error().Err(err).Str("tool", call.Name).Msg("Failed to record tool call")
			}
			return false
		}
		l.emit(turn)
		calls = append(calls, call)
	}

	var wg sync.WaitGroup
	for _, call := range calls {
		wg.Add(1)
		go func(call engine.Call) {
			defer wg.Done()
			l.dispatch(call)
		}(call)
	}
	wg.Wait()

	return l.ctx.Err() == nil
}

// dispatch runs one call under the session's pending-call cap and records its result
func (l *loop) dispatch(call engine.Call) {
	if err := l.entry.slots.Acquire(l.ctx, 1); err != nil {
		return
	}
	observability.AddPendingCalls(1)
	result, err := l.invoke(call)
	l.entry.slots.Release(1)
	observability.AddPendingCalls(-1)

	if l.ctx.Err() != nil {
		return
	}

	turn := conversation.ToolResult(call.ID, call.Name, result.Output)
	if err != nil {
		turn = conversation.ToolError(call.ID, call.Name, failureFrom(err))
	}
	if appended, ok := l.append(turn); ok {
		l.emit(appended)
	}
}

// invoke validates arguments against the current registry and calls the tool
func (l *loop) invoke(call engine.Call) (toolchannel.Result, error) {
	ctx := tracing.WithCallID(l.ctx, call.ID)
	ctx, span := tracing.StartSpan(ctx, "parley.orchestrator", "orchestrator.invoke",
		attribute.String("tool.name", call.Name),
		attribute.String("call.id", call.ID),
	)
	logger := tracing.LoggerFromContext(ctx, l.o.logger)
	start := time.Now()

	var result toolchannel.Result
	var err error

	// Unknown tools are left for the channel to reject with the right code
	registry := l.o.tools.Registry()
	if registry.Has(call.Name) {
		if verr := registry.Validate(call.Name, call.Arguments); verr != nil {
			err = &toolchannel.InvocationError{
				Kind:    toolchannel.KindTool,
				Tool:    call.Name,
				Code:    CodeInvalidArguments,
				Message: verr.Error(),
				Err:     verr,
			}
		}
	}
	if err == nil {
		result, err = l.o.tools.Invoke(ctx, call.Name, call.Arguments, l.o.cfg.ToolTimeout)
	}

	duration := time.Since(start)
	tracing.EndSpan(span, err)

	status := "success"
	if err != nil {
		status = failureFrom(err).Kind
		logger.Warn().Str("tool", call.Name).Dur("duration", duration).Err(err).Msg("Tool call failed")
	} else {
		logger.Debug().Str("tool", call.Name).Dur("duration", duration).Msg("Tool call completed")
	}
	observability.RecordToolInvocation(call.Name, status, duration)

	return result, err
}

// fatal records the single error turn and closes the session
func (l *loop) fatal(err error) {
	var engineErr *engine.DecisionEngineError
	if errors.As(err, &engineErr) {
		l.logger.Error().Err(err).Str("profile", engineErr.Profile).Msg("Decision engine unavailable, closing session")
	} else {
		l.logger.Error().Err(err).Msg("Decision engine failed, closing session")
	}

	if turn, ok := l.append(conversation.FatalMessage(l.o.cfg.FatalText)); ok {
		l.emit(turn)
	}
	_ = l.o.Close(l.entry.session.ID, ReasonEngineError)
}

func (l *loop) append(turn conversation.Turn) (conversation.Turn, bool) {
	appended, err := l.entry.session.History().Append(turn)
	if err != nil {
		if !errors.Is(err, conversation.ErrSessionClosed) {
			l.logger.Error().Err(err).Str("kind", string(turn.Kind)).Msg("Failed to append turn")
		}
		return conversation.Turn{}, false
	}
	return appended, true
}

// emit forwards a turn to the caller unless the session has been cancelled
func (l *loop) emit(turn conversation.Turn) bool {
	if l.ctx.Err() != nil {
		return false
	}
	select {
	case l.out <- turn:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// failureFrom converts an invocation error into a history payload
func failureFrom(err error) conversation.ToolFailure {
	var invErr *toolchannel.InvocationError
	if errors.As(err, &invErr) {
		msg := invErr.Message
		if msg == "" && invErr.Err != nil {
			msg = invErr.Err.Error()
		}
		return conversation.ToolFailure{Kind: string(invErr.Kind), Code: invErr.Code, Message: msg}
	}
	return conversation.ToolFailure{Kind: string(toolchannel.KindTransport), Message: err.Error()}
}
