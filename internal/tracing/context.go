package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SessionIDKey is the context key for the conversation session
	SessionIDKey ContextKey = "session_id"
	// LoopIDKey is the context key for one decision loop run
	LoopIDKey ContextKey = "loop_id"
	// CallIDKey is the context key for a tool call
	CallIDKey ContextKey = "call_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	SessionID string
	LoopID    string
	CallID    string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewLoopID generates a new decision loop ID
func NewLoopID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithLoopID adds a loop ID to the context
func WithLoopID(ctx context.Context, loopID string) context.Context {
	return context.WithValue(ctx, LoopIDKey, loopID)
}

// WithCallID adds a tool call ID to the context
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, CallIDKey, callID)
}

func value(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return value(ctx, TraceIDKey)
}

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string {
	return value(ctx, SessionIDKey)
}

// GetLoopID retrieves the loop ID from the context
func GetLoopID(ctx context.Context) string {
	return value(ctx, LoopIDKey)
}

// GetCallID retrieves the tool call ID from the context
func GetCallID(ctx context.Context) string {
	return value(ctx, CallIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		SessionID: GetSessionID(ctx),
		LoopID:    GetLoopID(ctx),
		CallID:    GetCallID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.LoopID != "" {
		ctx = WithLoopID(ctx, tc.LoopID)
	}
	if tc.CallID != "" {
		ctx = WithCallID(ctx, tc.CallID)
	}
	return ctx
}

// NewSessionContext starts a trace for a newly opened session
func NewSessionContext(ctx context.Context, sessionID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return WithSessionID(ctx, sessionID)
}

// NewLoopContext tags the context with a fresh loop ID, keeping the trace
func NewLoopContext(ctx context.Context) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return WithLoopID(ctx, NewLoopID())
}
