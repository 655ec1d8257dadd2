package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit categories
const (
	AuditSession     = "session"
	AuditToolChannel = "tool_channel"
	AuditSecurity    = "security"
	AuditConfig      = "config"
)

// AuditEvent is one line of the audit trail
type AuditEvent struct {
	Category string
	Actor    string // session id, client id or component
	Action   string
	Outcome  string // success or failure
	Fields   map[string]interface{}
}

// AuditLogger writes audit events as JSON lines, one per event
type AuditLogger struct {
	mu     sync.Mutex
	out    zerolog.Logger
	closer io.Closer
}

// NewAuditLogger creates an audit logger writing to w
func NewAuditLogger(w io.Writer) *AuditLogger {
	a := &AuditLogger{out: zerolog.New(w).With().Timestamp().Logger()}
	if c, ok := w.(io.Closer); ok && w != os.Stderr && w != os.Stdout {
		a.closer = c
	}
	return a
}

var auditTrail atomic.Pointer[AuditLogger]

// GetAuditLogger returns the process audit logger, stderr until InitAuditLogger runs
func GetAuditLogger() *AuditLogger {
	if a := auditTrail.Load(); a != nil {
		return a
	}
	auditTrail.CompareAndSwap(nil, NewAuditLogger(os.Stderr))
	return auditTrail.Load()
}

// InitAuditLogger sends the audit trail to an append-only file. An empty
// path keeps stderr.
func InitAuditLogger(path string) error {
	if path == "" {
		GetAuditLogger()
		return nil
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if prev := auditTrail.Swap(NewAuditLogger(file)); prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Record writes the event and, when ctx carries a recording span, attaches
// it to the span as an event.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	traceID := ""
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+event.Category, trace.WithAttributes(
			attribute.String("audit.action", event.Action),
			attribute.String("audit.actor", event.Actor),
			attribute.String("audit.outcome", event.Outcome),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.out.Log().
		Str("category", event.Category).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("outcome", event.Outcome)
	if traceID != "" {
		entry = entry.Str("trace_id", traceID)
	}
	if len(event.Fields) > 0 {
		entry = entry.Fields(event.Fields)
	}
	entry.Send()
}

// Close releases the audit file, if any
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

// RecordSessionAudit records a session being opened or closed
func RecordSessionAudit(ctx context.Context, sessionID, action, outcome string, fields map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Category: AuditSession,
		Actor:    sessionID,
		Action:   action,
		Outcome:  outcome,
		Fields:   fields,
	})
}

// RecordChannelAudit records a tool channel state transition
func RecordChannelAudit(ctx context.Context, from, to string, fields map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Category: AuditToolChannel,
		Actor:    "toolchannel",
		Action:   from + "->" + to,
		Outcome:  "success",
		Fields:   fields,
	})
}

func RecordSecurityAudit(ctx context.Context, action, actor, outcome string, fields map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Category: AuditSecurity,
		Actor:    actor,
		Action:   action,
		Outcome:  outcome,
		Fields:   fields,
	})
}

func RecordConfigAudit(ctx context.Context, action, actor string, fields map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Category: AuditConfig,
		Actor:    actor,
		Action:   action,
		Outcome:  "success",
		Fields:   fields,
	})
}
