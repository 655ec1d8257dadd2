package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/engine"
	"github.com/harun/parley/pkg/toolchannel"
	"github.com/harun/parley/pkg/tools"
)

// DecisionEngine decides the next step of a conversation
type DecisionEngine interface {
	Decide(ctx context.Context, history []conversation.Turn, registry *tools.Registry, onChunk func(string)) (engine.Decision, error)
}

// ToolInvoker is the part of the tool channel the orchestrator uses
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, arguments map[string]interface{}, timeout time.Duration) (toolchannel.Result, error)
	Registry() *tools.Registry
}

// SessionIDer is implemented by transports that bring their own session id
type SessionIDer interface {
	SessionID() string
}

// Close reasons
const (
	ReasonClientClosed = "client_closed"
	ReasonDisconnected = "disconnected"
	ReasonIdle         = "idle"
	ReasonEngineError  = "engine_error"
	ReasonShutdown     = "shutdown"
)

// SessionEventType identifies a session lifecycle event
type SessionEventType string

const (
	SessionOpened SessionEventType = "opened"
	SessionClosed SessionEventType = "closed"
)

// SessionEvent is delivered to OnSessionEvent listeners
type SessionEvent struct {
	Type      SessionEventType
	SessionID string
	Reason    string // closed only
	At        time.Time
}

// Orchestrator owns live sessions and runs their decision loops
type Orchestrator struct {
	engine    DecisionEngine
	tools     ToolInvoker
	cfg       Config
	store     *SessionStore
	queue     *commandqueue.CommandQueue
	ownsQueue bool
	logger    zerolog.Logger
	reaper    *cron.Cron

	listenersMu sync.RWMutex
	listeners   []func(SessionEvent)

	shuttingDown atomic.Bool
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithQueue runs session lanes on a caller owned queue
func WithQueue(queue *commandqueue.CommandQueue) Option {
	return func(o *Orchestrator) {
		o.queue = queue
	}
}

// WithStore sets the session store
func WithStore(store *SessionStore) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// New creates an Orchestrator. Call Start to run the idle reaper.
func New(decider DecisionEngine, invoker ToolInvoker, cfg Config, opts ...Option) (*Orchestrator, error) {
	if decider == nil {
		return nil, invalidConfig("decision engine is required")
	}
	if invoker == nil {
		return nil, invalidConfig("tool invoker is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	observability.EnsureRegistered()

	o := &Orchestrator{
		engine: decider,
		tools:  invoker,
		cfg:    cfg.withDefaults(),
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		o.store = NewSessionStore()
	}
	if o.queue == nil {
		o.queue = commandqueue.New()
		o.ownsQueue = true
	}
	o.logger = o.logger.With().Str("component", "orchestrator").Logger()

	return o, nil
}

// Config returns the active configuration
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// OnSessionEvent registers a lifecycle listener. Listeners run synchronously.
func (o *Orchestrator) OnSessionEvent(fn func(SessionEvent)) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	o.listeners = append(o.listeners, fn)
}

func (o *Orchestrator) notify(event SessionEvent) {
	o.listenersMu.RLock()
	listeners := o.listeners
	o.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(event)
	}
}

func laneFor(sessionID string) string {
	return "session:" + sessionID
}

// Open creates and registers a session for a newly connected transport
func (o *Orchestrator) Open(ctx context.Context, transport conversation.Transport) (*conversation.Session, error) {
	if o.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}

	id := ""
	if t, ok := transport.(SessionIDer); ok {
		id = t.SessionID()
	}
	sess := conversation.NewSession(id, transport)

	// The session outlives the request that opened it
	sctx, cancel := context.WithCancel(tracing.NewSessionContext(tracing.Detach(ctx), sess.ID))
	entry := &sessionEntry{
		session: sess,
		lane:    laneFor(sess.ID),
		ctx:     sctx,
		cancel:  cancel,
		slots:   semaphore.NewWeighted(int64(o.cfg.MaxPendingCalls)),
	}
	if !o.store.add(entry) {
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
	}

	observability.SetActiveSessions(o.store.Len())
	meta := map[string]interface{}{}
	if transport != nil {
		meta["remote_addr"] = transport.RemoteAddr()
	}
	observability.RecordSessionAudit(sctx, sess.ID, "open", "success", meta)

	logger := tracing.LoggerFromContext(sctx, o.logger)
	logger.Info().Msg("Session opened")
	o.notify(SessionEvent{Type: SessionOpened, SessionID: sess.ID, At: time.Now()})

	return sess, nil
}

// HandleInbound queues a message on the session lane and returns the turns
// produced for it. The channel is closed when the loop for this message ends.
func (o *Orchestrator) HandleInbound(ctx context.Context, sessionID, text string) (<-chan conversation.Turn, error) {
	entry, ok := o.store.get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !entry.session.Alive() || entry.ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}
	entry.session.Touch()

	return o.submit(ctx, entry, text), nil
}

// submit queues the loop for one message on the session lane
func (o *Orchestrator) submit(ctx context.Context, entry *sessionEntry, text string) <-chan conversation.Turn {
	loopCtx := tracing.NewLoopContext(entry.ctx)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		loopCtx = tracing.WithTraceID(loopCtx, traceID)
	}

	var opts *commandqueue.TaskOptions
	if o.cfg.QueueWarnAfter > 0 {
		opts = &commandqueue.TaskOptions{
			WarnAfter: o.cfg.QueueWarnAfter,
			OnWait: func(time.Duration, int) {
				observability.RecordSlowWait()
			},
		}
	}

	out := make(chan conversation.Turn, o.cfg.OutboundBuffer)
	handle := o.queue.Submit(loopCtx, entry.lane, func(taskCtx context.Context) (interface{}, error) {
		return o.runLoop(taskCtx, entry, text, out), nil
	}, opts)

	go func() {
		<-handle.Done()
		close(out)
		// A Close racing this submit may have deleted the lane first
		if entry.ctx.Err() != nil {
			o.queue.PruneLane(entry.lane)
		}
	}()

	return out
}

// Backlog reports inbound messages being processed and waiting across all sessions
func (o *Orchestrator) Backlog() (running, queued int) {
	for _, st := range o.queue.GetStats() {
		running += st.Running
		queued += st.Queued
	}
	return running, queued
}

// Session returns a live session
func (o *Orchestrator) Session(id string) (*conversation.Session, bool) {
	entry, ok := o.store.get(id)
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// Sessions returns all live sessions, oldest first
func (o *Orchestrator) Sessions() []*conversation.Session {
	entries := o.store.entries()
	out := make([]*conversation.Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.session)
	}
	return out
}

// Close destroys a session: its history is sealed, in-flight engine and tool
// calls are cancelled and queued messages are dropped. It does not wait for
// the cancelled calls to return.
func (o *Orchestrator) Close(sessionID, reason string) error {
	entry, ok := o.store.remove(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	entry.session.MarkClosed()
	entry.cancel()
	dropped := o.queue.DeleteLane(entry.lane)

	observability.SetActiveSessions(o.store.Len())
	observability.RecordSessionClosed(reason)
	observability.RecordSessionAudit(entry.ctx, sessionID, "close", "success", map[string]interface{}{
		"reason":  reason,
		"dropped": dropped,
	})

	logger := tracing.LoggerFromContext(entry.ctx, o.logger)
	logger.Info().
		Str("reason", reason).
		Int("dropped_messages", dropped).
		Int("turns", entry.session.History().Len()).
		Msg("Session closed")

	o.notify(SessionEvent{Type: SessionClosed, SessionID: sessionID, Reason: reason, At: time.Now()})
	return nil
}

// Start runs the idle reaper when an idle timeout is configured
func (o *Orchestrator) Start() error {
	return o.startReaper()
}

// Shutdown closes every session and waits for running loops to return
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	o.logger.Info().Int("active_sessions", o.store.Len()).Msg("Shutting down orchestrator")

	if o.reaper != nil {
		select {
		case <-o.reaper.Stop().Done():
		case <-ctx.Done():
		}
	}

	for _, e := range o.store.entries() {
		_ = o.Close(e.session.ID, ReasonShutdown)
	}

	wait := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	drained := o.queue.WaitForActive(wait)

	if o.ownsQueue {
		_ = o.queue.Close()
	}
	if !drained {
		return fmt.Errorf("orchestrator shutdown: loops still running after %s", wait)
	}
	return nil
}
