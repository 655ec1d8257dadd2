// Package toolchannel multiplexes tool invocations over one JSON-RPC
// connection to an out-of-process tool provider.
//
// The channel owns its connection exclusively. A supervisor goroutine dials,
// performs the initialize/tools/list handshake, watches for loss and drives
// the state machine:
//
//	Connecting -> Ready | Down
//	Ready      -> Degraded        (connection lost)
//	Degraded   -> Ready | Down    (single reconnect attempt)
//	Down       -> Connecting      (background retry with exponential backoff)
//
// Callers only read the state and invoke tools.
package toolchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/tools"
)

const maxListPages = 32

// Config holds channel configuration
type Config struct {
	Dialer               Dialer
	HandshakeTimeout     time.Duration
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	ClientName           string
	ClientVersion        string
	Logger               zerolog.Logger
}

// DefaultConfig returns default channel settings for the given dialer
func DefaultConfig(dialer Dialer) Config {
	return Config{
		Dialer:               dialer,
		HandshakeTimeout:     10 * time.Second,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     30 * time.Second,
		ClientName:           "parley",
		ClientVersion:        "0.1.0",
	}
}

type reply struct {
	result json.RawMessage
	rpcErr *rpcError
	err    error
}

// pendingCall is an outstanding request. Control requests (handshake) are
// bound to one connection; tool calls survive reconnection while Degraded.
type pendingCall struct {
	id   int64
	tool string
	args map[string]interface{}
	conn *connection
	sent bool
	done chan reply
}

func (p *pendingCall) control() bool {
	return p.conn != nil
}

func (p *pendingCall) request() rpcRequest {
	id := p.id
	return rpcRequest{
		JSONRPC: jsonrpcVersion,
		Method:  methodToolsCall,
		Params:  callParams{Name: p.tool, Arguments: p.args},
		ID:      &id,
	}
}

// Channel is the shared tool channel
type Channel struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	registry  *tools.Registry
	conn      *connection
	nextID    int64
	pending   map[int64]*pendingCall
	listeners []func(StateChange)
	changed   chan struct{}
	started   bool
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a channel. Nothing is dialed until Start.
func New(cfg Config) *Channel {
	defaults := DefaultConfig(cfg.Dialer)
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = defaults.RetryInitialInterval
	}
	if cfg.RetryMaxInterval < cfg.RetryInitialInterval {
		cfg.RetryMaxInterval = cfg.RetryInitialInterval
	}
	if cfg.ClientName == "" {
		cfg.ClientName = defaults.ClientName
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = defaults.ClientVersion
	}

	return &Channel{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "toolchannel").Logger(),
		state:    StateConnecting,
		registry: tools.Empty(),
		pending:  make(map[int64]*pendingCall),
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnStateChange registers a callback invoked after every transition.
// Callbacks run on the supervisor goroutine and must not block.
func (c *Channel) OnStateChange(fn func(StateChange)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State returns the current connection state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Registry returns the tool snapshot of the latest successful connection
func (c *Channel) Registry() *tools.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry
}

// PendingCount returns the number of outstanding requests
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Start launches the supervisor. It returns immediately; use WaitReady to
// wait for the first successful handshake.
func (c *Channel) Start(ctx context.Context) error {
	if c.cfg.Dialer == nil {
		return errors.New("tool channel has no dialer")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return errors.New("tool channel already started")
	}
	c.started = true

	sctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.supervise(sctx)
	return nil
}

// WaitReady blocks until the channel is Ready, the channel is closed or ctx ends
func (c *Channel) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed, closed := c.state, c.changed, c.closed
		c.mu.Unlock()

		if closed {
			return ErrClosed
		}
		if state == StateReady {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("tool channel %s: %w", state, ctx.Err())
		}
	}
}

// Close stops the supervisor, drops the connection and fails every pending call
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-c.done
	}
	c.goDown(ErrClosed)
	return nil
}

// Invoke calls a tool and waits for its result, the timeout or ctx.
// Every failure is an *InvocationError.
func (c *Channel) Invoke(ctx context.Context, name string, arguments map[string]interface{}, timeout time.Duration) (res Result, err error) {
	ctx, span := tracing.StartSpan(ctx, "parley.toolchannel", "toolchannel.invoke", attribute.String("tool.name", name))
	defer func() { tracing.EndSpan(span, err) }()

	if arguments == nil {
		arguments = map[string]interface{}{}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{}, toolError(name, CodeChannelUnavailable, "tool channel closed", ErrChannelUnavailable)
	}
	state := c.state
	switch state {
	case StateConnecting, StateDown:
		c.mu.Unlock()
		return Result{}, unavailableError(name, state)
	case StateReady:
		if !c.registry.Has(name) {
			c.mu.Unlock()
			return Result{}, toolError(name, CodeUnknownTool, fmt.Sprintf("unknown tool %q", name), tools.ErrUnknownTool)
		}
	}

	c.nextID++
	call := &pendingCall{
		id:   c.nextID,
		tool: name,
		args: arguments,
		done: make(chan reply, 1),
	}
	c.pending[call.id] = call

	// While Degraded the call stays parked until the supervisor resends it
	var conn *connection
	if state == StateReady {
		conn = c.conn
		call.sent = true
	}
	c.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	if conn != nil {
		// A failed send on a dying connection leaves the call for the supervisor to park
		if sendErr := conn.send(ctx, call.request()); sendErr != nil && ctx.Err() != nil {
			c.abandon(call, "cancelled")
			return Result{}, cancelledError(name, ctx.Err())
		}
	}

	select {
	case r := <-call.done:
		return decodeReply(name, r)
	case <-expired:
		c.abandon(call, "timeout")
		c.logger.Warn().Str("tool", name).Int64("request_id", call.id).Dur("timeout", timeout).Msg("Tool invocation timed out")
		return Result{}, timeoutError(name, context.DeadlineExceeded)
	case <-ctx.Done():
		c.abandon(call, "cancelled")
		return Result{}, cancelledError(name, ctx.Err())
	}
}

func cancelledError(tool string, err error) *InvocationError {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(tool, err)
	}
	return &InvocationError{Kind: KindTransport, Tool: tool, Message: "invocation cancelled", Err: err}
}

func decodeReply(name string, r reply) (Result, error) {
	if r.err != nil {
		return Result{}, r.err
	}
	if r.rpcErr != nil {
		return Result{}, toolError(name, r.rpcErr.Code, r.rpcErr.Message, nil)
	}
	res, isError := decodeCallResult(r.result)
	if isError {
		return Result{}, toolError(name, CodeToolFailed, res.Output, nil)
	}
	return res, nil
}

// take removes and returns a pending call; only the taker may deliver to it
func (c *Channel) take(id int64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

// abandon drops a call the caller stopped waiting for and tells the provider
func (c *Channel) abandon(call *pendingCall, reason string) {
	c.mu.Lock()
	_, still := c.pending[call.id]
	delete(c.pending, call.id)
	sent := call.sent
	conn := c.conn
	c.mu.Unlock()

	if still && sent && conn != nil {
		conn.trySend(rpcRequest{
			JSONRPC: jsonrpcVersion,
			Method:  methodCancelled,
			Params:  cancelledParams{RequestID: call.id, Reason: reason},
		})
	}
}

// handleFrame routes one inbound frame of connection cn
func (c *Channel) handleFrame(cn *connection, msg *rpcMessage) error {
	switch {
	case msg.Method != "" && msg.hasID():
		return c.answerServerRequest(cn, msg)

	case msg.Method != "":
		c.logger.Debug().Str("method", msg.Method).Msg("Provider notification")
		return nil

	case msg.hasID():
		id, err := msg.numericID()
		if err != nil {
			return err
		}
		call := c.take(id)
		if call == nil {
			c.logger.Debug().Int64("request_id", id).Msg("Dropping response for abandoned request")
			return nil
		}
		if msg.Error == nil && len(msg.Result) == 0 {
			violation := fmt.Errorf("%w: response %d carries neither result nor error", ErrProtocolViolation, id)
			call.done <- reply{err: transportError(call.tool, violation)}
			return violation
		}
		call.done <- reply{result: msg.Result, rpcErr: msg.Error}
		return nil

	default:
		if msg.Error != nil {
			c.logger.Warn().Int("code", msg.Error.Code).Str("message", msg.Error.Message).Msg("Provider reported an unattributed error")
			return nil
		}
		return fmt.Errorf("%w: frame is neither request nor response", ErrProtocolViolation)
	}
}

// answerServerRequest replies to requests the provider sends to us
func (c *Channel) answerServerRequest(cn *connection, msg *rpcMessage) error {
	resp := rpcResponse{JSONRPC: jsonrpcVersion, ID: msg.ID}
	if msg.Method == methodPing {
		resp.Result = map[string]interface{}{}
	} else {
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "method not supported: " + msg.Method}
	}
	if !cn.trySend(resp) {
		c.logger.Warn().Str("method", msg.Method).Msg("Outbound queue full, dropping reply to provider request")
	}
	return nil
}

// request performs a control call bound to one connection
func (c *Channel) request(ctx context.Context, cn *connection, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	call := &pendingCall{id: id, conn: cn, sent: true, done: make(chan reply, 1)}
	c.pending[id] = call
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: jsonrpcVersion, Method: method, Params: params, ID: &id}
	if err := cn.send(ctx, req); err != nil {
		c.take(id)
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	select {
	case r := <-call.done:
		if r.err != nil {
			return nil, fmt.Errorf("%s: %w", method, r.err)
		}
		if r.rpcErr != nil {
			return nil, fmt.Errorf("%s failed (%d): %s", method, r.rpcErr.Code, r.rpcErr.Message)
		}
		return r.result, nil
	case <-cn.dead:
		c.take(id)
		return nil, fmt.Errorf("%s: %w", method, cn.cause())
	case <-ctx.Done():
		c.take(id)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// establish dials and handshakes a new connection
func (c *Channel) establish(ctx context.Context) (*connection, *tools.Registry, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	rwc, err := c.cfg.Dialer.Dial(hctx)
	if err != nil {
		observability.RecordChannelConnect(false, 0)
		return nil, nil, err
	}

	cn := newConnection(rwc)
	go cn.writeLoop()
	go cn.readLoop(func(msg *rpcMessage) error { return c.handleFrame(cn, msg) })

	reg, err := c.handshake(hctx, cn)
	if err != nil {
		cn.fail(err)
		observability.RecordChannelConnect(false, 0)
		return nil, nil, err
	}

	observability.RecordChannelConnect(true, reg.Len())
	return cn, reg, nil
}

func (c *Channel) handshake(ctx context.Context, cn *connection) (*tools.Registry, error) {
	raw, err := c.request(ctx, cn, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      clientInfo{Name: c.cfg.ClientName, Version: c.cfg.ClientVersion},
	})
	if err != nil {
		return nil, err
	}

	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return nil, fmt.Errorf("%w: initialize result: %v", ErrProtocolViolation, err)
	}

	if err := cn.send(ctx, rpcRequest{JSONRPC: jsonrpcVersion, Method: methodInitialized}); err != nil {
		return nil, fmt.Errorf("%s: %w", methodInitialized, err)
	}

	var descriptors []tools.Descriptor
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		var params interface{}
		if cursor != "" {
			params = listParams{Cursor: cursor}
		}
		raw, err := c.request(ctx, cn, methodToolsList, params)
		if err != nil {
			return nil, err
		}

		var list listResult
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: tool manifest: %v", ErrProtocolViolation, err)
		}
		descriptors = append(descriptors, list.Tools...)

		if list.NextCursor == "" || list.NextCursor == cursor {
			break
		}
		cursor = list.NextCursor
	}

	c.mu.Lock()
	epoch := c.registry.Epoch() + 1
	c.mu.Unlock()

	reg, err := tools.NewRegistry(epoch, descriptors)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	c.logger.Debug().
		Str("server", init.ServerInfo.Name).
		Str("protocol", init.ProtocolVersion).
		Int("tools", reg.Len()).
		Msg("Tool provider handshake complete")
	return reg, nil
}

// supervise is the only goroutine that replaces the connection or registry
func (c *Channel) supervise(ctx context.Context) {
	defer close(c.done)

	cn, reg, err := c.establish(ctx)
	for {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.goDown(err)
			cn, reg, err = c.recover(ctx)
			if err != nil {
				return
			}
		}

		c.activate(ctx, cn, reg)

		select {
		case <-ctx.Done():
			cn.fail(ErrClosed)
			return
		case <-cn.dead:
		}

		c.degrade(cn.cause())
		cn, reg, err = c.establish(ctx)
	}
}

// recover retries with exponential backoff until a connection succeeds or ctx ends
func (c *Channel) recover(ctx context.Context) (*connection, *tools.Registry, error) {
	type established struct {
		conn     *connection
		registry *tools.Registry
	}

	for {
		select {
		case <-time.After(c.cfg.RetryInitialInterval):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}

		b := &backoff.ExponentialBackOff{
			InitialInterval:     c.cfg.RetryInitialInterval,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         c.cfg.RetryMaxInterval,
		}
		b.Reset()

		attempt := 0
		est, err := backoff.Retry(ctx, func() (established, error) {
			attempt++
			c.transition(StateConnecting, nil)
			cn, reg, err := c.establish(ctx)
			if err != nil {
				c.goDown(err)
				return established{}, err
			}
			return established{conn: cn, registry: reg}, nil
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.logger.Debug().Err(err).Int("attempt", attempt).Dur("next", next).Msg("Tool provider still unreachable")
			}),
		)
		if err == nil {
			return est.conn, est.registry, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
	}
}

// activate installs a fresh connection and resends or fails parked calls
func (c *Channel) activate(ctx context.Context, cn *connection, reg *tools.Registry) {
	c.mu.Lock()
	c.conn = cn
	c.registry = reg

	var resend, dropped []*pendingCall
	for id, p := range c.pending {
		if p.control() || p.sent {
			continue
		}
		if !reg.Has(p.tool) {
			delete(c.pending, id)
			dropped = append(dropped, p)
			continue
		}
		p.sent = true
		resend = append(resend, p)
	}
	change, ok := c.transitionLocked(StateReady, nil)
	c.mu.Unlock()

	for _, p := range dropped {
		p.done <- reply{err: toolError(p.tool, CodeToolUnavailable,
			fmt.Sprintf("tool %q is no longer offered by the provider", p.tool), tools.ErrUnknownTool)}
	}

	sort.Slice(resend, func(i, j int) bool { return resend[i].id < resend[j].id })
	for _, p := range resend {
		if err := cn.send(ctx, p.request()); err != nil {
			break
		}
	}

	if len(resend) > 0 || len(dropped) > 0 {
		c.logger.Info().Int("resent", len(resend)).Int("dropped", len(dropped)).Msg("Parked tool calls resolved after reconnect")
	}
	if ok {
		c.emit(change)
	}
}

// degrade parks every in-flight call after a connection loss
func (c *Channel) degrade(cause error) {
	c.mu.Lock()
	c.conn = nil
	for _, p := range c.pending {
		if !p.control() {
			p.sent = false
		}
	}
	change, ok := c.transitionLocked(StateDegraded, cause)
	c.mu.Unlock()

	if ok {
		c.emit(change)
	}
}

// goDown fails every parked or in-flight call with a transport error
func (c *Channel) goDown(cause error) {
	c.mu.Lock()
	c.conn = nil
	var failed []*pendingCall
	for id, p := range c.pending {
		if p.control() {
			continue
		}
		delete(c.pending, id)
		failed = append(failed, p)
	}
	change, ok := c.transitionLocked(StateDown, cause)
	c.mu.Unlock()

	for _, p := range failed {
		p.done <- reply{err: transportError(p.tool, fmt.Errorf("tool provider unreachable: %w", cause))}
	}
	if ok {
		c.emit(change)
	}
}

func (c *Channel) transition(to State, cause error) {
	c.mu.Lock()
	change, ok := c.transitionLocked(to, cause)
	c.mu.Unlock()
	if ok {
		c.emit(change)
	}
}

func (c *Channel) transitionLocked(to State, cause error) (StateChange, bool) {
	from := c.state
	if from == to {
		return StateChange{}, false
	}
	c.state = to
	close(c.changed)
	c.changed = make(chan struct{})
	return StateChange{From: from, To: to, Epoch: c.registry.Epoch(), Registry: c.registry, Err: cause}, true
}

// emit logs a transition once and notifies listeners
func (c *Channel) emit(change StateChange) {
	var event *zerolog.Event
	switch change.To {
	case StateReady:
		event = c.logger.Info().Uint64("epoch", change.Epoch).Int("tools", change.Registry.Len())
	case StateConnecting:
		event = c.logger.Debug()
	default:
		event = c.logger.Warn().Err(change.Err)
	}
	event.Str("from", change.From.String()).Str("to", change.To.String()).Msg("Tool channel state changed")

	observability.SetChannelState(change.To.String())
	if change.To != StateConnecting && change.From != StateConnecting {
		observability.RecordChannelAudit(context.Background(), change.From.String(), change.To.String(), map[string]interface{}{
			"epoch": change.Epoch,
		})
	}

	c.mu.Lock()
	listeners := make([]func(StateChange), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
}
