package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/orchestrator"
	"github.com/harun/parley/pkg/toolchannel"
)

const (
	writeWait              = 10 * time.Second
	defaultMaxMessageBytes = 1 << 20
)

// SessionHandler is the orchestrator as seen by the gateway
type SessionHandler interface {
	Open(ctx context.Context, transport conversation.Transport) (*conversation.Session, error)
	HandleInbound(ctx context.Context, sessionID, text string) (<-chan conversation.Turn, error)
	Close(sessionID, reason string) error
}

// Server is the websocket transport adapter
type Server struct {
	host            string
	port            int
	tickInterval    time.Duration
	maxMessageBytes int64
	rateLimit       int
	maxConcurrent   int
	server          *http.Server
	listener        net.Listener
	upgrader        websocket.Upgrader
	clients         *ClientRegistry
	router          *FrameRouter
	authHandler     *AuthHandler
	broadcaster     *EventBroadcaster
	dedup           *Deduper
	sessions        SessionHandler
	health          func() Health
	logger          zerolog.Logger
	isShuttingDown  bool
	shutdownMu      sync.RWMutex
	inFlightReqs    sync.WaitGroup
	tickCancel      context.CancelFunc
	tickWG          sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	// RequestsPerMinute and MaxConcurrent limit inbound messages per client
	RequestsPerMinute int
	MaxConcurrent     int
	DedupTTL          time.Duration
	TickInterval      time.Duration
	MaxMessageBytes   int64
	Sessions          SessionHandler
	// Health reports tool channel state for /healthz
	Health func() Health
	Logger zerolog.Logger
}

// outboundStream is one unit of forwarder work: the turns of one inbound
// message, or the final session.closed event
type outboundStream struct {
	turns          <-chan conversation.Turn
	idempotencyKey string
	closing        *EventMessage
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session handler is required")
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}

	observability.EnsureRegistered()

	clients := NewClientRegistry()
	logger := cfg.Logger.With().Str("component", "gateway").Logger()

	s := &Server{
		host:            cfg.Host,
		port:            cfg.Port,
		tickInterval:    cfg.TickInterval,
		maxMessageBytes: cfg.MaxMessageBytes,
		rateLimit:       cfg.RequestsPerMinute,
		maxConcurrent:   cfg.MaxConcurrent,
		clients:         clients,
		router:          NewFrameRouter(),
		authHandler:     NewAuthHandler(cfg.SharedSecret),
		broadcaster:     NewEventBroadcaster(clients, logger),
		dedup:           NewDeduper(cfg.DedupTTL),
		sessions:        cfg.Sessions,
		health:          cfg.Health,
		logger:          logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // callers are authenticated by challenge, not origin
			},
		},
	}

	_ = s.router.Handle(FrameMessage, s.handleInboundMessage)
	_ = s.router.Handle(FrameClose, s.handleCloseFrame)

	return s, nil
}

// Handler returns the HTTP handler serving /ws, /healthz and /metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", observability.MetricsHandler())
	return mux
}

// Start starts listening. It returns once the listener is bound.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the bound address after Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the Gateway Server
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast(EventShutdown, map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight messages completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.BroadcastTyped(EventMessage{
					Event:  EventTick,
					Stream: StreamTypeLifecycle,
					Phase:  "tick",
					Data: map[string]interface{}{
						"clients": s.clients.Count(),
					},
				})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var h Health
	if s.health != nil {
		h = s.health()
	}
	h.Clients, h.AuthenticatedClients, h.IdleClients = 0, 0, 0
	for _, info := range s.clients.GetConnectedClients() {
		h.Clients++
		if info.Authenticated {
			h.AuthenticatedClients++
		}
		if info.Idle {
			h.IdleClients++
		}
	}
	if h.Status == "" {
		h.Status = "ok"
		if h.ToolChannel != "" && h.ToolChannel != toolchannel.StateReady.String() {
			h.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode health response")
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(s.maxMessageBytes)

	buffer := s.maxConcurrent
	if buffer <= 0 {
		buffer = 16
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiterWithLimits(s.rateLimit, s.maxConcurrent),
		State:        StateConnecting,
		streams:      make(chan outboundStream, buffer+1),
		done:         make(chan struct{}),
	}

	s.clients.Add(client)
	observability.SetGatewayClients(s.clients.Count())

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.forward(client)

	if s.authHandler.Enabled() {
		if err := s.sendAuthChallenge(client); err != nil {
			s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
			s.disconnect(client)
			return
		}
	} else if err := s.authenticated(client); err != nil {
		s.disconnect(client)
		return
	}

	go s.handleClient(client)
}

// sendAuthChallenge sends an authentication challenge to a client
func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.State = StateAuthenticating

	return client.WriteJSON(AuthChallenge{
		Event:     EventAuthChallenge,
		Challenge: challenge,
	})
}

// authenticated marks a client authenticated and opens its session
func (s *Server) authenticated(client *Client) error {
	s.clients.MarkAuthenticated(client.ID)

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	sess, err := s.sessions.Open(ctx, client)
	if err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to open session")
		s.sendError(client, SessionUnavailable, "failed to open session", "")
		return err
	}

	s.clients.BindSession(client, sess.ID)

	return client.Send(EventMessage{
		Event:   EventSessionOpened,
		Stream:  StreamTypeLifecycle,
		Phase:   "opened",
		TraceID: tracing.GetTraceID(ctx),
		Data: map[string]interface{}{
			"session_id": sess.ID,
			"client_id":  client.ID,
		},
	})
}

// disconnect closes the connection and releases everything bound to it
func (s *Server) disconnect(client *Client) {
	client.shutdown()
	client.Conn.Close()
	s.clients.Remove(client.ID)
	observability.SetGatewayClients(s.clients.Count())

	if sid := client.BoundSession(); sid != "" {
		s.dedup.Forget(sid)
		if err := s.sessions.Close(sid, orchestrator.ReasonDisconnected); err != nil && !errors.Is(err, orchestrator.ErrSessionNotFound) {
			s.logger.Warn().Err(err).Str("session_id", sid).Msg("Failed to close session")
		}
	}

	s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
}

// handleClient reads frames until the connection ends
func (s *Server) handleClient(client *Client) {
	defer s.disconnect(client)

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage handles a single frame from a client
func (s *Server) handleMessage(client *Client, message []byte) {
	frame, err := s.router.ParseFrame(message)
	if err != nil {
		var frameErr *FrameError
		if errors.As(err, &frameErr) {
			s.sendError(client, frameErr.Code, frameErr.Message, "")
		} else {
			s.sendError(client, ParseError, err.Error(), "")
		}
		return
	}

	if frame.Type == FrameAuthResponse {
		s.handleAuthMessage(client, frame)
		return
	}

	if !client.Authenticated {
		s.sendError(client, AuthenticationRequired, "Authentication required", "")
		return
	}

	if err := s.router.Route(client, frame); err != nil {
		var frameErr *FrameError
		if errors.As(err, &frameErr) {
			s.sendError(client, frameErr.Code, frameErr.Message, frame.IdempotencyKey)
		}
	}
}

// handleInboundMessage hands a user message to the orchestrator
func (s *Server) handleInboundMessage(client *Client, frame ClientFrame) {
	sid := client.BoundSession()
	if sid == "" {
		s.sendError(client, SessionUnavailable, "no open session", frame.IdempotencyKey)
		return
	}

	allowed, reason := client.RateLimiter.Acquire()
	if !allowed {
		code := RateLimitExceeded
		label := "rate_limited"
		if reason == ReasonTooConcurrent {
			code = TooManyConcurrent
			label = "too_concurrent"
		}
		observability.RecordGatewayRejected(label)
		s.sendError(client, code, reason, frame.IdempotencyKey)
		return
	}

	if s.dedup.Seen(dedupKey(sid, frame.IdempotencyKey)) {
		client.RateLimiter.Release()
		observability.RecordGatewayRejected("duplicate")
		s.sendError(client, DuplicateMessage, "duplicate message ignored", frame.IdempotencyKey)
		return
	}

	ctx := tracing.WithSessionID(context.Background(), sid)
	turns, err := s.sessions.HandleInbound(ctx, sid, frame.Text)
	if err != nil {
		client.RateLimiter.Release()
		s.sendError(client, SessionUnavailable, err.Error(), frame.IdempotencyKey)
		return
	}

	s.inFlightReqs.Add(1)
	select {
	case client.streams <- outboundStream{turns: turns, idempotencyKey: frame.IdempotencyKey}:
	case <-client.done:
		client.RateLimiter.Release()
		s.inFlightReqs.Done()
	}
}

// handleCloseFrame closes the client's session on request
func (s *Server) handleCloseFrame(client *Client, frame ClientFrame) {
	sid := client.BoundSession()
	if sid == "" {
		return
	}
	if err := s.sessions.Close(sid, orchestrator.ReasonClientClosed); err != nil && !errors.Is(err, orchestrator.ErrSessionNotFound) {
		s.logger.Warn().Err(err).Str("session_id", sid).Msg("Failed to close session")
	}
}

// forward writes turn streams to the client one message at a time
func (s *Server) forward(client *Client) {
	for {
		select {
		case st := <-client.streams:
			if !s.forwardStream(client, st) {
				return
			}
		case <-client.done:
			// Settle what was queued; the session is closed so every stream ends
			for {
				select {
				case st := <-client.streams:
					s.drainStream(client, st)
				default:
					return
				}
			}
		}
	}
}

// forwardStream writes one stream and reports whether forwarding should continue
func (s *Server) forwardStream(client *Client, st outboundStream) bool {
	if st.closing != nil {
		if err := client.Send(*st.closing); err != nil {
			s.logger.Debug().Err(err).Str("clientId", client.ID).Msg("Failed to send session close")
		}
		client.writeMu.Lock()
		_ = client.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(writeWait))
		client.writeMu.Unlock()
		client.Conn.Close()
		return true
	}

	defer s.inFlightReqs.Done()
	defer client.RateLimiter.Release()

	count := 0
	for turn := range st.turns {
		count++
		if err := client.Send(turnEvent(turn)); err != nil {
			s.logger.Debug().Err(err).Str("clientId", client.ID).Msg("Failed to send turn")
		}
	}

	if err := client.Send(EventMessage{
		Event:  EventTurnDone,
		Stream: StreamTypeLifecycle,
		Phase:  "done",
		Data: map[string]interface{}{
			"idempotencyKey": st.idempotencyKey,
			"turns":          count,
		},
	}); err != nil {
		s.logger.Debug().Err(err).Str("clientId", client.ID).Msg("Failed to send turn.done")
	}
	return true
}

func (s *Server) drainStream(client *Client, st outboundStream) {
	if st.closing != nil {
		return
	}
	for range st.turns {
	}
	client.RateLimiter.Release()
	s.inFlightReqs.Done()
}

// turnEvent maps a conversation turn onto a stream event
func turnEvent(turn conversation.Turn) EventMessage {
	msg := EventMessage{Event: EventTurn, Stream: StreamTypeAssistant, Data: turn}

	switch turn.Kind {
	case conversation.KindToolCall:
		msg.Stream = StreamTypeTool
		msg.Phase = "call"
	case conversation.KindToolResult:
		msg.Stream = StreamTypeTool
		msg.Phase = "result"
		if turn.Failed() {
			msg.Phase = "error"
		}
	default:
		switch {
		case turn.Partial:
			msg.Phase = "delta"
		case turn.Fatal:
			msg.Phase = "error"
		case turn.Degraded:
			msg.Phase = "degraded"
		default:
			msg.Phase = "final"
		}
	}
	return msg
}

// HandleSessionEvent tells the client carrying a closed session and ends its
// connection once everything queued for it has been written.
func (s *Server) HandleSessionEvent(event orchestrator.SessionEvent) {
	if event.Type != orchestrator.SessionClosed || event.Reason == orchestrator.ReasonDisconnected {
		return
	}
	client, ok := s.clients.BySession(event.SessionID)
	if !ok {
		return
	}

	item := outboundStream{closing: &EventMessage{
		Event:     EventSessionClosed,
		Stream:    StreamTypeLifecycle,
		Phase:     "closed",
		SessionID: event.SessionID,
		Data: map[string]interface{}{
			"reason": event.Reason,
		},
	}}

	// Never block the orchestrator; the loop that closed the session may be
	// the one whose stream the forwarder is draining
	select {
	case client.streams <- item:
	default:
		go func() {
			select {
			case client.streams <- item:
			case <-client.done:
			}
		}()
	}
}

// OnChannelState broadcasts tool channel transitions to every client
func (s *Server) OnChannelState(change toolchannel.StateChange) {
	data := map[string]interface{}{
		"from":  change.From.String(),
		"to":    change.To.String(),
		"epoch": change.Epoch,
	}
	if change.Registry != nil {
		data["tools"] = change.Registry.Names()
	}
	if change.Err != nil {
		data["error"] = change.Err.Error()
	}

	s.broadcaster.BroadcastTyped(EventMessage{
		Event:  EventChannelState,
		Stream: StreamTypeLifecycle,
		Phase:  change.To.String(),
		Data:   data,
	})
}

// handleAuthMessage handles authentication messages
func (s *Server) handleAuthMessage(client *Client, frame ClientFrame) {
	if client.Authenticated {
		return
	}
	result := s.authHandler.HandleAuthResponse(client, frame.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		observability.RecordSecurityAudit(context.Background(), "gateway.auth", client.ID, "failure", map[string]interface{}{
			"ip":       client.IPAddress,
			"attempts": client.AuthAttempts,
		})

		if client.AuthAttempts >= maxAuthAttempts {
			client.Conn.Close()
		}
		return
	}

	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
	if err := s.authenticated(client); err != nil {
		client.Conn.Close()
	}
}

// sendError sends an error event to a client
func (s *Server) sendError(client *Client, code int, message, idempotencyKey string) {
	err := client.Send(EventMessage{
		Event: EventError,
		Data: ErrorData{
			Code:           code,
			Message:        message,
			IdempotencyKey: idempotencyKey,
		},
	})
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error event")
	}
}
