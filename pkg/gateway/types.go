package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamType identifies typed streams delivered to gateway clients.
type StreamType string

const (
	StreamTypeTool      StreamType = "tool"
	StreamTypeAssistant StreamType = "assistant"
	StreamTypeLifecycle StreamType = "lifecycle"
)

// Client frame types
const (
	FrameMessage      = "message"
	FrameClose        = "close"
	FrameAuthResponse = "auth.response"
)

// Server event names
const (
	EventAuthChallenge = "auth.challenge"
	EventAuthSuccess   = "auth.success"
	EventAuthFailure   = "auth.failure"
	EventSessionOpened = "session.opened"
	EventSessionClosed = "session.closed"
	EventTurn          = "turn"
	EventTurnDone      = "turn.done"
	EventChannelState  = "channel.state"
	EventTick          = "tick"
	EventShutdown      = "server.shutdown"
	EventError         = "error"
)

// ClientFrame is one inbound websocket message
type ClientFrame struct {
	Type           string `json:"type"`
	Text           string `json:"text,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Signature      string `json:"signature,omitempty"`
}

// EventMessage represents a server-initiated event
type EventMessage struct {
	Type      string      `json:"type,omitempty"`
	Event     string      `json:"event"`
	Stream    StreamType  `json:"stream,omitempty"`
	Phase     string      `json:"phase,omitempty"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
}

// ErrorData is the payload of an error event
type ErrorData struct {
	Code           int    `json:"code"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// AuthChallenge represents an authentication challenge message
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Idle          bool      `json:"idle"`
}

// Health is the body of GET /healthz
type Health struct {
	Status      string `json:"status"`
	ToolChannel string `json:"tool_channel"`
	Tools       int    `json:"tools"`
	Sessions    int    `json:"sessions"`
	// RunningLoops and QueuedMessages report the orchestrator backlog
	RunningLoops   int `json:"running_loops"`
	QueuedMessages int `json:"queued_messages"`

	Clients              int `json:"clients"`
	AuthenticatedClients int `json:"authenticated_clients"`
	IdleClients          int `json:"idle_clients"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// Error codes carried by error events
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	InternalError          = -32603
	AuthenticationRequired = -32001
	SessionUnavailable     = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	DuplicateMessage       = -32009
)

// Client represents a connected WebSocket client. It is the transport of
// exactly one session.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	RateLimiter   *ClientRateLimiter
	State         ClientState

	// writeMu also guards sessionID and seq
	writeMu   sync.Mutex
	sessionID string
	seq       int64
	// streams feeds the forwarder; turns of one message are written before the next
	streams chan outboundStream
	done    chan struct{}
	once    sync.Once
}

// RemoteAddr implements conversation.Transport
func (c *Client) RemoteAddr() string {
	return c.IPAddress
}

// BoundSession returns the id of the session bound to this client
func (c *Client) BoundSession() string {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sessionID
}

func (c *Client) bindSession(id string) {
	c.writeMu.Lock()
	c.sessionID = id
	c.writeMu.Unlock()
}

// WriteMessage writes a raw frame; gorilla connections allow one writer at a time
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

// WriteJSON writes a JSON frame
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// Send writes an event stamped with the client's next sequence number
func (c *Client) Send(msg EventMessage) error {
	msg.Type = "event"
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.seq++
	msg.Seq = c.seq
	if msg.SessionID == "" {
		msg.SessionID = c.sessionID
	}
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(msg)
}

// shutdown stops the forwarder; it is idempotent
func (c *Client) shutdown() {
	c.once.Do(func() { close(c.done) })
}
