package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// FrameHandler handles one parsed client frame
type FrameHandler func(client *Client, frame ClientFrame)

// FrameError is a frame rejected before routing
type FrameError struct {
	Code    int
	Message string
}

func (e *FrameError) Error() string {
	return e.Message
}

// FrameRouter parses client frames and dispatches them by type
type FrameRouter struct {
	mu       sync.RWMutex
	handlers map[string]FrameHandler
}

// NewFrameRouter creates an empty router
func NewFrameRouter() *FrameRouter {
	return &FrameRouter{handlers: make(map[string]FrameHandler)}
}

// Handle registers a handler for a frame type, replacing any existing one
func (r *FrameRouter) Handle(frameType string, handler FrameHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[frameType] = handler
	return nil
}

// Has reports whether a frame type is routed
func (r *FrameRouter) Has(frameType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[frameType]
	return ok
}

// ParseFrame decodes and validates a client frame
func (r *FrameRouter) ParseFrame(data []byte) (ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ClientFrame{}, &FrameError{Code: ParseError, Message: "invalid JSON"}
	}

	frame.Type = strings.TrimSpace(frame.Type)
	if frame.Type == "" {
		return ClientFrame{}, &FrameError{Code: InvalidRequest, Message: "frame type is required"}
	}
	if frame.Type == FrameMessage && strings.TrimSpace(frame.Text) == "" {
		return ClientFrame{}, &FrameError{Code: InvalidRequest, Message: "message text is required"}
	}

	return frame, nil
}

// Route dispatches a frame to its handler
func (r *FrameRouter) Route(client *Client, frame ClientFrame) error {
	r.mu.RLock()
	handler, ok := r.handlers[frame.Type]
	r.mu.RUnlock()

	if !ok {
		return &FrameError{Code: InvalidRequest, Message: fmt.Sprintf("unknown frame type: %s", frame.Type)}
	}

	handler(client, frame)
	return nil
}
