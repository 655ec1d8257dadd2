package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned for unknown session ids
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned for messages sent to a closing session
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionExists is returned when a transport supplies an id already in use
	ErrSessionExists = errors.New("session already exists")
	// ErrShuttingDown is returned once Shutdown has started
	ErrShuttingDown = errors.New("orchestrator shutting down")
	// ErrInvalidConfig wraps configuration validation failures
	ErrInvalidConfig = errors.New("invalid orchestrator config")
)

func invalidConfig(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
