package toolchannel

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout matches invocations that exceeded their per-call timeout
	ErrTimeout = errors.New("tool invocation timed out")
	// ErrTransport matches invocations lost to a connection failure
	ErrTransport = errors.New("tool transport error")
	// ErrTool matches errors reported for the tool itself
	ErrTool = errors.New("tool error")
	// ErrChannelUnavailable matches invocations attempted while the channel is down
	ErrChannelUnavailable = errors.New("tool channel unavailable")
	// ErrProtocolViolation matches malformed frames, manifests or responses
	ErrProtocolViolation = errors.New("tool protocol violation")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("tool channel closed")
)

// Error codes carried by ToolError invocation errors that the channel raises itself
const (
	CodeToolFailed         = -32000 // provider returned a result flagged isError
	CodeToolUnavailable    = -32001 // tool vanished from the manifest after a reconnect
	CodeChannelUnavailable = -32002
	CodeUnknownTool        = -32003
)

// ErrorKind classifies an InvocationError
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindTransport ErrorKind = "transport"
	KindTool      ErrorKind = "tool"
)

// InvocationError is the error returned by Invoke for every failed call
type InvocationError struct {
	Kind    ErrorKind
	Tool    string
	Code    int
	Message string
	Err     error
}

func (e *InvocationError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("%s %s error (%d): %s", e.Tool, e.Kind, e.Code, e.Message)
	case e.Err != nil && e.Message == "":
		return fmt.Sprintf("%s %s error: %v", e.Tool, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s %s error: %s", e.Tool, e.Kind, e.Message)
	}
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels so callers can use errors.Is(err, ErrTimeout)
func (e *InvocationError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrTool:
		return e.Kind == KindTool
	}
	return false
}

func timeoutError(tool string, err error) *InvocationError {
	return &InvocationError{Kind: KindTimeout, Tool: tool, Message: "no response before deadline", Err: err}
}

func transportError(tool string, err error) *InvocationError {
	return &InvocationError{Kind: KindTransport, Tool: tool, Err: err}
}

func toolError(tool string, code int, message string, err error) *InvocationError {
	return &InvocationError{Kind: KindTool, Tool: tool, Code: code, Message: message, Err: err}
}

func unavailableError(tool string, state State) *InvocationError {
	return toolError(tool, CodeChannelUnavailable, "tool channel is "+state.String(), ErrChannelUnavailable)
}
