package toolchannel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/harun/parley/pkg/tools"
)

const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2024-11-05"

	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodCancelled   = "notifications/cancelled"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
	methodPing        = "ping"

	codeMethodNotFound = -32601
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      *int64      `json:"id,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// rpcMessage is any inbound frame: a response, a server request or a notification
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (m *rpcMessage) hasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// numericID parses the id echoed by the provider. Ids are sent as integers;
// some providers echo them as strings.
func (m *rpcMessage) numericID() (int64, error) {
	raw := strings.TrimSpace(string(m.ID))
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: response id %s is not numeric", ErrProtocolViolation, string(m.ID))
	}
	return id, nil
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      clientInfo             `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      clientInfo `json:"serverInfo"`
}

type listParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type listResult struct {
	Tools      []tools.Descriptor `json:"tools"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type cancelledParams struct {
	RequestID int64  `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type callResult struct {
	Content           []contentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Result is the successful outcome of one tool invocation
type Result struct {
	// Output is the text the decision engine sees
	Output string
	// Raw is the provider's result object as received
	Raw json.RawMessage
}

// decodeCallResult turns a tools/call result into text. Results that do not
// follow the content-block shape are passed through as raw JSON.
func decodeCallResult(raw json.RawMessage) (Result, bool) {
	res := Result{Raw: raw}

	var cr callResult
	if err := json.Unmarshal(raw, &cr); err != nil || (cr.Content == nil && len(cr.StructuredContent) == 0) {
		res.Output = string(raw)
		return res, false
	}

	parts := make([]string, 0, len(cr.Content))
	for _, block := range cr.Content {
		if block.Type == "text" || block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	res.Output = strings.Join(parts, "\n")
	if res.Output == "" && len(cr.StructuredContent) > 0 {
		res.Output = string(cr.StructuredContent)
	}
	return res, cr.IsError
}
