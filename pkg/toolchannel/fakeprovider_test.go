package toolchannel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/harun/parley/pkg/tools"
)

// callHandler answers one tools/call. gen is the 1-based connection number;
// ctx ends when that connection is dropped.
type callHandler func(ctx context.Context, gen int, name string, args map[string]interface{}) (interface{}, *rpcError)

// fakeProvider is an in-memory tool provider speaking the channel's wire protocol
type fakeProvider struct {
	mu       sync.Mutex
	manifest []tools.Descriptor
	handler  callHandler
	conns    []net.Conn
	cancels  []context.CancelFunc
	methods  []string

	gen       atomic.Int32
	received  atomic.Int32
	cancelled atomic.Int32
	refuse    atomic.Bool
	// rawReply, when set, is written instead of a well-formed tools/call response
	rawReply atomic.Value
}

func newFakeProvider(manifest []tools.Descriptor, handler callHandler) *fakeProvider {
	return &fakeProvider{manifest: manifest, handler: handler}
}

func textResult(text string) map[string]interface{} {
	return map[string]interface{}{
		"content": []map[string]interface{}{{"type": "text", "text": text}},
	}
}

func (p *fakeProvider) dialer() Dialer {
	return DialerFunc(func(ctx context.Context) (io.ReadWriteCloser, error) {
		if p.refuse.Load() {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		gen := int(p.gen.Add(1))
		cctx, cancel := context.WithCancel(context.Background())

		p.mu.Lock()
		p.conns = append(p.conns, server)
		p.cancels = append(p.cancels, cancel)
		p.mu.Unlock()

		go p.serve(cctx, cancel, gen, server)
		return client, nil
	})
}

func (p *fakeProvider) setManifest(m []tools.Descriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manifest = m
}

// dropAll closes every server side connection
func (p *fakeProvider) dropAll() {
	p.mu.Lock()
	conns, cancels := p.conns, p.cancels
	p.conns, p.cancels = nil, nil
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (p *fakeProvider) seen(method string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.methods {
		if m == method {
			return true
		}
	}
	return false
}

func (p *fakeProvider) serve(ctx context.Context, cancel context.CancelFunc, gen int, conn net.Conn) {
	defer cancel()
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(v interface{}) {
		data, _ := json.Marshal(v)
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = conn.Write(append(data, '\n'))
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var msg rpcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return
		}

		p.mu.Lock()
		p.methods = append(p.methods, msg.Method)
		manifest := p.manifest
		p.mu.Unlock()

		switch msg.Method {
		case methodInitialize:
			write(rpcResponse{JSONRPC: jsonrpcVersion, ID: msg.ID, Result: map[string]interface{}{
				"protocolVersion": protocolVersion,
				"serverInfo":      map[string]string{"name": "fake", "version": "1"},
			}})
		case methodInitialized:
		case methodCancelled:
			p.cancelled.Add(1)
		case methodToolsList:
			write(rpcResponse{JSONRPC: jsonrpcVersion, ID: msg.ID, Result: map[string]interface{}{"tools": manifest}})
		case methodToolsCall:
			p.received.Add(1)
			if raw, ok := p.rawReply.Load().(string); ok && raw != "" {
				writeMu.Lock()
				_, _ = conn.Write([]byte(raw + "\n"))
				writeMu.Unlock()
				continue
			}
			var params callParams
			_ = json.Unmarshal(msg.Params, &params)
			id := msg.ID
			go func() {
				result, rpcErr := p.handler(ctx, gen, params.Name, params.Arguments)
				if ctx.Err() != nil {
					return
				}
				if rpcErr != nil {
					write(rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Error: rpcErr})
					return
				}
				write(rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Result: result})
			}()
		}
	}
}
