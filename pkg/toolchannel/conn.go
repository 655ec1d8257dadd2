package toolchannel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

const (
	maxFrameSize  = 16 * 1024 * 1024
	outboundQueue = 64
)

// connection is one dialed stream to the provider. Frames are written by a
// single writer goroutine; fail tears the stream down exactly once.
type connection struct {
	rwc  io.ReadWriteCloser
	out  chan []byte
	dead chan struct{}
	once sync.Once
	err  error
}

func newConnection(rwc io.ReadWriteCloser) *connection {
	return &connection{
		rwc:  rwc,
		out:  make(chan []byte, outboundQueue),
		dead: make(chan struct{}),
	}
}

func (cn *connection) fail(err error) {
	cn.once.Do(func() {
		cn.err = err
		close(cn.dead)
		_ = cn.rwc.Close()
	})
}

// cause is only meaningful once dead is closed
func (cn *connection) cause() error {
	select {
	case <-cn.dead:
		return cn.err
	default:
		return nil
	}
}

func (cn *connection) alive() bool {
	return cn.cause() == nil
}

func frame(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// send queues one frame, blocking only while the outbound queue is full
func (cn *connection) send(ctx context.Context, v interface{}) error {
	data, err := frame(v)
	if err != nil {
		return err
	}
	select {
	case cn.out <- data:
		return nil
	case <-cn.dead:
		return cn.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues a frame only if it can be done without waiting
func (cn *connection) trySend(v interface{}) bool {
	data, err := frame(v)
	if err != nil {
		return false
	}
	select {
	case cn.out <- data:
		return true
	default:
		return false
	}
}

func (cn *connection) writeLoop() {
	for {
		select {
		case data := <-cn.out:
			if _, err := cn.rwc.Write(data); err != nil {
				cn.fail(fmt.Errorf("write frame: %w", err))
				return
			}
		case <-cn.dead:
			return
		}
	}
}

// readLoop decodes frames until the stream ends or a frame is malformed
func (cn *connection) readLoop(handle func(*rpcMessage) error) {
	scanner := bufio.NewScanner(cn.rwc)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			cn.fail(fmt.Errorf("%w: unparseable frame: %v", ErrProtocolViolation, err))
			return
		}
		if err := handle(&msg); err != nil {
			cn.fail(err)
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	cn.fail(fmt.Errorf("provider stream closed: %w", err))
}
