package toolchannel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Dialer opens a byte stream to the tool provider
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context) (io.ReadWriteCloser, error)

func (f DialerFunc) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	return f(ctx)
}

// NetDialer connects to a provider listening on a tcp or unix socket
type NetDialer struct {
	Network string // "tcp" or "unix"
	Address string
	Timeout time.Duration
}

func (d NetDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	network := d.Network
	if network == "" {
		network = "tcp"
	}
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, network, d.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, d.Address, err)
	}
	return conn, nil
}

// CommandDialer spawns the provider as a subprocess and talks over its stdio.
// Every Dial starts a fresh process; Close on the stream terminates it.
type CommandDialer struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	// Stderr receives the provider's stderr; nil discards it
	Stderr io.Writer
}

func (d CommandDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if d.Command == "" {
		return nil, errors.New("no provider command configured")
	}

	// The process must outlive the dial context, so it is not bound to ctx.
	cmd := exec.Command(d.Command, d.Args...)
	cmd.Dir = d.Dir
	if len(d.Env) > 0 {
		cmd.Env = append(os.Environ(), d.Env...)
	}
	cmd.Stderr = d.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start provider %s: %w", d.Command, err)
	}

	return &processStream{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type processStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	once   sync.Once
}

func (p *processStream) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *processStream) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

func (p *processStream) Close() error {
	var err error
	p.once.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		// Wait reaps the process and closes stdout
		if werr := p.cmd.Wait(); werr != nil {
			var exitErr *exec.ExitError
			if !errors.As(werr, &exitErr) {
				err = werr
			}
		}
	})
	return err
}
