// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transport

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("sofa.transport")

// DefaultChunkSize is the largest chunk handed out by a single ReadChunk
// call when the caller does not ask for a specific size.
const DefaultChunkSize = 32 * 1024

// Dialer opens connections to the database host.
type Dialer interface {
	// Dial opens a connection, or fails with a connection error.
	Dial(ctx context.Context, host string, port int) (Conn, error)
}

// Conn is a single connection to the database host carrying one request
// and its streamed response.
type Conn interface {
	// Write sends the full framed request.
	Write(req Request) error

	// ReadChunk blocks until at least one byte is available, returning at
	// most max bytes. It returns io.EOF once the peer has closed the
	// connection.
	ReadChunk(max int) ([]byte, error)

	// SetIdleTimeout bounds how long any single ReadChunk may block. Zero
	// disables the bound.
	SetIdleTimeout(d time.Duration)

	// Close releases the connection. It is idempotent and may be called
	// from any goroutine.
	Close() error
}

// NetDialer dials plain TCP connections.
type NetDialer struct {
	// Timeout bounds the connect phase only.
	Timeout time.Duration
}

// Dial is part of the Dialer interface.
func (d NetDialer) Dial(ctx context.Context, host string, port int) (Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", addr)
	}
	logger.Tracef("connected to %s", addr)
	return NewConn(raw, host, port), nil
}

// NewConn wraps an established net.Conn.
func NewConn(raw net.Conn, host string, port int) Conn {
	return &conn{
		raw:  raw,
		host: host,
		port: port,
	}
}

type conn struct {
	raw  net.Conn
	host string
	port int

	mu          sync.Mutex
	idleTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Write is part of the Conn interface.
func (c *conn) Write(req Request) error {
	frame := req.Frame(c.host, c.port)
	if logger.IsTraceEnabled() {
		logger.Tracef("-> %s %s", req.Method, req.URI())
	}
	for len(frame) > 0 {
		n, err := c.raw.Write(frame)
		if err != nil {
			return errors.Annotate(err, "writing request")
		}
		frame = frame[n:]
	}
	return nil
}

// ReadChunk is part of the Conn interface.
func (c *conn) ReadChunk(max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultChunkSize
	}

	c.mu.Lock()
	timeout := c.idleTimeout
	c.mu.Unlock()
	if timeout > 0 {
		if err := c.raw.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, errors.Trace(err)
		}
	}

	buf := make([]byte, max)
	for {
		n, err := c.raw.Read(buf)
		if n > 0 {
			// Any error is reported again by the next read.
			return buf[:n], nil
		}
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			if IsTimeout(err) {
				return nil, errors.Annotatef(ErrIdleTimeout, "no data for %v", timeout)
			}
			return nil, errors.Trace(err)
		}
	}
}

// SetIdleTimeout is part of the Conn interface.
func (c *conn) SetIdleTimeout(d time.Duration) {
	c.mu.Lock()
	c.idleTimeout = d
	c.mu.Unlock()
}

// Close is part of the Conn interface.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

const (
	// ErrIdleTimeout is returned from ReadChunk when nothing arrived within
	// the idle timeout.
	ErrIdleTimeout = errors.ConstError("connection idle")
)

// IsConnectionRefused reports whether err is the result of the peer
// refusing the connection.
func IsConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// IsTimeout reports whether err is a network timeout, including an idle
// timeout raised by ReadChunk.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrIdleTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
