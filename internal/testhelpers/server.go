// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testhelpers

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	gc "gopkg.in/check.v1"
)

// ConnHandler serves a single accepted connection. The request has already
// been read from the connection, including any body.
type ConnHandler func(conn net.Conn, req *http.Request, body []byte)

// Server is a bare TCP server speaking just enough HTTP to let tests control
// exactly how response bytes are split across writes.
type Server struct {
	listener net.Listener
	handler  ConnHandler

	// Requests receives every request read by the server.
	Requests chan *http.Request

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

// NewServer starts a server on a random loopback port.
func NewServer(c *gc.C, handler ConnHandler) *Server {
	return NewServerOn(c, "127.0.0.1:0", handler)
}

// NewServerOn starts a server listening on the given address.
func NewServerOn(c *gc.C, addr string, handler ConnHandler) *Server {
	listener, err := net.Listen("tcp", addr)
	c.Assert(err, gc.IsNil)
	s := &Server{
		listener: listener,
		handler:  handler,
		Requests: make(chan *http.Request, 64),
	}
	s.wg.Add(1)
	go s.serve()
	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Close stops accepting, breaks every open connection and waits for the
// handlers to return.
func (s *Server) Close() {
	_ = s.listener.Close()
	s.CloseConns()
	s.wg.Wait()
}

// CloseConns breaks every open connection without closing the listener.
func (s *Server) CloseConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()

			req, err := http.ReadRequest(bufio.NewReader(conn))
			if err != nil {
				return
			}
			body, _ := io.ReadAll(req.Body)
			select {
			case s.Requests <- req:
			default:
			}
			s.handler(conn, req, body)
		}()
	}
}

// FreePort returns a loopback port that nothing is listening on.
func FreePort(c *gc.C) int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, gc.IsNil)
	port := listener.Addr().(*net.TCPAddr).Port
	c.Assert(listener.Close(), gc.IsNil)
	return port
}

// WriteChunks writes each chunk with its own write call, pausing briefly
// so the peer is likely to observe the boundaries.
func WriteChunks(conn net.Conn, chunks ...[]byte) error {
	for _, chunk := range chunks {
		if _, err := conn.Write(chunk); err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// SplitEvery cuts data into pieces of at most n bytes.
func SplitEvery(data []byte, n int) [][]byte {
	var chunks [][]byte
	for len(data) > n {
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	if len(data) > 0 {
		chunks = append(chunks, data)
	}
	return chunks
}

// ChunkedEncode renders the given pieces with chunked transfer coding,
// including the terminating zero length chunk.
func ChunkedEncode(pieces ...string) []byte {
	var out []byte
	for _, piece := range pieces {
		if piece == "" {
			continue
		}
		out = append(out, fmt.Sprintf("%x\r\n%s\r\n", len(piece), piece)...)
	}
	return append(out, "0\r\n\r\n"...)
}

// ResponseHead renders a status line and headers, terminated by the blank
// line.
func ResponseHead(code int, headers ...string) []byte {
	out := fmt.Sprintf("HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	for _, h := range headers {
		out += h + "\r\n"
	}
	return []byte(out + "\r\n")
}
