// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package httpframe incrementally parses an HTTP/1.1 response read from a
// raw connection. The status line and headers are surfaced as soon as they
// are complete; the body is then handed out piece by piece, decoded from
// whatever transfer coding the server used.
package httpframe

import (
	"bytes"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	// ErrMalformedResponse is returned when the response does not parse as
	// HTTP/1.1.
	ErrMalformedResponse = errors.ConstError("malformed HTTP response")

	// maxHeaderBytes bounds the status line plus headers.
	maxHeaderBytes = 1 << 20
)

// ChunkReader is the source of raw response bytes.
type ChunkReader interface {
	// ReadChunk returns at least one byte, or io.EOF once the peer is done.
	ReadChunk(max int) ([]byte, error)
}

// Header holds the parsed status line and response headers.
type Header struct {
	StatusCode int
	Status     string
	Proto      string
	Header     http.Header
}

type bodyMode int

const (
	bodyUntilClose bodyMode = iota
	bodyLength
	bodyChunked
	bodyNone
)

// Framer reads a single response from a ChunkReader.
type Framer struct {
	src       ChunkReader
	chunkSize int

	// pending holds bytes read from src but not yet parsed.
	pending []byte

	header *Header
	mode   bodyMode

	// remaining counts body bytes still expected in length mode.
	remaining int64
	chunked   chunkDecoder
	done      bool
}

// New returns a Framer reading from src. chunkSize is passed to every
// ReadChunk call; zero lets the source choose.
func New(src ChunkReader, chunkSize int) *Framer {
	return &Framer{
		src:       src,
		chunkSize: chunkSize,
	}
}

// Header returns the parsed header, or nil before ReadHeader succeeded.
func (f *Framer) Header() *Header {
	return f.header
}

// ReadHeader consumes chunks until the status line and headers are complete.
// Body bytes that arrived in the same chunk are retained for ReadBody.
func (f *Framer) ReadHeader() (*Header, error) {
	if f.header != nil {
		return f.header, nil
	}
	for {
		if end := bytes.Index(f.pending, []byte("\r\n\r\n")); end >= 0 {
			head := f.pending[:end]
			f.pending = f.pending[end+4:]
			if err := f.parseHead(head); err != nil {
				return nil, errors.Trace(err)
			}
			return f.header, nil
		}
		if len(f.pending) > maxHeaderBytes {
			return nil, errors.Annotate(ErrMalformedResponse, "header too large")
		}
		chunk, err := f.src.ReadChunk(f.chunkSize)
		if err == io.EOF {
			return nil, errors.Annotate(io.ErrUnexpectedEOF, "reading response header")
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		f.pending = append(f.pending, chunk...)
	}
}

func (f *Framer) parseHead(head []byte) error {
	lines := strings.Split(string(head), "\r\n")

	proto, rest, ok := strings.Cut(lines[0], " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return errors.Annotatef(ErrMalformedResponse, "status line %q", lines[0])
	}
	codeText, _, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil || code < 100 || code > 999 {
		return errors.Annotatef(ErrMalformedResponse, "status code %q", codeText)
	}

	header := make(http.Header)
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return errors.Annotatef(ErrMalformedResponse, "header line %q", line)
		}
		header.Add(textproto.TrimString(name), textproto.TrimString(value))
	}

	f.header = &Header{
		StatusCode: code,
		Status:     strings.TrimSpace(rest),
		Proto:      proto,
		Header:     header,
	}

	switch {
	case code < 200 || code == http.StatusNoContent || code == http.StatusNotModified:
		f.mode = bodyNone
		f.done = true
	case strings.EqualFold(header.Get("Transfer-Encoding"), "chunked"):
		f.mode = bodyChunked
	case header.Get("Content-Length") != "":
		n, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64)
		if err != nil || n < 0 {
			return errors.Annotatef(ErrMalformedResponse, "content length %q", header.Get("Content-Length"))
		}
		f.mode = bodyLength
		f.remaining = n
		f.done = n == 0
	default:
		f.mode = bodyUntilClose
	}
	return nil
}

// ReadBody returns the next decoded body bytes. It returns io.EOF once the
// body is complete. The returned slice may be empty when a read only
// carried framing (for example a chunk-size line); callers simply ask again.
func (f *Framer) ReadBody() ([]byte, error) {
	if f.header == nil {
		return nil, errors.New("body read before header")
	}
	if f.done {
		return nil, io.EOF
	}

	if len(f.pending) == 0 {
		chunk, err := f.src.ReadChunk(f.chunkSize)
		if err == io.EOF {
			if f.mode == bodyUntilClose {
				f.done = true
				return nil, io.EOF
			}
			return nil, errors.Annotate(io.ErrUnexpectedEOF, "reading response body")
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		f.pending = chunk
	}

	data := f.pending
	f.pending = nil

	switch f.mode {
	case bodyLength:
		if int64(len(data)) > f.remaining {
			data = data[:f.remaining]
		}
		f.remaining -= int64(len(data))
		f.done = f.remaining == 0
		return data, nil
	case bodyChunked:
		out, err := f.chunked.decode(data)
		if err != nil {
			return nil, errors.Trace(err)
		}
		f.done = f.chunked.finished()
		return out, nil
	default:
		return data, nil
	}
}

// Done reports whether the whole body has been handed out.
func (f *Framer) Done() bool {
	return f.done
}
