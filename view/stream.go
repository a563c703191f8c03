// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package view streams the rows of a view result. Rows are decoded as the
// response arrives and handed to the caller one at a time; the response is
// never held in memory as a whole.
package view

import (
	"context"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"github.com/juju/sofa/couch"
	"github.com/juju/sofa/internal/httpframe"
	"github.com/juju/sofa/internal/rowdecoder"
	"github.com/juju/sofa/internal/transport"
)

var logger = loggo.GetLogger("sofa.view")

// Row is a single view row.
type Row = rowdecoder.Row

// batch is what the producer hands over for one unit of demand: whatever
// a single socket read decoded to.
type batch struct {
	rows      []Row
	total     int64
	haveTotal bool
	offset    int64
	haveOff   bool
	done      bool
	err       error
}

// Stream is the lazily read result of a view query. Rows are only read off
// the socket when asked for, so a slow consumer paces the server. A Stream
// is finite and can only be walked once; it is not safe for concurrent use.
//
// Close must be called once the caller is finished with the stream, unless
// Next has already returned false.
type Stream struct {
	tomb   tomb.Tomb
	conn   transport.Conn
	framer *httpframe.Framer
	header *httpframe.Header

	headerc chan *httpframe.Header
	demand  chan struct{}
	batches chan batch

	rows      []Row
	row       Row
	total     int64
	haveTotal bool
	offset    int64
	haveOff   bool
	done      bool
	err       error
}

// Open sends the query and waits for the response header. The body is left
// unread until rows or metadata are asked for, so StatusCode, Header and
// ETag are available without reading any of it.
func Open(ctx context.Context, config Config) (*Stream, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	req, err := config.request()
	if err != nil {
		return nil, errors.Trace(err)
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = transport.NetDialer{}
	}

	db := config.Database
	conn, err := dialer.Dial(ctx, db.Host, db.Port)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := conn.Write(req); err != nil {
		_ = conn.Close()
		return nil, errors.Trace(err)
	}
	logger.Debugf("querying %s", req.URI())

	chunkSize := config.ChunkSize
	if chunkSize == 0 {
		chunkSize = transport.DefaultChunkSize
	}
	s := &Stream{
		conn:    conn,
		framer:  httpframe.New(conn, chunkSize),
		headerc: make(chan *httpframe.Header),
		demand:  make(chan struct{}),
		batches: make(chan batch),
	}
	s.tomb.Go(s.loop)

	select {
	case s.header = <-s.headerc:
		return s, nil
	case <-s.tomb.Dead():
		return nil, errors.Trace(s.tomb.Err())
	case <-ctx.Done():
		_ = s.Close()
		return nil, errors.Trace(ctx.Err())
	}
}

// StatusCode returns the HTTP status of the response.
func (s *Stream) StatusCode() int {
	return s.header.StatusCode
}

// Header returns the response headers.
func (s *Stream) Header() http.Header {
	return s.header.Header
}

// ETag returns the unquoted entity tag of the result, if the server sent
// one.
func (s *Stream) ETag() string {
	return strings.Trim(s.header.Header.Get("ETag"), `"`)
}

// Next advances to the next row, reading from the socket only when no
// decoded row is waiting. It returns false once the rows are exhausted or
// an error occurred; Err tells the two apart.
func (s *Stream) Next() bool {
	for len(s.rows) == 0 {
		if s.done || !s.fetch() {
			return false
		}
	}
	s.row, s.rows = s.rows[0], s.rows[1:]
	return true
}

// Row returns the row Next advanced to.
func (s *Stream) Row() Row {
	return s.row
}

// Err returns the error that stopped the stream, if any. A response with a
// status other than 200 OK yields a *couch.StatusError.
func (s *Stream) Err() error {
	return s.err
}

// All returns an iterator over the remaining rows. A failure is yielded
// once, as the final pair.
func (s *Stream) All() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for s.Next() {
			if !yield(s.row, nil) {
				return
			}
		}
		if s.err != nil {
			yield(Row{}, s.err)
		}
	}
}

// TotalRows returns total_rows. The server may send it after the rows, in
// which case every row is read (and kept for Next) before it is known.
func (s *Stream) TotalRows() (int64, bool) {
	for !s.haveTotal && !s.done {
		s.fetch()
	}
	return s.total, s.haveTotal
}

// Offset returns offset, reading as far as TotalRows may.
func (s *Stream) Offset() (int64, bool) {
	for !s.haveOff && !s.done {
		s.fetch()
	}
	return s.offset, s.haveOff
}

// Close abandons the stream and releases its connection.
func (s *Stream) Close() error {
	s.done = true
	s.tomb.Kill(nil)
	_ = s.conn.Close()
	return errors.Trace(s.tomb.Wait())
}

// fetch asks the producer for one more batch. It returns false once the
// stream has ended.
func (s *Stream) fetch() bool {
	select {
	case s.demand <- struct{}{}:
	case <-s.tomb.Dead():
		s.finish(s.tomb.Err())
		return false
	}

	var b batch
	select {
	case b = <-s.batches:
	case <-s.tomb.Dead():
		s.finish(s.tomb.Err())
		return false
	}

	s.rows = append(s.rows, b.rows...)
	if b.haveTotal {
		s.total, s.haveTotal = b.total, true
	}
	if b.haveOff {
		s.offset, s.haveOff = b.offset, true
	}
	if b.done {
		s.finish(b.err)
	}
	return true
}

func (s *Stream) finish(err error) {
	s.done = true
	if s.err == nil && err != nil {
		s.err = err
	}
}

// loop is the producer. It reads the header, hands it over, and then reads
// one chunk of body for every demand received.
func (s *Stream) loop() error {
	defer func() { _ = s.conn.Close() }()

	header, err := s.framer.ReadHeader()
	if err != nil {
		return s.dyingOr(errors.Annotate(err, "reading view response"))
	}
	select {
	case s.headerc <- header:
	case <-s.tomb.Dying():
		return tomb.ErrDying
	}

	if header.StatusCode != http.StatusOK {
		if err := s.awaitDemand(); err != nil {
			return err
		}
		return s.send(batch{done: true, err: s.readStatusError(header)})
	}

	var decoder rowdecoder.Decoder
	for {
		if err := s.awaitDemand(); err != nil {
			return err
		}
		b := s.readBatch(&decoder)
		if err := s.send(b); err != nil {
			return err
		}
		if b.done {
			logger.Tracef("view response complete")
			return nil
		}
	}
}

func (s *Stream) readBatch(decoder *rowdecoder.Decoder) batch {
	var b batch
	data, err := s.framer.ReadBody()
	switch {
	case err == io.EOF:
		b.err = decoder.Close()
		b.done = true
	case err != nil:
		b.err = errors.Annotate(err, "reading view response")
		b.done = true
	default:
		b.err = decoder.Append(data)
		b.done = b.err != nil
	}
	b.rows = decoder.Rows()
	b.total, b.haveTotal = decoder.TotalRows()
	b.offset, b.haveOff = decoder.Offset()
	return b
}

func (s *Stream) readStatusError(header *httpframe.Header) error {
	var body []byte
	for len(body) < couch.MaxErrorBody {
		data, err := s.framer.ReadBody()
		if err != nil {
			if err != io.EOF {
				logger.Debugf("reading error body: %v", err)
			}
			break
		}
		body = append(body, data...)
	}
	return couch.NewStatusError(header.StatusCode, body)
}

func (s *Stream) awaitDemand() error {
	select {
	case <-s.demand:
		return nil
	case <-s.tomb.Dying():
		return tomb.ErrDying
	}
}

func (s *Stream) send(b batch) error {
	select {
	case s.batches <- b:
		return nil
	case <-s.tomb.Dying():
		return tomb.ErrDying
	}
}

func (s *Stream) dyingOr(err error) error {
	select {
	case <-s.tomb.Dying():
		return tomb.ErrDying
	default:
		return err
	}
}
