// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package rowdecoder decodes a view result envelope,
//
//	{"total_rows": N, "offset": M, "rows": [{...}, {...}]}
//
// incrementally. Each row is staged the moment its closing brace is seen,
// however the input happens to be split.
package rowdecoder

import (
	"encoding/json"
	"fmt"

	"github.com/juju/errors"

	"github.com/juju/sofa/internal/jsonstream"
)

const (
	// ErrUnexpectedEnvelopeKey is matched by every UnexpectedEnvelopeKeyError.
	ErrUnexpectedEnvelopeKey = errors.ConstError("unexpected envelope key")

	keyTotalRows = "total_rows"
	keyOffset    = "offset"
	keyRows      = "rows"
)

// UnexpectedEnvelopeKeyError names a top-level key the decoder does not
// understand.
type UnexpectedEnvelopeKeyError struct {
	Key string
}

// Error is part of the error interface.
func (e *UnexpectedEnvelopeKeyError) Error() string {
	return fmt.Sprintf("%s %q", ErrUnexpectedEnvelopeKey, e.Key)
}

// Is allows errors.Is(err, ErrUnexpectedEnvelopeKey).
func (e *UnexpectedEnvelopeKeyError) Is(target error) bool {
	return target == ErrUnexpectedEnvelopeKey
}

// Row is one entry of a view result.
type Row struct {
	ID    string         `json:"id,omitempty"`
	Key   any            `json:"key"`
	Value any            `json:"value"`
	Doc   map[string]any `json:"doc,omitempty"`

	// Error is set instead of Value for keys that could not be looked up,
	// for example "not_found".
	Error string `json:"error,omitempty"`
}

// Decoder consumes an envelope fed in arbitrary pieces.
type Decoder struct {
	scanner jsonstream.Scanner

	// stack holds one accumulator per open container inside the current
	// row. It is empty exactly when no row is being built.
	stack      jsonstream.Stack
	insideRows bool

	opened    bool
	finished  bool
	key       string
	haveKey   bool
	staged    []Row
	totalRows int64
	haveTotal bool
	offset    int64
	haveOff   bool
	err       error
}

// Append feeds the next piece of the envelope.
func (d *Decoder) Append(p []byte) error {
	if d.err != nil {
		return d.err
	}
	d.scanner.Append(p)
	d.err = d.drain()
	return d.err
}

// Close marks the end of input, failing if the envelope is incomplete.
func (d *Decoder) Close() error {
	if d.err != nil {
		return d.err
	}
	d.scanner.Close()
	if d.err = d.drain(); d.err != nil {
		return d.err
	}
	if !d.finished {
		d.err = &jsonstream.SyntaxError{Msg: "envelope not terminated"}
	}
	return d.err
}

// Staged returns the number of rows waiting to be taken.
func (d *Decoder) Staged() int {
	return len(d.staged)
}

// Rows dequeues every staged row, oldest first.
func (d *Decoder) Rows() []Row {
	rows := d.staged
	d.staged = nil
	return rows
}

// TotalRows returns total_rows, if it has been seen.
func (d *Decoder) TotalRows() (int64, bool) {
	return d.totalRows, d.haveTotal
}

// Offset returns offset, if it has been seen.
func (d *Decoder) Offset() (int64, bool) {
	return d.offset, d.haveOff
}

// Done reports whether the closing brace of the envelope has been seen.
func (d *Decoder) Done() bool {
	return d.finished
}

func (d *Decoder) drain() error {
	for {
		tok, ok, err := d.scanner.Next()
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			return nil
		}
		if d.insideRows {
			err = d.rowToken(tok)
		} else {
			err = d.envelopeToken(tok)
		}
		if err != nil {
			return errors.Trace(err)
		}
	}
}

func (d *Decoder) envelopeToken(tok jsonstream.Token) error {
	if d.finished {
		return errors.Errorf("unexpected %v after envelope", tok.Kind)
	}
	if !d.opened {
		if tok.Kind != jsonstream.ObjectStart {
			return errors.Errorf("expected envelope object, found %v", tok.Kind)
		}
		d.opened = true
		return nil
	}

	switch tok.Kind {
	case jsonstream.Key:
		key := tok.Value.(string)
		switch key {
		case keyTotalRows, keyOffset, keyRows:
		default:
			return &UnexpectedEnvelopeKeyError{Key: key}
		}
		d.key = key
		d.haveKey = true
		return nil

	case jsonstream.Value:
		if !d.haveKey {
			return errors.New("envelope value without key")
		}
		d.haveKey = false
		n, err := integer(tok.Value)
		switch d.key {
		case keyTotalRows:
			d.totalRows, d.haveTotal = n, true
		case keyOffset:
			d.offset, d.haveOff = n, true
		default:
			return errors.Errorf("%q must be an array", d.key)
		}
		return errors.Annotatef(err, "%q", d.key)

	case jsonstream.ArrayStart:
		if !d.haveKey || d.key != keyRows {
			return errors.New("unexpected array in envelope")
		}
		d.haveKey = false
		d.insideRows = true
		d.stack.Reset()
		return nil

	case jsonstream.ObjectEnd:
		d.finished = true
		return nil
	}
	return errors.Errorf("unexpected %v in envelope", tok.Kind)
}

func (d *Decoder) rowToken(tok jsonstream.Token) error {
	if tok.Kind == jsonstream.ArrayEnd && d.stack.Len() == 0 {
		d.insideRows = false
		return nil
	}
	if tok.Kind == jsonstream.Value && d.stack.Len() == 0 {
		return errors.Errorf("row is not an object: %v", tok.Value)
	}
	value, complete, err := d.stack.Feed(tok)
	if err != nil || !complete {
		return errors.Trace(err)
	}
	row, err := newRow(value)
	if err != nil {
		return errors.Trace(err)
	}
	d.staged = append(d.staged, row)
	return nil
}

func newRow(value any) (Row, error) {
	fields, ok := value.(map[string]any)
	if !ok {
		return Row{}, errors.Errorf("row is not an object: %T", value)
	}
	row := Row{
		Key:   fields["key"],
		Value: fields["value"],
	}
	if id, ok := fields["id"]; ok {
		if row.ID, ok = id.(string); !ok {
			return Row{}, errors.Errorf("row id is not a string: %v", id)
		}
	}
	if doc, ok := fields["doc"].(map[string]any); ok {
		row.Doc = doc
	}
	if rowErr, ok := fields["error"].(string); ok {
		row.Error = rowErr
	}
	return row, nil
}

func integer(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, errors.Errorf("expected integer, found %v", v)
	}
	i, err := n.Int64()
	if err != nil {
		return 0, errors.Errorf("expected integer, found %v", n)
	}
	return i, nil
}
