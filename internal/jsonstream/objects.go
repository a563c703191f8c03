// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jsonstream

import (
	"github.com/juju/errors"
)

// ObjectDecoder decodes a stream of top-level JSON objects, such as the
// newline separated objects of a continuous change feed. Whitespace between
// objects is ignored.
type ObjectDecoder struct {
	scanner Scanner
	stack   Stack
	objects []map[string]any
}

// Append feeds more input, decoding every object it completes.
func (d *ObjectDecoder) Append(p []byte) error {
	d.scanner.Append(p)
	return errors.Trace(d.drain())
}

// Close marks the end of input. It fails if an object was left open.
func (d *ObjectDecoder) Close() error {
	d.scanner.Close()
	return errors.Trace(d.drain())
}

// Objects dequeues every completed object, oldest first.
func (d *ObjectDecoder) Objects() []map[string]any {
	objects := d.objects
	d.objects = nil
	return objects
}

// Pending reports whether a partial object is buffered.
func (d *ObjectDecoder) Pending() bool {
	return d.stack.Len() > 0
}

func (d *ObjectDecoder) drain() error {
	for {
		tok, ok, err := d.scanner.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		value, complete, err := d.stack.Feed(tok)
		if err != nil {
			return errors.Trace(err)
		}
		if !complete {
			continue
		}
		object, isObject := value.(map[string]any)
		if !isObject {
			return errors.Errorf("expected JSON object, found %T", value)
		}
		d.objects = append(d.objects, object)
	}
}
