// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package httpframe

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataCR
	chunkDataLF
	chunkTrailer
	chunkDone
)

const maxChunkLine = 4096

// chunkDecoder strips chunked transfer coding from a byte stream fed in
// arbitrary pieces.
type chunkDecoder struct {
	state     chunkState
	line      []byte
	remaining int64
}

func (d *chunkDecoder) finished() bool {
	return d.state == chunkDone
}

func (d *chunkDecoder) decode(in []byte) ([]byte, error) {
	var out []byte
	for len(in) > 0 && d.state != chunkDone {
		switch d.state {
		case chunkSize, chunkTrailer:
			i := bytes.IndexByte(in, '\n')
			if i < 0 {
				d.line = append(d.line, in...)
				in = nil
				if len(d.line) > maxChunkLine {
					return nil, errors.Annotate(ErrMalformedResponse, "chunk line too long")
				}
				continue
			}
			d.line = append(d.line, in[:i]...)
			in = in[i+1:]
			line := strings.TrimSuffix(string(d.line), "\r")
			d.line = d.line[:0]
			if err := d.endLine(line); err != nil {
				return nil, errors.Trace(err)
			}

		case chunkData:
			n := int64(len(in))
			if n > d.remaining {
				n = d.remaining
			}
			out = append(out, in[:n]...)
			in = in[n:]
			d.remaining -= n
			if d.remaining == 0 {
				d.state = chunkDataCR
			}

		case chunkDataCR:
			if in[0] != '\r' {
				return nil, errors.Annotate(ErrMalformedResponse, "missing CR after chunk data")
			}
			in = in[1:]
			d.state = chunkDataLF

		case chunkDataLF:
			if in[0] != '\n' {
				return nil, errors.Annotate(ErrMalformedResponse, "missing LF after chunk data")
			}
			in = in[1:]
			d.state = chunkSize
		}
	}
	return out, nil
}

func (d *chunkDecoder) endLine(line string) error {
	if d.state == chunkTrailer {
		if line == "" {
			d.state = chunkDone
		}
		return nil
	}

	sizeText, _, _ := strings.Cut(line, ";")
	size, err := strconv.ParseInt(strings.TrimSpace(sizeText), 16, 64)
	if err != nil || size < 0 {
		return errors.Annotatef(ErrMalformedResponse, "chunk size %q", line)
	}
	if size == 0 {
		d.state = chunkTrailer
		return nil
	}
	d.remaining = size
	d.state = chunkData
	return nil
}
