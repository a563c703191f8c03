// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package jsonstream tokenizes JSON that arrives in arbitrary pieces. Bytes
// are pushed in with Append and tokens pulled out with Next; a token split
// across pieces is held back until the rest of it arrives, so the token
// sequence never depends on where the input was cut.
package jsonstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Kind identifies a JSON token.
type Kind int

const (
	ObjectStart Kind = iota + 1
	ObjectEnd
	ArrayStart
	ArrayEnd
	Key
	Value
)

func (k Kind) String() string {
	switch k {
	case ObjectStart:
		return "object-start"
	case ObjectEnd:
		return "object-end"
	case ArrayStart:
		return "array-start"
	case ArrayEnd:
		return "array-end"
	case Key:
		return "key"
	case Value:
		return "value"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Token is a single JSON token. Value holds the key name for Key tokens,
// and a string, json.Number, bool or nil for Value tokens.
type Token struct {
	Kind  Kind
	Value any
}

// SyntaxError describes malformed input.
type SyntaxError struct {
	// Offset is the number of input bytes before the offending one.
	Offset int64
	Msg    string
}

// Error is part of the error interface.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid JSON at offset %d: %s", e.Offset, e.Msg)
}

type expectation int

const (
	expectValue expectation = iota
	expectValueOrArrayEnd
	expectKeyOrObjectEnd
	expectKey
	expectColon
	expectCommaOrEnd
)

var (
	literalTrue  = []byte("true")
	literalFalse = []byte("false")
	literalNull  = []byte("null")
)

// Scanner is a resumable JSON tokenizer. Any number of top-level values
// may follow one another, separated by optional whitespace.
type Scanner struct {
	buf    []byte
	pos    int
	offset int64

	// containers holds '{' or '[' for every open container.
	containers []byte
	expect     expectation
	closed     bool
	err        error
}

// Append adds more input.
func (s *Scanner) Append(p []byte) {
	if s.pos > 0 {
		n := copy(s.buf, s.buf[s.pos:])
		s.buf = s.buf[:n]
		s.offset += int64(s.pos)
		s.pos = 0
	}
	s.buf = append(s.buf, p...)
}

// Close marks the end of input. Tokens still buffered remain available
// from Next, which reports an error if the input stopped mid-value.
func (s *Scanner) Close() {
	s.closed = true
}

// Depth returns the number of open containers.
func (s *Scanner) Depth() int {
	return len(s.containers)
}

// Next returns the next token. The boolean is false when no complete token
// is buffered: more input is needed, or the input is closed and exhausted.
// Errors are sticky.
func (s *Scanner) Next() (Token, bool, error) {
	if s.err != nil {
		return Token{}, false, s.err
	}
	for {
		s.skipSpace()
		if s.pos >= len(s.buf) {
			if s.closed && (len(s.containers) > 0 || s.expect == expectColon) {
				return s.fail("unexpected end of input")
			}
			return Token{}, false, nil
		}
		c := s.buf[s.pos]

		switch s.expect {
		case expectColon:
			if c != ':' {
				return s.fail(fmt.Sprintf("expected ':' after object key, found %q", c))
			}
			s.pos++
			s.expect = expectValue
			continue

		case expectCommaOrEnd:
			top := s.containers[len(s.containers)-1]
			switch {
			case c == ',':
				s.pos++
				if top == '{' {
					s.expect = expectKey
				} else {
					s.expect = expectValue
				}
				continue
			case c == '}' && top == '{':
				s.pos++
				return s.closeContainer(ObjectEnd)
			case c == ']' && top == '[':
				s.pos++
				return s.closeContainer(ArrayEnd)
			}
			return s.fail(fmt.Sprintf("expected ',' or end of container, found %q", c))

		case expectKeyOrObjectEnd, expectKey:
			if c == '}' && s.expect == expectKeyOrObjectEnd {
				s.pos++
				return s.closeContainer(ObjectEnd)
			}
			if c != '"' {
				return s.fail(fmt.Sprintf("expected object key, found %q", c))
			}
			key, ok, err := s.scanString()
			if err != nil || !ok {
				return Token{}, false, err
			}
			s.expect = expectColon
			return Token{Kind: Key, Value: key}, true, nil

		case expectValueOrArrayEnd:
			if c == ']' {
				s.pos++
				return s.closeContainer(ArrayEnd)
			}
		}
		return s.scanValue(c)
	}
}

func (s *Scanner) scanValue(c byte) (Token, bool, error) {
	switch {
	case c == '{':
		s.pos++
		s.containers = append(s.containers, '{')
		s.expect = expectKeyOrObjectEnd
		return Token{Kind: ObjectStart}, true, nil
	case c == '[':
		s.pos++
		s.containers = append(s.containers, '[')
		s.expect = expectValueOrArrayEnd
		return Token{Kind: ArrayStart}, true, nil
	case c == '"':
		str, ok, err := s.scanString()
		if err != nil || !ok {
			return Token{}, false, err
		}
		return s.scalar(str)
	case c == 't':
		return s.scanLiteral(literalTrue, true)
	case c == 'f':
		return s.scanLiteral(literalFalse, false)
	case c == 'n':
		return s.scanLiteral(literalNull, nil)
	case c == '-' || (c >= '0' && c <= '9'):
		return s.scanNumber()
	}
	return s.fail(fmt.Sprintf("unexpected character %q", c))
}

func (s *Scanner) scalar(v any) (Token, bool, error) {
	s.afterValue()
	return Token{Kind: Value, Value: v}, true, nil
}

func (s *Scanner) closeContainer(kind Kind) (Token, bool, error) {
	s.containers = s.containers[:len(s.containers)-1]
	s.afterValue()
	return Token{Kind: kind}, true, nil
}

func (s *Scanner) afterValue() {
	if len(s.containers) == 0 {
		s.expect = expectValue
	} else {
		s.expect = expectCommaOrEnd
	}
}

// scanString consumes a complete quoted string starting at s.pos. ok is
// false when the closing quote has not arrived yet.
func (s *Scanner) scanString() (string, bool, error) {
	escaped := false
	for i := s.pos + 1; i < len(s.buf); i++ {
		switch c := s.buf[i]; {
		case c == '\\':
			escaped = true
			i++
		case c == '"':
			raw := s.buf[s.pos : i+1]
			if !escaped && utf8.Valid(raw) {
				s.pos = i + 1
				return string(raw[1 : len(raw)-1]), true, nil
			}
			var str string
			if err := json.Unmarshal(raw, &str); err != nil {
				_, _, err = s.fail(fmt.Sprintf("bad string: %v", err))
				return "", false, err
			}
			s.pos = i + 1
			return str, true, nil
		case c < 0x20:
			s.pos = i
			_, _, err := s.fail(fmt.Sprintf("control character %q in string", c))
			return "", false, err
		}
	}
	if s.closed {
		_, _, err := s.fail("unterminated string")
		return "", false, err
	}
	return "", false, nil
}

func (s *Scanner) scanLiteral(literal []byte, value any) (Token, bool, error) {
	avail := s.buf[s.pos:]
	if len(avail) < len(literal) {
		if !s.closed && bytes.HasPrefix(literal, avail) {
			return Token{}, false, nil
		}
		return s.fail(fmt.Sprintf("invalid literal %q", avail))
	}
	if !bytes.HasPrefix(avail, literal) {
		return s.fail(fmt.Sprintf("invalid literal %q", avail[:len(literal)]))
	}
	s.pos += len(literal)
	return s.scalar(value)
}

func (s *Scanner) scanNumber() (Token, bool, error) {
	i := s.pos
	for i < len(s.buf) && isNumberByte(s.buf[i]) {
		i++
	}
	if i == len(s.buf) && !s.closed {
		// The number may continue in the next piece.
		return Token{}, false, nil
	}
	text := string(s.buf[s.pos:i])
	if !validNumber(text) {
		return s.fail(fmt.Sprintf("invalid number %q", text))
	}
	s.pos = i
	return s.scalar(json.Number(text))
}

func (s *Scanner) skipSpace() {
	for s.pos < len(s.buf) {
		switch s.buf[s.pos] {
		case ' ', '\t', '\r', '\n':
			s.pos++
		default:
			return
		}
	}
}

func (s *Scanner) fail(msg string) (Token, bool, error) {
	s.err = &SyntaxError{Offset: s.offset + int64(s.pos), Msg: msg}
	return Token{}, false, s.err
}

func isNumberByte(c byte) bool {
	return (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E'
}

// validNumber checks text against the JSON number grammar.
func validNumber(text string) bool {
	i := 0
	if i < len(text) && text[i] == '-' {
		i++
	}
	switch {
	case i < len(text) && text[i] == '0':
		i++
	case i < len(text) && text[i] >= '1' && text[i] <= '9':
		for i < len(text) && isDigit(text[i]) {
			i++
		}
	default:
		return false
	}
	if i < len(text) && text[i] == '.' {
		i++
		if i >= len(text) || !isDigit(text[i]) {
			return false
		}
		for i < len(text) && isDigit(text[i]) {
			i++
		}
	}
	if i < len(text) && (text[i] == 'e' || text[i] == 'E') {
		i++
		if i < len(text) && (text[i] == '+' || text[i] == '-') {
			i++
		}
		if i >= len(text) || !isDigit(text[i]) {
			return false
		}
		for i < len(text) && isDigit(text[i]) {
			i++
		}
	}
	return i == len(text)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
