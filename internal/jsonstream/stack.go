// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jsonstream

import (
	"github.com/juju/errors"
)

// accumulator collects the members of one open object or array.
type accumulator struct {
	object  map[string]any
	array   []any
	isArray bool
	key     string
	haveKey bool
}

// Stack builds values out of a token stream, one accumulator per open
// container. Objects become map[string]any and arrays []any.
type Stack struct {
	frames []*accumulator
}

// Len returns the number of open containers.
func (s *Stack) Len() int {
	return len(s.frames)
}

// Reset drops every open container.
func (s *Stack) Reset() {
	s.frames = s.frames[:0]
}

// Push opens a new container for an ObjectStart or ArrayStart token.
func (s *Stack) Push(kind Kind) {
	acc := &accumulator{isArray: kind == ArrayStart}
	if !acc.isArray {
		acc.object = make(map[string]any)
	}
	s.frames = append(s.frames, acc)
}

// SetKey records the key for the next value added to the top object.
func (s *Stack) SetKey(key string) error {
	top, err := s.top()
	if err != nil {
		return errors.Trace(err)
	}
	if top.isArray {
		return errors.Errorf("key %q inside array", key)
	}
	top.key = key
	top.haveKey = true
	return nil
}

// Add appends a value to the top container.
func (s *Stack) Add(v any) error {
	top, err := s.top()
	if err != nil {
		return errors.Trace(err)
	}
	if top.isArray {
		top.array = append(top.array, v)
		return nil
	}
	if !top.haveKey {
		return errors.New("object value without key")
	}
	top.object[top.key] = v
	top.haveKey = false
	return nil
}

// Pop closes the top container and returns its finalized value.
func (s *Stack) Pop() (any, error) {
	top, err := s.top()
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.frames = s.frames[:len(s.frames)-1]
	if top.isArray {
		if top.array == nil {
			return []any{}, nil
		}
		return top.array, nil
	}
	return top.object, nil
}

// Feed applies a token. When a value is completed at the outermost level
// (the stack is empty again, or a scalar arrived with nothing open) it is
// returned with complete set.
func (s *Stack) Feed(tok Token) (value any, complete bool, err error) {
	switch tok.Kind {
	case ObjectStart, ArrayStart:
		s.Push(tok.Kind)
		return nil, false, nil
	case Key:
		return nil, false, s.SetKey(tok.Value.(string))
	case Value:
		value = tok.Value
	case ObjectEnd, ArrayEnd:
		if value, err = s.Pop(); err != nil {
			return nil, false, errors.Trace(err)
		}
	default:
		return nil, false, errors.Errorf("unexpected token %v", tok.Kind)
	}
	if s.Len() == 0 {
		return value, true, nil
	}
	return nil, false, s.Add(value)
}

func (s *Stack) top() (*accumulator, error) {
	if len(s.frames) == 0 {
		return nil, errors.New("no open container")
	}
	return s.frames[len(s.frames)-1], nil
}
