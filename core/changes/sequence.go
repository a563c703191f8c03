// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changes

import (
	"bytes"
	"encoding/json"

	"github.com/juju/errors"
)

// Sequence is the position of a change in the feed. Older servers use
// integers, newer ones opaque strings; either way the textual form is kept
// exactly as received so it can be handed back as the since parameter.
type Sequence string

// Now asks the server to start from the current end of the feed.
const Now Sequence = "now"

// IsZero reports whether no sequence is set, meaning the start of the feed.
func (s Sequence) IsZero() bool {
	return s == ""
}

// String implements fmt.Stringer.
func (s Sequence) String() string {
	return string(s)
}

// MarshalJSON renders integer sequences as numbers and anything else as a
// string, matching what the server sent.
func (s Sequence) MarshalJSON() ([]byte, error) {
	if isInteger(string(s)) {
		return []byte(s), nil
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON accepts either a number or a string.
func (s *Sequence) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return errors.Trace(err)
	}
	seq, err := ParseSequence(raw)
	if err != nil {
		return errors.Trace(err)
	}
	*s = seq
	return nil
}

// ParseSequence converts a decoded JSON value into a Sequence.
func ParseSequence(v any) (Sequence, error) {
	switch v := v.(type) {
	case string:
		return Sequence(v), nil
	case json.Number:
		return Sequence(v.String()), nil
	case nil:
		return "", nil
	}
	return "", errors.NotValidf("sequence %v (%T)", v, v)
}

func isInteger(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
