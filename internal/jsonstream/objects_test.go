// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jsonstream_test

import (
	"encoding/json"

	"github.com/juju/errors"
	jtesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/sofa/internal/jsonstream"
)

type objectDecoderSuite struct {
	jtesting.IsolationSuite
}

var _ = gc.Suite(&objectDecoderSuite{})

const feedLines = "{\"seq\":1,\"id\":\"a\",\"changes\":[{\"rev\":\"1-x\"}]}\n" +
	"\n\n" +
	"{\"seq\":2,\"id\":\"b\",\"changes\":[{\"rev\":\"2-y\"}],\"deleted\":true,\"doc\":{\"n\":[[1],{}]}}\n"

func (s *objectDecoderSuite) expected() []map[string]any {
	return []map[string]any{{
		"seq":     json.Number("1"),
		"id":      "a",
		"changes": []any{map[string]any{"rev": "1-x"}},
	}, {
		"seq":     json.Number("2"),
		"id":      "b",
		"changes": []any{map[string]any{"rev": "2-y"}},
		"deleted": true,
		"doc":     map[string]any{"n": []any{[]any{json.Number("1")}, map[string]any{}}},
	}}
}

func (s *objectDecoderSuite) TestEverySplit(c *gc.C) {
	for i := 0; i <= len(feedLines); i++ {
		var d jsonstream.ObjectDecoder
		c.Assert(d.Append([]byte(feedLines[:i])), jc.ErrorIsNil)
		first := d.Objects()
		c.Assert(d.Append([]byte(feedLines[i:])), jc.ErrorIsNil)
		c.Assert(d.Close(), jc.ErrorIsNil)
		got := append(first, d.Objects()...)
		c.Assert(got, jc.DeepEquals, s.expected(), gc.Commentf("split at %d", i))
		c.Assert(d.Pending(), jc.IsFalse)
	}
}

func (s *objectDecoderSuite) TestHeartbeatsOnly(c *gc.C) {
	var d jsonstream.ObjectDecoder
	for i := 0; i < 5; i++ {
		c.Assert(d.Append([]byte("\n")), jc.ErrorIsNil)
	}
	c.Assert(d.Objects(), gc.HasLen, 0)
	c.Assert(d.Close(), jc.ErrorIsNil)
}

func (s *objectDecoderSuite) TestPending(c *gc.C) {
	var d jsonstream.ObjectDecoder
	c.Assert(d.Append([]byte(`{"id":"a","changes":[`)), jc.ErrorIsNil)
	c.Assert(d.Pending(), jc.IsTrue)
	c.Assert(d.Objects(), gc.HasLen, 0)
	c.Assert(d.Close(), gc.ErrorMatches, `invalid JSON at offset 21: unexpected end of input`)
}

func (s *objectDecoderSuite) TestRejectsNonObjects(c *gc.C) {
	var d jsonstream.ObjectDecoder
	err := d.Append([]byte("[1]\n"))
	c.Assert(err, gc.ErrorMatches, `expected JSON object, found \[\]interface \{\}`)
}

func (s *objectDecoderSuite) TestMalformed(c *gc.C) {
	var d jsonstream.ObjectDecoder
	err := d.Append([]byte("{\"id\":}\n"))
	c.Assert(err, gc.ErrorMatches, `invalid JSON at offset 6: unexpected character '}'`)

	var syntaxErr *jsonstream.SyntaxError
	c.Assert(errors.As(err, &syntaxErr), jc.IsTrue)
	c.Check(syntaxErr.Offset, gc.Equals, int64(6))
}

type stackSuite struct {
	jtesting.IsolationSuite
}

var _ = gc.Suite(&stackSuite{})

func (s *stackSuite) TestFeedBuildsNestedValues(c *gc.C) {
	var st jsonstream.Stack
	tokens := []jsonstream.Token{
		{Kind: jsonstream.ArrayStart},
		{Kind: jsonstream.ObjectStart},
		{Kind: jsonstream.Key, Value: "k"},
		{Kind: jsonstream.ArrayStart},
		{Kind: jsonstream.ArrayEnd},
		{Kind: jsonstream.ObjectEnd},
		{Kind: jsonstream.Value, Value: "v"},
	}
	for _, tok := range tokens {
		_, complete, err := st.Feed(tok)
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(complete, jc.IsFalse)
	}
	c.Assert(st.Len(), gc.Equals, 1)
	value, complete, err := st.Feed(jsonstream.Token{Kind: jsonstream.ArrayEnd})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(complete, jc.IsTrue)
	c.Assert(value, jc.DeepEquals, []any{map[string]any{"k": []any{}}, "v"})
	c.Assert(st.Len(), gc.Equals, 0)
}

func (s *stackSuite) TestPopEmpty(c *gc.C) {
	var st jsonstream.Stack
	_, err := st.Pop()
	c.Assert(err, gc.ErrorMatches, "no open container")
}
