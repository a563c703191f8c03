// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/juju/cmd/v3/cmdtesting"
	"github.com/juju/errors"
	jtesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/sofa/internal/testhelpers"
)

const envelope = `{"total_rows":5,"offset":1,"rows":[
{"id":"a","key":["2026","01"],"value":1},
{"id":"b","key":["2026","02"],"value":{"n":2}}
]}`

type viewSuite struct {
	jtesting.IsolationSuite
}

var _ = gc.Suite(&viewSuite{})

func (s *viewSuite) serve(c *gc.C, code int, body string) (*testhelpers.Server, []string) {
	server := testhelpers.NewServer(c, func(conn net.Conn, _ *http.Request, _ []byte) {
		head := testhelpers.ResponseHead(code, fmt.Sprintf("Content-Length: %d", len(body)))
		chunks := append([][]byte{head}, testhelpers.SplitEvery([]byte(body), 7)...)
		_ = testhelpers.WriteChunks(conn, chunks...)
	})
	args := []string{"--host", "127.0.0.1", "--port", strconv.Itoa(server.Port()), "--db", "orders"}
	return server, args
}

func (s *viewSuite) TestPrintsRows(c *gc.C) {
	server, args := s.serve(c, http.StatusOK, envelope)
	defer server.Close()

	args = append(args, "app", "by-date", "--start-key", `["2026"]`, "--limit", "2", "--descending")
	ctx, err := cmdtesting.RunCommand(c, newViewCommand(), args...)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cmdtesting.Stdout(ctx), gc.Equals, ""+
		`{"id":"a","key":["2026","01"],"value":1}`+"\n"+
		`{"id":"b","key":["2026","02"],"value":{"n":2}}`+"\n")
	c.Assert(cmdtesting.Stderr(ctx), gc.Equals, "total_rows: 5\noffset: 1\n")

	req := <-server.Requests
	c.Assert(req.Method, gc.Equals, http.MethodGet)
	c.Assert(req.URL.Path, gc.Equals, "/orders/_design/app/_view/by-date")
	query := req.URL.Query()
	c.Assert(query.Get("startkey"), gc.Equals, `["2026"]`)
	c.Assert(query.Get("limit"), gc.Equals, "2")
	c.Assert(query.Get("descending"), gc.Equals, "true")
}

func (s *viewSuite) TestAllDocsPostKeys(c *gc.C) {
	server, args := s.serve(c, http.StatusOK, `{"rows":[{"key":"zz","error":"not_found"}]}`)
	defer server.Close()

	ctx, err := cmdtesting.RunCommand(c, newViewCommand(), append(args, "--keys", `["zz"]`, "--post")...)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cmdtesting.Stdout(ctx), gc.Equals, `{"key":"zz","value":null,"error":"not_found"}`+"\n")
	c.Assert(cmdtesting.Stderr(ctx), gc.Equals, "")

	req := <-server.Requests
	c.Assert(req.Method, gc.Equals, http.MethodPost)
	c.Assert(req.URL.Path, gc.Equals, "/orders/_all_docs")
	c.Assert(req.URL.Query().Has("keys"), jc.IsFalse)
}

func (s *viewSuite) TestStatusError(c *gc.C) {
	server, args := s.serve(c, http.StatusNotFound, `{"error":"not_found","reason":"missing_named_view"}`)
	defer server.Close()

	ctx, err := cmdtesting.RunCommand(c, newViewCommand(), append(args, "app", "nope")...)
	c.Assert(err, gc.ErrorMatches, "unexpected HTTP status 404 Not Found: not_found: missing_named_view")
	c.Assert(cmdtesting.Stdout(ctx), gc.Equals, "")
}

func (s *viewSuite) TestInit(c *gc.C) {
	tests := []struct {
		args []string
		err  string
	}{
		{[]string{"app"}, "missing view name"},
		{[]string{"app", "v", "extra"}, `unrecognized args: \["extra"\]`},
		{[]string{"--key", "{"}, "--key { not valid"},
		{[]string{"--start-key", "1 2"}, "--start-key 1 2 not valid"},
		{[]string{"--keys", `"a"`}, `--keys "a": not an array not valid`},
		{[]string{"--limit=-1"}, "--limit -1 not valid"},
	}
	for i, test := range tests {
		c.Logf("test #%d: %v", i, test.args)
		err := cmdtesting.InitCommand(newViewCommand(), test.args)
		c.Check(err, gc.ErrorMatches, test.err)
	}

	err := cmdtesting.InitCommand(newViewCommand(), []string{"--skip=-3"})
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *viewSuite) TestParsesNumbersExactly(c *gc.C) {
	cmd := &viewCommand{}
	err := cmdtesting.InitCommand(cmd, []string{"--key", "12345678901234567890"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(fmt.Sprint(cmd.params.Key), gc.Equals, "12345678901234567890")
}
