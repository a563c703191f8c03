// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/sofa/couch"
	"github.com/juju/sofa/view"
)

const viewDoc = `
Queries a view and prints every row as one JSON object per line, as the rows
arrive. Without arguments, _all_docs is queried.

Keys are given as JSON text, so a string key needs its own quotes. Once the
rows are done, total_rows and offset are printed to stderr when the server
reported them.
`

const viewExamples = `
    sofa view --db orders app by-date --start-key '["2026","01"]' --limit 10
    sofa view --db orders app by-customer --keys '["alice","bob"]' --post
    sofa view --db orders --include-docs
`

func newViewCommand() cmd.Command {
	return &viewCommand{}
}

type viewCommand struct {
	connectionCommand

	design string
	name   string

	key         string
	startKey    string
	endKey      string
	keys        string
	limit       int
	skip        int
	descending  bool
	includeDocs bool
	post        bool

	params couch.ViewParams
}

func (c *viewCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:     "view",
		Args:     "[<design> <view>]",
		Purpose:  "Stream the rows of a view.",
		Doc:      viewDoc,
		Examples: viewExamples,
		SeeAlso:  []string{"changes"},
	}
}

func (c *viewCommand) SetFlags(f *gnuflag.FlagSet) {
	c.connectionCommand.SetFlags(f)
	f.StringVar(&c.key, "key", "", "only rows with this key (JSON)")
	f.StringVar(&c.startKey, "start-key", "", "first key (JSON)")
	f.StringVar(&c.endKey, "end-key", "", "last key (JSON)")
	f.StringVar(&c.keys, "keys", "", "only rows with these keys (JSON array)")
	f.IntVar(&c.limit, "limit", 0, "maximum number of rows")
	f.IntVar(&c.skip, "skip", 0, "number of rows to skip")
	f.BoolVar(&c.descending, "descending", false, "reverse the row order")
	f.BoolVar(&c.includeDocs, "include-docs", false, "include the documents")
	f.BoolVar(&c.post, "post", false, "send --keys in a request body")
}

func (c *viewCommand) Init(args []string) error {
	switch len(args) {
	case 0:
	case 2:
		c.design, c.name = args[0], args[1]
	case 1:
		return errors.New("missing view name")
	default:
		return cmd.CheckEmpty(args[2:])
	}
	if c.limit < 0 {
		return errors.NotValidf("--limit %d", c.limit)
	}
	if c.skip < 0 {
		return errors.NotValidf("--skip %d", c.skip)
	}

	c.params = couch.ViewParams{
		Limit:       c.limit,
		Skip:        c.skip,
		Descending:  c.descending,
		IncludeDocs: c.includeDocs,
		Post:        c.post,
	}
	var err error
	if c.params.Key, err = parseJSONFlag("key", c.key); err != nil {
		return errors.Trace(err)
	}
	if c.params.StartKey, err = parseJSONFlag("start-key", c.startKey); err != nil {
		return errors.Trace(err)
	}
	if c.params.EndKey, err = parseJSONFlag("end-key", c.endKey); err != nil {
		return errors.Trace(err)
	}
	keys, err := parseJSONFlag("keys", c.keys)
	if err != nil {
		return errors.Trace(err)
	}
	if keys != nil {
		list, ok := keys.([]any)
		if !ok {
			return errors.NotValidf("--keys %s: not an array", c.keys)
		}
		c.params.Keys = list
	}
	return nil
}

func (c *viewCommand) Run(ctx *cmd.Context) error {
	db, err := c.setUp(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	stdCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupted := make(chan os.Signal, 1)
	ctx.InterruptNotify(interrupted)
	defer ctx.StopInterruptNotify(interrupted)
	go func() {
		select {
		case <-interrupted:
			cancel()
		case <-stdCtx.Done():
		}
	}()

	stream, err := view.Open(stdCtx, view.Config{
		Database: db,
		Design:   c.design,
		View:     c.name,
		Params:   c.params,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer stream.Close()

	enc := json.NewEncoder(ctx.Stdout)
	for row, err := range stream.All() {
		if err != nil {
			return errors.Trace(err)
		}
		if stdCtx.Err() != nil {
			return errors.Trace(stdCtx.Err())
		}
		if err := enc.Encode(row); err != nil {
			return errors.Annotate(err, "printing row")
		}
	}

	if total, ok := stream.TotalRows(); ok {
		fmt.Fprintf(ctx.Stderr, "total_rows: %d\n", total)
	}
	if offset, ok := stream.Offset(); ok {
		fmt.Fprintf(ctx.Stderr, "offset: %d\n", offset)
	}
	return nil
}

func parseJSONFlag(name, value string) (any, error) {
	if value == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(value)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.NotValidf("--%s %s", name, value)
	}
	if dec.More() {
		return nil, errors.NotValidf("--%s %s", name, value)
	}
	return v, nil
}
