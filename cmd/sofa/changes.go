// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/worker/v4"

	"github.com/juju/sofa/core/changes"
	"github.com/juju/sofa/feed"
	"github.com/juju/sofa/internal/checkpoint"
)

const changesDoc = `
Follows the continuous change feed of a database and prints every change as
one JSON object per line, until interrupted.

With --checkpoint, the sequence of the last printed change is stored in the
given file and the feed resumes from there next time, ignoring --since.

With --restart, a feed that the server closes, that stalls, or that fails
with a server error is reopened from the last printed change after
--restart-delay. Other failures stop the command.
`

const changesExamples = `
    sofa changes --db orders --since now
    sofa changes --db orders --filter app/important --include-docs
    sofa changes --config prod.yaml --checkpoint orders.db --restart
`

func newChangesCommand() cmd.Command {
	return &changesCommand{}
}

type changesCommand struct {
	connectionCommand

	since        string
	filter       string
	includeDocs  bool
	heartbeat    time.Duration
	checkpoint   string
	restart      bool
	restartDelay time.Duration
}

func (c *changesCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:     "changes",
		Purpose:  "Follow the change feed of a database.",
		Doc:      changesDoc,
		Examples: changesExamples,
		SeeAlso:  []string{"view"},
	}
}

func (c *changesCommand) SetFlags(f *gnuflag.FlagSet) {
	c.connectionCommand.SetFlags(f)
	f.StringVar(&c.since, "since", "", `start after this sequence, or "now"`)
	f.StringVar(&c.filter, "filter", "", "filter function as design/name")
	f.BoolVar(&c.includeDocs, "include-docs", false, "include the changed documents")
	f.DurationVar(&c.heartbeat, "heartbeat", feed.DefaultHeartbeat, "server keep-alive interval")
	f.StringVar(&c.checkpoint, "checkpoint", "", "file recording the last printed sequence")
	f.BoolVar(&c.restart, "restart", false, "reopen the feed after recoverable failures")
	f.DurationVar(&c.restartDelay, "restart-delay", feed.DefaultRestartDelay, "wait before reopening the feed")
}

func (c *changesCommand) Init(args []string) error {
	if c.heartbeat <= 0 {
		return errors.NotValidf("--heartbeat %v", c.heartbeat)
	}
	if c.restartDelay <= 0 {
		return errors.NotValidf("--restart-delay %v", c.restartDelay)
	}
	return cmd.CheckEmpty(args)
}

func (c *changesCommand) Run(ctx *cmd.Context) error {
	db, err := c.setUp(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	printer := newEventPrinter(ctx.Stdout)
	config := feed.Config{
		Database:    db,
		Filter:      c.filter,
		Since:       changes.Sequence(c.since),
		IncludeDocs: c.includeDocs,
		Heartbeat:   c.heartbeat,
		Handler:     printer,
		AutoAck:     true,
	}
	if c.checkpoint != "" {
		store, err := checkpoint.Open(ctx.AbsPath(c.checkpoint), checkpoint.Options{})
		if err != nil {
			return errors.Trace(err)
		}
		defer store.Close()
		config.Checkpoints = store
	}

	newWatcher := func() (worker.Worker, error) {
		cfg := config
		if last := printer.last(); !last.IsZero() {
			cfg.Since = last
		}
		return feed.NewWorker(cfg)
	}

	var w worker.Worker
	if c.restart {
		w, err = feed.NewSupervisor(feed.SupervisorConfig{
			NewWorker:    newWatcher,
			RestartDelay: c.restartDelay,
		})
	} else {
		w, err = newWatcher()
	}
	if err != nil {
		return errors.Trace(err)
	}
	return waitInterruptible(ctx, w)
}

// waitInterruptible waits for w to stop, killing it on interrupt.
func waitInterruptible(ctx *cmd.Context, w worker.Worker) error {
	interrupted := make(chan os.Signal, 1)
	ctx.InterruptNotify(interrupted)
	defer ctx.StopInterruptNotify(interrupted)

	stopped := make(chan error, 1)
	go func() {
		stopped <- w.Wait()
	}()

	select {
	case err := <-stopped:
		return errors.Trace(err)
	case <-interrupted:
		logger.Infof("interrupted, stopping")
		w.Kill()
		return errors.Trace(<-stopped)
	}
}

// eventOutput is the printed form of a change.
type eventOutput struct {
	Seq     changes.Sequence `json:"seq"`
	ID      string           `json:"id"`
	Changes []string         `json:"changes"`
	Deleted bool             `json:"deleted,omitempty"`
	Doc     map[string]any   `json:"doc,omitempty"`
}

// eventPrinter is a feed.Handler writing each event as a JSON line.
type eventPrinter struct {
	enc *json.Encoder

	mu      sync.Mutex
	lastSeq changes.Sequence
}

func newEventPrinter(out io.Writer) *eventPrinter {
	return &eventPrinter{enc: json.NewEncoder(out)}
}

// Handle is part of the feed.Handler interface.
func (p *eventPrinter) Handle(_ context.Context, event changes.Event) error {
	err := p.enc.Encode(eventOutput{
		Seq:     event.Seq,
		ID:      event.ID,
		Changes: event.Changes,
		Deleted: event.Deleted,
		Doc:     event.Doc,
	})
	if err != nil {
		return errors.Annotate(err, "printing change")
	}
	p.mu.Lock()
	p.lastSeq = event.Seq
	p.mu.Unlock()
	return nil
}

func (p *eventPrinter) last() changes.Sequence {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeq
}
