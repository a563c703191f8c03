// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package feed follows the continuous change feed of a database, handing
// every change to a Handler as it arrives.
package feed

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"

	"github.com/juju/sofa/core/changes"
	"github.com/juju/sofa/couch"
	"github.com/juju/sofa/internal/httpframe"
	"github.com/juju/sofa/internal/jsonstream"
	"github.com/juju/sofa/internal/transport"
)

var logger = loggo.GetLogger("sofa.feed")

// Watcher is a worker that follows one database's continuous change feed.
//
// Refused connections are retried every RetryDelay for as long as it takes.
// A stalled connection is reopened from the last handled sequence. Any
// other failure stops the watcher: a status other than 200 OK, the server
// closing the feed, malformed JSON, or a handler error.
type Watcher struct {
	tomb   tomb.Tomb
	config Config
	clock  clock.Clock
	logger Logger
	acks   *ackTracker

	// internalStates is only set by tests.
	internalStates chan string

	mu         sync.Mutex
	state      State
	conn       transport.Conn
	since      changes.Sequence
	connects   int
	reconnects int
	events     int
	bytes      int64
}

// NewWatcher starts a watcher following the feed described by config.
func NewWatcher(config Config) (*Watcher, error) {
	return newWatcher(config, nil)
}

func newWatcher(config Config, internalStates chan string) (*Watcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new feed watcher invalid config")
	}
	config = config.withDefaults()

	w := &Watcher{
		config:         config,
		clock:          config.Clock,
		logger:         config.Logger,
		acks:           newAckTracker(),
		internalStates: internalStates,
		state:          StateDisconnected,
		since:          config.Since,
	}
	config.Metrics.setState(config.Database.Name, StateDisconnected)

	w.tomb.Go(func() error {
		defer w.setState(StateStopped)
		err := w.loop()
		// tomb expects ErrDying as an exact value.
		if errors.Cause(err) == tomb.ErrDying {
			return tomb.ErrDying
		}
		if err != nil {
			w.logger.Infof("feed watcher for %s failed: %v", config.Database, err)
		}
		return err
	})
	return w, nil
}

// Kill is part of the worker.Worker interface. It also closes the
// connection, so a read blocked on a silent server returns at once.
func (w *Watcher) Kill() {
	w.mu.Lock()
	if w.state != StateStopped {
		w.state = StateStopping
	}
	w.mu.Unlock()

	w.tomb.Kill(nil)
	w.closeConn()
}

// Wait is part of the worker.Worker interface.
func (w *Watcher) Wait() error {
	return w.tomb.Wait()
}

// Stop stops the watcher and returns the error it stopped with.
func (w *Watcher) Stop() error {
	return worker.Stop(w)
}

// Dead returns a channel that is closed when the watcher has stopped.
func (w *Watcher) Dead() <-chan struct{} {
	return w.tomb.Dead()
}

// Err returns the error with which the watcher stopped.
// It returns nil if the watcher stopped cleanly, tomb.ErrStillAlive
// if the watcher is still running properly, or the respective error
// if the watcher is terminating or has terminated with an error.
func (w *Watcher) Err() error {
	return w.tomb.Err()
}

// State returns the current connection state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Since returns the sequence of the last handled event, or of the starting
// point when nothing has been handled yet.
func (w *Watcher) Since() changes.Sequence {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.since
}

// Report exposes runtime details of the watcher.
func (w *Watcher) Report() map[string]any {
	pending, acked := w.acks.counts()

	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]any{
		"database":         w.config.Database.Name,
		"state":            string(w.state),
		"since":            w.since.String(),
		"connect-attempts": w.connects,
		"reconnects":       w.reconnects,
		"events":           w.events,
		"bytes":            w.bytes,
		"pending-acks":     pending,
		"acked":            acked,
	}
}

// Ack marks the event with the given document id as fully processed.
func (w *Watcher) Ack(id string) {
	w.acks.ack(id)
}

// WaitAcked blocks until the event with the given document id has been
// dispatched and acknowledged, with no later dispatch of the same id still
// unacknowledged. It returns ErrAborted if abort is closed first, and
// ErrWatcherStopped if the watcher stops first.
func (w *Watcher) WaitAcked(abort <-chan struct{}, id string) error {
	for {
		done, changed := w.acks.satisfied(id)
		if done {
			return nil
		}
		select {
		case <-changed:
		case <-abort:
			return ErrAborted
		case <-w.tomb.Dead():
			if done, _ := w.acks.satisfied(id); done {
				return nil
			}
			return ErrWatcherStopped
		}
	}
}

func (w *Watcher) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(w.tomb.Context(context.Background()))
}

func (w *Watcher) loop() error {
	w.logger.Tracef("loop started")
	defer w.logger.Tracef("loop finished")

	ctx, cancel := w.scopedContext()
	defer cancel()
	defer w.closeConn()

	if err := w.loadCheckpoint(); err != nil {
		return errors.Trace(err)
	}

	for {
		framer, err := w.connect(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		err = w.stream(ctx, framer)
		w.closeConn()
		if !errors.Is(err, errIdle) {
			return errors.Trace(err)
		}

		w.logger.Infof("feed for %s idle for %v, reconnecting from %q",
			w.config.Database, w.config.IdleTimeout, w.Since())
		w.mu.Lock()
		w.reconnects++
		w.mu.Unlock()
		w.config.Metrics.reconnect(w.config.Database.Name)
		w.reportInternalState(stateReconnecting)
	}
}

func (w *Watcher) loadCheckpoint() error {
	if w.config.Checkpoints == nil {
		return nil
	}
	seq, found, err := w.config.Checkpoints.Load(w.config.CheckpointName)
	if err != nil {
		return errors.Annotatef(err, "loading checkpoint %q", w.config.CheckpointName)
	}
	if found {
		w.logger.Debugf("resuming %s from checkpoint %q", w.config.Database, seq)
		w.mu.Lock()
		w.since = seq
		w.mu.Unlock()
	}
	return nil
}

// connect opens the feed, retrying for as long as the connection is
// refused, and returns once a 200 OK header has been read.
func (w *Watcher) connect(ctx context.Context) (*httpframe.Framer, error) {
	w.setState(StateConnecting)
	db := w.config.Database

	var conn transport.Conn
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			w.mu.Lock()
			w.connects++
			w.mu.Unlock()
			w.config.Metrics.connectAttempt(db.Name)

			var err error
			conn, err = w.config.Dialer.Dial(ctx, db.Host, db.Port)
			return err
		},
		IsFatalError: func(err error) bool {
			return !transport.IsConnectionRefused(err)
		},
		NotifyFunc: func(err error, attempt int) {
			w.logger.Warningf("connecting to %s, attempt %d: %v", db, attempt, err)
			w.reportInternalState(stateRetrying)
		},
		Attempts: retry.UnlimitedAttempts,
		Delay:    w.config.RetryDelay,
		Clock:    w.clock,
		Stop:     w.tomb.Dying(),
	})
	if retry.IsRetryStopped(err) {
		return nil, tomb.ErrDying
	} else if err != nil {
		return nil, w.dyingOr(errors.Annotatef(err, "connecting to %s", db))
	}

	if !w.setConn(conn) {
		return nil, tomb.ErrDying
	}
	conn.SetIdleTimeout(w.config.IdleTimeout)

	req := w.config.request(w.Since())
	if err := conn.Write(req); err != nil {
		return nil, w.dyingOr(errors.Trace(err))
	}
	w.logger.Debugf("following %s", req.URI())

	framer := httpframe.New(conn, transport.DefaultChunkSize)
	header, err := framer.ReadHeader()
	if err != nil {
		return nil, w.dyingOr(errors.Annotate(err, "reading feed response"))
	}
	if header.StatusCode != http.StatusOK {
		return nil, w.statusError(framer, header)
	}

	w.setState(StateStreaming)
	w.reportInternalState(stateConnected)
	return framer, nil
}

func (w *Watcher) statusError(framer *httpframe.Framer, header *httpframe.Header) error {
	var body []byte
	for len(body) < couch.MaxErrorBody {
		data, err := framer.ReadBody()
		if err != nil {
			break
		}
		body = append(body, data...)
	}
	return couch.NewStatusError(header.StatusCode, body)
}

// stream reads the feed until it fails, the watcher is killed, or the
// connection goes idle.
func (w *Watcher) stream(ctx context.Context, framer *httpframe.Framer) error {
	var decoder jsonstream.ObjectDecoder
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		default:
		}

		data, err := framer.ReadBody()
		switch {
		case err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF):
			return w.dyingOr(ErrFeedClosed)
		case transport.IsTimeout(err):
			return w.dyingOr(errIdle)
		case err != nil:
			return w.dyingOr(errors.Annotate(err, "reading feed"))
		}

		w.mu.Lock()
		w.bytes += int64(len(data))
		w.mu.Unlock()
		w.config.Metrics.bytesRead(w.config.Database.Name, len(data))

		// Objects completed before a syntax error are still handled.
		decodeErr := decoder.Append(data)
		for _, fields := range decoder.Objects() {
			if err := w.dispatch(ctx, fields); err != nil {
				return errors.Trace(err)
			}
		}
		if decodeErr != nil {
			return errors.Annotate(decodeErr, "decoding feed")
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, fields map[string]any) error {
	event, ok, err := changes.ParseEvent(fields)
	if err != nil {
		return errors.Annotate(err, "decoding feed")
	}
	if !ok {
		if seq, found := changes.LastSeq(fields); found {
			w.setSince(seq)
			w.reportInternalState(stateLastSeq)
		}
		return nil
	}

	select {
	case <-w.tomb.Dying():
		return tomb.ErrDying
	default:
	}

	if w.logger.IsTraceEnabled() {
		w.logger.Tracef("change %q at %q", event.ID, event.Seq)
	}
	w.acks.dispatched(event.ID)
	if err := w.config.Handler.Handle(ctx, event); err != nil {
		return w.dyingOr(errors.Annotatef(err, "handling change %q", event.ID))
	}
	if w.config.AutoAck {
		w.acks.ack(event.ID)
	}

	w.setSince(event.Seq)
	if w.config.Checkpoints != nil {
		if err := w.config.Checkpoints.Save(w.config.CheckpointName, event.Seq); err != nil {
			return errors.Annotatef(err, "saving checkpoint %q", w.config.CheckpointName)
		}
	}

	w.mu.Lock()
	w.events++
	w.mu.Unlock()
	w.config.Metrics.eventHandled(w.config.Database.Name)
	w.reportInternalState(stateDispatched)
	return nil
}

// setConn records the open connection, unless the watcher is already being
// killed, in which case the connection is closed and false returned.
func (w *Watcher) setConn(conn transport.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.tomb.Dying():
		_ = conn.Close()
		return false
	default:
	}
	w.conn = conn
	return true
}

// closeConn closes the current connection, if any. Each connection is
// closed exactly once however many goroutines race here.
func (w *Watcher) closeConn() {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		w.logger.Debugf("closing feed connection: %v", err)
	}
}

func (w *Watcher) setSince(seq changes.Sequence) {
	w.mu.Lock()
	w.since = seq
	w.mu.Unlock()
}

func (w *Watcher) setState(state State) {
	w.mu.Lock()
	if state != StateStopped && w.state == StateStopping {
		state = StateStopping
	}
	w.state = state
	w.mu.Unlock()
	w.config.Metrics.setState(w.config.Database.Name, state)
}

func (w *Watcher) dyingOr(err error) error {
	select {
	case <-w.tomb.Dying():
		return tomb.ErrDying
	default:
		return err
	}
}

func (w *Watcher) reportInternalState(state string) {
	if w.internalStates == nil {
		return
	}
	select {
	case <-w.tomb.Dying():
	case w.internalStates <- state:
	}
}
