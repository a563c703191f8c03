// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package feed

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/sofa/core/changes"
	"github.com/juju/sofa/couch"
	"github.com/juju/sofa/internal/transport"
)

const (
	// DefaultHeartbeat is how often an idle server is asked to send a
	// keep-alive newline.
	DefaultHeartbeat = 10 * time.Second

	// DefaultRetryDelay is the wait between refused connection attempts.
	DefaultRetryDelay = 30 * time.Second

	// idleHeartbeats is how many heartbeats may be missed before the
	// connection is considered stalled.
	idleHeartbeats = 3
)

// Logger represents the logging methods called.
type Logger interface {
	Errorf(message string, args ...any)
	Warningf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
	Tracef(message string, args ...any)

	IsTraceEnabled() bool
}

//go:generate go run go.uber.org/mock/mockgen -typed -package feed_test -destination handler_mock_test.go github.com/juju/sofa/feed Handler

// Handler processes the events of a feed, one at a time and in order.
type Handler interface {
	// Handle processes a single event. Returning an error stops the
	// watcher with that error.
	Handle(ctx context.Context, event changes.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event changes.Event) error

// Handle is part of the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, event changes.Event) error {
	return f(ctx, event)
}

// CheckpointStore persists the sequence of the last handled event, so a
// new watcher can resume where an old one stopped.
type CheckpointStore interface {
	// Load returns the saved sequence for name, if there is one.
	Load(name string) (changes.Sequence, bool, error)

	// Save records seq as the last sequence handled for name.
	Save(name string, seq changes.Sequence) error
}

// Config holds the configuration of a Watcher.
type Config struct {
	// Database is the database whose changes are followed.
	Database couch.Database

	// Filter names a filter function as "design/name".
	Filter string

	// Since is the sequence to start after. A saved checkpoint takes
	// precedence.
	Since changes.Sequence

	// IncludeDocs asks for the changed document with every event.
	IncludeDocs bool

	// Params and Header customize the feed request.
	Params url.Values
	Header http.Header

	// Handler is called for every event. It is required.
	Handler Handler

	// AutoAck acknowledges every event the handler returns without error.
	AutoAck bool

	// Heartbeat is the server keep-alive interval.
	Heartbeat time.Duration

	// IdleTimeout is how long a connection may go without any bytes before
	// it is dropped and reopened. It defaults to three heartbeats.
	IdleTimeout time.Duration

	// RetryDelay is the wait between refused connection attempts.
	RetryDelay time.Duration

	Dialer transport.Dialer

	// Checkpoints, when set, stores the last handled sequence under
	// CheckpointName, which defaults to the database name.
	Checkpoints    CheckpointStore
	CheckpointName string

	Clock   clock.Clock
	Logger  Logger
	Metrics *Collector
}

// Validate ensures that all the values that have to be set are set.
func (config Config) Validate() error {
	if err := config.Database.Validate(); err != nil {
		return errors.Trace(err)
	}
	if config.Handler == nil {
		return errors.NotValidf("nil Handler")
	}
	if config.Heartbeat < 0 {
		return errors.NotValidf("negative Heartbeat")
	}
	if config.IdleTimeout < 0 {
		return errors.NotValidf("negative IdleTimeout")
	}
	if config.RetryDelay < 0 {
		return errors.NotValidf("negative RetryDelay")
	}
	return nil
}

func (config Config) withDefaults() Config {
	if config.Heartbeat == 0 {
		config.Heartbeat = DefaultHeartbeat
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = idleHeartbeats * config.Heartbeat
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.Dialer == nil {
		config.Dialer = transport.NetDialer{Timeout: config.RetryDelay}
	}
	if config.CheckpointName == "" {
		config.CheckpointName = config.Database.Name
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.Logger == nil {
		config.Logger = logger
	}
	return config
}

func (config Config) request(since changes.Sequence) transport.Request {
	return config.Database.ChangesRequest(couch.ChangesOptions{
		Filter:      config.Filter,
		Since:       since,
		IncludeDocs: config.IncludeDocs,
		Heartbeat:   config.Heartbeat,
		Params:      config.Params,
		Header:      config.Header,
	})
}
