// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package feed

import "github.com/juju/errors"

const (
	// ErrFeedClosed is returned when the server ends the feed while it is
	// being streamed.
	ErrFeedClosed = errors.ConstError("feed closed by server")

	// ErrAborted is returned by WaitAcked when the abort channel closes.
	ErrAborted = errors.ConstError("wait aborted")

	// ErrWatcherStopped is returned by WaitAcked when the watcher stops
	// before the wait is satisfied.
	ErrWatcherStopped = errors.ConstError("watcher stopped")

	// errIdle marks a stalled connection that should be reopened.
	errIdle = errors.ConstError("feed idle")
)
