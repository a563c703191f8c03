// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package feed

// State is the connection state of a Watcher.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

var allStates = []State{
	StateDisconnected,
	StateConnecting,
	StateStreaming,
	StateStopping,
	StateStopped,
}

// Internal states reported to tests.
const (
	stateRetrying     = "retrying"
	stateConnected    = "connected"
	stateDispatched   = "dispatched"
	stateLastSeq      = "last-seq"
	stateReconnecting = "reconnecting"

	stateStarted        = "started"
	stateRestartPending = "restart-pending"
)
