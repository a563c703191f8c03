// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package feed

import (
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"

	"github.com/juju/sofa/couch"
	"github.com/juju/sofa/internal/transport"
)

// DefaultRestartDelay is the wait before a failed watcher is replaced.
const DefaultRestartDelay = 5 * time.Second

// IsRestartable reports whether a watcher that stopped with err is worth
// starting again: the server ended the feed, the connection stalled, or
// the server reported a failure of its own.
func IsRestartable(err error) bool {
	if errors.Is(err, ErrFeedClosed) || transport.IsTimeout(err) {
		return true
	}
	var statusErr *couch.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= http.StatusInternalServerError
	}
	return false
}

// SupervisorConfig holds the configuration of a Supervisor.
type SupervisorConfig struct {
	// NewWorker starts the supervised worker, usually a *Watcher.
	NewWorker func() (worker.Worker, error)

	// ShouldRestart decides whether a worker that stopped with the given
	// error is replaced. It defaults to IsRestartable.
	ShouldRestart func(error) bool

	RestartDelay time.Duration
	Clock        clock.Clock
	Logger       Logger
}

// Validate ensures that all the values that have to be set are set.
func (config SupervisorConfig) Validate() error {
	if config.NewWorker == nil {
		return errors.NotValidf("nil NewWorker")
	}
	if config.RestartDelay < 0 {
		return errors.NotValidf("negative RestartDelay")
	}
	return nil
}

// Supervisor keeps a worker running, replacing it after RestartDelay
// whenever it stops with an error ShouldRestart accepts. Any other error
// stops the supervisor too; a clean stop of the worker stops it cleanly.
type Supervisor struct {
	tomb   tomb.Tomb
	config SupervisorConfig

	// internalStates is only set by tests.
	internalStates chan string

	mu       sync.Mutex
	current  worker.Worker
	starts   int
	restarts int
	lastErr  error
}

// NewSupervisor starts a supervisor for the workers made by
// config.NewWorker.
func NewSupervisor(config SupervisorConfig) (*Supervisor, error) {
	return newSupervisor(config, nil)
}

func newSupervisor(config SupervisorConfig, internalStates chan string) (*Supervisor, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new feed supervisor invalid config")
	}
	if config.ShouldRestart == nil {
		config.ShouldRestart = IsRestartable
	}
	if config.RestartDelay == 0 {
		config.RestartDelay = DefaultRestartDelay
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.Logger == nil {
		config.Logger = logger
	}

	s := &Supervisor{
		config:         config,
		internalStates: internalStates,
	}
	s.tomb.Go(func() error {
		err := s.loop()
		if errors.Cause(err) == tomb.ErrDying {
			return tomb.ErrDying
		}
		return err
	})
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Supervisor) Kill() {
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Supervisor) Wait() error {
	return s.tomb.Wait()
}

// Report exposes the restart history and the report of the current
// worker, when it has one.
func (s *Supervisor) Report() map[string]any {
	s.mu.Lock()
	current := s.current
	report := map[string]any{
		"starts":   s.starts,
		"restarts": s.restarts,
	}
	if s.lastErr != nil {
		report["last-error"] = s.lastErr.Error()
	}
	s.mu.Unlock()

	if r, ok := current.(interface{ Report() map[string]any }); ok {
		report["worker"] = r.Report()
	}
	return report
}

func (s *Supervisor) loop() error {
	for {
		err := s.runOnce()
		if err == nil || errors.Cause(err) == tomb.ErrDying {
			return err
		}

		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		if !s.config.ShouldRestart(err) {
			return errors.Trace(err)
		}

		s.config.Logger.Warningf("feed worker stopped, restarting in %v: %v", s.config.RestartDelay, err)
		s.reportInternalState(stateRestartPending)
		select {
		case <-s.tomb.Dying():
			return tomb.ErrDying
		case <-s.config.Clock.After(s.config.RestartDelay):
		}

		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
	}
}

// runOnce starts a worker and waits for it to stop. When the supervisor is
// killed first, the worker is killed too and ErrDying returned.
func (s *Supervisor) runOnce() error {
	w, err := s.config.NewWorker()
	if err != nil {
		return errors.Annotate(err, "starting feed worker")
	}
	s.mu.Lock()
	s.current = w
	s.starts++
	s.mu.Unlock()
	s.reportInternalState(stateStarted)

	stopped := make(chan error, 1)
	go func() {
		stopped <- w.Wait()
	}()

	select {
	case err = <-stopped:
	case <-s.tomb.Dying():
		w.Kill()
		if err := <-stopped; err != nil {
			s.config.Logger.Debugf("feed worker stopped with: %v", err)
		}
		err = tomb.ErrDying
	}

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	return err
}

func (s *Supervisor) reportInternalState(state string) {
	if s.internalStates == nil {
		return
	}
	select {
	case <-s.tomb.Dying():
	case s.internalStates <- state:
	}
}
