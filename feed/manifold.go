// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package feed

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"
)

// Acknowledger is the output of the feed manifold. Other workers use it to
// mark events as processed and to wait for that to happen.
type Acknowledger interface {
	Ack(id string)
	WaitAcked(abort <-chan struct{}, id string) error
}

// ManifoldConfig defines the configuration for the feed manifold.
type ManifoldConfig struct {
	// CheckpointsName optionally names a manifold whose output is a
	// CheckpointStore.
	CheckpointsName string

	// Config describes the feed. Its Clock, Logger and Checkpoints are
	// filled in by the manifold.
	Config Config

	NewWorker func(Config) (worker.Worker, error)

	Clock  clock.Clock
	Logger Logger
}

// Validate validates the manifold configuration.
func (cfg ManifoldConfig) Validate() error {
	if cfg.NewWorker == nil {
		return errors.NotValidf("nil NewWorker")
	}
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if cfg.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return errors.Trace(cfg.Config.Validate())
}

// NewWorker starts a Watcher as a worker.Worker.
func NewWorker(config Config) (worker.Worker, error) {
	w, err := NewWatcher(config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Manifold returns a dependency manifold that runs a feed watcher.
func Manifold(config ManifoldConfig) dependency.Manifold {
	var inputs []string
	if config.CheckpointsName != "" {
		inputs = append(inputs, config.CheckpointsName)
	}
	return dependency.Manifold{
		Inputs: inputs,
		Output: manifoldOutput,
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			if err := config.Validate(); err != nil {
				return nil, errors.Trace(err)
			}

			watcherConfig := config.Config
			watcherConfig.Clock = config.Clock
			watcherConfig.Logger = config.Logger
			if config.CheckpointsName != "" {
				var store CheckpointStore
				if err := getter.Get(config.CheckpointsName, &store); err != nil {
					return nil, err
				}
				watcherConfig.Checkpoints = store
			}

			w, err := config.NewWorker(watcherConfig)
			if err != nil {
				return nil, errors.Trace(err)
			}
			return w, nil
		},
	}
}

func manifoldOutput(in worker.Worker, out any) error {
	w, ok := in.(*Watcher)
	if !ok {
		return errors.Errorf("expected input of type *Watcher, got %T", in)
	}
	switch out := out.(type) {
	case *Acknowledger:
		var target Acknowledger = w
		*out = target
	default:
		return errors.Errorf("expected output of *feed.Acknowledger, got %T", out)
	}
	return nil
}
