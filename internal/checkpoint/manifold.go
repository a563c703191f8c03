// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package checkpoint

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"
	"gopkg.in/tomb.v2"

	"github.com/juju/sofa/feed"
)

// ManifoldConfig defines the configuration for the checkpoint manifold.
type ManifoldConfig struct {
	Path    string
	Options Options
}

// Validate validates the manifold configuration.
func (cfg ManifoldConfig) Validate() error {
	if cfg.Path == "" {
		return errors.NotValidf("empty Path")
	}
	return nil
}

// Manifold returns a dependency manifold that keeps a Store open for as
// long as it runs. Its output is a feed.CheckpointStore.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Output: storeOutput,
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			if err := config.Validate(); err != nil {
				return nil, errors.Trace(err)
			}
			store, err := Open(config.Path, config.Options)
			if err != nil {
				return nil, errors.Trace(err)
			}
			return newStoreWorker(store), nil
		},
	}
}

// storeWorker closes its store once killed.
type storeWorker struct {
	tomb  tomb.Tomb
	store *Store
}

func newStoreWorker(store *Store) *storeWorker {
	w := &storeWorker{store: store}
	w.tomb.Go(func() error {
		<-w.tomb.Dying()
		if err := w.store.Close(); err != nil {
			return errors.Trace(err)
		}
		return tomb.ErrDying
	})
	return w
}

// Kill is part of the worker.Worker interface.
func (w *storeWorker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *storeWorker) Wait() error {
	return w.tomb.Wait()
}

func storeOutput(in worker.Worker, out any) error {
	w, ok := in.(*storeWorker)
	if !ok {
		return errors.Errorf("expected input of type storeWorker, got %T", in)
	}
	switch out := out.(type) {
	case *feed.CheckpointStore:
		var target feed.CheckpointStore = w.store
		*out = target
	case **Store:
		*out = w.store
	default:
		return errors.Errorf("expected output of *feed.CheckpointStore or **checkpoint.Store, got %T", out)
	}
	return nil
}
