// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	coredatabase "github.com/iotistic/agent/core/database"
	"github.com/iotistic/agent/internal/state"
)

// ManifoldConfig contains:
// - The names of other manifolds on which the state worker depends.
// - Other dependencies from ManifoldsConfig required by the worker.
type ManifoldConfig struct {
	DBAccessorName string

	Clock     clock.Clock
	Logger    Logger
	NewWorker func(Config) (worker.Worker, error)
}

// Validate returns an error if the config is incomplete.
func (cfg ManifoldConfig) Validate() error {
	if cfg.DBAccessorName == "" {
		return errors.NotValidf("empty DBAccessorName")
	}
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if cfg.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if cfg.NewWorker == nil {
		return errors.NotValidf("nil NewWorker")
	}
	return nil
}

// Manifold returns a dependency manifold that offers the persistent
// store to other workers.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Inputs: []string{
			config.DBAccessorName,
		},
		Output: stateOutput,
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			if err := config.Validate(); err != nil {
				return nil, errors.Trace(err)
			}

			var factory coredatabase.TxnRunnerFactory
			if err := getter.Get(config.DBAccessorName, &factory); err != nil {
				return nil, errors.Trace(err)
			}

			w, err := config.NewWorker(Config{
				Factory: factory,
				Clock:   config.Clock,
				Logger:  config.Logger,
			})
			if err != nil {
				return nil, errors.Trace(err)
			}
			return w, nil
		},
	}
}

// stateOutput exposes the store held by the worker.
func stateOutput(in worker.Worker, out interface{}) error {
	w, ok := in.(*Worker)
	if !ok {
		return errors.Errorf("expected input of type *state.Worker, got %T", in)
	}
	switch out := out.(type) {
	case **state.Store:
		*out = w.Store()
	default:
		return errors.Errorf("expected output of **state.Store, got %T", out)
	}
	return nil
}
