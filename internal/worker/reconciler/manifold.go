// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/iotistic/agent/internal/container"
	"github.com/iotistic/agent/internal/machinelock"
	internalreconciler "github.com/iotistic/agent/internal/reconciler"
	"github.com/iotistic/agent/internal/state"
)

// ManifoldConfig contains:
// - The names of other manifolds on which the reconciler depends.
// - Other dependencies from ManifoldsConfig required by the worker.
type ManifoldConfig struct {
	ContainerEngineName string
	StateName           string
	CentralHubName      string
	MachineLockName     string

	Clock     clock.Clock
	Logger    Logger
	NewWorker func(Config) (worker.Worker, error)
}

// Validate returns an error if the config is incomplete.
func (cfg ManifoldConfig) Validate() error {
	if cfg.ContainerEngineName == "" {
		return errors.NotValidf("empty ContainerEngineName")
	}
	if cfg.StateName == "" {
		return errors.NotValidf("empty StateName")
	}
	if cfg.CentralHubName == "" {
		return errors.NotValidf("empty CentralHubName")
	}
	if cfg.MachineLockName == "" {
		return errors.NotValidf("empty MachineLockName")
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

// Manifold returns a dependency manifold that runs the reconciler.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Inputs: []string{
			config.ContainerEngineName,
			config.StateName,
			config.CentralHubName,
			config.MachineLockName,
		},
		Output: reconcilerOutput,
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			if err := config.Validate(); err != nil {
				return nil, errors.Trace(err)
			}

			var engine container.Engine
			if err := getter.Get(config.ContainerEngineName, &engine); err != nil {
				return nil, errors.Trace(err)
			}
			var store *state.Store
			if err := getter.Get(config.StateName, &store); err != nil {
				return nil, errors.Trace(err)
			}
			var hub *pubsub.SimpleHub
			if err := getter.Get(config.CentralHubName, &hub); err != nil {
				return nil, errors.Trace(err)
			}
			var lock machinelock.Lock
			if err := getter.Get(config.MachineLockName, &lock); err != nil {
				return nil, errors.Trace(err)
			}

			reconciler, err := internalreconciler.New(internalreconciler.Config{
				Engine: engine,
				Store:  store,
				Hub:    hub,
				Clock:  config.Clock,
				Logger: config.Logger,
			})
			if err != nil {
				return nil, errors.Trace(err)
			}

			w, err := config.NewWorker(Config{
				Reconciler: reconciler,
				Hub:        hub,
				Lock:       lock,
				Clock:      config.Clock,
				Logger:     config.Logger,
			})
			if err != nil {
				return nil, errors.Trace(err)
			}
			return w, nil
		},
	}
}

// reconcilerOutput exposes the wrapped reconciler so the admin API can
// clear latched failures.
func reconcilerOutput(in worker.Worker, out interface{}) error {
	w, ok := in.(*Worker)
	if !ok {
		return errors.Errorf("expected input of type *reconciler.Worker, got %T", in)
	}
	switch out := out.(type) {
	case **internalreconciler.Reconciler:
		*out = w.Reconciler()
	default:
		return errors.Errorf("expected output of **reconciler.Reconciler, got %T", out)
	}
	return nil
}
