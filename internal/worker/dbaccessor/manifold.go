// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dbaccessor

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/iotistic/agent/agent"
	coredatabase "github.com/iotistic/agent/core/database"
)

// ManifoldConfig contains:
// - The names of other manifolds on which the store depends.
// - Other dependencies from ManifoldsConfig required by the worker.
type ManifoldConfig struct {
	AgentName string
	Clock     clock.Clock
	Logger    Logger
	NewWorker func(Config) (worker.Worker, error)
}

// Validate returns an error if the config is incomplete.
func (cfg ManifoldConfig) Validate() error {
	if cfg.AgentName == "" {
		return errors.NotValidf("empty AgentName")
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

// Manifold returns a dependency manifold that runs the store worker,
// using the resource names defined in the supplied config.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Inputs: []string{
			config.AgentName,
		},
		Output: dbAccessorOutput,
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			if err := config.Validate(); err != nil {
				return nil, errors.Trace(err)
			}

			var thisAgent agent.Agent
			if err := getter.Get(config.AgentName, &thisAgent); err != nil {
				return nil, errors.Trace(err)
			}
			agentConfig := thisAgent.CurrentConfig()

			w, err := config.NewWorker(Config{
				Path:   agentConfig.Paths().StorePath(),
				Clock:  config.Clock,
				Logger: config.Logger,
			})
			if err != nil {
				return nil, errors.Trace(err)
			}
			return w, nil
		},
	}
}

func dbAccessorOutput(in worker.Worker, out interface{}) error {
	w, ok := in.(*Worker)
	if !ok {
		return errors.Errorf("expected input of type *dbaccessor.Worker, got %T", in)
	}

	switch out := out.(type) {
	case *coredatabase.TxnRunner:
		runner, err := w.TxnRunner()
		if err != nil {
			return errors.Trace(err)
		}
		*out = runner
	case *coredatabase.TxnRunnerFactory:
		*out = w.TxnRunner
	default:
		return errors.Errorf("expected output of *database.TxnRunner or *database.TxnRunnerFactory, got %T", out)
	}
	return nil
}
