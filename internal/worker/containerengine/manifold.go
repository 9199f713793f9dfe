// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package containerengine

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/iotistic/agent/agent"
	"github.com/iotistic/agent/internal/container"
	"github.com/iotistic/agent/internal/container/docker"
	containertesting "github.com/iotistic/agent/internal/container/testing"
)

// ManifoldConfig contains:
// - The names of other manifolds on which the engine depends.
// - Other dependencies from ManifoldsConfig required by the worker.
type ManifoldConfig struct {
	AgentName string

	Clock     clock.Clock
	Logger    Logger
	NewEngine func(agent.Config, clock.Clock, Logger) (container.Engine, error)
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
	if cfg.NewEngine == nil {
		return errors.NotValidf("nil NewEngine")
	}
	if cfg.NewWorker == nil {
		return errors.NotValidf("nil NewWorker")
	}
	return nil
}

// Manifold returns a dependency manifold that owns the container
// runtime connection and offers it as a container.Engine.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Inputs: []string{
			config.AgentName,
		},
		Output: engineOutput,
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			if err := config.Validate(); err != nil {
				return nil, errors.Trace(err)
			}

			var thisAgent agent.Agent
			if err := getter.Get(config.AgentName, &thisAgent); err != nil {
				return nil, errors.Trace(err)
			}

			engine, err := config.NewEngine(thisAgent.CurrentConfig(), config.Clock, config.Logger)
			if err != nil {
				return nil, errors.Trace(err)
			}
			w, err := config.NewWorker(Config{
				Engine: engine,
				Logger: config.Logger,
			})
			if err != nil {
				if closer, ok := engine.(interface{ Close() error }); ok {
					_ = closer.Close()
				}
				return nil, errors.Trace(err)
			}
			return w, nil
		},
	}
}

// NewRuntimeEngine dials the runtime named by the agent configuration:
// the host's docker daemon, or the in-memory runtime used for demos.
func NewRuntimeEngine(cfg agent.Config, clk clock.Clock, logger Logger) (container.Engine, error) {
	if !cfg.UseRealRuntime() {
		logger.Warningf("using the in-memory container runtime; containers will not actually run")
		return containertesting.NewEngine(), nil
	}
	engine, err := docker.NewEngine(docker.Config{
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return engine, nil
}

// engineOutput exposes the worker's runtime connection.
func engineOutput(in worker.Worker, out interface{}) error {
	w, ok := in.(*Worker)
	if !ok {
		return errors.Errorf("expected input of type *containerengine.Worker, got %T", in)
	}
	switch out := out.(type) {
	case *container.Engine:
		*out = w.Engine()
	default:
		return errors.Errorf("expected output of *container.Engine, got %T", out)
	}
	return nil
}
