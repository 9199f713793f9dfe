// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"
	"gopkg.in/tomb.v2"

	"github.com/iotistic/agent/agent"
	"github.com/iotistic/agent/internal/machinelock"
)

// dependencyEngineConfig returns the configuration the agent's
// dependency engine runs with. Worker errors bounce their subtree with
// backoff; only a termination request or unreadable store kills the
// engine itself.
func dependencyEngineConfig(clk clock.Clock, isFatal func(error) bool, logger loggo.Logger) dependency.EngineConfig {
	return dependency.EngineConfig{
		IsFatal: isFatal,
		WorstError: func(err0, err1 error) error {
			if isFatal(err0) {
				return err0
			}
			return err1
		},
		ErrorDelay:       3 * time.Second,
		BounceDelay:      10 * time.Millisecond,
		BackoffFactor:    1.2,
		BackoffResetTime: time.Minute,
		MaxDelay:         2 * time.Minute,
		Clock:            clk,
		Metrics:          dependency.DefaultMetrics(),
		Logger:           logger,
	}
}

// valueWorker wraps a resource built outside the engine so manifolds
// can depend on it by name. The worker does nothing but hold the value
// until killed.
type valueWorker struct {
	tomb tomb.Tomb
}

func newValueWorker() *valueWorker {
	w := &valueWorker{}
	w.tomb.Go(func() error {
		<-w.tomb.Dying()
		return tomb.ErrDying
	})
	return w
}

// Kill is part of the worker.Worker interface.
func (w *valueWorker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *valueWorker) Wait() error {
	return w.tomb.Wait()
}

type agentWorker struct {
	*valueWorker
	agent agent.Agent
}

// agentManifold exposes the running agent's configuration snapshot.
func agentManifold(a agent.Agent) dependency.Manifold {
	return dependency.Manifold{
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			return &agentWorker{valueWorker: newValueWorker(), agent: a}, nil
		},
		Output: func(in worker.Worker, out interface{}) error {
			w, ok := in.(*agentWorker)
			if !ok {
				return errors.Errorf("expected input of type *agentWorker, got %T", in)
			}
			target, ok := out.(*agent.Agent)
			if !ok {
				return errors.Errorf("expected output of *agent.Agent, got %T", out)
			}
			*target = w.agent
			return nil
		},
	}
}

type hubWorker struct {
	*valueWorker
	hub *pubsub.SimpleHub
}

// centralHubManifold exposes the process-wide event hub.
func centralHubManifold(hub *pubsub.SimpleHub) dependency.Manifold {
	return dependency.Manifold{
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			return &hubWorker{valueWorker: newValueWorker(), hub: hub}, nil
		},
		Output: func(in worker.Worker, out interface{}) error {
			w, ok := in.(*hubWorker)
			if !ok {
				return errors.Errorf("expected input of type *hubWorker, got %T", in)
			}
			target, ok := out.(**pubsub.SimpleHub)
			if !ok {
				return errors.Errorf("expected output of **pubsub.SimpleHub, got %T", out)
			}
			*target = w.hub
			return nil
		},
	}
}

type lockWorker struct {
	*valueWorker
	lock machinelock.Lock
}

// machineLockManifold exposes the cross-process runtime mutation lock.
func machineLockManifold(lock machinelock.Lock) dependency.Manifold {
	return dependency.Manifold{
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			return &lockWorker{valueWorker: newValueWorker(), lock: lock}, nil
		},
		Output: func(in worker.Worker, out interface{}) error {
			w, ok := in.(*lockWorker)
			if !ok {
				return errors.Errorf("expected input of type *lockWorker, got %T", in)
			}
			target, ok := out.(*machinelock.Lock)
			if !ok {
				return errors.Errorf("expected output of *machinelock.Lock, got %T", out)
			}
			*target = w.lock
			return nil
		},
	}
}
