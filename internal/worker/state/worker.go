// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state holds the agent's store handle for other workers to
// resolve. The store itself is stateless over the dbaccessor's
// transaction runner, so the worker's only job is tying the handle's
// lifetime to the engine: when the database bounces, everything that
// resolved a store through this manifold bounces with it.
package state

import (
	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	coredatabase "github.com/iotistic/agent/core/database"
	"github.com/iotistic/agent/internal/state"
)

// Logger represents the logging methods called by this package.
type Logger interface {
	Errorf(message string, args ...interface{})
	Warningf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Debugf(message string, args ...interface{})
	Tracef(message string, args ...interface{})
}

// Config holds the dependencies of a state worker.
type Config struct {
	// Factory yields the transaction runner backing the store.
	Factory coredatabase.TxnRunnerFactory

	Clock  clock.Clock
	Logger Logger
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.Factory == nil {
		return errors.NotValidf("nil Factory")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Worker holds the store for the lifetime of the agent.
type Worker struct {
	tomb  tomb.Tomb
	store *state.Store
}

// NewWorker returns a worker holding a store over the given runner
// factory.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		store: state.NewStore(config.Factory, config.Clock, config.Logger),
	}
	w.tomb.Go(func() error {
		<-w.tomb.Dying()
		return tomb.ErrDying
	})
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

// Store returns the store held by this worker.
func (w *Worker) Store() *state.Store {
	return w.store
}
