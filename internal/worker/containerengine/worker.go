// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package containerengine owns the agent's connection to the container
// runtime. The worker dials the daemon once at start-up and offers the
// engine to the reconciler, the log pipeline and the admin API; when
// the worker dies the connection is closed, so a daemon restart
// bounces everything that drives containers.
package containerengine

import (
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/iotistic/agent/internal/container"
)

// Logger represents the logging methods called by this package.
type Logger interface {
	Errorf(message string, args ...interface{})
	Warningf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Debugf(message string, args ...interface{})
	Tracef(message string, args ...interface{})
}

// Config holds the dependencies of a container engine worker.
type Config struct {
	// Engine is the runtime connection the worker owns.
	Engine container.Engine

	Logger Logger
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.Engine == nil {
		return errors.NotValidf("nil Engine")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Worker holds the runtime connection for the lifetime of the agent.
type Worker struct {
	tomb   tomb.Tomb
	config Config
}

// NewWorker returns a worker owning the given engine.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
	w.tomb.Go(w.loop)
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

// Engine returns the runtime connection held by this worker.
func (w *Worker) Engine() container.Engine {
	return w.config.Engine
}

func (w *Worker) loop() error {
	<-w.tomb.Dying()
	if closer, ok := w.config.Engine.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			w.config.Logger.Warningf("closing runtime connection: %v", err)
		}
	}
	return tomb.ErrDying
}
