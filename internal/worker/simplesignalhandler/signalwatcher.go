// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package simplesignalhandler turns process signals into worker death.
// The agent runs one watcher beside the dependency engine: the first
// SIGINT or SIGTERM kills the watcher with a mapped error, the agent
// reads that error and tears the engine down in dependency order.
package simplesignalhandler

import (
	"os"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
)

// Logger represents the logging methods called by this package.
type Logger interface {
	Debugf(message string, args ...interface{})
}

// SignalHandlerFunc maps a received signal to the error the watcher
// dies with.
type SignalHandlerFunc func(os.Signal) error

// SignalHandler returns a handler that looks the signal up in
// signalMap and falls back to defaultErr.
func SignalHandler(defaultErr error, signalMap map[os.Signal]error) SignalHandlerFunc {
	return func(sig os.Signal) error {
		if err, ok := signalMap[sig]; ok {
			return err
		}
		return defaultErr
	}
}

// SignalWatcher waits for one signal on its channel and dies with the
// handler's verdict.
type SignalWatcher struct {
	catacomb catacomb.Catacomb
	handler  SignalHandlerFunc
	logger   Logger
	sigCh    <-chan os.Signal
}

// NewSignalWatcher returns a watcher reading the given channel. The
// caller owns the channel and its signal.Notify registration.
func NewSignalWatcher(logger Logger, sig <-chan os.Signal, handler SignalHandlerFunc) (*SignalWatcher, error) {
	if logger == nil {
		return nil, errors.NotValidf("nil Logger")
	}
	if sig == nil {
		return nil, errors.NotValidf("nil signal channel")
	}
	if handler == nil {
		return nil, errors.NotValidf("nil handler")
	}
	s := &SignalWatcher{
		handler: handler,
		logger:  logger,
		sigCh:   sig,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.watch,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *SignalWatcher) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *SignalWatcher) Wait() error {
	return s.catacomb.Wait()
}

func (s *SignalWatcher) watch() error {
	select {
	case sig, ok := <-s.sigCh:
		if !ok {
			return errors.New("signal channel closed unexpectedly")
		}
		s.logger.Debugf("received signal %v", sig)
		return s.handler(sig)
	case <-s.catacomb.Dying():
		return s.catacomb.ErrDying()
	}
}
