// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconciler runs reconcile passes: one at startup to catch
// drift from while the agent was down, then one whenever the target
// changes or an operator asks for one. Triggers coalesce; at most one
// pass runs at a time, under the host lock so that no other agent
// process mutates the runtime concurrently. An operator request
// preempts a pass in flight after its current step.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mutex/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/iotistic/agent/core/events"
	"github.com/iotistic/agent/internal/machinelock"
	internalreconciler "github.com/iotistic/agent/internal/reconciler"
)

// Logger is the subset of loggo used by this package.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
}

// Hub is the subset of the central hub the worker listens on.
type Hub interface {
	Subscribe(topic string, handler func(string, interface{})) func()
}

// Config holds the dependencies of the reconciler worker.
type Config struct {
	Reconciler *internalreconciler.Reconciler
	Hub        Hub
	Lock       machinelock.Lock
	Clock      clock.Clock
	Logger     Logger
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.Reconciler == nil {
		return errors.NotValidf("nil Reconciler")
	}
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if c.Lock == nil {
		return errors.NotValidf("nil Lock")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Worker owns the reconcile loop.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config

	// trigger has capacity one: a pass already pending absorbs any
	// number of further requests.
	trigger chan struct{}

	mu        sync.Mutex
	passes    int
	lastPass  time.Time
	converged bool
}

// NewWorker starts the reconcile loop.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config:  config,
		trigger: make(chan struct{}, 1),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// Reconciler exposes the wrapped reconciler for the admin API's
// restart endpoint.
func (w *Worker) Reconciler() *internalreconciler.Reconciler {
	return w.config.Reconciler
}

func (w *Worker) loop() error {
	unsubscribe := []func(){
		w.config.Hub.Subscribe(events.TargetChanged, w.targetChanged),
		w.config.Hub.Subscribe(events.ReconcileRequested, w.runRequested),
	}
	defer func() {
		for _, unsub := range unsubscribe {
			unsub()
		}
	}()

	// The runtime may have drifted while the agent was down; run one
	// pass before waiting for triggers.
	if err := w.runPass(); err != nil {
		return err
	}
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-w.trigger:
			if err := w.runPass(); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) targetChanged(_ string, data interface{}) {
	if payload, ok := data.(events.TargetChangedPayload); ok {
		w.config.Logger.Debugf("target changed to version %d", payload.Version)
	}
	w.requestPass()
}

func (w *Worker) runRequested(_ string, data interface{}) {
	if payload, ok := data.(events.ReconcileRequestedPayload); ok {
		w.config.Logger.Debugf("reconcile requested by %s", payload.Requester)
	}
	// Operator requests do not wait out a long plan: a pass in flight
	// stops after its current step and the queued trigger replans.
	w.config.Reconciler.Preempt()
	w.requestPass()
}

func (w *Worker) requestPass() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// runPass executes one reconcile pass under the host lock. It returns
// the catacomb's dying error when the worker is stopped while waiting
// for the lock.
func (w *Worker) runPass() error {
	release, err := w.config.Lock.Acquire(machinelock.Spec{
		Cancel:  w.catacomb.Dying(),
		Worker:  "reconciler",
		Comment: "reconcile pass",
	})
	if err != nil {
		if errors.Cause(err) == mutex.ErrCancelled {
			return w.catacomb.ErrDying()
		}
		return errors.Annotate(err, "acquiring host lock")
	}
	defer release()

	ctx := w.catacomb.Context(context.Background())
	outcome, err := w.config.Reconciler.Reconcile(ctx)
	if err != nil {
		return errors.Annotate(err, "reconcile pass")
	}

	w.mu.Lock()
	w.passes++
	w.lastPass = w.config.Clock.Now()
	w.converged = outcome.Converged()
	w.mu.Unlock()
	return nil
}

// Report is shown in the dependency engine report.
func (w *Worker) Report() map[string]interface{} {
	w.mu.Lock()
	report := map[string]interface{}{
		"passes": w.passes,
	}
	if !w.lastPass.IsZero() {
		report["last-pass"] = w.lastPass.Format(time.RFC3339)
		report["converged"] = w.converged
	}
	w.mu.Unlock()

	for key, value := range w.config.Reconciler.Report() {
		report[key] = value
	}
	return report
}
