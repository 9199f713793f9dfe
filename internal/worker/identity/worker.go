// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package identity runs the device identity manager for the lifetime
// of the agent. The device uuid is loaded or minted before the worker
// reports as started, so every dependent sees a complete identity.
// When a provisioning key is configured and the device is not yet
// registered, the worker performs the registration handshake in the
// background, retrying transient failures; a rejected key or an
// already-registered answer is terminal and leaves the device
// unprovisioned rather than bouncing the agent.
package identity

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"github.com/iotistic/agent/internal/identity"
)

const (
	// ensureTimeout bounds the first-boot identity load or mint.
	ensureTimeout = 30 * time.Second

	// initialRetryDelay and maxRetryDelay bound the backoff between
	// registration attempts while the cloud is unreachable.
	initialRetryDelay = 5 * time.Second
	maxRetryDelay     = 5 * time.Minute
)

// Logger represents the logging methods called by this package.
type Logger interface {
	Errorf(message string, args ...interface{})
	Warningf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Debugf(message string, args ...interface{})
	Tracef(message string, args ...interface{})

	IsTraceEnabled() bool
}

// Config holds the dependencies of an identity worker.
type Config struct {
	Manager *identity.Manager

	// ProvisioningKey, when set on an unregistered device, triggers
	// the one-shot registration handshake.
	ProvisioningKey string

	Clock  clock.Clock
	Logger Logger
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.Manager == nil {
		return errors.NotValidf("nil Manager")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Worker holds the identity manager and drives provisioning.
type Worker struct {
	tomb   tomb.Tomb
	config Config
}

// NewWorker ensures the device identity exists and returns the
// running worker. Ensure is synchronous: a worker that started has a
// uuid.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ensureTimeout)
	defer cancel()
	if err := config.Manager.Ensure(ctx); err != nil {
		return nil, errors.Annotate(err, "ensuring device identity")
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

// Manager returns the identity manager held by this worker.
func (w *Worker) Manager() *identity.Manager {
	return w.config.Manager
}

// Report is shown in the dependency engine report.
func (w *Worker) Report() map[string]interface{} {
	id := w.config.Manager.Identity()
	report := map[string]interface{}{
		"uuid":       id.UUID,
		"registered": w.config.Manager.Registered(),
	}
	if id.FleetID != "" {
		report["fleet-id"] = id.FleetID
	}
	return report
}

func (w *Worker) loop() error {
	mgr := w.config.Manager
	if w.config.ProvisioningKey != "" && !mgr.Registered() {
		// provision returns tomb.ErrDying when stopped mid-handshake.
		if err := w.provision(); err != nil {
			return err
		}
	}
	<-w.tomb.Dying()
	return tomb.ErrDying
}

// provision retries the registration handshake until it succeeds, the
// cloud refuses it for good, or the worker is killed.
func (w *Worker) provision() error {
	ctx := w.tomb.Context(context.Background())
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			_, err := w.config.Manager.Provision(ctx, w.config.ProvisioningKey)
			return errors.Trace(err)
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, identity.ErrAlreadyRegistered) ||
				errors.Is(err, errors.Unauthorized) ||
				errors.Is(err, errors.NotSupported)
		},
		NotifyFunc: func(err error, attempt int) {
			w.config.Logger.Warningf("registration attempt %d: %v", attempt, err)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       initialRetryDelay,
		MaxDelay:    maxRetryDelay,
		BackoffFunc: retry.ExpBackoff(initialRetryDelay, maxRetryDelay, 2.0, true),
		Clock:       w.config.Clock,
		Stop:        w.tomb.Dying(),
	})
	switch {
	case err == nil:
		id := w.config.Manager.Identity()
		w.config.Logger.Infof("device %s provisioned into fleet %s", id.UUID, id.FleetID)
	case retry.IsRetryStopped(err):
		return tomb.ErrDying
	case errors.Is(err, identity.ErrAlreadyRegistered):
		w.config.Logger.Warningf("cloud already knows this device; keeping local identity unprovisioned")
	case errors.Is(err, errors.Unauthorized):
		w.config.Logger.Errorf("provisioning key rejected; device stays unprovisioned")
	case errors.Is(err, errors.NotSupported):
		w.config.Logger.Warningf("no cloud endpoint configured; cannot provision")
	default:
		return errors.Annotate(err, "provisioning device")
	}
	return nil
}
