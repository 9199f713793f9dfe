// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package shadow

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/iotistic/agent/internal/identity"
	internalmessaging "github.com/iotistic/agent/internal/messaging"
	"github.com/iotistic/agent/internal/state"
)

// ManifoldConfig contains:
// - The names of other manifolds on which the shadow worker depends.
// - Other dependencies from ManifoldsConfig required by the worker.
type ManifoldConfig struct {
	StateName      string
	IdentityName   string
	CentralHubName string
	MessagingName  string

	Clock     clock.Clock
	Logger    Logger
	NewWorker func(Config) (worker.Worker, error)
}

// Validate returns an error if the config is incomplete.
func (cfg ManifoldConfig) Validate() error {
	if cfg.StateName == "" {
		return errors.NotValidf("empty StateName")
	}
	if cfg.IdentityName == "" {
		return errors.NotValidf("empty IdentityName")
	}
	if cfg.CentralHubName == "" {
		return errors.NotValidf("empty CentralHubName")
	}
	if cfg.MessagingName == "" {
		return errors.NotValidf("empty MessagingName")
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

// Manifold returns a dependency manifold that runs the device shadow.
// The messaging fabric is a hard input: without a broker the messaging
// manifold is uninstalled and the shadow never starts.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Inputs: []string{
			config.StateName,
			config.IdentityName,
			config.CentralHubName,
			config.MessagingName,
		},
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			if err := config.Validate(); err != nil {
				return nil, errors.Trace(err)
			}

			var store *state.Store
			if err := getter.Get(config.StateName, &store); err != nil {
				return nil, errors.Trace(err)
			}
			var manager *identity.Manager
			if err := getter.Get(config.IdentityName, &manager); err != nil {
				return nil, errors.Trace(err)
			}
			var hub *pubsub.SimpleHub
			if err := getter.Get(config.CentralHubName, &hub); err != nil {
				return nil, errors.Trace(err)
			}
			var fabric internalmessaging.Fabric
			if err := getter.Get(config.MessagingName, &fabric); err != nil {
				return nil, errors.Trace(err)
			}

			w, err := config.NewWorker(Config{
				Fabric: fabric,
				Store:  store,
				Hub:    hub,
				UUID:   manager.UUID(),
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
