// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package identity

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/iotistic/agent/agent"
	"github.com/iotistic/agent/internal/cloud"
	"github.com/iotistic/agent/internal/identity"
	"github.com/iotistic/agent/internal/metrics"
	"github.com/iotistic/agent/internal/state"
	"github.com/iotistic/agent/version"
)

// ManifoldConfig contains:
// - The names of other manifolds on which the identity worker depends.
// - Other dependencies from ManifoldsConfig required by the worker.
type ManifoldConfig struct {
	AgentName string
	StateName string

	Clock        clock.Clock
	Logger       Logger
	NewRegistrar func(apiURL string, logger Logger) (identity.Registrar, error)
	NewWorker    func(Config) (worker.Worker, error)
}

// Validate returns an error if the config is incomplete.
func (cfg ManifoldConfig) Validate() error {
	if cfg.AgentName == "" {
		return errors.NotValidf("empty AgentName")
	}
	if cfg.StateName == "" {
		return errors.NotValidf("empty StateName")
	}
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if cfg.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if cfg.NewRegistrar == nil {
		return errors.NotValidf("nil NewRegistrar")
	}
	if cfg.NewWorker == nil {
		return errors.NotValidf("nil NewWorker")
	}
	return nil
}

// Manifold returns a dependency manifold that runs the identity
// worker, using the resource names defined in the supplied config.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Inputs: []string{
			config.AgentName,
			config.StateName,
		},
		Output: identityOutput,
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			if err := config.Validate(); err != nil {
				return nil, errors.Trace(err)
			}

			var thisAgent agent.Agent
			if err := getter.Get(config.AgentName, &thisAgent); err != nil {
				return nil, errors.Trace(err)
			}
			agentConfig := thisAgent.CurrentConfig()

			var store *state.Store
			if err := getter.Get(config.StateName, &store); err != nil {
				return nil, errors.Trace(err)
			}

			var registrar identity.Registrar
			if url := agentConfig.CloudAPIURL(); url != "" {
				var err error
				registrar, err = config.NewRegistrar(url, config.Logger)
				if err != nil {
					return nil, errors.Trace(err)
				}
			}

			// Host decoration for the register request is best effort.
			osVersion, err := metrics.OSVersion(ctx)
			if err != nil {
				config.Logger.Debugf("reading os version: %v", err)
			}
			_, mac, err := metrics.PrimaryNIC()
			if err != nil {
				config.Logger.Debugf("reading primary nic: %v", err)
			}

			manager, err := identity.NewManager(identity.Config{
				Store:        store,
				Registrar:    registrar,
				DeviceName:   agentConfig.DeviceName(),
				DeviceType:   agentConfig.DeviceType(),
				APIEndpoint:  agentConfig.CloudAPIURL(),
				MACAddress:   mac,
				OSVersion:    osVersion,
				AgentVersion: version.Current.String(),
				Clock:        config.Clock,
				Logger:       config.Logger,
			})
			if err != nil {
				return nil, errors.Trace(err)
			}

			w, err := config.NewWorker(Config{
				Manager:         manager,
				ProvisioningKey: agentConfig.ProvisioningKey(),
				Clock:           config.Clock,
				Logger:          config.Logger,
			})
			if err != nil {
				return nil, errors.Trace(err)
			}
			return w, nil
		},
	}
}

// NewCloudRegistrar returns a registration client for the given cloud
// endpoint.
func NewCloudRegistrar(apiURL string, logger Logger) (identity.Registrar, error) {
	client, err := cloud.NewClient(cloud.Config{
		BaseURL:   apiURL,
		Transport: cloud.DefaultTransport(logger),
		Logger:    logger,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return client, nil
}

func identityOutput(in worker.Worker, out interface{}) error {
	w, ok := in.(*Worker)
	if !ok {
		return errors.Errorf("expected input of type *identity.Worker, got %T", in)
	}
	switch out := out.(type) {
	case **identity.Manager:
		*out = w.Manager()
	default:
		return errors.Errorf("expected output of **identity.Manager, got %T", out)
	}
	return nil
}
