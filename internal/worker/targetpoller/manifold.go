// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package targetpoller

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/iotistic/agent/agent"
	"github.com/iotistic/agent/internal/cloud"
	"github.com/iotistic/agent/internal/identity"
	"github.com/iotistic/agent/internal/state"
)

// ManifoldConfig contains:
// - The names of other manifolds on which the target poller depends.
// - Other dependencies from ManifoldsConfig required by the worker.
type ManifoldConfig struct {
	AgentName      string
	StateName      string
	IdentityName   string
	CentralHubName string

	Clock     clock.Clock
	Logger    Logger
	NewClient func(apiURL string, logger Logger) (TargetClient, error)
	NewWorker func(Config) (worker.Worker, error)
}

// Validate returns an error if the config is incomplete.
func (cfg ManifoldConfig) Validate() error {
	if cfg.AgentName == "" {
		return errors.NotValidf("empty AgentName")
	}
	if cfg.StateName == "" {
		return errors.NotValidf("empty StateName")
	}
	if cfg.IdentityName == "" {
		return errors.NotValidf("empty IdentityName")
	}
	if cfg.CentralHubName == "" {
		return errors.NotValidf("empty CentralHubName")
	}
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if cfg.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if cfg.NewClient == nil {
		return errors.NotValidf("nil NewClient")
	}
	if cfg.NewWorker == nil {
		return errors.NotValidf("nil NewWorker")
	}
	return nil
}

// Manifold returns a dependency manifold that polls the cloud for
// target state. Without a cloud endpoint the manifold uninstalls
// itself and the device runs from its stored target alone.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Inputs: []string{
			config.AgentName,
			config.StateName,
			config.IdentityName,
			config.CentralHubName,
		},
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			if err := config.Validate(); err != nil {
				return nil, errors.Trace(err)
			}

			var thisAgent agent.Agent
			if err := getter.Get(config.AgentName, &thisAgent); err != nil {
				return nil, errors.Trace(err)
			}
			agentConfig := thisAgent.CurrentConfig()
			apiURL := agentConfig.CloudAPIURL()
			if apiURL == "" {
				return nil, dependency.ErrUninstall
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

			client, err := config.NewClient(apiURL, config.Logger)
			if err != nil {
				return nil, errors.Trace(err)
			}
			w, err := config.NewWorker(Config{
				Client:   client,
				Store:    store,
				Hub:      hub,
				UUID:     manager.UUID(),
				Interval: agentConfig.TargetPollInterval(),
				Clock:    config.Clock,
				Logger:   config.Logger,
			})
			if err != nil {
				return nil, errors.Trace(err)
			}
			return w, nil
		},
	}
}

// NewCloudClient is the default client constructor used outside of
// tests.
func NewCloudClient(apiURL string, logger Logger) (TargetClient, error) {
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
