// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package statereporter

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
	"github.com/iotistic/agent/internal/metrics"
	"github.com/iotistic/agent/internal/state"
	"github.com/iotistic/agent/version"
)

// ManifoldConfig contains:
// - The names of other manifolds on which the state reporter depends.
// - Other dependencies from ManifoldsConfig required by the worker.
type ManifoldConfig struct {
	AgentName      string
	StateName      string
	IdentityName   string
	CentralHubName string

	Clock       clock.Clock
	Logger      Logger
	NewReporter func(apiURL string, logger Logger) (Reporter, error)
	NewWorker   func(Config) (worker.Worker, error)
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
	if cfg.NewReporter == nil {
		return errors.NotValidf("nil NewReporter")
	}
	if cfg.NewWorker == nil {
		return errors.NotValidf("nil NewWorker")
	}
	return nil
}

// Manifold returns a dependency manifold that reports current state
// and host metrics to the cloud. Without a cloud endpoint the manifold
// uninstalls itself.
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

			reporter, err := config.NewReporter(apiURL, config.Logger)
			if err != nil {
				return nil, errors.Trace(err)
			}
			sampler, err := metrics.NewCollector(metrics.Config{
				StoragePath:  agentConfig.DataDir(),
				AgentVersion: version.Current.String(),
				Logger:       config.Logger,
			})
			if err != nil {
				return nil, errors.Trace(err)
			}
			w, err := config.NewWorker(Config{
				Reporter:        reporter,
				Store:           store,
				Sampler:         sampler,
				Hub:             hub,
				UUID:            manager.UUID(),
				ReportInterval:  agentConfig.StateReportInterval(),
				MetricsInterval: agentConfig.MetricsReportInterval(),
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

// NewCloudReporter is the default reporter constructor used outside of
// tests.
func NewCloudReporter(apiURL string, logger Logger) (Reporter, error) {
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
