// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package adminapi runs the local admin API server under the
// dependency engine. The manifold's job is assembly: it pulls the
// store, the reconciler, the identity manager, the log pipeline and
// the container runtime from their manifolds and hands the lot to the
// server in internal/adminapi, which does the actual serving.
package adminapi

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/pubsub"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iotistic/agent/agent"
	internaladminapi "github.com/iotistic/agent/internal/adminapi"
	"github.com/iotistic/agent/internal/container"
	"github.com/iotistic/agent/internal/identity"
	"github.com/iotistic/agent/internal/metrics"
	internalreconciler "github.com/iotistic/agent/internal/reconciler"
	"github.com/iotistic/agent/internal/state"
	workerlogpipeline "github.com/iotistic/agent/internal/worker/logpipeline"
	"github.com/iotistic/agent/version"
)

// Logger is what the admin API server needs out of loggo.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
}

// ManifoldConfig contains:
// - The names of other manifolds on which the admin API depends.
// - Other dependencies from ManifoldsConfig required by the server.
type ManifoldConfig struct {
	AgentName           string
	StateName           string
	ContainerEngineName string
	CentralHubName      string
	IdentityName        string
	LogPipelineName     string
	ReconcilerName      string

	// Engine reports the dependency engine running this manifold.
	// The engine cannot be one of its own inputs, so the value is
	// threaded through from the agent instead.
	Engine internaladminapi.Reporter

	// Gatherer backs the GET /metrics scrape endpoint.
	Gatherer prometheus.Gatherer

	Logger    Logger
	NewServer func(internaladminapi.Config) (worker.Worker, error)
}

// Validate returns an error if the config is incomplete.
func (cfg ManifoldConfig) Validate() error {
	if cfg.AgentName == "" {
		return errors.NotValidf("empty AgentName")
	}
	if cfg.StateName == "" {
		return errors.NotValidf("empty StateName")
	}
	if cfg.ContainerEngineName == "" {
		return errors.NotValidf("empty ContainerEngineName")
	}
	if cfg.CentralHubName == "" {
		return errors.NotValidf("empty CentralHubName")
	}
	if cfg.IdentityName == "" {
		return errors.NotValidf("empty IdentityName")
	}
	if cfg.LogPipelineName == "" {
		return errors.NotValidf("empty LogPipelineName")
	}
	if cfg.ReconcilerName == "" {
		return errors.NotValidf("empty ReconcilerName")
	}
	if cfg.Engine == nil {
		return errors.NotValidf("nil Engine")
	}
	if cfg.Gatherer == nil {
		return errors.NotValidf("nil Gatherer")
	}
	if cfg.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if cfg.NewServer == nil {
		return errors.NotValidf("nil NewServer")
	}
	return nil
}

// Manifold returns a dependency manifold that runs the local admin
// API server.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Inputs: []string{
			config.AgentName,
			config.StateName,
			config.ContainerEngineName,
			config.CentralHubName,
			config.IdentityName,
			config.LogPipelineName,
			config.ReconcilerName,
		},
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			if err := config.Validate(); err != nil {
				return nil, errors.Trace(err)
			}

			var thisAgent agent.Agent
			if err := getter.Get(config.AgentName, &thisAgent); err != nil {
				return nil, errors.Trace(err)
			}
			var store *state.Store
			if err := getter.Get(config.StateName, &store); err != nil {
				return nil, errors.Trace(err)
			}
			var engine container.Engine
			if err := getter.Get(config.ContainerEngineName, &engine); err != nil {
				return nil, errors.Trace(err)
			}
			var hub *pubsub.SimpleHub
			if err := getter.Get(config.CentralHubName, &hub); err != nil {
				return nil, errors.Trace(err)
			}
			var manager *identity.Manager
			if err := getter.Get(config.IdentityName, &manager); err != nil {
				return nil, errors.Trace(err)
			}
			var logSource workerlogpipeline.LogSource
			if err := getter.Get(config.LogPipelineName, &logSource); err != nil {
				return nil, errors.Trace(err)
			}
			var reconciler *internalreconciler.Reconciler
			if err := getter.Get(config.ReconcilerName, &reconciler); err != nil {
				return nil, errors.Trace(err)
			}

			agentConfig := thisAgent.CurrentConfig()
			sampler, err := metrics.NewCollector(metrics.Config{
				StoragePath:  agentConfig.DataDir(),
				AgentVersion: version.Current.String(),
				Logger:       config.Logger,
			})
			if err != nil {
				return nil, errors.Trace(err)
			}

			w, err := config.NewServer(internaladminapi.Config{
				Addr:       agentConfig.AdminAPIAddr(),
				Store:      store,
				Reconciler: reconciler,
				Hub:        hub,
				Identity:   manager,
				Logs:       logSource,
				Runtime:    engine,
				Metrics:    sampler,
				Engine:     config.Engine,
				Gatherer:   config.Gatherer,
				Logger:     config.Logger,
			})
			if err != nil {
				return nil, errors.Trace(err)
			}
			return w, nil
		},
	}
}

// NewServer is the default server constructor, suitable for
// ManifoldConfig.NewServer.
func NewServer(config internaladminapi.Config) (worker.Worker, error) {
	return internaladminapi.NewServer(config)
}
