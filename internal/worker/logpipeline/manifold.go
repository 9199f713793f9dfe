// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logpipeline

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/iotistic/agent/agent"
	"github.com/iotistic/agent/internal/cloud"
	"github.com/iotistic/agent/internal/container"
	"github.com/iotistic/agent/internal/identity"
	internallogpipeline "github.com/iotistic/agent/internal/logpipeline"
	internalmessaging "github.com/iotistic/agent/internal/messaging"
)

// ManifoldConfig contains:
// - The names of other manifolds on which the log pipeline depends.
// - Other dependencies from ManifoldsConfig required by the worker.
type ManifoldConfig struct {
	AgentName           string
	ContainerEngineName string
	CentralHubName      string
	IdentityName        string

	// MessagingName is an optional input: when the fabric manifold
	// is uninstalled or not yet running the pipeline starts without
	// it and ships logs over HTTP instead.
	MessagingName string

	Clock       clock.Clock
	Logger      Logger
	NewUploader func(apiURL, uuid string, logger Logger) (internallogpipeline.LogUploader, error)
	NewWorker   func(Config) (worker.Worker, error)
}

// Validate returns an error if the config is incomplete.
func (cfg ManifoldConfig) Validate() error {
	if cfg.AgentName == "" {
		return errors.NotValidf("empty AgentName")
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
	if cfg.MessagingName == "" {
		return errors.NotValidf("empty MessagingName")
	}
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if cfg.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if cfg.NewUploader == nil {
		return errors.NotValidf("nil NewUploader")
	}
	if cfg.NewWorker == nil {
		return errors.NotValidf("nil NewWorker")
	}
	return nil
}

// Manifold returns a dependency manifold that runs the log pipeline.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Inputs: []string{
			config.AgentName,
			config.ContainerEngineName,
			config.CentralHubName,
			config.IdentityName,
			config.MessagingName,
		},
		Output: logPipelineOutput,
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			if err := config.Validate(); err != nil {
				return nil, errors.Trace(err)
			}

			var thisAgent agent.Agent
			if err := getter.Get(config.AgentName, &thisAgent); err != nil {
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

			// The fabric is optional: no broker configured means the
			// messaging manifold is uninstalled and Get reports it
			// missing forever.
			var fabric internalmessaging.Fabric
			if err := getter.Get(config.MessagingName, &fabric); err != nil {
				if !errors.Is(err, dependency.ErrMissing) {
					return nil, errors.Trace(err)
				}
				fabric = nil
			}

			agentConfig := thisAgent.CurrentConfig()
			uuid := manager.UUID()

			var uploader internallogpipeline.LogUploader
			if fabric == nil {
				if apiURL := agentConfig.CloudAPIURL(); apiURL != "" {
					var err error
					uploader, err = config.NewUploader(apiURL, uuid, config.Logger)
					if err != nil {
						return nil, errors.Trace(err)
					}
				}
			}

			mqtt := agentConfig.MQTT()
			w, err := config.NewWorker(Config{
				Engine:    engine,
				Hub:       hub,
				Fabric:    fabric,
				Uploader:  uploader,
				UUID:      uuid,
				LogDir:    agentConfig.Paths().ContainerLogDir(),
				BatchSize: mqtt.BatchSize,
				QoS:       byte(mqtt.QoS),
				Clock:     config.Clock,
				Logger:    config.Logger,
			})
			if err != nil {
				return nil, errors.Trace(err)
			}
			return w, nil
		},
	}
}

// NewCloudUploader is the default NewUploader, shipping batches to the
// cloud's device log endpoint.
func NewCloudUploader(apiURL, uuid string, logger Logger) (internallogpipeline.LogUploader, error) {
	client, err := cloud.NewClient(cloud.Config{
		BaseURL:   apiURL,
		Transport: cloud.DefaultTransport(logger),
		Logger:    logger,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return cloud.NewLogUploader(client, uuid), nil
}

// logPipelineOutput exposes the worker as a LogSource for the admin
// API.
func logPipelineOutput(in worker.Worker, out interface{}) error {
	w, ok := in.(*Worker)
	if !ok {
		return errors.Errorf("expected input of type *logpipeline.Worker, got %T", in)
	}
	switch out := out.(type) {
	case *LogSource:
		*out = w
	default:
		return errors.Errorf("expected output of *logpipeline.LogSource, got %T", out)
	}
	return nil
}
