// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package messaging wires the MQTT fabric into the dependency engine.
// When the agent configuration names no broker the manifold uninstalls
// itself, so workers that require the fabric are never started and the
// rest of the agent runs unaffected.
package messaging

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/iotistic/agent/agent"
	"github.com/iotistic/agent/internal/identity"
	internalmessaging "github.com/iotistic/agent/internal/messaging"
)

// Logger represents the logging methods used by this package.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
}

// ManifoldConfig contains:
// - The names of other manifolds on which the messaging client depends.
// - Other dependencies from ManifoldsConfig required by the worker.
type ManifoldConfig struct {
	AgentName      string
	IdentityName   string
	CentralHubName string

	Clock     clock.Clock
	Logger    Logger
	NewClient func(internalmessaging.Config) (worker.Worker, error)
}

// Validate returns an error if the config is incomplete.
func (cfg ManifoldConfig) Validate() error {
	if cfg.AgentName == "" {
		return errors.NotValidf("empty AgentName")
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
	return nil
}

// Manifold returns a dependency manifold that runs the MQTT client and
// offers it to other workers as a messaging.Fabric.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Inputs: []string{
			config.AgentName,
			config.IdentityName,
			config.CentralHubName,
		},
		Output: fabricOutput,
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			if err := config.Validate(); err != nil {
				return nil, errors.Trace(err)
			}

			var thisAgent agent.Agent
			if err := getter.Get(config.AgentName, &thisAgent); err != nil {
				return nil, errors.Trace(err)
			}
			agentConfig := thisAgent.CurrentConfig()
			mqtt := agentConfig.MQTT()
			if !mqtt.Configured() {
				// No broker, no fabric. Uninstall so dependents stay
				// unstarted instead of bouncing on a missing resource.
				return nil, dependency.ErrUninstall
			}

			var manager *identity.Manager
			if err := getter.Get(config.IdentityName, &manager); err != nil {
				return nil, errors.Trace(err)
			}
			var hub *pubsub.SimpleHub
			if err := getter.Get(config.CentralHubName, &hub); err != nil {
				return nil, errors.Trace(err)
			}

			// Broker credentials fall back to the device identity:
			// brokers deployed alongside the cloud API authenticate
			// devices by uuid and api key.
			username := mqtt.Username
			if username == "" {
				username = manager.UUID()
			}
			password := mqtt.Password
			if password == "" {
				if key, ok := manager.APIKey(); ok {
					password = key
				}
			}

			w, err := config.NewClient(internalmessaging.Config{
				BrokerURL:  mqtt.Broker,
				ClientID:   "iotistic-" + manager.UUID(),
				Username:   username,
				Password:   password,
				DefaultQoS: byte(mqtt.QoS),
				Clock:      config.Clock,
				Logger:     config.Logger,
				Hub:        hub,
			})
			if err != nil {
				return nil, errors.Trace(err)
			}
			return w, nil
		},
	}
}

// NewClient is the default client constructor used outside of tests.
func NewClient(config internalmessaging.Config) (worker.Worker, error) {
	client, err := internalmessaging.NewClient(config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return client, nil
}

// fabricOutput exposes the running client as a messaging.Fabric.
func fabricOutput(in worker.Worker, out interface{}) error {
	client, ok := in.(*internalmessaging.Client)
	if !ok {
		return errors.Errorf("expected input of type *messaging.Client, got %T", in)
	}
	switch out := out.(type) {
	case *internalmessaging.Fabric:
		*out = client
	default:
		return errors.Errorf("expected output of *messaging.Fabric, got %T", out)
	}
	return nil
}
