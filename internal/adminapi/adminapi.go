// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package adminapi serves the agent's local HTTP surface: the on-device
// admin UI and operator tooling read state, replace the target for
// disconnected operation, tail logs, run one-shot commands in managed
// containers and drive the identity lifecycle through it.
//
// The server never mutates runtime state itself. Mutating endpoints
// persist through the store or publish on the hub and let the
// reconciler worker pick the change up, so there is only ever one
// component executing plans.
package adminapi

import (
	"context"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iotistic/agent/core/apps"
	"github.com/iotistic/agent/core/logs"
	"github.com/iotistic/agent/internal/cloud"
	"github.com/iotistic/agent/internal/container"
	"github.com/iotistic/agent/internal/logpipeline"
	"github.com/iotistic/agent/internal/state"
)

// Logger is the subset of loggo used by this package.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
}

// StateStore is the slice of the persistent store the API serves.
type StateStore interface {
	TargetState(ctx context.Context) (state.TargetRecord, error)
	SetTargetState(ctx context.Context, record state.TargetRecord) error
	CurrentState(ctx context.Context) (apps.CurrentState, error)
}

// Reconciler lets the apply endpoint release latched services so the
// pass it requests retries everything.
type Reconciler interface {
	ClearHolds()
}

// Publisher is the hub surface used to hand work to other workers.
type Publisher interface {
	Publish(topic string, data interface{}) <-chan struct{}
}

// Identity answers device identity reads and performs the one-shot
// provisioning flow.
type Identity interface {
	Identity() state.DeviceIdentity
	Provision(ctx context.Context, provisioningKey string) (state.DeviceIdentity, error)
	Reset(ctx context.Context) error
}

// LogSource serves historic queries and live follows from the log
// pipeline's local backend.
type LogSource interface {
	Query(filter logpipeline.Filter, limit int) []logs.Entry
	Follow(filter logpipeline.Filter, buffer int) (<-chan logs.Entry, func())
}

// Runtime is the container engine slice behind the exec endpoint.
type Runtime interface {
	Exec(ctx context.Context, id string, cmd []string) (container.ExecResult, error)
}

// MetricsSource snapshots host vitals for the metrics endpoint.
type MetricsSource interface {
	Snapshot(ctx context.Context) cloud.Metrics
}

// Reporter exposes a worker report. The dependency engine satisfies it
// for GET /v1/engine.
type Reporter interface {
	Report() map[string]interface{}
}

// Config holds the dependencies of the admin API server.
type Config struct {
	// Addr is the listen address. The default configuration binds
	// loopback only; the API carries no authentication of its own.
	Addr string

	Store      StateStore
	Reconciler Reconciler
	Hub        Publisher
	Identity   Identity
	Logs       LogSource
	Runtime    Runtime
	Metrics    MetricsSource

	// Engine reports the dependency engine for GET /v1/engine.
	Engine Reporter

	// Gatherer backs the prometheus scrape endpoint.
	Gatherer prometheus.Gatherer

	Logger Logger
}

// Validate ensures the required fields are set.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.NotValidf("empty Addr")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Reconciler == nil {
		return errors.NotValidf("nil Reconciler")
	}
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if c.Identity == nil {
		return errors.NotValidf("nil Identity")
	}
	if c.Logs == nil {
		return errors.NotValidf("nil Logs")
	}
	if c.Runtime == nil {
		return errors.NotValidf("nil Runtime")
	}
	if c.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	if c.Engine == nil {
		return errors.NotValidf("nil Engine")
	}
	if c.Gatherer == nil {
		return errors.NotValidf("nil Gatherer")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}
