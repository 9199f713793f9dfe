// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iotistic/agent/agent"
	internaladminapi "github.com/iotistic/agent/internal/adminapi"
	"github.com/iotistic/agent/internal/machinelock"
	workeradminapi "github.com/iotistic/agent/internal/worker/adminapi"
	"github.com/iotistic/agent/internal/worker/containerengine"
	"github.com/iotistic/agent/internal/worker/dbaccessor"
	workeridentity "github.com/iotistic/agent/internal/worker/identity"
	workerlogpipeline "github.com/iotistic/agent/internal/worker/logpipeline"
	workermessaging "github.com/iotistic/agent/internal/worker/messaging"
	workerreconciler "github.com/iotistic/agent/internal/worker/reconciler"
	"github.com/iotistic/agent/internal/worker/shadow"
	"github.com/iotistic/agent/internal/worker/statereporter"
	workerstate "github.com/iotistic/agent/internal/worker/state"
	"github.com/iotistic/agent/internal/worker/targetpoller"
)

// The manifold names of the agent's dependency engine. Starting order
// is decided by the engine from the dependency edges; these names are
// the edges' vocabulary.
const (
	agentName           = "agent"
	dbAccessorName      = "db-accessor"
	stateName           = "state"
	identityName        = "identity"
	containerEngineName = "container-engine"
	centralHubName      = "central-hub"
	machineLockName     = "machine-lock"
	messagingName       = "messaging"
	logPipelineName     = "log-pipeline"
	reconcilerName      = "reconciler"
	targetPollerName    = "target-poller"
	stateReporterName   = "state-reporter"
	shadowName          = "shadow"
	adminAPIName        = "admin-api"
)

// ManifoldsConfig carries the resources built in the agent command
// before the engine starts.
type ManifoldsConfig struct {
	// Agent holds the configuration snapshot every worker reads.
	Agent agent.Agent

	// Hub is the process-wide event hub.
	Hub *pubsub.SimpleHub

	// MachineLock serializes runtime-mutating operations across
	// processes on this host.
	MachineLock machinelock.Lock

	// EngineReporter is the dependency engine itself, surfaced by the
	// admin API at GET /v1/engine. The engine cannot be one of its
	// own manifolds, so the value is threaded through here.
	EngineReporter internaladminapi.Reporter

	// Gatherer backs the admin API's prometheus scrape endpoint.
	Gatherer prometheus.Gatherer

	Clock clock.Clock
}

// Manifolds returns the full set of manifolds the device agent runs.
func Manifolds(config ManifoldsConfig) dependency.Manifolds {
	return dependency.Manifolds{
		agentName:       agentManifold(config.Agent),
		centralHubName:  centralHubManifold(config.Hub),
		machineLockName: machineLockManifold(config.MachineLock),

		dbAccessorName: dbaccessor.Manifold(dbaccessor.ManifoldConfig{
			AgentName: agentName,
			Clock:     config.Clock,
			Logger:    loggo.GetLogger("iotistic.worker.dbaccessor"),
			NewWorker: func(cfg dbaccessor.Config) (worker.Worker, error) {
				return dbaccessor.NewWorker(cfg)
			},
		}),

		stateName: workerstate.Manifold(workerstate.ManifoldConfig{
			DBAccessorName: dbAccessorName,
			Clock:          config.Clock,
			Logger:         loggo.GetLogger("iotistic.worker.state"),
			NewWorker: func(cfg workerstate.Config) (worker.Worker, error) {
				return workerstate.NewWorker(cfg)
			},
		}),

		identityName: workeridentity.Manifold(workeridentity.ManifoldConfig{
			AgentName:    agentName,
			StateName:    stateName,
			Clock:        config.Clock,
			Logger:       loggo.GetLogger("iotistic.worker.identity"),
			NewRegistrar: workeridentity.NewCloudRegistrar,
			NewWorker: func(cfg workeridentity.Config) (worker.Worker, error) {
				return workeridentity.NewWorker(cfg)
			},
		}),

		containerEngineName: containerengine.Manifold(containerengine.ManifoldConfig{
			AgentName: agentName,
			Clock:     config.Clock,
			Logger:    loggo.GetLogger("iotistic.worker.containerengine"),
			NewEngine: containerengine.NewRuntimeEngine,
			NewWorker: func(cfg containerengine.Config) (worker.Worker, error) {
				return containerengine.NewWorker(cfg)
			},
		}),

		messagingName: workermessaging.Manifold(workermessaging.ManifoldConfig{
			AgentName:      agentName,
			IdentityName:   identityName,
			CentralHubName: centralHubName,
			Clock:          config.Clock,
			Logger:         loggo.GetLogger("iotistic.worker.messaging"),
			NewClient:      workermessaging.NewClient,
		}),

		logPipelineName: workerlogpipeline.Manifold(workerlogpipeline.ManifoldConfig{
			AgentName:           agentName,
			ContainerEngineName: containerEngineName,
			CentralHubName:      centralHubName,
			IdentityName:        identityName,
			MessagingName:       messagingName,
			Clock:               config.Clock,
			Logger:              loggo.GetLogger("iotistic.worker.logpipeline"),
			NewUploader:         workerlogpipeline.NewCloudUploader,
			NewWorker: func(cfg workerlogpipeline.Config) (worker.Worker, error) {
				return workerlogpipeline.NewWorker(cfg)
			},
		}),

		reconcilerName: workerreconciler.Manifold(workerreconciler.ManifoldConfig{
			ContainerEngineName: containerEngineName,
			StateName:           stateName,
			CentralHubName:      centralHubName,
			MachineLockName:     machineLockName,
			Clock:               config.Clock,
			Logger:              loggo.GetLogger("iotistic.worker.reconciler"),
			NewWorker: func(cfg workerreconciler.Config) (worker.Worker, error) {
				return workerreconciler.NewWorker(cfg)
			},
		}),

		targetPollerName: targetpoller.Manifold(targetpoller.ManifoldConfig{
			AgentName:      agentName,
			StateName:      stateName,
			IdentityName:   identityName,
			CentralHubName: centralHubName,
			Clock:          config.Clock,
			Logger:         loggo.GetLogger("iotistic.worker.targetpoller"),
			NewClient:      targetpoller.NewCloudClient,
			NewWorker: func(cfg targetpoller.Config) (worker.Worker, error) {
				return targetpoller.NewWorker(cfg)
			},
		}),

		stateReporterName: statereporter.Manifold(statereporter.ManifoldConfig{
			AgentName:      agentName,
			StateName:      stateName,
			IdentityName:   identityName,
			CentralHubName: centralHubName,
			Clock:          config.Clock,
			Logger:         loggo.GetLogger("iotistic.worker.statereporter"),
			NewReporter:    statereporter.NewCloudReporter,
			NewWorker: func(cfg statereporter.Config) (worker.Worker, error) {
				return statereporter.NewWorker(cfg)
			},
		}),

		shadowName: shadow.Manifold(shadow.ManifoldConfig{
			StateName:      stateName,
			IdentityName:   identityName,
			CentralHubName: centralHubName,
			MessagingName:  messagingName,
			Clock:          config.Clock,
			Logger:         loggo.GetLogger("iotistic.worker.shadow"),
			NewWorker: func(cfg shadow.Config) (worker.Worker, error) {
				return shadow.NewWorker(cfg)
			},
		}),

		adminAPIName: workeradminapi.Manifold(workeradminapi.ManifoldConfig{
			AgentName:           agentName,
			StateName:           stateName,
			ContainerEngineName: containerEngineName,
			CentralHubName:      centralHubName,
			IdentityName:        identityName,
			LogPipelineName:     logPipelineName,
			ReconcilerName:      reconcilerName,
			Engine:              config.EngineReporter,
			Gatherer:            config.Gatherer,
			Logger:              loggo.GetLogger("iotistic.worker.adminapi"),
			NewServer:           workeradminapi.NewServer,
		}),
	}
}
