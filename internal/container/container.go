// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package container defines the runtime adapter contract. The
// reconciler and log pipeline drive containers exclusively through the
// Engine interface; the docker subpackage provides the production
// implementation and the testing subpackage a fake.
package container

import (
	"context"
	"sort"
	"time"

	"github.com/iotistic/agent/core/apps"
)

// State is the runtime's coarse container state.
type State string

const (
	StateCreated    State = "created"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StatePaused     State = "paused"
	StateExited     State = "exited"
	StateDead       State = "dead"
)

// Info is the agent's view of one container.
type Info struct {
	ID       string
	Name     string
	ImageRef string
	State    State
	ExitCode int
	Labels   map[string]string
	Ports    []string
	Networks []string
}

// Managed reports whether the container carries the agent's ownership
// label. Lifecycle operations and garbage collection are restricted to
// managed containers.
func (i Info) Managed() bool {
	return i.Labels[LabelManaged] == "true"
}

// RunSpec is everything needed to create one container.
type RunSpec struct {
	Name          string
	ImageRef      string
	Environment   map[string]string
	Ports         []string
	Volumes       []string
	Networks      []string
	NetworkMode   string
	RestartPolicy string
	Labels        map[string]string
}

// NetworkConfig describes a network to be created.
type NetworkConfig struct {
	Name   string
	Driver string
	Labels map[string]string
}

// NetworkInfo is the agent's view of one network.
type NetworkInfo struct {
	ID     string
	Name   string
	Driver string
	Labels map[string]string
}

// LogsOptions selects which output to attach to and from when.
type LogsOptions struct {
	Stdout bool
	Stderr bool
	Follow bool

	// Tail limits history to the last N lines; zero means everything.
	Tail int

	// Since limits history to entries after the given time.
	Since time.Time
}

// LogRecord is one demultiplexed line of container output.
type LogRecord struct {
	Timestamp time.Time
	IsStderr  bool
	Line      string
}

// LogStream is a live feed of a container's output. Records is closed
// when the stream ends, after which Err reports the terminal error, if
// any. Close releases the underlying connection.
type LogStream interface {
	Records() <-chan LogRecord
	Err() error
	Close() error
}

// ExecResult is the outcome of a one-shot command inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Engine is the set of runtime operations the agent needs. All
// blocking calls honour the given context; implementations normalize
// runtime errors into this package's taxonomy.
type Engine interface {
	// ImagePresent reports whether the image is available locally.
	ImagePresent(ctx context.Context, imageRef string) (bool, error)

	// PullImage fetches the image from its registry. Concurrent pulls
	// of the same ref are coalesced into a single registry operation.
	PullImage(ctx context.Context, imageRef string) error

	// CreateContainer creates a container from the spec and returns
	// its id. The container is not started.
	CreateContainer(ctx context.Context, spec RunSpec) (string, error)

	// StartContainer starts a created or stopped container.
	StartContainer(ctx context.Context, id string) error

	// StopContainer stops a running container, giving it the grace
	// period before the runtime kills it. Stopping a stopped container
	// is a no-op.
	StopContainer(ctx context.Context, id string, grace time.Duration) error

	// RemoveContainer deletes a container. Removing an already-removed
	// container is a no-op.
	RemoveContainer(ctx context.Context, id string, force bool) error

	// InspectContainer returns the current view of one container.
	InspectContainer(ctx context.Context, id string) (Info, error)

	// ListContainers returns all containers, running or not, whose
	// labels include every entry of the selector.
	ListContainers(ctx context.Context, selector map[string]string) ([]Info, error)

	// CreateNetwork creates a network. It is idempotent if a network
	// of the same name exists with an equal driver and label set;
	// differing configuration yields a recreation-attempt error.
	CreateNetwork(ctx context.Context, cfg NetworkConfig) error

	// RemoveNetwork deletes a network. Removing an absent network is a
	// no-op.
	RemoveNetwork(ctx context.Context, name string) error

	// ConnectNetwork attaches a container to a network.
	ConnectNetwork(ctx context.Context, containerID, name string) error

	// ListNetworks returns all networks whose labels include every
	// entry of the selector.
	ListNetworks(ctx context.Context, selector map[string]string) ([]NetworkInfo, error)

	// AttachLogs opens a stream over the container's demultiplexed
	// output.
	AttachLogs(ctx context.Context, id string, opts LogsOptions) (LogStream, error)

	// Exec runs a one-shot command inside a running container and
	// waits for it to finish.
	Exec(ctx context.Context, id string, cmd []string) (ExecResult, error)
}

// RunSpecForService assembles the RunSpec for one service of an app,
// applying the agent's naming and label conventions on top of the
// user-declared spec.
func RunSpecForService(appID int, appName string, svc apps.ServiceSpec) RunSpec {
	labels := make(map[string]string, len(svc.Labels)+6)
	for k, v := range svc.Labels {
		labels[k] = v
	}
	for k, v := range ManagedLabels(appID, appName, svc.ServiceID, svc.ServiceName, svc.SpecHash()) {
		labels[k] = v
	}

	networks := make([]string, 0, len(svc.Networks))
	for _, short := range svc.Networks {
		networks = append(networks, apps.NetworkName(appID, short))
	}
	sort.Strings(networks)

	return RunSpec{
		Name:          ContainerName(appName, svc.ServiceName, svc.ServiceID),
		ImageRef:      svc.ImageRef,
		Environment:   svc.Environment,
		Ports:         svc.Ports,
		Volumes:       svc.Volumes,
		Networks:      networks,
		NetworkMode:   svc.NetworkMode,
		RestartPolicy: svc.RestartPolicy,
		Labels:        labels,
	}
}
