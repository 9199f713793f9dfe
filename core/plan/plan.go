// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package plan defines the ordered list of atomic runtime operations
// emitted by the reconciler. Plans are pure data: computing one has no
// side effects, and replaying the same inputs yields a byte-identical
// plan.
package plan

import (
	"fmt"
	"strings"

	"github.com/iotistic/agent/core/apps"
)

// Kind discriminates the step types.
type Kind string

const (
	KindNoOp            Kind = "noop"
	KindDownloadImage   Kind = "download-image"
	KindCreateNetwork   Kind = "create-network"
	KindStopContainer   Kind = "stop-container"
	KindRemoveContainer Kind = "remove-container"
	KindStartContainer  Kind = "start-container"
	KindRemoveNetwork   Kind = "remove-network"
)

// Step is a single atomic operation against the container runtime.
// Steps either complete and have their effect recorded in the current
// state, or fail and leave it untouched.
type Step interface {
	Kind() Kind

	// String returns the canonical one-line form of the step. Plan
	// determinism is asserted over these strings, so the format is
	// load-bearing: equal steps must render identically.
	String() string
}

// DownloadImage pulls an image ahead of starting containers from it.
// Emitted once per distinct image reference in a plan.
type DownloadImage struct {
	AppID    int
	ImageRef string
}

func (s DownloadImage) Kind() Kind { return KindDownloadImage }

func (s DownloadImage) String() string {
	return fmt.Sprintf("download-image app=%d image=%s", s.AppID, s.ImageRef)
}

// CreateNetwork creates an app-scoped bridge network. NetworkName is
// the full runtime name, e.g. "1_backend".
type CreateNetwork struct {
	AppID       int
	NetworkName string
}

func (s CreateNetwork) Kind() Kind { return KindCreateNetwork }

func (s CreateNetwork) String() string {
	return fmt.Sprintf("create-network app=%d network=%s", s.AppID, s.NetworkName)
}

// StopContainer stops a running container with the configured grace
// period. Stopping an already stopped container is a no-op.
type StopContainer struct {
	AppID       int
	ServiceID   int
	ContainerID string
}

func (s StopContainer) Kind() Kind { return KindStopContainer }

func (s StopContainer) String() string {
	return fmt.Sprintf("stop-container app=%d service=%d container=%s", s.AppID, s.ServiceID, s.ContainerID)
}

// RemoveContainer removes a stopped container.
type RemoveContainer struct {
	AppID       int
	ServiceID   int
	ContainerID string
}

func (s RemoveContainer) Kind() Kind { return KindRemoveContainer }

func (s RemoveContainer) String() string {
	return fmt.Sprintf("remove-container app=%d service=%d container=%s", s.AppID, s.ServiceID, s.ContainerID)
}

// StartContainer creates and starts a container for the given service
// spec. The image is expected to be present (phase A downloads it) and
// the app networks to exist.
type StartContainer struct {
	AppID   int
	AppName string
	Service apps.ServiceSpec
}

func (s StartContainer) Kind() Kind { return KindStartContainer }

func (s StartContainer) String() string {
	return fmt.Sprintf("start-container app=%d service=%d image=%s", s.AppID, s.Service.ServiceID, s.Service.ImageRef)
}

// RemoveNetwork removes an app-scoped network once nothing references
// it any more.
type RemoveNetwork struct {
	AppID       int
	NetworkName string
}

func (s RemoveNetwork) Kind() Kind { return KindRemoveNetwork }

func (s RemoveNetwork) String() string {
	return fmt.Sprintf("remove-network app=%d network=%s", s.AppID, s.NetworkName)
}

// NoOp is emitted when target and current already agree.
type NoOp struct{}

func (s NoOp) Kind() Kind { return KindNoOp }

func (s NoOp) String() string { return "noop" }

// Plan is an ordered list of steps. Order is strict: step i+1 must not
// execute unless step i completed.
type Plan struct {
	Steps []Step
}

// IsNoOp reports whether executing the plan would change nothing.
func (p Plan) IsNoOp() bool {
	for _, s := range p.Steps {
		if s.Kind() != KindNoOp {
			return false
		}
	}
	return true
}

// String renders the canonical multi-line form used by tests and by
// the admin API's plan preview.
func (p Plan) String() string {
	if len(p.Steps) == 0 {
		return "noop"
	}
	lines := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		lines[i] = s.String()
	}
	return strings.Join(lines, "\n")
}
