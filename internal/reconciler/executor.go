// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/iotistic/agent/core/apps"
	"github.com/iotistic/agent/core/events"
	"github.com/iotistic/agent/core/plan"
	"github.com/iotistic/agent/core/status"
	"github.com/iotistic/agent/internal/container"
)

// Timeouts bounds each step kind. A step hitting its deadline fails
// like any other step error and aborts the rest of the plan.
type Timeouts struct {
	// Pull bounds one image download.
	Pull time.Duration

	// StopGrace is handed to the runtime as the period a container
	// gets between SIGTERM and SIGKILL. The step deadline adds fixed
	// headroom on top.
	StopGrace time.Duration

	// Start bounds container creation plus start.
	Start time.Duration

	// Network bounds network create and remove calls.
	Network time.Duration
}

const stopHeadroom = 30 * time.Second

func (t Timeouts) withDefaults() Timeouts {
	if t.Pull <= 0 {
		t.Pull = 15 * time.Minute
	}
	if t.StopGrace <= 0 {
		t.StopGrace = 10 * time.Second
	}
	if t.Start <= 0 {
		t.Start = time.Minute
	}
	if t.Network <= 0 {
		t.Network = 30 * time.Second
	}
	return t
}

// errPreempted aborts the remaining plan between steps when an
// operator override arrives; the next pass replans from scratch.
var errPreempted = errors.New("pass preempted")

// executor walks a plan step by step. Every successful step is
// reflected in the stored current state before the next one runs, so a
// crash mid-plan loses at most the in-flight step.
type executor struct {
	engine   container.Engine
	store    StateStore
	hub      Publisher
	logger   Logger
	timeouts Timeouts
}

// execute runs the plan against the runtime, mutating and persisting
// current as it goes. It returns the updated state, the number of
// completed steps, and the first step error, if any. An in-flight step
// always finishes; preemption is only honoured between steps.
func (e *executor) execute(ctx context.Context, p plan.Plan, current apps.CurrentState, preempt <-chan struct{}) (apps.CurrentState, int, error) {
	for i, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			return current, i, errors.Trace(err)
		}
		select {
		case <-preempt:
			return current, i, errPreempted
		default:
		}
		e.logger.Debugf("step %d/%d: %s", i+1, len(p.Steps), step)
		if err := e.executeStep(ctx, step, &current); err != nil {
			return current, i, errors.Annotatef(err, "step %q", step)
		}
	}
	return current, len(p.Steps), nil
}

func (e *executor) executeStep(ctx context.Context, step plan.Step, current *apps.CurrentState) error {
	switch s := step.(type) {
	case plan.DownloadImage:
		return e.downloadImage(ctx, s)
	case plan.CreateNetwork:
		return e.createNetwork(ctx, s)
	case plan.StopContainer:
		return e.stopContainer(ctx, s, current)
	case plan.RemoveContainer:
		return e.removeContainer(ctx, s, current)
	case plan.StartContainer:
		return e.startContainer(ctx, s, current)
	case plan.RemoveNetwork:
		return e.removeNetwork(ctx, s)
	case plan.NoOp:
		return nil
	}
	return errors.NotSupportedf("step kind %q", step.Kind())
}

func (e *executor) downloadImage(ctx context.Context, s plan.DownloadImage) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Pull)
	defer cancel()

	present, err := e.engine.ImagePresent(ctx, s.ImageRef)
	if err != nil {
		return errors.Trace(err)
	}
	if present {
		return nil
	}
	return errors.Trace(e.engine.PullImage(ctx, s.ImageRef))
}

func (e *executor) createNetwork(ctx context.Context, s plan.CreateNetwork) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Network)
	defer cancel()

	return errors.Trace(e.engine.CreateNetwork(ctx, container.NetworkConfig{
		Name:   s.NetworkName,
		Driver: "bridge",
		Labels: container.NetworkLabels(s.AppID),
	}))
}

func (e *executor) stopContainer(ctx context.Context, s plan.StopContainer, current *apps.CurrentState) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.StopGrace+stopHeadroom)
	defer cancel()

	if err := e.engine.StopContainer(ctx, s.ContainerID, e.timeouts.StopGrace); err != nil {
		return errors.Trace(err)
	}

	app, ok := current.App(s.AppID)
	if !ok {
		return nil
	}
	svc, ok := app.Service(s.ServiceID)
	if !ok {
		return nil
	}
	svc.Status = status.Stopped
	svc.StatusReason = ""
	current.SetService(s.AppID, app.AppName, svc)
	return errors.Trace(e.persist(ctx, *current))
}

func (e *executor) removeContainer(ctx context.Context, s plan.RemoveContainer, current *apps.CurrentState) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Network)
	defer cancel()

	if err := e.engine.RemoveContainer(ctx, s.ContainerID, false); err != nil {
		return errors.Trace(err)
	}

	payload := events.ContainerPayload{
		AppID:       s.AppID,
		ServiceID:   s.ServiceID,
		ContainerID: s.ContainerID,
	}
	if app, ok := current.App(s.AppID); ok {
		payload.AppName = app.AppName
		if svc, ok := app.Service(s.ServiceID); ok {
			payload.ServiceName = svc.ServiceName
		}
	}

	current.RemoveService(s.AppID, s.ServiceID)
	if err := e.persist(ctx, *current); err != nil {
		return errors.Trace(err)
	}
	_ = e.hub.Publish(events.ContainerGone, payload)
	return nil
}

func (e *executor) startContainer(ctx context.Context, s plan.StartContainer, current *apps.CurrentState) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Start)
	defer cancel()

	svc := s.Service
	specHash := svc.SpecHash()

	// A container with the right spec already exists when the planner
	// chose an in-place restart; anything else is created fresh.
	containerID := ""
	if app, ok := current.App(s.AppID); ok {
		if cur, ok := app.Service(svc.ServiceID); ok && cur.ContainerID != "" && cur.SpecHash == specHash {
			containerID = cur.ContainerID
		}
	}

	runSpec := container.RunSpecForService(s.AppID, s.AppName, svc)
	if containerID == "" {
		id, err := e.engine.CreateContainer(ctx, runSpec)
		if err != nil {
			return errors.Trace(err)
		}
		containerID = id
	}
	if err := e.engine.StartContainer(ctx, containerID); err != nil {
		return errors.Trace(err)
	}

	current.SetService(s.AppID, s.AppName, apps.ServiceState{
		ServiceID:   svc.ServiceID,
		ServiceName: svc.ServiceName,
		ImageRef:    svc.ImageRef,
		ContainerID: containerID,
		SpecHash:    specHash,
		Status:      status.Running,
		Ports:       svc.Ports,
		Networks:    runSpec.Networks,
	})
	if err := e.persist(ctx, *current); err != nil {
		return errors.Trace(err)
	}
	_ = e.hub.Publish(events.ContainerStarted, events.ContainerPayload{
		AppID:       s.AppID,
		ServiceID:   svc.ServiceID,
		AppName:     s.AppName,
		ServiceName: svc.ServiceName,
		ContainerID: containerID,
	})
	return nil
}

func (e *executor) removeNetwork(ctx context.Context, s plan.RemoveNetwork) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Network)
	defer cancel()

	return errors.Trace(e.engine.RemoveNetwork(ctx, s.NetworkName))
}

func (e *executor) persist(ctx context.Context, current apps.CurrentState) error {
	if err := e.store.SetCurrentState(ctx, current); err != nil {
		return errors.Annotate(err, "persisting current state")
	}
	_ = e.hub.Publish(events.CurrentChanged, nil)
	return nil
}
