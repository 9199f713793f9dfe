// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package events holds the topic names and payload types carried on
// the agent's central hub. Workers communicate state transitions to
// each other exclusively through these messages, never by calling each
// other directly.
package events

// TargetChanged is published after a new target state has been
// validated and persisted, by the target poller or by the admin API.
const TargetChanged = "state.target-changed"

// TargetChangedPayload carries the version of the freshly persisted
// target state.
type TargetChangedPayload struct {
	Version int64
}

// CurrentChanged is published by the reconciler whenever the stored
// current state has been modified.
const CurrentChanged = "state.current-changed"

// ReconcileRequested asks the reconciler to run a pass as soon as the
// current one, if any, has finished. Publishers do not wait for the
// pass to complete.
const ReconcileRequested = "reconciler.run-requested"

// ReconcileRequestedPayload names the component that asked for the
// pass, for the reconciler's own logging.
type ReconcileRequestedPayload struct {
	Requester string
}

// ContainerStarted is published by the reconciler once a container is
// running, so the log pipeline can attach to its output.
const ContainerStarted = "container.started"

// ContainerGone is published when a managed container has been removed
// or observed missing, so any attached log tailer can be stopped.
const ContainerGone = "container.gone"

// ContainerPayload identifies a managed container for the started and
// gone topics.
type ContainerPayload struct {
	AppID       int
	ServiceID   int
	AppName     string
	ServiceName string
	ContainerID string
}

// CloudConnectionChanged is published by the messaging worker when the
// broker connection is established or lost.
const CloudConnectionChanged = "cloud.connection-changed"

// CloudConnectionPayload reports the new connection state.
type CloudConnectionPayload struct {
	Connected bool
}
