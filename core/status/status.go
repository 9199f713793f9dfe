// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package status defines the per-service state machine surfaced to the
// admin API and the cloud, and the derived reconciliation verdicts.
package status

// Status is the lifecycle state of a single service as driven by
// reconciliation step outcomes.
type Status string

const (
	// Deploying means a plan step for the service is in flight: its
	// image is downloading or its container is being created.
	Deploying Status = "deploying"

	// Running means the service's container was started and has not
	// been observed to stop.
	Running Status = "running"

	// Stopped means the container exists but is not running.
	Stopped Status = "stopped"

	// Restarting means the runtime's restart policy is cycling the
	// container.
	Restarting Status = "restarting"

	// Error means a step for this service failed. The status is
	// latched until the target changes or an operator intervenes.
	Error Status = "error"

	// Removed means the service was present and has been torn down.
	Removed Status = "removed"
)

// KnownStatus reports whether s is one of the defined service states.
func KnownStatus(s Status) bool {
	switch s {
	case Deploying, Running, Stopped, Restarting, Error, Removed:
		return true
	}
	return false
}

// Verdict is a derived, point-in-time comparison of one service's
// target spec against what is observed. It is computed on demand and
// never stored.
type Verdict string

const (
	InSync      Verdict = "in-sync"
	NeedsUpdate Verdict = "needs-update"
	Missing     Verdict = "missing"
	Extra       Verdict = "extra"
	Broken      Verdict = "error"
)

// Reconciliation pairs a verdict with an optional human-readable
// reason, e.g. why a service needs an update.
type Reconciliation struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
}
