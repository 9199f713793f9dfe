// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apps holds the declarative application model shared by the
// cloud sync loop, the reconciler and the admin API. A TargetState is
// what the cloud wants running on the device; a CurrentState is what
// the device has observed to be actually running. Both are plain data
// and safe to copy.
package apps

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/iotistic/agent/core/status"
)

// ServiceSpec describes a single container to run as part of an app.
type ServiceSpec struct {
	ServiceID   int    `json:"serviceId"`
	ServiceName string `json:"serviceName"`
	ImageRef    string `json:"image"`

	// Ports are "host:container[/proto]" mappings in the runtime's
	// short syntax, e.g. "8080:80" or "127.0.0.1:53:53/udp".
	Ports []string `json:"ports,omitempty"`

	Environment map[string]string `json:"environment,omitempty"`

	// Volumes are "source:target[:flags]" bindings where source is
	// either a host path or a named volume.
	Volumes []string `json:"volumes,omitempty"`

	// Networks lists short network names scoped to the app. The
	// runtime network is named "{appID}_{short}"; see NetworkName.
	Networks []string `json:"networks,omitempty"`

	NetworkMode   string            `json:"networkMode,omitempty"`
	RestartPolicy string            `json:"restart,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// AppSpec is an ordered set of services deployed and removed as a unit.
type AppSpec struct {
	AppID    int           `json:"appId"`
	AppName  string        `json:"appName"`
	AppUUID  string        `json:"appUuid,omitempty"`
	Services []ServiceSpec `json:"services"`
}

// Service returns the service with the given id, if present.
func (a AppSpec) Service(serviceID int) (ServiceSpec, bool) {
	for _, s := range a.Services {
		if s.ServiceID == serviceID {
			return s, true
		}
	}
	return ServiceSpec{}, false
}

// SortedServices returns the app's services ordered by service id.
// Planning iterates this so that plans are deterministic.
func (a AppSpec) SortedServices() []ServiceSpec {
	out := make([]ServiceSpec, len(a.Services))
	copy(out, a.Services)
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// Networks returns the sorted set of runtime network names referenced
// by any of the app's services.
func (a AppSpec) Networks() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range a.Services {
		for _, short := range s.Networks {
			name := NetworkName(a.AppID, short)
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// TargetState is the cloud-declared desired state for this device.
// There is exactly one per device; Version increases monotonically
// every time the device accepts a new target.
type TargetState struct {
	Version int64           `json:"version"`
	Apps    map[int]AppSpec `json:"apps"`
}

// App returns the target app with the given id, if present.
func (t TargetState) App(appID int) (AppSpec, bool) {
	a, ok := t.Apps[appID]
	return a, ok
}

// SortedAppIDs returns the target's app ids in ascending order.
func (t TargetState) SortedAppIDs() []int {
	return sortedAppKeys(len(t.Apps), func(f func(int)) {
		for id := range t.Apps {
			f(id)
		}
	})
}

// Equal reports whether two targets describe the same apps. Version is
// deliberately excluded: a re-delivered identical state must not be
// treated as a change.
func (t TargetState) Equal(other TargetState) bool {
	a, err := json.Marshal(t.Apps)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other.Apps)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

// ServiceState is the observed state of one service's container.
type ServiceState struct {
	ServiceID    int           `json:"serviceId"`
	ServiceName  string        `json:"serviceName"`
	ImageRef     string        `json:"image"`
	ContainerID  string        `json:"containerId,omitempty"`
	SpecHash     string        `json:"specHash,omitempty"`
	Status       status.Status `json:"status"`
	StatusReason string        `json:"statusReason,omitempty"`
	Ports        []string      `json:"ports,omitempty"`
	Networks     []string      `json:"networks,omitempty"`
}

// AppState is the observed state of one app.
type AppState struct {
	AppID    int            `json:"appId"`
	AppName  string         `json:"appName"`
	Services []ServiceState `json:"services"`
}

// Service returns the observed service with the given id, if present.
func (a AppState) Service(serviceID int) (ServiceState, bool) {
	for _, s := range a.Services {
		if s.ServiceID == serviceID {
			return s, true
		}
	}
	return ServiceState{}, false
}

// SortedServices returns the app's observed services ordered by
// service id.
func (a AppState) SortedServices() []ServiceState {
	out := make([]ServiceState, len(a.Services))
	copy(out, a.Services)
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// CurrentState is what the device has most recently observed to be
// running. It is refreshed from the runtime before every plan and
// updated after every successful step.
type CurrentState struct {
	Apps map[int]AppState `json:"apps"`
}

// App returns the observed app with the given id, if present.
func (c CurrentState) App(appID int) (AppState, bool) {
	a, ok := c.Apps[appID]
	return a, ok
}

// Equal reports whether two observed states describe the same apps.
func (c CurrentState) Equal(other CurrentState) bool {
	a, err := json.Marshal(c.Apps)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other.Apps)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

// SortedAppIDs returns the observed app ids in ascending order.
func (c CurrentState) SortedAppIDs() []int {
	return sortedAppKeys(len(c.Apps), func(f func(int)) {
		for id := range c.Apps {
			f(id)
		}
	})
}

// SetService upserts the observed state of a single service, creating
// the app entry on demand.
func (c *CurrentState) SetService(appID int, appName string, svc ServiceState) {
	if c.Apps == nil {
		c.Apps = make(map[int]AppState)
	}
	app, ok := c.Apps[appID]
	if !ok {
		app = AppState{AppID: appID, AppName: appName}
	}
	if appName != "" {
		app.AppName = appName
	}
	for i, s := range app.Services {
		if s.ServiceID == svc.ServiceID {
			app.Services[i] = svc
			c.Apps[appID] = app
			return
		}
	}
	app.Services = append(app.Services, svc)
	sort.Slice(app.Services, func(i, j int) bool {
		return app.Services[i].ServiceID < app.Services[j].ServiceID
	})
	c.Apps[appID] = app
}

// RemoveService deletes the observed state of a single service,
// dropping the app entry when it becomes empty.
func (c *CurrentState) RemoveService(appID, serviceID int) {
	app, ok := c.Apps[appID]
	if !ok {
		return
	}
	kept := app.Services[:0]
	for _, s := range app.Services {
		if s.ServiceID != serviceID {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(c.Apps, appID)
		return
	}
	app.Services = kept
	c.Apps[appID] = app
}

// NetworkName returns the runtime network name for a short network
// name scoped to an app, e.g. NetworkName(1, "backend") == "1_backend".
// Networks are never shared across apps.
func NetworkName(appID int, short string) string {
	return fmt.Sprintf("%d_%s", appID, short)
}

func sortedAppKeys(n int, each func(func(int))) []int {
	out := make([]int, 0, n)
	each(func(id int) { out = append(out, id) })
	sort.Ints(out)
	return out
}
