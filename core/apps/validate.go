// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apps

import (
	"regexp"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/juju/errors"
)

var shortNetworkRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate rejects a target that violates the state model. A target
// failing validation must never reach the planner: the plan aborts
// before any runtime call is made.
func (t TargetState) Validate() error {
	for appID, app := range t.Apps {
		if appID != app.AppID {
			return errors.NotValidf("app %d keyed as %d", app.AppID, appID)
		}
		if err := app.Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Validate checks the app's own fields and every service, including
// the app-scoped uniqueness rules.
func (a AppSpec) Validate() error {
	if a.AppID <= 0 {
		return errors.NotValidf("app id %d", a.AppID)
	}
	if a.AppName == "" {
		return errors.NotValidf("app %d with empty name", a.AppID)
	}
	seenIDs := make(map[int]bool)
	seenNames := make(map[string]bool)
	for _, s := range a.Services {
		if err := s.Validate(); err != nil {
			return errors.Annotatef(err, "app %q", a.AppName)
		}
		if seenIDs[s.ServiceID] {
			return errors.NotValidf("app %q with duplicate service id %d", a.AppName, s.ServiceID)
		}
		if seenNames[s.ServiceName] {
			return errors.NotValidf("app %q with duplicate service name %q", a.AppName, s.ServiceName)
		}
		seenIDs[s.ServiceID] = true
		seenNames[s.ServiceName] = true
	}
	return nil
}

// Validate checks a single service spec.
func (s ServiceSpec) Validate() error {
	if s.ServiceID <= 0 {
		return errors.NotValidf("service id %d", s.ServiceID)
	}
	if s.ServiceName == "" {
		return errors.NotValidf("service %d with empty name", s.ServiceID)
	}
	if s.ImageRef == "" {
		return errors.NotValidf("service %q with empty image reference", s.ServiceName)
	}
	if len(s.Ports) > 0 {
		if _, _, err := nat.ParsePortSpecs(s.Ports); err != nil {
			return errors.NotValidf("service %q ports %v: %v", s.ServiceName, s.Ports, err)
		}
	}
	for _, v := range s.Volumes {
		parts := strings.Split(v, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return errors.NotValidf("service %q volume %q", s.ServiceName, v)
		}
	}
	for _, n := range s.Networks {
		if !shortNetworkRE.MatchString(n) {
			return errors.NotValidf("service %q network %q", s.ServiceName, n)
		}
	}
	if s.NetworkMode != "" && len(s.Networks) > 0 {
		return errors.NotValidf("service %q with both networkMode and networks", s.ServiceName)
	}
	for k := range s.Environment {
		if k == "" || strings.Contains(k, "=") {
			return errors.NotValidf("service %q environment key %q", s.ServiceName, k)
		}
	}
	switch s.RestartPolicy {
	case "", "no", "always", "unless-stopped", "on-failure":
	default:
		return errors.NotValidf("service %q restart policy %q", s.ServiceName, s.RestartPolicy)
	}
	return nil
}
