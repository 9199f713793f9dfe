// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"sort"

	"github.com/iotistic/agent/core/apps"
	"github.com/iotistic/agent/core/plan"
	"github.com/iotistic/agent/core/status"
)

// ServiceKey identifies one service across target and current state.
type ServiceKey struct {
	AppID     int
	ServiceID int
}

// Holds maps a service to the target spec hash it failed under. A held
// service is skipped during planning: nothing is pulled, started,
// stopped or removed for it until the target's hash moves on.
type Holds map[ServiceKey]string

// ComputePlan diffs the target against the observed state and returns
// the ordered step list. It is a pure function: equal inputs yield
// byte-identical plans.
//
// Steps come out in three strict phases. Phase A pulls every image a
// to-be-created container needs (deduplicated by ref) and creates
// missing networks. Phase B stops and removes containers that are
// obsolete or being replaced, then starts everything missing. Phase C
// removes networks nothing references any more. Within a phase the
// order is (app id, service id) or (app id, network name).
func ComputePlan(target apps.TargetState, observed Observed, holds Holds) plan.Plan {
	type pendingStart struct {
		appID      int
		appName    string
		svc        apps.ServiceSpec
		needsImage bool
	}
	type pendingRemoval struct {
		appID       int
		serviceID   int
		containerID string
	}

	current := observed.Current

	var starts []pendingStart
	var removals []pendingRemoval

	for _, appID := range target.SortedAppIDs() {
		app := target.Apps[appID]
		curApp, _ := current.App(appID)
		for _, svc := range app.SortedServices() {
			key := ServiceKey{AppID: appID, ServiceID: svc.ServiceID}
			targetHash := svc.SpecHash()
			if holds[key] == targetHash {
				continue
			}
			cur, ok := curApp.Service(svc.ServiceID)
			switch {
			case !ok || cur.ContainerID == "":
				starts = append(starts, pendingStart{appID, app.AppName, svc, true})
			case cur.SpecHash != targetHash:
				removals = append(removals, pendingRemoval{appID, svc.ServiceID, cur.ContainerID})
				starts = append(starts, pendingStart{appID, app.AppName, svc, true})
			case !alive(cur.Status):
				// Same spec, container exists but is not running:
				// restart it in place, no pull needed.
				starts = append(starts, pendingStart{appID, app.AppName, svc, false})
			}
		}
	}

	// Managed containers not referenced by the target are garbage.
	// Observation only ever sees labelled containers, so nothing
	// unmanaged can end up here.
	for _, appID := range current.SortedAppIDs() {
		curApp := current.Apps[appID]
		targetApp, appInTarget := target.App(appID)
		for _, cur := range curApp.SortedServices() {
			if cur.ContainerID == "" {
				continue
			}
			if appInTarget {
				if _, ok := targetApp.Service(cur.ServiceID); ok {
					continue
				}
			}
			removals = append(removals, pendingRemoval{appID, cur.ServiceID, cur.ContainerID})
		}
	}

	sort.Slice(removals, func(i, j int) bool {
		if removals[i].appID != removals[j].appID {
			return removals[i].appID < removals[j].appID
		}
		return removals[i].serviceID < removals[j].serviceID
	})
	sort.Slice(starts, func(i, j int) bool {
		if starts[i].appID != starts[j].appID {
			return starts[i].appID < starts[j].appID
		}
		return starts[i].svc.ServiceID < starts[j].svc.ServiceID
	})

	// One DownloadImage per distinct ref, attributed to the first
	// start needing it. In-place restarts do not pull.
	seenImages := make(map[string]bool)
	var downloads []plan.DownloadImage
	for _, p := range starts {
		if !p.needsImage || seenImages[p.svc.ImageRef] {
			continue
		}
		seenImages[p.svc.ImageRef] = true
		downloads = append(downloads, plan.DownloadImage{AppID: p.appID, ImageRef: p.svc.ImageRef})
	}

	targetNets := make(map[string]int)
	for _, appID := range target.SortedAppIDs() {
		for _, name := range target.Apps[appID].Networks() {
			targetNets[name] = appID
		}
	}
	observedNets := make(map[string]int, len(observed.Networks))
	for _, n := range observed.Networks {
		observedNets[n.Name] = n.AppID
	}

	var createNets []plan.CreateNetwork
	for name, appID := range targetNets {
		if _, ok := observedNets[name]; !ok {
			createNets = append(createNets, plan.CreateNetwork{AppID: appID, NetworkName: name})
		}
	}
	var removeNets []plan.RemoveNetwork
	for name, appID := range observedNets {
		if _, ok := targetNets[name]; !ok {
			removeNets = append(removeNets, plan.RemoveNetwork{AppID: appID, NetworkName: name})
		}
	}
	sort.Slice(createNets, func(i, j int) bool {
		if createNets[i].AppID != createNets[j].AppID {
			return createNets[i].AppID < createNets[j].AppID
		}
		return createNets[i].NetworkName < createNets[j].NetworkName
	})
	sort.Slice(removeNets, func(i, j int) bool {
		if removeNets[i].AppID != removeNets[j].AppID {
			return removeNets[i].AppID < removeNets[j].AppID
		}
		return removeNets[i].NetworkName < removeNets[j].NetworkName
	})

	var steps []plan.Step

	// Phase A: prepare.
	for _, d := range downloads {
		steps = append(steps, d)
	}
	for _, n := range createNets {
		steps = append(steps, n)
	}

	// Phase B: containers. Obsolete ones go first so replacement
	// containers can reuse their names.
	for _, r := range removals {
		steps = append(steps,
			plan.StopContainer{AppID: r.appID, ServiceID: r.serviceID, ContainerID: r.containerID},
			plan.RemoveContainer{AppID: r.appID, ServiceID: r.serviceID, ContainerID: r.containerID},
		)
	}
	for _, p := range starts {
		steps = append(steps, plan.StartContainer{AppID: p.appID, AppName: p.appName, Service: p.svc})
	}

	// Phase C: teardown.
	for _, n := range removeNets {
		steps = append(steps, n)
	}

	return plan.Plan{Steps: steps}
}

// alive reports whether the runtime is keeping the container going.
// Restarting counts: the runtime's restart policy owns it and the
// reconciler must not fight it.
func alive(s status.Status) bool {
	return s == status.Running || s == status.Restarting
}
