// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/juju/errors"

	"github.com/iotistic/agent/core/apps"
	"github.com/iotistic/agent/core/status"
	"github.com/iotistic/agent/internal/container"
)

// Observed is the runtime's view the planner works from: the managed
// containers folded into a CurrentState plus the managed networks,
// which CurrentState does not carry.
type Observed struct {
	Current  apps.CurrentState
	Networks []ObservedNetwork
}

// ObservedNetwork is one managed network and the app that owns it.
type ObservedNetwork struct {
	AppID int
	Name  string
}

// Observe refreshes the observed state from the runtime. Only
// containers and networks carrying the managed label are considered;
// anything with unparseable coordinate labels is logged and skipped
// rather than guessed at.
func Observe(ctx context.Context, engine container.Engine, logger Logger) (Observed, error) {
	infos, err := engine.ListContainers(ctx, container.ManagedSelector())
	if err != nil {
		return Observed{}, errors.Annotate(err, "listing containers")
	}
	nets, err := engine.ListNetworks(ctx, container.ManagedSelector())
	if err != nil {
		return Observed{}, errors.Annotate(err, "listing networks")
	}

	var observed Observed
	for _, info := range infos {
		appID, serviceID, err := serviceCoordinates(info.Labels)
		if err != nil {
			logger.Warningf("ignoring container %q: %v", info.ID, err)
			continue
		}
		svc := apps.ServiceState{
			ServiceID:   serviceID,
			ServiceName: info.Labels[container.LabelServiceName],
			ImageRef:    info.ImageRef,
			ContainerID: info.ID,
			SpecHash:    info.Labels[container.LabelSpecHash],
			Status:      statusFor(info.State),
			Ports:       info.Ports,
			Networks:    info.Networks,
		}
		if info.State == container.StateExited && info.ExitCode != 0 {
			svc.StatusReason = fmt.Sprintf("exit code %d", info.ExitCode)
		}
		observed.Current.SetService(appID, info.Labels[container.LabelAppName], svc)
	}

	for _, net := range nets {
		appID, err := strconv.Atoi(net.Labels[container.LabelAppID])
		if err != nil {
			logger.Warningf("ignoring network %q: bad app id label %q", net.Name, net.Labels[container.LabelAppID])
			continue
		}
		observed.Networks = append(observed.Networks, ObservedNetwork{
			AppID: appID,
			Name:  net.Name,
		})
	}
	sort.Slice(observed.Networks, func(i, j int) bool {
		a, b := observed.Networks[i], observed.Networks[j]
		if a.AppID != b.AppID {
			return a.AppID < b.AppID
		}
		return a.Name < b.Name
	})
	return observed, nil
}

func serviceCoordinates(labels map[string]string) (appID, serviceID int, err error) {
	appID, err = strconv.Atoi(labels[container.LabelAppID])
	if err != nil {
		return 0, 0, errors.NotValidf("app id label %q", labels[container.LabelAppID])
	}
	serviceID, err = strconv.Atoi(labels[container.LabelServiceID])
	if err != nil {
		return 0, 0, errors.NotValidf("service id label %q", labels[container.LabelServiceID])
	}
	return appID, serviceID, nil
}

// statusFor maps the runtime's container state onto the service state
// machine. Anything not alive surfaces as stopped; error states are
// latched by the reconciler itself, never inferred from the runtime.
func statusFor(state container.State) status.Status {
	switch state {
	case container.StateRunning:
		return status.Running
	case container.StateRestarting:
		return status.Restarting
	default:
		return status.Stopped
	}
}
