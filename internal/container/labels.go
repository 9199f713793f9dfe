// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package container

import (
	"fmt"
	"strconv"
)

// Labels stamped on every resource the agent creates. Anything without
// LabelManaged=true is invisible to the reconciler and is never
// garbage collected.
const (
	LabelAppID       = "iotistic.app-id"
	LabelAppName     = "iotistic.app-name"
	LabelServiceID   = "iotistic.service-id"
	LabelServiceName = "iotistic.service-name"
	LabelSpecHash    = "iotistic.spec-hash"
	LabelManaged     = "iotistic.managed"
)

// ManagedLabels returns the label set stamped on every container the
// agent owns.
func ManagedLabels(appID int, appName string, serviceID int, serviceName, specHash string) map[string]string {
	return map[string]string{
		LabelAppID:       strconv.Itoa(appID),
		LabelAppName:     appName,
		LabelServiceID:   strconv.Itoa(serviceID),
		LabelServiceName: serviceName,
		LabelSpecHash:    specHash,
		LabelManaged:     "true",
	}
}

// NetworkLabels returns the label set stamped on every network the
// agent owns.
func NetworkLabels(appID int) map[string]string {
	return map[string]string{
		LabelAppID:   strconv.Itoa(appID),
		LabelManaged: "true",
	}
}

// ManagedSelector matches only resources the agent owns.
func ManagedSelector() map[string]string {
	return map[string]string{LabelManaged: "true"}
}

// ContainerName returns the runtime name for a service container,
// "{app_name}_{service_name}_{service_id}".
func ContainerName(appName, serviceName string, serviceID int) string {
	return fmt.Sprintf("%s_%s_%d", appName, serviceName, serviceID)
}
