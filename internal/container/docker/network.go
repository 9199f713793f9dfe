// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package docker

import (
	"context"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/juju/errors"

	"github.com/iotistic/agent/internal/container"
)

const defaultNetworkDriver = "bridge"

// CreateNetwork creates a network, or succeeds without touching the
// daemon when a network of that name already exists with the same
// driver and labels. An existing network with a different
// configuration is reported as a recreation attempt; the caller must
// remove it first.
func (e *Engine) CreateNetwork(ctx context.Context, cfg container.NetworkConfig) error {
	if cfg.Name == "" {
		return errors.NotValidf("empty network name")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = defaultNetworkDriver
	}

	existing, err := e.networkByName(ctx, cfg.Name)
	if err != nil && !errors.IsNotFound(err) {
		return errors.Trace(err)
	}
	if err == nil {
		if existing.Driver == driver && labelsEqual(existing.Labels, cfg.Labels) {
			return nil
		}
		return container.NewRecreationAttempt("network", cfg.Name)
	}

	_, err = e.client.NetworkCreate(ctx, cfg.Name, types.NetworkCreate{
		Driver:         driver,
		Labels:         cfg.Labels,
		CheckDuplicate: true,
	})
	if err != nil {
		return normalize(err, "creating network")
	}
	e.logger.Infof("created network %q", cfg.Name)
	return nil
}

// RemoveNetwork deletes a network by name. Removing a missing network
// is a no-op.
func (e *Engine) RemoveNetwork(ctx context.Context, name string) error {
	existing, err := e.networkByName(ctx, name)
	if errors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Trace(err)
	}
	if err := e.client.NetworkRemove(ctx, existing.ID); err != nil && !isNotFound(err) {
		return normalize(err, "removing network")
	}
	return nil
}

// ConnectNetwork attaches a container to a network. An endpoint that
// is already attached is a no-op.
func (e *Engine) ConnectNetwork(ctx context.Context, containerID, networkName string) error {
	err := e.client.NetworkConnect(ctx, networkName, containerID, nil)
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "already exists in network") {
		return nil
	}
	return normalize(err, "connecting container to network")
}

// ListNetworks returns the networks whose labels include every entry
// of the selector, ordered by name.
func (e *Engine) ListNetworks(ctx context.Context, selector map[string]string) ([]container.NetworkInfo, error) {
	list, err := e.client.NetworkList(ctx, types.NetworkListOptions{
		Filters: labelFilters(selector),
	})
	if err != nil {
		return nil, normalize(err, "listing networks")
	}

	infos := make([]container.NetworkInfo, 0, len(list))
	for _, n := range list {
		infos = append(infos, container.NetworkInfo{
			ID:     n.ID,
			Name:   n.Name,
			Driver: n.Driver,
			Labels: n.Labels,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// networkByName finds a network by exact name. The daemon's name
// filter matches substrings, so the result list is re-checked.
func (e *Engine) networkByName(ctx context.Context, name string) (types.NetworkResource, error) {
	args := filters.NewArgs(filters.Arg("name", name))
	list, err := e.client.NetworkList(ctx, types.NetworkListOptions{Filters: args})
	if err != nil {
		return types.NetworkResource{}, normalize(err, "listing networks")
	}
	for _, n := range list {
		if n.Name == name {
			return n, nil
		}
	}
	return types.NetworkResource{}, errors.NotFoundf("network %q", name)
}

func labelsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
