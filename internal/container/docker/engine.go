// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package docker implements the container.Engine interface against the
// local docker daemon.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	apicontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	apiimage "github.com/docker/docker/api/types/image"
	apinetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/juju/clock"
	"github.com/juju/errors"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/singleflight"

	"github.com/iotistic/agent/internal/container"
)

// Logger represents the logging methods called by this package.
type Logger interface {
	Errorf(message string, args ...interface{})
	Warningf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Debugf(message string, args ...interface{})
	Tracef(message string, args ...interface{})
}

// Client is the subset of the docker SDK the engine uses.
type Client interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options apiimage.PullOptions) (io.ReadCloser, error)

	ContainerCreate(ctx context.Context, config *apicontainer.Config, hostConfig *apicontainer.HostConfig, networkingConfig *apinetwork.NetworkingConfig, platform *ocispec.Platform, containerName string) (apicontainer.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options apicontainer.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options apicontainer.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options apicontainer.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options apicontainer.ListOptions) ([]types.Container, error)
	ContainerLogs(ctx context.Context, containerID string, options apicontainer.LogsOptions) (io.ReadCloser, error)
	ContainerExecCreate(ctx context.Context, containerID string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)

	NetworkCreate(ctx context.Context, name string, options types.NetworkCreate) (types.NetworkCreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	NetworkConnect(ctx context.Context, networkID, containerID string, config *apinetwork.EndpointSettings) error
	NetworkList(ctx context.Context, options types.NetworkListOptions) ([]types.NetworkResource, error)

	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Config holds the dependencies of a docker engine.
type Config struct {
	// Client is the daemon connection. Nil means dial from the
	// environment (DOCKER_HOST et al) with API version negotiation.
	Client Client

	Clock  clock.Clock
	Logger Logger
}

// Validate returns an error if the config cannot be used.
func (cfg Config) Validate() error {
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if cfg.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Engine drives the local docker daemon.
type Engine struct {
	client Client
	clock  clock.Clock
	logger Logger

	pulls singleflight.Group
}

var _ container.Engine = (*Engine)(nil)

// NewEngine returns an Engine backed by the local docker daemon.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	cli := cfg.Client
	if cli == nil {
		var err error
		cli, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, errors.Annotate(err, "connecting to docker daemon")
		}
	}
	return &Engine{
		client: cli,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// Close releases the daemon connection.
func (e *Engine) Close() error {
	return errors.Trace(e.client.Close())
}

// Ping verifies the daemon is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	if _, err := e.client.Ping(ctx); err != nil {
		return container.NewTransient(errors.Annotate(err, "pinging docker daemon"))
	}
	return nil
}

// ImagePresent reports whether the image is available locally.
func (e *Engine) ImagePresent(ctx context.Context, imageRef string) (bool, error) {
	_, _, err := e.client.ImageInspectWithRaw(ctx, imageRef)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, normalize(err, "inspecting image")
}

// PullImage fetches the image, coalescing concurrent pulls of the same
// ref into one registry operation.
func (e *Engine) PullImage(ctx context.Context, imageRef string) error {
	_, err, _ := e.pulls.Do(imageRef, func() (interface{}, error) {
		return nil, e.pull(ctx, imageRef)
	})
	return errors.Trace(err)
}

func (e *Engine) pull(ctx context.Context, imageRef string) error {
	e.logger.Infof("pulling image %q", imageRef)
	started := e.clock.Now()

	rc, err := e.client.ImagePull(ctx, imageRef, apiimage.PullOptions{})
	if err != nil {
		return normalize(err, "pulling image")
	}
	defer func() { _ = rc.Close() }()

	// The pull only completes once the progress stream has been
	// drained; failures during layer download arrive in-stream.
	dec := json.NewDecoder(rc)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return normalize(err, "reading image pull progress")
		}
		if msg.Error != nil {
			return normalize(msg.Error, "pulling image")
		}
	}

	e.logger.Infof("pulled image %q in %v", imageRef, e.clock.Now().Sub(started).Round(time.Millisecond))
	return nil
}

// CreateContainer creates a container from the spec and returns its
// id. The container is attached to the first of its networks at create
// time and connected to the rest before start.
func (e *Engine) CreateContainer(ctx context.Context, spec container.RunSpec) (string, error) {
	config, hostConfig, netConfig, err := buildCreateConfig(spec)
	if err != nil {
		return "", errors.Trace(err)
	}

	resp, err := e.client.ContainerCreate(ctx, config, hostConfig, netConfig, nil, spec.Name)
	if err != nil {
		return "", normalize(err, "creating container")
	}
	for _, warning := range resp.Warnings {
		e.logger.Warningf("creating container %q: %s", spec.Name, warning)
	}

	// Docker attaches only one network at create time.
	for _, name := range remainingNetworks(spec.Networks) {
		if err := e.ConnectNetwork(ctx, resp.ID, name); err != nil {
			return resp.ID, errors.Annotatef(err, "connecting container %q to network %q", spec.Name, name)
		}
	}
	return resp.ID, nil
}

func buildCreateConfig(spec container.RunSpec) (*apicontainer.Config, *apicontainer.HostConfig, *apinetwork.NetworkingConfig, error) {
	exposed, bindings, err := nat.ParsePortSpecs(spec.Ports)
	if err != nil {
		return nil, nil, nil, container.NewSemantic(errors.Annotatef(err, "parsing port specs for %q", spec.Name))
	}

	env := make([]string, 0, len(spec.Environment))
	for k, v := range spec.Environment {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	config := &apicontainer.Config{
		Image:        spec.ImageRef,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}

	hostConfig := &apicontainer.HostConfig{
		Binds:         spec.Volumes,
		PortBindings:  bindings,
		RestartPolicy: restartPolicy(spec.RestartPolicy),
	}
	if spec.NetworkMode != "" {
		hostConfig.NetworkMode = apicontainer.NetworkMode(spec.NetworkMode)
	}

	var netConfig *apinetwork.NetworkingConfig
	if spec.NetworkMode == "" && len(spec.Networks) > 0 {
		netConfig = &apinetwork.NetworkingConfig{
			EndpointsConfig: map[string]*apinetwork.EndpointSettings{
				spec.Networks[0]: {},
			},
		}
	}
	return config, hostConfig, netConfig, nil
}

func remainingNetworks(networks []string) []string {
	if len(networks) < 2 {
		return nil
	}
	return networks[1:]
}

func restartPolicy(policy string) apicontainer.RestartPolicy {
	switch policy {
	case "always":
		return apicontainer.RestartPolicy{Name: apicontainer.RestartPolicyAlways}
	case "unless-stopped":
		return apicontainer.RestartPolicy{Name: apicontainer.RestartPolicyUnlessStopped}
	case "on-failure":
		return apicontainer.RestartPolicy{Name: apicontainer.RestartPolicyOnFailure}
	case "no":
		return apicontainer.RestartPolicy{Name: apicontainer.RestartPolicyDisabled}
	}
	return apicontainer.RestartPolicy{}
}

// StartContainer starts a created or stopped container.
func (e *Engine) StartContainer(ctx context.Context, id string) error {
	if err := e.client.ContainerStart(ctx, id, apicontainer.StartOptions{}); err != nil {
		return normalize(err, "starting container")
	}
	return nil
}

// StopContainer stops a running container. The daemon kills the
// container once the grace period elapses. Stopping a stopped
// container is a no-op; so is stopping a removed one.
func (e *Engine) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	seconds := int(grace / time.Second)
	err := e.client.ContainerStop(ctx, id, apicontainer.StopOptions{Timeout: &seconds})
	if err == nil || isNotFound(err) {
		return nil
	}
	return normalize(err, "stopping container")
}

// RemoveContainer deletes a container. Removing an already-removed
// container is a no-op.
func (e *Engine) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := e.client.ContainerRemove(ctx, id, apicontainer.RemoveOptions{Force: force})
	if err == nil || isNotFound(err) {
		return nil
	}
	return normalize(err, "removing container")
}

// InspectContainer returns the current view of one container.
func (e *Engine) InspectContainer(ctx context.Context, id string) (container.Info, error) {
	resp, err := e.client.ContainerInspect(ctx, id)
	if err != nil {
		return container.Info{}, normalize(err, "inspecting container")
	}
	return infoFromInspect(resp), nil
}

func infoFromInspect(resp types.ContainerJSON) container.Info {
	info := container.Info{
		ID:   resp.ID,
		Name: strings.TrimPrefix(resp.Name, "/"),
	}
	if resp.Config != nil {
		info.ImageRef = resp.Config.Image
		info.Labels = resp.Config.Labels
	}
	if resp.State != nil {
		info.State = container.State(resp.State.Status)
		info.ExitCode = resp.State.ExitCode
	}
	if resp.NetworkSettings != nil {
		info.Ports = renderPortMap(resp.NetworkSettings.Ports)
		info.Networks = networkNames(resp.NetworkSettings.Networks)
	}
	return info
}

// ListContainers returns all containers, running or not, whose labels
// include every entry of the selector.
func (e *Engine) ListContainers(ctx context.Context, selector map[string]string) ([]container.Info, error) {
	list, err := e.client.ContainerList(ctx, apicontainer.ListOptions{
		All:     true,
		Filters: labelFilters(selector),
	})
	if err != nil {
		return nil, normalize(err, "listing containers")
	}

	infos := make([]container.Info, 0, len(list))
	for _, c := range list {
		infos = append(infos, infoFromSummary(c))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func infoFromSummary(c types.Container) container.Info {
	info := container.Info{
		ID:       c.ID,
		ImageRef: c.Image,
		State:    container.State(c.State),
		Labels:   c.Labels,
		Ports:    renderPorts(c.Ports),
	}
	if len(c.Names) > 0 {
		info.Name = strings.TrimPrefix(c.Names[0], "/")
	}
	if c.NetworkSettings != nil {
		names := make([]string, 0, len(c.NetworkSettings.Networks))
		for name := range c.NetworkSettings.Networks {
			names = append(names, name)
		}
		sort.Strings(names)
		info.Networks = names
	}
	return info
}

func labelFilters(selector map[string]string) filters.Args {
	keys := make([]string, 0, len(selector))
	for k := range selector {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := filters.NewArgs()
	for _, k := range keys {
		args.Add("label", k+"="+selector[k])
	}
	return args
}

func renderPort(private int, proto string) string {
	return fmt.Sprintf("%d/%s", private, proto)
}

func renderBinding(ip string, public, private int, proto string) string {
	return fmt.Sprintf("%s:%d->%d/%s", ip, public, private, proto)
}

func renderPorts(ports []types.Port) []string {
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		if p.PublicPort == 0 {
			out = append(out, renderPort(int(p.PrivatePort), p.Type))
			continue
		}
		out = append(out, renderBinding(p.IP, int(p.PublicPort), int(p.PrivatePort), p.Type))
	}
	sort.Strings(out)
	return out
}

func renderPortMap(ports nat.PortMap) []string {
	var out []string
	for port, bindings := range ports {
		if len(bindings) == 0 {
			out = append(out, string(port))
			continue
		}
		for _, b := range bindings {
			out = append(out, b.HostIP+":"+b.HostPort+"->"+string(port))
		}
	}
	sort.Strings(out)
	return out
}

func networkNames(networks map[string]*apinetwork.EndpointSettings) []string {
	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
