// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides an in-memory container engine for tests.
package testing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"

	"github.com/iotistic/agent/internal/container"
)

// Engine is an in-memory implementation of container.Engine. It keeps
// enough state for lifecycle flows to behave like the real runtime:
// containers move through created/running/exited, creation requires
// the image to be present, and network creation is idempotent. Calls
// are recorded on the embedded Stub; errors are injected per operation
// with QueueError rather than Stub.SetErrors, so a multi-step flow can
// fail one operation without counting every call before it.
type Engine struct {
	jujutesting.Stub

	mu        sync.Mutex
	failures  map[string][]error
	callbacks map[string]func()
	nextID    int

	images     set.Strings
	containers map[string]*ContainerRecord
	networks   map[string]container.NetworkInfo
	streams    map[string]*Stream
	execs      map[string]container.ExecResult
}

// ContainerRecord is the fake's book-keeping for one container.
type ContainerRecord struct {
	Info container.Info
	Spec container.RunSpec
}

var _ container.Engine = (*Engine)(nil)

// NewEngine returns an empty fake engine.
func NewEngine() *Engine {
	return &Engine{
		failures:   make(map[string][]error),
		callbacks:  make(map[string]func()),
		images:     set.NewStrings(),
		containers: make(map[string]*ContainerRecord),
		networks:   make(map[string]container.NetworkInfo),
		streams:    make(map[string]*Stream),
		execs:      make(map[string]container.ExecResult),
	}
}

// QueueError arranges for upcoming calls of the named operation to
// return the given errors, one per call, before normal behaviour
// resumes.
func (e *Engine) QueueError(op string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = append(e.failures[op], errs...)
}

// SetCallback runs fn inside every call of the named operation, after
// the call is recorded and before any queued error applies. A nil fn
// clears it. Tests use it to act in the middle of a multi-step flow.
func (e *Engine) SetCallback(op string, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks[op] = fn
}

func (e *Engine) nextFailure(op string) error {
	e.mu.Lock()
	fn := e.callbacks[op]
	var err error
	if queue := e.failures[op]; len(queue) > 0 {
		err = queue[0]
		e.failures[op] = queue[1:]
	}
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
	return err
}

// AddImage marks images as already present.
func (e *Engine) AddImage(refs ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ref := range refs {
		e.images.Add(ref)
	}
}

// AddContainer seeds a container, bypassing the image check. Useful
// for leftovers that predate the test.
func (e *Engine) AddContainer(info container.Info) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if info.ID == "" {
		e.nextID++
		info.ID = fmt.Sprintf("ctr-%d", e.nextID)
	}
	e.containers[info.ID] = &ContainerRecord{Info: info}
}

// Container returns the record for an id.
func (e *Engine) Container(id string) (ContainerRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.containers[id]
	if !ok {
		return ContainerRecord{}, false
	}
	return *rec, true
}

// ContainerByName returns the record for a container name.
func (e *Engine) ContainerByName(name string) (ContainerRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range e.containers {
		if rec.Info.Name == name {
			return *rec, true
		}
	}
	return ContainerRecord{}, false
}

// SetContainerState force-sets a container's state, simulating a crash
// or an external actor.
func (e *Engine) SetContainerState(id string, state container.State, exitCode int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.containers[id]; ok {
		rec.Info.State = state
		rec.Info.ExitCode = exitCode
	}
}

// SetExecResult cans the result of Exec for a container id.
func (e *Engine) SetExecResult(id string, result container.ExecResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.execs[id] = result
}

// Stream returns the most recent log stream attached to a container.
func (e *Engine) Stream(id string) (*Stream, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[id]
	return s, ok
}

// ImagePresent is part of container.Engine.
func (e *Engine) ImagePresent(ctx context.Context, imageRef string) (bool, error) {
	e.MethodCall(e, "ImagePresent", imageRef)
	if err := e.nextFailure("ImagePresent"); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images.Contains(imageRef), nil
}

// PullImage is part of container.Engine.
func (e *Engine) PullImage(ctx context.Context, imageRef string) error {
	e.MethodCall(e, "PullImage", imageRef)
	if err := e.nextFailure("PullImage"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images.Add(imageRef)
	return nil
}

// CreateContainer is part of container.Engine.
func (e *Engine) CreateContainer(ctx context.Context, spec container.RunSpec) (string, error) {
	e.MethodCall(e, "CreateContainer", spec)
	if err := e.nextFailure("CreateContainer"); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.images.Contains(spec.ImageRef) {
		return "", errors.NotFoundf("image %q", spec.ImageRef)
	}
	for _, rec := range e.containers {
		if rec.Info.Name == spec.Name {
			return "", container.NewSemantic(errors.Errorf("container name %q is already in use", spec.Name))
		}
	}

	e.nextID++
	id := fmt.Sprintf("ctr-%d", e.nextID)
	e.containers[id] = &ContainerRecord{
		Info: container.Info{
			ID:       id,
			Name:     spec.Name,
			ImageRef: spec.ImageRef,
			State:    container.StateCreated,
			Labels:   spec.Labels,
			Ports:    spec.Ports,
			Networks: spec.Networks,
		},
		Spec: spec,
	}
	return id, nil
}

// StartContainer is part of container.Engine.
func (e *Engine) StartContainer(ctx context.Context, id string) error {
	e.MethodCall(e, "StartContainer", id)
	if err := e.nextFailure("StartContainer"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.containers[id]
	if !ok {
		return errors.NotFoundf("container %q", id)
	}
	rec.Info.State = container.StateRunning
	rec.Info.ExitCode = 0
	return nil
}

// StopContainer is part of container.Engine.
func (e *Engine) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	e.MethodCall(e, "StopContainer", id, grace)
	if err := e.nextFailure("StopContainer"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.containers[id]; ok {
		rec.Info.State = container.StateExited
	}
	return nil
}

// RemoveContainer is part of container.Engine.
func (e *Engine) RemoveContainer(ctx context.Context, id string, force bool) error {
	e.MethodCall(e, "RemoveContainer", id, force)
	if err := e.nextFailure("RemoveContainer"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.containers[id]
	if !ok {
		return nil
	}
	if rec.Info.State == container.StateRunning && !force {
		return container.NewSemantic(errors.Errorf("cannot remove running container %q", id))
	}
	delete(e.containers, id)
	return nil
}

// InspectContainer is part of container.Engine.
func (e *Engine) InspectContainer(ctx context.Context, id string) (container.Info, error) {
	e.MethodCall(e, "InspectContainer", id)
	if err := e.nextFailure("InspectContainer"); err != nil {
		return container.Info{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.containers[id]
	if !ok {
		return container.Info{}, errors.NotFoundf("container %q", id)
	}
	return rec.Info, nil
}

// ListContainers is part of container.Engine.
func (e *Engine) ListContainers(ctx context.Context, selector map[string]string) ([]container.Info, error) {
	e.MethodCall(e, "ListContainers", selector)
	if err := e.nextFailure("ListContainers"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var infos []container.Info
	for _, rec := range e.containers {
		if matchesSelector(rec.Info.Labels, selector) {
			infos = append(infos, rec.Info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// CreateNetwork is part of container.Engine.
func (e *Engine) CreateNetwork(ctx context.Context, cfg container.NetworkConfig) error {
	e.MethodCall(e, "CreateNetwork", cfg)
	if err := e.nextFailure("CreateNetwork"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	driver := cfg.Driver
	if driver == "" {
		driver = "bridge"
	}
	if existing, ok := e.networks[cfg.Name]; ok {
		if existing.Driver == driver && labelsEqual(existing.Labels, cfg.Labels) {
			return nil
		}
		return container.NewRecreationAttempt("network", cfg.Name)
	}

	e.nextID++
	e.networks[cfg.Name] = container.NetworkInfo{
		ID:     fmt.Sprintf("net-%d", e.nextID),
		Name:   cfg.Name,
		Driver: driver,
		Labels: cfg.Labels,
	}
	return nil
}

// RemoveNetwork is part of container.Engine.
func (e *Engine) RemoveNetwork(ctx context.Context, name string) error {
	e.MethodCall(e, "RemoveNetwork", name)
	if err := e.nextFailure("RemoveNetwork"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.networks, name)
	return nil
}

// ConnectNetwork is part of container.Engine.
func (e *Engine) ConnectNetwork(ctx context.Context, containerID, name string) error {
	e.MethodCall(e, "ConnectNetwork", containerID, name)
	if err := e.nextFailure("ConnectNetwork"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.containers[containerID]
	if !ok {
		return errors.NotFoundf("container %q", containerID)
	}
	if _, ok := e.networks[name]; !ok {
		return errors.NotFoundf("network %q", name)
	}
	for _, existing := range rec.Info.Networks {
		if existing == name {
			return nil
		}
	}
	rec.Info.Networks = append(rec.Info.Networks, name)
	sort.Strings(rec.Info.Networks)
	return nil
}

// ListNetworks is part of container.Engine.
func (e *Engine) ListNetworks(ctx context.Context, selector map[string]string) ([]container.NetworkInfo, error) {
	e.MethodCall(e, "ListNetworks", selector)
	if err := e.nextFailure("ListNetworks"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var infos []container.NetworkInfo
	for _, info := range e.networks {
		if matchesSelector(info.Labels, selector) {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// AttachLogs is part of container.Engine. The returned stream is fed
// by the test through Stream(id).
func (e *Engine) AttachLogs(ctx context.Context, id string, opts container.LogsOptions) (container.LogStream, error) {
	e.MethodCall(e, "AttachLogs", id, opts)
	if err := e.nextFailure("AttachLogs"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[id]; !ok {
		return nil, errors.NotFoundf("container %q", id)
	}
	stream := newStream()
	e.streams[id] = stream
	return stream, nil
}

// Exec is part of container.Engine.
func (e *Engine) Exec(ctx context.Context, id string, cmd []string) (container.ExecResult, error) {
	e.MethodCall(e, "Exec", id, cmd)
	if err := e.nextFailure("Exec"); err != nil {
		return container.ExecResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[id]; !ok {
		return container.ExecResult{}, errors.NotFoundf("container %q", id)
	}
	return e.execs[id], nil
}

func matchesSelector(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
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

// Stream is a test-fed log stream.
type Stream struct {
	records chan container.LogRecord
	done    chan struct{}

	closeOnce sync.Once
	endOnce   sync.Once

	mu  sync.Mutex
	err error
}

func newStream() *Stream {
	return &Stream{
		records: make(chan container.LogRecord, 64),
		done:    make(chan struct{}),
	}
}

// Records is part of container.LogStream.
func (s *Stream) Records() <-chan container.LogRecord {
	return s.records
}

// Err is part of container.LogStream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close is part of container.LogStream.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether the consumer has closed the stream.
func (s *Stream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Feed delivers records to the consumer. Records fed after the
// consumer closed the stream are dropped.
func (s *Stream) Feed(records ...container.LogRecord) {
	for _, rec := range records {
		select {
		case s.records <- rec:
		case <-s.done:
			return
		}
	}
}

// End terminates the stream with the given error, which may be nil.
func (s *Stream) End(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.endOnce.Do(func() { close(s.records) })
}
