// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logpipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/iotistic/agent/core/events"
	"github.com/iotistic/agent/core/logs"
	"github.com/iotistic/agent/internal/container"
)

// tailerRestartDelay is how long a broken tailer waits before it
// reattaches to a container that still exists.
const tailerRestartDelay = 3 * time.Second

// Appender receives the entries read from container output. It is the
// producer half of the Pipeline.
type Appender interface {
	Append(entry logs.Entry)
}

// Hub is the subset of the central hub used to learn about container
// lifecycle changes.
type Hub interface {
	Subscribe(topic string, handler func(string, interface{})) func()
}

// AttachConfig holds an AttachManager's dependencies.
type AttachConfig struct {
	// Engine is used to list running containers and attach to their
	// output streams.
	Engine container.Engine

	// Appender receives every entry read from a container.
	Appender Appender

	// Hub delivers container started and gone events.
	Hub Hub

	Clock  clock.Clock
	Logger Logger
}

// Validate returns an error if the config is incomplete.
func (c AttachConfig) Validate() error {
	if c.Engine == nil {
		return errors.NotValidf("nil Engine")
	}
	if c.Appender == nil {
		return errors.NotValidf("nil Appender")
	}
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// AttachManager keeps one log tailer attached to every running managed
// container. It sweeps the engine once at startup for containers that
// were already running, then follows the hub's container started and
// gone events. Tailers that fail while their container still exists
// are restarted with a delay; tailers whose container has gone exit
// cleanly and are removed.
type AttachManager struct {
	catacomb catacomb.Catacomb
	config   AttachConfig
	runner   *worker.Runner

	starts chan events.ContainerPayload
	stops  chan events.ContainerPayload
}

// NewAttachManager starts the attach manager.
func NewAttachManager(config AttachConfig) (*AttachManager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	m := &AttachManager{
		config: config,
		runner: worker.NewRunner(worker.RunnerParams{
			Clock: config.Clock,
			// A failing tailer must never take the others down; it
			// is retried for as long as its container exists.
			IsFatal:      func(err error) bool { return false },
			RestartDelay: tailerRestartDelay,
			Logger:       config.Logger,
		}),
		starts: make(chan events.ContainerPayload),
		stops:  make(chan events.ContainerPayload),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &m.catacomb,
		Work: m.loop,
		Init: []worker.Worker{m.runner},
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// Kill is part of the worker.Worker interface.
func (m *AttachManager) Kill() {
	m.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (m *AttachManager) Wait() error {
	return m.catacomb.Wait()
}

func (m *AttachManager) loop() error {
	unsubStarted := m.config.Hub.Subscribe(events.ContainerStarted, m.containerStarted)
	defer unsubStarted()
	unsubGone := m.config.Hub.Subscribe(events.ContainerGone, m.containerGone)
	defer unsubGone()

	if err := m.attachRunning(); err != nil {
		return errors.Trace(err)
	}

	for {
		select {
		case <-m.catacomb.Dying():
			return m.catacomb.ErrDying()
		case payload := <-m.starts:
			// Event-driven attaches read from the beginning so the
			// container's first lines are not lost.
			m.ensure(payload, time.Time{})
		case payload := <-m.stops:
			m.remove(payload.ContainerID)
		}
	}
}

func (m *AttachManager) containerStarted(_ string, data interface{}) {
	payload, ok := data.(events.ContainerPayload)
	if !ok {
		m.config.Logger.Errorf("container started event carried %T", data)
		return
	}
	select {
	case m.starts <- payload:
	case <-m.catacomb.Dying():
	}
}

func (m *AttachManager) containerGone(_ string, data interface{}) {
	payload, ok := data.(events.ContainerPayload)
	if !ok {
		m.config.Logger.Errorf("container gone event carried %T", data)
		return
	}
	select {
	case m.stops <- payload:
	case <-m.catacomb.Dying():
	}
}

// attachRunning sweeps the engine for managed containers that are
// already running, typically after an agent restart. Their history was
// ingested by a previous incarnation, so tailing starts at now.
func (m *AttachManager) attachRunning() error {
	ctx := m.catacomb.Context(context.Background())
	infos, err := m.config.Engine.ListContainers(ctx, container.ManagedSelector())
	if err != nil {
		return errors.Annotate(err, "listing running containers")
	}
	since := m.config.Clock.Now()
	for _, info := range infos {
		if info.State != container.StateRunning {
			continue
		}
		payload, err := payloadFromLabels(info)
		if err != nil {
			m.config.Logger.Warningf("not tailing container %q: %v", info.ID, err)
			continue
		}
		m.ensure(payload, since)
	}
	return nil
}

func payloadFromLabels(info container.Info) (events.ContainerPayload, error) {
	appID, err := strconv.Atoi(info.Labels[container.LabelAppID])
	if err != nil {
		return events.ContainerPayload{}, errors.NotValidf("app id label %q", info.Labels[container.LabelAppID])
	}
	serviceID, err := strconv.Atoi(info.Labels[container.LabelServiceID])
	if err != nil {
		return events.ContainerPayload{}, errors.NotValidf("service id label %q", info.Labels[container.LabelServiceID])
	}
	return events.ContainerPayload{
		AppID:       appID,
		ServiceID:   serviceID,
		AppName:     info.Labels[container.LabelAppName],
		ServiceName: info.Labels[container.LabelServiceName],
		ContainerID: info.ID,
	}, nil
}

// ensure starts a tailer for the container unless one is already
// running. The since value is shared with the start func so that a
// restarted tailer resumes from the last record it saw rather than
// re-reading the whole stream.
func (m *AttachManager) ensure(payload events.ContainerPayload, since time.Time) {
	if _, err := m.runner.Worker(payload.ContainerID, m.catacomb.Dying()); err == nil {
		return
	}
	last := since
	if err := m.runner.StartWorker(payload.ContainerID, func() (worker.Worker, error) {
		return newTailer(tailerConfig{
			Engine:   m.config.Engine,
			Appender: m.config.Appender,
			Logger:   m.config.Logger,
			Payload:  payload,
			Since:    &last,
		})
	}); err != nil {
		m.config.Logger.Errorf("starting log tailer for container %q: %v", payload.ContainerID, err)
	}
}

func (m *AttachManager) remove(containerID string) {
	if err := m.runner.StopAndRemoveWorker(containerID, m.catacomb.Dying()); err != nil && !errors.Is(err, errors.NotFound) {
		m.config.Logger.Debugf("stopping log tailer for container %q: %v", containerID, err)
	}
}

// Report is shown in the dependency engine report.
func (m *AttachManager) Report() map[string]interface{} {
	return m.runner.Report()
}

// LogsAttacher is the part of the engine a tailer needs.
type LogsAttacher interface {
	AttachLogs(ctx context.Context, id string, opts container.LogsOptions) (container.LogStream, error)
}

type tailerConfig struct {
	Engine   LogsAttacher
	Appender Appender
	Logger   Logger
	Payload  events.ContainerPayload

	// Since is owned by the manager and advanced by the tailer as it
	// reads, so a restart never replays delivered records.
	Since *time.Time
}

// tailer follows one container's output stream and turns each record
// into a log entry. It exits cleanly when the container is gone and
// with an error when the stream breaks while the container remains,
// letting the runner's restart policy reattach.
type tailer struct {
	catacomb catacomb.Catacomb
	config   tailerConfig
}

func newTailer(config tailerConfig) (*tailer, error) {
	t := &tailer{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &t.catacomb,
		Work: t.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

// Kill is part of the worker.Worker interface.
func (t *tailer) Kill() {
	t.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (t *tailer) Wait() error {
	return t.catacomb.Wait()
}

func (t *tailer) loop() error {
	ctx, cancel := context.WithCancel(t.catacomb.Context(context.Background()))
	defer cancel()

	id := t.config.Payload.ContainerID
	stream, err := t.config.Engine.AttachLogs(ctx, id, container.LogsOptions{
		Stdout: true,
		Stderr: true,
		Follow: true,
		Since:  *t.config.Since,
	})
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			t.config.Logger.Debugf("container %q gone before attach", id)
			return nil
		}
		return errors.Annotatef(err, "attaching to container %q", id)
	}
	defer func() { _ = stream.Close() }()

	for {
		select {
		case <-t.catacomb.Dying():
			return t.catacomb.ErrDying()
		case rec, ok := <-stream.Records():
			if !ok {
				err := stream.Err()
				if err == nil || errors.Is(err, errors.NotFound) {
					t.config.Logger.Debugf("log stream for container %q ended", id)
					return nil
				}
				return errors.Annotatef(err, "log stream for container %q", id)
			}
			*t.config.Since = rec.Timestamp
			t.config.Appender.Append(t.entryFor(rec))
		}
	}
}

func (t *tailer) entryFor(rec container.LogRecord) logs.Entry {
	level := logs.LevelInfo
	if rec.IsStderr {
		level = logs.LevelError
	}
	return logs.Entry{
		Timestamp:   rec.Timestamp,
		Level:       level,
		Source:      logs.SourceContainer,
		AppID:       t.config.Payload.AppID,
		ServiceID:   t.config.Payload.ServiceID,
		ServiceName: t.config.Payload.ServiceName,
		ContainerID: t.config.Payload.ContainerID,
		IsStderr:    rec.IsStderr,
		Message:     rec.Line,
	}
}
