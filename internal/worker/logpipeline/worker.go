// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logpipeline assembles the container log plumbing: a fan-out
// pipeline feeding the always-on local backend plus one remote path,
// and the attach manager that keeps a tailer on every running managed
// container. The worker owns all of those lives as one unit; the
// dependency engine bounces it when the fabric comes or goes, which
// re-picks the remote path.
package logpipeline

import (
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/iotistic/agent/core/logs"
	"github.com/iotistic/agent/internal/container"
	internallogpipeline "github.com/iotistic/agent/internal/logpipeline"
)

// Logger is the subset of loggo used by this package. The trace
// methods ride along for the cloud client built by the manifold.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
	IsTraceEnabled() bool
}

// Hub is the subset of the central hub the attach manager follows.
type Hub interface {
	Subscribe(topic string, handler func(string, interface{})) func()
}

// LogSource is the facet handed to the admin API: historic queries
// answered from the local backend, live follows from the pipeline.
type LogSource interface {
	Query(filter internallogpipeline.Filter, limit int) []logs.Entry
	Follow(filter internallogpipeline.Filter, buffer int) (<-chan logs.Entry, func())
}

// Config holds the dependencies of the log pipeline worker.
type Config struct {
	Engine container.Engine
	Hub    Hub

	// Fabric, when set, selects the broker path for remote shipping.
	Fabric internallogpipeline.Publisher

	// Uploader is the fallback remote path used when Fabric is nil
	// and a cloud endpoint is configured. Both nil means logs stay
	// on the device.
	Uploader internallogpipeline.LogUploader

	// UUID namespaces the broker topics.
	UUID string

	// LogDir, when set, enables rotating files alongside the ring.
	LogDir string

	// BatchSize and QoS tune the remote path; zero means defaults.
	BatchSize int
	QoS       byte

	Clock  clock.Clock
	Logger Logger
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.Engine == nil {
		return errors.NotValidf("nil Engine")
	}
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if c.Fabric != nil && c.UUID == "" {
		return errors.NotValidf("empty UUID with Fabric")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Worker runs the pipeline, its backends and the attach manager.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config

	pipeline *internallogpipeline.Pipeline
	local    *internallogpipeline.LocalBackend
	attach   *internallogpipeline.AttachManager
}

// NewWorker assembles and starts the log pipeline.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	local, err := internallogpipeline.NewLocalBackend(internallogpipeline.LocalConfig{
		Dir:    config.LogDir,
		Logger: config.Logger,
	})
	if err != nil {
		return nil, errors.Annotate(err, "building local log backend")
	}
	backends := []internallogpipeline.Backend{local}

	switch {
	case config.Fabric != nil:
		remote, err := internallogpipeline.NewRemoteBackend(internallogpipeline.RemoteConfig{
			Fabric:    config.Fabric,
			BaseTopic: "device/" + config.UUID + "/logs",
			BatchSize: config.BatchSize,
			QoS:       config.QoS,
			Clock:     config.Clock,
			Logger:    config.Logger,
		})
		if err != nil {
			_ = local.Close()
			return nil, errors.Annotate(err, "building remote log backend")
		}
		backends = append(backends, remote)
	case config.Uploader != nil:
		upload, err := internallogpipeline.NewUploadBackend(internallogpipeline.UploadConfig{
			Uploader:  config.Uploader,
			BatchSize: config.BatchSize,
			Clock:     config.Clock,
			Logger:    config.Logger,
		})
		if err != nil {
			_ = local.Close()
			return nil, errors.Annotate(err, "building upload log backend")
		}
		backends = append(backends, upload)
	}

	pipeline, err := internallogpipeline.NewPipeline(internallogpipeline.Config{
		Backends: backends,
		Clock:    config.Clock,
		Logger:   config.Logger,
	})
	if err != nil {
		for _, backend := range backends {
			_ = backend.Close()
		}
		return nil, errors.Annotate(err, "building log pipeline")
	}

	// The pipeline closes the backends when it dies, so from here on
	// stopping it is the only cleanup needed.
	attach, err := internallogpipeline.NewAttachManager(internallogpipeline.AttachConfig{
		Engine:   config.Engine,
		Appender: pipeline,
		Hub:      config.Hub,
		Clock:    config.Clock,
		Logger:   config.Logger,
	})
	if err != nil {
		_ = worker.Stop(pipeline)
		return nil, errors.Annotate(err, "building attach manager")
	}

	w := &Worker{
		config:   config,
		pipeline: pipeline,
		local:    local,
		attach:   attach,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
		Init: []worker.Worker{pipeline, attach},
	}); err != nil {
		_ = worker.Stop(attach)
		_ = worker.Stop(pipeline)
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	<-w.catacomb.Dying()
	return w.catacomb.ErrDying()
}

// Append feeds an entry into the pipeline.
func (w *Worker) Append(entry logs.Entry) {
	w.pipeline.Append(entry)
}

// Query serves historic entries from the local backend.
func (w *Worker) Query(filter internallogpipeline.Filter, limit int) []logs.Entry {
	return w.local.Query(filter, limit)
}

// Follow streams matching entries as they arrive.
func (w *Worker) Follow(filter internallogpipeline.Filter, buffer int) (<-chan logs.Entry, func()) {
	return w.pipeline.Follow(filter, buffer)
}

// Report is shown in the dependency engine report.
func (w *Worker) Report() map[string]interface{} {
	return map[string]interface{}{
		"pipeline": w.pipeline.Report(),
		"tailers":  w.attach.Report(),
	}
}
