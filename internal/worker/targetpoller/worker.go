// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package targetpoller keeps the stored target state in step with the
// cloud. It polls with the device's last ETag so an unchanged target
// costs one 304; when the content really changes it bumps the local
// version, persists the new target and nudges the reconciler over the
// hub. A payload that fails state-model validation is refused before
// it is persisted. Cloud trouble never kills the worker: polling backs
// off to a cap and recovers on the next success.
package targetpoller

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"github.com/iotistic/agent/core/apps"
	"github.com/iotistic/agent/core/events"
	"github.com/iotistic/agent/internal/cloud"
	"github.com/iotistic/agent/internal/state"
)

const (
	// DefaultPollInterval is used when the agent configuration does
	// not name one.
	DefaultPollInterval = 30 * time.Second

	// maxPollBackoff caps the retry delay while the cloud is
	// unreachable.
	maxPollBackoff = 5 * time.Minute
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

// TargetClient fetches the declared target from the cloud.
type TargetClient interface {
	TargetState(ctx context.Context, uuid, etag string) (apps.TargetState, string, error)
}

// StateStore is the slice of the persistent store the poller needs.
type StateStore interface {
	TargetState(ctx context.Context) (state.TargetRecord, error)
	SetTargetState(ctx context.Context, record state.TargetRecord) error
}

// Publisher posts events to the central hub.
type Publisher interface {
	Publish(topic string, data interface{}) <-chan struct{}
}

// Config holds the dependencies of the target poller.
type Config struct {
	Client TargetClient
	Store  StateStore
	Hub    Publisher

	// UUID identifies the device to the cloud.
	UUID string

	// Interval is the poll cadence; DefaultPollInterval when zero.
	Interval time.Duration

	Clock  clock.Clock
	Logger Logger
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if c.UUID == "" {
		return errors.NotValidf("empty UUID")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Worker polls the cloud for target state changes.
type Worker struct {
	tomb    tomb.Tomb
	config  Config
	backoff func(time.Duration, int) time.Duration

	mu       sync.Mutex
	version  int64
	lastPoll time.Time
	lastErr  error
}

// NewWorker starts the poller; the first poll happens immediately.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Interval <= 0 {
		config.Interval = DefaultPollInterval
	}
	w := &Worker{
		config:  config,
		backoff: retry.ExpBackoff(config.Interval, maxPollBackoff, 2.0, false),
	}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

func (w *Worker) loop() error {
	ctx := w.tomb.Context(context.Background())

	// A freshly started agent wants its target now, not an interval
	// from now.
	attempts := w.pollOnce(ctx, 0)
	timer := w.config.Clock.NewTimer(w.backoff(0, attempts))
	defer timer.Stop()

	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-timer.Chan():
			attempts = w.pollOnce(ctx, attempts)
			timer.Reset(w.backoff(0, attempts))
		}
	}
}

// pollOnce runs one poll and returns the updated failure count:
// zero after a success, so the next delay is the plain interval.
func (w *Worker) pollOnce(ctx context.Context, attempts int) int {
	err := w.poll(ctx)
	if err == nil {
		return 0
	}
	attempts++
	switch {
	case cloud.IsAuthFailure(err):
		w.config.Logger.Errorf("cloud rejected device %s: %v", w.config.UUID, err)
	case errors.Is(err, errors.NotValid):
		w.config.Logger.Errorf("cloud sent an invalid target: %v", err)
	default:
		w.config.Logger.Warningf("target poll failed (attempt %d): %v", attempts, err)
	}
	return attempts
}

func (w *Worker) poll(ctx context.Context) error {
	record, err := w.config.Store.TargetState(ctx)
	if err != nil {
		err = errors.Annotate(err, "loading stored target")
		w.noteError(err)
		return err
	}

	target, etag, err := w.config.Client.TargetState(ctx, w.config.UUID, record.ETag)
	if errors.Is(err, cloud.ErrNotModified) {
		w.config.Logger.Debugf("target not modified (version %d)", record.Target.Version)
		w.notePoll(record.Target.Version, nil)
		return nil
	}
	if err != nil {
		w.notePoll(record.Target.Version, err)
		return errors.Trace(err)
	}

	// A malformed target is refused at ingest: neither the payload nor
	// its tag is persisted, so the running target stays in force and
	// the next poll retries once the cloud is fixed.
	if err := target.Validate(); err != nil {
		err = errors.Annotate(err, "rejecting target from cloud")
		w.notePoll(record.Target.Version, err)
		return err
	}

	if target.Equal(record.Target) {
		// Same content under a fresh tag. Remember the tag so the
		// next poll can 304; the reconciler has nothing to do.
		if etag != record.ETag {
			record.ETag = etag
			if err := w.config.Store.SetTargetState(ctx, record); err != nil {
				err = errors.Annotate(err, "persisting etag")
				w.notePoll(record.Target.Version, err)
				return err
			}
		}
		w.notePoll(record.Target.Version, nil)
		return nil
	}

	// Versions are minted locally: the device's counter orders its
	// own reconcile passes and survives cloud-side renumbering.
	version := record.Target.Version + 1
	target.Version = version
	if err := w.config.Store.SetTargetState(ctx, state.TargetRecord{
		Target: target,
		ETag:   etag,
	}); err != nil {
		err = errors.Annotate(err, "persisting new target")
		w.notePoll(record.Target.Version, err)
		return err
	}
	w.config.Logger.Infof("target updated to version %d (%d apps)", version, len(target.Apps))
	w.config.Hub.Publish(events.TargetChanged, events.TargetChangedPayload{Version: version})
	w.notePoll(version, nil)
	return nil
}

func (w *Worker) notePoll(version int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.version = version
	w.lastPoll = w.config.Clock.Now()
	w.lastErr = err
}

func (w *Worker) noteError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastPoll = w.config.Clock.Now()
	w.lastErr = err
}

// Report is shown in the dependency engine report.
func (w *Worker) Report() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	report := map[string]interface{}{
		"target-version": w.version,
	}
	if !w.lastPoll.IsZero() {
		report["last-poll"] = w.lastPoll.Format(time.RFC3339)
	}
	if w.lastErr != nil {
		report["last-error"] = w.lastErr.Error()
	}
	return report
}
