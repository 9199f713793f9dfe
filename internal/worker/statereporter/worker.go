// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package statereporter ships the device's observed state to the cloud.
// Reports are cheap on the wire: a digest of the last successful PATCH
// suppresses identical sends, host metrics are refreshed on their own
// slower cadence, and a changed current state or a restored cloud
// connection triggers an immediate report instead of waiting out the
// interval.
package statereporter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"github.com/iotistic/agent/core/apps"
	"github.com/iotistic/agent/core/events"
	"github.com/iotistic/agent/internal/cloud"
)

const (
	// DefaultReportInterval is the state PATCH cadence used when the
	// agent configuration does not name one.
	DefaultReportInterval = 10 * time.Second

	// DefaultMetricsInterval is the host metrics refresh cadence.
	DefaultMetricsInterval = 60 * time.Second

	// maxReportBackoff caps the retry delay while the cloud is
	// unreachable.
	maxReportBackoff = 5 * time.Minute
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

// Reporter delivers a device state report to the cloud.
type Reporter interface {
	ReportState(ctx context.Context, uuid string, report cloud.DeviceStateReport) error
}

// StateStore is the slice of the persistent store the reporter needs.
type StateStore interface {
	CurrentState(ctx context.Context) (apps.CurrentState, error)
}

// Sampler produces host metric snapshots.
type Sampler interface {
	Snapshot(ctx context.Context) cloud.Metrics
}

// Hub is the subscription surface of the central hub.
type Hub interface {
	Subscribe(topic string, handler func(string, interface{})) func()
}

// Config holds the dependencies of the state reporter.
type Config struct {
	Reporter Reporter
	Store    StateStore
	Sampler  Sampler
	Hub      Hub

	// UUID identifies the device to the cloud.
	UUID string

	// ReportInterval is the PATCH cadence; DefaultReportInterval when
	// zero. MetricsInterval is the host metrics refresh cadence;
	// DefaultMetricsInterval when zero.
	ReportInterval  time.Duration
	MetricsInterval time.Duration

	Clock  clock.Clock
	Logger Logger
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.Reporter == nil {
		return errors.NotValidf("nil Reporter")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Sampler == nil {
		return errors.NotValidf("nil Sampler")
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

// Worker reports current state and metrics to the cloud.
type Worker struct {
	tomb    tomb.Tomb
	config  Config
	backoff func(time.Duration, int) time.Duration

	// trigger requests an immediate report; a report already pending
	// absorbs any number of further requests.
	trigger chan struct{}

	mu         sync.Mutex
	metrics    cloud.Metrics
	lastDigest string
	reports    int
	lastReport time.Time
	lastErr    error
}

// NewWorker starts the reporter; the first report happens immediately.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = DefaultReportInterval
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = DefaultMetricsInterval
	}
	w := &Worker{
		config:  config,
		backoff: retry.ExpBackoff(config.ReportInterval, maxReportBackoff, 2.0, false),
		trigger: make(chan struct{}, 1),
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

	unsubCurrent := w.config.Hub.Subscribe(events.CurrentChanged, w.currentChanged)
	defer unsubCurrent()
	unsubConn := w.config.Hub.Subscribe(events.CloudConnectionChanged, w.connectionChanged)
	defer unsubConn()

	w.refreshMetrics(ctx)
	attempts := w.reportOnce(ctx, 0)

	reportTimer := w.config.Clock.NewTimer(w.backoff(0, attempts))
	defer reportTimer.Stop()
	metricsTimer := w.config.Clock.NewTimer(w.config.MetricsInterval)
	defer metricsTimer.Stop()

	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-metricsTimer.Chan():
			w.refreshMetrics(ctx)
			metricsTimer.Reset(w.config.MetricsInterval)
		case <-w.trigger:
			attempts = w.reportOnce(ctx, attempts)
			reportTimer.Reset(w.backoff(0, attempts))
		case <-reportTimer.Chan():
			attempts = w.reportOnce(ctx, attempts)
			reportTimer.Reset(w.backoff(0, attempts))
		}
	}
}

func (w *Worker) currentChanged(topic string, _ interface{}) {
	w.config.Logger.Debugf("current state changed, reporting")
	w.requestReport()
}

func (w *Worker) connectionChanged(topic string, data interface{}) {
	payload, ok := data.(events.CloudConnectionPayload)
	if !ok {
		w.config.Logger.Warningf("unexpected payload on %q: %T", topic, data)
		return
	}
	if !payload.Connected {
		return
	}
	w.config.Logger.Debugf("cloud connection restored, reporting state")
	w.requestReport()
}

func (w *Worker) requestReport() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Worker) refreshMetrics(ctx context.Context) {
	m := w.config.Sampler.Snapshot(ctx)
	w.mu.Lock()
	w.metrics = m
	w.mu.Unlock()
}

// reportOnce runs one report and returns the updated failure count:
// zero after a success, so the next delay is the plain interval.
func (w *Worker) reportOnce(ctx context.Context, attempts int) int {
	err := w.report(ctx)
	if err == nil {
		return 0
	}
	attempts++
	switch {
	case cloud.IsAuthFailure(err):
		w.config.Logger.Errorf("cloud rejected device %s: %v", w.config.UUID, err)
	case cloud.IsRateLimited(err):
		w.config.Logger.Debugf("state report rate-limited (attempt %d): %v", attempts, err)
	default:
		w.config.Logger.Warningf("state report failed (attempt %d): %v", attempts, err)
	}
	return attempts
}

func (w *Worker) report(ctx context.Context) error {
	current, err := w.config.Store.CurrentState(ctx)
	if err != nil {
		err = errors.Annotate(err, "loading current state")
		w.noteError(err)
		return err
	}
	if current.Apps == nil {
		current.Apps = map[int]apps.AppState{}
	}

	w.mu.Lock()
	report := cloud.DeviceStateReport{
		Apps:    current.Apps,
		Metrics: w.metrics,
	}
	lastDigest := w.lastDigest
	w.mu.Unlock()

	digest, err := reportDigest(report)
	if err != nil {
		w.noteError(err)
		return errors.Trace(err)
	}
	if digest == lastDigest {
		w.config.Logger.Debugf("state unchanged since last report")
		return nil
	}

	if err := w.config.Reporter.ReportState(ctx, w.config.UUID, report); err != nil {
		w.noteError(err)
		return errors.Trace(err)
	}

	w.mu.Lock()
	w.lastDigest = digest
	w.reports++
	w.lastReport = w.config.Clock.Now()
	w.lastErr = nil
	w.mu.Unlock()
	return nil
}

func (w *Worker) noteError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
}

func reportDigest(report cloud.DeviceStateReport) (string, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(raw), nil
}

// Report is shown in the dependency engine report.
func (w *Worker) Report() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	report := map[string]interface{}{
		"reports": w.reports,
	}
	if !w.lastReport.IsZero() {
		report["last-report"] = w.lastReport.Format(time.RFC3339)
	}
	if w.lastErr != nil {
		report["last-error"] = w.lastErr.Error()
	}
	return report
}
