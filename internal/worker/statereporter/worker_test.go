// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package statereporter_test

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/iotistic/agent/core/apps"
	"github.com/iotistic/agent/core/events"
	"github.com/iotistic/agent/core/status"
	"github.com/iotistic/agent/internal/cloud"
	coretesting "github.com/iotistic/agent/internal/testing"
	"github.com/iotistic/agent/internal/worker/statereporter"
)

const deviceUUID = "9f1c5e86-0d2a-4b1e-8f64-51d42f4f2a6d"

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type workerSuite struct {
	testing.IsolationSuite

	clock    *testclock.Clock
	reporter *fakeReporter
	store    *fakeCurrentStore
	sampler  *fakeSampler
	hub      *pubsub.SimpleHub
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(epoch)
	s.reporter = &fakeReporter{}
	s.store = &fakeCurrentStore{current: currentState("web:1.2")}
	s.sampler = &fakeSampler{}
	s.hub = pubsub.NewSimpleHub(nil)
}

func (s *workerSuite) validConfig() statereporter.Config {
	return statereporter.Config{
		Reporter:        s.reporter,
		Store:           s.store,
		Sampler:         s.sampler,
		Hub:             s.hub,
		UUID:            deviceUUID,
		ReportInterval:  10 * time.Second,
		MetricsInterval: 60 * time.Second,
		Clock:           s.clock,
		Logger:          loggo.GetLogger("test.statereporter"),
	}
}

func (s *workerSuite) newWorker(c *gc.C) *statereporter.Worker {
	w, err := statereporter.NewWorker(s.validConfig())
	c.Assert(err, jc.ErrorIsNil)
	return w
}

func (s *workerSuite) TestValidateConfig(c *gc.C) {
	tests := []struct {
		name  string
		tweak func(*statereporter.Config)
	}{
		{"Reporter", func(cfg *statereporter.Config) { cfg.Reporter = nil }},
		{"Store", func(cfg *statereporter.Config) { cfg.Store = nil }},
		{"Sampler", func(cfg *statereporter.Config) { cfg.Sampler = nil }},
		{"Hub", func(cfg *statereporter.Config) { cfg.Hub = nil }},
		{"UUID", func(cfg *statereporter.Config) { cfg.UUID = "" }},
		{"Clock", func(cfg *statereporter.Config) { cfg.Clock = nil }},
		{"Logger", func(cfg *statereporter.Config) { cfg.Logger = nil }},
	}
	for _, t := range tests {
		cfg := s.validConfig()
		t.tweak(&cfg)
		c.Check(cfg.Validate(), jc.ErrorIs, errors.NotValid, gc.Commentf("%s", t.name))
	}
}

func (s *workerSuite) TestFirstReportImmediate(c *gc.C) {
	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.waitCalls(c, 1)
	sent := s.reporter.last()
	c.Check(sent.uuid, gc.Equals, deviceUUID)
	c.Check(sent.report.Apps[4].Services[0].ImageRef, gc.Equals, "registry.example/web:1.2")
	c.Check(sent.report.SupervisorVersion, gc.Equals, "0.9.2")
}

func (s *workerSuite) TestUnchangedStateNotResent(c *gc.C) {
	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.waitCalls(c, 1)
	c.Assert(s.clock.WaitAdvance(10*time.Second, coretesting.LongWait, 2), jc.ErrorIsNil)
	s.waitFor(c, "second pass", func() bool { return s.store.reads() >= 2 })
	c.Check(s.reporter.calls(), gc.Equals, 1)
}

func (s *workerSuite) TestCurrentChangedTriggersReport(c *gc.C) {
	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.waitCalls(c, 1)
	s.store.set(currentState("web:2.0"))
	s.publish(c, events.CurrentChanged, nil)

	s.waitCalls(c, 2)
	sent := s.reporter.last()
	c.Check(sent.report.Apps[4].Services[0].ImageRef, gc.Equals, "registry.example/web:2.0")
}

func (s *workerSuite) TestReconnectResendsPendingReport(c *gc.C) {
	s.reporter.failTimes(1, errors.Errorf("cloud down"))

	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.waitCalls(c, 1)
	c.Check(s.reporter.successes(), gc.Equals, 0)

	// A lost connection is not worth reacting to; a restored one is.
	s.publish(c, events.CloudConnectionChanged, events.CloudConnectionPayload{Connected: false})
	s.assertNoMoreCalls(c, 1)

	s.publish(c, events.CloudConnectionChanged, events.CloudConnectionPayload{Connected: true})
	s.waitCalls(c, 2)
	s.waitFor(c, "successful resend", func() bool { return s.reporter.successes() == 1 })
}

func (s *workerSuite) TestMetricsRefreshed(c *gc.C) {
	s.sampler.bump = true

	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.waitCalls(c, 1)
	c.Check(s.reporter.last().report.CPUUsage, gc.Equals, 1.0)

	c.Assert(s.clock.WaitAdvance(time.Minute, coretesting.LongWait, 2), jc.ErrorIsNil)
	s.waitFor(c, "metrics refresh", func() bool { return s.sampler.count() >= 2 })
	c.Assert(s.clock.WaitAdvance(10*time.Second, coretesting.LongWait, 2), jc.ErrorIsNil)
	s.waitFor(c, "report with fresh metrics", func() bool {
		sent := s.reporter.lastSuccess()
		return sent != nil && sent.report.CPUUsage >= 2
	})
}

func (s *workerSuite) TestReportFailureBacksOff(c *gc.C) {
	s.reporter.failTimes(2, errors.Errorf("cloud down"))

	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	// Failures double the delay; the success resets it to the
	// configured interval.
	s.waitCalls(c, 1)
	c.Assert(s.clock.WaitAdvance(20*time.Second, coretesting.LongWait, 2), jc.ErrorIsNil)
	s.waitCalls(c, 2)
	c.Assert(s.clock.WaitAdvance(40*time.Second, coretesting.LongWait, 2), jc.ErrorIsNil)
	s.waitCalls(c, 3)
	s.waitFor(c, "successful report", func() bool { return s.reporter.successes() == 1 })
	workertest.CheckAlive(c, w)
}

func (s *workerSuite) TestAuthFailureKeepsReporting(c *gc.C) {
	s.reporter.failTimes(1, errors.Unauthorizedf("device revoked"))

	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.waitCalls(c, 1)
	c.Assert(s.clock.WaitAdvance(20*time.Second, coretesting.LongWait, 2), jc.ErrorIsNil)
	s.waitCalls(c, 2)
	workertest.CheckAlive(c, w)
}

func (s *workerSuite) TestReport(c *gc.C) {
	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.waitFor(c, "report", func() bool {
		n, _ := w.Report()["reports"].(int)
		return n == 1
	})
	report := w.Report()
	c.Check(report["last-report"], gc.Equals, epoch.Format(time.RFC3339))
	c.Check(report["last-error"], gc.IsNil)
}

func (s *workerSuite) TestReportSurfacesError(c *gc.C) {
	s.reporter.failTimes(1, errors.Errorf("cloud down"))

	w := s.newWorker(c)
	defer workertest.CleanKill(c, w)

	s.waitFor(c, "error report", func() bool { return w.Report()["last-error"] != nil })
	c.Check(w.Report()["last-error"], gc.Matches, ".*cloud down.*")
}

func (s *workerSuite) publish(c *gc.C, topic string, data interface{}) {
	select {
	case <-s.hub.Publish(topic, data):
	case <-time.After(coretesting.LongWait):
		c.Fatalf("timed out waiting for %q handlers", topic)
	}
}

func (s *workerSuite) waitCalls(c *gc.C, n int) {
	s.waitFor(c, "reporter calls", func() bool { return s.reporter.calls() >= n })
}

func (s *workerSuite) assertNoMoreCalls(c *gc.C, n int) {
	time.Sleep(coretesting.ShortWait)
	c.Check(s.reporter.calls(), gc.Equals, n)
}

func (s *workerSuite) waitFor(c *gc.C, what string, cond func() bool) {
	deadline := time.After(coretesting.LongWait)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for %s", what)
		case <-time.After(coretesting.ShortWait):
		}
	}
}

// currentState returns a single-app observed state whose image tag is
// the only varying content.
func currentState(image string) apps.CurrentState {
	return apps.CurrentState{
		Apps: map[int]apps.AppState{
			4: {
				AppID:   4,
				AppName: "sensor-stack",
				Services: []apps.ServiceState{{
					ServiceID:   1,
					ServiceName: "web",
					ImageRef:    "registry.example/" + image,
					Status:      status.Running,
				}},
			},
		},
	}
}

type sentReport struct {
	uuid   string
	report cloud.DeviceStateReport
}

// fakeReporter fails the first n deliveries, then accepts everything.
type fakeReporter struct {
	mu       sync.Mutex
	failN    int
	failErr  error
	sent     []sentReport
	accepted []sentReport
}

func (f *fakeReporter) failTimes(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failN = n
	f.failErr = err
}

func (f *fakeReporter) ReportState(ctx context.Context, uuid string, report cloud.DeviceStateReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentReport{uuid: uuid, report: report})
	if f.failN > 0 {
		f.failN--
		return f.failErr
	}
	f.accepted = append(f.accepted, sentReport{uuid: uuid, report: report})
	return nil
}

func (f *fakeReporter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeReporter) successes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accepted)
}

func (f *fakeReporter) last() sentReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeReporter) lastSuccess() *sentReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.accepted) == 0 {
		return nil
	}
	sent := f.accepted[len(f.accepted)-1]
	return &sent
}

type fakeCurrentStore struct {
	mu      sync.Mutex
	current apps.CurrentState
	readsN  int
}

func (f *fakeCurrentStore) set(current apps.CurrentState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = current
}

func (f *fakeCurrentStore) CurrentState(ctx context.Context) (apps.CurrentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readsN++
	return f.current, nil
}

func (f *fakeCurrentStore) reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readsN
}

// fakeSampler returns fixed metrics unless bump is set, in which case
// every snapshot reports a new cpu reading.
type fakeSampler struct {
	mu     sync.Mutex
	bump   bool
	callsN int
}

func (f *fakeSampler) Snapshot(ctx context.Context) cloud.Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callsN++
	m := cloud.Metrics{SupervisorVersion: "0.9.2"}
	if f.bump {
		m.CPUUsage = float64(f.callsN)
	}
	return m
}

func (f *fakeSampler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callsN
}
