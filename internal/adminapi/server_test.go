// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package adminapi_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"github.com/prometheus/client_golang/prometheus"
	gc "gopkg.in/check.v1"

	"github.com/iotistic/agent/core/apps"
	"github.com/iotistic/agent/core/events"
	"github.com/iotistic/agent/core/logs"
	"github.com/iotistic/agent/core/status"
	"github.com/iotistic/agent/internal/adminapi"
	"github.com/iotistic/agent/internal/cloud"
	"github.com/iotistic/agent/internal/container"
	"github.com/iotistic/agent/internal/identity"
	"github.com/iotistic/agent/internal/logpipeline"
	"github.com/iotistic/agent/internal/state"
	coretesting "github.com/iotistic/agent/internal/testing"
	"github.com/iotistic/agent/version"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type serverSuite struct {
	jujutesting.IsolationSuite

	store      *fakeStore
	reconciler *fakeReconciler
	hub        *recordingHub
	ident      *fakeIdentity
	logSource  *fakeLogSource
	runtime    *fakeRuntime
	metrics    *fakeMetrics
	engine     *fakeReporter
	registry   *prometheus.Registry
}

var _ = gc.Suite(&serverSuite{})

func (s *serverSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.store = &fakeStore{}
	s.reconciler = &fakeReconciler{}
	s.hub = &recordingHub{}
	s.ident = &fakeIdentity{
		identity: state.DeviceIdentity{
			UUID:              "11111111-2222-3333-4444-555555555555",
			ProvisioningState: state.Unprovisioned,
		},
	}
	s.logSource = &fakeLogSource{}
	s.runtime = &fakeRuntime{}
	s.metrics = &fakeMetrics{}
	s.engine = &fakeReporter{report: map[string]interface{}{"state": "started"}}
	s.registry = prometheus.NewRegistry()
}

func (s *serverSuite) validConfig() adminapi.Config {
	return adminapi.Config{
		Addr:       "127.0.0.1:0",
		Store:      s.store,
		Reconciler: s.reconciler,
		Hub:        s.hub,
		Identity:   s.ident,
		Logs:       s.logSource,
		Runtime:    s.runtime,
		Metrics:    s.metrics,
		Engine:     s.engine,
		Gatherer:   s.registry,
		Logger:     loggo.GetLogger("test.adminapi"),
	}
}

func (s *serverSuite) newServer(c *gc.C) *adminapi.Server {
	srv, err := adminapi.NewServer(s.validConfig())
	c.Assert(err, jc.ErrorIsNil)
	return srv
}

func (s *serverSuite) get(c *gc.C, srv *adminapi.Server, path string) (*http.Response, []byte) {
	resp, err := http.Get("http://" + srv.Addr() + path)
	c.Assert(err, jc.ErrorIsNil)
	data, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(resp.Body.Close(), jc.ErrorIsNil)
	return resp, data
}

func (s *serverSuite) post(c *gc.C, srv *adminapi.Server, path, body string) (*http.Response, []byte) {
	resp, err := http.Post("http://"+srv.Addr()+path, "application/json", strings.NewReader(body))
	c.Assert(err, jc.ErrorIsNil)
	data, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(resp.Body.Close(), jc.ErrorIsNil)
	return resp, data
}

func (s *serverSuite) TestNewServerValidatesConfig(c *gc.C) {
	type breakage struct {
		expect string
		brk    func(*adminapi.Config)
	}
	for _, t := range []breakage{
		{"empty Addr", func(cfg *adminapi.Config) { cfg.Addr = "" }},
		{"nil Store", func(cfg *adminapi.Config) { cfg.Store = nil }},
		{"nil Reconciler", func(cfg *adminapi.Config) { cfg.Reconciler = nil }},
		{"nil Hub", func(cfg *adminapi.Config) { cfg.Hub = nil }},
		{"nil Identity", func(cfg *adminapi.Config) { cfg.Identity = nil }},
		{"nil Logs", func(cfg *adminapi.Config) { cfg.Logs = nil }},
		{"nil Runtime", func(cfg *adminapi.Config) { cfg.Runtime = nil }},
		{"nil Metrics", func(cfg *adminapi.Config) { cfg.Metrics = nil }},
		{"nil Engine", func(cfg *adminapi.Config) { cfg.Engine = nil }},
		{"nil Gatherer", func(cfg *adminapi.Config) { cfg.Gatherer = nil }},
		{"nil Logger", func(cfg *adminapi.Config) { cfg.Logger = nil }},
	} {
		cfg := s.validConfig()
		t.brk(&cfg)
		_, err := adminapi.NewServer(cfg)
		c.Check(err, jc.ErrorIs, errors.NotValid)
		c.Check(err, gc.ErrorMatches, t.expect+" not valid")
	}
}

func (s *serverSuite) TestListensAndReports(c *gc.C) {
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	c.Check(srv.Addr(), gc.Matches, `127\.0\.0\.1:\d+`)
	c.Check(srv.Report(), jc.DeepEquals, map[string]interface{}{
		"addr":        srv.Addr(),
		"log-streams": 0,
	})
}

func (s *serverSuite) TestShutdownStopsServing(c *gc.C) {
	srv := s.newServer(c)
	addr := srv.Addr()
	workertest.CleanKill(c, srv)

	_, err := http.Get("http://" + addr + "/v1/state")
	c.Check(err, gc.NotNil)
}

// handlerTest drives one request against a fresh server and checks the
// uniform error body.
type handlerTest struct {
	method     string
	endpoint   string
	body       string
	statusCode int
	errorCode  string
	message    string
}

func (s *serverSuite) runHandlerTest(c *gc.C, test handlerTest) {
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	req, err := http.NewRequest(test.method, "http://"+srv.Addr()+test.endpoint, strings.NewReader(test.body))
	c.Assert(err, jc.ErrorIsNil)
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, jc.ErrorIsNil)
	data, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(resp.Body.Close(), jc.ErrorIsNil)

	c.Check(resp.StatusCode, gc.Equals, test.statusCode)
	c.Check(resp.Header.Get("Content-Type"), gc.Equals, "application/json")
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	c.Assert(json.Unmarshal(data, &body), jc.ErrorIsNil)
	c.Check(body.Error, gc.Equals, test.errorCode)
	c.Check(body.Message, gc.Matches, test.message)
}

func (s *serverSuite) TestUnknownEndpoint(c *gc.C) {
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodGet,
		endpoint:   "/v1/nope",
		statusCode: http.StatusNotFound,
		errorCode:  "not-found",
		message:    "no endpoint GET /v1/nope",
	})
}

func (s *serverSuite) TestMethodNotAllowed(c *gc.C) {
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodDelete,
		endpoint:   "/v1/state",
		statusCode: http.StatusMethodNotAllowed,
		errorCode:  "method-not-allowed",
		message:    "DELETE not allowed on /v1/state",
	})
}

func (s *serverSuite) TestStateEmptyStore(c *gc.C) {
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	resp, data := s.get(c, srv, "/v1/state")
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(strings.TrimSpace(string(data)), gc.Equals,
		`{"target":{"version":0,"apps":{}},"current":{"apps":{}},"summary":{}}`)
}

func (s *serverSuite) TestStateSummaryVerdicts(c *gc.C) {
	api := apps.ServiceSpec{ServiceID: 101, ServiceName: "api", ImageRef: "registry.example.com/monitor/api:1.2.0"}
	worker := apps.ServiceSpec{ServiceID: 102, ServiceName: "worker", ImageRef: "registry.example.com/monitor/worker:3.1.4"}
	db := apps.ServiceSpec{ServiceID: 103, ServiceName: "db", ImageRef: "registry.example.com/monitor/db:16"}
	cache := apps.ServiceSpec{ServiceID: 104, ServiceName: "cache", ImageRef: "registry.example.com/monitor/cache:7"}
	ui := apps.ServiceSpec{ServiceID: 105, ServiceName: "ui", ImageRef: "registry.example.com/monitor/ui:2"}

	s.store.target = state.TargetRecord{
		Target: apps.TargetState{
			Version: 4,
			Apps: map[int]apps.AppSpec{
				1: {AppID: 1, AppName: "monitor", Services: []apps.ServiceSpec{api, worker, db, cache, ui}},
			},
		},
		ETag:      `"abc"`,
		UpdatedAt: epoch,
	}
	s.store.current = apps.CurrentState{
		Apps: map[int]apps.AppState{
			1: {AppID: 1, AppName: "monitor", Services: []apps.ServiceState{
				{ServiceID: 101, ServiceName: "api", ImageRef: api.ImageRef, ContainerID: "ctr-1", SpecHash: api.SpecHash(), Status: status.Running},
				{ServiceID: 102, ServiceName: "worker", ImageRef: worker.ImageRef, Status: status.Error, StatusReason: "manifest not found"},
				{ServiceID: 104, ServiceName: "cache", ImageRef: cache.ImageRef, ContainerID: "ctr-4", SpecHash: "000000000000", Status: status.Running},
				{ServiceID: 105, ServiceName: "ui", ImageRef: ui.ImageRef, ContainerID: "ctr-5", SpecHash: ui.SpecHash(), Status: status.Stopped},
			}},
			9: {AppID: 9, AppName: "legacy", Services: []apps.ServiceState{
				{ServiceID: 901, ServiceName: "relic", ImageRef: "old:1", ContainerID: "ctr-9", Status: status.Running},
			}},
		},
	}

	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	resp, data := s.get(c, srv, "/v1/state")
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	var got struct {
		Target struct {
			Version int64  `json:"version"`
			ETag    string `json:"etag"`
		} `json:"target"`
		Summary map[string]status.Reconciliation `json:"summary"`
	}
	c.Assert(json.Unmarshal(data, &got), jc.ErrorIsNil)
	c.Check(got.Target.Version, gc.Equals, int64(4))
	c.Check(got.Target.ETag, gc.Equals, `"abc"`)
	c.Check(got.Summary, jc.DeepEquals, map[string]status.Reconciliation{
		"1/101": {Verdict: status.InSync},
		"1/102": {Verdict: status.Broken, Reason: "manifest not found"},
		"1/103": {Verdict: status.Missing},
		"1/104": {Verdict: status.NeedsUpdate, Reason: "spec changed"},
		"1/105": {Verdict: status.NeedsUpdate, Reason: "not running"},
		"9/901": {Verdict: status.Extra},
	})
}

func (s *serverSuite) TestStateStoreErrorSurfaces(c *gc.C) {
	s.store.targetErr = errors.New("database locked")
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	resp, data := s.get(c, srv, "/v1/state")
	c.Check(resp.StatusCode, gc.Equals, http.StatusInternalServerError)
	c.Check(strings.TrimSpace(string(data)), gc.Equals,
		`{"error":"internal","message":"loading target state: database locked"}`)

	s.store.fail(nil, errors.New("disk failing"))
	resp, data = s.get(c, srv, "/v1/state")
	c.Check(resp.StatusCode, gc.Equals, http.StatusInternalServerError)
	c.Check(strings.TrimSpace(string(data)), gc.Equals,
		`{"error":"internal","message":"loading current state: disk failing"}`)
}

func (s *serverSuite) TestSetTargetPersistsAndNotifies(c *gc.C) {
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	body := `{"apps":{"1":{"appId":1,"appName":"monitor","services":[{"serviceId":101,"serviceName":"api","image":"registry.example.com/monitor/api:1.2.0","ports":["8080:80"]}]}}}`
	resp, data := s.post(c, srv, "/v1/state/target", body)
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(strings.TrimSpace(string(data)), gc.Equals, `{"version":1,"changed":true}`)

	sets := s.store.setCalls()
	c.Assert(sets, gc.HasLen, 1)
	c.Check(sets[0].ETag, gc.Equals, "")
	c.Check(sets[0].Target.Version, gc.Equals, int64(1))
	app, ok := sets[0].Target.App(1)
	c.Assert(ok, jc.IsTrue)
	c.Check(app.AppName, gc.Equals, "monitor")
	c.Assert(app.Services, gc.HasLen, 1)
	c.Check(app.Services[0].ImageRef, gc.Equals, "registry.example.com/monitor/api:1.2.0")

	c.Check(s.hub.topics(), jc.DeepEquals, []string{events.TargetChanged})
	c.Check(s.hub.payloads(events.TargetChanged), jc.DeepEquals, []interface{}{
		events.TargetChangedPayload{Version: 1},
	})
}

func (s *serverSuite) TestSetTargetUnchangedIsNoOp(c *gc.C) {
	current := apps.TargetState{
		Version: 3,
		Apps: map[int]apps.AppSpec{
			1: {AppID: 1, AppName: "monitor", Services: []apps.ServiceSpec{
				{ServiceID: 101, ServiceName: "api", ImageRef: "img:1"},
			}},
		},
	}
	s.store.target = state.TargetRecord{Target: current, ETag: `"abc"`, UpdatedAt: epoch}
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	// The same apps under a different claimed version is still the
	// same target.
	body := `{"version":99,"apps":{"1":{"appId":1,"appName":"monitor","services":[{"serviceId":101,"serviceName":"api","image":"img:1"}]}}}`
	resp, data := s.post(c, srv, "/v1/state/target", body)
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(strings.TrimSpace(string(data)), gc.Equals, `{"version":3,"changed":false}`)
	c.Check(s.store.setCalls(), gc.HasLen, 0)
	c.Check(s.hub.topics(), gc.HasLen, 0)
}

func (s *serverSuite) TestSetTargetRejectsMalformedJSON(c *gc.C) {
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodPost,
		endpoint:   "/v1/state/target",
		body:       "not json",
		statusCode: http.StatusBadRequest,
		errorCode:  "bad-request",
		message:    "decoding target state: .*",
	})
	c.Check(s.store.setCalls(), gc.HasLen, 0)
}

func (s *serverSuite) TestSetTargetRejectsNonStringImage(c *gc.C) {
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodPost,
		endpoint:   "/v1/state/target",
		body:       `{"apps":{"1":{"appId":1,"appName":"monitor","services":[{"serviceId":101,"serviceName":"api","image":123}]}}}`,
		statusCode: http.StatusBadRequest,
		errorCode:  "bad-request",
		message:    "decoding target state: json: cannot unmarshal number .*",
	})
	c.Check(s.store.setCalls(), gc.HasLen, 0)
}

func (s *serverSuite) TestSetTargetRejectsDuplicateServiceID(c *gc.C) {
	s.runHandlerTest(c, handlerTest{
		method:   http.MethodPost,
		endpoint: "/v1/state/target",
		body: `{"apps":{"1":{"appId":1,"appName":"monitor","services":[` +
			`{"serviceId":101,"serviceName":"api","image":"img:1"},` +
			`{"serviceId":101,"serviceName":"api2","image":"img:2"}]}}}`,
		statusCode: http.StatusBadRequest,
		errorCode:  "bad-request",
		message:    `app "monitor" with duplicate service id 101 not valid`,
	})
	c.Check(s.store.setCalls(), gc.HasLen, 0)
	c.Check(s.hub.topics(), gc.HasLen, 0)
}

func (s *serverSuite) TestSetTargetPersistErrorSurfaces(c *gc.C) {
	s.store.setErr = errors.New("disk full")
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodPost,
		endpoint:   "/v1/state/target",
		body:       `{"apps":{"1":{"appId":1,"appName":"monitor","services":[{"serviceId":101,"serviceName":"api","image":"img:1"}]}}}`,
		statusCode: http.StatusInternalServerError,
		errorCode:  "internal",
		message:    "persisting target state: disk full",
	})
	c.Check(s.hub.topics(), gc.HasLen, 0)
}

func (s *serverSuite) TestApplySchedulesReconcile(c *gc.C) {
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	resp, data := s.post(c, srv, "/v1/state/apply", "")
	c.Check(resp.StatusCode, gc.Equals, http.StatusAccepted)
	c.Check(strings.TrimSpace(string(data)), gc.Equals, `{"status":"scheduled"}`)

	c.Check(s.reconciler.clearCount(), gc.Equals, 1)
	c.Check(s.hub.topics(), jc.DeepEquals, []string{events.ReconcileRequested})
	c.Check(s.hub.payloads(events.ReconcileRequested), jc.DeepEquals, []interface{}{
		events.ReconcileRequestedPayload{Requester: "admin-api"},
	})
}

func (s *serverSuite) TestDeviceOmitsKeyHash(c *gc.C) {
	s.ident.identity = state.DeviceIdentity{
		UUID:              "11111111-2222-3333-4444-555555555555",
		DeviceID:          "dev-42",
		DeviceName:        "bench-pi",
		DeviceType:        "raspberrypi4-64",
		FleetID:           "fleet-7",
		ProvisioningState: state.Registered,
		APIKeyHash:        "$2a$10$abcdefghijklmnopqrstuv",
		APIEndpoint:       "https://cloud.example",
		ProvisionedAt:     epoch,
	}
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	resp, data := s.get(c, srv, "/v1/device")
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(string(data), gc.Not(jc.Contains), "$2a$")
	c.Check(string(data), gc.Not(jc.Contains), "KeyHash")

	var got map[string]interface{}
	c.Assert(json.Unmarshal(data, &got), jc.ErrorIsNil)
	c.Check(got["uuid"], gc.Equals, "11111111-2222-3333-4444-555555555555")
	c.Check(got["deviceId"], gc.Equals, "dev-42")
	c.Check(got["fleetId"], gc.Equals, "fleet-7")
	c.Check(got["provisioningState"], gc.Equals, "registered")
	c.Check(got["registered"], gc.Equals, true)
	c.Check(got["agentVersion"], gc.Equals, version.Current.String())
}

func (s *serverSuite) TestProvisionRegistersDevice(c *gc.C) {
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	resp, data := s.post(c, srv, "/v1/device/provision", `{"provisioningKey":"pk-123"}`)
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(s.ident.provisionedWith(), jc.DeepEquals, []string{"pk-123"})

	var got map[string]interface{}
	c.Assert(json.Unmarshal(data, &got), jc.ErrorIsNil)
	c.Check(got["deviceId"], gc.Equals, "dev-42")
	c.Check(got["registered"], gc.Equals, true)
}

func (s *serverSuite) TestProvisionRejectsEmptyKey(c *gc.C) {
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodPost,
		endpoint:   "/v1/device/provision",
		body:       `{}`,
		statusCode: http.StatusBadRequest,
		errorCode:  "bad-request",
		message:    "empty provisioningKey not valid",
	})
	c.Check(s.ident.provisionedWith(), gc.HasLen, 0)
}

func (s *serverSuite) TestProvisionAlreadyRegistered(c *gc.C) {
	s.ident.provisionErr = identity.ErrAlreadyRegistered
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodPost,
		endpoint:   "/v1/device/provision",
		body:       `{"provisioningKey":"pk-123"}`,
		statusCode: http.StatusConflict,
		errorCode:  "already-registered",
		message:    "already-registered",
	})
}

func (s *serverSuite) TestProvisionRejectedKey(c *gc.C) {
	s.ident.provisionErr = errors.Unauthorizedf("provisioning key rejected")
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodPost,
		endpoint:   "/v1/device/provision",
		body:       `{"provisioningKey":"pk-bad"}`,
		statusCode: http.StatusUnauthorized,
		errorCode:  "unauthorized",
		message:    "provisioning key rejected",
	})
}

func (s *serverSuite) TestResetClearsIdentity(c *gc.C) {
	s.ident.identity.ProvisioningState = state.Registered
	s.ident.identity.DeviceID = "dev-42"
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	resp, data := s.post(c, srv, "/v1/device/reset", "")
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(s.ident.resetCount(), gc.Equals, 1)

	var got map[string]interface{}
	c.Assert(json.Unmarshal(data, &got), jc.ErrorIsNil)
	c.Check(got["provisioningState"], gc.Equals, "unprovisioned")
	c.Check(got["registered"], gc.Equals, false)
}

func (s *serverSuite) TestMetricsSnapshot(c *gc.C) {
	s.metrics.snapshot = cloud.Metrics{
		IPAddress:   "10.1.2.3",
		CPUUsage:    12.5,
		MemoryTotal: 2048,
	}
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	resp, data := s.get(c, srv, "/v1/metrics")
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	var got cloud.Metrics
	c.Assert(json.Unmarshal(data, &got), jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, s.metrics.snapshot)
}

func (s *serverSuite) TestEngineReport(c *gc.C) {
	s.engine.report = map[string]interface{}{
		"state": "started",
		"workers": map[string]interface{}{
			"reconciler": "running",
		},
	}
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	resp, data := s.get(c, srv, "/v1/engine")
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	var got map[string]interface{}
	c.Assert(json.Unmarshal(data, &got), jc.ErrorIsNil)
	c.Check(got["state"], gc.Equals, "started")
	c.Check(got["workers"], jc.DeepEquals, map[string]interface{}{"reconciler": "running"})
}

func (s *serverSuite) TestPrometheusScrape(c *gc.C) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "iotistic",
		Subsystem: "admin",
		Name:      "requests_total",
		Help:      "Requests served.",
	})
	s.registry.MustRegister(counter)
	counter.Inc()

	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	resp, data := s.get(c, srv, "/metrics")
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(string(data), jc.Contains, "iotistic_admin_requests_total 1")
}

func (s *serverSuite) TestExecRunsCommand(c *gc.C) {
	s.runtime.result = container.ExecResult{ExitCode: 7, Stdout: "hi\n", Stderr: "warning\n"}
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	resp, data := s.post(c, srv, "/v1/containers/ctr-1/exec", `{"command":["sh","-c","echo hi"]}`)
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(strings.TrimSpace(string(data)), gc.Equals,
		`{"exitCode":7,"stdout":"hi\n","stderr":"warning\n"}`)

	calls := s.runtime.execCalls()
	c.Assert(calls, gc.HasLen, 1)
	c.Check(calls[0].id, gc.Equals, "ctr-1")
	c.Check(calls[0].cmd, jc.DeepEquals, []string{"sh", "-c", "echo hi"})
}

func (s *serverSuite) TestExecRejectsEmptyCommand(c *gc.C) {
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodPost,
		endpoint:   "/v1/containers/ctr-1/exec",
		body:       `{"command":[]}`,
		statusCode: http.StatusBadRequest,
		errorCode:  "bad-request",
		message:    "empty command not valid",
	})
	c.Check(s.runtime.execCalls(), gc.HasLen, 0)
}

func (s *serverSuite) TestExecUnknownContainer(c *gc.C) {
	s.runtime.err = errors.NotFoundf("container %q", "ghost")
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodPost,
		endpoint:   "/v1/containers/ghost/exec",
		body:       `{"command":["true"]}`,
		statusCode: http.StatusNotFound,
		errorCode:  "not-found",
		message:    `exec in container "ghost": container "ghost" not found`,
	})
}

func (s *serverSuite) TestLogsQueryAppliesFilter(c *gc.C) {
	s.logSource.entries = []logs.Entry{
		containerEntry(1, "api", logs.LevelInfo, "one", epoch),
		containerEntry(1, "api", logs.LevelError, "two", epoch.Add(1*time.Second)),
		containerEntry(2, "worker", logs.LevelError, "three", epoch.Add(2*time.Second)),
		containerEntry(1, "api", logs.LevelError, "four", epoch.Add(3*time.Second)),
	}
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	resp, data := s.get(c, srv, "/v1/logs?service=api&level=error&limit=2")
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(entryMessages(c, data), jc.DeepEquals, []string{"two", "four"})
	c.Check(s.logSource.lastQueryLimit(), gc.Equals, 2)

	_, data = s.get(c, srv, "/v1/logs?app=2")
	c.Check(entryMessages(c, data), jc.DeepEquals, []string{"three"})

	_, data = s.get(c, srv, "/v1/logs?since="+url.QueryEscape(epoch.Add(2*time.Second).Format(time.RFC3339)))
	c.Check(entryMessages(c, data), jc.DeepEquals, []string{"three", "four"})
}

func (s *serverSuite) TestLogsDefaultLimit(c *gc.C) {
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	resp, data := s.get(c, srv, "/v1/logs")
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(strings.TrimSpace(string(data)), gc.Equals, `{"count":0,"entries":[]}`)
	c.Check(s.logSource.lastQueryLimit(), gc.Equals, adminapi.DefaultLogLimit)
}

func (s *serverSuite) TestLogsRejectsBadSince(c *gc.C) {
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodGet,
		endpoint:   "/v1/logs?since=yesterday",
		statusCode: http.StatusBadRequest,
		errorCode:  "bad-request",
		message:    `since "yesterday" not valid`,
	})
}

func (s *serverSuite) TestLogsRejectsBadLimit(c *gc.C) {
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodGet,
		endpoint:   "/v1/logs?limit=0",
		statusCode: http.StatusBadRequest,
		errorCode:  "bad-request",
		message:    `limit "0" not valid`,
	})
}

func (s *serverSuite) TestLogStreamFollows(c *gc.C) {
	s.logSource.entries = []logs.Entry{
		containerEntry(1, "api", logs.LevelInfo, "backlog line", epoch),
	}
	srv := s.newServer(c)
	defer workertest.CleanKill(c, srv)

	conn, _, err := websocket.DefaultDialer.Dial(
		"ws://"+srv.Addr()+"/v1/logs/stream?service=api&tail=5", nil)
	c.Assert(err, jc.ErrorIsNil)
	defer conn.Close()

	var entry logs.Entry
	c.Assert(conn.ReadJSON(&entry), jc.ErrorIsNil)
	c.Check(entry.Message, gc.Equals, "backlog line")

	c.Check(srv.Report()["log-streams"], gc.Equals, 1)

	s.logSource.emit(containerEntry(1, "api", logs.LevelInfo, "live one", epoch.Add(1*time.Second)))
	s.logSource.emit(containerEntry(2, "worker", logs.LevelInfo, "noise", epoch.Add(2*time.Second)))
	s.logSource.emit(containerEntry(1, "api", logs.LevelError, "live two", epoch.Add(3*time.Second)))

	c.Assert(conn.ReadJSON(&entry), jc.ErrorIsNil)
	c.Check(entry.Message, gc.Equals, "live one")
	c.Assert(conn.ReadJSON(&entry), jc.ErrorIsNil)
	c.Check(entry.Message, gc.Equals, "live two")
	c.Check(entry.Level, gc.Equals, logs.LevelError)

	c.Assert(conn.Close(), jc.ErrorIsNil)
	deadline := time.After(coretesting.LongWait)
	for s.logSource.cancelCount() == 0 {
		select {
		case <-deadline:
			c.Fatalf("follow was never cancelled")
		case <-time.After(coretesting.ShortWait):
		}
	}
	c.Check(s.logSource.cancelCount(), gc.Equals, 1)
}

func (s *serverSuite) TestLogStreamEndsOnShutdown(c *gc.C) {
	srv := s.newServer(c)

	conn, _, err := websocket.DefaultDialer.Dial(
		"ws://"+srv.Addr()+"/v1/logs/stream", nil)
	c.Assert(err, jc.ErrorIsNil)
	defer conn.Close()

	deadline := time.After(coretesting.LongWait)
	for s.logSource.followCount() == 0 {
		select {
		case <-deadline:
			c.Fatalf("stream handler never attached")
		case <-time.After(coretesting.ShortWait):
		}
	}

	workertest.CleanKill(c, srv)

	_, _, err = conn.ReadMessage()
	c.Check(websocket.IsCloseError(err, websocket.CloseGoingAway), jc.IsTrue)
}

func entryMessages(c *gc.C, data []byte) []string {
	var body struct {
		Count   int          `json:"count"`
		Entries []logs.Entry `json:"entries"`
	}
	c.Assert(json.Unmarshal(data, &body), jc.ErrorIsNil)
	c.Check(body.Count, gc.Equals, len(body.Entries))
	out := make([]string, 0, len(body.Entries))
	for _, e := range body.Entries {
		out = append(out, e.Message)
	}
	return out
}

func containerEntry(appID int, service string, level logs.Level, message string, ts time.Time) logs.Entry {
	return logs.Entry{
		Timestamp:   ts,
		Level:       level,
		Source:      logs.SourceContainer,
		AppID:       appID,
		ServiceID:   appID*100 + 1,
		ServiceName: service,
		Message:     message,
	}
}

type fakeStore struct {
	mu         sync.Mutex
	target     state.TargetRecord
	current    apps.CurrentState
	sets       []state.TargetRecord
	targetErr  error
	currentErr error
	setErr     error
}

func (f *fakeStore) TargetState(ctx context.Context) (state.TargetRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.targetErr != nil {
		return state.TargetRecord{}, f.targetErr
	}
	return f.target, nil
}

func (f *fakeStore) SetTargetState(ctx context.Context, record state.TargetRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.target = record
	f.sets = append(f.sets, record)
	return nil
}

func (f *fakeStore) CurrentState(ctx context.Context) (apps.CurrentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentErr != nil {
		return apps.CurrentState{}, f.currentErr
	}
	return f.current, nil
}

func (f *fakeStore) setCalls() []state.TargetRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]state.TargetRecord, len(f.sets))
	copy(out, f.sets)
	return out
}

// fail swaps the read errors while the server is live.
func (f *fakeStore) fail(targetErr, currentErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targetErr = targetErr
	f.currentErr = currentErr
}

type fakeReconciler struct {
	mu      sync.Mutex
	cleared int
}

func (f *fakeReconciler) ClearHolds() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
}

func (f *fakeReconciler) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

type recordingHub struct {
	mu    sync.Mutex
	calls []hubCall
}

type hubCall struct {
	topic string
	data  interface{}
}

func (h *recordingHub) Publish(topic string, data interface{}) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hubCall{topic: topic, data: data})
	done := make(chan struct{})
	close(done)
	return done
}

func (h *recordingHub) topics() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	for i, call := range h.calls {
		out[i] = call.topic
	}
	return out
}

func (h *recordingHub) payloads(topic string) []interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []interface{}
	for _, call := range h.calls {
		if call.topic == topic {
			out = append(out, call.data)
		}
	}
	return out
}

type fakeIdentity struct {
	mu           sync.Mutex
	identity     state.DeviceIdentity
	keys         []string
	resets       int
	provisionErr error
	resetErr     error
}

func (f *fakeIdentity) Identity() state.DeviceIdentity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

func (f *fakeIdentity) Provision(ctx context.Context, provisioningKey string) (state.DeviceIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisionErr != nil {
		return state.DeviceIdentity{}, f.provisionErr
	}
	f.keys = append(f.keys, provisioningKey)
	f.identity.DeviceID = "dev-42"
	f.identity.DeviceName = "bench-pi"
	f.identity.FleetID = "fleet-7"
	f.identity.ProvisioningState = state.Registered
	f.identity.ProvisionedAt = epoch
	return f.identity, nil
}

func (f *fakeIdentity) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resets++
	f.identity = state.DeviceIdentity{
		UUID:              "99999999-8888-7777-6666-555555555555",
		ProvisioningState: state.Unprovisioned,
	}
	return nil
}

func (f *fakeIdentity) provisionedWith() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

func (f *fakeIdentity) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

type fakeLogSource struct {
	mu        sync.Mutex
	entries   []logs.Entry
	lastLimit int
	follower  chan logs.Entry
	filter    logpipeline.Filter
	follows   int
	cancels   int
}

func (f *fakeLogSource) Query(filter logpipeline.Filter, limit int) []logs.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	var out []logs.Entry
	for _, e := range f.entries {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (f *fakeLogSource) Follow(filter logpipeline.Filter, buffer int) (<-chan logs.Entry, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.follower = make(chan logs.Entry, buffer)
	f.filter = filter
	f.follows++
	ch := f.follower
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancels++
	}
}

// emit mirrors the pipeline: only entries passing the follower's
// filter reach its channel.
func (f *fakeLogSource) emit(e logs.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.follower != nil && f.filter.Match(e) {
		f.follower <- e
	}
}

func (f *fakeLogSource) lastQueryLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLimit
}

func (f *fakeLogSource) followCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.follows
}

func (f *fakeLogSource) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

type execCall struct {
	id  string
	cmd []string
}

type fakeRuntime struct {
	mu     sync.Mutex
	result container.ExecResult
	err    error
	calls  []execCall
}

func (f *fakeRuntime) Exec(ctx context.Context, id string, cmd []string) (container.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return container.ExecResult{}, f.err
	}
	f.calls = append(f.calls, execCall{id: id, cmd: cmd})
	return f.result, nil
}

func (f *fakeRuntime) execCalls() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]execCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeMetrics struct {
	snapshot cloud.Metrics
}

func (f *fakeMetrics) Snapshot(ctx context.Context) cloud.Metrics {
	return f.snapshot
}

type fakeReporter struct {
	report map[string]interface{}
}

func (f *fakeReporter) Report() map[string]interface{} {
	return f.report
}
