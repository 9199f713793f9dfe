// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iotistic/agent/core/apps"
	"github.com/iotistic/agent/core/events"
	"github.com/iotistic/agent/core/status"
	"github.com/iotistic/agent/internal/state"
	"github.com/iotistic/agent/version"
)

const (
	// DefaultExecTimeout bounds a one-shot exec when the request does
	// not carry its own timeout.
	DefaultExecTimeout = 60 * time.Second

	// MaxExecTimeout caps the per-request exec timeout.
	MaxExecTimeout = 10 * time.Minute
)

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	v1.HandleFunc("/state/target", s.handleSetTarget).Methods(http.MethodPost)
	v1.HandleFunc("/state/apply", s.handleApply).Methods(http.MethodPost)
	v1.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	v1.HandleFunc("/logs/stream", s.handleLogStream).Methods(http.MethodGet)
	v1.HandleFunc("/containers/{id}/exec", s.handleExec).Methods(http.MethodPost)
	v1.HandleFunc("/device", s.handleDevice).Methods(http.MethodGet)
	v1.HandleFunc("/device/provision", s.handleProvision).Methods(http.MethodPost)
	v1.HandleFunc("/device/reset", s.handleReset).Methods(http.MethodPost)
	v1.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/engine", s.handleEngine).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
	return r
}

// stateResponse is the body of GET /v1/state.
type stateResponse struct {
	Target  targetPayload                    `json:"target"`
	Current apps.CurrentState                `json:"current"`
	Summary map[string]status.Reconciliation `json:"summary"`
}

type targetPayload struct {
	Version   int64                `json:"version"`
	ETag      string               `json:"etag,omitempty"`
	UpdatedAt *time.Time           `json:"updatedAt,omitempty"`
	Apps      map[int]apps.AppSpec `json:"apps"`
}

func (s *Server) handleState(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	record, err := s.config.Store.TargetState(ctx)
	if err != nil {
		s.writeError(w, errors.Annotate(err, "loading target state"))
		return
	}
	current, err := s.config.Store.CurrentState(ctx)
	if err != nil {
		s.writeError(w, errors.Annotate(err, "loading current state"))
		return
	}
	resp := stateResponse{
		Target: targetPayload{
			Version: record.Target.Version,
			ETag:    record.ETag,
			Apps:    record.Target.Apps,
		},
		Current: current,
		Summary: summarize(record.Target, current),
	}
	if !record.UpdatedAt.IsZero() {
		t := record.UpdatedAt
		resp.Target.UpdatedAt = &t
	}
	if resp.Target.Apps == nil {
		resp.Target.Apps = map[int]apps.AppSpec{}
	}
	if resp.Current.Apps == nil {
		resp.Current.Apps = map[int]apps.AppState{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// targetAccepted is the body of a successful POST /v1/state/target.
type targetAccepted struct {
	Version int64 `json:"version"`
	Changed bool  `json:"changed"`
}

func (s *Server) handleSetTarget(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	var incoming apps.TargetState
	if err := json.NewDecoder(req.Body).Decode(&incoming); err != nil {
		s.writeError(w, errors.NewNotValid(err, "decoding target state"))
		return
	}
	if err := incoming.Validate(); err != nil {
		s.writeError(w, errors.Trace(err))
		return
	}
	record, err := s.config.Store.TargetState(ctx)
	if err != nil {
		s.writeError(w, errors.Annotate(err, "loading target state"))
		return
	}
	if incoming.Equal(record.Target) {
		s.writeJSON(w, http.StatusOK, targetAccepted{Version: record.Target.Version})
		return
	}
	incoming.Version = record.Target.Version + 1
	// The empty etag invalidates the cloud's copy, so the next poll
	// re-fetches and decides whether the override stands.
	if err := s.config.Store.SetTargetState(ctx, state.TargetRecord{Target: incoming}); err != nil {
		s.writeError(w, errors.Annotate(err, "persisting target state"))
		return
	}
	s.config.Logger.Infof("target state replaced via admin api: version %d, %d apps", incoming.Version, len(incoming.Apps))
	_ = s.config.Hub.Publish(events.TargetChanged, events.TargetChangedPayload{Version: incoming.Version})
	s.writeJSON(w, http.StatusOK, targetAccepted{Version: incoming.Version, Changed: true})
}

// statusResponse acknowledges an accepted request with no other body.
type statusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleApply(w http.ResponseWriter, req *http.Request) {
	s.config.Reconciler.ClearHolds()
	_ = s.config.Hub.Publish(events.ReconcileRequested, events.ReconcileRequestedPayload{
		Requester: "admin-api",
	})
	s.writeJSON(w, http.StatusAccepted, statusResponse{Status: "scheduled"})
}

// devicePayload is the identity as shown to operators. The api key
// hash never leaves the store.
type devicePayload struct {
	UUID              string     `json:"uuid"`
	DeviceID          string     `json:"deviceId,omitempty"`
	DeviceName        string     `json:"deviceName,omitempty"`
	DeviceType        string     `json:"deviceType,omitempty"`
	FleetID           string     `json:"fleetId,omitempty"`
	ProvisioningState string     `json:"provisioningState"`
	APIEndpoint       string     `json:"apiEndpoint,omitempty"`
	ProvisionedAt     *time.Time `json:"provisionedAt,omitempty"`
	Registered        bool       `json:"registered"`
	AgentVersion      string     `json:"agentVersion"`
}

func deviceView(id state.DeviceIdentity) devicePayload {
	p := devicePayload{
		UUID:              id.UUID,
		DeviceID:          id.DeviceID,
		DeviceName:        id.DeviceName,
		DeviceType:        id.DeviceType,
		FleetID:           id.FleetID,
		ProvisioningState: string(id.ProvisioningState),
		APIEndpoint:       id.APIEndpoint,
		Registered:        id.ProvisioningState == state.Registered,
		AgentVersion:      version.Current.String(),
	}
	if !id.ProvisionedAt.IsZero() {
		t := id.ProvisionedAt
		p.ProvisionedAt = &t
	}
	return p
}

func (s *Server) handleDevice(w http.ResponseWriter, req *http.Request) {
	s.writeJSON(w, http.StatusOK, deviceView(s.config.Identity.Identity()))
}

type provisionRequest struct {
	ProvisioningKey string `json:"provisioningKey"`
}

func (s *Server) handleProvision(w http.ResponseWriter, req *http.Request) {
	var body provisionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		s.writeError(w, errors.NewNotValid(err, "decoding provision request"))
		return
	}
	if body.ProvisioningKey == "" {
		s.writeError(w, errors.NotValidf("empty provisioningKey"))
		return
	}
	id, err := s.config.Identity.Provision(req.Context(), body.ProvisioningKey)
	if err != nil {
		s.writeError(w, errors.Trace(err))
		return
	}
	s.writeJSON(w, http.StatusOK, deviceView(id))
}

func (s *Server) handleReset(w http.ResponseWriter, req *http.Request) {
	if err := s.config.Identity.Reset(req.Context()); err != nil {
		s.writeError(w, errors.Annotate(err, "resetting device identity"))
		return
	}
	s.config.Logger.Warningf("device identity reset via admin api")
	s.writeJSON(w, http.StatusOK, deviceView(s.config.Identity.Identity()))
}

func (s *Server) handleMetrics(w http.ResponseWriter, req *http.Request) {
	s.writeJSON(w, http.StatusOK, s.config.Metrics.Snapshot(req.Context()))
}

func (s *Server) handleEngine(w http.ResponseWriter, req *http.Request) {
	s.writeJSON(w, http.StatusOK, s.config.Engine.Report())
}

type execRequest struct {
	Command        []string `json:"command"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
}

type execResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (s *Server) handleExec(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	var body execRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		s.writeError(w, errors.NewNotValid(err, "decoding exec request"))
		return
	}
	if len(body.Command) == 0 {
		s.writeError(w, errors.NotValidf("empty command"))
		return
	}
	timeout := DefaultExecTimeout
	if body.TimeoutSeconds > 0 {
		timeout = time.Duration(body.TimeoutSeconds) * time.Second
		if timeout > MaxExecTimeout {
			timeout = MaxExecTimeout
		}
	}
	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	defer cancel()
	result, err := s.config.Runtime.Exec(ctx, id, body.Command)
	if err != nil {
		s.writeError(w, errors.Annotatef(err, "exec in container %q", id))
		return
	}
	s.writeJSON(w, http.StatusOK, execResponse{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	})
}

// summarize derives a per-service verdict from the target and the
// observed current state. Keys are "appID/serviceID".
func summarize(target apps.TargetState, current apps.CurrentState) map[string]status.Reconciliation {
	out := make(map[string]status.Reconciliation)
	for _, appID := range target.SortedAppIDs() {
		app := target.Apps[appID]
		curApp, _ := current.App(appID)
		for _, svc := range app.SortedServices() {
			key := fmt.Sprintf("%d/%d", appID, svc.ServiceID)
			cur, ok := curApp.Service(svc.ServiceID)
			switch {
			case ok && cur.Status == status.Error:
				out[key] = status.Reconciliation{Verdict: status.Broken, Reason: cur.StatusReason}
			case !ok || cur.ContainerID == "":
				out[key] = status.Reconciliation{Verdict: status.Missing}
			case cur.SpecHash != svc.SpecHash():
				out[key] = status.Reconciliation{Verdict: status.NeedsUpdate, Reason: "spec changed"}
			case cur.Status != status.Running && cur.Status != status.Restarting:
				out[key] = status.Reconciliation{Verdict: status.NeedsUpdate, Reason: "not running"}
			default:
				out[key] = status.Reconciliation{Verdict: status.InSync}
			}
		}
	}
	for _, appID := range current.SortedAppIDs() {
		curApp := current.Apps[appID]
		targetApp, inTarget := target.App(appID)
		for _, cur := range curApp.SortedServices() {
			if inTarget {
				if _, ok := targetApp.Service(cur.ServiceID); ok {
					continue
				}
			}
			key := fmt.Sprintf("%d/%d", appID, cur.ServiceID)
			out[key] = status.Reconciliation{Verdict: status.Extra}
		}
	}
	return out
}
