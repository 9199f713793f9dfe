// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconciler turns the declared target state into runtime
// operations. A pass observes the runtime, computes a deterministic
// plan, and executes it step by step, persisting progress after every
// step. Failures abort the rest of the plan: transient ones are simply
// retried on the next pass, semantic ones latch the service into an
// error state until the target changes or an operator intervenes.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/iotistic/agent/core/apps"
	"github.com/iotistic/agent/core/events"
	"github.com/iotistic/agent/core/plan"
	"github.com/iotistic/agent/core/status"
	"github.com/iotistic/agent/internal/container"
	"github.com/iotistic/agent/internal/state"
)

const (
	// pullFailureLimit and pullFailureWindow bound how long a flaky
	// registry is retried before the affected services are latched.
	pullFailureLimit  = 3
	pullFailureWindow = 10 * time.Minute

	// reasonImagePullDegraded is the latched status reason after
	// repeated transient pull failures of one image.
	reasonImagePullDegraded = "image-pull-degraded"
)

// Logger is the subset of loggo used by this package.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
}

// Publisher posts events to the central hub.
type Publisher interface {
	Publish(topic string, data interface{}) <-chan struct{}
}

// StateStore is the slice of the persistent store the reconciler
// needs.
type StateStore interface {
	TargetState(ctx context.Context) (state.TargetRecord, error)
	CurrentState(ctx context.Context) (apps.CurrentState, error)
	SetCurrentState(ctx context.Context, current apps.CurrentState) error
}

// Config holds a Reconciler's dependencies.
type Config struct {
	Engine   container.Engine
	Store    StateStore
	Hub      Publisher
	Clock    clock.Clock
	Logger   Logger
	Timeouts Timeouts
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.Engine == nil {
		return errors.NotValidf("nil Engine")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
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

// hold is a latched failure: the service is left alone while the
// target's spec hash matches the one it failed under.
type hold struct {
	specHash string
	reason   string
}

type pullFailureRecord struct {
	count int
	first time.Time
}

// Reconciler drives the runtime towards the target state, one pass at
// a time. Passes are serialized internally; the worker above also
// takes the machine lock so that at most one plan mutates the runtime.
type Reconciler struct {
	config Config
	exec   *executor

	// runMu serializes passes; mu guards the latch bookkeeping, which
	// Report reads while a pass may be in flight.
	runMu sync.Mutex
	mu    sync.Mutex

	holds        map[ServiceKey]hold
	pullFailures map[string]pullFailureRecord
	rejected     *rejectedTarget

	// preemptMu guards preempt, which is armed for the duration of a
	// pass and signalled from outside it.
	preemptMu sync.Mutex
	preempt   chan struct{}
}

// rejectedTarget records a target that failed validation, for the
// introspection report.
type rejectedTarget struct {
	version int64
	reason  string
}

// New returns a Reconciler ready to run passes.
func New(config Config) (*Reconciler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	config.Timeouts = config.Timeouts.withDefaults()
	return &Reconciler{
		config: config,
		exec: &executor{
			engine:   config.Engine,
			store:    config.Store,
			hub:      config.Hub,
			logger:   config.Logger,
			timeouts: config.Timeouts,
		},
		holds:        make(map[ServiceKey]hold),
		pullFailures: make(map[string]pullFailureRecord),
	}, nil
}

// Outcome describes one pass.
type Outcome struct {
	// Plan is what the pass decided to do.
	Plan plan.Plan

	// Executed is the number of steps that completed.
	Executed int

	// Err is the failure that aborted the plan, nil when every step
	// completed. Step failures are part of normal operation: they are
	// latched and reported, not escalated to the worker.
	Err error

	// Preempted is true when an operator override stopped the pass
	// after the step counted by Executed; the rest of the plan is
	// recomputed by the pass the override queued.
	Preempted bool
}

// Converged reports whether the pass found nothing to do.
func (o Outcome) Converged() bool {
	return o.Err == nil && o.Plan.IsNoOp()
}

// Reconcile runs one pass: observe, plan, execute. The returned error
// is infrastructural (store or runtime listing trouble); step failures
// and target rejections are reported through the Outcome instead.
func (r *Reconciler) Reconcile(ctx context.Context) (Outcome, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	preempt := r.armPreempt()
	defer r.disarmPreempt()

	record, err := r.config.Store.TargetState(ctx)
	if err != nil {
		return Outcome{}, errors.Annotate(err, "loading target state")
	}
	target := record.Target

	// A target that violates the state model must never reach the
	// runtime: the pass is rejected before the first engine call and
	// the last valid state keeps running.
	if err := target.Validate(); err != nil {
		r.noteRejectedTarget(target.Version, err)
		r.config.Logger.Errorf("rejecting target version %d: %v", target.Version, err)
		return Outcome{Err: errors.Annotatef(err, "invalid target version %d", target.Version)}, nil
	}
	r.clearRejectedTarget()

	observed, err := Observe(ctx, r.config.Engine, r.config.Logger)
	if err != nil {
		return Outcome{}, errors.Trace(err)
	}

	r.dropStaleHolds(target)
	r.overlayHolds(target, &observed.Current)

	p := ComputePlan(target, observed, r.heldHashes())
	outcome := Outcome{Plan: p}
	markDeploying(p, &observed.Current)

	// The refreshed observation is persisted even for a no-op plan:
	// containers crashing or vanishing outside our control must reach
	// the store and the state reporter.
	stored, err := r.config.Store.CurrentState(ctx)
	if err != nil {
		return Outcome{}, errors.Annotate(err, "loading current state")
	}
	if !stored.Equal(observed.Current) {
		if err := r.config.Store.SetCurrentState(ctx, observed.Current); err != nil {
			return Outcome{}, errors.Annotate(err, "persisting current state")
		}
		_ = r.config.Hub.Publish(events.CurrentChanged, nil)
	}

	if p.IsNoOp() {
		r.config.Logger.Debugf("target version %d: converged", target.Version)
		return outcome, nil
	}
	r.config.Logger.Infof("target version %d: executing %d steps\n%s", target.Version, len(p.Steps), p)

	current, executed, stepErr := r.exec.execute(ctx, p, observed.Current, preempt)
	outcome.Executed = executed
	r.notePullResults(p, executed)

	if stepErr == nil {
		r.config.Logger.Infof("plan complete: %d steps", executed)
		return outcome, nil
	}
	if errors.Is(stepErr, errPreempted) {
		outcome.Preempted = true
		r.config.Logger.Infof("plan preempted after %d of %d steps", executed, len(p.Steps))
		return outcome, nil
	}
	outcome.Err = stepErr
	r.config.Logger.Errorf("plan aborted after %d of %d steps: %v", executed, len(p.Steps), stepErr)
	r.recordFailure(ctx, p.Steps[executed], stepErr, target, current)
	return outcome, nil
}

// Preempt asks a pass in flight to stop after its current step, so an
// operator request does not wait out a long plan; the trigger that
// accompanies the request replans from scratch. Without a pass running
// it does nothing.
func (r *Reconciler) Preempt() {
	r.preemptMu.Lock()
	defer r.preemptMu.Unlock()
	if r.preempt == nil {
		return
	}
	select {
	case <-r.preempt:
	default:
		close(r.preempt)
	}
}

func (r *Reconciler) armPreempt() <-chan struct{} {
	r.preemptMu.Lock()
	defer r.preemptMu.Unlock()
	r.preempt = make(chan struct{})
	return r.preempt
}

func (r *Reconciler) disarmPreempt() {
	r.preemptMu.Lock()
	defer r.preemptMu.Unlock()
	r.preempt = nil
}

// ClearHolds forgets latched failures and pull history, so the next
// pass retries everything. The admin API's apply endpoint uses it to
// implement manual restart.
func (r *Reconciler) ClearHolds() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holds = make(map[ServiceKey]hold)
	r.pullFailures = make(map[string]pullFailureRecord)
}

// Report is surfaced through the dependency engine's introspection
// endpoint.
func (r *Reconciler) Report() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	report := make(map[string]interface{})
	if len(r.holds) > 0 {
		held := make(map[string]interface{}, len(r.holds))
		for key, h := range r.holds {
			held[fmt.Sprintf("%d/%d", key.AppID, key.ServiceID)] = h.reason
		}
		report["held-services"] = held
	}
	if len(r.pullFailures) > 0 {
		report["pull-failures"] = len(r.pullFailures)
	}
	if r.rejected != nil {
		report["rejected-target"] = map[string]interface{}{
			"version": r.rejected.version,
			"error":   r.rejected.reason,
		}
	}
	return report
}

func (r *Reconciler) noteRejectedTarget(version int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = &rejectedTarget{version: version, reason: err.Error()}
}

func (r *Reconciler) clearRejectedTarget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = nil
}

// dropStaleHolds releases latches whose target spec has moved on.
func (r *Reconciler) dropStaleHolds(target apps.TargetState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, h := range r.holds {
		app, ok := target.App(key.AppID)
		if !ok {
			delete(r.holds, key)
			continue
		}
		svc, ok := app.Service(key.ServiceID)
		if !ok || svc.SpecHash() != h.specHash {
			delete(r.holds, key)
		}
	}
}

// overlayHolds stamps the latched error status onto the observed
// state, so the store and the reporters see why a service is frozen.
func (r *Reconciler) overlayHolds(target apps.TargetState, current *apps.CurrentState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, h := range r.holds {
		app, ok := target.App(key.AppID)
		if !ok {
			continue
		}
		svc, ok := app.Service(key.ServiceID)
		if !ok {
			continue
		}
		st := apps.ServiceState{
			ServiceID:   key.ServiceID,
			ServiceName: svc.ServiceName,
			ImageRef:    svc.ImageRef,
		}
		if curApp, ok := current.App(key.AppID); ok {
			if existing, ok := curApp.Service(key.ServiceID); ok {
				st = existing
			}
		}
		st.Status = status.Error
		st.StatusReason = h.reason
		current.SetService(key.AppID, app.AppName, st)
	}
}

func (r *Reconciler) heldHashes() Holds {
	r.mu.Lock()
	defer r.mu.Unlock()
	held := make(Holds, len(r.holds))
	for key, h := range r.holds {
		held[key] = h.specHash
	}
	return held
}

// notePullResults clears the failure history of every image whose
// download step completed in this pass.
func (r *Reconciler) notePullResults(p plan.Plan, executed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, step := range p.Steps[:executed] {
		if d, ok := step.(plan.DownloadImage); ok {
			delete(r.pullFailures, d.ImageRef)
		}
	}
}

// recordFailure classifies an aborted step and latches the affected
// services where retrying without a target change would be pointless.
func (r *Reconciler) recordFailure(ctx context.Context, step plan.Step, stepErr error, target apps.TargetState, current apps.CurrentState) {
	if errors.Is(stepErr, context.Canceled) {
		// Shutdown, not a verdict on the step.
		return
	}
	var touched bool
	switch s := step.(type) {
	case plan.DownloadImage:
		if container.IsSemantic(stepErr) || errors.Is(stepErr, errors.NotFound) {
			touched = r.holdImage(target, s.ImageRef, reasonFor(stepErr), &current)
			break
		}
		if r.notePullFailure(s.ImageRef) {
			touched = r.holdImage(target, s.ImageRef, reasonImagePullDegraded, &current)
		}
	case plan.StartContainer:
		if container.IsSemantic(stepErr) || container.IsRecreationAttempt(stepErr) {
			key := ServiceKey{AppID: s.AppID, ServiceID: s.Service.ServiceID}
			touched = r.holdService(target, key, reasonFor(stepErr), &current)
		}
	}
	if !touched {
		return
	}
	if err := r.config.Store.SetCurrentState(ctx, current); err != nil {
		r.config.Logger.Errorf("persisting latched state: %v", err)
		return
	}
	_ = r.config.Hub.Publish(events.CurrentChanged, nil)
}

// notePullFailure records one transient pull failure and reports
// whether the failure budget for the image is exhausted.
func (r *Reconciler) notePullFailure(imageRef string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.config.Clock.Now()
	f := r.pullFailures[imageRef]
	if f.count == 0 || now.Sub(f.first) > pullFailureWindow {
		f = pullFailureRecord{count: 1, first: now}
	} else {
		f.count++
	}
	if f.count >= pullFailureLimit {
		delete(r.pullFailures, imageRef)
		return true
	}
	r.pullFailures[imageRef] = f
	return false
}

// holdImage latches every target service built from the given image.
func (r *Reconciler) holdImage(target apps.TargetState, imageRef, reason string, current *apps.CurrentState) bool {
	var touched bool
	for _, appID := range target.SortedAppIDs() {
		app := target.Apps[appID]
		for _, svc := range app.SortedServices() {
			if svc.ImageRef != imageRef {
				continue
			}
			key := ServiceKey{AppID: appID, ServiceID: svc.ServiceID}
			if r.holdService(target, key, reason, current) {
				touched = true
			}
		}
	}
	return touched
}

// holdService latches one service under its current target hash and
// stamps the error into the current state.
func (r *Reconciler) holdService(target apps.TargetState, key ServiceKey, reason string, current *apps.CurrentState) bool {
	app, ok := target.App(key.AppID)
	if !ok {
		return false
	}
	svc, ok := app.Service(key.ServiceID)
	if !ok {
		return false
	}

	r.mu.Lock()
	r.holds[key] = hold{specHash: svc.SpecHash(), reason: reason}
	r.mu.Unlock()
	r.config.Logger.Warningf("latching %s/%s (app %d service %d): %s",
		app.AppName, svc.ServiceName, key.AppID, key.ServiceID, reason)

	st := apps.ServiceState{
		ServiceID:   key.ServiceID,
		ServiceName: svc.ServiceName,
		ImageRef:    svc.ImageRef,
	}
	if curApp, ok := current.App(key.AppID); ok {
		if existing, ok := curApp.Service(key.ServiceID); ok {
			st = existing
		}
	}
	st.Status = status.Error
	st.StatusReason = reason
	current.SetService(key.AppID, app.AppName, st)
	return true
}

// markDeploying stamps the services the plan is about to start, so a
// state read during execution shows them in flight.
func markDeploying(p plan.Plan, current *apps.CurrentState) {
	for _, step := range p.Steps {
		s, ok := step.(plan.StartContainer)
		if !ok {
			continue
		}
		st := apps.ServiceState{
			ServiceID:   s.Service.ServiceID,
			ServiceName: s.Service.ServiceName,
			ImageRef:    s.Service.ImageRef,
		}
		if app, ok := current.App(s.AppID); ok {
			if existing, ok := app.Service(s.Service.ServiceID); ok {
				st = existing
			}
		}
		st.Status = status.Deploying
		st.StatusReason = ""
		current.SetService(s.AppID, s.AppName, st)
	}
}

// reasonFor trims an aborted step's error down to the stored status
// reason.
func reasonFor(err error) string {
	return errors.Cause(err).Error()
}
