// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package shadow mirrors the device's observed state into the broker's
// shadow topic family. Updates are debounced so a burst of reconciler
// changes becomes one publish, and the reported document is always read
// fresh from the store at publish time. The worker listens on the
// accepted, rejected and delta subtopics; deltas are surfaced to the
// log as operator hints.
package shadow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/iotistic/agent/core/apps"
	"github.com/iotistic/agent/core/events"
	"github.com/iotistic/agent/internal/messaging"
)

// DefaultDebounce is how long the worker waits for further state
// changes before publishing, when the config does not name a value.
const DefaultDebounce = time.Second

// shadowQoS is the subscription QoS for the response subtopics.
// Rejections and deltas are worth a broker retry.
const shadowQoS byte = 1

// Logger represents the logging methods used by this package.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
}

// StateStore is the slice of the persistent store the shadow needs.
type StateStore interface {
	CurrentState(ctx context.Context) (apps.CurrentState, error)
}

// Hub is the subscription surface of the central hub.
type Hub interface {
	Subscribe(topic string, handler func(string, interface{})) func()
}

// Config holds the dependencies of the shadow worker.
type Config struct {
	Fabric messaging.Fabric
	Store  StateStore
	Hub    Hub

	// UUID names the device's shadow topic family.
	UUID string

	// Debounce is the quiet period after a change before publishing;
	// DefaultDebounce when zero.
	Debounce time.Duration

	Clock  clock.Clock
	Logger Logger
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.Fabric == nil {
		return errors.NotValidf("nil Fabric")
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

// updateDocument is the wire shape of a shadow update.
type updateDocument struct {
	State stateDocument `json:"state"`
}

type stateDocument struct {
	Reported reportedState `json:"reported"`
}

type reportedState struct {
	Apps map[int]apps.AppState `json:"apps"`
}

// Worker publishes reported state to the device shadow.
type Worker struct {
	tomb   tomb.Tomb
	config Config

	// changed requests a debounced publish; a publish already pending
	// absorbs any number of further requests.
	changed chan struct{}

	mu          sync.Mutex
	publishes   int
	lastPublish time.Time
	lastErr     error
}

// NewWorker starts the shadow worker. The current state is announced
// shortly after start, so a bounced worker re-reports after the fabric
// comes back.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	w := &Worker{
		config:  config,
		changed: make(chan struct{}, 1),
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

func (w *Worker) topic(suffix string) string {
	return "shadow/device-state/" + w.config.UUID + "/update" + suffix
}

func (w *Worker) loop() error {
	ctx := w.tomb.Context(context.Background())

	if err := w.subscribeShadowTopics(); err != nil {
		return errors.Trace(err)
	}
	unsubCurrent := w.config.Hub.Subscribe(events.CurrentChanged, w.currentChanged)
	defer unsubCurrent()
	unsubConn := w.config.Hub.Subscribe(events.CloudConnectionChanged, w.connectionChanged)
	defer unsubConn()

	w.requestUpdate()

	// The timer is wound up on the first change and rewound on each
	// further one, so the publish lands a quiet period after the last
	// change.
	var timer clock.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-w.changed:
			if timer == nil {
				timer = w.config.Clock.NewTimer(w.config.Debounce)
				fire = timer.Chan()
			} else {
				timer.Reset(w.config.Debounce)
			}
		case <-fire:
			if err := w.publishState(ctx); err != nil {
				// A failed publish is dropped rather than retried:
				// the next state change or reconnect brings a
				// fresher document anyway.
				w.config.Logger.Warningf("shadow update failed: %v", err)
			}
		}
	}
}

func (w *Worker) subscribeShadowTopics() error {
	subs := []struct {
		suffix  string
		handler messaging.Handler
	}{
		{"/accepted", w.updateAccepted},
		{"/rejected", w.updateRejected},
		{"/delta", w.updateDelta},
	}
	for _, sub := range subs {
		if err := w.config.Fabric.Subscribe(w.topic(sub.suffix), shadowQoS, sub.handler); err != nil {
			return errors.Annotatef(err, "subscribing to shadow topic %q", w.topic(sub.suffix))
		}
	}
	return nil
}

func (w *Worker) currentChanged(topic string, _ interface{}) {
	w.config.Logger.Debugf("current state changed, shadow update pending")
	w.requestUpdate()
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
	w.config.Logger.Debugf("broker connection restored, shadow update pending")
	w.requestUpdate()
}

func (w *Worker) requestUpdate() {
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

func (w *Worker) publishState(ctx context.Context) error {
	current, err := w.config.Store.CurrentState(ctx)
	if err != nil {
		err = errors.Annotate(err, "loading current state")
		w.notePublish(err)
		return err
	}
	if current.Apps == nil {
		current.Apps = map[int]apps.AppState{}
	}
	doc := updateDocument{
		State: stateDocument{
			Reported: reportedState{Apps: current.Apps},
		},
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		w.notePublish(err)
		return errors.Trace(err)
	}
	if err := w.config.Fabric.Publish(w.topic(""), payload); err != nil {
		w.notePublish(err)
		return errors.Trace(err)
	}
	w.config.Logger.Debugf("shadow update published (%d apps)", len(current.Apps))
	w.notePublish(nil)
	return nil
}

func (w *Worker) notePublish(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	if err == nil {
		w.publishes++
		w.lastPublish = w.config.Clock.Now()
	}
}

func (w *Worker) updateAccepted(topic string, payload []byte) {
	w.config.Logger.Debugf("shadow update accepted")
}

func (w *Worker) updateRejected(topic string, payload []byte) {
	w.config.Logger.Warningf("shadow update rejected: %s", payload)
}

// updateDelta logs the cloud's desired-vs-reported difference. The
// delta is an operator hint only; desired state reaches the device
// through the target poll, never through the shadow.
func (w *Worker) updateDelta(topic string, payload []byte) {
	w.config.Logger.Infof("shadow delta received: %s", payload)
}

// Report is shown in the dependency engine report.
func (w *Worker) Report() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	report := map[string]interface{}{
		"publishes": w.publishes,
	}
	if !w.lastPublish.IsZero() {
		report["last-publish"] = w.lastPublish.Format(time.RFC3339)
	}
	if w.lastErr != nil {
		report["last-error"] = w.lastErr.Error()
	}
	return report
}
