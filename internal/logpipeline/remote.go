// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logpipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/iotistic/agent/core/logs"
	"github.com/iotistic/agent/internal/messaging"
)

// DefaultBatchSize is the per-topic batch limit for broker shipping.
const DefaultBatchSize = 10

// DefaultBatchInterval is how long a partial batch may age before it
// is flushed anyway.
const DefaultBatchInterval = time.Second

// DefaultBaseTopic prefixes every log topic.
const DefaultBaseTopic = "logs"

// Publisher is the slice of the messaging fabric the remote backend
// uses.
type Publisher interface {
	Publish(topic string, payload []byte, opts ...messaging.PublishOption) error
}

// RemoteConfig holds the remote backend's dependencies.
type RemoteConfig struct {
	Fabric Publisher

	// BaseTopic defaults to DefaultBaseTopic. The full topic is
	// {base}/{app_id}/{service_name}/{level}, with /batch appended
	// for multi-entry payloads.
	BaseTopic string

	// BatchSize and Interval bound how much and how long entries
	// accumulate per topic before publishing.
	BatchSize int
	Interval  time.Duration

	// QoS applies to every log publish.
	QoS byte

	Clock  clock.Clock
	Logger Logger
}

// Validate ensures the required fields are set.
func (c RemoteConfig) Validate() error {
	if c.Fabric == nil {
		return errors.NotValidf("missing Fabric")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	return nil
}

// RemoteBackend ships container log entries over the broker, batched
// per (app, service, level) topic. Entries queue on the fabric while
// the broker is down; once the fabric's queue is full they drop.
type RemoteBackend struct {
	tomb   tomb.Tomb
	config RemoteConfig

	mu      sync.Mutex
	pending map[topicKey][]logs.Entry
}

var _ Backend = (*RemoteBackend)(nil)

type topicKey struct {
	appID       int
	serviceName string
	level       logs.Level
}

type batchPayload struct {
	Count int          `json:"count"`
	Logs  []logs.Entry `json:"logs"`
}

// NewRemoteBackend starts the interval flusher.
func NewRemoteBackend(config RemoteConfig) (*RemoteBackend, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.BaseTopic == "" {
		config.BaseTopic = DefaultBaseTopic
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Interval <= 0 {
		config.Interval = DefaultBatchInterval
	}

	b := &RemoteBackend{
		config:  config,
		pending: make(map[topicKey][]logs.Entry),
	}
	b.tomb.Go(b.loop)
	return b, nil
}

// Name is part of Backend.
func (b *RemoteBackend) Name() string {
	return "remote"
}

// Deliver is part of Backend. Entries without service coordinates
// (system and supervisor output) have no topic and stay local.
func (b *RemoteBackend) Deliver(entry logs.Entry) {
	if entry.Source != logs.SourceContainer || entry.ServiceName == "" {
		return
	}
	key := topicKey{appID: entry.AppID, serviceName: entry.ServiceName, level: entry.Level}

	b.mu.Lock()
	b.pending[key] = append(b.pending[key], entry)
	full := len(b.pending[key]) >= b.config.BatchSize
	var batch []logs.Entry
	if full {
		batch = b.pending[key]
		delete(b.pending, key)
	}
	b.mu.Unlock()

	if full {
		b.publish(key, batch)
	}
}

// Close is part of Backend. It stops the flusher and sends whatever is
// still pending.
func (b *RemoteBackend) Close() error {
	b.tomb.Kill(nil)
	err := b.tomb.Wait()
	b.flushAll()
	return errors.Trace(err)
}

func (b *RemoteBackend) loop() error {
	timer := b.config.Clock.NewTimer(b.config.Interval)
	defer timer.Stop()
	for {
		select {
		case <-b.tomb.Dying():
			return tomb.ErrDying
		case <-timer.Chan():
			b.flushAll()
			timer.Reset(b.config.Interval)
		}
	}
}

func (b *RemoteBackend) flushAll() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[topicKey][]logs.Entry)
	b.mu.Unlock()

	keys := make([]topicKey, 0, len(pending))
	for key := range pending {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, z := keys[i], keys[j]
		if a.appID != z.appID {
			return a.appID < z.appID
		}
		if a.serviceName != z.serviceName {
			return a.serviceName < z.serviceName
		}
		return a.level < z.level
	})
	for _, key := range keys {
		b.publish(key, pending[key])
	}
}

func (b *RemoteBackend) publish(key topicKey, batch []logs.Entry) {
	topic := fmt.Sprintf("%s/%d/%s/%s", b.config.BaseTopic, key.appID, key.serviceName, key.level)

	var payload []byte
	var err error
	if len(batch) == 1 {
		payload, err = json.Marshal(batch[0])
	} else {
		topic += "/batch"
		payload, err = json.Marshal(batchPayload{Count: len(batch), Logs: batch})
	}
	if err != nil {
		b.config.Logger.Errorf("cannot encode log batch: %v", err)
		return
	}

	err = b.config.Fabric.Publish(topic, payload,
		messaging.WithQoS(b.config.QoS), messaging.QueueIfOffline())
	if err != nil {
		// Offline with a full fabric queue; these entries are gone
		// but the local backend still has them.
		b.config.Logger.Debugf("dropping %d entr(ies) for %s: %v", len(batch), topic, err)
	}
}
