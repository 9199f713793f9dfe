// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logpipeline

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/iotistic/agent/core/logs"
)

// DefaultUploadBatchSize is how many entries trigger an immediate
// upload.
const DefaultUploadBatchSize = 50

// DefaultUploadInterval is how often pending entries are uploaded
// regardless of count.
const DefaultUploadInterval = 10 * time.Second

// defaultUploadPending bounds entries held across failed uploads.
const defaultUploadPending = 1000

// uploadTimeout bounds a single upload request.
const uploadTimeout = 30 * time.Second

// LogUploader sends a batch of entries to the cloud over HTTP.
type LogUploader interface {
	UploadLogs(ctx context.Context, entries []logs.Entry) error
}

// UploadConfig holds the upload backend's dependencies.
type UploadConfig struct {
	Uploader LogUploader

	// BatchSize and Interval bound how much and how long entries
	// accumulate before an upload.
	BatchSize int
	Interval  time.Duration

	// MaxPending bounds entries kept while the cloud is unreachable;
	// beyond it the oldest drop.
	MaxPending int

	Clock  clock.Clock
	Logger Logger
}

// Validate ensures the required fields are set.
func (c UploadConfig) Validate() error {
	if c.Uploader == nil {
		return errors.NotValidf("missing Uploader")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	return nil
}

// UploadBackend ships log entries to the cloud's log endpoint. It is
// the remote path used when no broker is configured.
type UploadBackend struct {
	tomb   tomb.Tomb
	config UploadConfig

	mu       sync.Mutex
	pending  []logs.Entry
	failures int
	dropped  int
}

var _ Backend = (*UploadBackend)(nil)

// NewUploadBackend starts the interval flusher.
func NewUploadBackend(config UploadConfig) (*UploadBackend, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultUploadBatchSize
	}
	if config.Interval <= 0 {
		config.Interval = DefaultUploadInterval
	}
	if config.MaxPending <= 0 {
		config.MaxPending = defaultUploadPending
	}

	b := &UploadBackend{config: config}
	b.tomb.Go(b.loop)
	return b, nil
}

// Name is part of Backend.
func (b *UploadBackend) Name() string {
	return "upload"
}

// Deliver is part of Backend.
func (b *UploadBackend) Deliver(entry logs.Entry) {
	b.mu.Lock()
	b.pending = append(b.pending, entry)
	if overflow := len(b.pending) - b.config.MaxPending; overflow > 0 {
		b.pending = b.pending[overflow:]
		b.dropped += overflow
	}
	full := len(b.pending) >= b.config.BatchSize
	b.mu.Unlock()

	if full {
		b.flush()
	}
}

// Close is part of Backend. It stops the flusher and attempts a final
// upload of whatever is pending.
func (b *UploadBackend) Close() error {
	b.tomb.Kill(nil)
	err := b.tomb.Wait()
	// The tomb's context is dead by now; the final upload gets its
	// own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()
	b.flushWith(ctx)
	return errors.Trace(err)
}

func (b *UploadBackend) loop() error {
	timer := b.config.Clock.NewTimer(b.config.Interval)
	defer timer.Stop()
	for {
		select {
		case <-b.tomb.Dying():
			return tomb.ErrDying
		case <-timer.Chan():
			b.flush()
			timer.Reset(b.config.Interval)
		}
	}
}

func (b *UploadBackend) flush() {
	ctx, cancel := context.WithTimeout(b.tomb.Context(context.Background()), uploadTimeout)
	defer cancel()
	b.flushWith(ctx)
}

func (b *UploadBackend) flushWith(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	dropped := b.dropped
	b.dropped = 0
	b.mu.Unlock()
	if dropped > 0 {
		b.config.Logger.Warningf("dropped %d oldest pending log entr(ies)", dropped)
	}
	if len(batch) == 0 {
		return
	}

	if err := b.config.Uploader.UploadLogs(ctx, batch); err != nil {
		b.mu.Lock()
		b.failures++
		first := b.failures == 1
		merged := make([]logs.Entry, 0, len(batch)+len(b.pending))
		merged = append(merged, batch...)
		merged = append(merged, b.pending...)
		if overflow := len(merged) - b.config.MaxPending; overflow > 0 {
			b.dropped += overflow
			merged = merged[overflow:]
		}
		b.pending = merged
		b.mu.Unlock()

		// The first failure of a streak is loud; repeats only mutter.
		// Drops accumulate and are warned about at the next flush.
		if first {
			b.config.Logger.Warningf("log upload failed, keeping %d entr(ies): %v", len(batch), err)
		} else {
			b.config.Logger.Debugf("log upload failed again, keeping %d entr(ies): %v", len(batch), err)
		}
		return
	}

	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}
