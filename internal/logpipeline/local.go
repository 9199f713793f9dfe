// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logpipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/lumberjack/v2"

	"github.com/iotistic/agent/core/logs"
)

// DefaultRingCapacity is how many entries the in-memory ring keeps.
const DefaultRingCapacity = 10000

// LocalConfig holds the local backend's knobs.
type LocalConfig struct {
	// Capacity bounds the in-memory ring; DefaultRingCapacity when
	// zero.
	Capacity int

	// Dir, when set, enables rotating files under it, one JSON entry
	// per line.
	Dir string

	// MaxSizeMB, MaxBackups and MaxAgeDays configure file rotation.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	Logger Logger
}

// LocalBackend keeps recent entries queryable on the device: a bounded
// ring for the admin API plus optional rotating files for post-mortem
// reads.
type LocalBackend struct {
	mu     sync.Mutex
	ring   *ring
	file   *lumberjack.Logger
	logger Logger
}

var _ Backend = (*LocalBackend)(nil)

// NewLocalBackend builds the backend, creating the log directory when
// file output is enabled.
func NewLocalBackend(config LocalConfig) (*LocalBackend, error) {
	if config.Logger == nil {
		return nil, errors.NotValidf("missing Logger")
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultRingCapacity
	}

	b := &LocalBackend{
		ring:   newRing(config.Capacity),
		logger: config.Logger,
	}
	if config.Dir != "" {
		if err := os.MkdirAll(config.Dir, 0755); err != nil {
			return nil, errors.Annotatef(err, "creating log dir %q", config.Dir)
		}
		maxSize := config.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := config.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 2
		}
		b.file = &lumberjack.Logger{
			Filename:   filepath.Join(config.Dir, "containers.log"),
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   true,
		}
	}
	return b, nil
}

// Name is part of Backend.
func (b *LocalBackend) Name() string {
	return "local"
}

// Deliver is part of Backend.
func (b *LocalBackend) Deliver(entry logs.Entry) {
	b.mu.Lock()
	b.ring.add(entry)
	b.mu.Unlock()

	if b.file == nil {
		return
	}
	line, err := json.Marshal(entry)
	if err != nil {
		b.logger.Errorf("cannot encode log entry: %v", err)
		return
	}
	if _, err := b.file.Write(append(line, '\n')); err != nil {
		b.logger.Errorf("cannot write log file: %v", err)
	}
}

// Close is part of Backend.
func (b *LocalBackend) Close() error {
	if b.file == nil {
		return nil
	}
	return errors.Trace(b.file.Close())
}

// Query returns entries matching the filter, oldest first. A positive
// limit keeps only the most recent matches.
func (b *LocalBackend) Query(filter Filter, limit int) []logs.Entry {
	b.mu.Lock()
	snapshot := b.ring.snapshot()
	b.mu.Unlock()

	matched := make([]logs.Entry, 0, len(snapshot))
	for _, entry := range snapshot {
		if filter.Match(entry) {
			matched = append(matched, entry)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// ring is a fixed-capacity overwrite-oldest buffer.
type ring struct {
	entries []logs.Entry
	next    int
	full    bool
}

func newRing(capacity int) *ring {
	return &ring{entries: make([]logs.Entry, capacity)}
}

func (r *ring) add(e logs.Entry) {
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// snapshot returns the buffered entries oldest first.
func (r *ring) snapshot() []logs.Entry {
	if !r.full {
		return append([]logs.Entry(nil), r.entries[:r.next]...)
	}
	out := make([]logs.Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}
