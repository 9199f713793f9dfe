// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logpipeline moves log entries from their producers (container
// tailers, the agent itself) to the configured backends: the local ring
// and files, and the broker or cloud upload when remote shipping is on.
//
// Fan-out is isolating: each backend is fed through its own buffered
// channel by its own goroutine, so one slow backend drops only its own
// entries and never holds up the others. Live followers (the admin
// API's log stream) hang off the same fan-out with the same drop
// policy.
package logpipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/iotistic/agent/core/logs"
)

// DefaultBackendBuffer is the per-backend channel depth.
const DefaultBackendBuffer = 256

// Logger is the subset of loggo used by this package.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
}

// Backend consumes entries from its own pipeline goroutine, so a slow
// backend only ever delays or drops its own feed.
type Backend interface {
	// Name identifies the backend in reports.
	Name() string

	// Deliver handles one entry. It may block; the pipeline's buffer
	// absorbs bursts and drops on overflow.
	Deliver(entry logs.Entry)

	// Close flushes and releases resources once no more deliveries
	// will come.
	Close() error
}

// Filter selects log entries. Zero fields match everything.
type Filter struct {
	AppID       int
	ServiceName string
	Level       logs.Level
	Since       time.Time
}

// Match reports whether the entry passes the filter.
func (f Filter) Match(e logs.Entry) bool {
	if f.AppID != 0 && e.AppID != f.AppID {
		return false
	}
	if f.ServiceName != "" && e.ServiceName != f.ServiceName {
		return false
	}
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Config holds a Pipeline's dependencies.
type Config struct {
	// Backends receive every appended entry. The set is fixed for the
	// pipeline's lifetime.
	Backends []Backend

	// BufferSize is the per-backend channel depth;
	// DefaultBackendBuffer when zero.
	BufferSize int

	Clock  clock.Clock
	Logger Logger
}

// Validate ensures the required fields are set.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	return nil
}

// Pipeline fans entries out to backends and followers. It is a worker;
// killing it flushes whatever the backends have buffered and closes
// them.
type Pipeline struct {
	tomb   tomb.Tomb
	config Config

	outputs []*output

	mu        sync.Mutex
	followers map[int]*follower
	nextID    int
}

type output struct {
	backend Backend
	ch      chan logs.Entry
	dropped atomic.Uint64
}

type follower struct {
	filter Filter
	ch     chan logs.Entry
	once   sync.Once
}

func (f *follower) stop() {
	f.once.Do(func() { close(f.ch) })
}

// NewPipeline starts the fan-out goroutines, one per backend.
func NewPipeline(config Config) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBackendBuffer
	}

	p := &Pipeline{
		config:    config,
		followers: make(map[int]*follower),
	}
	for _, backend := range config.Backends {
		out := &output{
			backend: backend,
			ch:      make(chan logs.Entry, config.BufferSize),
		}
		p.outputs = append(p.outputs, out)
		p.tomb.Go(func() error {
			return p.drain(out)
		})
	}
	p.tomb.Go(func() error {
		<-p.tomb.Dying()
		p.closeFollowers()
		return tomb.ErrDying
	})
	return p, nil
}

// Kill is part of worker.Worker.
func (p *Pipeline) Kill() {
	p.tomb.Kill(nil)
}

// Wait is part of worker.Worker.
func (p *Pipeline) Wait() error {
	return p.tomb.Wait()
}

// Report is shown in the dependency engine report.
func (p *Pipeline) Report() map[string]interface{} {
	report := make(map[string]interface{})
	for _, out := range p.outputs {
		report[out.backend.Name()] = map[string]interface{}{
			"buffered": len(out.ch),
			"dropped":  out.dropped.Load(),
		}
	}
	p.mu.Lock()
	report["followers"] = len(p.followers)
	p.mu.Unlock()
	return report
}

// Append hands an entry to every backend and matching follower. It
// never blocks: a full backend buffer drops the entry for that backend
// alone and counts the drop.
func (p *Pipeline) Append(entry logs.Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = p.config.Clock.Now()
	}
	if entry.Level == "" {
		entry.Level = logs.LevelInfo
	}

	for _, out := range p.outputs {
		select {
		case out.ch <- entry:
		default:
			out.dropped.Add(1)
		}
	}

	p.mu.Lock()
	for _, f := range p.followers {
		if f.filter.Match(entry) {
			select {
			case f.ch <- entry:
			default:
			}
		}
	}
	p.mu.Unlock()
}

// Follow returns a channel carrying matching entries appended from now
// on, and a cancel func. The channel closes on cancel or pipeline
// shutdown. Slow followers lose entries rather than slow the pipeline.
func (p *Pipeline) Follow(filter Filter, buffer int) (<-chan logs.Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	f := &follower{filter: filter, ch: make(chan logs.Entry, buffer)}

	p.mu.Lock()
	if p.followers == nil {
		p.mu.Unlock()
		f.stop()
		return f.ch, func() {}
	}
	id := p.nextID
	p.nextID++
	p.followers[id] = f
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if p.followers != nil {
			delete(p.followers, id)
		}
		p.mu.Unlock()
		f.stop()
	}
	return f.ch, cancel
}

// drain feeds one backend until the pipeline dies, then flushes what
// is already buffered and closes the backend.
func (p *Pipeline) drain(out *output) error {
	defer func() {
		if err := out.backend.Close(); err != nil {
			p.config.Logger.Errorf("closing %s log backend: %v", out.backend.Name(), err)
		}
	}()
	for {
		select {
		case <-p.tomb.Dying():
			for {
				select {
				case entry := <-out.ch:
					out.backend.Deliver(entry)
				default:
					return tomb.ErrDying
				}
			}
		case entry := <-out.ch:
			out.backend.Deliver(entry)
		}
	}
}

func (p *Pipeline) closeFollowers() {
	p.mu.Lock()
	followers := p.followers
	p.followers = nil
	p.mu.Unlock()
	for _, f := range followers {
		f.stop()
	}
}
