// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package machinelock provides the host-level execution lock that
// serializes container-mutating work. Reconciler plan execution and
// interactive exec sessions both take the lock, so only one of them
// touches the runtime at a time even across agent restarts (the lock
// is an OS mutex, not a process mutex).
//
// Every acquisition is appended to a history file so that "why was the
// agent busy at 03:00" can be answered after the fact.
package machinelock

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mutex/v2"
	"gopkg.in/yaml.v3"
)

// hostLockName is the OS-level mutex name shared by every process that
// mutates this host's container runtime.
const hostLockName = "iotistic-runtime"

// acquireDelay is how often the underlying mutex retries while waiting.
const acquireDelay = 250 * time.Millisecond

// historyLimit bounds the in-memory acquire history kept for Report.
const historyLimit = 50

// Logger is the subset of loggo used by the lock.
type Logger interface {
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
}

// Config defines a machine lock.
type Config struct {
	AgentName   string
	Clock       clock.Clock
	Logger      Logger
	LogFilename string
}

// Validate ensures that all the required config values are set.
func (c Config) Validate() error {
	if c.AgentName == "" {
		return errors.NotValidf("missing AgentName")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	if c.LogFilename == "" {
		return errors.NotValidf("missing LogFilename")
	}
	return nil
}

// Lock is taken for the duration of any operation that mutates the
// container runtime.
type Lock interface {
	// Acquire blocks until the lock is held or spec.Cancel fires, and
	// returns the func that releases the lock.
	Acquire(spec Spec) (func(), error)

	// Report returns a human-readable summary of the holder, the
	// waiters and (optionally) the recent history.
	Report(opts ...ReportOption) (string, error)
}

// Spec describes one acquisition attempt.
type Spec struct {
	// Cancel aborts a pending acquisition. Required unless NoCancel
	// is set: an uncancellable wait must be a deliberate choice.
	Cancel <-chan struct{}

	// Worker names the worker acquiring the lock.
	Worker string

	// Comment says what the lock is held for; it ends up in the
	// history file.
	Comment string

	// NoCancel allows a nil Cancel channel.
	NoCancel bool
}

// Validate ensures the spec is complete.
func (s Spec) Validate() error {
	if s.Worker == "" {
		return errors.NotValidf("missing Worker")
	}
	if s.Comment == "" {
		return errors.NotValidf("missing Comment")
	}
	if s.Cancel == nil && !s.NoCancel {
		return errors.NotValidf("missing Cancel")
	}
	return nil
}

// ReportOption alters what Report includes.
type ReportOption int

const (
	// ShowHistory includes the recent acquire/release history.
	ShowHistory ReportOption = iota
)

// New returns a Lock for the configured agent. A startup marker is
// appended to the history file so restarts are visible in it.
func New(config Config) (Lock, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	l := &lock{
		agentName:   config.AgentName,
		clock:       config.Clock,
		logger:      config.Logger,
		logFilename: config.LogFilename,
		acquire:     mutex.Acquire,
	}
	if err := l.writeLogEntry(fmt.Sprintf("=== agent %s started ===", config.AgentName)); err != nil {
		config.Logger.Errorf("cannot write startup entry to %q: %v", config.LogFilename, err)
	}
	return l, nil
}

type lock struct {
	agentName   string
	clock       clock.Clock
	logger      Logger
	logFilename string
	acquire     func(mutex.Spec) (mutex.Releaser, error)

	mu      sync.Mutex
	holder  *info
	waiting []*info
	history []*info
}

type info struct {
	worker    string
	comment   string
	requested time.Time
	acquired  time.Time
	released  time.Time
}

// Acquire is part of Lock.
func (l *lock) Acquire(spec Spec) (func(), error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	current := &info{
		worker:    spec.Worker,
		comment:   spec.Comment,
		requested: l.clock.Now(),
	}
	l.mu.Lock()
	l.waiting = append(l.waiting, current)
	l.mu.Unlock()

	cancel := spec.Cancel
	if spec.NoCancel {
		cancel = nil
	}
	releaser, err := l.acquire(mutex.Spec{
		Name:   hostLockName,
		Clock:  l.clock,
		Delay:  acquireDelay,
		Cancel: cancel,
	})
	if err != nil {
		l.mu.Lock()
		l.removeWaiting(current)
		l.mu.Unlock()
		return nil, errors.Trace(err)
	}

	l.mu.Lock()
	l.removeWaiting(current)
	current.acquired = l.clock.Now()
	l.holder = current
	l.mu.Unlock()
	l.logger.Debugf("acquired %q for %s (%s)", hostLockName, spec.Worker, spec.Comment)

	var once sync.Once
	return func() {
		once.Do(func() { l.release(current, releaser) })
	}, nil
}

func (l *lock) release(current *info, releaser mutex.Releaser) {
	releaser.Release()
	l.mu.Lock()
	current.released = l.clock.Now()
	l.holder = nil
	l.history = append([]*info{current}, l.history...)
	if len(l.history) > historyLimit {
		l.history = l.history[:historyLimit]
	}
	l.mu.Unlock()
	l.logger.Debugf("released %q for %s (%s)", hostLockName, current.worker, current.comment)
	if err := l.writeLogEntry(current.String()); err != nil {
		l.logger.Errorf("cannot append to %q: %v", l.logFilename, err)
	}
}

// removeWaiting must be called with l.mu held.
func (l *lock) removeWaiting(current *info) {
	for i, w := range l.waiting {
		if w == current {
			l.waiting = append(l.waiting[:i], l.waiting[i+1:]...)
			return
		}
	}
}

func (l *lock) writeLogEntry(entry string) error {
	f, err := os.OpenFile(l.logFilename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = f.Close() }()
	_, err = fmt.Fprintf(f, "%s %s\n", l.clock.Now().Format(timeFormat), entry)
	return errors.Trace(err)
}

const timeFormat = "2006-01-02 15:04:05"

func (i *info) String() string {
	return fmt.Sprintf("%s (%s), waited %s, held %s",
		i.worker, i.comment,
		i.acquired.Sub(i.requested).Round(time.Second),
		i.released.Sub(i.acquired).Round(time.Second))
}

type reportDoc struct {
	Holder  string   `yaml:"holder"`
	Waiting []string `yaml:"waiting,omitempty"`
	History []string `yaml:"history,omitempty"`
}

// Report is part of Lock.
func (l *lock) Report(opts ...ReportOption) (string, error) {
	showHistory := false
	for _, opt := range opts {
		if opt == ShowHistory {
			showHistory = true
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()

	doc := reportDoc{Holder: "none"}
	if l.holder != nil {
		doc.Holder = fmt.Sprintf("%s (%s), holding %s",
			l.holder.worker, l.holder.comment, now.Sub(l.holder.acquired).Round(time.Second))
	}
	for _, w := range l.waiting {
		doc.Waiting = append(doc.Waiting, fmt.Sprintf("%s (%s), waiting %s",
			w.worker, w.comment, now.Sub(w.requested).Round(time.Second)))
	}
	if showHistory {
		for _, h := range l.history {
			doc.History = append(doc.History, fmt.Sprintf("%s %s",
				h.released.Format(timeFormat), h.String()))
		}
	}

	data, err := yaml.Marshal(map[string]reportDoc{l.agentName: doc})
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(data), nil
}
