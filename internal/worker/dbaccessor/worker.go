// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dbaccessor owns the agent's SQLite store: it opens the
// database file, brings the schema up to date, and hands a transaction
// runner to the rest of the agent. The database is closed when the
// worker dies, so everything that touches the store must resolve its
// runner through the factory this worker provides rather than caching
// one across restarts.
package dbaccessor

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	coredatabase "github.com/iotistic/agent/core/database"
	"github.com/iotistic/agent/internal/database"
)

// ensureTimeout bounds how long schema migration may take on start-up.
const ensureTimeout = 30 * time.Second

// Logger represents the logging methods called by this package.
type Logger interface {
	Errorf(message string, args ...interface{})
	Warningf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Debugf(message string, args ...interface{})
	Tracef(message string, args ...interface{})
}

// Config holds the dependencies of a store worker.
type Config struct {
	// Path is the SQLite database file; its directory must exist.
	Path string

	Clock  clock.Clock
	Logger Logger
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.NotValidf("empty Path")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Worker holds the open database for the lifetime of the agent.
type Worker struct {
	tomb   tomb.Tomb
	config Config

	db      *sql.DB
	runner  coredatabase.TxnRunner
	version int
}

// NewWorker opens the store, runs any pending schema patches and
// returns the worker holding the database.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	db, err := database.Open(config.Path)
	if err != nil {
		return nil, errors.Annotatef(err, "opening store at %q", config.Path)
	}
	runner := database.NewTxnRunner(db, config.Clock, config.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), ensureTimeout)
	defer cancel()
	version, err := database.StoreSchema().Ensure(ctx, runner)
	if err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "ensuring store schema")
	}
	config.Logger.Infof("store open at %s, schema version %d", config.Path, version)

	w := &Worker{
		config:  config,
		db:      db,
		runner:  runner,
		version: version,
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

// Report is shown in the dependency engine report.
func (w *Worker) Report() map[string]interface{} {
	return map[string]interface{}{
		"path":           w.config.Path,
		"schema-version": w.version,
	}
}

// TxnRunner returns the store's transaction runner. It fails once the
// worker is dying so a restarting dependent cannot keep using a
// runner over a closed database.
func (w *Worker) TxnRunner() (coredatabase.TxnRunner, error) {
	select {
	case <-w.tomb.Dying():
		return nil, errors.New("store database closing")
	default:
		return w.runner, nil
	}
}

func (w *Worker) loop() error {
	defer func() {
		if err := w.db.Close(); err != nil {
			w.config.Logger.Errorf("closing store database: %v", err)
		}
	}()
	<-w.tomb.Dying()
	return tomb.ErrDying
}
