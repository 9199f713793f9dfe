// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package database opens and manages the agent's local SQLite store
// and provides the retrying transaction runner that the state layer
// is built on.
package database

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

// Open returns a handle on the SQLite store at the given path,
// creating the file if it does not exist. The handle is configured
// with WAL journalling, a busy timeout and foreign keys enabled, and
// is restricted to a single connection so that the agent's goroutines
// serialise on the one writer SQLite allows.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.NotValidf("empty database path")
	}

	db, err := sql.Open(driverName, fmt.Sprintf("file:%s?%s", path, pragmas()))
	if err != nil {
		return nil, errors.Annotatef(err, "opening database at %q", path)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Annotatef(err, "verifying database at %q", path)
	}
	return db, nil
}

func pragmas() string {
	v := url.Values{}
	v.Set("_busy_timeout", "5000")
	v.Set("_journal_mode", "WAL")
	v.Set("_foreign_keys", "on")
	v.Set("_synchronous", "NORMAL")
	return v.Encode()
}
