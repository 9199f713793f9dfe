// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"database/sql"
	"strings"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	"github.com/mattn/go-sqlite3"
)

// IsErrNotFound returns true if the input error was returned by SQLair
// or database/sql due to a missing record.
func IsErrNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, sqlair.ErrNoRows)
}

// IsErrRetryable returns true if the given error might be transient
// and the transaction that produced it can safely be retried.
func IsErrRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return true
		}
	}
	var errNo sqlite3.ErrNo
	if errors.As(err, &errNo) {
		if errNo == sqlite3.ErrBusy || errNo == sqlite3.ErrLocked {
			return true
		}
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "cannot start a transaction within a transaction") ||
		strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "checkpoint in progress")
}

// IsErrCorrupt returns true when the error indicates file-level damage
// to the store. There is no point retrying these; the caller treats
// them as fatal.
func IsErrCorrupt(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrCorrupt || sqliteErr.Code == sqlite3.ErrNotADB {
			return true
		}
	}
	var errNo sqlite3.ErrNo
	if errors.As(err, &errNo) {
		if errNo == sqlite3.ErrCorrupt || errNo == sqlite3.ErrNotADB {
			return true
		}
	}

	msg := err.Error()
	return strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database")
}
