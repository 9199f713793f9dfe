// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides a suite that runs state-layer tests against
// a real SQLite store in a temporary directory.
package testing

import (
	"context"
	"database/sql"
	"path/filepath"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coredatabase "github.com/iotistic/agent/core/database"
	"github.com/iotistic/agent/internal/database"
)

// StoreSuite provides a SQLite store with the agent schema applied.
// The database file lives in a per-test temporary directory and is
// closed when the test completes.
type StoreSuite struct {
	jujutesting.IsolationSuite

	db     *sql.DB
	runner coredatabase.TxnRunner
}

// SetUpTest opens a fresh store and applies the schema.
func (s *StoreSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	db, err := database.Open(filepath.Join(c.MkDir(), "store.db"))
	c.Assert(err, jc.ErrorIsNil)
	s.db = db
	s.AddCleanup(func(c *gc.C) {
		c.Assert(s.db.Close(), jc.ErrorIsNil)
	})

	s.runner = database.NewTxnRunner(db, clock.WallClock, loggo.GetLogger("test.database"))

	_, err = database.StoreSchema().Ensure(context.Background(), s.runner)
	c.Assert(err, jc.ErrorIsNil)
}

// DB returns the raw database handle.
func (s *StoreSuite) DB() *sql.DB {
	return s.db
}

// TxnRunner returns a runner against the suite's store.
func (s *StoreSuite) TxnRunner() coredatabase.TxnRunner {
	return s.runner
}
