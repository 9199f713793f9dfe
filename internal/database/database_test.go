// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database_test

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/iotistic/agent/internal/database"
)

type databaseSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&databaseSuite{})

func (s *databaseSuite) TestOpenCreatesFile(c *gc.C) {
	path := filepath.Join(c.MkDir(), "store.db")

	db, err := database.Open(path)
	c.Assert(err, jc.ErrorIsNil)
	defer db.Close()

	_, err = os.Stat(path)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *databaseSuite) TestOpenEmptyPath(c *gc.C) {
	_, err := database.Open("")
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *databaseSuite) TestOpenConfiguresPragmas(c *gc.C) {
	db, err := database.Open(filepath.Join(c.MkDir(), "store.db"))
	c.Assert(err, jc.ErrorIsNil)
	defer db.Close()

	var journalMode string
	err = db.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(journalMode, gc.Equals, "wal")

	var foreignKeys int
	err = db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(foreignKeys, gc.Equals, 1)
}

func (s *databaseSuite) TestOpenSurvivesReopen(c *gc.C) {
	path := filepath.Join(c.MkDir(), "store.db")

	db, err := database.Open(path)
	c.Assert(err, jc.ErrorIsNil)

	_, err = db.Exec("CREATE TABLE t (x INT); INSERT INTO t VALUES (42)")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(db.Close(), jc.ErrorIsNil)

	db, err = database.Open(path)
	c.Assert(err, jc.ErrorIsNil)
	defer db.Close()

	var x int
	err = db.QueryRow("SELECT x FROM t").Scan(&x)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(x, gc.Equals, 42)
}
