// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"
	"database/sql"

	"github.com/juju/errors"

	coredatabase "github.com/iotistic/agent/core/database"
)

// Patch is a single ordered schema change. Patches are applied inside
// one transaction, each exactly once, tracked by the schema table.
type Patch struct {
	stmt string
}

// MakePatch returns a patch that applies the input statement.
func MakePatch(stmt string) Patch {
	return Patch{stmt: stmt}
}

// Schema captures the schema of the store in terms of a series of
// ordered patches.
type Schema struct {
	patches []Patch
}

// NewSchema creates a new schema from the given patches.
func NewSchema(patches ...Patch) *Schema {
	return &Schema{patches: patches}
}

// Add appends patches to the schema.
func (s *Schema) Add(patches ...Patch) {
	s.patches = append(s.patches, patches...)
}

// Len returns the number of patches that make up the schema.
func (s *Schema) Len() int {
	return len(s.patches)
}

// Ensure brings the database up to date with the schema, creating the
// version-tracking table when missing, and returns the version now
// current. A database ahead of this binary's schema is an error; we
// never roll patches back.
func (s *Schema) Ensure(ctx context.Context, runner coredatabase.TxnRunner) (int, error) {
	current := 0
	err := runner.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema (
    version     INT PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`); err != nil {
			return errors.Annotate(err, "creating schema table")
		}

		row := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema")
		if err := row.Scan(&current); err != nil {
			return errors.Annotate(err, "querying schema version")
		}
		if current > len(s.patches) {
			return errors.Errorf("store schema version %d is ahead of the supported version %d", current, len(s.patches))
		}

		for i := current; i < len(s.patches); i++ {
			if _, err := tx.ExecContext(ctx, s.patches[i].stmt); err != nil {
				return errors.Annotatef(err, "applying schema patch %d", i+1)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO schema (version) VALUES (?)", i+1); err != nil {
				return errors.Annotatef(err, "recording schema patch %d", i+1)
			}
		}
		current = len(s.patches)
		return nil
	})
	return current, errors.Trace(err)
}

// StoreSchema returns the schema for the agent's local store.
func StoreSchema() *Schema {
	return NewSchema(
		MakePatch(`
CREATE TABLE device_identity (
    id                 INT PRIMARY KEY CHECK (id = 0),
    uuid               TEXT NOT NULL,
    device_id          TEXT NOT NULL DEFAULT '',
    device_name        TEXT NOT NULL DEFAULT '',
    device_type        TEXT NOT NULL DEFAULT '',
    fleet_id           TEXT NOT NULL DEFAULT '',
    provisioning_state TEXT NOT NULL DEFAULT 'unprovisioned',
    api_key_hash       TEXT NOT NULL DEFAULT '',
    api_endpoint       TEXT NOT NULL DEFAULT '',
    provisioned_at     DATETIME
);

CREATE TABLE target_state (
    id         INT PRIMARY KEY CHECK (id = 0),
    version    INT NOT NULL DEFAULT 0,
    etag       TEXT NOT NULL DEFAULT '',
    raw        TEXT NOT NULL DEFAULT '{}',
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- The state tables are single-row; seeding them here means readers
-- never have to handle a missing row.
INSERT INTO target_state (id) VALUES (0);

CREATE TABLE current_state (
    id         INT PRIMARY KEY CHECK (id = 0),
    raw        TEXT NOT NULL DEFAULT '{}',
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO current_state (id) VALUES (0);

CREATE TABLE kv (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`),
	)
}
