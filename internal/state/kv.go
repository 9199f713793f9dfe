// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
)

// kvRow mirrors the kv table.
type kvRow struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}

// KV returns the value stored under key, or a NotFound error.
func (s *Store) KV(ctx context.Context, key string) (string, error) {
	db, err := s.db()
	if err != nil {
		return "", errors.Trace(err)
	}

	stmt, err := sqlair.Prepare(`
SELECT &kvRow.* FROM kv WHERE key = $kvRow.key`, kvRow{})
	if err != nil {
		return "", errors.Trace(err)
	}

	var row kvRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, stmt, kvRow{Key: key}).Get(&row)
	})
	if errors.Is(err, sqlair.ErrNoRows) {
		return "", errors.NotFoundf("kv entry %q", key)
	} else if err != nil {
		return "", errors.Trace(err)
	}
	return row.Value, nil
}

// SetKV stores value under key, replacing any previous value.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.NotValidf("empty kv key")
	}

	db, err := s.db()
	if err != nil {
		return errors.Trace(err)
	}

	stmt, err := sqlair.Prepare(`
INSERT INTO kv (key, value, updated_at)
VALUES ($kvRow.key, $kvRow.value, $kvRow.updated_at)
ON CONFLICT (key) DO UPDATE SET
    value      = excluded.value,
    updated_at = excluded.updated_at`, kvRow{})
	if err != nil {
		return errors.Trace(err)
	}

	row := kvRow{Key: key, Value: value, UpdatedAt: s.clock.Now().UTC()}
	return errors.Trace(db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	}))
}

// DeleteKV removes the entry stored under key. Deleting a missing key
// is not an error.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	db, err := s.db()
	if err != nil {
		return errors.Trace(err)
	}

	stmt, err := sqlair.Prepare(`
DELETE FROM kv WHERE key = $kvRow.key`, kvRow{})
	if err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, kvRow{Key: key}).Run())
	}))
}
