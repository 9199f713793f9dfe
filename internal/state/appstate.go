// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	"github.com/iotistic/agent/core/apps"
)

// TargetRecord couples a decoded target state with the sync metadata
// needed to poll for the next one.
type TargetRecord struct {
	Target    apps.TargetState
	ETag      string
	UpdatedAt time.Time
}

// targetRow mirrors the target_state table.
type targetRow struct {
	ID        int       `db:"id"`
	Version   int64     `db:"version"`
	ETag      string    `db:"etag"`
	Raw       string    `db:"raw"`
	UpdatedAt time.Time `db:"updated_at"`
}

// currentRow mirrors the current_state table.
type currentRow struct {
	ID        int       `db:"id"`
	Raw       string    `db:"raw"`
	UpdatedAt time.Time `db:"updated_at"`
}

// TargetState returns the stored target record. A never-synced device
// yields version zero, an empty etag and no apps.
func (s *Store) TargetState(ctx context.Context) (TargetRecord, error) {
	db, err := s.db()
	if err != nil {
		return TargetRecord{}, errors.Trace(err)
	}

	stmt, err := sqlair.Prepare(`
SELECT &targetRow.* FROM target_state WHERE id = 0`, targetRow{})
	if err != nil {
		return TargetRecord{}, errors.Trace(err)
	}

	var row targetRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt).Get(&row))
	})
	if err != nil {
		return TargetRecord{}, errors.Trace(err)
	}

	var target apps.TargetState
	if err := json.Unmarshal([]byte(row.Raw), &target); err != nil {
		return TargetRecord{}, errors.Annotate(err, "decoding stored target state")
	}
	target.Version = row.Version
	return TargetRecord{
		Target:    target,
		ETag:      row.ETag,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// SetTargetState atomically replaces the stored target record.
func (s *Store) SetTargetState(ctx context.Context, record TargetRecord) error {
	raw, err := json.Marshal(record.Target)
	if err != nil {
		return errors.Annotate(err, "encoding target state")
	}

	db, err := s.db()
	if err != nil {
		return errors.Trace(err)
	}

	stmt, err := sqlair.Prepare(`
UPDATE target_state SET
    version    = $targetRow.version,
    etag       = $targetRow.etag,
    raw        = $targetRow.raw,
    updated_at = $targetRow.updated_at
WHERE id = 0`, targetRow{})
	if err != nil {
		return errors.Trace(err)
	}

	row := targetRow{
		Version:   record.Target.Version,
		ETag:      record.ETag,
		Raw:       string(raw),
		UpdatedAt: s.clock.Now().UTC(),
	}
	return errors.Trace(db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	}))
}

// CurrentState returns the observed state as last written by the
// reconciler. A fresh store yields an empty state.
func (s *Store) CurrentState(ctx context.Context) (apps.CurrentState, error) {
	db, err := s.db()
	if err != nil {
		return apps.CurrentState{}, errors.Trace(err)
	}

	stmt, err := sqlair.Prepare(`
SELECT &currentRow.* FROM current_state WHERE id = 0`, currentRow{})
	if err != nil {
		return apps.CurrentState{}, errors.Trace(err)
	}

	var row currentRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt).Get(&row))
	})
	if err != nil {
		return apps.CurrentState{}, errors.Trace(err)
	}

	var current apps.CurrentState
	if err := json.Unmarshal([]byte(row.Raw), &current); err != nil {
		return apps.CurrentState{}, errors.Annotate(err, "decoding stored current state")
	}
	return current, nil
}

// SetCurrentState atomically replaces the stored current state.
func (s *Store) SetCurrentState(ctx context.Context, current apps.CurrentState) error {
	raw, err := json.Marshal(current)
	if err != nil {
		return errors.Annotate(err, "encoding current state")
	}

	db, err := s.db()
	if err != nil {
		return errors.Trace(err)
	}

	stmt, err := sqlair.Prepare(`
UPDATE current_state SET
    raw        = $currentRow.raw,
    updated_at = $currentRow.updated_at
WHERE id = 0`, currentRow{})
	if err != nil {
		return errors.Trace(err)
	}

	row := currentRow{
		Raw:       string(raw),
		UpdatedAt: s.clock.Now().UTC(),
	}
	return errors.Trace(db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	}))
}
