// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state is the persistence layer for the agent's durable
// records: device identity, the declared target state, the observed
// current state, and a small key/value area for component bookkeeping.
//
// Row ownership is by convention: only the identity manager writes
// device_identity, only the target poller and admin API write
// target_state, and only the reconciler writes current_state.
package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"

	coredatabase "github.com/iotistic/agent/core/database"
)

// Logger represents the logging methods called by this package.
type Logger interface {
	Debugf(message string, args ...interface{})
	Tracef(message string, args ...interface{})
}

// ProvisioningState is the registration phase of the device.
type ProvisioningState string

const (
	// Unprovisioned means the device has a uuid but has never
	// completed the registration handshake.
	Unprovisioned ProvisioningState = "unprovisioned"

	// Registered means the cloud has acknowledged the device and a
	// device api key has been exchanged.
	Registered ProvisioningState = "registered"
)

// DeviceIdentity is the persisted identity record for this device.
// UUID is immutable once written; the store enforces that.
type DeviceIdentity struct {
	UUID              string
	DeviceID          string
	DeviceName        string
	DeviceType        string
	FleetID           string
	ProvisioningState ProvisioningState
	APIKeyHash        string
	APIEndpoint       string
	ProvisionedAt     time.Time
}

// Store persists the agent's durable state in the local SQLite
// database.
type Store struct {
	factory coredatabase.TxnRunnerFactory
	clock   clock.Clock
	logger  Logger
}

// NewStore returns a store backed by the runner the factory yields.
func NewStore(factory coredatabase.TxnRunnerFactory, clk clock.Clock, logger Logger) *Store {
	return &Store{
		factory: factory,
		clock:   clk,
		logger:  logger,
	}
}

func (s *Store) db() (coredatabase.TxnRunner, error) {
	db, err := s.factory()
	return db, errors.Trace(err)
}

// identityRow mirrors the device_identity table.
type identityRow struct {
	ID                int          `db:"id"`
	UUID              string       `db:"uuid"`
	DeviceID          string       `db:"device_id"`
	DeviceName        string       `db:"device_name"`
	DeviceType        string       `db:"device_type"`
	FleetID           string       `db:"fleet_id"`
	ProvisioningState string       `db:"provisioning_state"`
	APIKeyHash        string       `db:"api_key_hash"`
	APIEndpoint       string       `db:"api_endpoint"`
	ProvisionedAt     sql.NullTime `db:"provisioned_at"`
}

func (r identityRow) toIdentity() DeviceIdentity {
	identity := DeviceIdentity{
		UUID:              r.UUID,
		DeviceID:          r.DeviceID,
		DeviceName:        r.DeviceName,
		DeviceType:        r.DeviceType,
		FleetID:           r.FleetID,
		ProvisioningState: ProvisioningState(r.ProvisioningState),
		APIKeyHash:        r.APIKeyHash,
		APIEndpoint:       r.APIEndpoint,
	}
	if r.ProvisionedAt.Valid {
		identity.ProvisionedAt = r.ProvisionedAt.Time
	}
	return identity
}

func toIdentityRow(identity DeviceIdentity) identityRow {
	row := identityRow{
		UUID:              identity.UUID,
		DeviceID:          identity.DeviceID,
		DeviceName:        identity.DeviceName,
		DeviceType:        identity.DeviceType,
		FleetID:           identity.FleetID,
		ProvisioningState: string(identity.ProvisioningState),
		APIKeyHash:        identity.APIKeyHash,
		APIEndpoint:       identity.APIEndpoint,
	}
	if !identity.ProvisionedAt.IsZero() {
		row.ProvisionedAt = sql.NullTime{Time: identity.ProvisionedAt, Valid: true}
	}
	return row
}

// DeviceIdentity returns the persisted identity, or a NotFound error
// when the device has not generated one yet.
func (s *Store) DeviceIdentity(ctx context.Context) (DeviceIdentity, error) {
	db, err := s.db()
	if err != nil {
		return DeviceIdentity{}, errors.Trace(err)
	}

	stmt, err := sqlair.Prepare(`
SELECT &identityRow.* FROM device_identity WHERE id = 0`, identityRow{})
	if err != nil {
		return DeviceIdentity{}, errors.Trace(err)
	}

	var row identityRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, stmt).Get(&row)
	})
	if errors.Is(err, sqlair.ErrNoRows) {
		return DeviceIdentity{}, errors.NotFoundf("device identity")
	} else if err != nil {
		return DeviceIdentity{}, errors.Trace(err)
	}
	return row.toIdentity(), nil
}

// SetDeviceIdentity writes the identity record, inserting it on first
// boot and updating it afterwards. Changing an existing uuid is
// refused.
func (s *Store) SetDeviceIdentity(ctx context.Context, identity DeviceIdentity) error {
	if identity.UUID == "" {
		return errors.NotValidf("device identity with empty uuid")
	}
	if identity.ProvisioningState == "" {
		identity.ProvisioningState = Unprovisioned
	}

	db, err := s.db()
	if err != nil {
		return errors.Trace(err)
	}

	query, err := sqlair.Prepare(`
SELECT &identityRow.uuid FROM device_identity WHERE id = 0`, identityRow{})
	if err != nil {
		return errors.Trace(err)
	}

	upsert, err := sqlair.Prepare(`
INSERT INTO device_identity (id, uuid, device_id, device_name, device_type,
                             fleet_id, provisioning_state, api_key_hash,
                             api_endpoint, provisioned_at)
VALUES (0, $identityRow.uuid, $identityRow.device_id, $identityRow.device_name,
        $identityRow.device_type, $identityRow.fleet_id,
        $identityRow.provisioning_state, $identityRow.api_key_hash,
        $identityRow.api_endpoint, $identityRow.provisioned_at)
ON CONFLICT (id) DO UPDATE SET
    device_id          = excluded.device_id,
    device_name        = excluded.device_name,
    device_type        = excluded.device_type,
    fleet_id           = excluded.fleet_id,
    provisioning_state = excluded.provisioning_state,
    api_key_hash       = excluded.api_key_hash,
    api_endpoint       = excluded.api_endpoint,
    provisioned_at     = excluded.provisioned_at`, identityRow{})
	if err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var existing identityRow
		err := tx.Query(ctx, query).Get(&existing)
		if err != nil && !errors.Is(err, sqlair.ErrNoRows) {
			return errors.Trace(err)
		}
		if err == nil && existing.UUID != identity.UUID {
			return errors.Errorf("device uuid is immutable: have %q", existing.UUID)
		}
		return errors.Trace(tx.Query(ctx, upsert, toIdentityRow(identity)).Run())
	}))
}

// ResetDeviceIdentity clears the registration fields while preserving
// the device uuid, returning the device to the unprovisioned state.
func (s *Store) ResetDeviceIdentity(ctx context.Context) error {
	db, err := s.db()
	if err != nil {
		return errors.Trace(err)
	}

	stmt, err := sqlair.Prepare(`
UPDATE device_identity SET
    device_id          = '',
    device_name        = '',
    device_type        = '',
    fleet_id           = '',
    provisioning_state = $identityRow.provisioning_state,
    api_key_hash       = '',
    provisioned_at     = NULL
WHERE id = 0`, identityRow{})
	if err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		arg := identityRow{ProvisioningState: string(Unprovisioned)}
		if err := tx.Query(ctx, stmt, arg).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return errors.NotFoundf("device identity")
		}
		return nil
	}))
}
