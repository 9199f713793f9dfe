// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	coredatabase "github.com/iotistic/agent/core/database"
)

const (
	// defaultTransactionTimeout bounds a single transaction attempt.
	// Nothing the agent does against its own store should take longer.
	defaultTransactionTimeout = 30 * time.Second

	// maxRetries is the number of attempts made for a transaction that
	// keeps failing with a retriable contention error.
	maxRetries = 50
)

// Logger represents the logging methods called by this package.
type Logger interface {
	Warningf(message string, args ...interface{})
	Tracef(message string, args ...interface{})
}

// txnRunner applies transactions against a SQLite handle, retrying
// attempts that fail with transient contention errors and giving up
// immediately on everything else.
type txnRunner struct {
	db     *sqlair.DB
	clock  clock.Clock
	logger Logger
}

// NewTxnRunner returns a TxnRunner backed by the given database
// handle.
func NewTxnRunner(db *sql.DB, clk clock.Clock, logger Logger) coredatabase.TxnRunner {
	return &txnRunner{
		db:     sqlair.NewDB(db),
		clock:  clk,
		logger: logger,
	}
}

// Txn manages the application of a SQLair transaction within which the
// input function is executed. Retry semantics are applied
// automatically based on transient failures.
func (r *txnRunner) Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	return errors.Trace(r.retry(ctx, func() error {
		return r.run(ctx, fn)
	}))
}

func (r *txnRunner) run(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTransactionTimeout)
	defer cancel()

	tx, err := r.db.Begin(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	if err := fn(ctx, tx); err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			r.logger.Warningf("failed to rollback transaction: %v", rErr)
		}
		return errors.Trace(err)
	}
	return errors.Trace(tx.Commit())
}

// StdTxn manages the application of a standard library transaction
// within which the input function is executed. Retry semantics match
// Txn.
func (r *txnRunner) StdTxn(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return errors.Trace(r.retry(ctx, func() error {
		return r.runStd(ctx, fn)
	}))
}

func (r *txnRunner) runStd(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTransactionTimeout)
	defer cancel()

	tx, err := r.db.PlainDB().BeginTx(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	if err := fn(ctx, tx); err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			r.logger.Warningf("failed to rollback transaction: %v", rErr)
		}
		return errors.Trace(err)
	}
	return errors.Trace(tx.Commit())
}

func (r *txnRunner) retry(ctx context.Context, fn func() error) error {
	return retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return !IsErrRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			if attempt > 1 {
				r.logger.Tracef("retrying transaction, attempt %d: %v", attempt, err)
			}
		},
		Attempts:    maxRetries,
		Delay:       time.Millisecond,
		MaxDelay:    250 * time.Millisecond,
		BackoffFunc: retry.ExpBackoff(time.Millisecond, 250*time.Millisecond, 1.6, true),
		Clock:       r.clock,
		Stop:        ctx.Done(),
	})
}
