// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package container

import (
	"fmt"

	"github.com/juju/errors"
)

// transientError marks a failure worth retrying: daemon outages,
// socket errors, registry timeouts.
type transientError struct {
	error
}

// NewTransient marks err as transient.
func NewTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err}
}

func (e *transientError) Unwrap() error {
	return e.error
}

// IsTransient reports whether any error in err's chain is transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// semanticError marks a failure that retrying will not fix: image not
// found, port conflict, insufficient resources. The reconciler records
// these against the service and retries only on a target change.
type semanticError struct {
	error
}

// NewSemantic marks err as a runtime semantic failure.
func NewSemantic(err error) error {
	if err == nil {
		return nil
	}
	return &semanticError{err}
}

func (e *semanticError) Unwrap() error {
	return e.error
}

// IsSemantic reports whether any error in err's chain is a runtime
// semantic failure.
func IsSemantic(err error) bool {
	var s *semanticError
	return errors.As(err, &s)
}

// RecreationAttemptError reports that a create call found an existing
// resource with a different configuration. In-place mutation is never
// attempted; the caller must remove and recreate.
type RecreationAttemptError struct {
	Kind string
	Name string
}

// Error implements error.
func (e *RecreationAttemptError) Error() string {
	return fmt.Sprintf("%s %q already exists with different configuration", e.Kind, e.Name)
}

// NewRecreationAttempt returns a RecreationAttemptError for the named
// resource.
func NewRecreationAttempt(kind, name string) error {
	return &RecreationAttemptError{Kind: kind, Name: name}
}

// IsRecreationAttempt reports whether any error in err's chain is a
// recreation attempt.
func IsRecreationAttempt(err error) bool {
	var r *RecreationAttemptError
	return errors.As(err, &r)
}
