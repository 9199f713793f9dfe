// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides the suite plumbing and wait durations
// shared by the agent's test packages.
package testing

import (
	"time"

	jujutesting "github.com/juju/testing"
)

const (
	// LongWait is used when something should have already happened, or
	// happens really quickly, when waiting on a select.
	LongWait = 10 * time.Second

	// ShortWait is a reasonable amount of time to block waiting for
	// something that shouldn't actually happen.
	ShortWait = 50 * time.Millisecond
)

// BaseSuite isolates a test from the host environment and restores any
// patched variables afterwards.
type BaseSuite struct {
	jujutesting.IsolationSuite
}
