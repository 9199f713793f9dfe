// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package version holds the agent's release version.
package version

import (
	semversion "github.com/juju/version/v2"
)

// The presence and format of this constant is important: packaging
// recipes read it for the release version.
const version = "0.9.2"

// Current is the version of the running agent. It is reported to the
// cloud with every state PATCH and printed by iotisticd --version.
var Current = semversion.MustParse(version)
