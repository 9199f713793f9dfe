// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// iotisticd is the device agent: it converges the host's container
// runtime onto the cloud-declared target state, reports what actually
// runs, streams logs, and manages the device identity.
package main

import (
	"os"
)

func main() {
	os.Exit(Main(os.Args[1:]))
}
