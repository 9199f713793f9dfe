// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package metrics

import (
	"net"
)

var (
	CPUPercent    = &cpuPercent
	VirtualMemory = &virtualMemory
	DiskUsage     = &diskUsage
	HostInfo      = &hostInfo
	SensorTemps   = &sensorTemps
	ListNICs      = &listNICs
)

// NIC lets tests feed canned interfaces through the listNICs hook.
type NIC = nic

func NewNIC(name string, flags net.Flags, mac net.HardwareAddr, addrs []net.Addr) NIC {
	return nic{name: name, flags: flags, mac: mac, addrs: addrs}
}
