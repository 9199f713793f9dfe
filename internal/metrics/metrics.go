// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package metrics samples host-level vitals for the device state
// report: cpu, memory, storage, temperature, uptime and the primary
// network identity. Every probe is best-effort; a sensor that cannot
// be read leaves its field zero rather than failing the snapshot.
package metrics

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/iotistic/agent/internal/cloud"
)

// for testing
var (
	cpuPercent    = cpu.PercentWithContext
	virtualMemory = mem.VirtualMemoryWithContext
	diskUsage     = disk.UsageWithContext
	hostInfo      = host.InfoWithContext
	sensorTemps   = host.SensorsTemperaturesWithContext
	listNICs      = systemNICs
)

// cpuSensorPrefixes are the sensor keys that report the cpu die
// temperature across the boards we run on: x86 (coretemp, k10temp)
// and the various arm SoCs.
var cpuSensorPrefixes = []string{
	"coretemp",
	"k10temp",
	"cpu_thermal",
	"cpu-thermal",
	"soc_thermal",
	"soc-thermal",
}

// Logger is the subset of loggo used by this package.
type Logger interface {
	Debugf(string, ...interface{})
}

// Config holds a Collector's dependencies.
type Config struct {
	// StoragePath is the filesystem whose usage is reported,
	// normally the data directory's mount. Defaults to "/".
	StoragePath string

	// AgentVersion is stamped into every snapshot.
	AgentVersion string

	Logger Logger
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Collector produces point-in-time host metric snapshots.
type Collector struct {
	storagePath  string
	agentVersion string
	logger       Logger
}

// NewCollector returns a collector sampling the configured filesystem.
func NewCollector(config Config) (*Collector, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	path := config.StoragePath
	if path == "" {
		path = "/"
	}
	return &Collector{
		storagePath:  path,
		agentVersion: config.AgentVersion,
		logger:       config.Logger,
	}, nil
}

// Snapshot samples the host and returns whatever could be read. Probes
// that fail are logged at debug and leave their fields zero, so a
// missing sensor never blocks the state report.
func (c *Collector) Snapshot(ctx context.Context) cloud.Metrics {
	m := cloud.Metrics{SupervisorVersion: c.agentVersion}

	if info, err := hostInfo(ctx); err != nil {
		c.logger.Debugf("host info unavailable: %v", err)
	} else {
		m.Uptime = info.Uptime
		m.OSVersion = OSVersionString(info.Platform, info.PlatformVersion)
	}

	// Zero interval reports usage since the previous call, which is
	// what a periodic sampler wants. The very first sample reads 0.
	if percents, err := cpuPercent(ctx, 0, false); err != nil {
		c.logger.Debugf("cpu usage unavailable: %v", err)
	} else if len(percents) > 0 {
		m.CPUUsage = percents[0]
	}

	if vm, err := virtualMemory(ctx); err != nil {
		c.logger.Debugf("memory usage unavailable: %v", err)
	} else {
		m.MemoryUsage = vm.Used
		m.MemoryTotal = vm.Total
	}

	if usage, err := diskUsage(ctx, c.storagePath); err != nil {
		c.logger.Debugf("storage usage unavailable: %v", err)
	} else {
		m.StorageUsage = usage.Used
		m.StorageTotal = usage.Total
	}

	if temp, err := cpuTemperature(ctx); err != nil {
		c.logger.Debugf("cpu temperature unavailable: %v", err)
	} else {
		m.CPUTemp = temp
		m.Temperature = temp
	}

	if ip, mac, err := PrimaryNIC(); err != nil {
		c.logger.Debugf("network identity unavailable: %v", err)
	} else {
		m.IPAddress = ip
		m.MACAddress = mac
	}

	return m
}

// OSVersionString joins a platform name and version the way the cloud
// expects them, e.g. "ubuntu 22.04".
func OSVersionString(platform, version string) string {
	return strings.TrimSpace(platform + " " + version)
}

// OSVersion reports the host's platform and version as a single
// string.
func OSVersion(ctx context.Context) (string, error) {
	info, err := hostInfo(ctx)
	if err != nil {
		return "", errors.Trace(err)
	}
	return OSVersionString(info.Platform, info.PlatformVersion), nil
}

// nic is one network interface with its addresses resolved, so the
// selection logic stays separate from the syscalls behind it.
type nic struct {
	name  string
	flags net.Flags
	mac   net.HardwareAddr
	addrs []net.Addr
}

func systemNICs() ([]nic, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]nic, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, nic{
			name:  iface.Name,
			flags: iface.Flags,
			mac:   iface.HardwareAddr,
			addrs: addrs,
		})
	}
	return out, nil
}

// PrimaryNIC returns the ip and hardware address of the first
// interface that is up, not a loopback, and carries an IPv4 address.
// That is the identity the device registers with.
func PrimaryNIC() (ip, mac string, err error) {
	nics, err := listNICs()
	if err != nil {
		return "", "", errors.Trace(err)
	}
	for _, n := range nics {
		if n.flags&net.FlagUp == 0 || n.flags&net.FlagLoopback != 0 {
			continue
		}
		if len(n.mac) == 0 {
			continue
		}
		for _, addr := range n.addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			return ipNet.IP.String(), n.mac.String(), nil
		}
	}
	return "", "", errors.NotFoundf("usable network interface")
}

// cpuTemperature scans the host's thermal sensors for the cpu die.
func cpuTemperature(ctx context.Context) (float64, error) {
	temps, err := sensorTemps(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	for _, t := range temps {
		for _, prefix := range cpuSensorPrefixes {
			if strings.HasPrefix(t.SensorKey, prefix) {
				return t.Temperature, nil
			}
		}
	}
	return 0, errors.NotFoundf("cpu thermal sensor")
}

// Uptime reports how long the host has been up.
func Uptime(ctx context.Context) (time.Duration, error) {
	info, err := hostInfo(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return time.Duration(info.Uptime) * time.Second, nil
}
