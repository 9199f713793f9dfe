// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package agent holds the device agent's configuration: where it keeps
// its data, how it reaches the cloud, and the knobs for the messaging
// and reporting loops. Configuration is environment-first with an
// optional YAML file; the environment always wins.
package agent

import (
	"path/filepath"
	"time"
)

// Default locations used when the operator supplies nothing.
const (
	DefaultDataDir = "/var/lib/iotistic"
	DefaultLogDir  = "/var/log/iotistic"

	// ConfigFilename is the optional operator-authored configuration
	// file inside the data directory.
	ConfigFilename = "agent.conf"

	// StoreFilename is the SQLite store inside the data directory.
	StoreFilename = "store.db"
)

// Default values for the tunable knobs.
const (
	DefaultAdminAPIAddr          = "127.0.0.1:48484"
	DefaultLoggingConfig         = "<root>=INFO"
	DefaultTargetPollInterval    = 5 * time.Second
	DefaultStateReportInterval   = 10 * time.Second
	DefaultMetricsReportInterval = 60 * time.Second
	DefaultMQTTQoS               = 1
	DefaultMQTTBatchSize         = 10
)

// Paths holds the directory layout for the agent.
type Paths struct {
	// DataDir is the data directory: the store, the config file and
	// the lock history live here.
	DataDir string

	// LogDir is the log directory: the agent's own log file and the
	// per-container log files live here.
	LogDir string
}

// NewPaths returns Paths with defaults filled in for empty fields.
func NewPaths(dataDir, logDir string) Paths {
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	if logDir == "" {
		logDir = DefaultLogDir
	}
	return Paths{DataDir: dataDir, LogDir: logDir}
}

// ConfigPath returns the location of the optional configuration file.
func (p Paths) ConfigPath() string {
	return filepath.Join(p.DataDir, ConfigFilename)
}

// StorePath returns the location of the SQLite store.
func (p Paths) StorePath() string {
	return filepath.Join(p.DataDir, StoreFilename)
}

// ContainerLogDir returns the directory for per-container log files.
func (p Paths) ContainerLogDir() string {
	return filepath.Join(p.LogDir, "containers")
}

// MachineLockLogPath returns the lock acquisition history file.
func (p Paths) MachineLockLogPath() string {
	return filepath.Join(p.LogDir, "machine-lock.log")
}

// MQTTConfig carries the broker connection settings for the messaging
// fabric. An empty Broker means no fabric: remote logs fall back to the
// cloud HTTP endpoint and the device shadow stays silent.
type MQTTConfig struct {
	Broker    string
	Username  string
	Password  string
	QoS       int
	BatchSize int
	Debug     bool
}

// Configured reports whether a broker has been set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Config is an immutable snapshot of the agent's configuration.
// Components hold a Config and never re-read the environment.
type Config interface {
	// Paths returns the directory layout.
	Paths() Paths

	// DataDir returns the data directory.
	DataDir() string

	// LogDir returns the log directory.
	LogDir() string

	// CloudAPIURL is the base URL of the cloud API, without a
	// trailing slash. Empty means the device runs disconnected.
	CloudAPIURL() string

	// ProvisioningKey is the fleet-scoped bearer credential used for
	// first-time registration. Empty once the device is provisioned.
	ProvisioningKey() string

	// DeviceName is the human-facing name reported at registration.
	DeviceName() string

	// DeviceType is the hardware class reported at registration.
	DeviceType() string

	// AdminAPIAddr is the listen address for the local admin API.
	AdminAPIAddr() string

	// MQTT returns the messaging fabric settings.
	MQTT() MQTTConfig

	// UseRealRuntime reports whether the agent drives the host's
	// container daemon. When false the agent runs against an
	// in-memory runtime, which is only useful for demos and tests.
	UseRealRuntime() bool

	// TargetPollInterval is the cadence of the target-state poll.
	TargetPollInterval() time.Duration

	// StateReportInterval is the cadence of current-state reports.
	StateReportInterval() time.Duration

	// MetricsReportInterval is the cadence at which host metrics are
	// refreshed into the report.
	MetricsReportInterval() time.Duration

	// LoggingConfig is the loggo configuration string applied at
	// start-up, e.g. "<root>=INFO;iotistic.reconciler=DEBUG".
	LoggingConfig() string

	// Value returns the raw configured value for a key, or the empty
	// string. It covers keys without a typed getter.
	Value(key string) string
}

// Agent exposes the running agent to its workers. The dependency
// engine's agent manifold provides one.
type Agent interface {
	// CurrentConfig returns the agent's configuration snapshot.
	CurrentConfig() Config
}

// New returns an Agent holding the given configuration. The snapshot
// is immutable; a configuration change means restarting the agent.
func New(cfg Config) Agent {
	return &simpleAgent{config: cfg}
}

type simpleAgent struct {
	config Config
}

// CurrentConfig is part of Agent.
func (a *simpleAgent) CurrentConfig() Config {
	return a.config
}
