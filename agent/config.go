// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package agent

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"gopkg.in/yaml.v3"
)

// Keys understood by the configuration file and the corresponding
// environment variables. File keys are the kebab-case forms; the
// environment uses the upper-snake forms listed in envAliases.
const (
	KeyCloudAPIURL           = "cloud-api-url"
	KeyProvisioningKey       = "provisioning-key"
	KeyDeviceName            = "device-name"
	KeyDeviceType            = "device-type"
	KeyAdminAPIAddr          = "admin-api-addr"
	KeyMQTTBroker            = "mqtt-broker"
	KeyMQTTUsername          = "mqtt-username"
	KeyMQTTPassword          = "mqtt-password"
	KeyMQTTQoS               = "mqtt-qos"
	KeyMQTTBatch             = "mqtt-batch"
	KeyMQTTDebug             = "mqtt-debug"
	KeyUseRealRuntime        = "use-real-docker"
	KeyTargetPollInterval    = "target-poll-interval"
	KeyStateReportInterval   = "state-report-interval"
	KeyMetricsReportInterval = "metrics-report-interval"
	KeyLoggingConfig         = "logging-config"
)

// envAliases maps configuration keys to the environment variables that
// override them.
var envAliases = map[string]string{
	KeyCloudAPIURL:           "CLOUD_API_URL",
	KeyProvisioningKey:       "PROVISIONING_KEY",
	KeyDeviceName:            "DEVICE_NAME",
	KeyDeviceType:            "DEVICE_TYPE",
	KeyAdminAPIAddr:          "ADMIN_API_ADDR",
	KeyMQTTBroker:            "MQTT_BROKER",
	KeyMQTTUsername:          "MQTT_USERNAME",
	KeyMQTTPassword:          "MQTT_PASSWORD",
	KeyMQTTQoS:               "MQTT_QOS",
	KeyMQTTBatch:             "MQTT_BATCH",
	KeyMQTTDebug:             "MQTT_DEBUG",
	KeyUseRealRuntime:        "USE_REAL_DOCKER",
	KeyTargetPollInterval:    "TARGET_POLL_INTERVAL",
	KeyStateReportInterval:   "STATE_REPORT_INTERVAL",
	KeyMetricsReportInterval: "METRICS_REPORT_INTERVAL",
	KeyLoggingConfig:         "IOTISTIC_LOGGING_CONFIG",
}

// configFile is the on-disk YAML form. Format is versioned so a future
// agent can migrate an old file instead of guessing.
type configFile struct {
	Format int               `yaml:"format"`
	Values map[string]string `yaml:"values"`
}

const currentFormat = 1

type config struct {
	paths  Paths
	values map[string]string
}

var _ Config = (*config)(nil)

// Load assembles the effective configuration for the given paths: file
// values (if the file exists) overridden by environment variables,
// with defaults for everything left unset. getenv is os.Getenv in
// production and injected in tests.
func Load(paths Paths, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	values := make(map[string]string)

	data, err := os.ReadFile(paths.ConfigPath())
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Annotatef(err, "reading %q", paths.ConfigPath())
	}
	if err == nil {
		var file configFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, errors.Annotatef(err, "parsing %q", paths.ConfigPath())
		}
		if file.Format != currentFormat {
			return nil, errors.NotValidf("config format %d in %q", file.Format, paths.ConfigPath())
		}
		for k, v := range file.Values {
			values[k] = v
		}
	}

	for key, env := range envAliases {
		if v := getenv(env); v != "" {
			values[key] = v
		}
	}

	cfg := &config{paths: paths, values: values}
	if err := cfg.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// WriteSample persists the current values as a configuration file,
// creating the data directory if needed. Used by --show-config to
// materialize an editable file.
func WriteSample(paths Paths, cfg Config) error {
	values := make(map[string]string)
	for key := range envAliases {
		if v := cfg.Value(key); v != "" {
			values[key] = v
		}
	}
	data, err := yaml.Marshal(configFile{Format: currentFormat, Values: values})
	if err != nil {
		return errors.Trace(err)
	}
	if err := os.MkdirAll(paths.DataDir, 0755); err != nil {
		return errors.Annotatef(err, "creating data dir %q", paths.DataDir)
	}
	return errors.Trace(utils.AtomicWriteFile(paths.ConfigPath(), data, 0600))
}

func (c *config) validate() error {
	if v := c.values[KeyCloudAPIURL]; v != "" && !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		return errors.NotValidf("cloud api url %q", v)
	}
	if v, ok := c.values[KeyMQTTQoS]; ok {
		qos, err := strconv.Atoi(v)
		if err != nil || qos < 0 || qos > 2 {
			return errors.NotValidf("mqtt qos %q", v)
		}
	}
	for _, key := range []string{KeyTargetPollInterval, KeyStateReportInterval, KeyMetricsReportInterval} {
		if v, ok := c.values[key]; ok {
			if _, err := time.ParseDuration(v); err != nil {
				return errors.NotValidf("%s %q", key, v)
			}
		}
	}
	return nil
}

// Paths is part of Config.
func (c *config) Paths() Paths {
	return c.paths
}

// DataDir is part of Config.
func (c *config) DataDir() string {
	return c.paths.DataDir
}

// LogDir is part of Config.
func (c *config) LogDir() string {
	return c.paths.LogDir
}

// CloudAPIURL is part of Config.
func (c *config) CloudAPIURL() string {
	return strings.TrimRight(c.values[KeyCloudAPIURL], "/")
}

// ProvisioningKey is part of Config.
func (c *config) ProvisioningKey() string {
	return c.values[KeyProvisioningKey]
}

// DeviceName is part of Config. Defaults to the host name.
func (c *config) DeviceName() string {
	if v := c.values[KeyDeviceName]; v != "" {
		return v
	}
	host, err := os.Hostname()
	if err != nil {
		return "iotistic-device"
	}
	return host
}

// DeviceType is part of Config.
func (c *config) DeviceType() string {
	if v := c.values[KeyDeviceType]; v != "" {
		return v
	}
	return "generic"
}

// AdminAPIAddr is part of Config.
func (c *config) AdminAPIAddr() string {
	if v := c.values[KeyAdminAPIAddr]; v != "" {
		return v
	}
	return DefaultAdminAPIAddr
}

// MQTT is part of Config.
func (c *config) MQTT() MQTTConfig {
	return MQTTConfig{
		Broker:    c.values[KeyMQTTBroker],
		Username:  c.values[KeyMQTTUsername],
		Password:  c.values[KeyMQTTPassword],
		QoS:       c.intValue(KeyMQTTQoS, DefaultMQTTQoS),
		BatchSize: c.intValue(KeyMQTTBatch, DefaultMQTTBatchSize),
		Debug:     c.boolValue(KeyMQTTDebug, false),
	}
}

// UseRealRuntime is part of Config.
func (c *config) UseRealRuntime() bool {
	return c.boolValue(KeyUseRealRuntime, true)
}

// TargetPollInterval is part of Config.
func (c *config) TargetPollInterval() time.Duration {
	return c.durationValue(KeyTargetPollInterval, DefaultTargetPollInterval)
}

// StateReportInterval is part of Config.
func (c *config) StateReportInterval() time.Duration {
	return c.durationValue(KeyStateReportInterval, DefaultStateReportInterval)
}

// MetricsReportInterval is part of Config.
func (c *config) MetricsReportInterval() time.Duration {
	return c.durationValue(KeyMetricsReportInterval, DefaultMetricsReportInterval)
}

// LoggingConfig is part of Config.
func (c *config) LoggingConfig() string {
	if v := c.values[KeyLoggingConfig]; v != "" {
		return v
	}
	return DefaultLoggingConfig
}

// Value is part of Config.
func (c *config) Value(key string) string {
	return c.values[key]
}

func (c *config) intValue(key string, fallback int) int {
	v, ok := c.values[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func (c *config) boolValue(key string, fallback bool) bool {
	v, ok := c.values[key]
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func (c *config) durationValue(key string, fallback time.Duration) time.Duration {
	v, ok := c.values[key]
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
