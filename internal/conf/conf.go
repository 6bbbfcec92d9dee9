// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Configuration for structured logging.
type LoggingConfig struct {
	// The log level to use (debug, info, warn, error).
	LevelStr string `yaml:"level"`
	// The log format to use (json, text).
	Format string `yaml:"format"`
}

// Database configuration.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Configuration for the monitoring module.
type MonitoringConfig struct {
	// The labels to add to all metrics.
	Labels map[string]string `yaml:"labels"`

	// The port to expose the metrics on.
	Port int `yaml:"port"`
}

// Configuration for the mqtt client used to publish notifications.
type MQTTConfig struct {
	// The URL of the MQTT broker to use for mqtt.
	URL string `yaml:"url"`
	// Credentials for the MQTT broker.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Configuration for the api port.
type APIConfig struct {
	// The port to expose the API on.
	Port int `yaml:"port"`
}

// Configuration for the keystone authentication.
type KeystoneConfig struct {
	// The URL of the keystone service.
	URL string `yaml:"url"`
	// Availability of the keystone service, such as "public", "internal", or "admin".
	Availability string `yaml:"availability"`
	// The OpenStack username (OS_USERNAME in openstack cli).
	OSUsername string `yaml:"username"`
	// The OpenStack password (OS_PASSWORD in openstack cli).
	OSPassword string `yaml:"password"`
	// The OpenStack project name (OS_PROJECT_NAME in openstack cli).
	OSProjectName string `yaml:"projectName"`
	// The OpenStack user domain name (OS_USER_DOMAIN_NAME in openstack cli).
	OSUserDomainName string `yaml:"userDomainName"`
	// The OpenStack project domain name (OS_PROJECT_DOMAIN_NAME in openstack cli).
	OSProjectDomainName string `yaml:"projectDomainName"`
}

// Configuration for the lease manager and its event dispatcher.
type ManagerConfig struct {
	// Names of the resource plugins to load at startup.
	Plugins []string `yaml:"plugins"`
	// How many hours before lease end the before_end_lease event fires.
	// Zero disables the event. Unset means 48 hours.
	NotifyHoursBeforeLeaseEnd *int `yaml:"notifyHoursBeforeLeaseEnd"`
	// Seconds between event dispatcher ticks. Unset means 10 seconds.
	EventPollIntervalSeconds int `yaml:"eventPollIntervalSeconds"`
	// Max lease duration in seconds, -1 for unlimited. Unset means -1.
	DefaultMaxLeaseDurationSeconds *int `yaml:"defaultMaxLeaseDurationSeconds"`
	// Max lease duration overrides in seconds by project id.
	ProjectMaxLeaseDurations map[string]int `yaml:"projectMaxLeaseDurations"`
	// How many seconds before the end of a started lease it may be
	// prolonged without the elapsed duration counting against the max.
	// Unset means 48 hours.
	ProlongSecondsBeforeLeaseEnd *int `yaml:"prolongSecondsBeforeLeaseEnd"`
}

// Default hours between the before_end_lease event and lease end.
const defaultNotifyHoursBeforeLeaseEnd = 48

// Default prolongation window before the end of a started lease.
const defaultProlongSecondsBeforeLeaseEnd = 48 * 3600

// Default plugin loaded when no plugins are configured.
const DefaultPluginName = "dummy.vm.plugin"

// The plugin names to load, falling back to the default plugin.
func (c ManagerConfig) PluginNames() []string {
	if len(c.Plugins) == 0 {
		return []string{DefaultPluginName}
	}
	return c.Plugins
}

// Hours before lease end at which the before_end_lease event fires.
func (c ManagerConfig) NotifyHours() int {
	if c.NotifyHoursBeforeLeaseEnd == nil {
		return defaultNotifyHoursBeforeLeaseEnd
	}
	return *c.NotifyHoursBeforeLeaseEnd
}

// Seconds between dispatcher ticks.
func (c ManagerConfig) EventPollInterval() int {
	if c.EventPollIntervalSeconds <= 0 {
		return 10
	}
	return c.EventPollIntervalSeconds
}

// Max lease duration in seconds for the given project, -1 for unlimited.
func (c ManagerConfig) MaxLeaseDuration(project string) int {
	if seconds, ok := c.ProjectMaxLeaseDurations[project]; ok {
		return seconds
	}
	if c.DefaultMaxLeaseDurationSeconds == nil {
		return -1
	}
	return *c.DefaultMaxLeaseDurationSeconds
}

// Seconds before the end of a started lease in which it may be prolonged.
func (c ManagerConfig) ProlongWindow() int {
	if c.ProlongSecondsBeforeLeaseEnd == nil {
		return defaultProlongSecondsBeforeLeaseEnd
	}
	return *c.ProlongSecondsBeforeLeaseEnd
}

// Configuration for the usage ledger.
type LedgerConfig struct {
	// Whether usage enforcement is performed at all.
	Enabled bool `yaml:"enabled"`
	// The URL of the key-value store holding the usage counters.
	URL string `yaml:"url"`
	// The default service-unit balance granted to a newly seen project.
	DefaultAllocated float64 `yaml:"defaultAllocated"`
	// Whether an unreachable key-value store refuses reservations.
	// The default (false) logs the failure and continues without enforcement.
	Strict bool `yaml:"strict"`
}

// Configuration for the physical host plugin.
type HostsConfig struct {
	// Name of the aggregate holding every registered, un-reserved host.
	FreepoolName string `yaml:"freepoolName"`
	// Optional availability zone assigned to created reservation pools.
	AvailabilityZone string `yaml:"availabilityZone"`
}

// Configuration for the reservoir service.
type Config interface {
	GetLoggingConfig() LoggingConfig
	GetDBConfig() DBConfig
	GetMonitoringConfig() MonitoringConfig
	GetMQTTConfig() MQTTConfig
	GetAPIConfig() APIConfig
	GetKeystoneConfig() KeystoneConfig
	GetManagerConfig() ManagerConfig
	GetLedgerConfig() LedgerConfig
	GetHostsConfig() HostsConfig
	// Check if the configuration is valid.
	Validate() error
}

type SharedConfig struct {
	LoggingConfig    `yaml:"logging"`
	DBConfig         `yaml:"db"`
	MonitoringConfig `yaml:"monitoring"`
	MQTTConfig       `yaml:"mqtt"`
	APIConfig        `yaml:"api"`
	KeystoneConfig   `yaml:"keystone"`
	ManagerConfig    `yaml:"manager"`
	LedgerConfig     `yaml:"ledger"`
	HostsConfig      `yaml:"hosts"`
}

// Create a new configuration from the default config yaml file.
//
// This will read two files:
//   - /etc/config/conf.yaml
//   - /etc/secrets/secrets.yaml
//
// The values read from secrets.yaml will override the values in conf.yaml
func GetConfigOrDie[C any]() C {
	// Note: We need to read the config as a raw map first, to avoid golang
	// unmarshalling default values for the fields.

	// Read the base config from the configmap (not including secrets).
	cmConf, err := readRawConfig("/etc/config/conf.yaml")
	if err != nil {
		panic(err)
	}
	// Read the secrets config deployed next to it.
	secretConf, err := readRawConfig("/etc/secrets/secrets.yaml")
	if err != nil {
		panic(err)
	}
	return newConfigFromMaps[C](cmConf, secretConf)
}

func newConfigFromMaps[C any](base, override map[string]any) C {
	// Merge the base config with the override config.
	mergedConf := mergeMaps(base, override)
	// Marshal again, and then unmarshal into the config struct.
	mergedBytes, err := yaml.Marshal(mergedConf)
	if err != nil {
		panic(err)
	}
	var c C
	if err := yaml.Unmarshal(mergedBytes, &c); err != nil {
		panic(err)
	}
	return c
}

// Read the yaml as a map from the given file path.
func readRawConfig(filepath string) (map[string]any, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	bytes, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return readRawConfigFromBytes(bytes)
}

func readRawConfigFromBytes(data []byte) (map[string]any, error) {
	var conf map[string]any
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// mergeMaps recursively overrides dst with src (in-place)
func mergeMaps(dst, src map[string]any) map[string]any {
	result := dst
	for k, v := range src {
		if v == nil {
			// If src value is nil, skip override
			continue
		}
		if dstVal, ok := dst[k]; ok {
			// If both are maps, merge recursively
			dstMap, dstIsMap := dstVal.(map[string]any)
			srcMap, srcIsMap := v.(map[string]any)
			if dstIsMap && srcIsMap {
				result[k] = mergeMaps(dstMap, srcMap)
				continue
			}
		}
		// Otherwise, override
		result[k] = v
	}
	return result
}

func (c *SharedConfig) GetLoggingConfig() LoggingConfig       { return c.LoggingConfig }
func (c *SharedConfig) GetDBConfig() DBConfig                 { return c.DBConfig }
func (c *SharedConfig) GetMonitoringConfig() MonitoringConfig { return c.MonitoringConfig }
func (c *SharedConfig) GetMQTTConfig() MQTTConfig             { return c.MQTTConfig }
func (c *SharedConfig) GetAPIConfig() APIConfig               { return c.APIConfig }
func (c *SharedConfig) GetKeystoneConfig() KeystoneConfig     { return c.KeystoneConfig }
func (c *SharedConfig) GetManagerConfig() ManagerConfig       { return c.ManagerConfig }
func (c *SharedConfig) GetLedgerConfig() LedgerConfig         { return c.LedgerConfig }
func (c *SharedConfig) GetHostsConfig() HostsConfig           { return c.HostsConfig }
