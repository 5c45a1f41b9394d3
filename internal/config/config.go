// Package config handles configuration loading for the automation kernel.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridable in tests to avoid picking up real
// config files on developer/deploy machines.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/kindled/config.yaml, /config/config.yaml,
// /etc/kindled/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kindled", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/kindled/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all kernel configuration.
type Config struct {
	Kernel        KernelConfig        `yaml:"kernel"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Movement      []MovementConfig    `yaml:"movement"`
	Relays        []RelayConfig       `yaml:"relays"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
}

// MovementConfig binds an MQTT topic carrying PIR/occupancy payloads
// to a binary_sensor entity mirrored into the kernel's StateMachine.
type MovementConfig struct {
	EntityID string `yaml:"entity_id"`
	Topic    string `yaml:"topic"`
}

// RelayConfig binds a switch entity to the MQTT command topic the
// physical relay listens on.
type RelayConfig struct {
	EntityID     string `yaml:"entity_id"`
	CommandTopic string `yaml:"command_topic"`
}

// KernelConfig controls the worker pool and timer.
type KernelConfig struct {
	// Workers is the number of worker pool goroutines. Minimum 2.
	Workers int `yaml:"workers"`
	// BusyThreshold is the number of pending jobs that trips the
	// busy-pool warning. Defaults to Workers.
	BusyThreshold int `yaml:"busy_threshold"`
	// TimerInterval is the time_changed firing interval in seconds.
	// Must evenly divide 60. Defaults to 1.
	TimerInterval int `yaml:"timer_interval_sec"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// EntityFilter narrows which entities the bridge mirrors into the
	// kernel's StateMachine. Empty matches all entities. Patterns use
	// path.Match syntax (e.g., "light.*", "binary_sensor.*door*").
	EntityFilter []string `yaml:"entity_filter"`
	// RateLimitPerMinute caps mirrored state changes per entity per
	// minute. Zero disables rate limiting.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// Configured reports whether the Home Assistant connection has both a
// URL and a token. A partial configuration (URL without token or vice
// versa) is treated as unconfigured.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// MQTTSubscription is a single topic filter the publisher subscribes to
// on connect (and every reconnect).
type MQTTSubscription struct {
	Topic string `yaml:"topic"`
}

// MQTTConfig defines the MQTT broker connection and discovery settings
// used to publish kernel diagnostics and bridge MQTT-backed entities
// (movement sensors, relay switches) into the kernel.
type MQTTConfig struct {
	Broker             string             `yaml:"broker"`
	Username           string             `yaml:"username"`
	Password           string             `yaml:"password"`
	DeviceName         string             `yaml:"device_name"`
	DiscoveryPrefix    string             `yaml:"discovery_prefix"`
	PublishIntervalSec int                `yaml:"publish_interval_sec"`
	Subscriptions      []MQTTSubscription `yaml:"subscriptions"`
}

// Configured reports whether the MQTT broker and device name are both
// set. A partial configuration is treated as unconfigured.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${HA_TOKEN}). This is
	// a convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty/zero values.
func (c *Config) applyDefaults() {
	if c.Kernel.Workers == 0 {
		c.Kernel.Workers = 2
	}
	if c.Kernel.BusyThreshold == 0 {
		c.Kernel.BusyThreshold = c.Kernel.Workers
	}
	if c.Kernel.TimerInterval == 0 {
		c.Kernel.TimerInterval = 1
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Kernel.Workers < 2 {
		return fmt.Errorf("kernel.workers %d below minimum of 2", c.Kernel.Workers)
	}
	if 60%c.Kernel.TimerInterval != 0 {
		return fmt.Errorf("kernel.timer_interval_sec %d does not evenly divide 60", c.Kernel.TimerInterval)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
