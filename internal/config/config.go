// Package config loads elastic driver configuration from environment
// variables (same envStr/envBool/envInt helper shape the teacher uses)
// with an optional YAML overlay for settings that don't fit naturally into
// env vars: min/max world size and the bundled discovery provider's static
// host file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds elastic driver configuration. Mutable fields (currently just
// StartTimeout) are protected by an RWMutex and must be accessed via
// getter/setter methods at runtime, so concurrent reads and writes are safe.
type Config struct {
	// World size bounds (spec.md §4).
	MinNP uint
	MaxNP uint

	// Discovery
	DiscoveryFile string // path to the static host-discovery YAML file

	// Rendezvous / worker RPC addressing
	RendezvousURL string // e.g. "http://rendezvous:8000/rendezvous/init"

	// Logging
	LogJSON bool

	// Metrics
	MetricsEnabled  bool
	MetricsAddr     string
	MetricsTextfile string // node_exporter textfile-collector path; empty disables it

	// MQTT status publishing (empty Broker disables it)
	MQTTBroker string
	MQTTTopic  string

	// mu protects the mutable runtime fields below.
	mu           sync.RWMutex
	startTimeout time.Duration // spec.md §6: HOROVOD_ELASTIC_START_TIMEOUT
}

// NewTestConfig creates a Config with sensible defaults for testing.
// Use the setter methods to override specific values.
func NewTestConfig() *Config {
	return &Config{
		MinNP:        1,
		MaxNP:        4,
		startTimeout: 30 * time.Second,
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		MinNP:           uint(envInt("HOROVOD_ELASTIC_MIN_NP", 1)),
		MaxNP:           uint(envInt("HOROVOD_ELASTIC_MAX_NP", 0)),
		DiscoveryFile:   envStr("HOROVOD_ELASTIC_DISCOVERY_FILE", "/etc/elastic-driver/hosts.yaml"),
		RendezvousURL:   envStr("HOROVOD_ELASTIC_RENDEZVOUS_URL", "http://127.0.0.1:8000/rendezvous/init"),
		LogJSON:         envBool("ELASTIC_DRIVER_LOG_JSON", true),
		MetricsEnabled:  envBool("ELASTIC_DRIVER_METRICS", false),
		MetricsAddr:     envStr("ELASTIC_DRIVER_METRICS_ADDR", ":9090"),
		MetricsTextfile: envStr("ELASTIC_DRIVER_METRICS_TEXTFILE", ""),
		MQTTBroker:      envStr("ELASTIC_DRIVER_MQTT_BROKER", ""),
		MQTTTopic:       envStr("ELASTIC_DRIVER_MQTT_TOPIC", "elastic-driver/status"),
		startTimeout:    envSeconds("HOROVOD_ELASTIC_START_TIMEOUT", 600*time.Second),
	}
}

// yamlOverlay is the shape of the optional YAML config file merged over
// the environment-derived Config. Zero values leave the env-derived field
// untouched.
type yamlOverlay struct {
	MinNP         uint   `yaml:"min_np"`
	MaxNP         uint   `yaml:"max_np"`
	DiscoveryFile string `yaml:"discovery_file"`
	RendezvousURL string `yaml:"rendezvous_url"`
	StartTimeout  string `yaml:"start_timeout"`
}

// LoadYAMLOverlay reads path and merges any set fields onto c. A missing
// file is not an error -- the overlay is optional, env vars alone are a
// complete configuration.
func (c *Config) LoadYAMLOverlay(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config overlay %s: %w", path, err)
	}

	var overlay yamlOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config overlay %s: %w", path, err)
	}

	if overlay.MinNP > 0 {
		c.MinNP = overlay.MinNP
	}
	if overlay.MaxNP > 0 {
		c.MaxNP = overlay.MaxNP
	}
	if overlay.DiscoveryFile != "" {
		c.DiscoveryFile = overlay.DiscoveryFile
	}
	if overlay.RendezvousURL != "" {
		c.RendezvousURL = overlay.RendezvousURL
	}
	if overlay.StartTimeout != "" {
		d, err := time.ParseDuration(overlay.StartTimeout)
		if err != nil {
			return fmt.Errorf("config overlay start_timeout: %w", err)
		}
		c.SetStartTimeout(d)
	}
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.MinNP == 0 {
		errs = append(errs, fmt.Errorf("HOROVOD_ELASTIC_MIN_NP must be >= 1, got %d", c.MinNP))
	}
	if c.MaxNP != 0 && c.MaxNP < c.MinNP {
		errs = append(errs, fmt.Errorf("HOROVOD_ELASTIC_MAX_NP (%d) must be >= HOROVOD_ELASTIC_MIN_NP (%d)", c.MaxNP, c.MinNP))
	}
	if c.StartTimeout() <= 0 {
		errs = append(errs, fmt.Errorf("HOROVOD_ELASTIC_START_TIMEOUT must be > 0, got %s", c.StartTimeout()))
	}
	if c.RendezvousURL == "" {
		errs = append(errs, fmt.Errorf("HOROVOD_ELASTIC_RENDEZVOUS_URL must be set"))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"HOROVOD_ELASTIC_MIN_NP":          fmt.Sprintf("%d", c.MinNP),
		"HOROVOD_ELASTIC_MAX_NP":          fmt.Sprintf("%d", c.MaxNP),
		"HOROVOD_ELASTIC_DISCOVERY_FILE":  c.DiscoveryFile,
		"HOROVOD_ELASTIC_RENDEZVOUS_URL":  c.RendezvousURL,
		"HOROVOD_ELASTIC_START_TIMEOUT":   c.StartTimeout().String(),
		"ELASTIC_DRIVER_LOG_JSON":         fmt.Sprintf("%t", c.LogJSON),
		"ELASTIC_DRIVER_METRICS":          fmt.Sprintf("%t", c.MetricsEnabled),
		"ELASTIC_DRIVER_METRICS_ADDR":     c.MetricsAddr,
		"ELASTIC_DRIVER_METRICS_TEXTFILE": c.MetricsTextfile,
		"ELASTIC_DRIVER_MQTT_BROKER":      c.MQTTBroker,
		"ELASTIC_DRIVER_MQTT_TOPIC":       c.MQTTTopic,
	}
}

// StartTimeout returns the current start timeout (thread-safe).
func (c *Config) StartTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startTimeout
}

// SetStartTimeout updates the start timeout at runtime (thread-safe).
func (c *Config) SetStartTimeout(d time.Duration) {
	c.mu.Lock()
	c.startTimeout = d
	c.mu.Unlock()
}

// MQTTEnabled reports whether an MQTT status publisher should be started.
func (c *Config) MQTTEnabled() bool {
	return c.MQTTBroker != ""
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envSeconds parses key as a bare integer number of seconds (spec.md §6:
// HOROVOD_ELASTIC_START_TIMEOUT is documented as "(integer seconds)"), not
// a Go duration string.
func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}
