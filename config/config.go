// Package config loads the pipeline configuration from a YAML file and applies
// defaults and validation. All tunables are supplied here, never computed by
// the core: listening port, throttle and timeout constants, cache pool sizes
// and TTLs, and the optional store/recorder/telemetry backends.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pipeline configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Cache     CacheConfig     `yaml:"cache"`
	Store     StoreConfig     `yaml:"store"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains the WebSocket listener settings.
type ServerConfig struct {
	BindAddress    string `yaml:"bind_address"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
}

// AuthConfig maps bearer tokens to scanner identities. Session ownership is
// bound to the authenticated identity at START_SESSION time.
type AuthConfig struct {
	Tokens map[string]string `yaml:"tokens"`
}

// SessionConfig contains per-session scan pipeline settings.
type SessionConfig struct {
	LookupTimeoutMS int    `yaml:"lookup_timeout_ms"`
	ScanThrottleMS  int    `yaml:"scan_throttle_ms"`
	CachePool       string `yaml:"cache_pool"`
	WarnNearMiss    bool   `yaml:"warn_near_miss"`
}

// CacheConfig declares the named cache pools. Each pool has its own capacity
// and default TTL; pools do not share eviction budgets.
type CacheConfig struct {
	Pools []PoolConfig `yaml:"pools"`
}

// PoolConfig describes one cache pool.
type PoolConfig struct {
	Name              string `yaml:"name"`
	MaxEntries        int    `yaml:"max_entries"`
	DefaultTTLSeconds int    `yaml:"default_ttl_seconds"`
}

// StoreConfig points at the local Pebble asset catalog. An empty path
// disables the local store (an external resolver must be wired instead).
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RecorderConfig points at the SQLite reconciliation database. An empty path
// disables recording.
type RecorderConfig struct {
	Path string `yaml:"path"`
}

// TelemetryConfig contains the optional MQTT scan-event publisher settings.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Broker  string `yaml:"broker"`
	Port    int    `yaml:"port"`
	Topic   string `yaml:"topic"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Defaults applied by Load for unset fields.
const (
	DefaultPort            = 8760
	DefaultMaxConnections  = 500
	DefaultLookupTimeoutMS = 4500
	DefaultScanThrottleMS  = 100
	DefaultCachePool       = "lookups"
	DefaultTelemetryPort   = 1883
)

// Load reads configuration from a YAML file, applies defaults, and validates.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.MaxConnections <= 0 {
		c.Server.MaxConnections = DefaultMaxConnections
	}
	if c.Session.LookupTimeoutMS <= 0 {
		c.Session.LookupTimeoutMS = DefaultLookupTimeoutMS
	}
	// Negative means throttling disabled and passes through untouched.
	if c.Session.ScanThrottleMS == 0 {
		c.Session.ScanThrottleMS = DefaultScanThrottleMS
	}
	if c.Session.CachePool == "" {
		c.Session.CachePool = DefaultCachePool
	}
	if c.Telemetry.Enabled && c.Telemetry.Port == 0 {
		c.Telemetry.Port = DefaultTelemetryPort
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}
}

// Validate checks settings that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	seen := make(map[string]bool, len(c.Cache.Pools))
	for _, p := range c.Cache.Pools {
		if p.Name == "" {
			return fmt.Errorf("cache pool with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate cache pool %q", p.Name)
		}
		seen[p.Name] = true
		if p.MaxEntries < 0 {
			return fmt.Errorf("cache pool %q: negative max_entries", p.Name)
		}
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.Broker == "" {
			return fmt.Errorf("telemetry enabled but no broker configured")
		}
		if c.Telemetry.Topic == "" {
			return fmt.Errorf("telemetry enabled but no topic configured")
		}
	}
	return nil
}

// LookupTimeout returns the bounded resolve timeout as a duration.
func (c *Config) LookupTimeout() time.Duration {
	return time.Duration(c.Session.LookupTimeoutMS) * time.Millisecond
}

// ScanThrottle returns the streaming dedup throttle window as a duration.
func (c *Config) ScanThrottle() time.Duration {
	return time.Duration(c.Session.ScanThrottleMS) * time.Millisecond
}

// Print displays the effective configuration at startup.
func (c *Config) Print() {
	fmt.Printf("Listener: %s:%d (max %d connections)\n", c.Server.BindAddress, c.Server.Port, c.Server.MaxConnections)
	fmt.Printf("Lookup timeout: %dms, scan throttle: %dms\n", c.Session.LookupTimeoutMS, c.Session.ScanThrottleMS)
	for _, p := range c.Cache.Pools {
		fmt.Printf("Cache pool %q: max %d entries, ttl %ds\n", p.Name, p.MaxEntries, p.DefaultTTLSeconds)
	}
	if c.Store.Path != "" {
		fmt.Printf("Asset catalog: %s\n", c.Store.Path)
	}
	if c.Recorder.Path != "" {
		fmt.Printf("Recorder: %s\n", c.Recorder.Path)
	}
	if c.Telemetry.Enabled {
		fmt.Printf("Telemetry: %s:%d (topic: %s)\n", c.Telemetry.Broker, c.Telemetry.Port, c.Telemetry.Topic)
	}
}
