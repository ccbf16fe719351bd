package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  bind_address: "127.0.0.1"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != DefaultPort {
		t.Fatalf("expected default port %d, got %d", DefaultPort, cfg.Server.Port)
	}
	if cfg.Session.LookupTimeoutMS != DefaultLookupTimeoutMS {
		t.Fatalf("expected default lookup timeout, got %d", cfg.Session.LookupTimeoutMS)
	}
	if cfg.Session.ScanThrottleMS != DefaultScanThrottleMS {
		t.Fatalf("expected default scan throttle, got %d", cfg.Session.ScanThrottleMS)
	}
	if cfg.Session.CachePool != DefaultCachePool {
		t.Fatalf("expected default cache pool, got %q", cfg.Session.CachePool)
	}
	if got := cfg.ScanThrottle(); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms throttle, got %v", got)
	}
}

func TestNegativeThrottleMeansDisabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
session:
  scan_throttle_ms: -1
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ScanThrottle() >= 0 {
		t.Fatalf("expected negative throttle to pass through, got %v", cfg.ScanThrottle())
	}
}

func TestValidateRejectsBadPools(t *testing.T) {
	if _, err := Load(writeConfig(t, `
cache:
  pools:
    - name: lookups
    - name: lookups
`)); err == nil {
		t.Fatal("expected duplicate pool name to be rejected")
	}
	if _, err := Load(writeConfig(t, `
cache:
  pools:
    - max_entries: 10
`)); err == nil {
		t.Fatal("expected empty pool name to be rejected")
	}
}

func TestValidateTelemetryRequiresBrokerAndTopic(t *testing.T) {
	if _, err := Load(writeConfig(t, `
telemetry:
  enabled: true
  topic: scans
`)); err == nil {
		t.Fatal("expected missing broker to be rejected")
	}
	cfg, err := Load(writeConfig(t, `
telemetry:
  enabled: true
  broker: mqtt.example.com
  topic: scans
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telemetry.Port != DefaultTelemetryPort {
		t.Fatalf("expected default telemetry port, got %d", cfg.Telemetry.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
