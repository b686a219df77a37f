package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"HOROVOD_ELASTIC_MIN_NP", "HOROVOD_ELASTIC_MAX_NP", "HOROVOD_ELASTIC_DISCOVERY_FILE",
		"HOROVOD_ELASTIC_RENDEZVOUS_URL", "HOROVOD_ELASTIC_START_TIMEOUT", "ELASTIC_DRIVER_LOG_JSON",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.MinNP != 1 {
		t.Errorf("MinNP = %d, want 1", cfg.MinNP)
	}
	if cfg.MaxNP != 0 {
		t.Errorf("MaxNP = %d, want 0 (unbounded)", cfg.MaxNP)
	}
	if cfg.StartTimeout() != 600*time.Second {
		t.Errorf("StartTimeout = %s, want 600s", cfg.StartTimeout())
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HOROVOD_ELASTIC_MIN_NP", "2")
	t.Setenv("HOROVOD_ELASTIC_MAX_NP", "8")
	t.Setenv("HOROVOD_ELASTIC_START_TIMEOUT", "45")
	t.Setenv("ELASTIC_DRIVER_LOG_JSON", "false")

	cfg := Load()
	if cfg.MinNP != 2 {
		t.Errorf("MinNP = %d, want 2", cfg.MinNP)
	}
	if cfg.MaxNP != 8 {
		t.Errorf("MaxNP = %d, want 8", cfg.MaxNP)
	}
	if cfg.StartTimeout() != 45*time.Second {
		t.Errorf("StartTimeout = %s, want 45s", cfg.StartTimeout())
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "driver.yaml")
	if err := os.WriteFile(path, []byte("min_np: 3\nmax_np: 12\nstart_timeout: 90s\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewTestConfig()
	if err := cfg.LoadYAMLOverlay(path); err != nil {
		t.Fatalf("LoadYAMLOverlay() error = %v", err)
	}
	if cfg.MinNP != 3 {
		t.Errorf("MinNP = %d, want 3", cfg.MinNP)
	}
	if cfg.MaxNP != 12 {
		t.Errorf("MaxNP = %d, want 12", cfg.MaxNP)
	}
	if cfg.StartTimeout() != 90*time.Second {
		t.Errorf("StartTimeout = %s, want 90s", cfg.StartTimeout())
	}
}

func TestLoadYAMLOverlayMissingFileIsNotError(t *testing.T) {
	cfg := NewTestConfig()
	if err := cfg.LoadYAMLOverlay(filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Errorf("LoadYAMLOverlay() error = %v, want nil for missing file", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"zero min_np", func(c *Config) { c.MinNP = 0 }, true},
		{"max below min", func(c *Config) { c.MinNP = 4; c.MaxNP = 2 }, true},
		{"zero max_np is unbounded", func(c *Config) { c.MaxNP = 0 }, false},
		{"zero start timeout", func(c *Config) { c.SetStartTimeout(0) }, true},
		{"missing rendezvous url", func(c *Config) { c.RendezvousURL = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				MinNP:         1,
				MaxNP:         4,
				RendezvousURL: "http://127.0.0.1:8000/rendezvous/init",
			}
			cfg.SetStartTimeout(30 * time.Second)
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvStr(t *testing.T) {
	const key = "ELASTIC_DRIVER_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("ELASTIC_DRIVER_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvInt(t *testing.T) {
	const key = "ELASTIC_DRIVER_TEST_ENV_INT"

	t.Setenv(key, "42")
	if got := envInt(key, 0); got != 42 {
		t.Errorf("got %d, want 42", got)
	}

	t.Setenv(key, "notanumber")
	if got := envInt(key, 99); got != 99 {
		t.Errorf("got %d, want 99 (default on parse failure)", got)
	}
}

func TestEnvBool(t *testing.T) {
	const key = "ELASTIC_DRIVER_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvSeconds(t *testing.T) {
	const key = "ELASTIC_DRIVER_TEST_ENV_SECONDS"

	t.Setenv(key, "300")
	if got := envSeconds(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "5m")
	if got := envSeconds(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure: not a bare integer)", got)
	}
}
