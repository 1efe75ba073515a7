package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
	  "relay": {"call_timeout_seconds": 5},
	  "container": {
	    "host": "127.0.0.1",
	    "port": 18790,
	    "org_name": "isgs",
	    "gadgets": [{"module_id": 42, "app_id": 7, "spec_url": "http://gadgets/hello.xml", "rpc_token": "tok"}]
	  },
	  "request": {"cache_ttl_seconds": 60},
	  "logging": {"format": "json", "level": "debug", "add_source": true}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("IFRELAY_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Logging.Format != "json" {
		t.Fatalf("logging.format = %q, want %q", cfg.Logging.Format, "json")
	}
	if !cfg.Logging.AddSource {
		t.Fatal("logging.add_source = false, want true")
	}
	if got := cfg.Relay.CallTimeout(); got != 5*time.Second {
		t.Fatalf("call timeout = %s, want 5s", got)
	}
	if cfg.Container.OrgName != "isgs" {
		t.Fatalf("container.org_name = %q, want %q", cfg.Container.OrgName, "isgs")
	}
	if len(cfg.Container.Gadgets) != 1 || cfg.Container.Gadgets[0].ModuleID != 42 {
		t.Fatalf("gadgets = %+v, want one gadget with module 42", cfg.Container.Gadgets)
	}
	if got := cfg.Request.CacheTTL(); got != time.Minute {
		t.Fatalf("cache ttl = %s, want 1m", got)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
container:
  port: 9000
  group_name: engineering
  gadgets:
    - module_id: 3
      app_id: 11
      spec_url: http://gadgets/tasks.xml
request:
  breaker:
    max_failures: 2
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if cfg.Container.Port != 9000 || cfg.Container.GroupName != "engineering" {
		t.Fatalf("container = %+v", cfg.Container)
	}
	if cfg.Request.Breaker.MaxFailures != 2 {
		t.Fatalf("breaker.max_failures = %d, want 2", cfg.Request.Breaker.MaxFailures)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"container": {"org_name": "file"}}`), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("IFRELAY_ORG_NAME", "env-org")
	t.Setenv("IFRELAY_GROUP_NAME", "env-group")
	t.Setenv("IFRELAY_ALLOWED_ORIGINS", " example.com, ,*.corp ")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if cfg.Container.OrgName != "env-org" || cfg.Container.GroupName != "env-group" {
		t.Fatalf("container = %+v", cfg.Container)
	}
	if len(cfg.Container.AllowedOrigins) != 2 || cfg.Container.AllowedOrigins[1] != "*.corp" {
		t.Fatalf("allowed origins = %v", cfg.Container.AllowedOrigins)
	}
}

func TestDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.Relay.CallTimeout(); got != 30*time.Second {
		t.Fatalf("default call timeout = %s", got)
	}
	if got := (RelayConfig{CallTimeoutSeconds: -1}).CallTimeout(); got != 0 {
		t.Fatalf("disabled call timeout = %s, want 0", got)
	}
	if cfg.Request.CacheSize() != 256 || cfg.Request.Timeout() != 15*time.Second {
		t.Fatalf("request defaults = %d %s", cfg.Request.CacheSize(), cfg.Request.Timeout())
	}
}

func TestLoadConfigInvalidEnvPath(t *testing.T) {
	t.Setenv("IFRELAY_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing config path")
	}
}
