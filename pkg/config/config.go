package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath = "IFRELAY_CONFIG"
	envOrgName    = "IFRELAY_ORG_NAME"
	envGroupName  = "IFRELAY_GROUP_NAME"
	envAllowHosts = "IFRELAY_ALLOWED_ORIGINS"

	defaultCallTimeoutSeconds    = 30
	defaultRequestTimeoutSeconds = 15
	defaultCacheTTLSeconds       = 300
	defaultCacheMaxEntries       = 256
)

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Container ContainerConfig `json:"container" yaml:"container"`
	Request   RequestConfig   `json:"request" yaml:"request"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// RelayConfig tunes cross-frame calls.
type RelayConfig struct {
	// CallTimeoutSeconds bounds how long a correlated call waits. Negative disables it.
	CallTimeoutSeconds int `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`
}

// CallTimeout returns the configured call timeout, falling back to the default.
func (c RelayConfig) CallTimeout() time.Duration {
	switch {
	case c.CallTimeoutSeconds < 0:
		return 0
	case c.CallTimeoutSeconds == 0:
		return defaultCallTimeoutSeconds * time.Second
	default:
		return time.Duration(c.CallTimeoutSeconds) * time.Second
	}
}

// ContainerConfig configures the parent container service.
type ContainerConfig struct {
	Host           string          `json:"host" yaml:"host"`
	Port           int             `json:"port" yaml:"port"`
	OrgName        string          `json:"org_name,omitempty" yaml:"org_name,omitempty"`
	GroupName      string          `json:"group_name,omitempty" yaml:"group_name,omitempty"`
	PrefsURL       string          `json:"prefs_url,omitempty" yaml:"prefs_url,omitempty"`
	SecurityToken  string          `json:"security_token,omitempty" yaml:"security_token,omitempty"`
	PollWaitSecs   int             `json:"poll_wait_seconds,omitempty" yaml:"poll_wait_seconds,omitempty"`
	AllowedOrigins []string        `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
	RateLimit      RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Gadgets        []GadgetConfig  `json:"gadgets" yaml:"gadgets"`
}

// RateLimitConfig paces inbound envelopes per frame connection.
type RateLimitConfig struct {
	MessagesPerSecond float64 `json:"messages_per_second" yaml:"messages_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// GadgetConfig describes one gadget placed in the container.
type GadgetConfig struct {
	ModuleID  int64             `json:"module_id" yaml:"module_id"`
	AppID     int64             `json:"app_id" yaml:"app_id"`
	SpecURL   string            `json:"spec_url" yaml:"spec_url"`
	Title     string            `json:"title,omitempty" yaml:"title,omitempty"`
	RPCToken  string            `json:"rpc_token,omitempty" yaml:"rpc_token,omitempty"`
	UserPrefs map[string]string `json:"user_prefs,omitempty" yaml:"user_prefs,omitempty"`
}

// RequestConfig configures the caching request wrapper.
type RequestConfig struct {
	TimeoutSeconds   int           `json:"timeout_seconds" yaml:"timeout_seconds"`
	CacheTTLSeconds  int           `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	CacheMaxEntries  int           `json:"cache_max_entries" yaml:"cache_max_entries"`
	NoRefreshOnCache bool          `json:"no_refresh_on_cache,omitempty" yaml:"no_refresh_on_cache,omitempty"`
	Breaker          BreakerConfig `json:"breaker" yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker around network requests.
type BreakerConfig struct {
	MaxFailures     uint32 `json:"max_failures" yaml:"max_failures"`
	OpenSeconds     int    `json:"open_seconds" yaml:"open_seconds"`
	IntervalSeconds int    `json:"interval_seconds" yaml:"interval_seconds"`
}

// Timeout returns the HTTP timeout for one request.
func (c RequestConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return defaultRequestTimeoutSeconds * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheTTL returns how long cached responses stay valid.
func (c RequestConfig) CacheTTL() time.Duration {
	if c.CacheTTLSeconds <= 0 {
		return defaultCacheTTLSeconds * time.Second
	}
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// CacheSize returns the maximum number of cached responses.
func (c RequestConfig) CacheSize() int {
	if c.CacheMaxEntries <= 0 {
		return defaultCacheMaxEntries
	}
	return c.CacheMaxEntries
}

// LoadConfig resolves the config file, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile reads one config file. Files ending in .yaml or .yml are parsed as
// YAML, everything else as JSON.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if org := strings.TrimSpace(os.Getenv(envOrgName)); org != "" {
		cfg.Container.OrgName = org
	}

	if group := strings.TrimSpace(os.Getenv(envGroupName)); group != "" {
		cfg.Container.GroupName = group
	}

	if rawOrigins := strings.TrimSpace(os.Getenv(envAllowHosts)); rawOrigins != "" {
		cfg.Container.AllowedOrigins = parseCSV(rawOrigins)
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is IFRELAY_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config not found (checked %s)", strings.Join(candidates, ", "))
}
