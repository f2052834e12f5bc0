// Package config loads AgentChatBus runtime configuration from
// built-in defaults, an optional JSON file, and environment variables,
// in that order of increasing precedence — mirroring the layering the
// original Python bus applied in src/config.py.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "AGENTCHATBUS_"

// BusVersion is the protocol/implementation version reported by bus.config.
const BusVersion = "0.1.0"

// Config holds the bus's runtime configuration. All fields are read
// once at Load() time except the ones wrapped as atomics below, which
// may be hot-reloaded via Reload without restarting dependent
// components (they hold their own pointer/reference to *Config).
type Config struct {
	Host string
	Port int
	DB   string

	PreferredLanguage string

	heartbeatTimeoutSeconds atomic.Int64
	waitTimeoutSeconds      atomic.Int64
	rateLimitPerMinute      atomic.Int64
	contentFilterEnabled    atomic.Bool
	threadTimeoutMinutes    atomic.Int64
	timeoutSweepSeconds     atomic.Int64
	eventRetentionSeconds   atomic.Int64
	eventPruneSeconds       atomic.Int64
	logLevel                atomic.Value // string

	path string // resolved config file path, for Reload
}

func defaults() map[string]any {
	return map[string]any{
		"host":                    "127.0.0.1",
		"port":                    39765,
		"db":                      defaultDBPath(),
		"preferred_language":      "",
		"heartbeat_timeout":       30,
		"wait_timeout":            300,
		"rate_limit":              30,
		"content_filter_enabled":  true,
		"thread_timeout":          0,
		"timeout_sweep_interval":  60,
		"event_retention":         600,
		"event_prune_interval":    60,
		"log_level":               "info",
	}
}

func defaultDBPath() string {
	if repoDataDir := "./data"; dirExists(repoDataDir) {
		return filepath.Join(repoDataDir, "bus.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".agentchatbus", "bus.db")
	}
	return filepath.Join(home, ".agentchatbus", "bus.db")
}

func dirExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}

func resolveConfigPath() string {
	if p := os.Getenv(envPrefix + "CONFIG"); p != "" {
		return p
	}
	if dirExists("./data") {
		return "./data/config.json"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".agentchatbus", "config.json")
}

// Load builds a Config from defaults, an optional JSON file, then
// environment variables, in that precedence order.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path := resolveConfigPath()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), json.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	c := &Config{
		Host:              k.String("host"),
		Port:              k.Int("port"),
		DB:                k.String("db"),
		PreferredLanguage: k.String("preferred_language"),
		path:              path,
	}
	c.heartbeatTimeoutSeconds.Store(int64(k.Int("heartbeat_timeout")))
	c.waitTimeoutSeconds.Store(int64(k.Int("wait_timeout")))
	c.rateLimitPerMinute.Store(int64(k.Int("rate_limit")))
	c.contentFilterEnabled.Store(k.Bool("content_filter_enabled"))
	c.threadTimeoutMinutes.Store(int64(k.Int("thread_timeout")))
	c.timeoutSweepSeconds.Store(int64(k.Int("timeout_sweep_interval")))
	c.eventRetentionSeconds.Store(int64(k.Int("event_retention")))
	c.eventPruneSeconds.Store(int64(k.Int("event_prune_interval")))
	c.logLevel.Store(k.String("log_level"))

	return c, nil
}

func (c *Config) HeartbeatTimeoutSeconds() int64 { return c.heartbeatTimeoutSeconds.Load() }
func (c *Config) WaitTimeoutSeconds() int64      { return c.waitTimeoutSeconds.Load() }
func (c *Config) RateLimitPerMinute() int64      { return c.rateLimitPerMinute.Load() }
func (c *Config) ContentFilterEnabled() bool     { return c.contentFilterEnabled.Load() }
func (c *Config) ThreadTimeoutMinutes() int64    { return c.threadTimeoutMinutes.Load() }
func (c *Config) TimeoutSweepSeconds() int64     { return c.timeoutSweepSeconds.Load() }
func (c *Config) EventRetentionSeconds() int64   { return c.eventRetentionSeconds.Load() }
func (c *Config) EventPruneSeconds() int64       { return c.eventPruneSeconds.Load() }
func (c *Config) LogLevel() string               { return c.logLevel.Load().(string) }

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Dict returns the effective configuration as a plain map, for the
// bus.config operation (§6) and for persisting back to the JSON file.
func (c *Config) Dict() map[string]any {
	return map[string]any{
		"host":                   c.Host,
		"port":                   c.Port,
		"preferred_language":     c.PreferredLanguage,
		"heartbeat_timeout":      c.HeartbeatTimeoutSeconds(),
		"wait_timeout":           c.WaitTimeoutSeconds(),
		"rate_limit":             c.RateLimitPerMinute(),
		"content_filter_enabled": c.ContentFilterEnabled(),
		"thread_timeout":         c.ThreadTimeoutMinutes(),
		"timeout_sweep_interval": c.TimeoutSweepSeconds(),
		"event_retention":        c.EventRetentionSeconds(),
		"event_prune_interval":   c.EventPruneSeconds(),
		"version":                BusVersion,
	}
}
