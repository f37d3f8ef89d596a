package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Hash mode constants for namespaced tool names
const (
	HashModeNever     = "never"
	HashModeAlways    = "always"
	HashModeThreshold = "threshold"
)

// Defaults
const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8405
	DefaultServerName       = "mcpbundler"
	DefaultSeparator        = "__"
	DefaultHashThreshold    = 64
	DefaultHashLength       = 12
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultUpstreamTimeout  = 30 * time.Second
	DefaultDebounceInterval = 500 * time.Millisecond
	DefaultListCacheTTL     = 60 * time.Second
	DefaultListCacheSize    = 128
	DefaultMaxConcurrent    = 64
)

// Config is the main runtime configuration for the gateway.
type Config struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Name    string `json:"name"`
	Version string `json:"version"`

	DataDir string `json:"data_dir"`

	// Concurrency settings for sessions
	MaxConcurrent int      `json:"max_concurrent"`
	IdleTimeout   Duration `json:"idle_timeout_ms"`

	// Per-upstream request timeout
	UpstreamTimeout Duration `json:"upstream_timeout_ms"`

	// Debounce window for list_changed coalescing
	DebounceInterval Duration `json:"debounce_ms"`

	// Wildcard token settings (debug/bootstrap access)
	AllowWildcardToken bool   `json:"allow_wildcard_token"`
	WildcardToken      string `json:"wildcard_token,omitempty"`

	// Tool-name hashing
	HashMode      string `json:"hash_mode"`
	HashThreshold int    `json:"hash_threshold"`
	Separator     string `json:"separator"`

	// AllowPrivateUpstreams permits loopback/private/link-local upstream
	// addresses. Development use only.
	AllowPrivateUpstreams bool `json:"allow_private_upstreams"`

	// List cache tuning per upstream connector
	ListCacheTTL     Duration `json:"list_cache_ttl_ms"`
	ListCacheEntries int      `json:"list_cache_entries"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level"`
	EnableFile    bool   `json:"enable_file"`
	EnableConsole bool   `json:"enable_console"`
	Filename      string `json:"filename"`
	LogDir        string `json:"log_dir,omitempty"`
	MaxSize       int    `json:"max_size"`    // MB
	MaxBackups    int    `json:"max_backups"` // number of backup files
	MaxAge        int    `json:"max_age"`     // days
	Compress      bool   `json:"compress"`
	JSONFormat    bool   `json:"json_format"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:             DefaultHost,
		Port:             DefaultPort,
		Name:             DefaultServerName,
		Version:          "0.1.0",
		MaxConcurrent:    DefaultMaxConcurrent,
		IdleTimeout:      Duration(DefaultIdleTimeout),
		UpstreamTimeout:  Duration(DefaultUpstreamTimeout),
		DebounceInterval: Duration(DefaultDebounceInterval),
		HashMode:         HashModeThreshold,
		HashThreshold:    DefaultHashThreshold,
		Separator:        DefaultSeparator,
		ListCacheTTL:     Duration(DefaultListCacheTTL),
		ListCacheEntries: DefaultListCacheSize,
	}
}

// ListenAddr returns the host:port pair the gateway binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Duration is a time.Duration that is carried on the wire as integer
// milliseconds, matching the management plane's field encoding.
type Duration time.Duration

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(time.Duration(d).Milliseconds(), 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be integer milliseconds: %w", err)
	}
	if ms < 0 {
		return fmt.Errorf("duration must be non-negative, got %d", ms)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}
