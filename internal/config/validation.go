package config

import (
	"fmt"
	"regexp"
	"strings"
)

// namespacePattern is the allowed character set for upstream namespaces.
// The separator sequence "__" is additionally forbidden so that namespaced
// tool names split unambiguously; Go's regexp has no lookahead, so that
// check is done separately.
var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidateNamespace reports whether ns is a legal upstream namespace under
// the default separator.
func ValidateNamespace(ns string) error {
	return ValidateNamespaceWith(ns, DefaultSeparator)
}

// ValidateNamespaceWith additionally rejects namespaces containing the
// configured separator; such a namespace would split ambiguously when the
// namespace prefix is extracted from a tool name.
func ValidateNamespaceWith(ns, separator string) error {
	if ns == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if !namespacePattern.MatchString(ns) {
		return fmt.Errorf("namespace %q contains characters outside [A-Za-z0-9_.-]", ns)
	}
	if strings.Contains(ns, DefaultSeparator) {
		return fmt.Errorf("namespace %q must not contain the separator sequence %q", ns, DefaultSeparator)
	}
	if separator != "" && separator != DefaultSeparator && strings.Contains(ns, separator) {
		return fmt.Errorf("namespace %q must not contain the separator sequence %q", ns, separator)
	}
	return nil
}

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Name == "" {
		return fmt.Errorf("server name must not be empty")
	}
	switch c.HashMode {
	case HashModeNever, HashModeAlways, HashModeThreshold:
	default:
		return fmt.Errorf("invalid hash_mode %q (expected %q, %q or %q)",
			c.HashMode, HashModeNever, HashModeAlways, HashModeThreshold)
	}
	if c.HashMode == HashModeThreshold && c.HashThreshold <= 0 {
		return fmt.Errorf("hash_threshold must be positive, got %d", c.HashThreshold)
	}
	if c.Separator == "" {
		return fmt.Errorf("separator must not be empty")
	}
	if c.AllowWildcardToken && c.WildcardToken == "" {
		return fmt.Errorf("allow_wildcard_token is set but wildcard_token is empty")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.IdleTimeout.Duration() <= 0 {
		return fmt.Errorf("idle_timeout_ms must be positive")
	}
	if c.UpstreamTimeout.Duration() <= 0 {
		return fmt.Errorf("upstream_timeout_ms must be positive")
	}
	if c.ListCacheEntries <= 0 {
		return fmt.Errorf("list_cache_entries must be positive, got %d", c.ListCacheEntries)
	}
	return nil
}
