// Package permission implements the per-upstream allow-list engine.
//
// Each upstream carries up to three allow-lists (tools, resources, prompts).
// A nil list allows everything; an empty list denies everything; otherwise an
// item is allowed when any pattern matches it literally, via the sole
// wildcard "*", or as a regular expression.
package permission

import (
	"regexp"
	"sync"

	"go.uber.org/zap"
)

// Kind identifies which allow-list applies.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// Set holds the three allow-lists for one upstream.
// A nil slice means allow-all for that kind.
type Set struct {
	Tools     []string `json:"tools,omitempty"`
	Resources []string `json:"resources,omitempty"`
	Prompts   []string `json:"prompts,omitempty"`
}

// AllowAll is the permission set with no restrictions.
func AllowAll() Set {
	return Set{}
}

// listFor returns the allow-list for the given kind.
func (s Set) listFor(kind Kind) []string {
	switch kind {
	case KindTool:
		return s.Tools
	case KindResource:
		return s.Resources
	case KindPrompt:
		return s.Prompts
	default:
		return nil
	}
}

// Checker evaluates allow-lists, caching compiled regex patterns.
// Patterns that fail to compile degrade to non-match, never to an error.
type Checker struct {
	logger *zap.Logger

	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp // pattern -> compiled, nil for invalid
}

// NewChecker creates a permission checker.
func NewChecker(logger *zap.Logger) *Checker {
	return &Checker{
		logger:   logger,
		compiled: make(map[string]*regexp.Regexp),
	}
}

// IsAllowed reports whether name passes the allow-list of the given kind.
func (c *Checker) IsAllowed(set Set, kind Kind, name string) bool {
	list := set.listFor(kind)
	if list == nil {
		return true
	}
	if len(list) == 0 {
		return false
	}
	for _, pattern := range list {
		if pattern == "*" {
			return true
		}
		if pattern == name {
			return true
		}
		if re := c.compile(pattern); re != nil && re.MatchString(name) {
			return true
		}
	}
	return false
}

// LogDenial records a permission denial at warn level. Denials never raise;
// callers translate them into filtered lists or error-shaped results.
func (c *Checker) LogDenial(sessionID, namespace string, kind Kind, name string) {
	c.logger.Warn("Permission denied",
		zap.String("session_id", sessionID),
		zap.String("namespace", namespace),
		zap.String("kind", string(kind)),
		zap.String("name", name))
}

func (c *Checker) compile(pattern string) *regexp.Regexp {
	c.mu.RLock()
	re, ok := c.compiled[pattern]
	c.mu.RUnlock()
	if ok {
		return re
	}

	compiled, err := regexp.Compile(pattern)
	if err != nil {
		c.logger.Debug("Invalid permission pattern treated as non-match",
			zap.String("pattern", pattern),
			zap.Error(err))
		compiled = nil
	}

	c.mu.Lock()
	c.compiled[pattern] = compiled
	c.mu.Unlock()
	return compiled
}
