package policy

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// PatternMatcher provides the regex/path matching primitives the guard's
// per-action-kind validation rules are built from.
type PatternMatcher interface {
	// MatchArgs checks whether s matches a regex pattern.
	MatchArgs(s string, pattern string) (bool, error)

	// MatchPath checks if a path is within any of the allowed prefixes.
	MatchPath(path string, prefixes []string) bool
}

// DefaultMatcher is the default implementation of PatternMatcher. Regex
// matching is timeout-protected: a pattern that doesn't resolve inside
// RegexTimeout is treated as a non-match, so a timed-out blocklist pattern
// does not deny an action by itself; the guard's later checks still run.
type DefaultMatcher struct {
	regexCache sync.Map

	// RegexTimeout is the timeout for regex matching (default: 100ms).
	RegexTimeout time.Duration
}

// NewDefaultMatcher creates a new DefaultMatcher with default settings.
func NewDefaultMatcher() *DefaultMatcher {
	return &DefaultMatcher{
		RegexTimeout: 100 * time.Millisecond,
	}
}

// MatchArgs checks if s matches a regex pattern, with a compiled-regex
// cache and a timeout guard against catastrophic backtracking.
func (m *DefaultMatcher) MatchArgs(s string, pattern string) (bool, error) {
	if pattern == "" {
		return false, nil
	}

	re, err := m.getOrCompileRegex(pattern)
	if err != nil {
		return false, err
	}

	return m.matchWithTimeout(re, s), nil
}

// MatchPath checks if a path is within any of the allowed prefixes.
// Supports ~ for home directory expansion.
func (m *DefaultMatcher) MatchPath(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true // No restrictions
	}

	expandedPath := expandPath(path)
	cleanPath := filepath.Clean(expandedPath)

	for _, prefix := range prefixes {
		expandedPrefix := expandPath(prefix)
		cleanPrefix := filepath.Clean(expandedPrefix)

		if strings.HasPrefix(cleanPath, cleanPrefix) {
			if len(cleanPath) == len(cleanPrefix) {
				return true
			}
			if cleanPath[len(cleanPrefix)] == filepath.Separator {
				return true
			}
		}
	}

	return false
}

// getOrCompileRegex gets a cached regex or compiles and caches it.
func (m *DefaultMatcher) getOrCompileRegex(pattern string) (*regexp.Regexp, error) {
	if cached, ok := m.regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, ErrInvalidPattern
	}

	m.regexCache.Store(pattern, re)
	return re, nil
}

// matchWithTimeout performs regex matching with a timeout.
// Returns false if timeout occurs (treat as no match for safety).
func (m *DefaultMatcher) matchWithTimeout(re *regexp.Regexp, s string) bool {
	timeout := m.RegexTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		done <- re.MatchString(s)
	}()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		return false
	}
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// ClearCache clears the regex cache.
func (m *DefaultMatcher) ClearCache() {
	m.regexCache = sync.Map{}
}
