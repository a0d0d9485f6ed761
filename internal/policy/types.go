// Package policy implements the Permission Guard: validation of every
// desktop action against an allow-list, pattern-blocklist, protected-path
// list and a dual-window rate limit, before the action reaches the OS.
package policy

import (
	"context"
	"regexp"

	"sentinelcore/internal/planmodel"
)

// Checker is the Permission Guard's external contract: validate(action,
// requester) -> Verdict.
type Checker interface {
	Validate(ctx context.Context, action planmodel.Action, requester planmodel.Requester) (planmodel.Verdict, error)
}

// DangerousOpRule flags a regex match against Type-action text as
// block/approve/warn, mirroring the teacher's
// tool-call dangerous-ops rule shape generalized to desktop actions.
type DangerousOpRule struct {
	Pattern  string `yaml:"pattern" json:"pattern"`
	Severity string `yaml:"severity" json:"severity"`
	Action   string `yaml:"action" json:"action"` // block | approve | warn
	Message  string `yaml:"message" json:"message"`
	Enabled  *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	compiled *regexp.Regexp `yaml:"-" json:"-"`
}

// IsEnabled defaults to true for a nil pointer, matching the teacher's rule.
func (r *DangerousOpRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// CompiledPattern compiles and caches the rule's regex.
func (r *DangerousOpRule) CompiledPattern() (*regexp.Regexp, error) {
	if r.compiled != nil {
		return r.compiled, nil
	}
	if r.Pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return nil, err
	}
	r.compiled = re
	return re, nil
}
