// Package planner implements the Planner/Adapter Façade (C8): a thin,
// defensive wrapper around an external planning backend that schema-
// validates every Plan it returns, bounds every call with a timeout, and
// redacts blocklisted text before it is forwarded. Grounded on mote's
// internal/provider.Provider abstraction (external-service interface the
// caller never talks to directly) and on internal/runner/scrub.go's
// regex-driven redaction, reused here via internal/policy's PatternMatcher
// instead of a second regex implementation.
package planner

import (
	"context"
	"errors"
	"time"

	"sentinelcore/internal/planmodel"
	"sentinelcore/internal/policy"
	"sentinelcore/pkg/logger"
)

// ErrCannotRecover is the façade's translation of adapt()'s literal
// "CannotRecover" sentinel output, per §4.8.
var ErrCannotRecover = errors.New("planner: backend cannot recover from this error")

// DefaultTimeout bounds every façade call when Facade.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Backend is the external planner/adapter this façade wraps. Malformed or
// absent implementations never reach the orchestrator directly — every
// call is mediated by Facade.
type Backend interface {
	Plan(ctx context.Context, intent string, screen planmodel.ScreenAnalysis, sys planmodel.SystemContext) (*planmodel.Plan, error)
	// Adapt returns (nil, ErrCannotRecover) when the backend determines no
	// recovery is possible; any other error is treated as malformed output.
	Adapt(ctx context.Context, plan *planmodel.Plan, cursor int, errCtx planmodel.ErrorContext, screen planmodel.ScreenAnalysis) (*planmodel.Plan, error)
	Interpret(ctx context.Context, intent string) (planmodel.IntentTags, error)
}

// Facade mediates every call into Backend with validation, a bounded
// timeout, and blocklist redaction.
type Facade struct {
	backend Backend
	timeout time.Duration
	policy  *planmodel.Policy
	matcher policy.PatternMatcher
}

// New constructs a Facade. pol supplies the blocklist patterns redacted
// from outbound text; a nil policy disables redaction.
func New(backend Backend, pol *planmodel.Policy, timeout time.Duration) *Facade {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Facade{backend: backend, timeout: timeout, policy: pol, matcher: policy.NewDefaultMatcher()}
}

// Plan validates intent, redacts it, calls the backend with a bounded
// timeout, and schema-validates the resulting Plan. A malformed or failed
// call is a fatal, non-retryable CoreError per §4.8(a).
func (f *Facade) Plan(ctx context.Context, intent string, screen planmodel.ScreenAnalysis, sys planmodel.SystemContext) (*planmodel.Plan, error) {
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	safeIntent := f.redact(intent)
	plan, err := f.backend.Plan(cctx, safeIntent, screen, sys)
	if err != nil {
		return nil, planmodel.NewCoreError(planmodel.ErrPlannerUnavailable, "planner backend call failed", err)
	}
	if plan == nil {
		return nil, planmodel.NewCoreError(planmodel.ErrPlannerMalformed, "planner backend returned a nil plan", nil)
	}
	if err := plan.Validate(); err != nil {
		return nil, planmodel.NewCoreError(planmodel.ErrPlannerMalformed, "planner backend returned an invalid plan", err)
	}
	return plan, nil
}

// Adapt redacts and bounds an adapt() call. A CannotRecover signal from
// the backend is surfaced as ErrCannotRecover (not a CoreError — the
// orchestrator's Adapt state treats it as a routing signal, not a fault).
// Any other failure or schema violation is ErrPlannerMalformed.
func (f *Facade) Adapt(ctx context.Context, plan *planmodel.Plan, cursor int, errCtx planmodel.ErrorContext, screen planmodel.ScreenAnalysis) (*planmodel.Plan, error) {
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	errCtx = f.redactErrorContext(errCtx)
	adapted, err := f.backend.Adapt(cctx, plan, cursor, errCtx, screen)
	if errors.Is(err, ErrCannotRecover) {
		return nil, ErrCannotRecover
	}
	if err != nil {
		return nil, planmodel.NewCoreError(planmodel.ErrPlannerMalformed, "planner backend adapt call failed", err)
	}
	if adapted == nil {
		return nil, ErrCannotRecover
	}
	if err := adapted.Validate(); err != nil {
		return nil, planmodel.NewCoreError(planmodel.ErrPlannerMalformed, "planner backend returned an invalid adapted plan", err)
	}
	return adapted, nil
}

// Interpret classifies a raw intent before a full Plan call, redacting and
// bounding the call the same way Plan does.
func (f *Facade) Interpret(ctx context.Context, intent string) (planmodel.IntentTags, error) {
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	tags, err := f.backend.Interpret(cctx, f.redact(intent))
	if err != nil {
		return planmodel.IntentTags{}, planmodel.NewCoreError(planmodel.ErrPlannerUnavailable, "planner backend interpret call failed", err)
	}
	return tags, nil
}

func (f *Facade) redact(text string) string {
	if f.policy == nil || text == "" {
		return text
	}
	for _, pattern := range f.policy.BlockedPatterns {
		matched, err := f.matcher.MatchArgs(text, pattern)
		if err != nil {
			continue
		}
		if matched {
			logger.Warnf("planner facade: redacted outbound text matching blocked pattern %q", pattern)
			return "[redacted: matched blocked pattern]"
		}
	}
	return text
}

func (f *Facade) redactErrorContext(errCtx planmodel.ErrorContext) planmodel.ErrorContext {
	for i, se := range errCtx.LastErrors {
		errCtx.LastErrors[i].Reason = f.redact(se.Reason)
	}
	return errCtx
}
