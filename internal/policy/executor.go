package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"sentinelcore/internal/planmodel"
	"sentinelcore/internal/storage"
)

// defaultDangerousKeyCombos blocks session-exit / task-manager shortcuts,
// sourced from the original permission guard's dangerous_keys list.
var defaultDangerousKeyCombos = map[string]bool{
	"ctrl+alt+del":       true,
	"alt+f4":             true,
	"ctrl+shift+esc":     true,
	"alt+sysrq":          true,
	"ctrl+alt+backspace": true,
}

// suspiciousScriptPatterns flag Type-action text that looks like an
// attempt to smuggle code execution through the keyboard, ported from the
// original guard's _contains_suspicious_script.
var suspiciousScriptPatterns = []string{
	`eval\s*\(`,
	`exec\s*\(`,
	`system\s*\(`,
	`shell_exec\s*\(`,
	`passthru\s*\(`,
	`base64_decode\s*\(`,
	`\$\(\(`,
	"`[^`]*`",
	`<script[^>]*>`,
	`javascript:`,
	`vbscript:`,
}

// protectedPathOperationPatterns flag Type-action text performing a file
// operation whose target looks like a protected path, ported from the
// original guard's _contains_protected_path_operation, generalized to any
// configured protected path rather than a hardcoded /etc/.
func protectedPathOperationPatterns(path string) []string {
	quoted := regexp_QuoteMeta(path)
	return []string{
		`>\s*` + quoted,
		`rm\s+` + quoted,
		`cp\s+.*\s+` + quoted,
		`mv\s+.*\s+` + quoted,
		`chmod\s+.*\s+` + quoted,
		`chown\s+.*\s+` + quoted,
	}
}

// Sink durably mirrors audit records the in-memory ring would otherwise
// lose on process restart. *storage.DB satisfies this.
type Sink interface {
	AppendAuditRecord(taskID string, rec planmodel.ActionRecord) (*storage.AuditEntry, error)
}

// Guard implements Checker: the Permission Guard (C3).
type Guard struct {
	mu      sync.Mutex
	policy  *planmodel.Policy
	matcher PatternMatcher
	limiter *rateLimiter
	logger  *slog.Logger

	dangerousOps []DangerousOpRule

	ring        []planmodel.ActionRecord
	ringLimit   int
	subscribers []func(planmodel.Action, bool)
	sink        Sink
}

// NewGuard creates a Guard for the given policy.
func NewGuard(p *planmodel.Policy) *Guard {
	p.Normalize()
	return &Guard{
		policy:       p,
		matcher:      NewDefaultMatcher(),
		limiter:      newRateLimiter(p.RateLimits.PerSecond, p.RateLimits.PerMinute),
		logger:       slog.Default(),
		dangerousOps: DefaultDangerousOps(),
		ringLimit:    10000,
	}
}

// SetLogger overrides the default slog logger.
func (g *Guard) SetLogger(l *slog.Logger) { g.logger = l }

// SetSink wires a durable mirror for every appended audit record. Pass nil
// to disable mirroring (the in-memory ring keeps working on its own).
func (g *Guard) SetSink(s Sink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sink = s
}

// Subscribe registers a callback invoked with (action, allowed) after
// every validation.
func (g *Guard) Subscribe(fn func(planmodel.Action, bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribers = append(g.subscribers, fn)
}

// Validate implements Checker.Validate — see §4.3 for the algorithm this
// follows step for step, including the stated tie-breaks.
func (g *Guard) Validate(ctx context.Context, action planmodel.Action, requester planmodel.Requester) (planmodel.Verdict, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.policy.Disabled {
		return planmodel.Verdict{Allowed: true, Reason: "disabled"}, nil
	}

	if !ActionAllowed(g.policy.ActionTypesAllowed, action.Kind) {
		return g.deny(action, requester, fmt.Sprintf("action kind %q not in policy.action_types_allowed", action.Kind), planmodel.ThreatSuspicious), nil
	}

	// Rate limit is checked BEFORE content so a flood of denials still
	// rate-limits.
	if !g.limiter.allow() {
		return g.deny(action, requester, "rate limit exceeded", planmodel.ThreatSuspicious), nil
	}

	verdict, err := g.validateByKind(action)
	if err != nil {
		// Fail-closed on internal error.
		return g.deny(action, requester, fmt.Sprintf("internal validation error: %v", err), planmodel.ThreatSuspicious), nil
	}
	if !verdict.Allowed {
		return g.deny(action, requester, verdict.Reason, verdict.Threat), nil
	}

	// Content allowed: only now does the action consume rate-limit quota,
	// so denials never consume it.
	g.limiter.record()
	g.appendRecord(planmodel.ActionRecord{
		ActionKind: action.Kind,
		Requester:  requester,
		Allowed:    true,
		Threat:     planmodel.ThreatBenign,
	})
	for _, sub := range g.subscribers {
		g.safeNotify(sub, action, true)
	}

	g.logger.Info("action validated", "kind", action.Kind, "task_id", requester.TaskID)
	return planmodel.Verdict{Allowed: true, Reason: "action validated"}, nil
}

func (g *Guard) deny(action planmodel.Action, requester planmodel.Requester, reason string, threat planmodel.ThreatLevel) planmodel.Verdict {
	g.appendRecord(planmodel.ActionRecord{
		ActionKind: action.Kind,
		Requester:  requester,
		Allowed:    false,
		Reason:     reason,
		Threat:     threat,
	})
	for _, sub := range g.subscribers {
		g.safeNotify(sub, action, false)
	}
	g.logger.Warn("action denied", "kind", action.Kind, "task_id", requester.TaskID, "reason", reason)
	return planmodel.Verdict{Allowed: false, Reason: reason, Threat: threat}
}

func (g *Guard) safeNotify(sub func(planmodel.Action, bool), action planmodel.Action, allowed bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("guard subscriber panicked", "panic", r)
		}
	}()
	sub(action, allowed)
}

func (g *Guard) appendRecord(rec planmodel.ActionRecord) {
	rec.TS = nowFunc()
	g.ring = append(g.ring, rec)
	if len(g.ring) > g.ringLimit {
		g.ring = g.ring[len(g.ring)-g.ringLimit:]
	}
	if g.sink != nil {
		// Mirrored off the lock holder: Validate is on the Action Executor's
		// hot path and must not block on storage I/O.
		sink, taskID, copyRec := g.sink, rec.Requester.TaskID, rec
		go func() {
			if _, err := sink.AppendAuditRecord(taskID, copyRec); err != nil {
				g.logger.Warn("audit sink write failed", "task_id", taskID, "error", err)
			}
		}()
	}
}

// Audit returns a snapshot copy of the bounded audit ring.
func (g *Guard) Audit() []planmodel.ActionRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]planmodel.ActionRecord, len(g.ring))
	copy(out, g.ring)
	return out
}

// validateByKind runs the per-action-kind checks of §4.3 step 4.
func (g *Guard) validateByKind(action planmodel.Action) (planmodel.Verdict, error) {
	switch action.Kind {
	case planmodel.ActionOpenApplication:
		return g.validateOpenApplication(action)
	case planmodel.ActionType:
		return g.validateType(action)
	case planmodel.ActionClick, planmodel.ActionMove:
		return g.validateClickMove(action)
	case planmodel.ActionKeyPress:
		return g.validateKeyPress(action)
	default:
		// Scroll/Wait/Screenshot/FindElement/Verify: accept.
		return planmodel.Verdict{Allowed: true}, nil
	}
}

func (g *Guard) validateOpenApplication(action planmodel.Action) (planmodel.Verdict, error) {
	if action.Alias == "" {
		return planmodel.Verdict{Allowed: false, Reason: "application alias missing", Threat: planmodel.ThreatSuspicious}, nil
	}

	if category, ok := ResolveAlias(g.policy.AllowedApps, action.Alias); ok {
		return planmodel.Verdict{Allowed: true, Reason: fmt.Sprintf("application allowed (%s)", category)}, nil
	}

	if g.policy.StrictMode {
		return planmodel.Verdict{Allowed: false, Reason: fmt.Sprintf("application %q not in allowed list", action.Alias), Threat: planmodel.ThreatDangerous}, nil
	}
	return planmodel.Verdict{Allowed: true, Reason: "application allowed (non-strict mode)"}, nil
}

func (g *Guard) validateType(action planmodel.Action) (planmodel.Verdict, error) {
	text := action.Text
	if text == "" {
		return planmodel.Verdict{Allowed: true, Reason: "empty text allowed"}, nil
	}

	for _, pattern := range g.policy.BlockedPatterns {
		matched, err := g.matcher.MatchArgs(text, pattern)
		if err != nil {
			continue
		}
		if matched {
			return planmodel.Verdict{Allowed: false, Reason: "blocked pattern detected: " + pattern, Threat: planmodel.ThreatDangerous}, nil
		}
	}

	for _, pattern := range suspiciousScriptPatterns {
		matched, _ := g.matcher.MatchArgs(text, pattern)
		if matched {
			return planmodel.Verdict{Allowed: false, Reason: "suspicious script content detected", Threat: planmodel.ThreatMalicious}, nil
		}
	}

	for _, protectedPath := range g.policy.ProtectedPaths {
		for _, pattern := range protectedPathOperationPatterns(protectedPath) {
			matched, _ := g.matcher.MatchArgs(text, pattern)
			if matched {
				return planmodel.Verdict{Allowed: false, Reason: "protected path operation detected: " + protectedPath, Threat: planmodel.ThreatDangerous}, nil
			}
		}
	}

	for _, rule := range g.dangerousOps {
		if !rule.IsEnabled() {
			continue
		}
		re, err := rule.CompiledPattern()
		if err != nil || re == nil {
			continue
		}
		if re.MatchString(text) {
			switch rule.Action {
			case "block":
				return planmodel.Verdict{Allowed: false, Reason: rule.Message, Threat: severityToThreat(rule.Severity)}, nil
			default:
				// approve/warn: the façade-level spec has no human
				// approval loop, so anything short of "block" is
				// treated as an allow with the reason surfaced for
				// audit purposes.
				return planmodel.Verdict{Allowed: true, Reason: rule.Message}, nil
			}
		}
	}

	return planmodel.Verdict{Allowed: true, Reason: "text content validated"}, nil
}

func severityToThreat(severity string) planmodel.ThreatLevel {
	switch severity {
	case "critical":
		return planmodel.ThreatMalicious
	case "high":
		return planmodel.ThreatDangerous
	default:
		return planmodel.ThreatSuspicious
	}
}

func (g *Guard) validateClickMove(action planmodel.Action) (planmodel.Verdict, error) {
	if err := action.Validate(g.policy.CoordBounds); err != nil {
		return planmodel.Verdict{Allowed: false, Reason: err.Error(), Threat: planmodel.ThreatSuspicious}, nil
	}
	return planmodel.Verdict{Allowed: true}, nil
}

func (g *Guard) validateKeyPress(action planmodel.Action) (planmodel.Verdict, error) {
	if action.Combo == "" {
		return planmodel.Verdict{Allowed: false, Reason: "key combo missing", Threat: planmodel.ThreatSuspicious}, nil
	}
	if defaultDangerousKeyCombos[NormalizeName(action.Combo)] {
		return planmodel.Verdict{Allowed: false, Reason: "dangerous key combination blocked: " + action.Combo, Threat: planmodel.ThreatDangerous}, nil
	}
	return planmodel.Verdict{Allowed: true}, nil
}

// GetPolicy returns the current policy.
func (g *Guard) GetPolicy() *planmodel.Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy
}

// SetPolicy replaces the active policy (used by the `policy reload` CLI op).
func (g *Guard) SetPolicy(p *planmodel.Policy) {
	p.Normalize()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy = p
	g.limiter = newRateLimiter(p.RateLimits.PerSecond, p.RateLimits.PerMinute)
}

var nowFunc = defaultNow
