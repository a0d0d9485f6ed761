package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"sentinelcore/internal/planmodel"
)

// LoadConfig loads a Policy from a YAML file at the external interface's
// documented keys (§6: allowed_applications, blocked_patterns, ...).
func LoadConfig(path string) (*planmodel.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a Policy from YAML data and validates it.
func ParseConfig(data []byte) (*planmodel.Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("policy: failed to parse config: %w", err)
	}
	p.Normalize()
	if err := ValidatePolicy(p); err != nil {
		return nil, err
	}
	return p, nil
}

// DefaultPolicy returns the built-in policy defaults, sourced from the
// original permission guard's allowed-application catalogue and protected
// paths, generalized beyond the security-tooling category names.
func DefaultPolicy() *planmodel.Policy {
	p := &planmodel.Policy{
		AllowedApps: map[string][]string{
			"system_tools": {"gnome-terminal", "xterm", "konsole"},
			"browsers":     {"firefox", "firefox-esr", "chromium"},
			"utilities":    {"thunar", "nautilus", "mousepad", "gedit"},
		},
		BlockedPatterns: []string{
			`rm\s+-rf`, `sudo\s+shutdown`, `mkfs\.`, `dd\s+if=`,
			`format\s+`, `delete\s+\*`, `chmod\s+777`, `passwd\s+`,
		},
		ProtectedPaths: []string{
			"/etc", "/bin", "/sbin", "/usr/bin", "/usr/sbin",
			"/boot", "/dev", "/proc", "/sys", "/root",
		},
		ActionTypesAllowed: []planmodel.ActionKind{
			planmodel.ActionClick, planmodel.ActionType, planmodel.ActionKeyPress,
			planmodel.ActionMove, planmodel.ActionScroll, planmodel.ActionWait,
			planmodel.ActionScreenshot, planmodel.ActionFindElement,
			planmodel.ActionOpenApplication, planmodel.ActionVerify,
		},
		StrictMode:        true,
		CriticalProcesses: []string{"zoom", "teams", "skype", "discord", "obs-studio", "libreoffice-impress"},
	}
	p.Normalize()
	return p
}

// ValidatePolicy checks the static invariants a Policy must hold before
// it is handed to a Guard.
func ValidatePolicy(p *planmodel.Policy) error {
	if p == nil {
		return fmt.Errorf("policy: policy is nil")
	}
	for _, pattern := range p.BlockedPatterns {
		if _, err := (&DefaultMatcher{}).getOrCompileRegex(pattern); err != nil {
			return fmt.Errorf("policy: invalid blocked_pattern %q: %w", pattern, err)
		}
	}
	if p.RateLimits.PerSecond < 0 || p.RateLimits.PerMinute < 0 {
		return fmt.Errorf("policy: rate_limits must be non-negative")
	}
	if p.MaxRetries < 0 || p.MaxAdaptations < 0 || p.MaxViolations < 0 {
		return fmt.Errorf("policy: max_retries/max_adaptations/max_violations must be non-negative")
	}
	return nil
}

// SaveConfig writes a Policy back out as YAML to path. The CLI's
// `policy reload` only reads the file and does not call it.
func SaveConfig(p *planmodel.Policy, path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("policy: failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("policy: failed to write config file: %w", err)
	}
	return nil
}
