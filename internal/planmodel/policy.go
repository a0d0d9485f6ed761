package planmodel

// ActivityLevel is an ordered enum: Idle < Light < Intensive.
type ActivityLevel int

const (
	ActivityIdle ActivityLevel = iota
	ActivityLight
	ActivityIntensive
)

func (l ActivityLevel) String() string {
	switch l {
	case ActivityIdle:
		return "idle"
	case ActivityLight:
		return "light"
	case ActivityIntensive:
		return "intensive"
	default:
		return "unknown"
	}
}

// SafetyVerdict is the Activity Monitor's gate on automation.
type SafetyVerdict string

const (
	VerdictSafe                  SafetyVerdict = "safe"
	VerdictBlockedByActivity     SafetyVerdict = "blocked_by_activity"
	VerdictBlockedByCriticalApp  SafetyVerdict = "blocked_by_critical_app"
	VerdictBlockedByResources    SafetyVerdict = "blocked_by_resources"
	VerdictBlockedByPresentation SafetyVerdict = "blocked_by_presentation"
)

// RateLimits bounds the Permission Guard's sliding-window rate check.
type RateLimits struct {
	PerSecond int `mapstructure:"per_second" yaml:"per_second" json:"per_second"`
	PerMinute int `mapstructure:"per_minute" yaml:"per_minute" json:"per_minute"`
}

// Policy is the single configuration object loaded once at startup and
// consulted by the Permission Guard, Isolation Verifier and Orchestrator.
type Policy struct {
	AllowedApps        map[string][]string `mapstructure:"allowed_applications" yaml:"allowed_applications" json:"allowed_applications"`
	BlockedPatterns    []string            `mapstructure:"blocked_patterns" yaml:"blocked_patterns" json:"blocked_patterns"`
	ProtectedPaths     []string            `mapstructure:"protected_paths" yaml:"protected_paths" json:"protected_paths"`
	ActionTypesAllowed []ActionKind        `mapstructure:"action_types_allowed" yaml:"action_types_allowed" json:"action_types_allowed"`
	StrictMode         bool                `mapstructure:"strict_mode" yaml:"strict_mode" json:"strict_mode"`
	RateLimits         RateLimits          `mapstructure:"rate_limits" yaml:"rate_limits" json:"rate_limits"`
	CoordBounds        CoordBounds         `mapstructure:"-" yaml:"-" json:"-"`
	CoordMaxW          int                 `mapstructure:"coord_max_w" yaml:"coord_max_w" json:"coord_max_w"`
	CoordMaxH          int                 `mapstructure:"coord_max_h" yaml:"coord_max_h" json:"coord_max_h"`
	CriticalProcesses  []string            `mapstructure:"critical_processes" yaml:"critical_processes" json:"critical_processes"`
	MaxRetries         int                 `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	MaxAdaptations     int                 `mapstructure:"max_adaptations" yaml:"max_adaptations" json:"max_adaptations"`
	EmergencyHotkey    string              `mapstructure:"emergency_hotkey" yaml:"emergency_hotkey" json:"emergency_hotkey"`
	MaxViolations      int                 `mapstructure:"max_violations" yaml:"max_violations" json:"max_violations"`
	Disabled           bool                `mapstructure:"disabled" yaml:"disabled" json:"disabled"`
}

// Normalize fills CoordBounds from the flat yaml keys and applies the
// spec's documented defaults for anything left at zero.
func (p *Policy) Normalize() {
	if p.CoordMaxW == 0 {
		p.CoordMaxW = 3840
	}
	if p.CoordMaxH == 0 {
		p.CoordMaxH = 2160
	}
	p.CoordBounds = CoordBounds{MaxW: p.CoordMaxW, MaxH: p.CoordMaxH}

	if p.RateLimits.PerSecond == 0 {
		p.RateLimits.PerSecond = 10
	}
	if p.RateLimits.PerMinute == 0 {
		p.RateLimits.PerMinute = 100
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.MaxAdaptations == 0 {
		p.MaxAdaptations = 5
	}
	if p.EmergencyHotkey == "" {
		p.EmergencyHotkey = "F12"
	}
	if p.MaxViolations == 0 {
		p.MaxViolations = 5
	}
}

// ThreatLevel classifies a denied action for the audit ring.
type ThreatLevel string

const (
	ThreatBenign     ThreatLevel = "benign"
	ThreatSuspicious ThreatLevel = "suspicious"
	ThreatDangerous  ThreatLevel = "dangerous"
	ThreatMalicious  ThreatLevel = "malicious"
)

// Requester identifies who is asking for validation/execution — the
// orchestrator's task id plus, optionally, a human-readable agent label.
type Requester struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id,omitempty"`
}
