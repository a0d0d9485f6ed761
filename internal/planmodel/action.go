// Package planmodel defines the shared types that flow between the safety
// and control core's components: actions, steps, plans, executions, policy
// configuration and audit records. Every component imports this package
// instead of declaring its own copies so a Plan produced by the façade is
// byte-identical to the Plan consumed by the orchestrator and executor.
package planmodel

import (
	"fmt"
	"time"
)

// ActionKind identifies the closed set of action variants a Step may carry.
type ActionKind string

const (
	ActionClick           ActionKind = "click"
	ActionType            ActionKind = "type"
	ActionKeyPress        ActionKind = "key_press"
	ActionMove            ActionKind = "move"
	ActionScroll          ActionKind = "scroll"
	ActionWait            ActionKind = "wait"
	ActionScreenshot      ActionKind = "screenshot"
	ActionFindElement     ActionKind = "find_element"
	ActionOpenApplication ActionKind = "open_application"
	ActionVerify          ActionKind = "verify"
)

// MouseButton enumerates the buttons Click/Move accept.
type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonRight  MouseButton = "right"
	ButtonMiddle MouseButton = "middle"
)

// Action is a tagged variant over the closed action set described in the
// data model. Exactly one of the typed payload fields is populated,
// selected by Kind; unused fields are left at their zero value.
type Action struct {
	Kind ActionKind `json:"kind"`

	// Click / Move
	X      int         `json:"x,omitempty"`
	Y      int         `json:"y,omitempty"`
	Button MouseButton `json:"button,omitempty"`

	// Type
	Text string `json:"text,omitempty"`

	// KeyPress
	Combo string `json:"combo,omitempty"`

	// Scroll
	DX int `json:"dx,omitempty"`
	DY int `json:"dy,omitempty"`

	// Wait
	DurationMS int `json:"duration_ms,omitempty"`

	// Screenshot
	TargetPath string `json:"target_path,omitempty"`

	// FindElement
	TemplateID    string  `json:"template_id,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty"`

	// OpenApplication
	Alias string `json:"alias,omitempty"`

	// Verify
	Predicate string `json:"predicate,omitempty"`
}

// CoordBounds bounds the AI display's framebuffer space that Click/Move
// coordinates must fall within.
type CoordBounds struct {
	MaxW int `yaml:"max_w" json:"max_w"`
	MaxH int `yaml:"max_h" json:"max_h"`
}

// Validate checks the action-level invariants from the data model that do
// not require policy context (blocklist/alias-table checks live in the
// permission guard, which has that context).
func (a Action) Validate(bounds CoordBounds) error {
	switch a.Kind {
	case ActionClick, ActionMove:
		if a.X < 0 || a.Y < 0 {
			return fmt.Errorf("planmodel: negative coordinate (%d,%d)", a.X, a.Y)
		}
		if bounds.MaxW > 0 && a.X > bounds.MaxW {
			return fmt.Errorf("planmodel: x %d exceeds max width %d", a.X, bounds.MaxW)
		}
		if bounds.MaxH > 0 && a.Y > bounds.MaxH {
			return fmt.Errorf("planmodel: y %d exceeds max height %d", a.Y, bounds.MaxH)
		}
		if a.Kind == ActionClick {
			switch a.Button {
			case ButtonLeft, ButtonRight, ButtonMiddle, "":
			default:
				return fmt.Errorf("planmodel: unknown button %q", a.Button)
			}
		}
	case ActionType:
		if a.Text == "" {
			return fmt.Errorf("planmodel: type action requires text")
		}
	case ActionOpenApplication:
		if a.Alias == "" {
			return fmt.Errorf("planmodel: open_application requires alias")
		}
	case ActionFindElement:
		if a.TemplateID == "" {
			return fmt.Errorf("planmodel: find_element requires template_id")
		}
	case ActionKeyPress, ActionScroll, ActionWait, ActionScreenshot, ActionVerify:
		// no additional structural invariants beyond Kind itself.
	default:
		return fmt.Errorf("planmodel: unknown action kind %q", a.Kind)
	}
	return nil
}

// RetryPolicyKind selects a Step's retry behavior.
type RetryPolicyKind string

const (
	RetryNone    RetryPolicyKind = "none"
	RetryFixed   RetryPolicyKind = "fixed"
	RetryBackoff RetryPolicyKind = "backoff"
)

// RetryPolicy mirrors the data model's `None | Fixed(n) | Backoff(n, base_ms)`.
type RetryPolicy struct {
	Kind    RetryPolicyKind `yaml:"kind" json:"kind"`
	N       int             `yaml:"n,omitempty" json:"n,omitempty"`
	BaseMS  int             `yaml:"base_ms,omitempty" json:"base_ms,omitempty"`
}

// Bound returns the maximum number of retries this policy permits.
func (r RetryPolicy) Bound() int {
	switch r.Kind {
	case RetryFixed, RetryBackoff:
		return r.N
	default:
		return 0
	}
}

// Delay returns the delay before attempt number `attempt` (1-indexed).
func (r RetryPolicy) Delay(attempt int) time.Duration {
	if r.Kind != RetryBackoff || r.BaseMS <= 0 {
		return 0
	}
	base := time.Duration(r.BaseMS) * time.Millisecond
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
