package planmodel

import "strings"

// ScreenAnalysis is the perception snapshot passed to the façade's plan/adapt
// calls and used by the orchestrator's RouteDecision state, per §6's
// external-interfaces schema.
type ScreenAnalysis struct {
	Applications      []string `json:"applications"`
	UIElements        []string `json:"ui_elements"`
	TextContent       []string `json:"text_content"`
	ClickableElements []string `json:"clickable_elements"`
	UnexpectedElements []string `json:"unexpected_elements"`
	Confidence        float64  `json:"confidence"`
	Recommendations   []string `json:"recommendations"`
}

// unexpectedUIKinds are substrings RouteDecision treats as disruptions when
// present in UnexpectedElements, per the "disrupt" routing rule in §4.7.
var unexpectedUIKinds = []string{"popup", "dialog", "notification", "error"}

// HasDisruptiveUI reports whether the analysis names any of the unexpected
// UI kinds the "disrupt" routing rule watches for.
func (s ScreenAnalysis) HasDisruptiveUI() bool {
	for _, el := range s.UnexpectedElements {
		lower := strings.ToLower(el)
		for _, kind := range unexpectedUIKinds {
			if strings.Contains(lower, kind) {
				return true
			}
		}
	}
	return false
}

// SystemContext describes the host environment handed to the façade's plan
// call, per §6's `{ os, display_server, capabilities[] }` schema.
type SystemContext struct {
	OS            string   `json:"os"`
	DisplayServer string   `json:"display_server"`
	Capabilities  []string `json:"capabilities"`
}

// IntentTags is the façade's interpret() output: a cheap classification of
// a raw intent string before a full plan call is made.
type IntentTags struct {
	IntentType           string  `json:"intent_type"`
	EstimatedSteps       int     `json:"estimated_steps"`
	Confidence           float64 `json:"confidence"`
	RequiresConfirmation bool    `json:"requires_confirmation"`
}

// ErrorContext is the adapt() call's extra argument: the orchestrator's
// view of what has gone wrong so far, bounded per §6 (last_errors ≤ 3).
type ErrorContext struct {
	CurrentStep    string      `json:"current_step"`
	CompletedSteps []string    `json:"completed_steps"`
	LastErrors     []StepError `json:"last_errors"`
	RetryCount     int         `json:"retry_count"`
	Disruptions    []string    `json:"disruptions"`
}
