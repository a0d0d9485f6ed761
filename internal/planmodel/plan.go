package planmodel

import (
	"fmt"
	"time"
)

// ContingencyKey names a fallback step bundle within a Plan's contingencies
// map. The spec leaves its concrete shape open; a plain string is sufficient
// since contingencies are looked up by the key a Step's fallback_step_id (or
// an adaptation reason) resolves to.
type ContingencyKey string

// Step is one unit of plan execution.
type Step struct {
	ID                   string          `json:"id"`
	Order                int             `json:"order"`
	Description          string          `json:"description"`
	Action               Action          `json:"action"`
	PreConditions        []string        `json:"pre_conditions,omitempty"`
	PostConditions       []string        `json:"post_conditions,omitempty"`
	TimeoutMS            int             `json:"timeout_ms"`
	RetryPolicy          RetryPolicy     `json:"retry_policy"`
	FallbackStepID       string          `json:"fallback_step_id,omitempty"`
	ExpectedScreenChange bool            `json:"expected_screen_change,omitempty"`
}

// Plan is the façade's output: an ordered list of steps plus fallback
// bundles reachable by fallback_step_id.
type Plan struct {
	TaskID           string                     `json:"task_id"`
	Intent           string                     `json:"intent"`
	Steps            []Step                     `json:"steps"`
	Contingencies    map[ContingencyKey][]Step  `json:"contingencies,omitempty"`
	SuccessCriterion string                     `json:"success_criterion"`
	Confidence       float64                    `json:"confidence"`
	CreatedAt        time.Time                  `json:"created_at"`
}

// Validate enforces the Plan invariants from the data model: steps
// non-empty, strictly increasing order, unique ids, and every
// fallback_step_id resolvable within steps ∪ contingencies.values.
func (p *Plan) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("planmodel: plan requires task_id")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("planmodel: plan %s has no steps", p.TaskID)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("planmodel: plan %s confidence %f out of [0,1]", p.TaskID, p.Confidence)
	}

	seenIDs := make(map[string]bool, len(p.Steps))
	lastOrder := -1
	resolvable := make(map[string]bool)

	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("planmodel: plan %s has a step with empty id", p.TaskID)
		}
		if seenIDs[s.ID] {
			return fmt.Errorf("planmodel: plan %s has duplicate step id %q", p.TaskID, s.ID)
		}
		seenIDs[s.ID] = true
		resolvable[s.ID] = true
		if s.Order <= lastOrder {
			return fmt.Errorf("planmodel: plan %s step %q order %d is not strictly increasing", p.TaskID, s.ID, s.Order)
		}
		lastOrder = s.Order
	}
	for _, bundle := range p.Contingencies {
		for _, s := range bundle {
			resolvable[s.ID] = true
		}
	}
	for _, s := range p.Steps {
		if s.FallbackStepID != "" && !resolvable[s.FallbackStepID] {
			return fmt.Errorf("planmodel: plan %s step %q has unresolved fallback_step_id %q", p.TaskID, s.ID, s.FallbackStepID)
		}
	}
	return nil
}

// SpliceFrom replaces the tail of the plan (from `from` onward) with
// replacement steps produced by an adaptation, per the Open Question
// decision that adaptation replaces only the tail and never extends past
// the original plan length.
func (p *Plan) SpliceFrom(from int, replacement []Step) error {
	if from < 0 || from > len(p.Steps) {
		return fmt.Errorf("planmodel: splice index %d out of range [0,%d]", from, len(p.Steps))
	}
	if len(replacement) > len(p.Steps)-from {
		replacement = replacement[:len(p.Steps)-from]
	}
	next := make([]Step, 0, len(p.Steps))
	next = append(next, p.Steps[:from]...)
	next = append(next, replacement...)
	p.Steps = next
	return nil
}

// StepByID returns the step with the given id, searching both the primary
// step list and every contingency bundle.
func (p *Plan) StepByID(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	for _, bundle := range p.Contingencies {
		for _, s := range bundle {
			if s.ID == id {
				return s, true
			}
		}
	}
	return Step{}, false
}
