package planmodel

import "time"

// ExecutionStatus is the Plan Orchestrator's coarse-grained status, exposed
// on PlanExecution and carried in TaskCompleted events.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusAdapting  ExecutionStatus = "adapting"
	StatusPaused    ExecutionStatus = "paused"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// ErrorKind is the orchestrator-facing error taxonomy from the error
// handling design. It classifies, it is not a Go error type itself —
// CoreError below carries one.
type ErrorKind string

const (
	ErrPolicyDenied        ErrorKind = "policy_denied"
	ErrNotSafe             ErrorKind = "not_safe"
	ErrTimeout             ErrorKind = "timeout"
	ErrTemplateNotFound    ErrorKind = "template_not_found"
	ErrDisplayUnavailable  ErrorKind = "display_unavailable"
	ErrPlannerUnavailable  ErrorKind = "planner_unavailable"
	ErrPlannerMalformed    ErrorKind = "planner_malformed"
	ErrIsolationBreach     ErrorKind = "isolation_breach"
	ErrCancelled           ErrorKind = "cancelled"
	ErrInternal            ErrorKind = "internal"
)

// CoreError is the single typed-error shape returned by every component,
// per §7: "every component returns a typed error; the orchestrator is the
// single place where errors become state transitions."
type CoreError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Cause     error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *CoreError) Unwrap() error { return e.Cause }

// NewCoreError builds a CoreError, defaulting Retryable from the kind's
// usual classification; callers needing a different classification set
// Retryable explicitly afterward.
func NewCoreError(kind ErrorKind, msg string, cause error) *CoreError {
	retryable := map[ErrorKind]bool{
		ErrNotSafe:          true,
		ErrTimeout:          true,
		ErrTemplateNotFound: true,
		ErrIsolationBreach:  true,
	}
	return &CoreError{Kind: kind, Message: msg, Retryable: retryable[kind], Cause: cause}
}

// StepError records one failed step attempt for PlanExecution's bounded
// error history.
type StepError struct {
	StepID string
	Kind   ErrorKind
	Reason string
	At     time.Time
}

// PlanExecution is owned exclusively by the Orchestrator for the lifetime
// of one task: from intent accepted to terminal event emitted.
type PlanExecution struct {
	Plan             *Plan
	Cursor           int
	RetriesForCursor int
	Status           ExecutionStatus
	AdaptationCount  int
	Errors           []StepError // bounded ring, oldest evicted first
	Timings          []time.Duration
	StartTime        time.Time
	EndTime          *time.Time

	maxErrors int
}

// MaxErrorsDefault bounds the StepError history when a PlanExecution is
// constructed without an explicit override.
const MaxErrorsDefault = 64

// NewPlanExecution starts a fresh execution in Pending status.
func NewPlanExecution(plan *Plan) *PlanExecution {
	return &PlanExecution{
		Plan:      plan,
		Status:    StatusPending,
		maxErrors: MaxErrorsDefault,
	}
}

// RecordError appends a StepError, evicting the oldest entry once the
// bounded history is full.
func (pe *PlanExecution) RecordError(se StepError) {
	limit := pe.maxErrors
	if limit <= 0 {
		limit = MaxErrorsDefault
	}
	pe.Errors = append(pe.Errors, se)
	if len(pe.Errors) > limit {
		pe.Errors = pe.Errors[len(pe.Errors)-limit:]
	}
}

// ErrorRate computes cumulative errors ÷ max(cursor,1), the "high error
// rate" routing signal from §4.7.
func (pe *PlanExecution) ErrorRate() float64 {
	denom := pe.Cursor
	if denom < 1 {
		denom = 1
	}
	return float64(len(pe.Errors)) / float64(denom)
}

// Invariant checks the PlanExecution invariants: cursor ≤ len(steps); and
// status=Completed ⇒ cursor == len(steps). Returns an error describing the
// first violation found, used by tests and defensive assertions.
func (pe *PlanExecution) Invariant() error {
	n := 0
	if pe.Plan != nil {
		n = len(pe.Plan.Steps)
	}
	if pe.Cursor > n {
		return &CoreError{Kind: ErrInternal, Message: "cursor exceeds step count"}
	}
	if pe.Status == StatusCompleted && pe.Cursor != n {
		return &CoreError{Kind: ErrInternal, Message: "completed execution with cursor short of step count"}
	}
	return nil
}
