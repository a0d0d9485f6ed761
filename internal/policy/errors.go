package policy

import "errors"

var (
	// ErrInvalidPattern indicates a malformed regex pattern in a rule.
	ErrInvalidPattern = errors.New("policy: invalid regex pattern")

	// ErrGuardDisabled is not itself a failure path: a disabled guard
	// returns Allowed{reason:"disabled"}. Kept as a sentinel for callers
	// that want to distinguish "explicitly allowed" from "disabled".
	ErrGuardDisabled = errors.New("policy: guard disabled")
)
