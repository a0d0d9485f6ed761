package planmodel

import "time"

// Verdict is the Permission Guard's decision on one action.
type Verdict struct {
	Allowed bool
	Reason  string // set when !Allowed
	Threat  ThreatLevel
}

// ActionRecord is one entry in the Permission Guard's bounded audit ring.
type ActionRecord struct {
	TS         time.Time   `json:"ts"`
	ActionKind ActionKind  `json:"action_kind"`
	Requester  Requester   `json:"requester"`
	Allowed    bool        `json:"allowed"`
	Reason     string      `json:"reason,omitempty"`
	Threat     ThreatLevel `json:"threat"`
}
