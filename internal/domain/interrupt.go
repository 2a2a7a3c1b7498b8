package domain

import "time"

// InterruptType names the administrative action recorded by an interrupt.
type InterruptType string

const (
	InterruptAbort       InterruptType = "ABORT"
	InterruptAbortAll    InterruptType = "ABORT_ALL"
	InterruptRetry       InterruptType = "RETRY"
	InterruptMarkExpired InterruptType = "MARK_EXPIRED"
	InterruptPauseAll    InterruptType = "PAUSE_ALL"
	InterruptResumeAll   InterruptType = "RESUME_ALL"
)

// ManualIssuer identifies a user-issued interrupt.
type ManualIssuer struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// TriggerIssuer identifies an interrupt issued by an execution trigger.
// AbortPrevConcurrentExecution marks the automatic cancellation policy that
// aborts an older run when a newer one starts for the same target.
type TriggerIssuer struct {
	TriggerRef                   string `json:"trigger_ref"`
	AbortPrevConcurrentExecution bool   `json:"abort_prev_concurrent_execution,omitempty"`
}

// TimeoutIssuer identifies an interrupt raised by a timeout tracker.
type TimeoutIssuer struct {
	TimeoutInstanceID string `json:"timeout_instance_id"`
}

// IssuedBy records interrupt provenance. Exactly one issuer is set.
type IssuedBy struct {
	Manual  *ManualIssuer  `json:"manual,omitempty"`
	Trigger *TriggerIssuer `json:"trigger,omitempty"`
	Timeout *TimeoutIssuer `json:"timeout,omitempty"`
}

// InterruptConfig is the full description of an issued interrupt.
type InterruptConfig struct {
	IssuedBy IssuedBy `json:"issued_by"`
}

// InterruptEffect is one entry of a node execution's interrupt history: an
// interrupt that took effect on the node, with provenance and timing.
type InterruptEffect struct {
	InterruptID     string          `json:"interrupt_id"`
	TookEffectAt    time.Time       `json:"took_effect_at"`
	InterruptType   InterruptType   `json:"interrupt_type"`
	InterruptConfig InterruptConfig `json:"interrupt_config"`
}

// CausedByAutoAbortTrigger reports whether the effect is an abort cascade
// issued by a trigger carrying the concurrent-execution cancellation policy.
func (e InterruptEffect) CausedByAutoAbortTrigger() bool {
	if e.InterruptType != InterruptAbort && e.InterruptType != InterruptAbortAll {
		return false
	}
	issuer := e.InterruptConfig.IssuedBy.Trigger
	return issuer != nil && issuer.AbortPrevConcurrentExecution
}
