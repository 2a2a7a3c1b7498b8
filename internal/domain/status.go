package domain

import "strings"

// Status is the execution status of a single node execution. The set of
// legal transitions is encapsulated by NodeAllowedStartSet.
type Status string

const (
	StatusQueued              Status = "QUEUED"
	StatusInputWaiting        Status = "INPUT_WAITING"
	StatusRunning             Status = "RUNNING"
	StatusAsyncWaiting        Status = "ASYNC_WAITING"
	StatusTaskWaiting         Status = "TASK_WAITING"
	StatusTimedWaiting        Status = "TIMED_WAITING"
	StatusApprovalWaiting     Status = "APPROVAL_WAITING"
	StatusResourceWaiting     Status = "RESOURCE_WAITING"
	StatusInterventionWaiting Status = "INTERVENTION_WAITING"
	StatusPausing             Status = "PAUSING"
	StatusPaused              Status = "PAUSED"
	StatusDiscontinuing       Status = "DISCONTINUING"
	StatusSuspended           Status = "SUSPENDED"
	StatusSucceeded           Status = "SUCCEEDED"
	StatusFailed              Status = "FAILED"
	StatusErrored             Status = "ERRORED"
	StatusAborted             Status = "ABORTED"
	StatusExpired             Status = "EXPIRED"
	StatusSkipped             Status = "SKIPPED"
	StatusIgnoreFailed        Status = "IGNORE_FAILED"
)

// NormalizeStatus maps a free-form status value to its canonical form.
// Unknown values normalize to the empty status.
func NormalizeStatus(value string) Status {
	candidate := Status(strings.ToUpper(strings.TrimSpace(value)))
	if knownStatuses.Has(candidate) {
		return candidate
	}
	return ""
}

var knownStatuses = NewStatusSet(
	StatusQueued, StatusInputWaiting, StatusRunning, StatusAsyncWaiting,
	StatusTaskWaiting, StatusTimedWaiting, StatusApprovalWaiting,
	StatusResourceWaiting, StatusInterventionWaiting, StatusPausing,
	StatusPaused, StatusDiscontinuing, StatusSuspended, StatusSucceeded,
	StatusFailed, StatusErrored, StatusAborted, StatusExpired,
	StatusSkipped, StatusIgnoreFailed,
)

// FinalStatuses are terminal: once reached, no further transition is legal.
var FinalStatuses = NewStatusSet(
	StatusSucceeded, StatusFailed, StatusErrored, StatusAborted,
	StatusExpired, StatusSkipped, StatusIgnoreFailed, StatusSuspended,
)

// BrokeStatuses are failure terminals that manual intervention may resume.
var BrokeStatuses = NewStatusSet(StatusFailed, StatusErrored, StatusExpired)

// PositiveStatuses are terminals treated as success when aggregating children.
var PositiveStatuses = NewStatusSet(
	StatusSucceeded, StatusSkipped, StatusIgnoreFailed, StatusSuspended,
)

// ActiveStatuses describe node executions with a live executor attached.
var ActiveStatuses = NewStatusSet(
	StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting,
	StatusApprovalWaiting, StatusResourceWaiting, StatusInterventionWaiting,
	StatusPausing, StatusPaused, StatusDiscontinuing,
)

// FlowingStatuses are all non-terminal statuses, queued ones included.
var FlowingStatuses = ActiveStatuses.Union(
	NewStatusSet(StatusQueued, StatusInputWaiting),
)

// AbortableStatuses are those a pipeline-wide abort cascade must wind down.
var AbortableStatuses = NewStatusSet(
	StatusQueued, StatusInputWaiting, StatusRunning, StatusAsyncWaiting,
	StatusTaskWaiting, StatusTimedWaiting, StatusApprovalWaiting,
	StatusResourceWaiting, StatusInterventionWaiting, StatusPausing,
	StatusPaused, StatusSuspended,
)

var waitingStatuses = NewStatusSet(
	StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting,
	StatusApprovalWaiting, StatusResourceWaiting,
)

// IsFinal reports whether s is terminal.
func (s Status) IsFinal() bool { return FinalStatuses.Has(s) }

// NodeAllowedStartSet returns the set of statuses a node execution may
// currently hold for a transition into target to be legal. Every
// status-changing write is guarded by this set unless the caller supplies
// an explicit override.
func NodeAllowedStartSet(target Status) StatusSet {
	switch target {
	case StatusRunning:
		return NewStatusSet(
			StatusQueued, StatusInputWaiting, StatusAsyncWaiting,
			StatusTaskWaiting, StatusTimedWaiting, StatusApprovalWaiting,
			StatusResourceWaiting, StatusInterventionWaiting,
			StatusPaused, StatusPausing,
		)
	case StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting,
		StatusApprovalWaiting, StatusResourceWaiting:
		return NewStatusSet(StatusQueued, StatusRunning)
	case StatusInterventionWaiting:
		return BrokeStatuses
	case StatusPausing, StatusPaused:
		return NewStatusSet(StatusQueued, StatusRunning).Union(waitingStatuses).
			Union(NewStatusSet(StatusInterventionWaiting))
	case StatusDiscontinuing:
		return FlowingStatuses
	case StatusQueued:
		return NewStatusSet(StatusPaused, StatusPausing)
	case StatusAborted:
		return FlowingStatuses
	case StatusErrored, StatusExpired, StatusFailed, StatusSuspended:
		return FlowingStatuses
	case StatusSucceeded:
		return NewStatusSet(StatusRunning, StatusInterventionWaiting, StatusPaused)
	case StatusSkipped, StatusIgnoreFailed:
		return FlowingStatuses
	case StatusInputWaiting:
		return NewStatusSet(StatusQueued)
	default:
		return StatusSet{}
	}
}
