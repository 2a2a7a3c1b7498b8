package domain

import (
	"encoding/json"
	"time"
)

// StepCategory classifies the static plan node a node execution runs.
type StepCategory string

const (
	CategoryPipeline StepCategory = "PIPELINE"
	CategoryStage    StepCategory = "STAGE"
	CategoryStrategy StepCategory = "STRATEGY"
	CategoryStep     StepCategory = "STEP"
)

// ExecutionMode describes how a node execution is driven. Leaf modes have no
// orchestration-managed children; child/children modes fan out.
type ExecutionMode string

const (
	ModeSync     ExecutionMode = "SYNC"
	ModeAsync    ExecutionMode = "ASYNC"
	ModeTask     ExecutionMode = "TASK"
	ModeChild    ExecutionMode = "CHILD"
	ModeChildren ExecutionMode = "CHILDREN"
)

// IsLeaf reports whether the mode terminates orchestration fan-out.
func (m ExecutionMode) IsLeaf() bool {
	switch m {
	case ModeSync, ModeAsync, ModeTask:
		return true
	default:
		return false
	}
}

// LeafModes returns every leaf execution mode.
func LeafModes() []ExecutionMode {
	return []ExecutionMode{ModeSync, ModeAsync, ModeTask}
}

// NodeExecution is the runtime record of one step/stage/strategy/pipeline
// instance within a plan execution. It is the single shared mutable resource
// of the orchestration engine; all coordination state lives here.
type NodeExecution struct {
	ID              string
	PlanExecutionID string

	// ParentID is empty for the pipeline root. PreviousID links a retry
	// attempt to the execution it supersedes; NextID links to the attempt
	// that superseded this one.
	ParentID   string
	PreviousID string
	NextID     string
	OldRetry   bool

	NodeID       string
	Identifier   string
	Name         string
	StageFQN     string
	StepCategory StepCategory
	Mode         ExecutionMode

	Status   Status
	Ambiance Ambiance
	Module   string

	// Version is zero for a record that has never been persisted. The store
	// assigns 1 on insert and increments on every replace.
	Version int64

	CreatedAt     time.Time
	StartTS       *time.Time
	EndTS         *time.Time
	LastUpdatedAt time.Time

	// Large optional payloads, selectively projected (see GraphFields).
	ResolvedStepParameters json.RawMessage
	ExecutableResponses    json.RawMessage
	ProgressData           json.RawMessage
	UnitProgresses         json.RawMessage
	FailureInfo            json.RawMessage
	AdviserResponse        json.RawMessage

	InterruptHistories []InterruptEffect
}

// IsRoot reports whether the execution is the pipeline root of its plan.
func (n NodeExecution) IsRoot() bool { return n.ParentID == "" }

// PlanExecutionMetadata is the per-plan record created when a plan execution
// starts. It carries the trigger payload recovered for emitted events.
type PlanExecutionMetadata struct {
	PlanExecutionID string
	TriggerType     string
	TriggeredBy     string
	TriggerPayload  json.RawMessage
	CreatedAt       time.Time
}

// RetryStageInfo is the per-stage retry metadata derived from a flat
// execution list when a pipeline is retried from a stage.
type RetryStageInfo struct {
	Name             string
	Identifier       string
	ParentID         string
	NodeExecutionID  string
	NextID           string
	CreatedAt        time.Time
	Status           Status
}
