package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/pipewright-labs/pipewright-go/internal/domain"
)

// EventType names an orchestration lifecycle event.
type EventType string

const (
	EventTypeNodeExecutionStart        EventType = "NODE_EXECUTION_START"
	EventTypeNodeExecutionStatusUpdate EventType = "NODE_EXECUTION_STATUS_UPDATE"
)

// TagAutoAbortedThroughTrigger marks a stage abort caused by the automatic
// concurrent-execution cancellation policy. Downstream CI consumers use it
// to skip redundant status callbacks.
const TagAutoAbortedThroughTrigger = "auto_aborted_through_trigger"

// Event is one orchestration lifecycle event. Emission is fire-and-forget
// from the node execution service's perspective.
type Event struct {
	EventType       EventType
	NodeExecutionID string
	Ambiance        domain.Ambiance
	Status          domain.Status
	ModuleName      string

	ResolvedStepParameters json.RawMessage
	TriggerPayload         json.RawMessage
	Tags                   []string

	OccurredAt time.Time
}

func (e Event) Validate() error {
	if e.EventType == "" {
		return errors.New("event type is required")
	}
	if strings.TrimSpace(e.NodeExecutionID) == "" {
		return errors.New("node execution id is required")
	}
	if strings.TrimSpace(e.Ambiance.PlanExecutionID) == "" {
		return errors.New("plan execution id is required")
	}
	if strings.TrimSpace(e.ModuleName) == "" {
		return errors.New("module name is required")
	}
	if e.OccurredAt.IsZero() {
		return errors.New("occurred-at timestamp is required")
	}
	return nil
}

// HasTag reports whether the event carries the given tag.
func (e Event) HasTag(tag string) bool {
	for _, candidate := range e.Tags {
		if candidate == tag {
			return true
		}
	}
	return false
}

// Emitter publishes orchestration events. Implementations are at-least-once
// and must not be assumed transactional with the write that produced the
// event.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}
