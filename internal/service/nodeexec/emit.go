package nodeexec

import (
	"context"
	"errors"
	"fmt"

	"github.com/pipewright-labs/pipewright-go/internal/domain"
	"github.com/pipewright-labs/pipewright-go/internal/events"
	"github.com/pipewright-labs/pipewright-go/internal/repo"
)

// emitEvent publishes one orchestration lifecycle event for the execution.
// The trigger payload is recovered from the plan's persisted metadata; a
// missing metadata record means the plan execution was never properly
// created and is surfaced as an invalid request.
func (s *Service) emitEvent(ctx context.Context, execution domain.NodeExecution, eventType events.EventType) error {
	metadata, err := s.planMetadata.FindByPlanExecutionID(ctx, execution.PlanExecutionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: plan execution metadata missing for %s", ErrInvalidRequest, execution.PlanExecutionID)
		}
		return err
	}

	moduleName := execution.Module
	if moduleName == "" {
		moduleName = s.moduleName
	}

	event := events.Event{
		EventType:              eventType,
		NodeExecutionID:        execution.ID,
		Ambiance:               execution.Ambiance,
		Status:                 execution.Status,
		ModuleName:             moduleName,
		ResolvedStepParameters: execution.ResolvedStepParameters,
		TriggerPayload:         metadata.TriggerPayload,
		OccurredAt:             s.now(),
	}
	if event.Ambiance.PlanExecutionID == "" {
		event.Ambiance.PlanExecutionID = execution.PlanExecutionID
	}

	if eventType == events.EventTypeNodeExecutionStatusUpdate {
		tagged, err := s.tagIfCausedByAutoAbortThroughTrigger(ctx, execution, event)
		if err != nil {
			s.logger.WarnContext(ctx, "auto-abort trigger enrichment failed",
				"node_execution_id", execution.ID, "error", err)
		} else {
			event = tagged
		}
	}
	return s.emitter.Emit(ctx, event)
}

// tagIfCausedByAutoAbortThroughTrigger marks stage-level abort events whose
// cascade was issued by a trigger with the concurrent-execution
// cancellation policy, so CI consumers can skip redundant status callbacks.
func (s *Service) tagIfCausedByAutoAbortThroughTrigger(ctx context.Context, execution domain.NodeExecution, event events.Event) (events.Event, error) {
	if execution.StepCategory != domain.CategoryStage || execution.Status != domain.StatusAborted {
		return event, nil
	}

	aborted, err := s.FindAllChildrenWithStatusIn(ctx, execution.PlanExecutionID, execution.ID,
		domain.NewStatusSet(domain.StatusAborted), true)
	if err != nil {
		return event, err
	}
	for _, node := range aborted {
		for _, effect := range node.InterruptHistories {
			if effect.CausedByAutoAbortTrigger() {
				event.Tags = append(event.Tags, events.TagAutoAbortedThroughTrigger)
				return event, nil
			}
		}
	}
	return event, nil
}
