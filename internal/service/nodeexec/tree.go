package nodeexec

import (
	"context"
	"fmt"

	"github.com/pipewright-labs/pipewright-go/internal/domain"
)

// FindAllChildrenWithStatusIn reconstructs the execution subtree rooted at
// parentID from the plan's flat record collection, keeping only current
// (non-superseded) executions in one of the given statuses. Traversal does
// not expand below strategy nodes: their inner iterations re-run under
// fixed concurrency and are excluded from status propagation, though the
// strategy node itself is included. With includeParent the parent's own
// record is appended; its absence from the fetched set is then a contract
// violation, not a runtime condition.
func (s *Service) FindAllChildrenWithStatusIn(ctx context.Context, planExecutionID, parentID string, statuses domain.StatusSet, includeParent bool) ([]domain.NodeExecution, error) {
	all, err := s.FetchWithoutOldRetriesAndStatusIn(ctx, planExecutionID, statuses, domain.TreeFields)
	if err != nil {
		return nil, err
	}
	return collectChildren(all, parentID, includeParent)
}

func collectChildren(all []domain.NodeExecution, parentID string, includeParent bool) ([]domain.NodeExecution, error) {
	byParent := make(map[string][]domain.NodeExecution)
	byID := make(map[string]domain.NodeExecution, len(all))
	for _, execution := range all {
		byID[execution.ID] = execution
		if execution.IsRoot() {
			if _, ok := byParent[execution.ID]; !ok {
				byParent[execution.ID] = nil
			}
			continue
		}
		byParent[execution.ParentID] = append(byParent[execution.ParentID], execution)
	}

	// Iterative pre-order walk; children are pushed in reverse so they
	// visit in fetch order.
	result := make([]domain.NodeExecution, 0)
	stack := make([]string, 0, len(byParent[parentID]))
	push := func(children []domain.NodeExecution) {
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i].ID)
		}
	}
	push(byParent[parentID])
	for len(stack) > 0 {
		current := byID[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		result = append(result, current)
		if current.StepCategory != domain.CategoryStrategy {
			push(byParent[current.ID])
		}
	}

	if includeParent {
		parent, ok := byID[parentID]
		if !ok {
			return nil, fmt.Errorf("%w: parent %s absent from fetched execution set", ErrInternal, parentID)
		}
		result = append(result, parent)
	}
	return result, nil
}

// FetchStageDetailFromNodeExecutions derives per-stage retry metadata from
// a flat execution list. Strategy nodes count as stages only when their
// ambiance places the strategy directly at stage granularity.
func (s *Service) FetchStageDetailFromNodeExecutions(executions []domain.NodeExecution) ([]domain.RetryStageInfo, error) {
	if len(executions) == 0 {
		return nil, fmt.Errorf("%w: no node executions to derive stage details from", ErrInvalidRequest)
	}

	infos := make([]domain.RetryStageInfo, 0)
	for _, execution := range executions {
		switch execution.StepCategory {
		case domain.CategoryStage:
			infos = append(infos, stageInfo(execution))
		case domain.CategoryStrategy:
			if execution.Ambiance.IsCurrentStrategyLevelAtStage() {
				infos = append(infos, stageInfo(execution))
			}
		}
	}
	return infos, nil
}

func stageInfo(execution domain.NodeExecution) domain.RetryStageInfo {
	name := execution.Name
	if name == "" {
		name = execution.Identifier
	}
	return domain.RetryStageInfo{
		Name:            name,
		Identifier:      execution.Identifier,
		ParentID:        execution.ParentID,
		NodeExecutionID: execution.ID,
		NextID:          execution.NextID,
		CreatedAt:       execution.CreatedAt,
		Status:          execution.Status,
	}
}
