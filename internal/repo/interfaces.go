package repo

import (
	"context"
	"errors"
	"time"

	"github.com/pipewright-labs/pipewright-go/internal/domain"
)

// ErrNotFound is returned by point lookups that matched no record.
var ErrNotFound = errors.New("record not found")

// NodeExecutionFilter narrows multi-result node execution queries. An empty
// field is not applied. Statuses with zero members is not applied either;
// callers that mean "none" should not issue the query.
type NodeExecutionFilter struct {
	PlanExecutionID string
	ParentID        string
	Statuses        []domain.Status
	StepCategory    domain.StepCategory
	ExcludeOldRetry bool
	Limit           int
}

// NodeExecutionRepository is the persistence contract of the orchestration
// engine. Conditional updates return the post-update record; a guarded
// update that matched nothing reports matched=false without error, which is
// the optimistic-concurrency signal for a lost race.
type NodeExecutionRepository interface {
	FindByID(ctx context.Context, id string, fields domain.FieldSet) (domain.NodeExecution, error)
	FindAllByIDs(ctx context.Context, ids []string, fields domain.FieldSet) ([]domain.NodeExecution, error)
	List(ctx context.Context, filter NodeExecutionFilter, fields domain.FieldSet) ([]domain.NodeExecution, error)

	Insert(ctx context.Context, execution domain.NodeExecution) (domain.NodeExecution, error)
	Replace(ctx context.Context, execution domain.NodeExecution) (domain.NodeExecution, error)

	Update(ctx context.Context, id string, mutation *domain.Mutation, fields domain.FieldSet) (domain.NodeExecution, error)
	UpdateConditional(ctx context.Context, id string, allowed domain.StatusSet, mutation *domain.Mutation, fields domain.FieldSet) (domain.NodeExecution, bool, error)

	MarkDiscontinuing(ctx context.Context, planExecutionID string, ids []string) (int64, error)
	MarkLeavesAndQueuedDiscontinuing(ctx context.Context, planExecutionID string, leafStatuses []domain.Status) (int64, error)
	RewritePreviousID(ctx context.Context, oldID, newID string) (int64, error)
	ErrorOutActive(ctx context.Context, planExecutionID string) (int64, error)

	ListStalePlanExecutionIDs(ctx context.Context, updatedBefore time.Time) ([]string, error)
}

// PlanExecutionMetadataRepository resolves the metadata record created when
// a plan execution starts.
type PlanExecutionMetadataRepository interface {
	FindByPlanExecutionID(ctx context.Context, planExecutionID string) (domain.PlanExecutionMetadata, error)
}
