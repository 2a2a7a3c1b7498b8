package nodeexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pipewright-labs/pipewright-go/internal/domain"
	"github.com/pipewright-labs/pipewright-go/internal/events"
	"github.com/pipewright-labs/pipewright-go/internal/repo"
)

// MaxBatchSize is the hard ceiling on batch point lookups. Callers wanting
// more must paginate.
const MaxBatchSize = 1000

// Service is the node execution orchestration core: the system of record
// for execution progress within a plan execution. It holds no state between
// calls; every read goes to the store because multiple instances run
// concurrently across a fleet.
type Service struct {
	nodes        repo.NodeExecutionRepository
	planMetadata repo.PlanExecutionMetadataRepository
	emitter      events.Emitter
	logs         LogPublisher
	observers    *Observers
	moduleName   string
	logger       *slog.Logger
	now          func() time.Time
}

func New(nodes repo.NodeExecutionRepository, planMetadata repo.PlanExecutionMetadataRepository, emitter events.Emitter, logs LogPublisher, moduleName string, logger *slog.Logger) *Service {
	if nodes == nil || planMetadata == nil || emitter == nil || logs == nil {
		return nil
	}
	if strings.TrimSpace(moduleName) == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		nodes:        nodes,
		planMetadata: planMetadata,
		emitter:      emitter,
		logs:         logs,
		observers:    NewObservers(),
		moduleName:   moduleName,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Observers exposes the notification registry for wiring-time registration.
func (s *Service) Observers() *Observers {
	return s.observers
}

// Get loads a node execution with every payload field.
//
// Deprecated: use GetWithFieldsIncluded with a scoped projection; loading
// all payloads is unbounded on wide graphs.
func (s *Service) Get(ctx context.Context, id string) (domain.NodeExecution, error) {
	return s.GetWithFieldsIncluded(ctx, id, domain.AllPayloads)
}

// GetWithFieldsIncluded loads a node execution restricted to the projected
// payload fields. Returns repo.ErrNotFound if absent.
func (s *Service) GetWithFieldsIncluded(ctx context.Context, id string, fields domain.FieldSet) (domain.NodeExecution, error) {
	return s.nodes.FindByID(ctx, id, fields)
}

// GetAll batch-fetches node executions by id. Batches over MaxBatchSize are
// rejected before any store call.
func (s *Service) GetAll(ctx context.Context, ids []string, fields domain.FieldSet) ([]domain.NodeExecution, error) {
	if len(ids) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds the %d id ceiling", ErrInvalidRequest, len(ids), MaxBatchSize)
	}
	if err := requireProjection(fields); err != nil {
		return nil, err
	}
	return s.nodes.FindAllByIDs(ctx, ids, fields)
}

// FetchChildren lists the direct children of parentID within a plan
// execution.
func (s *Service) FetchChildren(ctx context.Context, planExecutionID, parentID string, fields domain.FieldSet) ([]domain.NodeExecution, error) {
	if err := requireProjection(fields); err != nil {
		return nil, err
	}
	return s.nodes.List(ctx, repo.NodeExecutionFilter{
		PlanExecutionID: planExecutionID,
		ParentID:        parentID,
	}, fields)
}

// FetchByStatuses lists the plan's node executions currently in one of the
// given statuses, superseded retries included.
func (s *Service) FetchByStatuses(ctx context.Context, planExecutionID string, statuses domain.StatusSet, fields domain.FieldSet) ([]domain.NodeExecution, error) {
	if err := requireProjection(fields); err != nil {
		return nil, err
	}
	return s.nodes.List(ctx, repo.NodeExecutionFilter{
		PlanExecutionID: planExecutionID,
		Statuses:        statuses.Statuses(),
	}, fields)
}

// FetchWithoutOldRetriesAndStatusIn lists only current (non-superseded)
// node executions matching the statuses.
func (s *Service) FetchWithoutOldRetriesAndStatusIn(ctx context.Context, planExecutionID string, statuses domain.StatusSet, fields domain.FieldSet) ([]domain.NodeExecution, error) {
	if err := requireProjection(fields); err != nil {
		return nil, err
	}
	return s.nodes.List(ctx, repo.NodeExecutionFilter{
		PlanExecutionID: planExecutionID,
		Statuses:        statuses.Statuses(),
		ExcludeOldRetry: true,
	}, fields)
}

// Save persists a node execution. A versionless record is inserted and
// announced as a node start; a versioned one is replaced in place (retry
// wiring) and announced as a status update. Side effects run only after the
// write commits.
func (s *Service) Save(ctx context.Context, execution domain.NodeExecution) (domain.NodeExecution, error) {
	if execution.Version == 0 {
		if strings.TrimSpace(execution.ID) == "" {
			execution.ID = uuid.NewString()
		}
		saved, err := s.nodes.Insert(ctx, execution)
		if err != nil {
			return domain.NodeExecution{}, err
		}
		s.logs.OnNodeStart(ctx, saved)
		s.observers.notifyNodeStart(ctx, NodeStartInfo{NodeExecution: saved})
		if err := s.emitEvent(ctx, saved, events.EventTypeNodeExecutionStart); err != nil {
			s.logger.ErrorContext(ctx, "emit node execution start event",
				"node_execution_id", saved.ID, "error", err)
		}
		return saved, nil
	}

	saved, err := s.nodes.Replace(ctx, execution)
	if err != nil {
		return domain.NodeExecution{}, err
	}
	if err := s.emitEvent(ctx, saved, events.EventTypeNodeExecutionStatusUpdate); err != nil {
		s.logger.ErrorContext(ctx, "emit node execution status update event",
			"node_execution_id", saved.ID, "error", err)
	}
	return saved, nil
}

// Update applies a mutation unconditionally (besides existence), stamping
// last-updated-at. The internal log publish fires only when the mutation
// touches graph fields; NodeUpdateObserver fires regardless.
func (s *Service) Update(ctx context.Context, id string, mutation *domain.Mutation, fields domain.FieldSet) (domain.NodeExecution, error) {
	if mutation.Empty() {
		return domain.NodeExecution{}, fmt.Errorf("%w: empty mutation", ErrInvalidRequest)
	}
	mutation.SetLastUpdatedAt(s.now())

	updated, err := s.nodes.Update(ctx, id, mutation, fields)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.NodeExecution{}, fmt.Errorf("%w: node execution %s", ErrUpdateFailed, id)
		}
		return domain.NodeExecution{}, err
	}

	if mutation.Touches(domain.GraphFields) {
		s.logs.OnNodeUpdate(ctx, updated)
	}
	s.observers.notifyNodeUpdate(ctx, NodeUpdateInfo{NodeExecution: updated})
	return updated, nil
}

// TransitionOption tunes a guarded status transition.
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	override domain.StatusSet
	fields   domain.FieldSet
}

// WithOverrideStartSet replaces the validator-derived allowed-start set.
// The caller asserts it knows the precondition holds.
func WithOverrideStartSet(statuses domain.StatusSet) TransitionOption {
	return func(o *transitionOptions) { o.override = statuses }
}

// WithFields projects extra payload fields onto the returned record.
func WithFields(fields domain.FieldSet) TransitionOption {
	return func(o *transitionOptions) { o.fields = fields }
}

// UpdateStatusWithUpdate is the guarded transition primitive. It matches the
// record on (id, status in allowed-start-set) and atomically applies the
// mutation plus the new status. A nil result with nil error means the guard
// matched nothing: a concurrent writer advanced the status first, which is
// expected and correct, never an error.
func (s *Service) UpdateStatusWithUpdate(ctx context.Context, id string, target domain.Status, mutation *domain.Mutation, opts ...TransitionOption) (*domain.NodeExecution, error) {
	options := transitionOptions{fields: domain.NewFieldSet(domain.FieldResolvedStepParameters)}
	for _, opt := range opts {
		opt(&options)
	}

	allowed := options.override
	if allowed.Empty() {
		allowed = domain.NodeAllowedStartSet(target)
	}
	if allowed.Empty() {
		return nil, fmt.Errorf("%w: no allowed start statuses for target %s", ErrInvalidRequest, target)
	}

	if mutation == nil {
		mutation = domain.NewMutation()
	}
	mutation.SetStatus(target).SetLastUpdatedAt(s.now())

	updated, matched, err := s.nodes.UpdateConditional(ctx, id, allowed, mutation, options.fields)
	if err != nil {
		return nil, err
	}
	if !matched {
		s.logger.WarnContext(ctx, "status transition lost race",
			"node_execution_id", id, "target_status", string(target))
		return nil, nil
	}

	s.logs.OnNodeStatusUpdate(ctx, updated)
	s.observers.notifyNodeStatusUpdate(ctx, NodeUpdateInfo{NodeExecution: updated})

	// Stage transitions and terminal statuses are the only emissions;
	// step-level churn would blow up event volume.
	if updated.StepCategory == domain.CategoryStage || target.IsFinal() {
		if err := s.emitEvent(ctx, updated, events.EventTypeNodeExecutionStatusUpdate); err != nil {
			s.logger.ErrorContext(ctx, "emit node execution status update event",
				"node_execution_id", updated.ID, "error", err)
		}
	}
	return &updated, nil
}

// MarkLeavesDiscontinuing bulk-moves the named leaf executions to
// DISCONTINUING, unconditioned on prior status. Returns -1 when the store
// did not acknowledge the write; the caller must treat that as a failed
// cascade step, not as zero matched.
func (s *Service) MarkLeavesDiscontinuing(ctx context.Context, planExecutionID string, leafIDs []string) int64 {
	count, err := s.nodes.MarkDiscontinuing(ctx, planExecutionID, leafIDs)
	if err != nil {
		s.logger.ErrorContext(ctx, "mark leaves discontinuing",
			"plan_execution_id", planExecutionID, "error", err)
		return -1
	}
	return count
}

// MarkAllLeavesAndQueuedNodesDiscontinuing moves every current leaf in one
// of the given statuses, and every queued or input-waiting node regardless
// of them, to DISCONTINUING.
func (s *Service) MarkAllLeavesAndQueuedNodesDiscontinuing(ctx context.Context, planExecutionID string, statuses domain.StatusSet) int64 {
	count, err := s.nodes.MarkLeavesAndQueuedDiscontinuing(ctx, planExecutionID, statuses.Statuses())
	if err != nil {
		s.logger.ErrorContext(ctx, "mark leaves and queued discontinuing",
			"plan_execution_id", planExecutionID, "error", err)
		return -1
	}
	return count
}

// MarkRetried flags an execution as superseded by a newer attempt. Failure
// is logged, not raised: the superseded node no longer matters for forward
// progress.
func (s *Service) MarkRetried(ctx context.Context, id string) bool {
	mutation := domain.NewMutation().SetOldRetry(true).SetLastUpdatedAt(s.now())
	_, err := s.nodes.Update(ctx, id, mutation, domain.NewFieldSet(domain.FieldOldRetry))
	if err != nil {
		s.logger.ErrorContext(ctx, "mark node execution retried",
			"node_execution_id", id, "error", err)
		return false
	}
	return true
}

// UpdateRelationshipsForRetryNode repoints every execution whose previousId
// referenced the superseded attempt at the new attempt, keeping retry
// chains traversable.
func (s *Service) UpdateRelationshipsForRetryNode(ctx context.Context, oldID, newID string) bool {
	count, err := s.nodes.RewritePreviousID(ctx, oldID, newID)
	if err != nil {
		s.logger.WarnContext(ctx, "rewrite retry relationships",
			"old_node_execution_id", oldID, "new_node_execution_id", newID, "error", err)
		return false
	}
	s.logger.InfoContext(ctx, "rewrote retry relationships",
		"old_node_execution_id", oldID, "new_node_execution_id", newID, "count", count)
	return true
}

// ErrorOutActiveNodes flips every active execution of the plan to ERRORED
// with an end timestamp. Crash-recovery cleanup for orphaned in-flight
// executions after a process restart.
func (s *Service) ErrorOutActiveNodes(ctx context.Context, planExecutionID string) bool {
	count, err := s.nodes.ErrorOutActive(ctx, planExecutionID)
	if err != nil {
		s.logger.ErrorContext(ctx, "error out active nodes",
			"plan_execution_id", planExecutionID, "error", err)
		return false
	}
	s.logger.InfoContext(ctx, "errored out active nodes",
		"plan_execution_id", planExecutionID, "count", count)
	return true
}

func requireProjection(fields domain.FieldSet) error {
	if fields.Empty() {
		return fmt.Errorf("%w: an empty field projection is not allowed on multi-result queries", ErrInvalidRequest)
	}
	return nil
}
