package nodeexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pipewright-labs/pipewright-go/internal/domain"
	"github.com/pipewright-labs/pipewright-go/internal/events"
	"github.com/pipewright-labs/pipewright-go/internal/repo"
)

type fakeNodeRepo struct {
	mu      sync.Mutex
	records map[string]domain.NodeExecution
	order   []string
	calls   int
}

func newFakeNodeRepo(executions ...domain.NodeExecution) *fakeNodeRepo {
	r := &fakeNodeRepo{records: make(map[string]domain.NodeExecution)}
	for _, execution := range executions {
		if execution.Version == 0 {
			execution.Version = 1
		}
		if execution.CreatedAt.IsZero() {
			execution.CreatedAt = time.Now().UTC()
		}
		r.records[execution.ID] = execution
		r.order = append(r.order, execution.ID)
	}
	return r
}

func (r *fakeNodeRepo) get(id string) (domain.NodeExecution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	execution, ok := r.records[id]
	return execution, ok
}

func (r *fakeNodeRepo) FindByID(ctx context.Context, id string, fields domain.FieldSet) (domain.NodeExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	execution, ok := r.records[id]
	if !ok {
		return domain.NodeExecution{}, repo.ErrNotFound
	}
	return execution, nil
}

func (r *fakeNodeRepo) FindAllByIDs(ctx context.Context, ids []string, fields domain.FieldSet) ([]domain.NodeExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	out := make([]domain.NodeExecution, 0, len(ids))
	for _, id := range ids {
		if execution, ok := r.records[id]; ok {
			out = append(out, execution)
		}
	}
	return out, nil
}

func (r *fakeNodeRepo) List(ctx context.Context, filter repo.NodeExecutionFilter, fields domain.FieldSet) ([]domain.NodeExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	statusSet := domain.NewStatusSet(filter.Statuses...)
	out := make([]domain.NodeExecution, 0)
	for _, id := range r.order {
		execution := r.records[id]
		if execution.PlanExecutionID != filter.PlanExecutionID {
			continue
		}
		if filter.ParentID != "" && execution.ParentID != filter.ParentID {
			continue
		}
		if len(filter.Statuses) > 0 && !statusSet.Has(execution.Status) {
			continue
		}
		if filter.StepCategory != "" && execution.StepCategory != filter.StepCategory {
			continue
		}
		if filter.ExcludeOldRetry && execution.OldRetry {
			continue
		}
		out = append(out, execution)
	}
	return out, nil
}

func (r *fakeNodeRepo) Insert(ctx context.Context, execution domain.NodeExecution) (domain.NodeExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if _, ok := r.records[execution.ID]; ok {
		return domain.NodeExecution{}, fmt.Errorf("duplicate node execution id %s", execution.ID)
	}
	execution.Version = 1
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}
	r.records[execution.ID] = execution
	r.order = append(r.order, execution.ID)
	return execution, nil
}

func (r *fakeNodeRepo) Replace(ctx context.Context, execution domain.NodeExecution) (domain.NodeExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if _, ok := r.records[execution.ID]; !ok {
		return domain.NodeExecution{}, repo.ErrNotFound
	}
	execution.Version++
	r.records[execution.ID] = execution
	return execution, nil
}

func (r *fakeNodeRepo) Update(ctx context.Context, id string, mutation *domain.Mutation, fields domain.FieldSet) (domain.NodeExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	execution, ok := r.records[id]
	if !ok {
		return domain.NodeExecution{}, repo.ErrNotFound
	}
	updated, err := applyMutation(execution, mutation)
	if err != nil {
		return domain.NodeExecution{}, err
	}
	r.records[id] = updated
	return updated, nil
}

func (r *fakeNodeRepo) UpdateConditional(ctx context.Context, id string, allowed domain.StatusSet, mutation *domain.Mutation, fields domain.FieldSet) (domain.NodeExecution, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	execution, ok := r.records[id]
	if !ok || !allowed.Has(execution.Status) {
		return domain.NodeExecution{}, false, nil
	}
	updated, err := applyMutation(execution, mutation)
	if err != nil {
		return domain.NodeExecution{}, false, err
	}
	r.records[id] = updated
	return updated, true, nil
}

func (r *fakeNodeRepo) MarkDiscontinuing(ctx context.Context, planExecutionID string, ids []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var count int64
	for _, id := range ids {
		execution, ok := r.records[id]
		if !ok || execution.PlanExecutionID != planExecutionID {
			continue
		}
		execution.Status = domain.StatusDiscontinuing
		r.records[id] = execution
		count++
	}
	return count, nil
}

func (r *fakeNodeRepo) MarkLeavesAndQueuedDiscontinuing(ctx context.Context, planExecutionID string, leafStatuses []domain.Status) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	statusSet := domain.NewStatusSet(leafStatuses...)
	var count int64
	for id, execution := range r.records {
		if execution.PlanExecutionID != planExecutionID {
			continue
		}
		leafMatch := execution.Mode.IsLeaf() && statusSet.Has(execution.Status) && !execution.OldRetry
		queued := execution.Status == domain.StatusQueued || execution.Status == domain.StatusInputWaiting
		if leafMatch || queued {
			execution.Status = domain.StatusDiscontinuing
			r.records[id] = execution
			count++
		}
	}
	return count, nil
}

func (r *fakeNodeRepo) RewritePreviousID(ctx context.Context, oldID, newID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var count int64
	for id, execution := range r.records {
		if execution.PreviousID == oldID {
			execution.PreviousID = newID
			r.records[id] = execution
			count++
		}
	}
	return count, nil
}

func (r *fakeNodeRepo) ErrorOutActive(ctx context.Context, planExecutionID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	now := time.Now().UTC()
	var count int64
	for id, execution := range r.records {
		if execution.PlanExecutionID != planExecutionID {
			continue
		}
		if !domain.ActiveStatuses.Has(execution.Status) {
			continue
		}
		execution.Status = domain.StatusErrored
		execution.EndTS = &now
		r.records[id] = execution
		count++
	}
	return count, nil
}

func (r *fakeNodeRepo) ListStalePlanExecutionIDs(ctx context.Context, updatedBefore time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	seen := make(map[string]bool)
	ids := make([]string, 0)
	for _, execution := range r.records {
		if !domain.ActiveStatuses.Has(execution.Status) {
			continue
		}
		if !execution.LastUpdatedAt.Before(updatedBefore) {
			continue
		}
		if !seen[execution.PlanExecutionID] {
			seen[execution.PlanExecutionID] = true
			ids = append(ids, execution.PlanExecutionID)
		}
	}
	return ids, nil
}

func applyMutation(execution domain.NodeExecution, mutation *domain.Mutation) (domain.NodeExecution, error) {
	for _, entry := range mutation.Entries() {
		switch entry.Field {
		case domain.FieldStatus:
			execution.Status = domain.Status(entry.Value.(string))
		case domain.FieldOldRetry:
			execution.OldRetry = entry.Value.(bool)
		case domain.FieldPreviousID:
			execution.PreviousID = entry.Value.(string)
		case domain.FieldNextID:
			execution.NextID = entry.Value.(string)
		case domain.FieldStartTS:
			ts := entry.Value.(time.Time)
			execution.StartTS = &ts
		case domain.FieldEndTS:
			ts := entry.Value.(time.Time)
			execution.EndTS = &ts
		case domain.FieldLastUpdatedAt:
			execution.LastUpdatedAt = entry.Value.(time.Time)
		case domain.FieldResolvedStepParameters:
			execution.ResolvedStepParameters = entry.Value.([]byte)
		case domain.FieldExecutableResponses:
			execution.ExecutableResponses = entry.Value.([]byte)
		case domain.FieldProgressData:
			execution.ProgressData = entry.Value.([]byte)
		case domain.FieldUnitProgresses:
			execution.UnitProgresses = entry.Value.([]byte)
		case domain.FieldFailureInfo:
			execution.FailureInfo = entry.Value.([]byte)
		case domain.FieldAdviserResponse:
			execution.AdviserResponse = entry.Value.([]byte)
		case domain.FieldInterruptHistories:
			var effects []domain.InterruptEffect
			if err := json.Unmarshal(entry.Value.([]byte), &effects); err != nil {
				return domain.NodeExecution{}, err
			}
			execution.InterruptHistories = append(execution.InterruptHistories, effects...)
		default:
			return domain.NodeExecution{}, fmt.Errorf("unsupported field %q", entry.Field)
		}
	}
	return execution, nil
}

type fakeMetadataRepo struct {
	records map[string]domain.PlanExecutionMetadata
}

func newFakeMetadataRepo(planExecutionIDs ...string) *fakeMetadataRepo {
	r := &fakeMetadataRepo{records: make(map[string]domain.PlanExecutionMetadata)}
	for _, id := range planExecutionIDs {
		r.records[id] = domain.PlanExecutionMetadata{
			PlanExecutionID: id,
			TriggerType:     "WEBHOOK",
			TriggerPayload:  json.RawMessage(`{"ref":"main"}`),
			CreatedAt:       time.Now().UTC(),
		}
	}
	return r
}

func (r *fakeMetadataRepo) FindByPlanExecutionID(ctx context.Context, planExecutionID string) (domain.PlanExecutionMetadata, error) {
	metadata, ok := r.records[planExecutionID]
	if !ok {
		return domain.PlanExecutionMetadata{}, repo.ErrNotFound
	}
	return metadata, nil
}

type fakeEmitter struct {
	events []events.Event
}

func (e *fakeEmitter) Emit(ctx context.Context, event events.Event) error {
	e.events = append(e.events, event)
	return nil
}

type fakeLogPublisher struct {
	starts        []string
	updates       []string
	statusUpdates []string
}

func (p *fakeLogPublisher) OnNodeStart(ctx context.Context, execution domain.NodeExecution) {
	p.starts = append(p.starts, execution.ID)
}

func (p *fakeLogPublisher) OnNodeUpdate(ctx context.Context, execution domain.NodeExecution) {
	p.updates = append(p.updates, execution.ID)
}

func (p *fakeLogPublisher) OnNodeStatusUpdate(ctx context.Context, execution domain.NodeExecution) {
	p.statusUpdates = append(p.statusUpdates, execution.ID)
}

type recordingObserver struct {
	starts        []string
	updates       []string
	statusUpdates []string
}

func (o *recordingObserver) OnNodeStart(ctx context.Context, info NodeStartInfo) {
	o.starts = append(o.starts, info.NodeExecution.ID)
}

func (o *recordingObserver) OnNodeUpdate(ctx context.Context, info NodeUpdateInfo) {
	o.updates = append(o.updates, info.NodeExecution.ID)
}

func (o *recordingObserver) OnNodeStatusUpdate(ctx context.Context, info NodeUpdateInfo) {
	o.statusUpdates = append(o.statusUpdates, info.NodeExecution.ID)
}

func newTestService(nodes *fakeNodeRepo, metadata *fakeMetadataRepo) (*Service, *fakeEmitter, *fakeLogPublisher, *recordingObserver) {
	emitter := &fakeEmitter{}
	logs := &fakeLogPublisher{}
	service := New(nodes, metadata, emitter, logs, "cd", nil)
	observer := &recordingObserver{}
	service.Observers().RegisterNodeStart(observer)
	service.Observers().RegisterNodeStatusUpdate(observer)
	service.Observers().RegisterNodeUpdate(observer)
	return service, emitter, logs, observer
}
