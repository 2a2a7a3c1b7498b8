package nodeexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pipewright-labs/pipewright-go/internal/domain"
	"github.com/pipewright-labs/pipewright-go/internal/events"
)

const testPlan = "plan-1"

func stepExecution(id string, status domain.Status) domain.NodeExecution {
	return domain.NodeExecution{
		ID:              id,
		PlanExecutionID: testPlan,
		NodeID:          "node-" + id,
		Identifier:      id,
		StepCategory:    domain.CategoryStep,
		Mode:            domain.ModeSync,
		Status:          status,
		Ambiance:        domain.Ambiance{PlanExecutionID: testPlan},
	}
}

func TestSaveNewExecutionEmitsStartEventOnce(t *testing.T) {
	nodes := newFakeNodeRepo()
	service, emitter, logs, observer := newTestService(nodes, newFakeMetadataRepo(testPlan))

	execution := stepExecution("", domain.StatusQueued)
	execution.Version = 0
	execution.ResolvedStepParameters = json.RawMessage(`{"timeout":"10m"}`)

	saved, err := service.Save(context.Background(), execution)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.ID == "" {
		t.Fatalf("expected assigned execution id")
	}
	if saved.Version != 1 {
		t.Fatalf("expected version 1, got %d", saved.Version)
	}

	if len(emitter.events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(emitter.events))
	}
	event := emitter.events[0]
	if event.EventType != events.EventTypeNodeExecutionStart {
		t.Fatalf("expected start event, got %s", event.EventType)
	}
	if string(event.ResolvedStepParameters) != `{"timeout":"10m"}` {
		t.Fatalf("expected serialized step parameters on start event")
	}
	if string(event.TriggerPayload) != `{"ref":"main"}` {
		t.Fatalf("expected trigger payload recovered from plan metadata")
	}
	if len(observer.starts) != 1 || observer.starts[0] != saved.ID {
		t.Fatalf("expected one start observer callback, got %v", observer.starts)
	}
	if len(logs.starts) != 1 {
		t.Fatalf("expected one internal start log, got %d", len(logs.starts))
	}
}

func TestSaveVersionedExecutionEmitsStatusUpdate(t *testing.T) {
	existing := stepExecution("exec-1", domain.StatusQueued)
	nodes := newFakeNodeRepo(existing)
	service, emitter, _, observer := newTestService(nodes, newFakeMetadataRepo(testPlan))

	persisted, _ := nodes.get("exec-1")
	persisted.PreviousID = "exec-0"
	saved, err := service.Save(context.Background(), persisted)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Version != 2 {
		t.Fatalf("expected version bump, got %d", saved.Version)
	}
	if len(emitter.events) != 1 || emitter.events[0].EventType != events.EventTypeNodeExecutionStatusUpdate {
		t.Fatalf("expected a single status-update event, got %v", emitter.events)
	}
	if len(observer.starts) != 0 {
		t.Fatalf("re-save must not fire the start observer")
	}
}

func TestSaveSurvivesMissingPlanMetadata(t *testing.T) {
	nodes := newFakeNodeRepo()
	service, emitter, _, _ := newTestService(nodes, newFakeMetadataRepo())

	execution := stepExecution("exec-1", domain.StatusQueued)
	execution.Version = 0
	saved, err := service.Save(context.Background(), execution)
	if err != nil {
		t.Fatalf("save must not fail on emission problems: %v", err)
	}
	if _, ok := nodes.get(saved.ID); !ok {
		t.Fatalf("expected record persisted")
	}
	if len(emitter.events) != 0 {
		t.Fatalf("expected no event without plan metadata")
	}
}

func TestUpdateStatusWithUpdateGuardedByStartSet(t *testing.T) {
	nodes := newFakeNodeRepo(stepExecution("exec-1", domain.StatusQueued))
	service, _, logs, observer := newTestService(nodes, newFakeMetadataRepo(testPlan))

	updated, err := service.UpdateStatusWithUpdate(context.Background(), "exec-1", domain.StatusRunning,
		domain.NewMutation().SetStartTS(time.Now()))
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated == nil || updated.Status != domain.StatusRunning {
		t.Fatalf("expected successful transition to RUNNING")
	}
	persisted, _ := nodes.get("exec-1")
	if persisted.Status != domain.StatusRunning {
		t.Fatalf("expected persisted RUNNING, got %s", persisted.Status)
	}
	if persisted.StartTS == nil {
		t.Fatalf("expected start timestamp applied with the transition")
	}
	if len(observer.statusUpdates) != 1 {
		t.Fatalf("expected one status observer callback")
	}
	if len(logs.statusUpdates) != 1 {
		t.Fatalf("expected one internal status log")
	}
}

func TestUpdateStatusWithUpdateLostRaceIsSilent(t *testing.T) {
	nodes := newFakeNodeRepo(stepExecution("exec-1", domain.StatusSucceeded))
	service, emitter, _, observer := newTestService(nodes, newFakeMetadataRepo(testPlan))

	updated, err := service.UpdateStatusWithUpdate(context.Background(), "exec-1", domain.StatusRunning, nil)
	if err != nil {
		t.Fatalf("lost race must not be an error: %v", err)
	}
	if updated != nil {
		t.Fatalf("expected nil result on lost race")
	}
	persisted, _ := nodes.get("exec-1")
	if persisted.Status != domain.StatusSucceeded {
		t.Fatalf("loser must not change persisted status, got %s", persisted.Status)
	}
	if len(emitter.events) != 0 || len(observer.statusUpdates) != 0 {
		t.Fatalf("lost race must not notify anyone")
	}
}

func TestUpdateStatusWithUpdateOverrideSet(t *testing.T) {
	nodes := newFakeNodeRepo(stepExecution("exec-1", domain.StatusSucceeded))
	service, _, _, _ := newTestService(nodes, newFakeMetadataRepo(testPlan))

	updated, err := service.UpdateStatusWithUpdate(context.Background(), "exec-1", domain.StatusRunning, nil,
		WithOverrideStartSet(domain.NewStatusSet(domain.StatusSucceeded)))
	if err != nil {
		t.Fatalf("transition with override: %v", err)
	}
	if updated == nil || updated.Status != domain.StatusRunning {
		t.Fatalf("expected override to permit the transition")
	}
}

func TestStatusUpdateEventFilter(t *testing.T) {
	step := stepExecution("step-1", domain.StatusQueued)
	stage := stepExecution("stage-1", domain.StatusQueued)
	stage.StepCategory = domain.CategoryStage
	stage.Mode = domain.ModeChild

	nodes := newFakeNodeRepo(step, stage)
	service, emitter, _, _ := newTestService(nodes, newFakeMetadataRepo(testPlan))
	ctx := context.Background()

	// step to a non-terminal status: no event
	if _, err := service.UpdateStatusWithUpdate(ctx, "step-1", domain.StatusRunning, nil); err != nil {
		t.Fatalf("step transition: %v", err)
	}
	if len(emitter.events) != 0 {
		t.Fatalf("step-level non-terminal transition must not emit")
	}

	// step to a terminal status: event
	if _, err := service.UpdateStatusWithUpdate(ctx, "step-1", domain.StatusSucceeded, nil); err != nil {
		t.Fatalf("step terminal transition: %v", err)
	}
	if len(emitter.events) != 1 {
		t.Fatalf("terminal transition must emit, got %d events", len(emitter.events))
	}

	// stage to a non-terminal status: event
	if _, err := service.UpdateStatusWithUpdate(ctx, "stage-1", domain.StatusRunning, nil); err != nil {
		t.Fatalf("stage transition: %v", err)
	}
	if len(emitter.events) != 2 {
		t.Fatalf("stage transition must emit, got %d events", len(emitter.events))
	}
}

func TestGetAllRejectsOversizedBatchBeforeStoreCall(t *testing.T) {
	nodes := newFakeNodeRepo()
	service, _, _, _ := newTestService(nodes, newFakeMetadataRepo(testPlan))

	ids := make([]string, MaxBatchSize+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("exec-%d", i)
	}
	_, err := service.GetAll(context.Background(), ids, domain.NewFieldSet(domain.FieldStatus))
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if nodes.calls != 0 {
		t.Fatalf("expected no store call, got %d", nodes.calls)
	}
}

func TestMultiResultQueriesRejectEmptyProjection(t *testing.T) {
	nodes := newFakeNodeRepo()
	service, _, _, _ := newTestService(nodes, newFakeMetadataRepo(testPlan))
	ctx := context.Background()

	if _, err := service.GetAll(ctx, []string{"exec-1"}, domain.FieldSet{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("GetAll: expected invalid request, got %v", err)
	}
	if _, err := service.FetchChildren(ctx, testPlan, "parent", domain.FieldSet{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("FetchChildren: expected invalid request, got %v", err)
	}
	if _, err := service.FetchWithoutOldRetriesAndStatusIn(ctx, testPlan, domain.NewStatusSet(domain.StatusFailed), domain.FieldSet{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("FetchWithoutOldRetries: expected invalid request, got %v", err)
	}
	if nodes.calls != 0 {
		t.Fatalf("expected no store calls, got %d", nodes.calls)
	}
}

func TestUpdateNonGraphFieldSkipsLogPublish(t *testing.T) {
	nodes := newFakeNodeRepo(stepExecution("exec-1", domain.StatusRunning))
	service, _, logs, observer := newTestService(nodes, newFakeMetadataRepo(testPlan))

	mutation := domain.NewMutation().SetNextID("exec-2")
	if _, err := service.Update(context.Background(), "exec-1", mutation, domain.NewFieldSet(domain.FieldNextID)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(logs.updates) != 0 {
		t.Fatalf("non-graph update must not publish an internal log")
	}
	if len(observer.updates) != 1 {
		t.Fatalf("update observer must fire regardless")
	}

	graphMutation := domain.NewMutation().SetFailureInfo(json.RawMessage(`{"message":"boom"}`))
	if _, err := service.Update(context.Background(), "exec-1", graphMutation, domain.NewFieldSet(domain.FieldFailureInfo)); err != nil {
		t.Fatalf("graph update: %v", err)
	}
	if len(logs.updates) != 1 {
		t.Fatalf("graph-field update must publish an internal log")
	}
}

func TestUpdateMissingExecutionFailsTyped(t *testing.T) {
	nodes := newFakeNodeRepo()
	service, _, _, _ := newTestService(nodes, newFakeMetadataRepo(testPlan))

	_, err := service.Update(context.Background(), "ghost", domain.NewMutation().SetNextID("x"), domain.NewFieldSet(domain.FieldNextID))
	if !errors.Is(err, ErrUpdateFailed) {
		t.Fatalf("expected update-failed, got %v", err)
	}
}

func TestMarkRetriedAndRelationshipRewrite(t *testing.T) {
	old := stepExecution("exec-old", domain.StatusFailed)
	follower := stepExecution("exec-follow", domain.StatusQueued)
	follower.PreviousID = "exec-old"
	nodes := newFakeNodeRepo(old, follower)
	service, _, _, _ := newTestService(nodes, newFakeMetadataRepo(testPlan))
	ctx := context.Background()

	if !service.MarkRetried(ctx, "exec-old") {
		t.Fatalf("mark retried failed")
	}
	persisted, _ := nodes.get("exec-old")
	if !persisted.OldRetry {
		t.Fatalf("expected old retry flag set")
	}

	if !service.UpdateRelationshipsForRetryNode(ctx, "exec-old", "exec-new") {
		t.Fatalf("relationship rewrite failed")
	}
	rewired, _ := nodes.get("exec-follow")
	if rewired.PreviousID != "exec-new" {
		t.Fatalf("expected previous id rewritten, got %s", rewired.PreviousID)
	}
}

func TestMarkRetriedMissingExecutionReturnsFalse(t *testing.T) {
	service, _, _, _ := newTestService(newFakeNodeRepo(), newFakeMetadataRepo(testPlan))
	if service.MarkRetried(context.Background(), "ghost") {
		t.Fatalf("expected false for missing execution")
	}
}

func TestErrorOutActiveNodes(t *testing.T) {
	executions := []domain.NodeExecution{
		stepExecution("a", domain.StatusRunning),
		stepExecution("b", domain.StatusAsyncWaiting),
		stepExecution("c", domain.StatusTaskWaiting),
		stepExecution("d", domain.StatusPaused),
		stepExecution("e", domain.StatusDiscontinuing),
		stepExecution("f", domain.StatusSucceeded),
		stepExecution("g", domain.StatusFailed),
	}
	nodes := newFakeNodeRepo(executions...)
	service, _, _, _ := newTestService(nodes, newFakeMetadataRepo(testPlan))

	if !service.ErrorOutActiveNodes(context.Background(), testPlan) {
		t.Fatalf("expected error-out to succeed")
	}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		persisted, _ := nodes.get(id)
		if persisted.Status != domain.StatusErrored {
			t.Fatalf("expected %s errored, got %s", id, persisted.Status)
		}
		if persisted.EndTS == nil {
			t.Fatalf("expected end timestamp on %s", id)
		}
	}
	for id, want := range map[string]domain.Status{"f": domain.StatusSucceeded, "g": domain.StatusFailed} {
		persisted, _ := nodes.get(id)
		if persisted.Status != want {
			t.Fatalf("terminal %s must stay %s, got %s", id, want, persisted.Status)
		}
	}
}

func TestMarkAllLeavesAndQueuedNodesDiscontinuing(t *testing.T) {
	leaf := stepExecution("leaf", domain.StatusRunning)
	queued := stepExecution("queued", domain.StatusQueued)
	queued.Mode = domain.ModeChildren // queued branch ignores mode and statuses
	oldRetry := stepExecution("old", domain.StatusRunning)
	oldRetry.OldRetry = true
	fanOut := stepExecution("fanout", domain.StatusRunning)
	fanOut.Mode = domain.ModeChildren

	nodes := newFakeNodeRepo(leaf, queued, oldRetry, fanOut)
	service, _, _, _ := newTestService(nodes, newFakeMetadataRepo(testPlan))

	count := service.MarkAllLeavesAndQueuedNodesDiscontinuing(context.Background(), testPlan,
		domain.NewStatusSet(domain.StatusRunning))
	if count != 2 {
		t.Fatalf("expected 2 discontinued, got %d", count)
	}
	for _, id := range []string{"leaf", "queued"} {
		persisted, _ := nodes.get(id)
		if persisted.Status != domain.StatusDiscontinuing {
			t.Fatalf("expected %s discontinuing, got %s", id, persisted.Status)
		}
	}
	for _, id := range []string{"old", "fanout"} {
		persisted, _ := nodes.get(id)
		if persisted.Status == domain.StatusDiscontinuing {
			t.Fatalf("%s must not be discontinued", id)
		}
	}
}

func TestMarkLeavesDiscontinuing(t *testing.T) {
	nodes := newFakeNodeRepo(
		stepExecution("a", domain.StatusRunning),
		stepExecution("b", domain.StatusSucceeded),
	)
	service, _, _, _ := newTestService(nodes, newFakeMetadataRepo(testPlan))

	// unconditioned on prior status: terminal b flips too
	count := service.MarkLeavesDiscontinuing(context.Background(), testPlan, []string{"a", "b"})
	if count != 2 {
		t.Fatalf("expected 2 discontinued, got %d", count)
	}
}

func TestConcurrentTransitionsExactlyOneWins(t *testing.T) {
	nodes := newFakeNodeRepo(stepExecution("exec-1", domain.StatusDiscontinuing))
	service, _, _, _ := newTestService(nodes, newFakeMetadataRepo(testPlan))
	ctx := context.Background()

	first, err := service.UpdateStatusWithUpdate(ctx, "exec-1", domain.StatusAborted, nil)
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	second, err := service.UpdateStatusWithUpdate(ctx, "exec-1", domain.StatusErrored, nil)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if first == nil || second != nil {
		t.Fatalf("expected first to win and second to lose")
	}
	persisted, _ := nodes.get("exec-1")
	if persisted.Status != domain.StatusAborted {
		t.Fatalf("store must hold the winner's status, got %s", persisted.Status)
	}
}
