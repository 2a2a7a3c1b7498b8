package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pipewright-labs/pipewright-go/internal/domain"
	"github.com/pipewright-labs/pipewright-go/internal/repo"
)

// NodeExecutionStore persists node executions in the node_executions table.
// Guarded status transitions compile to a single conditional UPDATE with a
// RETURNING clause, which is the store's atomic find-and-modify.
type NodeExecutionStore struct {
	db DB
}

func NewNodeExecutionStore(db DB) *NodeExecutionStore {
	if db == nil {
		return nil
	}
	return &NodeExecutionStore{db: db}
}

// coreColumns are always selected; projections only govern the large jsonb
// payload columns.
const coreColumns = `node_execution_id, plan_execution_id, parent_id, previous_id, next_id, old_retry,
	node_id, identifier, name, stage_fqn, step_category, mode, status, module,
	ambiance, version, created_at, start_ts, end_ts, last_updated_at`

const insertNodeExecutionQuery = `INSERT INTO node_executions (
	node_execution_id, plan_execution_id, parent_id, previous_id, next_id, old_retry,
	node_id, identifier, name, stage_fqn, step_category, mode, status, module,
	ambiance, version, created_at, start_ts, end_ts, last_updated_at,
	resolved_step_parameters, executable_responses, progress_data, unit_progresses,
	failure_info, adviser_response, interrupt_histories
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`

const replaceNodeExecutionQuery = `UPDATE node_executions SET
	parent_id = $2, previous_id = $3, next_id = $4, old_retry = $5,
	node_id = $6, identifier = $7, name = $8, stage_fqn = $9,
	step_category = $10, mode = $11, status = $12, module = $13,
	ambiance = $14, start_ts = $15, end_ts = $16, last_updated_at = $17,
	resolved_step_parameters = $18, executable_responses = $19, progress_data = $20,
	unit_progresses = $21, failure_info = $22, adviser_response = $23,
	interrupt_histories = $24, version = version + 1
WHERE node_execution_id = $1`

const markDiscontinuingPrefix = `UPDATE node_executions SET status = 'DISCONTINUING', last_updated_at = $1
WHERE plan_execution_id = $2 AND node_execution_id IN`

const rewritePreviousIDQuery = `UPDATE node_executions SET previous_id = $1, last_updated_at = $2
WHERE previous_id = $3`

var mutableColumns = map[domain.Field]struct{}{
	domain.FieldStatus:                 {},
	domain.FieldOldRetry:               {},
	domain.FieldPreviousID:             {},
	domain.FieldNextID:                 {},
	domain.FieldStartTS:                {},
	domain.FieldEndTS:                  {},
	domain.FieldLastUpdatedAt:          {},
	domain.FieldResolvedStepParameters: {},
	domain.FieldExecutableResponses:    {},
	domain.FieldProgressData:           {},
	domain.FieldUnitProgresses:         {},
	domain.FieldFailureInfo:            {},
	domain.FieldAdviserResponse:        {},
	domain.FieldInterruptHistories:     {},
}

func (s *NodeExecutionStore) FindByID(ctx context.Context, id string, fields domain.FieldSet) (domain.NodeExecution, error) {
	if s == nil || s.db == nil {
		return domain.NodeExecution{}, fmt.Errorf("node execution store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.NodeExecution{}, fmt.Errorf("node execution id is required")
	}
	query := `SELECT ` + selectColumns(fields) + ` FROM node_executions WHERE node_execution_id = $1`
	row := s.db.QueryRowContext(ctx, query, id)
	execution, err := scanNodeExecution(row, fields)
	if err != nil {
		return domain.NodeExecution{}, handleNotFound(err)
	}
	return execution, nil
}

func (s *NodeExecutionStore) FindAllByIDs(ctx context.Context, ids []string, fields domain.FieldSet) ([]domain.NodeExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("node execution store not initialized")
	}
	if len(ids) == 0 {
		return []domain.NodeExecution{}, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, strings.TrimSpace(id))
	}
	query := `SELECT ` + selectColumns(fields) + ` FROM node_executions WHERE node_execution_id IN (` +
		placeholderList(1, len(args)) + `) ORDER BY created_at ASC`
	return s.queryMany(ctx, query, args, fields)
}

func (s *NodeExecutionStore) List(ctx context.Context, filter repo.NodeExecutionFilter, fields domain.FieldSet) ([]domain.NodeExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("node execution store not initialized")
	}
	if strings.TrimSpace(filter.PlanExecutionID) == "" {
		return nil, fmt.Errorf("plan execution id is required")
	}

	clauses := make([]string, 0, 5)
	args := make([]any, 0, 8)

	args = append(args, strings.TrimSpace(filter.PlanExecutionID))
	clauses = append(clauses, fmt.Sprintf("plan_execution_id = $%d", len(args)))

	if strings.TrimSpace(filter.ParentID) != "" {
		args = append(args, strings.TrimSpace(filter.ParentID))
		clauses = append(clauses, fmt.Sprintf("parent_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statusPlaceholders := placeholderList(len(args)+1, len(filter.Statuses))
		args = append(args, statusArgs(filter.Statuses)...)
		clauses = append(clauses, "status IN ("+statusPlaceholders+")")
	}
	if filter.StepCategory != "" {
		args = append(args, string(filter.StepCategory))
		clauses = append(clauses, fmt.Sprintf("step_category = $%d", len(args)))
	}
	if filter.ExcludeOldRetry {
		clauses = append(clauses, "old_retry = FALSE")
	}

	query := `SELECT ` + selectColumns(fields) + ` FROM node_executions WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryMany(ctx, query, args, fields)
}

func (s *NodeExecutionStore) Insert(ctx context.Context, execution domain.NodeExecution) (domain.NodeExecution, error) {
	if s == nil || s.db == nil {
		return domain.NodeExecution{}, fmt.Errorf("node execution store not initialized")
	}
	if strings.TrimSpace(execution.ID) == "" {
		return domain.NodeExecution{}, fmt.Errorf("node execution id is required")
	}
	if strings.TrimSpace(execution.PlanExecutionID) == "" {
		return domain.NodeExecution{}, fmt.Errorf("plan execution id is required")
	}
	if execution.Status == "" {
		return domain.NodeExecution{}, fmt.Errorf("status is required")
	}

	now := time.Now().UTC()
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}
	execution.LastUpdatedAt = now
	execution.Version = 1

	ambianceJSON, err := encodeAmbiance(execution.Ambiance)
	if err != nil {
		return domain.NodeExecution{}, fmt.Errorf("encode ambiance: %w", err)
	}
	interruptsJSON, err := encodeInterruptHistories(execution.InterruptHistories)
	if err != nil {
		return domain.NodeExecution{}, fmt.Errorf("encode interrupt histories: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		insertNodeExecutionQuery,
		execution.ID,
		execution.PlanExecutionID,
		nullIfEmpty(execution.ParentID),
		nullIfEmpty(execution.PreviousID),
		nullIfEmpty(execution.NextID),
		execution.OldRetry,
		nullIfEmpty(execution.NodeID),
		nullIfEmpty(execution.Identifier),
		nullIfEmpty(execution.Name),
		nullIfEmpty(execution.StageFQN),
		nullIfEmpty(string(execution.StepCategory)),
		nullIfEmpty(string(execution.Mode)),
		string(execution.Status),
		nullIfEmpty(execution.Module),
		ambianceJSON,
		execution.Version,
		execution.CreatedAt,
		nullTime(execution.StartTS),
		nullTime(execution.EndTS),
		execution.LastUpdatedAt,
		rawOrNil(execution.ResolvedStepParameters),
		rawOrNil(execution.ExecutableResponses),
		rawOrNil(execution.ProgressData),
		rawOrNil(execution.UnitProgresses),
		rawOrNil(execution.FailureInfo),
		rawOrNil(execution.AdviserResponse),
		interruptsJSON,
	)
	if err != nil {
		return domain.NodeExecution{}, fmt.Errorf("insert node execution: %w", err)
	}
	return execution, nil
}

func (s *NodeExecutionStore) Replace(ctx context.Context, execution domain.NodeExecution) (domain.NodeExecution, error) {
	if s == nil || s.db == nil {
		return domain.NodeExecution{}, fmt.Errorf("node execution store not initialized")
	}
	if strings.TrimSpace(execution.ID) == "" {
		return domain.NodeExecution{}, fmt.Errorf("node execution id is required")
	}

	execution.LastUpdatedAt = time.Now().UTC()

	ambianceJSON, err := encodeAmbiance(execution.Ambiance)
	if err != nil {
		return domain.NodeExecution{}, fmt.Errorf("encode ambiance: %w", err)
	}
	interruptsJSON, err := encodeInterruptHistories(execution.InterruptHistories)
	if err != nil {
		return domain.NodeExecution{}, fmt.Errorf("encode interrupt histories: %w", err)
	}

	res, err := s.db.ExecContext(
		ctx,
		replaceNodeExecutionQuery,
		execution.ID,
		nullIfEmpty(execution.ParentID),
		nullIfEmpty(execution.PreviousID),
		nullIfEmpty(execution.NextID),
		execution.OldRetry,
		nullIfEmpty(execution.NodeID),
		nullIfEmpty(execution.Identifier),
		nullIfEmpty(execution.Name),
		nullIfEmpty(execution.StageFQN),
		nullIfEmpty(string(execution.StepCategory)),
		nullIfEmpty(string(execution.Mode)),
		string(execution.Status),
		nullIfEmpty(execution.Module),
		ambianceJSON,
		nullTime(execution.StartTS),
		nullTime(execution.EndTS),
		execution.LastUpdatedAt,
		rawOrNil(execution.ResolvedStepParameters),
		rawOrNil(execution.ExecutableResponses),
		rawOrNil(execution.ProgressData),
		rawOrNil(execution.UnitProgresses),
		rawOrNil(execution.FailureInfo),
		rawOrNil(execution.AdviserResponse),
		interruptsJSON,
	)
	if err != nil {
		return domain.NodeExecution{}, fmt.Errorf("replace node execution: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return domain.NodeExecution{}, fmt.Errorf("replace node execution: %w", err)
	}
	if rows == 0 {
		return domain.NodeExecution{}, repo.ErrNotFound
	}
	execution.Version++
	return execution, nil
}

func (s *NodeExecutionStore) Update(ctx context.Context, id string, mutation *domain.Mutation, fields domain.FieldSet) (domain.NodeExecution, error) {
	if s == nil || s.db == nil {
		return domain.NodeExecution{}, fmt.Errorf("node execution store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.NodeExecution{}, fmt.Errorf("node execution id is required")
	}
	if mutation.Empty() {
		return domain.NodeExecution{}, fmt.Errorf("mutation is required")
	}

	setClause, args, err := renderMutation(mutation, 2)
	if err != nil {
		return domain.NodeExecution{}, err
	}
	query := `UPDATE node_executions SET ` + setClause +
		` WHERE node_execution_id = $1 RETURNING ` + selectColumns(fields)
	row := s.db.QueryRowContext(ctx, query, append([]any{id}, args...)...)
	execution, err := scanNodeExecution(row, fields)
	if err != nil {
		return domain.NodeExecution{}, handleNotFound(err)
	}
	return execution, nil
}

// UpdateConditional applies the mutation only while the current status is a
// member of allowed. A zero-row match is not an error: it means a concurrent
// writer advanced the status first, and matched=false reports that.
func (s *NodeExecutionStore) UpdateConditional(ctx context.Context, id string, allowed domain.StatusSet, mutation *domain.Mutation, fields domain.FieldSet) (domain.NodeExecution, bool, error) {
	if s == nil || s.db == nil {
		return domain.NodeExecution{}, false, fmt.Errorf("node execution store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.NodeExecution{}, false, fmt.Errorf("node execution id is required")
	}
	if allowed.Empty() {
		return domain.NodeExecution{}, false, fmt.Errorf("allowed start statuses are required")
	}
	if mutation.Empty() {
		return domain.NodeExecution{}, false, fmt.Errorf("mutation is required")
	}

	setClause, args, err := renderMutation(mutation, 2)
	if err != nil {
		return domain.NodeExecution{}, false, err
	}
	allArgs := append([]any{id}, args...)
	statusPlaceholders := placeholderList(len(allArgs)+1, allowed.Len())
	allArgs = append(allArgs, statusArgs(allowed.Statuses())...)

	query := `UPDATE node_executions SET ` + setClause +
		` WHERE node_execution_id = $1 AND status IN (` + statusPlaceholders +
		`) RETURNING ` + selectColumns(fields)
	row := s.db.QueryRowContext(ctx, query, allArgs...)
	execution, err := scanNodeExecution(row, fields)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NodeExecution{}, false, nil
		}
		return domain.NodeExecution{}, false, err
	}
	return execution, true, nil
}

func (s *NodeExecutionStore) MarkDiscontinuing(ctx context.Context, planExecutionID string, ids []string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("node execution store not initialized")
	}
	planExecutionID = strings.TrimSpace(planExecutionID)
	if planExecutionID == "" {
		return 0, fmt.Errorf("plan execution id is required")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(ids)+2)
	args = append(args, time.Now().UTC(), planExecutionID)
	placeholders := placeholderList(3, len(ids))
	for _, id := range ids {
		args = append(args, strings.TrimSpace(id))
	}

	res, err := s.db.ExecContext(ctx, markDiscontinuingPrefix+" ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("mark discontinuing: %w", err)
	}
	return res.RowsAffected()
}

func (s *NodeExecutionStore) MarkLeavesAndQueuedDiscontinuing(ctx context.Context, planExecutionID string, leafStatuses []domain.Status) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("node execution store not initialized")
	}
	planExecutionID = strings.TrimSpace(planExecutionID)
	if planExecutionID == "" {
		return 0, fmt.Errorf("plan execution id is required")
	}
	if len(leafStatuses) == 0 {
		return 0, fmt.Errorf("leaf statuses are required")
	}

	args := []any{time.Now().UTC(), planExecutionID}

	modes := domain.LeafModes()
	modePlaceholders := placeholderList(len(args)+1, len(modes))
	for _, mode := range modes {
		args = append(args, string(mode))
	}
	statusPlaceholders := placeholderList(len(args)+1, len(leafStatuses))
	args = append(args, statusArgs(leafStatuses)...)

	// Queued and input-waiting nodes discontinue regardless of the leaf
	// status filter: they have no executor to wind down.
	query := `UPDATE node_executions SET status = 'DISCONTINUING', last_updated_at = $1
WHERE plan_execution_id = $2 AND (
	(mode IN (` + modePlaceholders + `) AND status IN (` + statusPlaceholders + `) AND old_retry = FALSE)
	OR status IN ('QUEUED', 'INPUT_WAITING')
)`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark leaves and queued discontinuing: %w", err)
	}
	return res.RowsAffected()
}

func (s *NodeExecutionStore) RewritePreviousID(ctx context.Context, oldID, newID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("node execution store not initialized")
	}
	oldID = strings.TrimSpace(oldID)
	newID = strings.TrimSpace(newID)
	if oldID == "" || newID == "" {
		return 0, fmt.Errorf("old and new node execution ids are required")
	}
	res, err := s.db.ExecContext(ctx, rewritePreviousIDQuery, newID, time.Now().UTC(), oldID)
	if err != nil {
		return 0, fmt.Errorf("rewrite previous id: %w", err)
	}
	return res.RowsAffected()
}

func (s *NodeExecutionStore) ErrorOutActive(ctx context.Context, planExecutionID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("node execution store not initialized")
	}
	planExecutionID = strings.TrimSpace(planExecutionID)
	if planExecutionID == "" {
		return 0, fmt.Errorf("plan execution id is required")
	}

	now := time.Now().UTC()
	args := []any{now, now, planExecutionID}
	statuses := domain.ActiveStatuses.Statuses()
	statusPlaceholders := placeholderList(len(args)+1, len(statuses))
	args = append(args, statusArgs(statuses)...)

	query := `UPDATE node_executions SET status = 'ERRORED', end_ts = $1, last_updated_at = $2
WHERE plan_execution_id = $3 AND status IN (` + statusPlaceholders + `)`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("error out active nodes: %w", err)
	}
	return res.RowsAffected()
}

func (s *NodeExecutionStore) ListStalePlanExecutionIDs(ctx context.Context, updatedBefore time.Time) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("node execution store not initialized")
	}

	args := []any{updatedBefore.UTC()}
	statuses := domain.ActiveStatuses.Statuses()
	statusPlaceholders := placeholderList(len(args)+1, len(statuses))
	args = append(args, statusArgs(statuses)...)

	query := `SELECT plan_execution_id FROM node_executions
WHERE status IN (` + statusPlaceholders + `)
GROUP BY plan_execution_id HAVING MAX(last_updated_at) < $1`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale plan executions: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan plan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale plan executions: %w", err)
	}
	return ids, nil
}

func (s *NodeExecutionStore) queryMany(ctx context.Context, query string, args []any, fields domain.FieldSet) ([]domain.NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	defer rows.Close()

	executions := make([]domain.NodeExecution, 0)
	for rows.Next() {
		execution, err := scanNodeExecution(rows, fields)
		if err != nil {
			return nil, err
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	return executions, nil
}

func selectColumns(fields domain.FieldSet) string {
	columns := coreColumns
	for _, field := range domain.PayloadFields {
		if fields.Has(field) {
			columns += ", " + string(field)
		}
	}
	return columns
}

func renderMutation(mutation *domain.Mutation, argStart int) (string, []any, error) {
	fragments := make([]string, 0, len(mutation.Entries()))
	args := make([]any, 0, len(mutation.Entries()))
	for _, entry := range mutation.Entries() {
		if _, ok := mutableColumns[entry.Field]; !ok {
			return "", nil, fmt.Errorf("field %q is not mutable", entry.Field)
		}
		placeholder := fmt.Sprintf("$%d", argStart+len(args))
		column := string(entry.Field)
		switch entry.Op {
		case domain.OpSet:
			fragments = append(fragments, column+" = "+placeholder)
		case domain.OpAppend:
			if entry.Field != domain.FieldInterruptHistories {
				return "", nil, fmt.Errorf("field %q does not support append", entry.Field)
			}
			fragments = append(fragments, column+" = COALESCE("+column+", '[]'::jsonb) || "+placeholder+"::jsonb")
		default:
			return "", nil, fmt.Errorf("unsupported mutation op %d", entry.Op)
		}
		args = append(args, mutationArg(entry))
	}
	return strings.Join(fragments, ", "), args, nil
}

func mutationArg(entry domain.MutationEntry) any {
	switch value := entry.Value.(type) {
	case string:
		if entry.Field == domain.FieldPreviousID || entry.Field == domain.FieldNextID {
			return nullIfEmpty(value)
		}
		return value
	case []byte:
		return rawOrNil(value)
	default:
		return entry.Value
	}
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

type nodeExecutionScanner interface {
	Scan(dest ...any) error
}

func scanNodeExecution(scanner nodeExecutionScanner, fields domain.FieldSet) (domain.NodeExecution, error) {
	var execution domain.NodeExecution
	var parentID, previousID, nextID sql.NullString
	var nodeID, identifier, name, stageFQN sql.NullString
	var category, mode, status, module sql.NullString
	var ambianceJSON []byte
	var startTS, endTS sql.NullTime

	dests := []any{
		&execution.ID,
		&execution.PlanExecutionID,
		&parentID,
		&previousID,
		&nextID,
		&execution.OldRetry,
		&nodeID,
		&identifier,
		&name,
		&stageFQN,
		&category,
		&mode,
		&status,
		&module,
		&ambianceJSON,
		&execution.Version,
		&execution.CreatedAt,
		&startTS,
		&endTS,
		&execution.LastUpdatedAt,
	}

	payloads := make(map[domain.Field]*[]byte)
	for _, field := range domain.PayloadFields {
		if fields.Has(field) {
			raw := new([]byte)
			payloads[field] = raw
			dests = append(dests, raw)
		}
	}

	if err := scanner.Scan(dests...); err != nil {
		return domain.NodeExecution{}, err
	}

	execution.ParentID = parentID.String
	execution.PreviousID = previousID.String
	execution.NextID = nextID.String
	execution.NodeID = nodeID.String
	execution.Identifier = identifier.String
	execution.Name = name.String
	execution.StageFQN = stageFQN.String
	execution.StepCategory = domain.StepCategory(category.String)
	execution.Mode = domain.ExecutionMode(mode.String)
	execution.Status = domain.Status(status.String)
	execution.Module = module.String

	ambiance, err := decodeAmbiance(ambianceJSON)
	if err != nil {
		return domain.NodeExecution{}, err
	}
	execution.Ambiance = ambiance

	if startTS.Valid {
		t := startTS.Time.UTC()
		execution.StartTS = &t
	}
	if endTS.Valid {
		t := endTS.Time.UTC()
		execution.EndTS = &t
	}

	for field, raw := range payloads {
		switch field {
		case domain.FieldResolvedStepParameters:
			execution.ResolvedStepParameters = *raw
		case domain.FieldExecutableResponses:
			execution.ExecutableResponses = *raw
		case domain.FieldProgressData:
			execution.ProgressData = *raw
		case domain.FieldUnitProgresses:
			execution.UnitProgresses = *raw
		case domain.FieldFailureInfo:
			execution.FailureInfo = *raw
		case domain.FieldAdviserResponse:
			execution.AdviserResponse = *raw
		case domain.FieldInterruptHistories:
			effects, err := decodeInterruptHistories(*raw)
			if err != nil {
				return domain.NodeExecution{}, err
			}
			execution.InterruptHistories = effects
		}
	}
	return execution, nil
}
