package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pipewright-labs/pipewright-go/internal/domain"
)

// PlanMetadataStore resolves the metadata record created when a plan
// execution starts.
type PlanMetadataStore struct {
	db DB
}

const selectPlanMetadataQuery = `SELECT plan_execution_id, trigger_type, triggered_by, trigger_payload, created_at
FROM plan_execution_metadata
WHERE plan_execution_id = $1`

func NewPlanMetadataStore(db DB) *PlanMetadataStore {
	if db == nil {
		return nil
	}
	return &PlanMetadataStore{db: db}
}

func (s *PlanMetadataStore) FindByPlanExecutionID(ctx context.Context, planExecutionID string) (domain.PlanExecutionMetadata, error) {
	if s == nil || s.db == nil {
		return domain.PlanExecutionMetadata{}, fmt.Errorf("plan metadata store not initialized")
	}
	planExecutionID = strings.TrimSpace(planExecutionID)
	if planExecutionID == "" {
		return domain.PlanExecutionMetadata{}, fmt.Errorf("plan execution id is required")
	}

	var metadata domain.PlanExecutionMetadata
	var triggerType, triggeredBy sql.NullString
	var payload []byte
	err := s.db.QueryRowContext(ctx, selectPlanMetadataQuery, planExecutionID).Scan(
		&metadata.PlanExecutionID,
		&triggerType,
		&triggeredBy,
		&payload,
		&metadata.CreatedAt,
	)
	if err != nil {
		return domain.PlanExecutionMetadata{}, handleNotFound(err)
	}
	metadata.TriggerType = triggerType.String
	metadata.TriggeredBy = triggeredBy.String
	metadata.TriggerPayload = payload
	return metadata, nil
}
