package events

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// QueryRower is the narrow store handle the outbox needs.
type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OutboxEmitter appends orchestration events to the orchestration_events
// outbox table. A relay drains the table onto the external bus; from the
// orchestration core's perspective the append is the emission.
type OutboxEmitter struct {
	db QueryRower
}

const insertOrchestrationEventQuery = `INSERT INTO orchestration_events (
	occurred_at,
	event_type,
	node_execution_id,
	plan_execution_id,
	status,
	module_name,
	ambiance,
	resolved_step_parameters,
	trigger_payload,
	tags,
	integrity_sha256
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING event_id`

func NewOutboxEmitter(db QueryRower) *OutboxEmitter {
	if db == nil {
		return nil
	}
	return &OutboxEmitter{db: db}
}

func (e *OutboxEmitter) Emit(ctx context.Context, event Event) error {
	if e == nil || e.db == nil {
		return errors.New("outbox emitter not initialized")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return err
	}

	ambianceJSON, err := json.Marshal(event.Ambiance)
	if err != nil {
		return fmt.Errorf("marshal ambiance: %w", err)
	}
	tagsJSON, err := json.Marshal(event.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	integrity := computeIntegritySHA256(event, ambianceJSON)

	var eventID int64
	err = e.db.QueryRowContext(
		ctx,
		insertOrchestrationEventQuery,
		event.OccurredAt.UTC(),
		string(event.EventType),
		event.NodeExecutionID,
		event.Ambiance.PlanExecutionID,
		string(event.Status),
		event.ModuleName,
		ambianceJSON,
		rawOrNil(event.ResolvedStepParameters),
		rawOrNil(event.TriggerPayload),
		tagsJSON,
		integrity,
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("insert orchestration event: %w", err)
	}
	return nil
}

func computeIntegritySHA256(event Event, ambianceJSON []byte) string {
	h := sha256.New()
	fields := []string{
		event.OccurredAt.UTC().Format(time.RFC3339Nano),
		string(event.EventType),
		event.NodeExecutionID,
		event.Ambiance.PlanExecutionID,
		string(event.Status),
		event.ModuleName,
		string(ambianceJSON),
		strings.Join(event.Tags, ","),
	}
	for _, field := range fields {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	h.Write(event.ResolvedStepParameters)
	h.Write([]byte{0})
	h.Write(event.TriggerPayload)
	return hex.EncodeToString(h.Sum(nil))
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
