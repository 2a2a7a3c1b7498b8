package archive

import (
	"encoding/json"
	"io"

	"github.com/pipewright-labs/pipewright-go/internal/domain"
)

// NDJSONExporter writes node execution records as newline-delimited JSON,
// one execution per line, in the order given.
type NDJSONExporter struct {
	enc *json.Encoder
}

func NewNDJSONExporter(w io.Writer) *NDJSONExporter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	return &NDJSONExporter{enc: enc}
}

func (e *NDJSONExporter) Export(execution domain.NodeExecution) error {
	return e.enc.Encode(exportRecordFromDomain(execution))
}

type exportRecord struct {
	NodeExecutionID string `json:"node_execution_id"`
	PlanExecutionID string `json:"plan_execution_id"`
	ParentID        string `json:"parent_id,omitempty"`
	PreviousID      string `json:"previous_id,omitempty"`
	NextID          string `json:"next_id,omitempty"`
	OldRetry        bool   `json:"old_retry"`

	NodeID       string `json:"node_id"`
	Identifier   string `json:"identifier"`
	Name         string `json:"name,omitempty"`
	StageFQN     string `json:"stage_fqn,omitempty"`
	StepCategory string `json:"step_category"`
	Mode         string `json:"mode"`
	Status       string `json:"status"`
	Module       string `json:"module,omitempty"`
	Version      int64  `json:"version"`

	CreatedAt     string `json:"created_at"`
	StartTS       string `json:"start_ts,omitempty"`
	EndTS         string `json:"end_ts,omitempty"`
	LastUpdatedAt string `json:"last_updated_at"`

	ResolvedStepParameters json.RawMessage          `json:"resolved_step_parameters,omitempty"`
	ExecutableResponses    json.RawMessage          `json:"executable_responses,omitempty"`
	ProgressData           json.RawMessage          `json:"progress_data,omitempty"`
	UnitProgresses         json.RawMessage          `json:"unit_progresses,omitempty"`
	FailureInfo            json.RawMessage          `json:"failure_info,omitempty"`
	AdviserResponse        json.RawMessage          `json:"adviser_response,omitempty"`
	InterruptHistories     []domain.InterruptEffect `json:"interrupt_histories,omitempty"`
}

func exportRecordFromDomain(execution domain.NodeExecution) exportRecord {
	record := exportRecord{
		NodeExecutionID:        execution.ID,
		PlanExecutionID:        execution.PlanExecutionID,
		ParentID:               execution.ParentID,
		PreviousID:             execution.PreviousID,
		NextID:                 execution.NextID,
		OldRetry:               execution.OldRetry,
		NodeID:                 execution.NodeID,
		Identifier:             execution.Identifier,
		Name:                   execution.Name,
		StageFQN:               execution.StageFQN,
		StepCategory:           string(execution.StepCategory),
		Mode:                   string(execution.Mode),
		Status:                 string(execution.Status),
		Module:                 execution.Module,
		Version:                execution.Version,
		CreatedAt:              execution.CreatedAt.UTC().Format(timeFormatRFC3339Nano),
		LastUpdatedAt:          execution.LastUpdatedAt.UTC().Format(timeFormatRFC3339Nano),
		ResolvedStepParameters: execution.ResolvedStepParameters,
		ExecutableResponses:    execution.ExecutableResponses,
		ProgressData:           execution.ProgressData,
		UnitProgresses:         execution.UnitProgresses,
		FailureInfo:            execution.FailureInfo,
		AdviserResponse:        execution.AdviserResponse,
		InterruptHistories:     execution.InterruptHistories,
	}
	if execution.StartTS != nil {
		record.StartTS = execution.StartTS.UTC().Format(timeFormatRFC3339Nano)
	}
	if execution.EndTS != nil {
		record.EndTS = execution.EndTS.UTC().Format(timeFormatRFC3339Nano)
	}
	return record
}

const timeFormatRFC3339Nano = "2006-01-02T15:04:05.999999999Z07:00"
