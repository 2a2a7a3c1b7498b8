package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pipewright-labs/pipewright-go/internal/domain"
	"github.com/pipewright-labs/pipewright-go/internal/platform/objectstore"
	"github.com/pipewright-labs/pipewright-go/internal/repo"
)

const contentTypeNDJSON = "application/x-ndjson"

// Archiver snapshots a finished plan execution's full node execution set to
// object storage as an NDJSON object, keyed by plan execution id. Archiving
// is idempotent: a re-archive overwrites the previous object.
type Archiver struct {
	nodes  repo.NodeExecutionRepository
	store  objectstore.Store
	bucket string
	logger *slog.Logger
}

func NewArchiver(nodes repo.NodeExecutionRepository, store objectstore.Store, bucket string, logger *slog.Logger) *Archiver {
	if nodes == nil || store == nil || strings.TrimSpace(bucket) == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{nodes: nodes, store: store, bucket: bucket, logger: logger}
}

// ObjectKey returns the archive object key for a plan execution.
func ObjectKey(planExecutionID string) string {
	return fmt.Sprintf("plans/%s.ndjson", planExecutionID)
}

// ArchivePlanExecution exports every node execution of the plan, retries
// included, and uploads the result. Returns the object key written.
func (a *Archiver) ArchivePlanExecution(ctx context.Context, planExecutionID string) (string, error) {
	if strings.TrimSpace(planExecutionID) == "" {
		return "", fmt.Errorf("plan execution id is required")
	}

	executions, err := a.nodes.List(ctx, repo.NodeExecutionFilter{
		PlanExecutionID: planExecutionID,
	}, domain.AllPayloads)
	if err != nil {
		return "", fmt.Errorf("list node executions: %w", err)
	}
	if len(executions) == 0 {
		return "", fmt.Errorf("plan execution %s has no node executions", planExecutionID)
	}

	var buf bytes.Buffer
	exporter := NewNDJSONExporter(&buf)
	for _, execution := range executions {
		if err := exporter.Export(execution); err != nil {
			return "", fmt.Errorf("encode node execution %s: %w", execution.ID, err)
		}
	}

	key := ObjectKey(planExecutionID)
	if err := a.store.Put(ctx, a.bucket, key, &buf, int64(buf.Len()), contentTypeNDJSON); err != nil {
		return "", fmt.Errorf("upload archive %s: %w", key, err)
	}

	a.logger.InfoContext(ctx, "archived plan execution",
		"plan_execution_id", planExecutionID,
		"object_key", key,
		"node_executions", len(executions),
	)
	return key, nil
}
