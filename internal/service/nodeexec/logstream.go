package nodeexec

import (
	"context"
	"log/slog"

	"github.com/pipewright-labs/pipewright-go/internal/domain"
)

// LogPublisher is the internal audit/log side-channel. OnNodeUpdate is only
// invoked when an update touches graph fields; OnNodeStart and
// OnNodeStatusUpdate are always invoked for their operations.
type LogPublisher interface {
	OnNodeStart(ctx context.Context, execution domain.NodeExecution)
	OnNodeUpdate(ctx context.Context, execution domain.NodeExecution)
	OnNodeStatusUpdate(ctx context.Context, execution domain.NodeExecution)
}

// SlogPublisher publishes the internal log stream as structured log lines.
type SlogPublisher struct {
	logger *slog.Logger
}

func NewSlogPublisher(logger *slog.Logger) *SlogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogPublisher{logger: logger}
}

func (p *SlogPublisher) OnNodeStart(ctx context.Context, execution domain.NodeExecution) {
	p.logger.InfoContext(ctx, "node execution started",
		"node_execution_id", execution.ID,
		"plan_execution_id", execution.PlanExecutionID,
		"identifier", execution.Identifier,
		"status", string(execution.Status),
	)
}

func (p *SlogPublisher) OnNodeUpdate(ctx context.Context, execution domain.NodeExecution) {
	p.logger.InfoContext(ctx, "node execution updated",
		"node_execution_id", execution.ID,
		"plan_execution_id", execution.PlanExecutionID,
	)
}

func (p *SlogPublisher) OnNodeStatusUpdate(ctx context.Context, execution domain.NodeExecution) {
	p.logger.InfoContext(ctx, "node execution status updated",
		"node_execution_id", execution.ID,
		"plan_execution_id", execution.PlanExecutionID,
		"status", string(execution.Status),
	)
}
