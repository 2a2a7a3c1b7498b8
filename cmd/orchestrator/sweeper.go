package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/pipewright-labs/pipewright-go/internal/archive"
	"github.com/pipewright-labs/pipewright-go/internal/repo"
	"github.com/pipewright-labs/pipewright-go/internal/service/nodeexec"
)

type recoverySweeperDeps struct {
	logger     *slog.Logger
	nodes      repo.NodeExecutionRepository
	service    *nodeexec.Service
	archiver   *archive.Archiver
	interval   time.Duration
	staleAfter time.Duration
}

// recoverySweeper finds plan executions whose active node executions have
// not been touched within the staleness window, errors those nodes out, and
// archives the plan. A crashed orchestrator leaves exactly this trail.
type recoverySweeper struct {
	recoverySweeperDeps
}

func startRecoverySweeper(ctx context.Context, deps recoverySweeperDeps) {
	if deps.nodes == nil || deps.service == nil {
		return
	}
	if deps.interval <= 0 {
		deps.interval = time.Minute
	}
	if deps.staleAfter <= 0 {
		deps.staleAfter = 30 * time.Minute
	}
	s := &recoverySweeper{recoverySweeperDeps: deps}
	go s.run(ctx)
}

func (s *recoverySweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *recoverySweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	planIDs, err := s.nodes.ListStalePlanExecutionIDs(ctx, cutoff)
	if err != nil {
		s.logger.Error("stale plan query failed", "error", err)
		return
	}

	for _, planID := range planIDs {
		if ctx.Err() != nil {
			return
		}
		s.recoverPlan(ctx, planID)
	}
}

func (s *recoverySweeper) recoverPlan(ctx context.Context, planExecutionID string) {
	if !s.service.ErrorOutActiveNodes(ctx, planExecutionID) {
		return
	}
	if s.archiver == nil {
		return
	}
	key, err := s.archiver.ArchivePlanExecution(ctx, planExecutionID)
	if err != nil {
		s.logger.Error("archive recovered plan failed",
			"plan_execution_id", planExecutionID, "error", err)
		return
	}
	s.logger.Info("recovered stale plan execution",
		"plan_execution_id", planExecutionID, "archive_key", key)
}
