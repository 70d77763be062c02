package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/clawinfra/warden/internal/classify"
	"github.com/clawinfra/warden/internal/ledger"
	"github.com/clawinfra/warden/internal/sandbox"
	"github.com/clawinfra/warden/internal/scope"
)

// Execute runs an approved request. Only one caller can win the
// approved-to-executing transition, so double execution is impossible even
// with concurrent callers.
func (q *Queue) Execute(ctx context.Context, id string) (*Request, error) {
	ok, err := q.store.casStatus(ctx, id, []Status{StatusApproved}, StatusExecuting,
		map[string]any{"executing_since": fmtTime(time.Now().UTC())})
	if err != nil {
		return nil, err
	}
	if !ok {
		current, gerr := q.store.get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: request %s is %s, only approved requests execute", ErrInvalidTransition, id, current.Status)
	}

	req, err := q.store.get(ctx, id)
	if err != nil {
		return nil, err
	}
	policy, err := q.PolicyFor(req.ScopeID)
	if err != nil {
		// No policy anymore; the request cannot run.
		q.store.casStatus(ctx, id, []Status{StatusExecuting}, StatusFailed,
			map[string]any{"decision_note": err.Error()})
		return nil, err
	}

	if err := q.runExecution(ctx, req, policy, req.DecidedBy); err != nil {
		return nil, err
	}
	return q.store.get(ctx, id)
}

// ExecuteAsync runs an approved request on the queue's worker group. The
// returned channel yields the final request or the execution error.
func (q *Queue) ExecuteAsync(id string) <-chan AsyncResult {
	ch := make(chan AsyncResult, 1)
	q.group.Go(func() error {
		req, err := q.Execute(context.Background(), id)
		ch <- AsyncResult{Request: req, Err: err}
		return nil
	})
	return ch
}

// AsyncResult is the outcome of an ExecuteAsync call.
type AsyncResult struct {
	Request *Request
	Err     error
}

// Wait blocks until all async executions have finished.
func (q *Queue) Wait() { q.group.Wait() }

// runExecution performs the sandboxed run for a request already in
// executing status and records every side effect.
func (q *Queue) runExecution(ctx context.Context, req *Request, policy *scope.Policy, actor string) error {
	runCtx, cancel := context.WithCancel(ctx)
	q.running.Store(req.ID, cancel)
	defer func() {
		cancel()
		q.running.Delete(req.ID)
	}()

	cls := q.classifier.Classify(req.Command)

	checkpointID := q.maybeCheckpoint(runCtx, req, policy, cls)

	outcome, err := q.executor.Execute(runCtx, sandbox.Request{
		Command:    req.Command,
		WorkingDir: req.WorkingDir,
		Timeout:    req.Timeout,
	}, policy)
	if err != nil {
		// Pre-spawn validation failure. Nothing ran.
		q.store.casStatus(ctx, req.ID, []Status{StatusExecuting}, StatusFailed, map[string]any{
			"decision_note": err.Error(),
			"executed_at":   fmtTime(time.Now().UTC()),
			"checkpoint_id": checkpointID,
		})
		q.auditOutcome(ctx, req, actor, &sandbox.Outcome{Status: sandbox.StatusFailure, Error: err.Error()})
		return err
	}

	ledgerID := q.auditOutcome(ctx, req, actor, outcome)

	if checkpointID != "" && q.checkpoints != nil {
		if err := q.checkpoints.AddCommandLog(runCtx, checkpointID, req.Command,
			string(outcome.Status), cls.Kind != classify.KindShell); err != nil {
			q.logger.Warn("command log append failed", "checkpoint", checkpointID, "error", err)
		}
	}

	rolledBack := false
	if outcome.Status != sandbox.StatusSuccess && policy.AutoRollbackOnError && checkpointID != "" && q.checkpoints != nil {
		if res, err := q.checkpoints.Rollback(context.WithoutCancel(ctx), checkpointID); err != nil {
			q.logger.Error("auto-rollback failed", "checkpoint", checkpointID, "error", err)
		} else {
			rolledBack = res.FilesRestored+res.FilesRemoved > 0
			q.logger.Info("auto-rollback done",
				"checkpoint", checkpointID, "restored", res.FilesRestored, "removed", res.FilesRemoved)
		}
	}
	if rolledBack && ledgerID != "" && q.ledger != nil {
		if err := q.ledger.MarkRolledBack(ctx, ledgerID); err != nil {
			q.logger.Warn("ledger rollback flag failed", "ledger_id", ledgerID, "error", err)
		}
	}

	final := StatusExecuted
	if outcome.Status != sandbox.StatusSuccess {
		final = StatusFailed
	}
	_, err = q.store.casStatus(context.WithoutCancel(ctx), req.ID, []Status{StatusExecuting}, final, map[string]any{
		"executed_at":   fmtTime(time.Now().UTC()),
		"checkpoint_id": checkpointID,
		"ledger_id":     ledgerID,
		"outcome_json":  marshalOutcome(outcome),
	})
	if err != nil {
		return err
	}

	q.logger.Info("execution finished",
		"id", req.ID, "status", final, "outcome", outcome.Status, "rolled_back", rolledBack)
	return nil
}

// maybeCheckpoint creates a checkpoint before running anything that can
// mutate files, backing up every path the command references inside the
// scope's writable roots.
func (q *Queue) maybeCheckpoint(ctx context.Context, req *Request, policy *scope.Policy, cls classify.Classification) string {
	if q.checkpoints == nil {
		return ""
	}
	needsCheckpoint := cls.Risk >= classify.RiskModerate || policy.RequireDryRunFirst
	if !needsCheckpoint {
		return ""
	}

	id, err := q.checkpoints.CreateCheckpoint(ctx, req.ScopeID, "before "+req.Command)
	if err != nil {
		q.logger.Error("checkpoint creation failed", "request", req.ID, "error", err)
		return ""
	}

	for _, p := range cls.Paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(req.WorkingDir, p)
		}
		if ok, _ := policy.CanModifyPath(p); !ok {
			continue
		}
		if err := q.checkpoints.AddFileBackup(ctx, id, p); err != nil {
			q.logger.Warn("file backup failed", "checkpoint", id, "path", p, "error", err)
		}
	}
	return id
}

func (q *Queue) auditOutcome(ctx context.Context, req *Request, actor string, outcome *sandbox.Outcome) string {
	if q.ledger == nil {
		return ""
	}
	id, err := q.ledger.Log(context.WithoutCancel(ctx), ledger.Record{
		ScopeID:   req.ScopeID,
		RequestID: req.ID,
		Command:   req.Command,
		Risk:      req.Risk,
		Status:    string(outcome.Status),
		ExitCode:  outcome.ExitCode,
		Duration:  outcome.Duration,
		Approver:  actor,
		Error:     outcome.Error,
	})
	if err != nil {
		q.logger.Error("ledger append failed", "request", req.ID, "error", err)
		return ""
	}
	return id
}
