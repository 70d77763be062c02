// Package queue implements the approval workflow for supervised command
// execution. Submitted commands are classified, checked against their
// scope's policy, then either run immediately, held for a human decision,
// or refused outright. Every attempt lands in the audit ledger.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/warden/internal/approver"
	"github.com/clawinfra/warden/internal/checkpoint"
	"github.com/clawinfra/warden/internal/classify"
	"github.com/clawinfra/warden/internal/ledger"
	"github.com/clawinfra/warden/internal/sandbox"
	"github.com/clawinfra/warden/internal/scope"
)

var (
	// ErrCommandBlocked means classification refused the command. Nothing
	// is queued.
	ErrCommandBlocked = errors.New("queue: command blocked")
	// ErrPolicyViolation means the scope's policy refused the command.
	// Nothing is queued.
	ErrPolicyViolation = errors.New("queue: policy violation")
	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = errors.New("queue: request not found")
	// ErrInvalidTransition means the request is not in a state the
	// operation accepts, for example deciding an already-decided request.
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	// ErrUnknownScope means no policy is registered for the scope.
	ErrUnknownScope = errors.New("queue: unknown scope")
	// ErrForbidden means the approver may not decide for this scope.
	ErrForbidden = errors.New("queue: approver not allowed for scope")
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusExpired, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// Request is one submitted command and everything decided about it.
type Request struct {
	ID             string           `json:"id"`
	ScopeID        string           `json:"scope_id"`
	Command        string           `json:"command"`
	WorkingDir     string           `json:"working_dir"`
	Risk           string           `json:"risk"`
	Kind           string           `json:"kind"`
	Reasoning      string           `json:"reasoning"`
	Justification  string           `json:"justification,omitempty"`
	Status         Status           `json:"status"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	ExpiresAt      time.Time        `json:"expires_at,omitempty"`
	DecidedAt      time.Time        `json:"decided_at,omitempty"`
	DecidedBy      string           `json:"decided_by,omitempty"`
	DecisionNote   string           `json:"decision_note,omitempty"`
	ExecutingSince time.Time        `json:"executing_since,omitempty"`
	ExecutedAt     time.Time        `json:"executed_at,omitempty"`
	CheckpointID   string           `json:"checkpoint_id,omitempty"`
	LedgerID       string           `json:"ledger_id,omitempty"`
	Outcome        *sandbox.Outcome `json:"outcome,omitempty"`
	DryRunPreview  *sandbox.Outcome `json:"dry_run_preview,omitempty"`
	Timeout        time.Duration    `json:"timeout,omitempty"`
}

// Stats is a point-in-time summary of the queue, computed on read. The
// approval rate covers human decisions only; auto-executed requests were
// never decided.
type Stats struct {
	ByStatus     map[Status]int `json:"by_status"`
	ByRisk       map[string]int `json:"by_risk"`
	ByKind       map[string]int `json:"by_kind"`
	Pending      int            `json:"pending"`
	Total        int            `json:"total"`
	ApprovalRate float64        `json:"approval_rate"`
}

// Config holds queue settings.
type Config struct {
	DBPath         string
	DefaultTTL     time.Duration // how long a pending request stays decidable
	StaleExecGrace time.Duration // executing requests older than this are failed by the sweep
	Logger         *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.StaleExecGrace <= 0 {
		c.StaleExecGrace = time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Queue wires classification, policy, sandboxed execution, checkpoints
// and the ledger into one approval workflow.
type Queue struct {
	cfg         Config
	store       *store
	classifier  *classify.Classifier
	executor    *sandbox.Executor
	checkpoints *checkpoint.Store
	ledger      *ledger.Ledger
	logger      *slog.Logger

	mu       sync.RWMutex
	policies map[string]*scope.Policy

	group   *errgroup.Group
	running sync.Map // request id -> context.CancelFunc

	sweeper *sweeper
}

// New opens the queue. The classifier may be nil for the default rule set.
func New(cfg Config, classifier *classify.Classifier, executor *sandbox.Executor, checkpoints *checkpoint.Store, led *ledger.Ledger) (*Queue, error) {
	cfg.applyDefaults()
	if classifier == nil {
		classifier = classify.New()
	}
	st, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	g := &errgroup.Group{}
	g.SetLimit(8)
	return &Queue{
		cfg:         cfg,
		store:       st,
		classifier:  classifier,
		executor:    executor,
		checkpoints: checkpoints,
		ledger:      led,
		logger:      cfg.Logger.With("component", "queue"),
		policies:    make(map[string]*scope.Policy),
		group:       g,
	}, nil
}

// Close stops background work and releases the database.
func (q *Queue) Close() error {
	q.StopSweeper()
	q.group.Wait()
	return q.store.close()
}

// SetPolicy registers or replaces the policy for a scope.
func (q *Queue) SetPolicy(p *scope.Policy) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.policies[p.ScopeID] = p
}

// PolicyFor returns the policy registered for a scope.
func (q *Queue) PolicyFor(scopeID string) (*scope.Policy, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.policies[scopeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScope, scopeID)
	}
	return p, nil
}

// SubmitInput describes a command submission.
type SubmitInput struct {
	ScopeID       string
	Command       string
	WorkingDir    string
	Justification string        // the proposer's stated reason, kept for the approver
	Timeout       time.Duration // execution timeout
	TTL           time.Duration // pending-decision window, zero means the queue default
}

// SubmitResult reports what happened to a submission.
type SubmitResult struct {
	Request      *Request
	AutoExecuted bool
}

// Submit classifies the command and routes it. Safe commands auto-execute
// when the scope allows it; anything needing approval is queued pending.
// Blocked commands and policy refusals return an error and are recorded in
// the ledger, never in the queue.
func (q *Queue) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	policy, err := q.PolicyFor(in.ScopeID)
	if err != nil {
		return nil, err
	}

	cls := q.classifier.Classify(in.Command)

	if cls.Risk == classify.RiskBlocked {
		q.auditRefusal(ctx, in, cls, "blocked", cls.Reasoning)
		return nil, fmt.Errorf("%w: %s", ErrCommandBlocked, cls.Reasoning)
	}
	if ok, reason := policy.CanExecute(cls); !ok {
		q.auditRefusal(ctx, in, cls, "refused", reason)
		return nil, fmt.Errorf("%w: %s", ErrPolicyViolation, reason)
	}

	now := time.Now().UTC()
	req := &Request{
		ID:            newRequestID(),
		ScopeID:       in.ScopeID,
		Command:       in.Command,
		WorkingDir:    in.WorkingDir,
		Risk:          cls.Risk.String(),
		Kind:          string(cls.Kind),
		Reasoning:     cls.Reasoning,
		Justification: in.Justification,
		SubmittedAt:   now,
		Timeout:       in.Timeout,
	}

	if cls.Risk == classify.RiskSafe && policy.AllowSafeAutoExecute && !policy.RequireDryRunFirst {
		return q.autoExecute(ctx, req, policy)
	}

	// Everything else waits for a decision. Scopes demanding a dry run
	// get a preview attached so the approver can see what would happen.
	ttl := in.TTL
	if ttl <= 0 {
		ttl = q.cfg.DefaultTTL
	}
	req.Status = StatusPending
	req.ExpiresAt = now.Add(ttl)
	if policy.RequireDryRunFirst && q.executor != nil {
		preview, err := q.executor.Execute(ctx, sandbox.Request{
			Command:    req.Command,
			WorkingDir: req.WorkingDir,
			Timeout:    req.Timeout,
			DryRun:     true,
		}, policy)
		if err == nil {
			req.DryRunPreview = preview
		}
	}

	if err := q.store.insert(ctx, req); err != nil {
		return nil, err
	}
	q.logger.Info("request queued",
		"id", req.ID, "scope", req.ScopeID, "risk", req.Risk, "expires_at", req.ExpiresAt)
	return &SubmitResult{Request: req}, nil
}

func (q *Queue) autoExecute(ctx context.Context, req *Request, policy *scope.Policy) (*SubmitResult, error) {
	req.Status = StatusExecuting
	req.ExecutingSince = req.SubmittedAt
	if err := q.store.insert(ctx, req); err != nil {
		return nil, err
	}
	if err := q.runExecution(ctx, req, policy, "auto"); err != nil {
		return nil, err
	}
	updated, err := q.store.get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Request: updated, AutoExecuted: true}, nil
}

// Approve moves a pending request to approved. The expiry deadline is
// enforced here as well as by the sweeper, so a stale pending request can
// never be approved.
func (q *Queue) Approve(ctx context.Context, id string, who *approver.Identity, note string) (*Request, error) {
	return q.decide(ctx, id, who, note, StatusApproved)
}

// Reject moves a pending request to rejected.
func (q *Queue) Reject(ctx context.Context, id string, who *approver.Identity, note string) (*Request, error) {
	return q.decide(ctx, id, who, note, StatusRejected)
}

func (q *Queue) decide(ctx context.Context, id string, who *approver.Identity, note string, to Status) (*Request, error) {
	req, err := q.store.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if who == nil {
		return nil, fmt.Errorf("%w: missing approver identity", ErrForbidden)
	}
	if !who.MayDecide(req.ScopeID) {
		return nil, fmt.Errorf("%w: %s may not decide for scope %s", ErrForbidden, who.Name, req.ScopeID)
	}

	now := time.Now().UTC()
	if req.Status == StatusPending && !req.ExpiresAt.IsZero() && now.After(req.ExpiresAt) {
		// Lazy expiry. The CAS keeps this safe against a concurrent sweeper.
		q.store.casStatus(ctx, id, []Status{StatusPending}, StatusExpired,
			map[string]any{"decision_note": "expired before decision"})
		return nil, fmt.Errorf("%w: request %s expired at %s", ErrInvalidTransition, id, req.ExpiresAt.Format(time.RFC3339))
	}

	ok, err := q.store.casStatus(ctx, id, []Status{StatusPending}, to, map[string]any{
		"decided_at":    fmtTime(now),
		"decided_by":    who.Name,
		"decision_note": note,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		current, gerr := q.store.get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: request %s is %s, not pending", ErrInvalidTransition, id, current.Status)
	}

	q.logger.Info("request decided", "id", id, "decision", to, "by", who.Name)
	return q.store.get(ctx, id)
}

// Cancel withdraws a request. Only pending requests can be withdrawn: an
// approved request is past its decision window and must run or fail. A
// running execution is signalled to stop instead.
func (q *Queue) Cancel(ctx context.Context, id, reason string) error {
	if cancel, ok := q.running.Load(id); ok {
		cancel.(context.CancelFunc)()
		return nil
	}

	ok, err := q.store.casStatus(ctx, id, []Status{StatusPending}, StatusRejected,
		map[string]any{
			"decided_at":    fmtTime(time.Now().UTC()),
			"decision_note": "cancelled: " + reason,
		})
	if err != nil {
		return err
	}
	if !ok {
		current, gerr := q.store.get(ctx, id)
		if gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: cannot cancel request in status %s", ErrInvalidTransition, current.Status)
	}
	q.logger.Info("request cancelled", "id", id, "reason", reason)
	return nil
}

// Get returns one request.
func (q *Queue) Get(ctx context.Context, id string) (*Request, error) {
	return q.store.get(ctx, id)
}

// ListPending returns undecided requests, oldest first. Stale requests are
// expired on read, so a caller never sees a request it could not decide.
func (q *Queue) ListPending(ctx context.Context, scopeID string) ([]*Request, error) {
	if _, err := q.store.sweepExpired(ctx, time.Now().UTC()); err != nil {
		return nil, err
	}
	return q.store.listByStatus(ctx, StatusPending, scopeID)
}

// History returns recent requests in any status, newest first.
func (q *Queue) History(ctx context.Context, scopeID string, limit int) ([]*Request, error) {
	return q.store.history(ctx, scopeID, limit)
}

// Stats summarizes the queue's current contents.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	c, err := q.store.countGrouped(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		ByStatus: c.byStatus,
		ByRisk:   c.byRisk,
		ByKind:   c.byKind,
		Pending:  c.byStatus[StatusPending],
	}
	for _, n := range c.byStatus {
		stats.Total += n
	}
	if c.decided > 0 {
		stats.ApprovalRate = float64(c.approved) / float64(c.decided)
	}
	return stats, nil
}

// ArchiveOld deletes terminal requests submitted before the cutoff. The
// ledger keeps the durable audit trail.
func (q *Queue) ArchiveOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := q.store.archiveOld(ctx, time.Now().UTC().Add(-olderThan))
	if err == nil && n > 0 {
		q.logger.Info("requests archived", "count", n)
	}
	return n, err
}

func (q *Queue) auditRefusal(ctx context.Context, in SubmitInput, cls classify.Classification, status, reason string) {
	if q.ledger == nil {
		return
	}
	if _, err := q.ledger.Log(ctx, ledger.Record{
		ScopeID: in.ScopeID,
		Command: in.Command,
		Risk:    cls.Risk.String(),
		Status:  status,
		Error:   reason,
	}); err != nil {
		q.logger.Error("ledger append failed", "error", err)
	}
}

func newRequestID() string {
	return fmt.Sprintf("req_%s_%s", time.Now().UTC().Format("20060102_150405"), uuid.New().String()[:8])
}
