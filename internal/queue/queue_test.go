package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/warden/internal/approver"
	"github.com/clawinfra/warden/internal/checkpoint"
	"github.com/clawinfra/warden/internal/ledger"
	"github.com/clawinfra/warden/internal/sandbox"
	"github.com/clawinfra/warden/internal/scope"
)

type fixture struct {
	q      *Queue
	led    *ledger.Ledger
	checks *checkpoint.Store
	root   string
}

func newFixture(t *testing.T, preset scope.Preset, ttl time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()
	root := t.TempDir()

	checks, err := checkpoint.New(checkpoint.Config{
		DBPath:  filepath.Join(dir, "checkpoints.db"),
		BlobDir: filepath.Join(dir, "blobs"),
	})
	if err != nil {
		t.Fatal(err)
	}
	led, err := ledger.New(filepath.Join(dir, "ledger.db"), nil)
	if err != nil {
		t.Fatal(err)
	}

	exec := sandbox.New(sandbox.Config{KillGrace: 200 * time.Millisecond}, nil)
	q, err := New(Config{
		DBPath:     filepath.Join(dir, "queue.db"),
		DefaultTTL: ttl,
	}, nil, exec, checks, led)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		q.Close()
		led.Close()
		checks.Close()
	})

	policy, err := scope.NewPolicy("test", preset)
	if err != nil {
		t.Fatal(err)
	}
	policy.AllowedPaths = []string{root}
	q.SetPolicy(policy)

	return &fixture{q: q, led: led, checks: checks, root: root}
}

func alice() *approver.Identity {
	return &approver.Identity{Name: "alice"}
}

func TestSubmit_SafeAutoExecutes(t *testing.T) {
	f := newFixture(t, scope.PresetNormal, time.Hour)
	ctx := context.Background()

	res, err := f.q.Submit(ctx, SubmitInput{
		ScopeID:    "test",
		Command:    "echo hello",
		WorkingDir: f.root,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.AutoExecuted {
		t.Fatal("safe command under normal scope must auto-execute")
	}
	if res.Request.Status != StatusExecuted {
		t.Fatalf("status = %s", res.Request.Status)
	}
	if !strings.Contains(res.Request.Outcome.Stdout, "hello") {
		t.Errorf("outcome stdout = %q", res.Request.Outcome.Stdout)
	}

	stats, err := f.led.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 {
		t.Errorf("ledger entries = %d, want 1", stats.Total)
	}
}

func TestSubmit_DangerousRequiresApproval(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, time.Hour)
	ctx := context.Background()

	res, err := f.q.Submit(ctx, SubmitInput{
		ScopeID:    "test",
		Command:    "rm -rf " + f.root + "/build",
		WorkingDir: f.root,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.AutoExecuted || res.Request.Status != StatusPending {
		t.Fatalf("dangerous command must queue pending, got %+v", res)
	}
	if res.Request.ExpiresAt.IsZero() {
		t.Error("pending request must have an expiry deadline")
	}

	pending, err := f.q.ListPending(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}
}

func TestSubmit_BlockedNeverQueued(t *testing.T) {
	f := newFixture(t, scope.PresetPermissive, time.Hour)
	ctx := context.Background()

	_, err := f.q.Submit(ctx, SubmitInput{
		ScopeID:    "test",
		Command:    "rm -rf /",
		WorkingDir: f.root,
	})
	if !errors.Is(err, ErrCommandBlocked) {
		t.Fatalf("got %v, want ErrCommandBlocked", err)
	}

	pending, _ := f.q.ListPending(ctx, "")
	if len(pending) != 0 {
		t.Error("blocked command must never be queued")
	}

	// The refusal itself is audited.
	stats, err := f.led.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.ByStatus["blocked"] != 1 {
		t.Errorf("ledger blocked entries = %d, want 1", stats.ByStatus["blocked"])
	}
}

func TestSubmit_PolicyViolationNeverQueued(t *testing.T) {
	f := newFixture(t, scope.PresetStrict, time.Hour)

	_, err := f.q.Submit(context.Background(), SubmitInput{
		ScopeID:    "test",
		Command:    "pip install requests",
		WorkingDir: f.root,
	})
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("got %v, want ErrPolicyViolation", err)
	}

	pending, _ := f.q.ListPending(context.Background(), "")
	if len(pending) != 0 {
		t.Error("refused command must never be queued")
	}
}

func TestSubmit_UnknownScope(t *testing.T) {
	f := newFixture(t, scope.PresetNormal, time.Hour)

	_, err := f.q.Submit(context.Background(), SubmitInput{
		ScopeID: "nope",
		Command: "echo hi",
	})
	if !errors.Is(err, ErrUnknownScope) {
		t.Errorf("got %v, want ErrUnknownScope", err)
	}
}

func TestSubmit_DryRunFirstQueuesSafeWithPreview(t *testing.T) {
	f := newFixture(t, scope.PresetStrict, time.Hour)

	res, err := f.q.Submit(context.Background(), SubmitInput{
		ScopeID:    "test",
		Command:    "git status",
		WorkingDir: f.root,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.AutoExecuted {
		t.Fatal("dry-run-first scope must not auto-execute even safe commands")
	}
	if res.Request.Status != StatusPending {
		t.Fatalf("status = %s", res.Request.Status)
	}
	if res.Request.DryRunPreview == nil || !res.Request.DryRunPreview.DryRun {
		t.Error("queued request should carry a dry-run preview")
	}
}

func TestApproveThenExecute(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, time.Hour)
	ctx := context.Background()

	target := filepath.Join(f.root, "out.txt")
	res, err := f.q.Submit(ctx, SubmitInput{
		ScopeID:    "test",
		Command:    "touch " + target,
		WorkingDir: f.root,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	id := res.Request.ID

	req, err := f.q.Approve(ctx, id, alice(), "lgtm")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if req.Status != StatusApproved || req.DecidedBy != "alice" {
		t.Fatalf("after approve: %+v", req)
	}

	req, err = f.q.Execute(ctx, id)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if req.Status != StatusExecuted {
		t.Fatalf("status = %s, outcome = %+v", req.Status, req.Outcome)
	}
	if _, err := os.Stat(target); err != nil {
		t.Error("command did not run")
	}
	if req.CheckpointID == "" {
		t.Error("moderate execution must create a checkpoint")
	}
	if req.LedgerID == "" {
		t.Error("execution must be in the ledger")
	}
}

func TestExecute_FailureRollsBack(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, time.Hour)
	ctx := context.Background()

	target := filepath.Join(f.root, "conf.txt")
	if err := os.WriteFile(target, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := f.q.Submit(ctx, SubmitInput{
		ScopeID:    "test",
		Command:    "echo broken > " + target + " && false",
		WorkingDir: f.root,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	id := res.Request.ID

	if _, err := f.q.Approve(ctx, id, alice(), ""); err != nil {
		t.Fatal(err)
	}
	req, err := f.q.Execute(ctx, id)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if req.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", req.Status)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "original" {
		t.Errorf("auto-rollback did not restore the file, content = %q", got)
	}

	recent, err := f.led.Recent(ctx, "test", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) == 0 || !recent[0].RolledBack {
		t.Error("ledger entry should be flagged rolled back")
	}
}

func TestReject(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, time.Hour)
	ctx := context.Background()

	res, _ := f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "mkdir xyz", WorkingDir: f.root})
	req, err := f.q.Reject(ctx, res.Request.ID, alice(), "not needed")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if req.Status != StatusRejected {
		t.Fatalf("status = %s", req.Status)
	}

	// Rejection is terminal.
	if _, err := f.q.Execute(ctx, req.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("execute after reject: got %v, want ErrInvalidTransition", err)
	}
	if _, err := f.q.Approve(ctx, req.ID, alice(), ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("approve after reject: got %v, want ErrInvalidTransition", err)
	}
}

func TestDecide_ScopeRestrictedApprover(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, time.Hour)
	ctx := context.Background()

	res, _ := f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "mkdir xyz", WorkingDir: f.root})
	outsider := &approver.Identity{Name: "bob", Scopes: []string{"other"}}

	if _, err := f.q.Approve(ctx, res.Request.ID, outsider, ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("got %v, want ErrForbidden", err)
	}
}

func TestExpiry_SweepAndLazy(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, 30*time.Millisecond)
	ctx := context.Background()

	a, _ := f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "mkdir a", WorkingDir: f.root})
	b, _ := f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "mkdir b", WorkingDir: f.root})
	time.Sleep(60 * time.Millisecond)

	n, err := f.q.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("swept = %d, want 2", n)
	}

	req, _ := f.q.Get(ctx, a.Request.ID)
	if req.Status != StatusExpired {
		t.Errorf("status = %s, want expired", req.Status)
	}

	// Approving an expired request is an invalid transition.
	if _, err := f.q.Approve(ctx, b.Request.ID, alice(), ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition", err)
	}
}

func TestExpiry_LazyWithoutSweep(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, 30*time.Millisecond)
	ctx := context.Background()

	res, _ := f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "mkdir c", WorkingDir: f.root})
	time.Sleep(60 * time.Millisecond)

	if _, err := f.q.Approve(ctx, res.Request.ID, alice(), ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
	req, _ := f.q.Get(ctx, res.Request.ID)
	if req.Status != StatusExpired {
		t.Errorf("late approval must expire the request, status = %s", req.Status)
	}
}

func TestConcurrentDecisions_OneWins(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, time.Hour)
	ctx := context.Background()

	res, _ := f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "mkdir d", WorkingDir: f.root})
	id := res.Request.ID

	const writers = 8
	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, results[i] = f.q.Approve(ctx, id, alice(), "")
			} else {
				_, results[i] = f.q.Reject(ctx, id, alice(), "")
			}
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func TestExecute_OnlyOnce(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, time.Hour)
	ctx := context.Background()

	res, _ := f.q.Submit(ctx, SubmitInput{
		ScopeID: "test", Command: "mkdir once", WorkingDir: f.root, Timeout: 10 * time.Second,
	})
	f.q.Approve(ctx, res.Request.ID, alice(), "")

	if _, err := f.q.Execute(ctx, res.Request.ID); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := f.q.Execute(ctx, res.Request.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second execute: got %v, want ErrInvalidTransition", err)
	}
}

func TestExecute_PendingRefused(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, time.Hour)
	ctx := context.Background()

	res, _ := f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "mkdir e", WorkingDir: f.root})
	if _, err := f.q.Execute(ctx, res.Request.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition", err)
	}
}

func TestExecuteAsync(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, time.Hour)
	ctx := context.Background()

	res, _ := f.q.Submit(ctx, SubmitInput{
		ScopeID: "test", Command: "mkdir async", WorkingDir: f.root, Timeout: 10 * time.Second,
	})
	f.q.Approve(ctx, res.Request.ID, alice(), "")

	out := <-f.q.ExecuteAsync(res.Request.ID)
	if out.Err != nil {
		t.Fatalf("async execute: %v", out.Err)
	}
	if out.Request.Status != StatusExecuted {
		t.Errorf("status = %s", out.Request.Status)
	}
}

func TestCancelPending(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, time.Hour)
	ctx := context.Background()

	res, _ := f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "mkdir f", WorkingDir: f.root})
	if err := f.q.Cancel(ctx, res.Request.ID, "changed my mind"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	req, _ := f.q.Get(ctx, res.Request.ID)
	if req.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", req.Status)
	}
	if !strings.Contains(req.DecisionNote, "cancelled") {
		t.Errorf("note = %q", req.DecisionNote)
	}
}

func TestCancelApprovedRefused(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, time.Hour)
	ctx := context.Background()

	res, _ := f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "mkdir keep", WorkingDir: f.root})
	if _, err := f.q.Approve(ctx, res.Request.ID, alice(), ""); err != nil {
		t.Fatal(err)
	}

	// An approved request is past its decision window; it runs or fails.
	if err := f.q.Cancel(ctx, res.Request.ID, "too late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
	req, _ := f.q.Get(ctx, res.Request.ID)
	if req.Status != StatusApproved {
		t.Errorf("status = %s, want approved", req.Status)
	}
}

func TestListPending_ExpiresStaleOnRead(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, 30*time.Millisecond)
	ctx := context.Background()

	res, _ := f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "mkdir stale", WorkingDir: f.root})
	time.Sleep(60 * time.Millisecond)

	pending, err := f.q.ListPending(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("stale request still listed as pending: %+v", pending[0])
	}
	req, _ := f.q.Get(ctx, res.Request.ID)
	if req.Status != StatusExpired {
		t.Errorf("status = %s, want expired", req.Status)
	}
}

func TestSubmit_JustificationAndTTL(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, time.Hour)
	ctx := context.Background()

	res, err := f.q.Submit(ctx, SubmitInput{
		ScopeID:       "test",
		Command:       "mkdir build",
		WorkingDir:    f.root,
		Justification: "set up the build tree",
		TTL:           15 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	req, err := f.q.Get(ctx, res.Request.ID)
	if err != nil {
		t.Fatal(err)
	}
	if req.Justification != "set up the build tree" {
		t.Errorf("justification = %q", req.Justification)
	}
	want := req.SubmittedAt.Add(15 * time.Minute)
	if !req.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %s, want %s", req.ExpiresAt, want)
	}
}

func TestSweep_RecoversAbandonedExecution(t *testing.T) {
	f := newFixture(t, scope.PresetDevelopment, time.Hour)
	ctx := context.Background()

	res, _ := f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "mkdir slow", WorkingDir: f.root})
	if _, err := f.q.Approve(ctx, res.Request.ID, alice(), ""); err != nil {
		t.Fatal(err)
	}

	// A supervisor that died mid-run leaves the request executing.
	ok, err := f.q.store.casStatus(ctx, res.Request.ID, []Status{StatusApproved}, StatusExecuting,
		map[string]any{"executing_since": fmtTime(time.Now().UTC().Add(-2 * time.Hour))})
	if err != nil || !ok {
		t.Fatalf("cas to executing: ok=%v err=%v", ok, err)
	}

	n, err := f.q.RecoverStalled(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	req, _ := f.q.Get(ctx, res.Request.ID)
	if req.Status != StatusFailed {
		t.Errorf("status = %s, want failed", req.Status)
	}
}

func TestStatsAndHistory(t *testing.T) {
	f := newFixture(t, scope.PresetNormal, time.Hour)
	ctx := context.Background()

	f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "echo a", WorkingDir: f.root, Timeout: 10 * time.Second})
	g, _ := f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "mkdir g", WorkingDir: f.root})
	h, _ := f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "mkdir h", WorkingDir: f.root})
	f.q.Approve(ctx, g.Request.ID, alice(), "")
	f.q.Reject(ctx, h.Request.ID, alice(), "")

	stats, err := f.q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Pending != 0 || stats.ByStatus[StatusExecuted] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByKind["file_create"] != 2 || stats.ByKind["shell"] != 1 {
		t.Errorf("by kind = %+v", stats.ByKind)
	}
	// One approval and one rejection decided; the auto-executed echo was
	// never a decision.
	if stats.ApprovalRate != 0.5 {
		t.Errorf("approval rate = %v, want 0.5", stats.ApprovalRate)
	}

	hist, err := f.q.History(ctx, "test", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 {
		t.Errorf("history = %d entries", len(hist))
	}
}

func TestArchiveOld(t *testing.T) {
	f := newFixture(t, scope.PresetNormal, time.Hour)
	ctx := context.Background()

	f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "echo a", WorkingDir: f.root, Timeout: 10 * time.Second})
	f.q.Submit(ctx, SubmitInput{ScopeID: "test", Command: "mkdir h", WorkingDir: f.root})
	time.Sleep(5 * time.Millisecond)

	n, err := f.q.ArchiveOld(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("archived = %d, want 1 (executed only)", n)
	}

	pending, _ := f.q.ListPending(ctx, "")
	if len(pending) != 1 {
		t.Error("pending requests must survive archiving")
	}
}
