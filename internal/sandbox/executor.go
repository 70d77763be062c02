// Package sandbox runs shell commands under resource limits with their
// environment scrubbed of secrets. Every execution is re-validated against
// the current rules immediately before the process is spawned.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/clawinfra/warden/internal/classify"
	"github.com/clawinfra/warden/internal/scope"
)

var (
	// ErrPathRejected means the working directory failed validation. It is
	// always raised before any process is spawned.
	ErrPathRejected = errors.New("sandbox: working directory rejected")
	// ErrCommandBlocked means re-validation found the command unrunnable.
	ErrCommandBlocked = errors.New("sandbox: command blocked")
)

// Status is the terminal state of one execution attempt.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusTimeout   Status = "timeout"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
)

// Outcome captures everything observable about one execution.
type Outcome struct {
	Status    Status        `json:"status"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	DryRun    bool          `json:"dry_run,omitempty"`
}

// Limits bounds the resources of a spawned process. Zero fields are not
// applied.
type Limits struct {
	CPUSeconds    uint64
	MemoryBytes   uint64
	OpenFiles     uint64
	FileSizeBytes uint64
}

// Config holds executor settings.
type Config struct {
	Limits         Limits
	MaxOutputBytes int           // per stream, excess is truncated
	KillGrace      time.Duration // between SIGTERM and SIGKILL
	SensitiveEnv   []string      // extra env names to strip
	Logger         *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 1 << 20
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Executor runs commands through the system shell.
type Executor struct {
	cfg        Config
	classifier *classify.Classifier
	logger     *slog.Logger
}

// New builds an executor that re-validates with the given classifier.
func New(cfg Config, classifier *classify.Classifier) *Executor {
	cfg.applyDefaults()
	if classifier == nil {
		classifier = classify.New()
	}
	return &Executor{
		cfg:        cfg,
		classifier: classifier,
		logger:     cfg.Logger.With("component", "sandbox"),
	}
}

// Request describes one command to run.
type Request struct {
	Command    string
	WorkingDir string
	Timeout    time.Duration
	DryRun     bool
}

// Execute runs the request under the scope policy. The command is
// re-classified here even if it was classified at submission, so rule
// changes between approval and execution take effect. The working
// directory is validated before anything is spawned.
func (e *Executor) Execute(ctx context.Context, req Request, policy *scope.Policy) (*Outcome, error) {
	workDir, err := e.validateWorkingDir(req.WorkingDir, policy)
	if err != nil {
		return nil, err
	}

	cls := e.classifier.Classify(req.Command)
	if cls.Risk == classify.RiskBlocked {
		e.logger.Warn("command refused at spawn time", "command", req.Command, "reasoning", cls.Reasoning)
		return &Outcome{
			Status: StatusBlocked,
			Error:  fmt.Sprintf("%v: %s", ErrCommandBlocked, cls.Reasoning),
		}, nil
	}
	if ok, reason := policy.CanExecute(cls); !ok {
		return &Outcome{
			Status: StatusBlocked,
			Error:  fmt.Sprintf("%v: %s", ErrCommandBlocked, reason),
		}, nil
	}

	timeout := req.Timeout
	if timeout <= 0 || (policy.MaxTimeout > 0 && timeout > policy.MaxTimeout) {
		timeout = policy.MaxTimeout
	}

	if req.DryRun {
		return e.dryRun(req.Command, workDir, cls), nil
	}

	return e.run(ctx, req.Command, workDir, timeout)
}

func (e *Executor) validateWorkingDir(dir string, policy *scope.Policy) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("%w: no working directory given", ErrPathRejected)
	}
	canonical, err := scope.Canonicalize(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathRejected, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathRejected, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrPathRejected, canonical)
	}
	if ok, reason := policy.CanModifyPath(canonical); !ok {
		return "", fmt.Errorf("%w: %s", ErrPathRejected, reason)
	}
	return canonical, nil
}

func (e *Executor) run(ctx context.Context, command, workDir string, timeout time.Duration) (*Outcome, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := shellCommand(command)
	cmd.Dir = workDir
	cmd.Env = BuildEnv(e.cfg.SensitiveEnv)
	setProcAttr(cmd)

	var stdout, stderr cappedBuffer
	stdout.limit = e.cfg.MaxOutputBytes
	stderr.limit = e.cfg.MaxOutputBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &Outcome{
			Status:   StatusFailure,
			ExitCode: -1,
			Error:    fmt.Sprintf("spawn failed: %v", err),
		}, nil
	}

	// Prlimit lands on the shell after Start; a process the shell forks
	// in that window begins unconstrained. The wall-clock timeout on the
	// whole group still bounds it.
	if err := applyLimits(cmd.Process.Pid, e.cfg.Limits); err != nil {
		e.logger.Warn("resource limits not applied", "pid", cmd.Process.Pid, "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	var interrupted Status
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		if ctx.Err() != nil {
			interrupted = StatusCancelled
		} else {
			interrupted = StatusTimeout
		}
		signalGroup(cmd, false)
		select {
		case waitErr = <-done:
		case <-time.After(e.cfg.KillGrace):
			signalGroup(cmd, true)
			waitErr = <-done
		}
	}
	elapsed := time.Since(start)

	out := &Outcome{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  elapsed,
		Truncated: stdout.truncated || stderr.truncated,
	}

	switch {
	case interrupted == StatusTimeout:
		out.Status = StatusTimeout
		out.ExitCode = -1
		out.Error = fmt.Sprintf("timed out after %s", timeout)
	case interrupted == StatusCancelled:
		out.Status = StatusCancelled
		out.ExitCode = -1
		out.Error = "cancelled"
	case waitErr == nil:
		out.Status = StatusSuccess
	default:
		out.Status = StatusFailure
		out.ExitCode = exitCode(waitErr)
		out.Error = waitErr.Error()
	}

	e.logger.Debug("command finished",
		"status", out.Status, "exit_code", out.ExitCode, "duration", elapsed)
	return out, nil
}

func (e *Executor) dryRun(command, workDir string, cls classify.Classification) *Outcome {
	var b strings.Builder
	fmt.Fprintf(&b, "dry run, nothing executed\n")
	fmt.Fprintf(&b, "command: %s\n", command)
	fmt.Fprintf(&b, "working dir: %s\n", workDir)
	fmt.Fprintf(&b, "risk: %s\n", cls.Risk)
	if cls.Reasoning != "" {
		fmt.Fprintf(&b, "assessment: %s\n", cls.Reasoning)
	}
	if len(cls.Paths) > 0 {
		fmt.Fprintf(&b, "paths referenced: %s\n", strings.Join(cls.Paths, ", "))
	}
	if cls.Chained {
		fmt.Fprintf(&b, "note: command chains multiple segments\n")
	}
	return &Outcome{
		Status: StatusSuccess,
		Stdout: b.String(),
		DryRun: true,
	}
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// cappedBuffer keeps at most limit bytes and flags the overflow.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }
