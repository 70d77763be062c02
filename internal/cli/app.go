// Package cli implements the warden subcommands.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/clawinfra/warden/internal/approver"
	"github.com/clawinfra/warden/internal/checkpoint"
	"github.com/clawinfra/warden/internal/classify"
	"github.com/clawinfra/warden/internal/config"
	"github.com/clawinfra/warden/internal/ledger"
	"github.com/clawinfra/warden/internal/queue"
	"github.com/clawinfra/warden/internal/sandbox"
	"github.com/clawinfra/warden/internal/scope"
)

// App holds the wired runtime components the subcommands operate on.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Classifier  *classify.Classifier
	Queue       *queue.Queue
	Ledger      *ledger.Ledger
	Checkpoints *checkpoint.Store
	Tokens      *approver.Manager // nil when no secret is configured
}

// buildApp loads configuration and wires every component.
func buildApp(configPath string) (*App, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Server.LogLevel)

	classifier := classify.New()
	if cfg.RulesFile != "" {
		if err := classifier.LoadRules(cfg.RulesFile); err != nil {
			return nil, fmt.Errorf("load classifier rules: %w", err)
		}
	}

	checks, err := checkpoint.New(checkpoint.Config{
		DBPath:    cfg.CheckpointDB(),
		BlobDir:   cfg.BlobDir(),
		Retention: time.Duration(cfg.Checkpoints.RetentionDays) * 24 * time.Hour,
		MaxLoose:  cfg.Checkpoints.MaxLooseBackups,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	led, err := ledger.New(cfg.LedgerDB(), logger)
	if err != nil {
		checks.Close()
		return nil, err
	}

	exec := sandbox.New(sandbox.Config{
		Limits: sandbox.Limits{
			CPUSeconds:    uint64(cfg.Sandbox.CPUSeconds),
			MemoryBytes:   uint64(cfg.Sandbox.MemoryMb) << 20,
			OpenFiles:     uint64(cfg.Sandbox.OpenFiles),
			FileSizeBytes: uint64(cfg.Sandbox.FileSizeMb) << 20,
		},
		MaxOutputBytes: cfg.Sandbox.MaxOutputKb << 10,
		KillGrace:      time.Duration(cfg.Sandbox.KillGraceSecs) * time.Second,
		SensitiveEnv:   cfg.Sandbox.SensitiveEnv,
		Logger:         logger,
	}, classifier)

	q, err := queue.New(queue.Config{
		DBPath:     cfg.QueueDB(),
		DefaultTTL: time.Duration(cfg.Queue.DefaultTTLHours) * time.Hour,
		Logger:     logger,
	}, classifier, exec, checks, led)
	if err != nil {
		led.Close()
		checks.Close()
		return nil, err
	}

	if policies, err := scope.LoadDir(cfg.ScopesDir); err == nil {
		for _, p := range policies {
			q.SetPolicy(p)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("scope policies not loaded", "dir", cfg.ScopesDir, "error", err)
	}

	app := &App{
		Config:      cfg,
		Logger:      logger,
		Classifier:  classifier,
		Queue:       q,
		Ledger:      led,
		Checkpoints: checks,
	}
	if cfg.Approver.Secret != "" {
		mgr, err := approver.NewManager([]byte(cfg.Approver.Secret), cfg.Approver.Issuer,
			time.Duration(cfg.Approver.TTLHours)*time.Hour)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Tokens = mgr
	}
	return app, nil
}

// Close releases every store.
func (a *App) Close() {
	if a.Queue != nil {
		a.Queue.Close()
	}
	if a.Ledger != nil {
		a.Ledger.Close()
	}
	if a.Checkpoints != nil {
		a.Checkpoints.Close()
	}
}

// identity resolves who is deciding. With a token manager configured the
// token is mandatory; otherwise the bare name is trusted, which is only
// acceptable for single-user setups.
func (a *App) identity(token, name string) (*approver.Identity, error) {
	if a.Tokens != nil {
		if token == "" {
			return nil, fmt.Errorf("an approver token is required, create one with 'warden token'")
		}
		return a.Tokens.Verify(token)
	}
	if name == "" {
		return nil, fmt.Errorf("--as <name> is required when no approver secret is configured")
	}
	return &approver.Identity{Name: name}, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}
