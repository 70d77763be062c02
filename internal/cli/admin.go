package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/clawinfra/warden/internal/config"
	"github.com/clawinfra/warden/internal/scope"
)

// SweepCommand handles 'warden sweep': expire stale requests, purge old
// checkpoints and archive terminal queue rows once.
func SweepCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	ctx := context.Background()
	expired, err := app.Queue.SweepExpired(ctx)
	if err != nil {
		return fail(err)
	}
	stalled, err := app.Queue.RecoverStalled(ctx)
	if err != nil {
		return fail(err)
	}
	purged, err := app.Checkpoints.PurgeExpired(ctx)
	if err != nil {
		return fail(err)
	}
	archived, err := app.Queue.ArchiveOld(ctx, time.Duration(app.Config.Queue.ArchiveDays)*24*time.Hour)
	if err != nil {
		return fail(err)
	}

	fmt.Printf("expired %d requests, failed %d abandoned executions, purged %d checkpoints, archived %d terminal requests\n",
		expired, stalled, purged, archived)
	return 0
}

// ServeCommand handles 'warden serve': run the sweeper in the foreground
// and hot-reload scope policies when their files change.
func ServeCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	if err := app.Queue.StartSweeper(app.Config.Queue.SweepSchedule); err != nil {
		return fail(err)
	}

	watcher := config.NewWatcher([]string{app.Config.ScopesDir}, 5*time.Second, app.Logger, func(string) {
		policies, err := scope.LoadDir(app.Config.ScopesDir)
		if err != nil {
			app.Logger.Error("policy reload failed", "error", err)
			return
		}
		for _, p := range policies {
			app.Queue.SetPolicy(p)
		}
		app.Logger.Info("scope policies reloaded", "count", len(policies))
	})
	watcher.Start()
	defer watcher.Stop()

	app.Logger.Info("warden running", "scopes_dir", app.Config.ScopesDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	app.Logger.Info("shutting down")
	return 0
}

// InitCommand handles 'warden init': write a starter config and an
// example scope policy.
func InitCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite existing files")
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}

	if _, err := os.Stat(configPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "%s already exists, use --force to overwrite\n", configPath)
		return 1
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(configPath); err != nil {
		return fail(err)
	}

	if err := os.MkdirAll(cfg.ScopesDir, 0o750); err != nil {
		return fail(err)
	}
	examplePath := filepath.Join(cfg.ScopesDir, "default.toml")
	if _, err := os.Stat(examplePath); os.IsNotExist(err) || *force {
		example := `# Scope policy. Preset seeds the flags, explicit keys override.
preset = "normal"
allowed_paths = ["./"]
max_timeout_secs = 300
`
		if err := os.WriteFile(examplePath, []byte(example), 0o644); err != nil {
			return fail(err)
		}
	}

	fmt.Printf("wrote %s and %s\n", configPath, examplePath)
	return 0
}
