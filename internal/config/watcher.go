package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Watcher monitors the config file and the scopes directory for changes
// using mtime polling, which works on every filesystem the tool runs on.
type Watcher struct {
	paths    []string
	interval time.Duration
	logger   *slog.Logger
	onChange func(path string)
	stop     chan struct{}
	once     sync.Once
	lastMod  map[string]time.Time
}

// NewWatcher creates a watcher over one or more files or directories. For
// a directory, the newest mtime of its immediate entries counts.
func NewWatcher(paths []string, interval time.Duration, logger *slog.Logger, onChange func(path string)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		paths:    paths,
		interval: interval,
		logger:   logger,
		onChange: onChange,
		stop:     make(chan struct{}),
		lastMod:  make(map[string]time.Time),
	}
}

// Start begins polling in a goroutine.
func (w *Watcher) Start() {
	for _, p := range w.paths {
		w.lastMod[p] = latestMod(p)
	}
	go w.poll()
}

// Stop halts polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			for _, p := range w.paths {
				mod := latestMod(p)
				if mod.After(w.lastMod[p]) {
					w.lastMod[p] = mod
					w.logger.Info("change detected", "path", p)
					w.onChange(p)
				}
			}
		}
	}
}

func latestMod(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	if !info.IsDir() {
		return info.ModTime()
	}

	latest := info.ModTime()
	entries, err := os.ReadDir(path)
	if err != nil {
		return latest
	}
	for _, entry := range entries {
		fi, err := os.Stat(filepath.Join(path, entry.Name()))
		if err != nil {
			continue
		}
		if fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
	}
	return latest
}
