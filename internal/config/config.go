// Package config loads the warden configuration file. Settings live in a
// single JSON document; scope policies are separate TOML files under the
// scopes directory so they can be edited and reloaded independently.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all warden configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Approval queue settings
	Queue QueueConfig `json:"queue"`

	// Sandboxed execution settings
	Sandbox SandboxConfig `json:"sandbox"`

	// Checkpoint and backup retention
	Checkpoints CheckpointConfig `json:"checkpoints"`

	// Approver token settings
	Approver ApproverConfig `json:"approver"`

	// Extra classifier rules (YAML), optional
	RulesFile string `json:"rulesFile,omitempty"`

	// Directory of per-scope policy TOML files
	ScopesDir string `json:"scopesDir"`
}

type ServerConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
}

type QueueConfig struct {
	DefaultTTLHours int    `json:"defaultTtlHours"`
	SweepSchedule   string `json:"sweepSchedule"` // cron or "@every" syntax
	ArchiveDays     int    `json:"archiveDays"`
}

type SandboxConfig struct {
	CPUSeconds     int      `json:"cpuSeconds"`
	MemoryMb       int      `json:"memoryMb"`
	OpenFiles      int      `json:"openFiles"`
	FileSizeMb     int      `json:"fileSizeMb"`
	MaxOutputKb    int      `json:"maxOutputKb"`
	KillGraceSecs  int      `json:"killGraceSecs"`
	SensitiveEnv   []string `json:"sensitiveEnv,omitempty"` // stripped on top of the built-in set
	MaxFileReadMb  int      `json:"maxFileReadMb"`
}

type CheckpointConfig struct {
	RetentionDays   int `json:"retentionDays"`
	MaxLooseBackups int `json:"maxLooseBackups"`
}

type ApproverConfig struct {
	Secret   string `json:"secret,omitempty"` // HMAC secret, WARDEN_APPROVER_SECRET overrides
	Issuer   string `json:"issuer"`
	TTLHours int    `json:"ttlHours"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			DataDir:  "./data",
			LogLevel: "info",
		},
		Queue: QueueConfig{
			DefaultTTLHours: 24,
			SweepSchedule:   "@every 1m",
			ArchiveDays:     30,
		},
		Sandbox: SandboxConfig{
			CPUSeconds:    300,
			MemoryMb:      2048,
			OpenFiles:     1024,
			FileSizeMb:    512,
			MaxOutputKb:   1024,
			KillGraceSecs: 3,
			MaxFileReadMb: 10,
		},
		Checkpoints: CheckpointConfig{
			RetentionDays:   7,
			MaxLooseBackups: 500,
		},
		Approver: ApproverConfig{
			Issuer:   "warden",
			TTLHours: 24,
		},
		ScopesDir: "./scopes",
	}
}

// Load reads the config file, filling any omitted fields with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// The approver secret never belongs in the file on shared machines.
	if env := os.Getenv("WARDEN_APPROVER_SECRET"); env != "" {
		cfg.Approver.Secret = env
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads the file when it exists, otherwise returns defaults
// with the data directory created.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := os.MkdirAll(cfg.Server.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// QueueDB returns the path of the approval queue database.
func (c *Config) QueueDB() string { return filepath.Join(c.Server.DataDir, "queue.db") }

// LedgerDB returns the path of the audit ledger database.
func (c *Config) LedgerDB() string { return filepath.Join(c.Server.DataDir, "ledger.db") }

// CheckpointDB returns the path of the checkpoint metadata database.
func (c *Config) CheckpointDB() string { return filepath.Join(c.Server.DataDir, "checkpoints.db") }

// BlobDir returns the directory holding backup bytes.
func (c *Config) BlobDir() string { return filepath.Join(c.Server.DataDir, "backups") }
