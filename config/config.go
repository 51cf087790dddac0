package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/runlet/runlet/internal/files"
)

// FileName is the config file searched for when no explicit path is given.
const FileName = "runlet.yaml"

// Config holds every host- and deployment-specific input the service needs.
// All fields are named and typed; nothing is read out of an untyped blob.
type Config struct {
	// ListenAddr is the address the HTTP server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// Interpreter is the path or name of the interpreter running the driver.
	Interpreter string `yaml:"interpreter"`

	// Script is the path of the pipeline driver script.
	Script string `yaml:"script"`

	// WorkDir is the driver's working directory. Empty inherits the server's.
	WorkDir string `yaml:"work_dir"`

	// UploadDir is where uploaded guide documents are stored.
	UploadDir string `yaml:"upload_dir"`

	// HistoryDB is the SQLite file for run history. Empty disables history.
	HistoryDB string `yaml:"history_db"`

	// Env holds extra KEY=VALUE entries for the driver's environment,
	// typically credentials. Values are never logged.
	Env []string `yaml:"env"`

	// QueueSize bounds the per-run event channel. Zero uses the default.
	QueueSize int `yaml:"queue_size"`

	// KillOnDisconnect kills an in-flight run when its client connection
	// drops. Off by default: an abandoned run finishes with its output
	// discarded.
	KillOnDisconnect bool `yaml:"kill_on_disconnect"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:  "127.0.0.1:8080",
		Interpreter: "python3",
		Script:      "run_pipeline.py",
		UploadDir:   os.TempDir(),
		QueueSize:   64,
	}
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.Interpreter == "" {
		c.Interpreter = d.Interpreter
	}
	if c.Script == "" {
		c.Script = d.Script
	}
	if c.UploadDir == "" {
		c.UploadDir = d.UploadDir
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
}

// Load reads YAML configuration from path. An empty path searches for
// runlet.yaml upward from the working directory, then falls back to
// $XDG_CONFIG_HOME/runlet/runlet.yaml (or ~/.config/runlet/runlet.yaml).
// A missing file is not an error: the defaults are returned. Fields left
// unset in the file are merged with defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path == "" {
		path = resolvePath()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the configuration as YAML to path, creating parent directories
// as needed.
func (c Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func resolvePath() string {
	if wd, err := os.Getwd(); err == nil {
		if found := files.FindUp(FileName, wd); found != "" {
			return found
		}
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "runlet", FileName)
}
