// internal/config/config.go
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Layout and limit defaults.
const (
	DefaultDataDir     = ".rewind"
	DefaultListLimit   = 20
	DefaultSearchLimit = 100
	DefaultLockTimeout = 5 * time.Second

	TimelineFile = "timeline.jsonl"
	PromptsDir   = "prompts"
	DiffsDir     = "diffs"
	TmpDir       = "tmp"
	StateFile    = "state.json"
	LockFile     = "state.lock"
	ConfigFile   = "config.yml"
)

// fileConfig is the yaml shape of the optional override file.
type fileConfig struct {
	DataDir       string `yaml:"data_dir"`
	LockTimeoutMs int    `yaml:"lock_timeout_ms"`
	ListLimit     int    `yaml:"list_limit"`
	SearchLimit   int    `yaml:"search_limit"`
}

// Config holds resolved paths and operation limits for one repository
type Config struct {
	Root        string
	DataDir     string
	ListLimit   int
	SearchLimit int
	LockTimeout time.Duration
}

// Default returns the configuration used when no override file exists
func Default(root string) *Config {
	return &Config{
		Root:        root,
		DataDir:     filepath.Join(root, DefaultDataDir),
		ListLimit:   DefaultListLimit,
		SearchLimit: DefaultSearchLimit,
		LockTimeout: DefaultLockTimeout,
	}
}

// Load resolves configuration for the repository rooted at root, applying
// overrides from <root>/.rewind/config.yml when present. Missing or zero
// fields keep their defaults.
func Load(root string) (*Config, error) {
	cfg := Default(root)

	data, err := os.ReadFile(filepath.Join(root, DefaultDataDir, ConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, err
	}

	if fc.DataDir != "" {
		if filepath.IsAbs(fc.DataDir) {
			cfg.DataDir = fc.DataDir
		} else {
			cfg.DataDir = filepath.Join(root, fc.DataDir)
		}
	}
	if fc.LockTimeoutMs > 0 {
		cfg.LockTimeout = time.Duration(fc.LockTimeoutMs) * time.Millisecond
	}
	if fc.ListLimit > 0 {
		cfg.ListLimit = fc.ListLimit
	}
	if fc.SearchLimit > 0 {
		cfg.SearchLimit = fc.SearchLimit
	}

	return cfg, nil
}

// EnsureDirs creates the data directory tree. The directory ignores itself
// so dirty checks, snapshots, and hard resets never see the journal.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.PromptsPath(), c.DiffsPath(), c.TmpPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	ignorePath := filepath.Join(c.DataDir, ".gitignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(ignorePath, []byte("*\n"), 0644); err != nil {
			return err
		}
	}
	return nil
}

// TimelinePath returns the path to the journal file
func (c *Config) TimelinePath() string {
	return filepath.Join(c.DataDir, TimelineFile)
}

// PromptsPath returns the directory holding full prompt side files
func (c *Config) PromptsPath() string {
	return filepath.Join(c.DataDir, PromptsDir)
}

// DiffsPath returns the directory holding full diff side files
func (c *Config) DiffsPath() string {
	return filepath.Join(c.DataDir, DiffsDir)
}

// TmpPath returns the directory for disposable scratch files
func (c *Config) TmpPath() string {
	return filepath.Join(c.DataDir, TmpDir)
}

// StatePath returns the path to the last-step state file
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, StateFile)
}

// LockPath returns the path to the state lock file
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, LockFile)
}
