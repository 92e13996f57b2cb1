package maildrop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStateDBName is the tracker database filename, created in the
// maildir root beside (never inside) tmp/new/cur.
const DefaultStateDBName = ".maildrop-state.db"

// ConfigurationError is the only error class allowed to prevent the source
// from starting at all: an unresolvable maildir path is an operator
// problem, not something the watch loop can degrade around.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("maildrop: config %s: %s", e.Field, e.Reason)
}

// Config holds the runtime configuration for one change source. The maildir
// path may be absolute or relative to Basedir; it is resolved exactly once
// at startup and passed into the source — no ambient lookups afterwards.
type Config struct {
	Basedir   string `yaml:"basedir"`
	Maildir   string `yaml:"maildir"`
	PollSec   int    `yaml:"poll_interval_sec"`
	StateDB   string `yaml:"state_db,omitempty"`
	SubmitURL string `yaml:"submit_url,omitempty"`
}

// PollInterval converts the configured poll seconds; zero or negative
// selects DefaultPollInterval.
func (c *Config) PollInterval() time.Duration {
	if c.PollSec <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(c.PollSec) * time.Second
}

// LoadConfig reads a Config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ConfigurationError{Field: "file", Reason: fmt.Sprintf("%s does not exist", path)}
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigurationError{Field: "file", Reason: err.Error()}
	}
	return &cfg, nil
}

// SaveConfig writes a Config as YAML, used by the init command.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ResolveMaildir returns the absolute maildir root: Maildir itself when
// absolute, otherwise joined onto Basedir.
func (c *Config) ResolveMaildir() (string, error) {
	if c.Maildir == "" {
		return "", &ConfigurationError{Field: "maildir", Reason: "no maildir path configured"}
	}
	if filepath.IsAbs(c.Maildir) {
		return filepath.Clean(c.Maildir), nil
	}
	if c.Basedir == "" {
		return "", &ConfigurationError{Field: "maildir", Reason: fmt.Sprintf("relative path %q with no basedir", c.Maildir)}
	}
	if !filepath.IsAbs(c.Basedir) {
		abs, err := filepath.Abs(c.Basedir)
		if err != nil {
			return "", &ConfigurationError{Field: "basedir", Reason: err.Error()}
		}
		return filepath.Join(abs, c.Maildir), nil
	}
	return filepath.Join(c.Basedir, c.Maildir), nil
}

// ResolveStateDB returns the tracker database path: StateDB when set,
// otherwise DefaultStateDBName inside the resolved maildir root.
func (c *Config) ResolveStateDB(root string) string {
	if c.StateDB != "" {
		if filepath.IsAbs(c.StateDB) {
			return c.StateDB
		}
		return filepath.Join(root, c.StateDB)
	}
	return filepath.Join(root, DefaultStateDBName)
}
