package maildrop

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// === Configuration Tests ===

func TestConfig_ResolveMaildirAbsolute(t *testing.T) {
	// given
	cfg := &Config{Maildir: "/var/lib/maildrop/inbox"}

	// when
	root, err := cfg.ResolveMaildir()

	// then — absolute paths ignore the basedir
	if err != nil {
		t.Fatalf("ResolveMaildir error: %v", err)
	}
	if root != "/var/lib/maildrop/inbox" {
		t.Errorf("root = %q", root)
	}
}

func TestConfig_ResolveMaildirRelative(t *testing.T) {
	// given
	cfg := &Config{Basedir: "/srv/ci", Maildir: "changes"}

	// when
	root, err := cfg.ResolveMaildir()

	// then
	if err != nil {
		t.Fatalf("ResolveMaildir error: %v", err)
	}
	if root != filepath.Join("/srv/ci", "changes") {
		t.Errorf("root = %q", root)
	}
}

func TestConfig_ResolveMaildirRejectsUnanchoredRelative(t *testing.T) {
	// given — a relative maildir with no basedir to anchor it
	cfg := &Config{Maildir: "changes"}

	// when
	_, err := cfg.ResolveMaildir()

	// then
	var confErr *ConfigurationError
	if !errors.As(err, &confErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if confErr.Field != "maildir" {
		t.Errorf("Field = %q, want maildir", confErr.Field)
	}
}

func TestConfig_ResolveMaildirRequiresPath(t *testing.T) {
	// given
	cfg := &Config{Basedir: "/srv/ci"}

	// when
	_, err := cfg.ResolveMaildir()

	// then
	var confErr *ConfigurationError
	if !errors.As(err, &confErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestConfig_PollIntervalDefault(t *testing.T) {
	// given / when / then
	cfg := &Config{}
	if got := cfg.PollInterval(); got != DefaultPollInterval {
		t.Errorf("PollInterval() = %v, want %v", got, DefaultPollInterval)
	}
	cfg.PollSec = -3
	if got := cfg.PollInterval(); got != DefaultPollInterval {
		t.Errorf("PollInterval() = %v, want %v", got, DefaultPollInterval)
	}
	cfg.PollSec = 25
	if got := cfg.PollInterval(); got != 25*time.Second {
		t.Errorf("PollInterval() = %v, want 25s", got)
	}
}

func TestConfig_SaveAndLoadRoundTrip(t *testing.T) {
	// given
	path := filepath.Join(t.TempDir(), "maildrop.yaml")
	cfg := &Config{
		Basedir:   "/srv/ci",
		Maildir:   "changes",
		PollSec:   30,
		StateDB:   "/var/lib/maildrop/state.db",
		SubmitURL: "http://localhost:8010/change_hook",
	}

	// when
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}
	loaded, err := LoadConfig(path)

	// then
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if *loaded != *cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", loaded, cfg)
	}
}

func TestConfig_LoadMissingFile(t *testing.T) {
	// given / when
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))

	// then
	var confErr *ConfigurationError
	if !errors.As(err, &confErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestConfig_LoadRejectsMalformedYAML(t *testing.T) {
	// given
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("maildir: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}

	// when
	_, err := LoadConfig(path)

	// then
	var confErr *ConfigurationError
	if !errors.As(err, &confErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestConfig_ResolveStateDBDefault(t *testing.T) {
	// given
	cfg := &Config{}

	// when / then
	if got := cfg.ResolveStateDB("/data/inbox"); got != filepath.Join("/data/inbox", DefaultStateDBName) {
		t.Errorf("ResolveStateDB = %q", got)
	}
	cfg.StateDB = "custom.db"
	if got := cfg.ResolveStateDB("/data/inbox"); got != "/data/inbox/custom.db" {
		t.Errorf("ResolveStateDB = %q", got)
	}
	cfg.StateDB = "/elsewhere/state.db"
	if got := cfg.ResolveStateDB("/data/inbox"); got != "/elsewhere/state.db" {
		t.Errorf("ResolveStateDB = %q", got)
	}
}
