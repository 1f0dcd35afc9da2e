package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Hostname != "localhost" {
		t.Errorf("expected default hostname, got %q", cfg.Hostname)
	}
}

func TestLoadParsesServerAndSmtpdSections(t *testing.T) {
	data := `
[server]
hostname = "mail.example.com"

[smtpd]
log_level = "debug"

[smtpd.database]
url = "/var/lib/mailstackd/mail.db"

[smtpd.dkim]
enabled = true
selector = "mail"
key_dir = "/etc/mailstackd/dkim"
`
	path := filepath.Join(t.TempDir(), "mailstackd.toml")
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Hostname != "mail.example.com" {
		t.Errorf("expected hostname from [server], got %q", cfg.Hostname)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log_level from [smtpd], got %q", cfg.LogLevel)
	}
	if cfg.Database.URL != "/var/lib/mailstackd/mail.db" {
		t.Errorf("expected database url override, got %q", cfg.Database.URL)
	}
	if !cfg.DKIM.Enabled || cfg.DKIM.Selector != "mail" {
		t.Errorf("expected dkim config to merge, got %+v", cfg.DKIM)
	}
}

func TestApplyFlagsOverridesListen(t *testing.T) {
	cfg := Default()
	cfg = ApplyFlags(cfg, &Flags{Listen: ":2525"})
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Address != ":2525" {
		t.Errorf("expected single overridden listener, got %+v", cfg.Listeners)
	}
}

func TestApplyEnvOverridesDatabaseURL(t *testing.T) {
	t.Setenv("MAILSTACKD_DATABASE_URL", "/tmp/env.db")
	cfg := ApplyEnv(Default())
	if cfg.Database.URL != "/tmp/env.db" {
		t.Errorf("expected env override, got %q", cfg.Database.URL)
	}
}
