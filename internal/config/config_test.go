package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jpaulsen/localsync-go/internal/resolve"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
origin = "replica-a"

[remote]
url = "https://sync.example.com"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Origin != "replica-a" {
		t.Errorf("Origin = %s", cfg.Origin)
	}

	if cfg.Remote.Name != defaultRemoteName {
		t.Errorf("Remote.Name = %s, want default", cfg.Remote.Name)
	}

	if cfg.Sync.Interval != defaultSyncInterval {
		t.Errorf("Sync.Interval = %s, want default", cfg.Sync.Interval)
	}

	if cfg.Conflicts.DefaultPolicy != defaultPolicy {
		t.Errorf("DefaultPolicy = %s, want %s", cfg.Conflicts.DefaultPolicy, defaultPolicy)
	}
}

func TestLoadParsesPolicies(t *testing.T) {
	path := writeConfig(t, `
[conflicts]
default_policy = "merge"

[conflicts.policies]
notes = "lww"
docs = "deferred"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if DefaultPolicy(cfg) != resolve.PolicyFieldMerge {
		t.Errorf("default policy = %s", DefaultPolicy(cfg))
	}

	policies := Policies(cfg)
	if policies["notes"] != resolve.PolicyLastWriteWins {
		t.Errorf("notes policy = %s", policies["notes"])
	}

	if policies["docs"] != resolve.PolicyDeferred {
		t.Errorf("docs policy = %s", policies["docs"])
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[sync]
intervall = "1m"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown key")
	}

	if !strings.Contains(err.Error(), "sync.interval") {
		t.Errorf("error should suggest sync.interval: %v", err)
	}
}

func TestLoadAcceptsCustomPolicyCollections(t *testing.T) {
	path := writeConfig(t, `
[conflicts.policies]
anything_goes_here = "lww"
`)

	if _, err := Load(path); err != nil {
		t.Errorf("Load: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty origin", func(c *Config) { c.Origin = "" }, "origin"},
		{"bad remote scheme", func(c *Config) { c.Remote.URL = "ftp://x" }, "remote.url"},
		{"bad websocket scheme", func(c *Config) { c.Remote.WebsocketURL = "https://x" }, "websocket_url"},
		{"bad interval", func(c *Config) { c.Sync.Interval = "soon" }, "sync.interval"},
		{"zero workers", func(c *Config) { c.Sync.PullWorkers = 0 }, "pull_workers"},
		{"bad policy", func(c *Config) { c.Conflicts.DefaultPolicy = "coin_flip" }, "default_policy"},
		{"bad collection policy", func(c *Config) { c.Conflicts.Policies = map[string]string{"x": "nope"} }, "policies.x"},
		{"negative retain", func(c *Config) { c.Backup.Retain = -1 }, "retain"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}

			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q should mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}

	if cfg.Origin == "" {
		t.Error("default config should carry an origin")
	}
}

func TestResolveOverrideChain(t *testing.T) {
	path := writeConfig(t, `
origin = "from-file"

[remote]
url = "https://file.example.com"
`)

	// Env overrides the file; CLI overrides env.
	cfg, usedPath, err := Resolve(
		EnvOverrides{ConfigPath: path, Origin: "from-env", RemoteURL: "https://env.example.com"},
		CLIOverrides{Origin: "from-cli"},
	)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if usedPath != path {
		t.Errorf("path = %s, want %s", usedPath, path)
	}

	if cfg.Origin != "from-cli" {
		t.Errorf("Origin = %s, want from-cli", cfg.Origin)
	}

	if cfg.Remote.URL != "https://env.example.com" {
		t.Errorf("Remote.URL = %s, want env value", cfg.Remote.URL)
	}
}

func TestSyncInterval(t *testing.T) {
	cfg := DefaultConfig()

	d, err := SyncInterval(cfg)
	if err != nil {
		t.Fatalf("SyncInterval: %v", err)
	}

	if d <= 0 {
		t.Errorf("default interval = %v, want positive", d)
	}

	cfg.Sync.Interval = "0"

	d, err = SyncInterval(cfg)
	if err != nil || d != 0 {
		t.Errorf("interval \"0\" = (%v, %v), want disabled", d, err)
	}
}

func TestStatePathAndBackupDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.StateDir = "/var/lib/localsync"

	if got := StatePath(cfg); got != filepath.Join("/var/lib/localsync", stateFileName) {
		t.Errorf("StatePath = %s", got)
	}

	if got := BackupDir(cfg); got != "/var/lib/localsync/backups" {
		t.Errorf("BackupDir = %s", got)
	}

	cfg.Backup.Dir = "/backups"
	if got := BackupDir(cfg); got != "/backups" {
		t.Errorf("BackupDir with override = %s", got)
	}
}

func TestHolderUpdate(t *testing.T) {
	first := DefaultConfig()
	h := NewHolder(first, "/tmp/config.toml")

	if h.Config() != first {
		t.Error("Holder should return the initial config")
	}

	second := DefaultConfig()
	second.Origin = "replica-b"
	h.Update(second)

	if h.Config().Origin != "replica-b" {
		t.Error("Update should replace the config")
	}
}
