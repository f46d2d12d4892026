package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/polycycle/sleepsync/internal/repository"
	"github.com/polycycle/sleepsync/internal/retry"
)

// chdir runs the test from an empty directory so no stray sleepsync.toml
// or .env is picked up.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Role != RoleHost {
		t.Errorf("Role = %q, want %q", cfg.Role, RoleHost)
	}
	if cfg.Transport.Kind != TransportNone {
		t.Errorf("Transport.Kind = %q, want %q", cfg.Transport.Kind, TransportNone)
	}
	if cfg.DB.Path != "sleepsync-host.db" {
		t.Errorf("DB.Path = %q, want sleepsync-host.db", cfg.DB.Path)
	}
	if cfg.Adaptation.UndoWindow != 10*time.Minute {
		t.Errorf("UndoWindow = %v, want 10m", cfg.Adaptation.UndoWindow)
	}
	if cfg.ReactivationPolicy() != repository.ResetAlways {
		t.Errorf("ReactivationPolicy() = %q, want %q", cfg.ReactivationPolicy(), repository.ResetAlways)
	}
	if cfg.RetryPolicy() != retry.DefaultPolicy() {
		t.Errorf("RetryPolicy() = %+v, want default", cfg.RetryPolicy())
	}
	if cfg.Peer() != RoleCompanion {
		t.Errorf("Peer() = %q, want %q", cfg.Peer(), RoleCompanion)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "custom.toml")
	err := os.WriteFile(path, []byte(`
role = "companion"
owner_id = "owner-1"

[transport]
kind = "websocket"
peer_url = "ws://10.0.0.2:8787/ws"

[adaptation]
reactivation_policy = "start-over"
undo_window = "2m"

[retry]
mode = "linear"
initial = "1s"
max = "1m"
max_attempts = 5
`), 0o644)
	if err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	t.Setenv("SLEEPSYNC_DB_PATH", filepath.Join(dir, "env.db"))
	t.Setenv("SLEEPSYNC_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Role != RoleCompanion || cfg.Peer() != RoleHost {
		t.Errorf("Role = %q, Peer() = %q", cfg.Role, cfg.Peer())
	}
	if cfg.OwnerID != "owner-1" {
		t.Errorf("OwnerID = %q, want owner-1", cfg.OwnerID)
	}
	if cfg.Transport.PeerURL != "ws://10.0.0.2:8787/ws" {
		t.Errorf("PeerURL = %q", cfg.Transport.PeerURL)
	}
	if want := filepath.Join(dir, "env.db"); cfg.DB.Path != want {
		t.Errorf("DB.Path = %q, want %q from the environment", cfg.DB.Path, want)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.ReactivationPolicy() != repository.ResetOnStartOver {
		t.Errorf("ReactivationPolicy() = %q", cfg.ReactivationPolicy())
	}
	if cfg.Adaptation.UndoWindow != 2*time.Minute {
		t.Errorf("UndoWindow = %v, want 2m", cfg.Adaptation.UndoWindow)
	}
	if want := retry.NewPolicy(retry.Linear, time.Second, time.Minute, 5); cfg.RetryPolicy() != want {
		t.Errorf("RetryPolicy() = %+v, want %+v", cfg.RetryPolicy(), want)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdir(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SLEEPSYNC_OWNER_ID=from-dotenv\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("SLEEPSYNC_OWNER_ID") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.OwnerID != "from-dotenv" {
		t.Errorf("OwnerID = %q, want from-dotenv", cfg.OwnerID)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	chdir(t)
	if _, err := Load("does-not-exist.toml"); err == nil {
		t.Error("Expected error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad role", func(c *Config) { c.Role = "watch" }, true},
		{"empty owner", func(c *Config) { c.OwnerID = "" }, true},
		{"bad transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, true},
		{"bad policy", func(c *Config) { c.Adaptation.ReactivationPolicy = "sometimes" }, true},
		{"zero undo window", func(c *Config) { c.Adaptation.UndoWindow = 0 }, true},
		{"bad retry mode", func(c *Config) { c.Retry.Mode = "random" }, true},
		{"filedrop without dir", func(c *Config) { c.Transport.Kind = TransportFileDrop }, true},
		{"filedrop with dir", func(c *Config) {
			c.Transport.Kind = TransportFileDrop
			c.Transport.DropDir = "/tmp/drop"
		}, false},
		{"websocket companion without url", func(c *Config) {
			c.Role = RoleCompanion
			c.Transport.Kind = TransportWebSocket
			c.Transport.PeerURL = ""
		}, true},
		{"loopback companion", func(c *Config) {
			c.Role = RoleCompanion
			c.Transport.Kind = TransportLoopback
		}, true},
		{"nats without url", func(c *Config) {
			c.Transport.Kind = TransportNATS
			c.Transport.NATSURL = ""
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteFile_RoundTrip(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "conf", FileName)

	want := Default()
	want.OwnerID = "owner-2"
	want.Transport.Kind = TransportFileDrop
	want.Transport.DropDir = filepath.Join(dir, "drop")
	if err := WriteFile(path, want, false); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := WriteFile(path, want, false); err == nil {
		t.Error("existing file must be kept without force")
	}
	if err := WriteFile(path, want, true); err != nil {
		t.Fatalf("WriteFile(force) failed: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	want.DB.Path = "sleepsync-host.db"
	if !reflect.DeepEqual(want, got) {
		t.Errorf("Load() = %+v\nwant %+v", got, want)
	}
}
