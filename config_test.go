package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := validateConfig(DefaultConfig()); err != nil {
		t.Errorf("Default config should pass validation: %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepdown.yaml")
	content := `
identity:
  user: monitor
  group: monitor
bridge:
  enabled: true
  group: docker
  gid: 999
  socket: /var/run/docker.sock
  wait: 30s
ownership:
  path: /srv/monitor
  recursive: true
process:
  command: ["python", "main.py"]
  workdir: /srv/monitor
runtime:
  strict: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}

	if cfg.Identity.UserName != "monitor" {
		t.Errorf("Expected user monitor, got %s", cfg.Identity.UserName)
	}
	if !cfg.Bridge.Enabled || cfg.Bridge.GID != 999 {
		t.Errorf("Bridge not loaded: %+v", cfg.Bridge)
	}
	if cfg.Bridge.Wait != 30*time.Second {
		t.Errorf("Expected 30s wait, got %v", cfg.Bridge.Wait)
	}
	if cfg.Ownership.Path != "/srv/monitor" {
		t.Errorf("Expected ownership path /srv/monitor, got %s", cfg.Ownership.Path)
	}
	if len(cfg.Process.Command) != 2 || cfg.Process.Command[0] != "python" {
		t.Errorf("Command not loaded: %v", cfg.Process.Command)
	}
	if !cfg.Runtime.StrictMode {
		t.Errorf("Expected strict mode")
	}
	// File values overlay defaults; untouched defaults survive.
	if !cfg.Bridge.Ping {
		t.Errorf("Default ping setting should survive the overlay")
	}

	if err := validateConfig(cfg); err != nil {
		t.Errorf("Loaded config should be valid: %v", err)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatalf("Expected error for missing config file")
	}
	if !IsErrorCode(err, ErrConfigValidation) {
		t.Errorf("Expected error code %v, got %v", ErrConfigValidation, err)
	}
}

func TestValidateConfigRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty user", func(c *Config) { c.Identity.UserName = "" }},
		{"superuser identity", func(c *Config) { c.Identity.UserName = "root" }},
		{"invalid user name", func(c *Config) { c.Identity.UserName = "App User" }},
		{"negative uid", func(c *Config) { c.Identity.UID = -1 }},
		{"bridge without gid", func(c *Config) { c.Bridge.Enabled = true; c.Bridge.GID = 0 }},
		{"bridge without group", func(c *Config) { c.Bridge.Enabled = true; c.Bridge.GID = 999; c.Bridge.GroupName = "" }},
		{"relative socket path", func(c *Config) { c.Bridge.Enabled = true; c.Bridge.GID = 999; c.Bridge.SocketPath = "docker.sock" }},
		{"relative app dir", func(c *Config) { c.Ownership.Path = "app" }},
		{"relative workdir", func(c *Config) { c.Process.WorkDir = "srv" }},
		{"empty etc dir", func(c *Config) { c.Runtime.EtcDir = "" }},
	}

	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		if err := validateConfig(cfg); err == nil {
			t.Errorf("Expected validation failure for %s", tc.name)
		}
	}
}

func TestValidateConfigNil(t *testing.T) {
	if err := validateConfig(nil); err == nil {
		t.Errorf("Nil config should fail validation")
	}
}
