package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "onebot.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigLayers(t *testing.T) {
	path := writeConfig(t, `
mode = "reverse"
log_level = "debug"
access_token = "from-file"
reverse_addr = ":9000"
call_timeout = "5s"
auto_approve_friends = true
`)
	t.Setenv("ONEBOT_ACCESS_TOKEN", "from-env")
	t.Setenv("ONEBOT_SELF_ID", "10001")

	cfg, err := LoadConfig([]string{"-config", path, "-log-level", "warn"})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Mode != ModeReverse {
		t.Errorf("mode = %q", cfg.Mode)
	}
	if cfg.AccessToken != "from-env" {
		t.Errorf("access token = %q, want env to win over file", cfg.AccessToken)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %q, want flag to win", cfg.LogLevel)
	}
	if cfg.SelfID != 10001 || cfg.ReverseAddr != ":9000" || !cfg.AutoApproveFriends {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.CallTimeout != 5*time.Second {
		t.Errorf("call timeout = %v", cfg.CallTimeout)
	}
	if cfg.ReversePath != "/ws" {
		t.Errorf("default reverse path lost: %q", cfg.ReversePath)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig([]string{"-config", filepath.Join(t.TempDir(), "absent.toml")})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Mode != ModeForward || cfg.UniversalURL == "" || !cfg.AutoReconnect {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown mode accepted")
	}

	cfg = DefaultConfig()
	cfg.UniversalURL = ""
	cfg.APIURL = "ws://host/api"
	if err := cfg.Validate(); err == nil {
		t.Error("forward mode without event url accepted")
	}

	cfg = DefaultConfig()
	cfg.LogLevel = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("bad log level accepted")
	}
}
