package config

import (
	"testing"
)

func TestGetConfigValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rietveld.URL = "http://review.example.com"
	cfg.Verifiers.TryBuilders = []string{"linux-rel", "win-rel"}

	cases := []struct {
		key  string
		want string
	}{
		{"poll_interval_seconds", "30"},
		{"server_addr", "127.0.0.1:7474"},
		{"rietveld.url", "http://review.example.com"},
		{"verifiers.try_builders", "linux-rel,win-rel"},
		{"checkout.remote", "origin"},
	}
	for _, c := range cases {
		got, err := GetConfigValue(cfg, c.key)
		if err != nil {
			t.Errorf("GetConfigValue(%q): %v", c.key, err)
			continue
		}
		if got != c.want {
			t.Errorf("GetConfigValue(%q) = %q, want %q", c.key, got, c.want)
		}
	}
}

func TestGetConfigValueUnknownKey(t *testing.T) {
	if _, err := GetConfigValue(DefaultConfig(), "no_such_key"); err == nil {
		t.Error("want error for unknown key")
	}
	if _, err := GetConfigValue(DefaultConfig(), "rietveld.no_such_key"); err == nil {
		t.Error("want error for unknown nested key")
	}
}

func TestSetConfigValue(t *testing.T) {
	cfg := DefaultConfig()

	if err := SetConfigValue(cfg, "poll_interval_seconds", "60"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.PollIntervalSeconds != 60 {
		t.Errorf("PollIntervalSeconds = %d", cfg.PollIntervalSeconds)
	}

	if err := SetConfigValue(cfg, "rietveld.email", "commit-bot@example.com"); err != nil {
		t.Fatalf("set nested string: %v", err)
	}
	if cfg.Rietveld.Email != "commit-bot@example.com" {
		t.Errorf("Rietveld.Email = %s", cfg.Rietveld.Email)
	}

	if err := SetConfigValue(cfg, "verifiers.try_builders", "linux-rel, win-rel"); err != nil {
		t.Fatalf("set string slice: %v", err)
	}
	if len(cfg.Verifiers.TryBuilders) != 2 || cfg.Verifiers.TryBuilders[1] != "win-rel" {
		t.Errorf("TryBuilders = %v", cfg.Verifiers.TryBuilders)
	}

	if err := SetConfigValue(cfg, "poll_interval_seconds", "not a number"); err == nil {
		t.Error("want error for invalid integer")
	}
	if err := SetConfigValue(cfg, "bogus", "x"); err == nil {
		t.Error("want error for unknown key")
	}
}

func TestIsValidKey(t *testing.T) {
	for _, key := range []string{"server_addr", "rietveld.url", "storage.sqlite_path"} {
		if !IsValidKey(key) {
			t.Errorf("IsValidKey(%q) = false", key)
		}
	}
	if IsValidKey("nonsense.key") {
		t.Error("IsValidKey accepted an unknown key")
	}
}

func TestSensitiveKeys(t *testing.T) {
	if !IsSensitiveKey("status_push_password") {
		t.Error("status_push_password should be sensitive")
	}
	if IsSensitiveKey("server_addr") {
		t.Error("server_addr should not be sensitive")
	}
	if got := MaskValue("hunter2"); got != "****ter2" {
		t.Errorf("MaskValue = %q", got)
	}
	if got := MaskValue("ab"); got != "****" {
		t.Errorf("MaskValue short = %q", got)
	}
}

func TestListConfigKeysSkipsZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rietveld.URL = "http://review.example.com"
	kvs := ListConfigKeys(cfg)

	keys := make(map[string]string)
	for _, kv := range kvs {
		keys[kv.Key] = kv.Value
	}
	if keys["rietveld.url"] != "http://review.example.com" {
		t.Errorf("rietveld.url = %q", keys["rietveld.url"])
	}
	if _, ok := keys["rietveld.password_file"]; ok {
		t.Error("zero-valued key listed")
	}
}

func TestConfigWithOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollIntervalSeconds = 60
	raw := map[string]interface{}{
		"poll_interval_seconds": int64(60),
	}

	origins := make(map[string]string)
	for _, kv := range ConfigWithOrigin(cfg, raw) {
		origins[kv.Key] = kv.Origin
	}
	if origins["poll_interval_seconds"] != "global" {
		t.Errorf("poll_interval_seconds origin = %q, want global", origins["poll_interval_seconds"])
	}
	if origins["server_addr"] != "default" {
		t.Errorf("server_addr origin = %q, want default", origins["server_addr"])
	}
}

func TestIsKeyInTOMLFile(t *testing.T) {
	raw := map[string]interface{}{
		"poll_interval_seconds": int64(0),
		"rietveld": map[string]interface{}{
			"url": "http://review.example.com",
		},
	}
	if !IsKeyInTOMLFile(raw, "poll_interval_seconds") {
		t.Error("explicit zero value not detected")
	}
	if !IsKeyInTOMLFile(raw, "rietveld.url") {
		t.Error("nested key not detected")
	}
	if IsKeyInTOMLFile(raw, "rietveld.email") {
		t.Error("absent nested key detected")
	}
	if IsKeyInTOMLFile(raw, "storage.sqlite_path") {
		t.Error("absent table detected")
	}
}
