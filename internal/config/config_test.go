package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/swappynest/internal/backoff"
)

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
version: 1
api:
  base_url: https://swappy.example.com/
auth:
  refresh_timeout: 5s
  token_store:
    driver: memory
chat:
  reconnect:
    delay: 1s
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.API.BaseURL != "https://swappy.example.com" {
		t.Errorf("BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.Chat.WSBaseURL != "wss://swappy.example.com" {
		t.Errorf("WSBaseURL = %q", cfg.Chat.WSBaseURL)
	}
	if cfg.Auth.RefreshTimeout != 5*time.Second {
		t.Errorf("RefreshTimeout = %v", cfg.Auth.RefreshTimeout)
	}
	if cfg.Chat.CorrelationWindow != 2*time.Minute {
		t.Errorf("CorrelationWindow = %v", cfg.Chat.CorrelationWindow)
	}
	if got := cfg.Chat.Reconnect.Policy().Delay(4); got != time.Second {
		t.Errorf("reconnect delay = %v, want 1s", got)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Chat.WSBaseURL != "ws://localhost:8000" {
		t.Errorf("WSBaseURL = %q", cfg.Chat.WSBaseURL)
	}
	if _, ok := cfg.Chat.Reconnect.Policy().(backoff.Fixed); !ok {
		t.Errorf("expected fixed reconnect policy, got %T", cfg.Chat.Reconnect.Policy())
	}
	if got := cfg.Chat.Reconnect.Policy().Delay(1); got != 3*time.Second {
		t.Errorf("default reconnect delay = %v, want 3s", got)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
api:
  base_url: http://localhost:8000
  extra: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "relative base url", body: "api:\n  base_url: localhost:8000\n", wantErr: "api.base_url"},
		{name: "http socket url", body: "chat:\n  ws_base_url: http://localhost:8000\n", wantErr: "chat.ws_base_url"},
		{name: "unknown store", body: "auth:\n  token_store:\n    driver: redis\n", wantErr: "token_store.driver"},
		{name: "unknown strategy", body: "chat:\n  reconnect:\n    strategy: linear\n", wantErr: "reconnect.strategy"},
		{name: "jitter range", body: "chat:\n  reconnect:\n    strategy: exponential\n    jitter: 2\n", wantErr: "jitter"},
		{name: "pong before ping", body: "chat:\n  ping_interval: 30s\n  pong_timeout: 10s\n", wantErr: "pong_timeout"},
		{name: "log format", body: "logging:\n  format: xml\n", wantErr: "logging.format"},
		{name: "future version", body: "version: 9\n", wantErr: "newer than this build"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tt.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q in error, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadExponentialReconnect(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
chat:
  reconnect:
    strategy: exponential
    delay: 500ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	policy, ok := cfg.Chat.Reconnect.Policy().(backoff.Exponential)
	if !ok {
		t.Fatalf("expected exponential policy, got %T", cfg.Chat.Reconnect.Policy())
	}
	if policy.Initial != 500*time.Millisecond || policy.Max != 30*time.Second || policy.Factor != 2 {
		t.Fatalf("unexpected policy %+v", policy)
	}
}

func TestLoadIncludesAndEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(`
api:
  base_url: http://base.example.com
logging:
  level: warn
`), 0o600); err != nil {
		t.Fatalf("write include: %v", err)
	}
	t.Setenv("SWAPPY_TEST_LEVEL", "debug")

	path := filepath.Join(dir, "config.json5")
	if err := os.WriteFile(path, []byte(`{
  // json5 allows comments
  "$include": "base.yaml",
  logging: { level: "${SWAPPY_TEST_LEVEL}", format: "${SWAPPY_TEST_UNSET:-json}" },
}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.API.BaseURL != "http://base.example.com" {
		t.Errorf("BaseURL = %q, want included value", cfg.API.BaseURL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want env override", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Format = %q, want env fallback", cfg.Logging.Format)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	_ = os.WriteFile(a, []byte("$include: b.yaml\n"), 0o600)
	_ = os.WriteFile(b, []byte("$include: a.yaml\n"), 0o600)

	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.API.BaseURL != "http://localhost:8000" {
		t.Errorf("BaseURL = %q", cfg.API.BaseURL)
	}
}

func TestDefaultPathEnvOverride(t *testing.T) {
	t.Setenv(EnvConfigPath, "/tmp/custom.yaml")
	if got := DefaultPath(); got != "/tmp/custom.yaml" {
		t.Fatalf("DefaultPath() = %q", got)
	}
}

func TestValidateVersion(t *testing.T) {
	if err := ValidateVersion(CurrentVersion); err != nil {
		t.Fatalf("expected nil error for CurrentVersion, got %v", err)
	}
	var ve *VersionError
	if err := ValidateVersion(CurrentVersion + 1); !errors.As(err, &ve) || ve.Reason != "newer than this build" {
		t.Fatalf("expected newer-than-build error, got %v", err)
	}
	if err := ValidateVersion(-1); !errors.As(err, &ve) || ve.Reason != "invalid" {
		t.Fatalf("expected invalid version error, got %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("schema is not json: %v", err)
	}
	props, _ := schema["properties"].(map[string]any)
	for _, key := range []string{"api", "auth", "chat", "logging"} {
		if _, ok := props[key]; !ok {
			t.Errorf("schema missing %q", key)
		}
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
