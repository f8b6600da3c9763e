package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Agent.MaxIterations != 15 {
		t.Errorf("MaxIterations = %d, want 15", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.NoToolCallLimit != 3 {
		t.Errorf("NoToolCallLimit = %d, want 3", cfg.Agent.NoToolCallLimit)
	}
	if cfg.LLM.Provider.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q, want %q", cfg.LLM.Provider.Model, "gpt-4o-mini")
	}
	if cfg.Confirmation.TTL != 5*time.Minute {
		t.Errorf("Confirmation.TTL = %v, want 5m", cfg.Confirmation.TTL)
	}
	if cfg.Confirmation.BulkThreshold != 10 {
		t.Errorf("BulkThreshold = %d, want 10", cfg.Confirmation.BulkThreshold)
	}
	if cfg.Gateway.Addr != ":8000" {
		t.Errorf("Gateway.Addr = %q, want %q", cfg.Gateway.Addr, ":8000")
	}
	if !cfg.Validation.Enabled {
		t.Error("Validation should be enabled by default")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxIterations != 15 {
		t.Errorf("expected defaults, got MaxIterations=%d", cfg.Agent.MaxIterations)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
agent:
  max_iterations: 8
  history_window: 4
llm:
  provider:
    model: "gpt-4o"
    api_key: "test-key"
    temperature: 0.2
grist:
  base_url: "http://localhost:8484"
  auth_mode: "api_key"
confirmation:
  ttl: 2m
  store: "redis"
  redis_url: "redis://localhost:6379"
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxIterations != 8 || cfg.Agent.HistoryWindow != 4 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.LLM.Provider.Model != "gpt-4o" || cfg.LLM.Provider.APIKey != "test-key" {
		t.Errorf("provider = %+v", cfg.LLM.Provider)
	}
	if cfg.Grist.AuthMode != GristAuthAPIKey {
		t.Errorf("AuthMode = %q, want %q", cfg.Grist.AuthMode, GristAuthAPIKey)
	}
	if cfg.Confirmation.TTL != 2*time.Minute || cfg.Confirmation.Store != StoreRedis {
		t.Errorf("confirmation = %+v", cfg.Confirmation)
	}
	// Untouched sections keep their defaults.
	if cfg.Confirmation.BulkThreshold != 10 {
		t.Errorf("BulkThreshold = %d, want 10", cfg.Confirmation.BulkThreshold)
	}
}

func TestLoadRejectsWorldWritable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("agent: {}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "insecure permissions") {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("grist:\n  auth_mode: cookie\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T (%v)", err, err)
	}
	if !strings.Contains(ve.Error(), `grist.auth_mode "cookie" is invalid`) {
		t.Errorf("unexpected errors: %v", ve.Errors)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envPath, []byte("GRISTAGENT_LLM_MODEL=from-dotenv\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GRISTAGENT_ENV_FILE", envPath)
	t.Cleanup(func() { os.Unsetenv("GRISTAGENT_LLM_MODEL") })

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Provider.Model != "from-dotenv" {
		t.Errorf("Model = %q, want %q", cfg.LLM.Provider.Model, "from-dotenv")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GRISTAGENT_GATEWAY_ADDR", ":9000")
	t.Setenv("GRISTAGENT_GATEWAY_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("GRISTAGENT_LOGGER_LEVEL", "debug")
	t.Setenv("GRISTAGENT_AGENT_MAX_ITERATIONS", "5")
	t.Setenv("GRISTAGENT_CONFIRMATION_ENABLED", "false")
	t.Setenv("GRISTAGENT_CONFIRMATION_TTL", "90s")
	t.Setenv("GRISTAGENT_LLM_TEMPERATURE", "0.7")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Gateway.Addr != ":9000" {
		t.Errorf("Gateway.Addr = %q", cfg.Gateway.Addr)
	}
	if len(cfg.Gateway.CORSOrigins) != 2 || cfg.Gateway.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.Gateway.CORSOrigins)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("MaxIterations = %d, want 5", cfg.Agent.MaxIterations)
	}
	if cfg.Confirmation.Enabled {
		t.Error("Confirmation.Enabled should be false")
	}
	if cfg.Confirmation.TTL != 90*time.Second {
		t.Errorf("Confirmation.TTL = %v, want 90s", cfg.Confirmation.TTL)
	}
	if cfg.LLM.Provider.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", cfg.LLM.Provider.Temperature)
	}
}

func TestEnvOverridesIgnoreMalformed(t *testing.T) {
	t.Setenv("GRISTAGENT_AGENT_MAX_ITERATIONS", "many")
	t.Setenv("GRISTAGENT_CONFIRMATION_TTL", "soon")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Agent.MaxIterations != 15 {
		t.Errorf("MaxIterations = %d, want 15", cfg.Agent.MaxIterations)
	}
	if cfg.Confirmation.TTL != 5*time.Minute {
		t.Errorf("TTL = %v, want 5m", cfg.Confirmation.TTL)
	}
}

func TestOpenAIKeyFallback(t *testing.T) {
	t.Setenv("GRISTAGENT_LLM_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.LLM.Provider.APIKey != "sk-fallback" {
		t.Errorf("APIKey = %q, want %q", cfg.LLM.Provider.APIKey, "sk-fallback")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := "test-passphrase-123"
	plaintext := "sk-abcdef123456"

	encrypted, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}

	if decrypted != plaintext {
		t.Errorf("got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("secret", "correct-pass")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := DecryptValue(encrypted, "wrong-pass"); err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestDecryptSecrets(t *testing.T) {
	passphrase := "test-config-key"
	encKey, err := EncryptValue("sk-secret123456", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	encTok, err := EncryptValue("svc-token", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	cfg := Defaults()
	cfg.LLM.Provider.APIKey = "enc:" + encKey
	cfg.Gateway.Auth.Tokens = []TokenConfig{{Name: "widget", Token: "enc:" + encTok}}
	cfg.Confirmation.RedisURL = "redis://plain:6379"

	if err := decryptSecrets(cfg, passphrase); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}
	if cfg.LLM.Provider.APIKey != "sk-secret123456" {
		t.Errorf("APIKey = %q", cfg.LLM.Provider.APIKey)
	}
	if cfg.Gateway.Auth.Tokens[0].Token != "svc-token" {
		t.Errorf("Token = %q", cfg.Gateway.Auth.Tokens[0].Token)
	}
	if cfg.Confirmation.RedisURL != "redis://plain:6379" {
		t.Errorf("RedisURL should remain unchanged")
	}
}

func TestDecryptSecretsInvalidCiphertext(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Provider.APIKey = "enc:notvalidhex"

	err := decryptSecrets(cfg, "passphrase")
	if err == nil {
		t.Fatal("expected error for invalid ciphertext")
	}
	if !strings.Contains(err.Error(), "llm.provider.api_key") {
		t.Errorf("error should name the field: %v", err)
	}
}
