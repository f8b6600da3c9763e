package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "GRISTAGENT_"

// Config is the top-level application configuration.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway"`
	LLM          LLMConfig          `yaml:"llm"`
	Grist        GristConfig        `yaml:"grist"`
	Agent        AgentConfig        `yaml:"agent"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Validation   ValidationConfig   `yaml:"validation"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
}

// GatewayConfig holds HTTP gateway settings.
type GatewayConfig struct {
	Addr        string          `yaml:"addr"`
	CORSOrigins []string        `yaml:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Auth        AuthConfig      `yaml:"auth"`
}

// RateLimitConfig holds per-IP rate limiting settings. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMin int `yaml:"requests_per_min"`
	Burst          int `yaml:"burst"`
}

// AuthConfig holds optional static service tokens. When empty, the gateway
// only requires the Grist access token header.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway service token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	Provider       ProviderConfig       `yaml:"provider"`
	MaxRetries     int                  `yaml:"max_retries"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for the OpenAI-compatible chat endpoint.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// Grist auth modes.
const (
	GristAuthWidget = "widget"
	GristAuthAPIKey = "api_key"
)

// GristConfig holds Grist REST client settings.
type GristConfig struct {
	BaseURL           string               `yaml:"base_url"`
	AuthMode          string               `yaml:"auth_mode"`
	Timeout           time.Duration        `yaml:"timeout"`
	RequestsPerSecond float64              `yaml:"requests_per_second"`
	Burst             int                  `yaml:"burst"`
	Pool              PoolConfig           `yaml:"pool"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// AgentConfig holds agent loop settings.
type AgentConfig struct {
	MaxIterations     int           `yaml:"max_iterations"`
	HistoryWindow     int           `yaml:"history_window"`
	NoToolCallLimit   int           `yaml:"no_tool_call_limit"`
	LLMTimeout        time.Duration `yaml:"llm_timeout"`
	ProbeOnStart      bool          `yaml:"probe_on_start"`
	SystemPromptExtra string        `yaml:"system_prompt_extra,omitempty"`
}

// Confirmation store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// ConfirmationConfig holds settings for the destructive-operation gate.
type ConfirmationConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl"`
	BulkThreshold int           `yaml:"bulk_threshold"`
	Store         string        `yaml:"store"`
	RedisURL      string        `yaml:"redis_url,omitempty"` // e.g. "redis://localhost:6379"
	KeyPrefix     string        `yaml:"key_prefix,omitempty"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ValidationConfig toggles schema validation of tool inputs.
type ValidationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Addr:        ":8000",
			CORSOrigins: []string{"*"},
			RateLimit:   RateLimitConfig{RequestsPerMin: 60, Burst: 10},
		},
		LLM: LLMConfig{
			Provider: ProviderConfig{
				Name:        "openai",
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				ConnTimeout: 30 * time.Second,
				RespTimeout: 60 * time.Second,
			},
			MaxRetries: 2,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Grist: GristConfig{
			BaseURL:           "https://docs.getgrist.com",
			AuthMode:          GristAuthWidget,
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             20,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Agent: AgentConfig{
			MaxIterations:   15,
			HistoryWindow:   20,
			NoToolCallLimit: 3,
			LLMTimeout:      90 * time.Second,
		},
		Confirmation: ConfirmationConfig{
			Enabled:       true,
			TTL:           5 * time.Minute,
			BulkThreshold: 10,
			Store:         StoreMemory,
			SweepInterval: time.Minute,
		},
		Validation: ValidationConfig{Enabled: true},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies .env and env var overrides, and
// decrypts secrets. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(EnvPrefix + "CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv reads ./.env (or the file named by GRISTAGENT_ENV_FILE) without
// overriding variables that are already set.
func loadDotEnv() error {
	path := os.Getenv(EnvPrefix + "ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides maps GRISTAGENT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString("GATEWAY_ADDR", &cfg.Gateway.Addr)
	if v := os.Getenv(EnvPrefix + "GATEWAY_CORS_ORIGINS"); v != "" {
		cfg.Gateway.CORSOrigins = splitAndTrim(v, ",")
	}

	setString("LLM_BASE_URL", &cfg.LLM.Provider.BaseURL)
	setString("LLM_API_KEY", &cfg.LLM.Provider.APIKey)
	setString("LLM_MODEL", &cfg.LLM.Provider.Model)
	if v := os.Getenv(EnvPrefix + "LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.LLM.Provider.Temperature = f
		}
	}
	setInt("LLM_MAX_RETRIES", &cfg.LLM.MaxRetries)
	// OPENAI_API_KEY is honored as a fallback so existing shells work unchanged.
	if cfg.LLM.Provider.APIKey == "" {
		cfg.LLM.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	setString("GRIST_BASE_URL", &cfg.Grist.BaseURL)
	setString("GRIST_AUTH_MODE", &cfg.Grist.AuthMode)
	setDuration("GRIST_TIMEOUT", &cfg.Grist.Timeout)

	setInt("AGENT_MAX_ITERATIONS", &cfg.Agent.MaxIterations)
	setInt("AGENT_HISTORY_WINDOW", &cfg.Agent.HistoryWindow)
	setBool("AGENT_PROBE_ON_START", &cfg.Agent.ProbeOnStart)

	setBool("CONFIRMATION_ENABLED", &cfg.Confirmation.Enabled)
	setDuration("CONFIRMATION_TTL", &cfg.Confirmation.TTL)
	setInt("CONFIRMATION_BULK_THRESHOLD", &cfg.Confirmation.BulkThreshold)
	setString("CONFIRMATION_STORE", &cfg.Confirmation.Store)
	setString("CONFIRMATION_REDIS_URL", &cfg.Confirmation.RedisURL)

	setBool("VALIDATION_ENABLED", &cfg.Validation.Enabled)

	setString("LOGGER_LEVEL", &cfg.Logger.Level)
	setString("LOGGER_FORMAT", &cfg.Logger.Format)
	setBool("TRACER_ENABLED", &cfg.Tracer.Enabled)
	setString("TRACER_EXPORTER", &cfg.Tracer.Exporter)
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := map[string]*string{
		"llm.provider.api_key":   &cfg.LLM.Provider.APIKey,
		"confirmation.redis_url": &cfg.Confirmation.RedisURL,
	}
	for i := range cfg.Gateway.Auth.Tokens {
		secrets["gateway auth token "+cfg.Gateway.Auth.Tokens[i].Name] = &cfg.Gateway.Auth.Tokens[i].Token
	}
	for name, fp := range secrets {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file is not group or world writable.
func validatePermissions(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", abs, mode)
	}
	return nil
}
