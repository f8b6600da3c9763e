package config

import (
	"strings"
	"testing"
)

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.Gateway.Addr = "" }, "gateway.addr must not be empty"},
		{"bad addr", func(c *Config) { c.Gateway.Addr = "8000" }, `gateway.addr "8000" is not a valid host:port`},
		{"negative rate", func(c *Config) { c.Gateway.RateLimit.Burst = -1 }, "gateway.rate_limit values must be >= 0"},
		{"empty token", func(c *Config) { c.Gateway.Auth.Tokens = []TokenConfig{{Name: "x"}} }, "gateway.auth.tokens[0] (x): token must not be empty"},
		{"no model", func(c *Config) { c.LLM.Provider.Model = "" }, "llm.provider.model must not be empty"},
		{"bad llm url", func(c *Config) { c.LLM.Provider.BaseURL = "api.openai.com" }, "llm.provider.base_url"},
		{"temperature", func(c *Config) { c.LLM.Provider.Temperature = 3 }, "llm.provider.temperature must be between 0 and 2"},
		{"retries", func(c *Config) { c.LLM.MaxRetries = -1 }, "llm.max_retries must be >= 0"},
		{"grist url", func(c *Config) { c.Grist.BaseURL = "ftp://grist" }, "grist.base_url"},
		{"auth mode", func(c *Config) { c.Grist.AuthMode = "cookie" }, `grist.auth_mode "cookie" is invalid`},
		{"grist timeout", func(c *Config) { c.Grist.Timeout = 0 }, "grist.timeout must be > 0"},
		{"iterations", func(c *Config) { c.Agent.MaxIterations = 0 }, "agent.max_iterations must be > 0"},
		{"no tool limit", func(c *Config) { c.Agent.NoToolCallLimit = 0 }, "agent.no_tool_call_limit must be > 0"},
		{"llm timeout", func(c *Config) { c.Agent.LLMTimeout = 0 }, "agent.llm_timeout must be > 0"},
		{"ttl", func(c *Config) { c.Confirmation.TTL = 0 }, "confirmation.ttl must be > 0"},
		{"bulk", func(c *Config) { c.Confirmation.BulkThreshold = 0 }, "confirmation.bulk_threshold must be > 0"},
		{"store", func(c *Config) { c.Confirmation.Store = "etcd" }, `confirmation.store "etcd" is invalid`},
		{"redis url", func(c *Config) { c.Confirmation.Store = StoreRedis }, "confirmation.redis_url is required"},
		{"log format", func(c *Config) { c.Logger.Format = "xml" }, `logger.format "xml" is invalid`},
		{"exporter", func(c *Config) { c.Tracer.Exporter = "jaeger" }, `tracer.exporter "jaeger" is invalid`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateConfirmationDisabledSkipsChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Confirmation.Enabled = false
	cfg.Confirmation.TTL = 0
	cfg.Confirmation.Store = "whatever"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.MaxIterations = 0
	cfg.Grist.AuthMode = ""
	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 2 {
		t.Errorf("got %d errors, want 2: %v", len(ve.Errors), ve.Errors)
	}
}
