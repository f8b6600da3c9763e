package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
// A missing LLM API key is not an error here; doctor reports it.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateLLM(cfg, ve)
	validateGrist(cfg, ve)
	validateAgent(cfg, ve)
	validateConfirmation(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr must not be empty")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.RateLimit.RequestsPerMin < 0 || cfg.Gateway.RateLimit.Burst < 0 {
		ve.Add("gateway.rate_limit values must be >= 0")
	}
	for i, tok := range cfg.Gateway.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.auth.tokens[%d] (%s): token must not be empty", i, tok.Name)
		}
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	p := cfg.LLM.Provider
	if p.Model == "" {
		ve.Add("llm.provider.model must not be empty")
	}
	if !validHTTPURL(p.BaseURL) {
		ve.Add("llm.provider.base_url %q must be an http(s) URL", p.BaseURL)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		ve.Add("llm.provider.temperature must be between 0 and 2 (got %g)", p.Temperature)
	}
	if cfg.LLM.MaxRetries < 0 {
		ve.Add("llm.max_retries must be >= 0")
	}
}

var validAuthModes = map[string]bool{
	GristAuthWidget: true,
	GristAuthAPIKey: true,
}

func validateGrist(cfg *Config, ve *ValidationError) {
	if !validHTTPURL(cfg.Grist.BaseURL) {
		ve.Add("grist.base_url %q must be an http(s) URL", cfg.Grist.BaseURL)
	}
	if !validAuthModes[cfg.Grist.AuthMode] {
		ve.Add("grist.auth_mode %q is invalid (want: widget, api_key)", cfg.Grist.AuthMode)
	}
	if cfg.Grist.Timeout <= 0 {
		ve.Add("grist.timeout must be > 0")
	}
	if cfg.Grist.RequestsPerSecond < 0 {
		ve.Add("grist.requests_per_second must be >= 0")
	}
}

func validateAgent(cfg *Config, ve *ValidationError) {
	if cfg.Agent.MaxIterations <= 0 {
		ve.Add("agent.max_iterations must be > 0")
	}
	if cfg.Agent.HistoryWindow < 0 {
		ve.Add("agent.history_window must be >= 0")
	}
	if cfg.Agent.NoToolCallLimit <= 0 {
		ve.Add("agent.no_tool_call_limit must be > 0")
	}
	if cfg.Agent.LLMTimeout <= 0 {
		ve.Add("agent.llm_timeout must be > 0")
	}
}

func validateConfirmation(cfg *Config, ve *ValidationError) {
	c := cfg.Confirmation
	if !c.Enabled {
		return
	}
	if c.TTL <= 0 {
		ve.Add("confirmation.ttl must be > 0 when confirmation is enabled")
	}
	if c.BulkThreshold <= 0 {
		ve.Add("confirmation.bulk_threshold must be > 0")
	}
	switch c.Store {
	case StoreMemory:
		if c.SweepInterval <= 0 {
			ve.Add("confirmation.sweep_interval must be > 0 for the memory store")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			ve.Add("confirmation.redis_url is required when store is redis")
		}
	default:
		ve.Add("confirmation.store %q is invalid (want: memory, redis)", c.Store)
	}
}

var validLogFormats = map[string]bool{"text": true, "json": true, "": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
