package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"grist-agent/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

var doctorHTTPClient = &http.Client{Timeout: 10 * time.Second}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks on your setup",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDoctor()
	},
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	// Load config; some checks work without it.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity},
		{Name: "Grist server", Fn: checkGrist},
		{Name: "Confirmation store", Fn: checkConfirmationStore},
		{Name: "Gateway address", Fn: checkGatewayAddr},
	}

	fmt.Println("grist-agent doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above to ensure grist-agent runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\ngrist-agent should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! grist-agent is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func configNotLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
}

// checkConfigFile returns a check that verifies the config file parses. A
// missing file is only a warning since defaults and env vars still apply.
func checkConfigFile(path string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and values",
			}
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and environment", path),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", path),
		}
	}
}

// checkLLMAPIKey verifies an API key is configured for the LLM endpoint.
func checkLLMAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded()
	}
	if cfg.LLM.Provider.APIKey == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM API key configured",
			Fix:     fmt.Sprintf("Set %sLLM_API_KEY or llm.provider.api_key", config.EnvPrefix),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("API key configured for %s", cfg.LLM.Provider.Name),
	}
}

// checkLLMConnectivity lists models on the configured endpoint.
func checkLLMConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded()
	}
	p := cfg.LLM.Provider
	if p.APIKey == "" {
		return CheckResult{Status: StatusWarn, Message: "skipped, no API key"}
	}

	endpoint := strings.TrimRight(p.BaseURL, "/") + "/models"
	status, latency, err := ping(endpoint, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	})
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check llm.provider.base_url and your network",
		}
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s rejected the API key (HTTP %d)", p.Name, status),
			Fix:     "Check the API key",
		}
	case status >= 400:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s answered HTTP %d (latency: %dms)", p.Name, status, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", p.Name, latency.Milliseconds()),
	}
}

// checkGrist verifies the Grist server answers HTTP. Access tokens arrive per
// request so only reachability is tested.
func checkGrist(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded()
	}
	endpoint := strings.TrimRight(cfg.Grist.BaseURL, "/") + "/status"
	status, latency, err := ping(endpoint, nil)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", cfg.Grist.BaseURL, err),
			Fix:     fmt.Sprintf("Check grist.base_url or %sGRIST_BASE_URL", config.EnvPrefix),
		}
	}
	if status >= 500 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s answered HTTP %d", cfg.Grist.BaseURL, status),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (auth: %s, latency: %dms)", cfg.Grist.BaseURL, cfg.Grist.AuthMode, latency.Milliseconds()),
	}
}

// checkConfirmationStore verifies the pending-confirmation backend.
func checkConfirmationStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded()
	}
	c := cfg.Confirmation
	if !c.Enabled {
		return CheckResult{
			Status:  StatusWarn,
			Message: "confirmation disabled, destructive operations run without preview",
		}
	}
	if c.Store != config.StoreRedis {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("in-memory store (ttl %s); pending confirmations are lost on restart", c.TTL),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rdb, err := dialRedis(ctx, c.RedisURL)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Check confirmation.redis_url and that Redis is running",
		}
	}
	rdb.Close()
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("redis reachable at %s", redactURL(c.RedisURL)),
	}
}

// checkGatewayAddr verifies the listen address is free.
func checkGatewayAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded()
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot bind %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Stop the process using the port or change gateway.addr",
		}
	}
	ln.Close()
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s is available", cfg.Gateway.Addr),
	}
}

// ping issues a GET and returns the status code and latency.
func ping(endpoint string, decorate func(*http.Request)) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, 0, err
	}
	if decorate != nil {
		decorate(req)
	}

	start := time.Now()
	resp, err := doctorHTTPClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	resp.Body.Close()
	return resp.StatusCode, latency, nil
}
