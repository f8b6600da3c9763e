// Package grist is the REST client for the Grist document API.
package grist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"grist-agent/internal/domain"
	"grist-agent/internal/infra/config"
	"grist-agent/internal/infra/tracer"
)

// maxResponseBody is the largest response body read from Grist.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// Default connection settings.
const (
	defaultTimeout             = 30 * time.Second
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
	defaultCBMaxFailures       = 5
	defaultCBTimeout           = 30 * time.Second
	defaultCBInterval          = 60 * time.Second
)

// Client talks to one Grist server. The HTTP pool, rate limiter and circuit
// breaker are shared by every token-bound copy made with WithToken.
type Client struct {
	baseURL  string
	authMode string
	token    string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[[]byte]
	logger   *slog.Logger
}

// NewClient creates a Client without credentials.
func NewClient(cfg config.GristConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		authMode: cfg.AuthMode,
		http:     &http.Client{Transport: newTransport(cfg.Pool), Timeout: timeout},
		logger:   logger,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if cfg.CircuitBreaker.Enabled {
		c.breaker = newBreaker(cfg.CircuitBreaker, logger)
	}
	return c
}

func newTransport(pool config.PoolConfig) *http.Transport {
	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdlePerHost,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     idleTimeout,
		ForceAttemptHTTP2:   true,
	}
}

func newBreaker(cfg config.CircuitBreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[[]byte] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "grist",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Only server-side trouble trips the breaker; 4xx answers are the caller's fault.
		IsSuccessful: func(err error) bool {
			return err == nil || !isUpstreamFailure(err)
		},
	})
}

func isUpstreamFailure(err error) bool {
	return errors.Is(err, domain.ErrProviderError) || errors.Is(err, domain.ErrTimeout)
}

// WithToken returns a copy of c that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// BreakerState reports the circuit state, or "disabled".
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

// call describes one API request for error mapping.
type call struct {
	op      string
	method  string
	path    string
	query   url.Values
	body    any
	tableID string
	colID   string
	ids     []int64
	sql     string
}

// do performs c through the limiter and breaker and decodes the JSON answer into out.
func (c *Client) do(ctx context.Context, rq call, out any) (err error) {
	ctx, span := tracer.StartSpan(ctx, "grist."+rq.op)
	span.SetAttributes(
		tracer.StringAttr("grist.method", rq.method),
		tracer.StringAttr("grist.path", rq.path),
	)
	defer func() { tracer.End(span, err) }()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return transportError(rq.op, err)
		}
	}

	exec := func() ([]byte, error) { return c.roundTrip(ctx, rq) }
	var body []byte
	if c.breaker != nil {
		body, err = c.breaker.Execute(exec)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.NewSubSystemError("grist", "Grist."+rq.op, domain.ErrCircuitOpen, err.Error())
		}
	} else {
		body, err = exec()
	}
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return domain.NewSubSystemError("grist", "Grist."+rq.op, domain.ErrProviderError,
			fmt.Sprintf("decode response: %v", err))
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, rq call) ([]byte, error) {
	var reader io.Reader
	if rq.body != nil {
		payload, err := json.Marshal(rq.body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", rq.op, err)
		}
		reader = bytes.NewReader(payload)
	}

	query := url.Values{}
	for k, v := range rq.query {
		query[k] = v
	}
	if c.authMode != config.GristAuthAPIKey && c.token != "" {
		query.Set("auth", c.token)
	}
	target := c.baseURL + rq.path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, rq.method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authMode == config.GristAuthAPIKey && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("grist request failed", "method", rq.method, "url", MaskURL(target), "error", err)
		return nil, transportError(rq.op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, transportError(rq.op, err)
	}
	c.logger.Debug("grist request",
		"method", rq.method,
		"url", MaskURL(target),
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, body, rq)
	}
	return body, nil
}

// statusError maps a non-2xx answer onto the typed document errors.
func statusError(status int, body []byte, rq call) error {
	msg := upstreamMessage(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewPermissionDenied(rq.op)
	case status == http.StatusTooManyRequests:
		return domain.NewSubSystemError("grist", "Grist."+rq.op, domain.ErrRateLimit, msg)
	case status >= 500:
		return domain.NewSubSystemError("grist", "Grist."+rq.op, domain.ErrProviderError,
			fmt.Sprintf("HTTP %d: %s", status, msg))
	case rq.sql != "":
		return domain.NewQueryError(rq.sql, msg)
	case status == http.StatusNotFound:
		switch {
		case len(rq.ids) > 0:
			return domain.NewRecordNotFound(rq.tableID, rq.ids)
		case rq.colID != "":
			return domain.NewColumnNotFound(rq.tableID, rq.colID, nil)
		case rq.tableID != "":
			return domain.NewTableNotFound(rq.tableID, nil)
		default:
			return domain.NewSubSystemError("grist", "Grist."+rq.op, domain.ErrNotFound, msg)
		}
	default:
		return domain.NewValidationError(rq.op, msg)
	}
}

// upstreamMessage extracts {"error": "..."} or falls back to the raw body.
func upstreamMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Details any    `json:"details"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 500 {
		s = s[:500] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}

func transportError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.NewSubSystemError("grist", "Grist."+op, domain.ErrTimeout, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return domain.WrapOp("Grist."+op, err)
	}
	return domain.NewSubSystemError("grist", "Grist."+op, domain.ErrProviderError, err.Error())
}

func docPath(docID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/api/docs/")
	b.WriteString(url.PathEscape(docID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// MaskToken hides all but the edges of a credential.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "****" + token[len(token)-4:]
}

// MaskURL masks the auth query parameter of a request URL.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if tok := q.Get("auth"); tok != "" {
		q.Set("auth", MaskToken(tok))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}
