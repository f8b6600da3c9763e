package usecase

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"grist-agent/internal/domain"
)

// ErrorCategory tells the retry loop whether another attempt can help.
type ErrorCategory int

const (
	ErrorCategoryUnknown ErrorCategory = iota
	ErrorCategoryRetryable
	ErrorCategoryPermanent
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryRetryable:
		return "retryable"
	case ErrorCategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ClassifiedError is the verdict for one failed LLM call.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Sentinel   error // domain sentinel the failure maps to, or nil
	StatusCode int   // HTTP status parsed from the message, 0 if none
}

// Retryable reports whether the call may succeed on another attempt.
func (c ClassifiedError) Retryable() bool { return c.Category == ErrorCategoryRetryable }

// sentinelRule maps a wrapped domain sentinel to a category. Order matters:
// the first match wins.
type sentinelRule struct {
	sentinel error
	category ErrorCategory
}

var sentinelRules = []sentinelRule{
	{domain.ErrRateLimit, ErrorCategoryRetryable},
	{domain.ErrContextOverflow, ErrorCategoryPermanent},
	{domain.ErrAuthInvalid, ErrorCategoryPermanent},
	{domain.ErrCircuitOpen, ErrorCategoryPermanent},
	{domain.ErrTimeout, ErrorCategoryRetryable},
	{domain.ErrProviderError, ErrorCategoryRetryable},
}

// patternRule maps message substrings to a category when nothing typed is
// available, as with raw transport errors.
type patternRule struct {
	patterns []string
	category ErrorCategory
	sentinel error
}

var patternRules = []patternRule{
	{[]string{"rate limit", "too many requests"}, ErrorCategoryRetryable, domain.ErrRateLimit},
	{[]string{"context length", "token limit", "maximum context"}, ErrorCategoryPermanent, domain.ErrContextOverflow},
	{[]string{"connection refused", "no such host", "timeout", "deadline exceeded", "connection reset"}, ErrorCategoryRetryable, nil},
}

// statusPattern finds the "API error NNN:" prefix the LLM adapter writes.
var statusPattern = regexp.MustCompile(`API error (\d+):`)

// overflowHints mark a 400 as a context window problem.
var overflowHints = []string{"context", "token", "length", "too long", "maximum"}

// ErrorClassifier sorts LLM call failures into retryable and permanent.
// Context overflow is permanent since history is never compressed.
type ErrorClassifier struct{}

// NewErrorClassifier creates a classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// Classify returns the verdict for err. A nil error yields the zero value.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}

	// A document error reached the model loop; retrying the LLM won't fix it.
	var ge *domain.GristError
	if errors.As(err, &ge) {
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent}
	}

	for _, r := range sentinelRules {
		if errors.Is(err, r.sentinel) {
			return ClassifiedError{Original: err, Category: r.category, Sentinel: r.sentinel}
		}
	}

	msg := err.Error()
	if m := statusPattern.FindStringSubmatch(msg); len(m) == 2 {
		code, _ := strconv.Atoi(m[1])
		return fromStatus(err, code, msg)
	}

	lower := strings.ToLower(msg)
	for _, r := range patternRules {
		if containsAny(lower, r.patterns) {
			return ClassifiedError{Original: err, Category: r.category, Sentinel: r.sentinel}
		}
	}
	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}

func fromStatus(err error, code int, msg string) ClassifiedError {
	out := ClassifiedError{Original: err, Category: ErrorCategoryPermanent, StatusCode: code}
	switch {
	case code == http.StatusTooManyRequests:
		out.Category, out.Sentinel = ErrorCategoryRetryable, domain.ErrRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		out.Sentinel = domain.ErrAuthInvalid
	case code == http.StatusRequestEntityTooLarge:
		out.Sentinel = domain.ErrContextOverflow
	case code == http.StatusBadRequest && containsAny(strings.ToLower(msg), overflowHints):
		out.Sentinel = domain.ErrContextOverflow
	case code >= 500 && code < 600:
		out.Category = ErrorCategoryRetryable
	}
	return out
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
