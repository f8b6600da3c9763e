package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrToolNotFound = fmt.Errorf("tool not found")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
	ErrEncryption   = fmt.Errorf("encryption operation failed")

	// Grist document errors. GristError unwraps to one of these.
	ErrTableNotFound   = fmt.Errorf("table not found")
	ErrColumnNotFound  = fmt.Errorf("column not found")
	ErrRecordNotFound  = fmt.Errorf("record not found")
	ErrTypeMismatch    = fmt.Errorf("type mismatch")
	ErrInvalidChoice   = fmt.Errorf("invalid choice")
	ErrValidation      = fmt.Errorf("validation failed")
	ErrQuery           = fmt.Errorf("query failed")
	ErrGristPermission = fmt.Errorf("grist: %w", ErrPermissionDenied)

	// Confirmation workflow.
	ErrConfirmationRequired = fmt.Errorf("confirmation required")
	ErrConfirmationNotFound = fmt.Errorf("confirmation not found or expired")

	// Agent loop terminal conditions.
	ErrMaxIterations               = fmt.Errorf("agent reached max iterations")
	ErrFunctionCallingIncompatible = fmt.Errorf("model does not support function calling")

	// Resilience errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrToolFailure     = fmt.Errorf("tool execution failed")
	ErrCircuitOpen     = fmt.Errorf("circuit breaker open")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Document.AddRecords")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "grist", "confirm"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown               ErrorCode = "UNKNOWN"
	CodeToolNotFound          ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure           ErrorCode = "TOOL_FAILURE"
	CodeConfigLoad            ErrorCode = "CONFIG_LOAD"
	CodeEncryption            ErrorCode = "ENCRYPTION"
	CodeDecryption            ErrorCode = "DECRYPTION"
	CodeTableNotFound         ErrorCode = "TABLE_NOT_FOUND"
	CodeColumnNotFound        ErrorCode = "COLUMN_NOT_FOUND"
	CodeRecordNotFound        ErrorCode = "RECORD_NOT_FOUND"
	CodeTypeMismatch          ErrorCode = "TYPE_MISMATCH"
	CodeInvalidChoice         ErrorCode = "INVALID_CHOICE"
	CodeValidation            ErrorCode = "VALIDATION"
	CodeQuery                 ErrorCode = "QUERY"
	CodeGristPermission       ErrorCode = "GRIST_PERMISSION"
	CodeConfirmationRequired  ErrorCode = "CONFIRMATION_REQUIRED"
	CodeConfirmationNotFound  ErrorCode = "CONFIRMATION_NOT_FOUND"
	CodeMaxIterations         ErrorCode = "MAX_ITERATIONS"
	CodeFunctionCallingCompat ErrorCode = "FUNCTION_CALLING_INCOMPATIBLE"
	CodeContextOverflow       ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit             ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid           ErrorCode = "AUTH_INVALID"
	CodeCircuitOpen           ErrorCode = "CIRCUIT_OPEN"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeGristTimeout   ErrorCode = "GRIST_TIMEOUT"
	CodeGristUpstream  ErrorCode = "GRIST_UPSTREAM"
	CodeLLMTimeout     ErrorCode = "LLM_TIMEOUT"
	CodeStoreBackend   ErrorCode = "CONFIRM_STORE_BACKEND"
	CodeGatewayBadBody ErrorCode = "GATEWAY_BAD_REQUEST"

	// Category error codes. Fallback when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrTimeout:          CodeTimeout,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,

	ErrToolNotFound:                CodeToolNotFound,
	ErrToolFailure:                 CodeToolFailure,
	ErrConfigLoad:                  CodeConfigLoad,
	ErrEncryption:                  CodeEncryption,
	ErrDecryption:                  CodeDecryption,
	ErrTableNotFound:               CodeTableNotFound,
	ErrColumnNotFound:              CodeColumnNotFound,
	ErrRecordNotFound:              CodeRecordNotFound,
	ErrTypeMismatch:                CodeTypeMismatch,
	ErrInvalidChoice:               CodeInvalidChoice,
	ErrValidation:                  CodeValidation,
	ErrQuery:                       CodeQuery,
	ErrGristPermission:             CodeGristPermission,
	ErrConfirmationRequired:        CodeConfirmationRequired,
	ErrConfirmationNotFound:        CodeConfirmationNotFound,
	ErrMaxIterations:               CodeMaxIterations,
	ErrFunctionCallingIncompatible: CodeFunctionCallingCompat,
	ErrContextOverflow:             CodeContextOverflow,
	ErrRateLimit:                   CodeRateLimit,
	ErrAuthInvalid:                 CodeAuthInvalid,
	ErrCircuitOpen:                 CodeCircuitOpen,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"grist": CodeGristTimeout,
		"llm":   CodeLLMTimeout,
	},
	ErrProviderError: {
		"grist":   CodeGristUpstream,
		"confirm": CodeStoreBackend,
	},
	ErrInvalidInput: {
		"gateway": CodeGatewayBadBody,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Specific sentinels first so that ErrGristPermission wins over ErrPermissionDenied.
	for sentinel, code := range errorCodeMap {
		if isCategory(sentinel) {
			continue
		}
		if errors.Is(err, sentinel) {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

func isCategory(err error) bool {
	switch err {
	case ErrNotFound, ErrTimeout, ErrPermissionDenied, ErrInvalidInput, ErrProviderError:
		return true
	}
	return false
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
