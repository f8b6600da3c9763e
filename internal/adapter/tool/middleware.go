package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"grist-agent/internal/domain"
	"grist-agent/internal/infra/tracer"
)

// Execute is the standard tool execution pipeline: parse params -> start trace -> run handler -> format result.
//
// The handler receives the parsed params and an active trace span. It should return:
//   - (any Go value, nil): the value is JSON-marshaled into a success ToolResult
//   - (string, nil): wrapped in a plain-text ToolResult
//   - (*domain.ToolResult, nil): returned as-is
//   - (nil, error): turned into an error ToolResult carrying an ErrorDescriptor
//
// A *domain.ConfirmationRequiredError is not a failure. It is returned as the
// error so the agent loop can suspend the turn.
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.StringAttr("tool.name", spanName)),
	)
	defer span.End()

	p, bad := ParseParams[P](rawParams)
	if bad != nil {
		tracer.RecordError(span, errors.New(bad.Content))
		return bad, nil
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		var confirm *domain.ConfirmationRequiredError
		if errors.As(err, &confirm) {
			span.SetAttributes(tracer.BoolAttr("tool.confirmation_required", true))
			tracer.SetOK(span)
			return nil, err
		}
		tracer.RecordError(span, err)
		logger.Warn(spanName+" failed", "error", err, "code", domain.ErrorCodeOf(err))
		return errorResult(err), nil
	}

	return formatResult(span, result)
}

// errorResult converts err into a failed ToolResult the model can read.
func errorResult(err error) *domain.ToolResult {
	desc := domain.DescribeError(err)
	retryable := classifyToolError(err)
	payload := map[string]any{"error": desc}
	if retryable {
		payload["hint"] = "transient error, may succeed on retry"
	}
	content, mErr := json.Marshal(payload)
	if mErr != nil {
		content = []byte(desc.Message)
	}
	return &domain.ToolResult{
		IsError:     true,
		IsRetryable: retryable,
		Content:     string(content),
		Error:       &desc,
	}
}

// formatResult converts the handler's return value into a ToolResult.
func formatResult(span trace.Span, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		if v.IsError {
			tracer.RecordError(span, fmt.Errorf("%s", v.Content))
		} else {
			tracer.SetOK(span)
		}
		return v, nil
	case string:
		tracer.SetOK(span)
		return &domain.ToolResult{Content: v}, nil
	default:
		data, err := json.Marshal(result)
		if err != nil {
			tracer.RecordError(span, err)
			return &domain.ToolResult{
				IsError: true,
				Content: fmt.Sprintf("failed to format response: %v", err),
			}, nil
		}
		tracer.SetOK(span)
		return &domain.ToolResult{Content: string(data)}, nil
	}
}

// ParseParams unmarshals rawParams into P. Empty input is treated as {}.
// On failure it returns a ToolResult with IsError=true, suitable for returning directly.
func ParseParams[P any](rawParams json.RawMessage) (P, *domain.ToolResult) {
	var p P
	if len(rawParams) == 0 {
		rawParams = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(rawParams, &p); err != nil {
		return p, ErrResult("invalid params: %v", err)
	}
	return p, nil
}

// ErrResult creates a failed ToolResult of kind ValidationException for
// argument problems caught before the document is touched.
func ErrResult(format string, args ...any) *domain.ToolResult {
	msg := fmt.Sprintf(format, args...)
	return &domain.ToolResult{
		IsError: true,
		Content: msg,
		Error:   &domain.ErrorDescriptor{Kind: domain.KindValidation, Message: msg},
	}
}
