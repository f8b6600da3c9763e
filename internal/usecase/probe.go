package usecase

import (
	"context"
	"encoding/json"
	"log/slog"

	"grist-agent/internal/domain"
	"grist-agent/internal/infra/tracer"
)

const probePrompt = "Call the test_tool function with x=5. This is a test."

var probeTool = domain.ToolSchema{
	Name:        "test_tool",
	Description: "A simple test tool that returns x + 1.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {"x": {"type": "integer"}},
		"required": ["x"]
	}`),
}

// Probe sends one synthetic tool-enabled prompt to the model and reports
// whether it answered with a tool call. Errors are folded into the result.
func Probe(ctx context.Context, llm domain.LLMProvider, model string, logger *slog.Logger) domain.ProbeResult {
	ctx, span := tracer.StartSpan(ctx, "agent.probe")
	defer span.End()

	logger = logger.With("model", model)
	logger.Info("probing function calling support")

	resp, err := llm.Chat(ctx, domain.ChatRequest{
		Model: model,
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: probePrompt},
		},
		Tools: []domain.ToolSchema{probeTool},
	})
	if err != nil {
		tracer.RecordError(span, err)
		logger.Error("function calling probe failed", "error", err)
		return domain.ProbeResult{Error: err.Error()}
	}

	res := domain.ProbeResult{
		ResponseType:     responseType(resp),
		HasToolCallsAttr: resp.ToolCallsField || len(resp.Message.ToolCalls) > 0,
		NumToolCalls:     len(resp.Message.ToolCalls),
	}
	switch {
	case res.NumToolCalls > 0:
		res.Supported = true
		res.TestPassed = true
		logger.Info("function calling probe passed", "tool_calls", res.NumToolCalls)
	case res.HasToolCallsAttr:
		res.Supported = true
		res.Warning = "Empty tool_calls list"
		logger.Warn("function calling probe uncertain: empty tool_calls list")
	default:
		res.Error = "No tool_calls attribute in response"
		logger.Error("function calling probe failed: response has no tool_calls field")
	}
	span.SetAttributes(
		tracer.BoolAttr("probe.supported", res.Supported),
		tracer.BoolAttr("probe.test_passed", res.TestPassed),
	)
	tracer.SetOK(span)
	return res
}

func responseType(resp *domain.ChatResponse) string {
	switch {
	case len(resp.Message.ToolCalls) > 0:
		return "tool_calls"
	case resp.Message.Content != "":
		return "text"
	default:
		return "empty"
	}
}
