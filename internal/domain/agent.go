package domain

import (
	"encoding/json"
	"fmt"
)

// ExecutionMetrics counts what happened during one agent run.
type ExecutionMetrics struct {
	Iterations             int `json:"iterations"`
	ToolCalls              int `json:"tool_calls"`
	FailedToolCalls        int `json:"failed_tool_calls"`
	IterationsWithoutTools int `json:"iterations_without_tool_calls"`
}

// FailureRate returns failed/total tool calls, or 0 when no tool ran.
func (m ExecutionMetrics) FailureRate() float64 {
	if m.ToolCalls == 0 {
		return 0
	}
	return float64(m.FailedToolCalls) / float64(m.ToolCalls)
}

// ToolInvocation is one entry of the tool trace returned to clients.
type ToolInvocation struct {
	ToolName   string           `json:"tool_name"`
	ToolInput  json.RawMessage  `json:"tool_input"`
	ToolOutput string           `json:"tool_output"`
	Error      *ErrorDescriptor `json:"error,omitempty"`
}

// TurnContext carries per-request hints folded into the system prompt.
type TurnContext struct {
	DocumentID       string
	CurrentTableID   string
	CurrentTableName string
}

// RunResult is the outcome of one agent turn.
type RunResult struct {
	Output               string               `json:"output"`
	ToolCalls            []ToolInvocation     `json:"tool_calls,omitempty"`
	SQLQuery             string               `json:"sql_query,omitempty"`
	RequiresConfirmation bool                 `json:"requires_confirmation"`
	Confirmation         *ConfirmationRequest `json:"confirmation_request,omitempty"`
	Metrics              ExecutionMetrics     `json:"metrics"`
}

// MaxIterationsError reports that the iteration budget ran out.
type MaxIterationsError struct {
	Limit   int
	Metrics ExecutionMetrics
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("agent reached max iterations (%d): %d tool calls, %d failed",
		e.Limit, e.Metrics.ToolCalls, e.Metrics.FailedToolCalls)
}

func (e *MaxIterationsError) Unwrap() error { return ErrMaxIterations }

// FunctionCallingError is the diagnostic raised when the bound model does not
// appear to emit tool calls.
type FunctionCallingError struct {
	Model   string
	Cause   string
	Metrics ExecutionMetrics
}

func (e *FunctionCallingError) Error() string {
	return fmt.Sprintf("model %q does not appear to support function calling: %s", e.Model, e.Cause)
}

func (e *FunctionCallingError) Unwrap() error { return ErrFunctionCallingIncompatible }

// ProbeResult is the verdict of the function-calling capability probe.
type ProbeResult struct {
	Supported        bool   `json:"supported"`
	HasToolCallsAttr bool   `json:"has_tool_calls_attr"`
	TestPassed       bool   `json:"test_passed"`
	ResponseType     string `json:"response_type"`
	NumToolCalls     int    `json:"num_tool_calls"`
	Warning          string `json:"warning,omitempty"`
	Error            string `json:"error,omitempty"`
}
