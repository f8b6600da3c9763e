package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grist-agent/internal/domain"
)

func newTestAgent(llm domain.LLMProvider, tools domain.ToolExecutor, opts ...func(*AgentDeps)) *Agent {
	deps := AgentDeps{
		LLM:             llm,
		Tools:           tools,
		ContextBuilder:  NewContextBuilder("test-model", 20, ""),
		ErrorClassifier: NewErrorClassifier(),
		Logger:          newTestLogger(),
		MaxIterations:   15,
		NoToolCallLimit: 3,
		MaxRetries:      2,
	}
	for _, o := range opts {
		o(&deps)
	}
	a := NewAgent(deps)
	a.backoff = func(int) time.Duration { return time.Millisecond }
	return a
}

func TestRunPlainAnswer(t *testing.T) {
	llm := &mockLLM{script: []scripted{textReply("Hello!")}}
	agent := newTestAgent(llm, newToolExecutor())

	res, err := agent.Run(context.Background(), nil, "hi", domain.TurnContext{DocumentID: "doc1"})
	require.NoError(t, err)

	assert.Equal(t, "Hello!", res.Output)
	assert.False(t, res.RequiresConfirmation)
	assert.Empty(t, res.ToolCalls)
	assert.Equal(t, 1, res.Metrics.Iterations)
	assert.Equal(t, 0, res.Metrics.ToolCalls)
	assert.Equal(t, 1, res.Metrics.IterationsWithoutTools)
}

func TestRunToolThenAnswer(t *testing.T) {
	tables := &staticTool{name: "get_tables", result: `{"tables":["Clients"],"count":1}`}
	llm := &mockLLM{script: []scripted{
		toolReply(call("c1", "get_tables", `{}`)),
		textReply("You have one table: Clients."),
	}}
	agent := newTestAgent(llm, newToolExecutor(tables))

	res, err := agent.Run(context.Background(), nil, "what tables?", domain.TurnContext{})
	require.NoError(t, err)

	assert.Equal(t, "You have one table: Clients.", res.Output)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "get_tables", res.ToolCalls[0].ToolName)
	assert.Equal(t, `{"tables":["Clients"],"count":1}`, res.ToolCalls[0].ToolOutput)
	assert.Equal(t, 2, res.Metrics.Iterations)
	assert.Equal(t, 1, res.Metrics.ToolCalls)
	assert.Equal(t, 0, res.Metrics.FailedToolCalls)

	// Second request carries the assistant tool call and its result.
	req := llm.lastRequest()
	n := len(req.Messages)
	require.GreaterOrEqual(t, n, 2)
	toolMsg := req.Messages[n-1]
	assert.Equal(t, domain.RoleTool, toolMsg.Role)
	require.Len(t, toolMsg.ToolCalls, 1)
	assert.Equal(t, "c1", toolMsg.ToolCalls[0].ID)
	assert.Equal(t, domain.RoleAssistant, req.Messages[n-2].Role)
}

func TestRunExecutesToolsSequentiallyInOrder(t *testing.T) {
	a := &staticTool{name: "get_table_columns", result: "cols"}
	b := &staticTool{name: "get_sample_records", result: "rows"}
	llm := &mockLLM{script: []scripted{
		toolReply(
			call("c1", "get_table_columns", `{"table_id":"T"}`),
			call("c2", "get_sample_records", `{"table_id":"T"}`),
		),
		textReply("done"),
	}}
	agent := newTestAgent(llm, newToolExecutor(a, b))

	res, err := agent.Run(context.Background(), nil, "inspect T", domain.TurnContext{})
	require.NoError(t, err)

	require.Len(t, res.ToolCalls, 2)
	assert.Equal(t, "get_table_columns", res.ToolCalls[0].ToolName)
	assert.Equal(t, "get_sample_records", res.ToolCalls[1].ToolName)

	req := llm.lastRequest()
	n := len(req.Messages)
	assert.Equal(t, "c1", req.Messages[n-2].ToolCalls[0].ID)
	assert.Equal(t, "c2", req.Messages[n-1].ToolCalls[0].ID)
}

func TestRunEmptyArgumentsBecomeObject(t *testing.T) {
	tool := &staticTool{name: "get_tables", result: "ok"}
	llm := &mockLLM{script: []scripted{
		toolReply(call("c1", "get_tables", "")),
		textReply("done"),
	}}
	agent := newTestAgent(llm, newToolExecutor(tool))

	_, err := agent.Run(context.Background(), nil, "go", domain.TurnContext{})
	require.NoError(t, err)
	require.Len(t, tool.inputs, 1)
	assert.Equal(t, "{}", tool.inputs[0])
}

func TestRunToolErrorsCountAsFailures(t *testing.T) {
	llm := &mockLLM{script: []scripted{
		toolReply(
			call("c1", "broken", `{}`),
			call("c2", "soft", `{}`),
		),
		textReply("sorry"),
	}}
	agent := newTestAgent(llm, newToolExecutor(&errorTool{name: "broken"}, &softErrorTool{name: "soft"}))

	res, err := agent.Run(context.Background(), nil, "go", domain.TurnContext{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Metrics.ToolCalls)
	assert.Equal(t, 2, res.Metrics.FailedToolCalls)
	require.Len(t, res.ToolCalls, 2)
	assert.Equal(t, "Error: tool execution failed", res.ToolCalls[0].ToolOutput)
	require.NotNil(t, res.ToolCalls[1].Error)
	assert.Equal(t, domain.KindTableNotFound, res.ToolCalls[1].Error.Kind)
	assert.Equal(t, "sorry", res.Output)
}

func TestRunUnknownTool(t *testing.T) {
	llm := &mockLLM{script: []scripted{
		toolReply(call("c1", "drop_database", `{}`)),
		textReply("I cannot do that."),
	}}
	agent := newTestAgent(llm, newToolExecutor())

	res, err := agent.Run(context.Background(), nil, "drop it", domain.TurnContext{})
	require.NoError(t, err)

	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "Tool drop_database not found", res.ToolCalls[0].ToolOutput)
	assert.Equal(t, 1, res.Metrics.FailedToolCalls)
}

func TestRunExtractsSQLQuery(t *testing.T) {
	q := &staticTool{name: "query_document", result: `{"rows":[],"row_count":0}`}
	llm := &mockLLM{script: []scripted{
		toolReply(call("c1", "query_document", `{"query":"SELECT COUNT(*) FROM Clients"}`)),
		textReply("There are no clients."),
	}}
	agent := newTestAgent(llm, newToolExecutor(q))

	res, err := agent.Run(context.Background(), nil, "how many clients?", domain.TurnContext{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM Clients", res.SQLQuery)
}

func TestRunConfirmationSuspendsTurn(t *testing.T) {
	after := &staticTool{name: "get_tables", result: "never"}
	llm := &mockLLM{script: []scripted{
		toolReply(
			call("c1", "remove_records", `{"table_id":"Clients","record_ids":[1,2]}`),
			call("c2", "get_tables", `{}`),
		),
		textReply("should not be reached"),
	}}
	agent := newTestAgent(llm, newToolExecutor(&confirmTool{name: "remove_records"}, after))

	res, err := agent.Run(context.Background(), nil, "delete them", domain.TurnContext{DocumentID: "doc1"})
	require.NoError(t, err)

	assert.True(t, res.RequiresConfirmation)
	require.NotNil(t, res.Confirmation)
	assert.Equal(t, "conf_abc", res.Confirmation.ID)
	assert.Equal(t, domain.OpDeleteRecords, res.Confirmation.Preview.OperationType)
	assert.Equal(t, 1, llm.calls(), "turn must stop after the gated call")
	assert.Empty(t, after.inputs, "later tool calls must not run")
	assert.Equal(t, 1, res.Metrics.ToolCalls)
	assert.Equal(t, 0, res.Metrics.FailedToolCalls)
}

func TestRunFunctionCallingIncompatible(t *testing.T) {
	llm := &mockLLM{script: []scripted{
		emptyReply(false),
		emptyReply(false),
		emptyReply(false),
		textReply("should not be reached"),
	}}
	agent := newTestAgent(llm, newToolExecutor())

	res, err := agent.Run(context.Background(), nil, "list my tables", domain.TurnContext{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrFunctionCallingIncompatible))

	var fce *domain.FunctionCallingError
	require.True(t, errors.As(err, &fce))
	assert.Equal(t, "test-model", fce.Model)
	assert.Equal(t, 3, fce.Metrics.IterationsWithoutTools)
	assert.Equal(t, 3, res.Metrics.Iterations)
	assert.Equal(t, 3, llm.calls())
	assert.Equal(t, domain.KindFunctionCallingCompat, domain.DescribeError(err).Kind)
}

func TestRunEmptyReplyAddsNudge(t *testing.T) {
	llm := &mockLLM{script: []scripted{
		emptyReply(true),
		textReply("Here you go."),
	}}
	agent := newTestAgent(llm, newToolExecutor())

	res, err := agent.Run(context.Background(), nil, "hi", domain.TurnContext{})
	require.NoError(t, err)
	assert.Equal(t, "Here you go.", res.Output)
	assert.Equal(t, 2, res.Metrics.IterationsWithoutTools)

	req := llm.lastRequest()
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, domain.RoleUser, last.Role)
	assert.Equal(t, nudgeMessage, last.Content)
}

func TestRunEmptyRepliesAfterToolUseDoNotTripIncompatibility(t *testing.T) {
	tool := &staticTool{name: "get_tables", result: "ok"}
	llm := &mockLLM{script: []scripted{
		toolReply(call("c1", "get_tables", `{}`)),
		emptyReply(true),
		emptyReply(true),
		emptyReply(true),
		textReply("Finally."),
	}}
	agent := newTestAgent(llm, newToolExecutor(tool))

	res, err := agent.Run(context.Background(), nil, "go", domain.TurnContext{})
	require.NoError(t, err)
	assert.Equal(t, "Finally.", res.Output)
	assert.Equal(t, 4, res.Metrics.IterationsWithoutTools)
}

func TestRunToolCallsFinishWithoutCalls(t *testing.T) {
	llm := &mockLLM{script: []scripted{{resp: &domain.ChatResponse{
		Message:      domain.Message{Role: domain.RoleAssistant, Content: `<tool_call>{"name":"get_tables"}</tool_call>`},
		FinishReason: domain.FinishToolCalls,
	}}}}
	agent := newTestAgent(llm, newToolExecutor())

	_, err := agent.Run(context.Background(), nil, "hi", domain.TurnContext{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFunctionCallingIncompatible)
}

func TestRunMaxIterations(t *testing.T) {
	tool := &staticTool{name: "get_tables", result: "ok"}
	script := make([]scripted, 0, 4)
	for i := 0; i < 4; i++ {
		script = append(script, toolReply(call(fmt.Sprintf("c%d", i), "get_tables", `{}`)))
	}
	llm := &mockLLM{script: script}
	agent := newTestAgent(llm, newToolExecutor(tool), func(d *AgentDeps) { d.MaxIterations = 3 })

	res, err := agent.Run(context.Background(), nil, "loop", domain.TurnContext{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMaxIterations)

	var mie *domain.MaxIterationsError
	require.True(t, errors.As(err, &mie))
	assert.Equal(t, 3, mie.Limit)
	assert.Equal(t, 3, mie.Metrics.ToolCalls)
	assert.Equal(t, 3, res.Metrics.Iterations)
	assert.Equal(t, 3, llm.calls())
}

func TestRunRetriesTransientLLMErrors(t *testing.T) {
	llm := &mockLLM{script: []scripted{
		failure(fmt.Errorf("openai: %w", domain.ErrRateLimit)),
		failure(domain.NewSubSystemError("llm", "LLM.Chat", domain.ErrProviderError, "API error 503: overloaded")),
		textReply("recovered"),
	}}
	agent := newTestAgent(llm, newToolExecutor())

	res, err := agent.Run(context.Background(), nil, "hi", domain.TurnContext{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Output)
	assert.Equal(t, 3, llm.calls())
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	rl := fmt.Errorf("openai: %w", domain.ErrRateLimit)
	llm := &mockLLM{script: []scripted{failure(rl), failure(rl), failure(rl), textReply("late")}}
	agent := newTestAgent(llm, newToolExecutor())

	res, err := agent.Run(context.Background(), nil, "hi", domain.TurnContext{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.Equal(t, 3, llm.calls())
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Metrics.Iterations)
}

func TestRunDoesNotRetryPermanentErrors(t *testing.T) {
	llm := &mockLLM{script: []scripted{
		failure(fmt.Errorf("openai: %w", domain.ErrAuthInvalid)),
		textReply("unreachable"),
	}}
	agent := newTestAgent(llm, newToolExecutor())

	_, err := agent.Run(context.Background(), nil, "hi", domain.TurnContext{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
	assert.Equal(t, 1, llm.calls())
}

func TestRunWithoutClassifierFailsFast(t *testing.T) {
	llm := &mockLLM{script: []scripted{
		failure(fmt.Errorf("openai: %w", domain.ErrRateLimit)),
		textReply("unreachable"),
	}}
	agent := newTestAgent(llm, newToolExecutor(), func(d *AgentDeps) { d.ErrorClassifier = nil })

	_, err := agent.Run(context.Background(), nil, "hi", domain.TurnContext{})
	require.Error(t, err)
	assert.Equal(t, 1, llm.calls())
}

// slowLLM blocks until its context is done.
type slowLLM struct{}

func (slowLLM) Chat(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (slowLLM) Name() string { return "slow" }

func TestRunPerCallTimeout(t *testing.T) {
	agent := newTestAgent(slowLLM{}, newToolExecutor(), func(d *AgentDeps) {
		d.LLMTimeout = 20 * time.Millisecond
		d.ErrorClassifier = nil
	})

	start := time.Now()
	_, err := agent.Run(context.Background(), nil, "hi", domain.TurnContext{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	agent := newTestAgent(slowLLM{}, newToolExecutor())

	_, err := agent.Run(ctx, nil, "hi", domain.TurnContext{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunUsesHistoryAndTableContext(t *testing.T) {
	llm := &mockLLM{script: []scripted{textReply("ok")}}
	agent := newTestAgent(llm, newToolExecutor(&staticTool{name: "get_tables"}))

	history := []domain.Message{
		{Role: domain.RoleUser, Content: "earlier question"},
		{Role: domain.RoleAssistant, Content: "earlier answer"},
	}
	_, err := agent.Run(context.Background(), history, "now", domain.TurnContext{CurrentTableID: "Clients"})
	require.NoError(t, err)

	req := llm.lastRequest()
	require.Len(t, req.Messages, 4)
	assert.Contains(t, req.Messages[0].Content, "(id: Clients)")
	assert.Equal(t, "earlier question", req.Messages[1].Content)
	assert.Equal(t, "now", req.Messages[3].Content)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get_tables", req.Tools[0].Name)
}

func TestNewAgentDefaults(t *testing.T) {
	a := NewAgent(AgentDeps{LLM: &mockLLM{}, MaxRetries: -1})
	assert.Equal(t, defaultMaxIterations, a.deps.MaxIterations)
	assert.Equal(t, defaultNoToolCallLimit, a.deps.NoToolCallLimit)
	assert.Equal(t, defaultMaxRetries, a.deps.MaxRetries)
	assert.NotNil(t, a.deps.Logger)
}

func TestRetryBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := retryBackoff(attempt)
		assert.GreaterOrEqual(t, d, baseRetryDelay)
		assert.LessOrEqual(t, d, maxRetryDelay+maxRetryDelay/4)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "Cr...", truncate("Créer une tâche", 3))
	assert.Equal(t, "Cré...", truncate("Créer une tâche", 4))

	msg := "Supprime les lignes où la tâche est terminée"
	for n := 0; n < len(msg); n++ {
		got := truncate(msg, n)
		assert.True(t, utf8.ValidString(got), "n=%d got %q", n, got)
	}
}
