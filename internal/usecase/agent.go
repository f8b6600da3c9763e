package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"grist-agent/internal/domain"
	"grist-agent/internal/infra/tracer"
)

// Recovery loop constants.
const (
	defaultMaxRetries      = 2
	defaultMaxIterations   = 15
	defaultNoToolCallLimit = 3
	baseRetryDelay         = 500 * time.Millisecond
	maxRetryDelay          = 10 * time.Second
)

// nudgeMessage is appended after an empty model reply so the next iteration
// either calls a tool or answers.
const nudgeMessage = "Your last reply was empty. Use the available tools to inspect the document, or give your final answer."

// AgentDeps holds injected dependencies for the agent.
type AgentDeps struct {
	LLM             domain.LLMProvider
	Tools           domain.ToolExecutor
	ContextBuilder  *ContextBuilder
	ErrorClassifier *ErrorClassifier // optional, nil = no retry
	Logger          *slog.Logger
	MaxIterations   int
	NoToolCallLimit int
	LLMTimeout      time.Duration // per model call, 0 = caller's deadline only
	MaxRetries      int           // retries after the first attempt
}

// Agent runs one conversational turn against a bound tool set. Agents are
// cheap and built per request.
type Agent struct {
	deps    AgentDeps
	backoff func(attempt int) time.Duration
}

// NewAgent creates an agent with the given dependencies.
func NewAgent(deps AgentDeps) *Agent {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = defaultMaxIterations
	}
	if deps.NoToolCallLimit <= 0 {
		deps.NoToolCallLimit = defaultNoToolCallLimit
	}
	if deps.MaxRetries < 0 {
		deps.MaxRetries = defaultMaxRetries
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Agent{deps: deps, backoff: retryBackoff}
}

// turnState is the mutable state of one run.
type turnState struct {
	req              domain.ChatRequest
	result           domain.RunResult
	consecutiveEmpty int
}

// Run processes one user message. The returned result is never nil and
// always carries the metrics gathered so far, also when err is non-nil.
//
// The loop alternates between calling the model and executing the tool calls
// it returns, until the model answers in plain text or the iteration budget
// runs out. A tool that needs user approval suspends the turn; the result
// then has RequiresConfirmation set and a nil error.
func (a *Agent) Run(ctx context.Context, history []domain.Message, userMsg string, turn domain.TurnContext) (*domain.RunResult, error) {
	ctx, span := tracer.StartSpan(ctx, "agent.run",
		trace.WithAttributes(
			tracer.StringAttr("agent.model", a.model()),
			tracer.StringAttr("grist.document_id", turn.DocumentID),
		),
	)
	defer span.End()

	if turn.DocumentID != "" {
		ctx = domain.ContextWithDocumentID(ctx, turn.DocumentID)
	}
	logger := a.deps.Logger.With("document_id", turn.DocumentID)
	if reqID := domain.RequestIDFromContext(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	logger.Info("user message", "content", truncate(userMsg, 200))

	st := &turnState{
		req: a.deps.ContextBuilder.Build(history, userMsg, turn, a.deps.Tools.Schemas()),
	}

	for i := 0; i < a.deps.MaxIterations; i++ {
		st.result.Metrics.Iterations = i + 1
		span.AddEvent("agent.iteration", trace.WithAttributes(tracer.IntAttr("iteration", i)))

		resp, err := a.callLLMWithRetry(ctx, st.req)
		if err != nil {
			tracer.RecordError(span, err)
			logger.Error("llm call failed", "iteration", i+1, "error", err)
			return &st.result, err
		}
		msg := resp.Message
		msg.Role = domain.RoleAssistant

		logger.Debug("llm response",
			"iteration", i+1,
			"finish_reason", resp.FinishReason,
			"has_content", msg.Content != "",
			"tool_calls", len(msg.ToolCalls),
			"tokens", resp.Usage.TotalTokens,
		)

		if len(msg.ToolCalls) == 0 {
			if resp.FinishReason == domain.FinishToolCalls {
				err := a.incompatible(&st.result, "finish_reason is tool_calls but no tool call could be parsed")
				tracer.RecordError(span, err)
				logger.Error("function calling failure", "error", err)
				return &st.result, err
			}

			st.result.Metrics.IterationsWithoutTools++
			st.consecutiveEmpty++
			if !resp.ToolCallsField {
				logger.Warn("llm response has no tool_calls field", "iteration", i+1)
			}

			if strings.TrimSpace(msg.Content) != "" {
				st.result.Output = msg.Content
				a.logCompleted(logger, st.result.Metrics)
				tracer.SetOK(span)
				return &st.result, nil
			}

			if st.result.Metrics.ToolCalls == 0 && st.consecutiveEmpty >= a.deps.NoToolCallLimit {
				err := a.incompatible(&st.result,
					fmt.Sprintf("no tool calls for %d consecutive iterations", st.consecutiveEmpty))
				tracer.RecordError(span, err)
				logger.Error("function calling failure", "error", err)
				return &st.result, err
			}

			logger.Warn("llm returned an empty reply", "iteration", i+1, "consecutive", st.consecutiveEmpty)
			st.req.Messages = append(st.req.Messages, domain.Message{
				Role:      domain.RoleUser,
				Content:   nudgeMessage,
				Timestamp: time.Now(),
			})
			continue
		}

		st.consecutiveEmpty = 0
		st.req.Messages = append(st.req.Messages, msg)
		logger.Info("llm requested tool calls", "count", len(msg.ToolCalls))

		for _, call := range msg.ToolCalls {
			suspended, err := a.executeTool(ctx, logger, st, call)
			if err != nil {
				tracer.RecordError(span, err)
				return &st.result, err
			}
			if suspended {
				span.SetAttributes(tracer.BoolAttr("agent.requires_confirmation", true))
				tracer.SetOK(span)
				return &st.result, nil
			}
		}
	}

	err := &domain.MaxIterationsError{Limit: a.deps.MaxIterations, Metrics: st.result.Metrics}
	a.logMaxIterations(logger, st.result.Metrics)
	tracer.RecordError(span, err)
	return &st.result, err
}

// executeTool runs a single tool call, appends its tool turn, and records the
// invocation. It reports suspended=true when the tool asked for confirmation.
// The returned error is reserved for failures that end the turn.
func (a *Agent) executeTool(ctx context.Context, logger *slog.Logger, st *turnState, call domain.ToolCall) (suspended bool, err error) {
	ctx, span := tracer.StartSpan(ctx, "agent.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	st.result.Metrics.ToolCalls++
	inv := domain.ToolInvocation{ToolName: call.Name, ToolInput: normalizeArgs(call.Arguments)}

	var (
		content string
		failed  bool
		desc    *domain.ErrorDescriptor
	)

	tool, lookupErr := a.deps.Tools.Get(call.Name)
	if lookupErr != nil {
		content = fmt.Sprintf("Tool %s not found", call.Name)
		failed = true
		d := domain.ErrorDescriptor{Kind: domain.KindValidation, Message: content}
		desc = &d
		logger.Error("unknown tool requested", "tool", call.Name)
	} else {
		res, execErr := tool.Execute(ctx, inv.ToolInput)
		var confirmErr *domain.ConfirmationRequiredError
		switch {
		case errors.As(execErr, &confirmErr):
			logger.Info("tool requires confirmation",
				"tool", call.Name, "confirmation_id", confirmErr.Request.ID)
			st.result.RequiresConfirmation = true
			st.result.Confirmation = confirmErr.Request
			st.result.Output = confirmErr.Request.Preview.Description
			inv.ToolOutput = confirmErr.Error()
			st.result.ToolCalls = append(st.result.ToolCalls, inv)
			tracer.SetOK(span)
			return true, nil
		case execErr != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				tracer.RecordError(span, execErr)
				return false, domain.WrapOp("Agent.Run", execErr)
			}
			content = "Error: " + execErr.Error()
			failed = true
			d := domain.DescribeError(execErr)
			desc = &d
		case res == nil:
			content = "Error: tool returned no result"
			failed = true
		default:
			content = res.Content
			failed = res.IsError
			desc = res.Error
		}
	}

	if failed {
		st.result.Metrics.FailedToolCalls++
		span.SetAttributes(tracer.BoolAttr("tool.failed", true))
		logger.Warn("tool failed", "tool", call.Name, "output", truncate(content, 200))
	} else {
		tracer.SetOK(span)
		logger.Info("tool executed", "tool", call.Name)
		logger.Debug("tool result", "tool", call.Name, "output", truncate(content, 200))
		if call.Name == "query_document" {
			if q := extractQuery(inv.ToolInput); q != "" {
				st.result.SQLQuery = q
			}
		}
	}

	inv.ToolOutput = content
	inv.Error = desc
	st.result.ToolCalls = append(st.result.ToolCalls, inv)

	st.req.Messages = append(st.req.Messages, domain.Message{
		Role:    domain.RoleTool,
		Name:    call.Name,
		Content: content,
		ToolCalls: []domain.ToolCall{{
			ID:   call.ID,
			Name: call.Name,
		}},
		Timestamp: time.Now(),
	})
	return false, nil
}

// callLLMWithRetry performs the LLM call, retrying transient failures with
// exponential backoff when a classifier is configured.
func (a *Agent) callLLMWithRetry(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	maxAttempts := 1
	if a.deps.ErrorClassifier != nil {
		maxAttempts += a.deps.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := a.callLLM(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// The caller's own deadline or cancellation is final.
		if ctx.Err() != nil {
			return nil, err
		}
		if a.deps.ErrorClassifier == nil {
			return nil, err
		}
		classified := a.deps.ErrorClassifier.Classify(err)
		if !classified.Retryable() {
			return nil, err
		}

		if attempt < maxAttempts-1 {
			delay := a.backoff(attempt)
			a.deps.Logger.Info("retrying LLM call after error",
				"attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (a *Agent) callLLM(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "agent.llm_call")
	defer span.End()

	if a.deps.LLMTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.deps.LLMTimeout)
		defer cancel()
	}
	resp, err := a.deps.LLM.Chat(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	if resp == nil {
		err := domain.NewSubSystemError("llm", "LLM.Chat", domain.ErrProviderError, "empty response")
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return resp, nil
}

func (a *Agent) incompatible(res *domain.RunResult, cause string) error {
	return &domain.FunctionCallingError{
		Model:   a.model(),
		Cause:   cause,
		Metrics: res.Metrics,
	}
}

func (a *Agent) model() string {
	if a.deps.ContextBuilder != nil && a.deps.ContextBuilder.Model() != "" {
		return a.deps.ContextBuilder.Model()
	}
	return a.deps.LLM.Name()
}

func (a *Agent) logCompleted(logger *slog.Logger, m domain.ExecutionMetrics) {
	successRate := 0.0
	if m.ToolCalls > 0 {
		successRate = 100 * (1 - m.FailureRate())
	}
	logger.Info("agent completed",
		"iterations", m.Iterations,
		"tool_calls", m.ToolCalls,
		"failed_tool_calls", m.FailedToolCalls,
		"success_rate", fmt.Sprintf("%.1f%%", successRate),
	)
}

func (a *Agent) logMaxIterations(logger *slog.Logger, m domain.ExecutionMetrics) {
	logger.Error("agent reached max iterations",
		"limit", a.deps.MaxIterations,
		"tool_calls", m.ToolCalls,
		"failed_tool_calls", m.FailedToolCalls,
		"iterations_without_tool_calls", m.IterationsWithoutTools,
	)
	switch {
	case m.ToolCalls == 0:
		logger.Error("agent made no tool calls across all iterations; the model may not support function calling",
			"model", a.model())
	case m.FailureRate() > 0.5:
		logger.Error("high tool failure rate",
			"failed", m.FailedToolCalls, "total", m.ToolCalls)
	}
}

// normalizeArgs turns empty arguments into an empty object.
func normalizeArgs(raw json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func extractQuery(raw json.RawMessage) string {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return ""
	}
	return in.Query
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
