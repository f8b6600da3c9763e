package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"grist-agent/internal/adapter/tool"
	"grist-agent/internal/domain"
	"grist-agent/internal/infra/config"
	"grist-agent/internal/infra/tracer"
	"grist-agent/internal/usecase"
	"grist-agent/internal/usecase/confirm"
	"grist-agent/internal/usecase/document"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

const (
	apologyOutput       = "I encountered an error while processing your request. Please try again or rephrase your request."
	maxIterationsOutput = "I apologize, but I've reached the maximum number of steps. Please try rephrasing your request."
	incompatibleOutput  = "The configured language model does not appear to support function calling, so I cannot work on your document. Please contact your administrator."
)

// GristFactory returns a Grist client bound to one access token.
type GristFactory func(token string) domain.GristClient

// HandlerDeps holds dependencies needed by the HTTP handlers. Everything
// here is shared across requests; agents and document services are built
// per request.
type HandlerDeps struct {
	Grist    GristFactory
	Catalog  *tool.Catalog
	LLM      domain.LLMProvider
	Confirm  *confirm.Service // nil = destructive operations run immediately
	Agent    config.AgentConfig
	LLMConf  config.LLMConfig
	Document document.Config
	Logger   *slog.Logger
	Version  string
}

// Handler serves the chat API.
type Handler struct {
	deps       HandlerDeps
	classifier *usecase.ErrorClassifier
}

// NewHandler creates a Handler.
func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{deps: deps, classifier: usecase.NewErrorClassifier()}
}

// Routes registers the API endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/health", h.handleHealth)
	mux.HandleFunc("POST /api/v1/chat", h.handleChat)
	mux.HandleFunc("POST /api/v1/chat/confirm", h.handleConfirm)
}

// --- wire types ---

type messagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type uiMessage struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []messagePart `json:"parts,omitempty"`
}

// text returns the first text part, falling back to content.
func (m uiMessage) text() string {
	if len(m.Parts) > 0 {
		for _, p := range m.Parts {
			if p.Type == "text" {
				return p.Text
			}
		}
		return ""
	}
	return m.Content
}

type chatRequest struct {
	Messages         []uiMessage `json:"messages"`
	DocumentID       string      `json:"documentId"`
	CurrentTableID   string      `json:"currentTableId,omitempty"`
	CurrentTableName string      `json:"currentTableName,omitempty"`
}

type chatResponse struct {
	Response             string                      `json:"response"`
	SQLQuery             string                      `json:"sql_query,omitempty"`
	AgentUsed            string                      `json:"agent_used"`
	ToolCalls            []domain.ToolInvocation     `json:"tool_calls,omitempty"`
	Error                string                      `json:"error,omitempty"`
	RequiresConfirmation bool                        `json:"requires_confirmation"`
	ConfirmationRequest  *domain.ConfirmationRequest `json:"confirmation_request,omitempty"`
	Metrics              domain.ExecutionMetrics     `json:"metrics"`
}

type confirmRequest struct {
	ConfirmationID string `json:"confirmation_id"`
	Approved       bool   `json:"approved"`
	Reason         string `json:"reason,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// --- handlers ---

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Version: h.deps.Version})
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.StartSpan(r.Context(), "gateway.chat")
	defer span.End()

	token := gristToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing "+GristTokenHeader+" header")
		return
	}

	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DocumentID) == "" {
		writeError(w, http.StatusBadRequest, "documentId is required")
		return
	}

	userText, history := splitConversation(req.Messages)
	if userText == "" {
		writeError(w, http.StatusBadRequest, "No user message found")
		return
	}
	span.SetAttributes(tracer.StringAttr("grist.document_id", req.DocumentID))

	logger := h.deps.Logger.With(
		"request_id", domain.RequestIDFromContext(ctx),
		"document_id", req.DocumentID,
	)
	logger.Info("chat request", "messages", len(req.Messages))

	agent := h.newAgent(token, req.DocumentID, logger)
	res, err := agent.Run(ctx, history, userText, domain.TurnContext{
		DocumentID:       req.DocumentID,
		CurrentTableID:   req.CurrentTableID,
		CurrentTableName: req.CurrentTableName,
	})

	resp := chatResponse{AgentUsed: h.deps.LLMConf.Provider.Model}
	if res != nil {
		resp.Response = res.Output
		resp.SQLQuery = res.SQLQuery
		resp.ToolCalls = res.ToolCalls
		resp.RequiresConfirmation = res.RequiresConfirmation
		resp.ConfirmationRequest = res.Confirmation
		resp.Metrics = res.Metrics
	}

	if err != nil {
		tracer.RecordError(span, err)
		resp.Response, resp.Error = h.describeRunError(logger, err)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if resp.RequiresConfirmation {
		logger.Info("operation requires confirmation", "confirmation_id", resp.ConfirmationRequest.ID)
	}
	logger.Info("chat completed",
		"tool_calls", resp.Metrics.ToolCalls,
		"failed_tool_calls", resp.Metrics.FailedToolCalls,
		"iterations", resp.Metrics.Iterations,
	)
	tracer.SetOK(span)
	writeJSON(w, http.StatusOK, resp)
}

// describeRunError maps a terminal agent error to the user-facing output and
// the error field of the response.
func (h *Handler) describeRunError(logger *slog.Logger, err error) (output, errField string) {
	var mie *domain.MaxIterationsError
	var fce *domain.FunctionCallingError
	switch {
	case errors.As(err, &mie):
		logger.Warn("agent stopped at max iterations", "limit", mie.Limit)
		return maxIterationsOutput, "Max iterations reached"
	case errors.As(err, &fce):
		logger.Error("function calling incompatibility", "model", fce.Model, "cause", fce.Cause)
		return incompatibleOutput, fce.Error()
	case errors.Is(err, context.Canceled):
		logger.Info("chat request canceled")
		return apologyOutput, string(domain.ErrorCodeOf(err))
	default:
		classified := h.classifier.Classify(err)
		logger.Error("chat request failed",
			"error", err,
			"code", domain.ErrorCodeOf(err),
			"retryable", classified.Retryable(),
		)
		return apologyOutput, string(domain.ErrorCodeOf(err))
	}
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.StartSpan(r.Context(), "gateway.confirm")
	defer span.End()

	token := gristToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing "+GristTokenHeader+" header")
		return
	}

	var req confirmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ConfirmationID == "" {
		writeError(w, http.StatusBadRequest, "confirmation_id is required")
		return
	}
	span.SetAttributes(
		tracer.StringAttr("confirmation.id", req.ConfirmationID),
		tracer.BoolAttr("confirmation.approved", req.Approved),
	)

	logger := h.deps.Logger.With(
		"request_id", domain.RequestIDFromContext(ctx),
		"confirmation_id", req.ConfirmationID,
	)

	if h.deps.Confirm == nil {
		writeError(w, http.StatusNotFound, "Confirmation "+req.ConfirmationID+" not found or expired")
		return
	}

	exec := func(ctx context.Context, op domain.PendingOperation) (any, error) {
		ctx = domain.ContextWithDocumentID(ctx, op.DocumentID)
		svc := document.NewService(h.deps.Grist(token), op.DocumentID, nil, h.deps.Document, logger)
		return svc.ExecuteOperation(ctx, op)
	}

	resp, err := h.deps.Confirm.Resolve(ctx, req.ConfirmationID, req.Approved, req.Reason, exec)
	switch {
	case errors.Is(err, domain.ErrConfirmationNotFound):
		writeError(w, http.StatusNotFound, "Confirmation "+req.ConfirmationID+" not found or expired")
		return
	case err != nil && isStoreFailure(err):
		tracer.RecordError(span, err)
		logger.Error("confirmation store failed", "error", err)
		writeError(w, http.StatusInternalServerError, "confirmation store unavailable")
		return
	case err != nil:
		tracer.RecordError(span, err)
		writeJSON(w, http.StatusOK, domain.ConfirmationResponse{
			ConfirmationID: req.ConfirmationID,
			Status:         domain.StatusApproved,
			Message:        "Operation failed: " + domain.DescribeError(err).Message,
		})
		return
	}

	span.AddEvent("confirmation.resolved", trace.WithAttributes(tracer.StringAttr("status", string(resp.Status))))
	tracer.SetOK(span)
	writeJSON(w, http.StatusOK, resp)
}

// newAgent binds a fresh document service and tool set for one request.
func (h *Handler) newAgent(token, docID string, logger *slog.Logger) *usecase.Agent {
	var confirmer domain.Confirmer
	if h.deps.Confirm != nil {
		confirmer = h.deps.Confirm
	}
	svc := document.NewService(h.deps.Grist(token), docID, confirmer, h.deps.Document, logger)
	tools := h.deps.Catalog.Bind(svc)

	return usecase.NewAgent(usecase.AgentDeps{
		LLM:   h.deps.LLM,
		Tools: tools,
		ContextBuilder: usecase.NewContextBuilder(
			h.deps.LLMConf.Provider.Model,
			h.deps.Agent.HistoryWindow,
			h.deps.Agent.SystemPromptExtra,
		),
		ErrorClassifier: h.classifier,
		Logger:          logger,
		MaxIterations:   h.deps.Agent.MaxIterations,
		NoToolCallLimit: h.deps.Agent.NoToolCallLimit,
		LLMTimeout:      h.deps.Agent.LLMTimeout,
		MaxRetries:      h.deps.LLMConf.MaxRetries,
	})
}

// splitConversation returns the text of the last user message and the
// conversation before it.
func splitConversation(msgs []uiMessage) (string, []domain.Message) {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return "", nil
	}
	history := make([]domain.Message, 0, last)
	for _, m := range msgs[:last] {
		if text := m.text(); text != "" {
			history = append(history, domain.Message{Role: m.Role, Content: text})
		}
	}
	return strings.TrimSpace(msgs[last].text()), history
}

func isStoreFailure(err error) bool {
	var de *domain.DomainError
	return errors.As(err, &de) && de.SubSystem == "confirm" && errors.Is(err, domain.ErrProviderError)
}

// decodeBody parses a size-limited JSON body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		msg := "invalid JSON: " + err.Error()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large (max 1MB)"
		}
		writeError(w, http.StatusBadRequest, msg)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
