package usecase

import (
	"strings"
	"time"

	"grist-agent/internal/domain"
)

// ContextBuilder constructs the prompt message array for LLM calls.
type ContextBuilder struct {
	model         string
	historyWindow int
	promptExtra   string
	now           func() time.Time
}

// NewContextBuilder creates a new context builder. historyWindow bounds the
// number of prior turns carried into the prompt; zero keeps all of them.
func NewContextBuilder(model string, historyWindow int, promptExtra string) *ContextBuilder {
	return &ContextBuilder{
		model:         model,
		historyWindow: historyWindow,
		promptExtra:   promptExtra,
		now:           time.Now,
	}
}

// Model returns the model name requests are built for.
func (cb *ContextBuilder) Model() string { return cb.model }

// Build assembles: system prompt + bounded history + the new user message.
func (cb *ContextBuilder) Build(
	history []domain.Message,
	userMsg string,
	turn domain.TurnContext,
	tools []domain.ToolSchema,
) domain.ChatRequest {
	hist := cb.truncateHistory(filterConversation(history))
	messages := make([]domain.Message, 0, 2+len(hist))

	now := cb.now()
	messages = append(messages, domain.Message{
		Role:      domain.RoleSystem,
		Content:   SystemPrompt(now, turn.CurrentTableID, turn.CurrentTableName, cb.promptExtra),
		Timestamp: now,
	})
	messages = append(messages, hist...)
	messages = append(messages, domain.Message{
		Role:      domain.RoleUser,
		Content:   userMsg,
		Timestamp: now,
	})

	return domain.ChatRequest{
		Model:    cb.model,
		Messages: messages,
		Tools:    tools,
	}
}

// filterConversation keeps user and assistant turns that carry text. Tool
// traffic from earlier turns is never replayed.
func filterConversation(history []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(history))
	for _, m := range history {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, domain.Message{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return out
}

func (cb *ContextBuilder) truncateHistory(history []domain.Message) []domain.Message {
	if cb.historyWindow <= 0 || len(history) <= cb.historyWindow {
		return history
	}
	kept := history[len(history)-cb.historyWindow:]

	// Never open the window on a dangling assistant reply.
	for len(kept) > 0 && kept[0].Role == domain.RoleAssistant {
		kept = kept[1:]
	}
	return kept
}
