package thread

import (
	"context"
	"fmt"

	"github.com/HyphaGroup/runloom/internal/conversation"
)

// prepareMessages builds the prompt for the next pass: system prompt, the
// saved model-visible history, the temporary message ahead of the latest
// user message, and any text carried over from a truncated pass.
func (m *Manager) prepareMessages(ctx context.Context, req Request, cont conversation.ContinuationState) ([]conversation.Message, error) {
	events, err := m.history.ModelVisibleHistory(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	msgs := make([]conversation.Message, 0, len(events)+3)
	system := req.Params.SystemPrompt
	if system == "" {
		system = m.DefaultSystemPrompt
	}
	if system != "" {
		msgs = append(msgs, conversation.Message{Role: conversation.RoleSystem, Content: system})
	}
	for i := range events {
		if msg, ok := events[i].ToMessage(); ok {
			msgs = append(msgs, msg)
		}
	}

	if req.TemporaryMessage != nil {
		msgs = insertBeforeLastUser(msgs, *req.TemporaryMessage)
	}
	if cont.AccumulatedContent != "" {
		msgs = append(msgs, conversation.Message{Role: conversation.RoleAssistant, Content: cont.AccumulatedContent})
	}
	return msgs, nil
}

func insertBeforeLastUser(msgs []conversation.Message, tmp conversation.Message) []conversation.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != conversation.RoleUser {
			continue
		}
		out := make([]conversation.Message, 0, len(msgs)+1)
		out = append(out, msgs[:i]...)
		out = append(out, tmp)
		return append(out, msgs[i:]...)
	}
	return append(msgs, tmp)
}
