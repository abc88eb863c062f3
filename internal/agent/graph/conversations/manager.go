package conversations

import (
	"context"
	"strings"

	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/model"

	"github.com/cloudwego/eino/schema"
)

// MessagesManager sits between the graph and the conversation repository. It
// owns the persistence rules the graph relies on: the user turn is written
// once per external call, and only the accepted assistant text ever reaches
// the store.
type MessagesManager struct {
	conversationRepo model.ConversationRepository
}

func NewMessagesManager(conversationRepo model.ConversationRepository) *MessagesManager {
	return &MessagesManager{conversationRepo: conversationRepo}
}

// LoadHistory returns the prior turns for a conversation. Unknown ids come
// back as an empty slice.
func (mm *MessagesManager) LoadHistory(ctx context.Context, conversationID string) ([]*schema.Message, error) {
	history, err := mm.conversationRepo.LoadHistory(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return history.Messages, nil
}

// SaveUserTurn persists the customer's question for this turn.
func (mm *MessagesManager) SaveUserTurn(ctx context.Context, conversationID string, question string) error {
	return mm.conversationRepo.AddMessage(ctx, conversationID, schema.UserMessage(question))
}

// SaveResponse persists the accepted assistant text for this turn.
func (mm *MessagesManager) SaveResponse(ctx context.Context, conversationID string, content string) error {
	return mm.conversationRepo.AddMessage(ctx, conversationID, schema.AssistantMessage(content, nil))
}

// JoinPassages concatenates retrieved passages in ranking order with a
// blank-line separator, skipping empty entries.
func JoinPassages(passages []string) string {
	kept := make([]string, 0, len(passages))
	for _, p := range passages {
		if strings.TrimSpace(p) == "" {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "\n\n")
}
