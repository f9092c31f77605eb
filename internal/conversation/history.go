// ABOUTME: History service returning paged conversation history to participants only
// ABOUTME: Also lists a user's conversations with their latest message

package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-dm/internal/store"
)

// Page selects a window of history. Zero values mean the newest
// store.DefaultHistoryLimit messages.
type Page struct {
	Limit  int
	Before int64
}

// History reads conversation logs on behalf of an authenticated user.
type History struct {
	messages store.MessageStore
	logger   *slog.Logger
}

// NewHistory creates a history service over messages.
func NewHistory(messages store.MessageStore, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		messages: messages,
		logger:   logger.With("component", "history"),
	}
}

// Load returns the conversation between requesterID and otherUserID in
// ascending seq order. An empty conversation is not an error.
func (h *History) Load(ctx context.Context, requesterID, otherUserID string, page Page) ([]*store.Message, error) {
	if requesterID == "" {
		return nil, fmt.Errorf("%w: no authenticated requester", ErrUnauthorized)
	}
	key, err := store.NewConversationKey(requesterID, otherUserID)
	if err != nil {
		return nil, err
	}
	return h.LoadConversation(ctx, requesterID, key, page)
}

// LoadConversation is Load addressed by conversation key. requesterID must be
// one of the key's participants.
func (h *History) LoadConversation(ctx context.Context, requesterID string, key store.ConversationKey, page Page) ([]*store.Message, error) {
	if requesterID == "" || !key.Has(requesterID) {
		h.logger.Warn("history denied",
			"requester_id", requesterID,
			"conversation", key.String())
		return nil, fmt.Errorf("%w: %s is not a participant", ErrUnauthorized, requesterID)
	}
	if page.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrValidation)
	}
	if page.Before < 0 {
		return nil, fmt.Errorf("%w: before must not be negative", ErrValidation)
	}

	msgs, err := h.messages.History(ctx, store.HistoryQuery{
		Key:    key,
		Limit:  page.Limit,
		Before: page.Before,
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Conversations lists requesterID's conversations, newest activity first.
func (h *History) Conversations(ctx context.Context, requesterID string, limit int) ([]*store.Message, error) {
	if requesterID == "" {
		return nil, fmt.Errorf("%w: no authenticated requester", ErrUnauthorized)
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrValidation)
	}
	return h.messages.Conversations(ctx, requesterID, limit)
}
