package provider

import (
	"context"
	"time"

	"github.com/stoik/chatsweep/internal/models"
)

// MessageQuery bounds a page of conversation items. Results are returned newest-first.
type MessageQuery struct {
	// OffsetID returns only items with an id strictly below it. Zero starts from the newest item.
	OffsetID int64
	// MinID returns only items with an id strictly above it.
	MinID int64
	// Since returns only items dated at or after it when non-zero.
	Since time.Time
	Limit int
}

// Provider defines the interface for chat platform clients.
type Provider interface {
	// Connect establishes and authenticates the session.
	Connect(ctx context.Context) error

	// Me returns the remote identity that owns the session.
	Me(ctx context.Context) (models.ProviderUser, error)

	// IterChats lazily enumerates every conversation of the session. Returning an error from fn
	// stops the iteration and is propagated.
	IterChats(ctx context.Context, fn func(models.ProviderChat) error) error

	// GetMessages retrieves one page of a conversation's items, newest-first.
	GetMessages(ctx context.Context, chatID int64, q MessageQuery) ([]models.ProviderMessage, error)

	// DeleteMessages removes a batch of items by id and returns how many were removed.
	DeleteMessages(ctx context.Context, chatID int64, ids []int64, revoke bool) (int, error)

	// SendMessage posts a text item to a conversation.
	SendMessage(ctx context.Context, chatID int64, text string) (models.ProviderMessage, error)

	// GetChatDescription fetches a conversation's descriptive text (rules, about).
	GetChatDescription(ctx context.Context, chatID int64) (string, error)

	Close() error
}
