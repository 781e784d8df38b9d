package domain

import (
	"context"
	"time"
)

// ChatStore persists chats, messages, stream ids and generation leases.
// Lookups of missing records return nil without an error.
type ChatStore interface {
	GetChat(ctx context.Context, id string) (*Chat, error)
	SaveChat(ctx context.Context, chat Chat) error
	DeleteChat(ctx context.Context, id string) error

	GetMessages(ctx context.Context, chatID string) ([]Message, error)
	// SaveMessages replaces messages by id within their chat and fails with
	// ErrMessageIDTaken when an id is used by another chat.
	SaveMessages(ctx context.Context, msgs []Message) error
	CountRecentMessages(ctx context.Context, userID string, since time.Time) (int, error)

	// StreamIDs returns the chat's stream ids, oldest first.
	StreamIDs(ctx context.Context, chatID string) ([]string, error)
	CreateStreamID(ctx context.Context, streamID, chatID string) error

	// AcquireLease fails with ErrLeaseHeld while an unexpired lease exists.
	AcquireLease(ctx context.Context, chatID, token string, ttl time.Duration) (*Lease, error)
	ReleaseLease(ctx context.Context, chatID, token string) error
}
