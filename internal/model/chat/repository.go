package chat

import (
	"context"
	"errors"
)

var (
	ErrUserRequired      = errors.New("user id is required")
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrModelCallFailed   = errors.New("model call failed")
	ErrPersistenceFailed = errors.New("persistence failed")
)

// Repository persists sessions and their messages.
//
// InsertMessage assigns the persisted id (and createdAt when zero) and returns
// the confirmed row. ListMessages returns rows ordered by createdAt ascending,
// ties in insertion order. DeleteSession removes every message of the session.
type Repository interface {
	CreateSession(ctx context.Context, userID, title string) (Session, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	RenameSession(ctx context.Context, sessionID, title string) (Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	InsertMessage(ctx context.Context, message Message) (Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
}

// ValidateForInsert checks the fields every repository requires.
func ValidateForInsert(message Message) error {
	if message.SessionID == "" {
		return ErrSessionNotFound
	}
	if !message.Role.Valid() {
		return ErrInvalidMessage
	}
	if message.Content == "" && message.ImageRef == nil {
		return ErrInvalidMessage
	}
	return nil
}
