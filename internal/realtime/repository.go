package realtime

import (
	"context"

	"github.com/zhouzirui/codechat/backend/internal/model/chat"
)

// PublishingRepository publishes every successful write of the wrapped
// repository to the hub.
type PublishingRepository struct {
	chat.Repository
	hub *Hub
}

// NewPublishingRepository wraps repo.
func NewPublishingRepository(repo chat.Repository, hub *Hub) *PublishingRepository {
	return &PublishingRepository{Repository: repo, hub: hub}
}

// CreateSession persists a session and announces it.
func (r *PublishingRepository) CreateSession(ctx context.Context, userID, title string) (chat.Session, error) {
	session, err := r.Repository.CreateSession(ctx, userID, title)
	if err != nil {
		return chat.Session{}, err
	}
	r.publishSession(EventInsert, session)
	return session, nil
}

// RenameSession updates a title and announces the change.
func (r *PublishingRepository) RenameSession(ctx context.Context, sessionID, title string) (chat.Session, error) {
	session, err := r.Repository.RenameSession(ctx, sessionID, title)
	if err != nil {
		return chat.Session{}, err
	}
	r.publishSession(EventUpdate, session)
	return session, nil
}

// DeleteSession removes a session with its messages and announces the delete.
func (r *PublishingRepository) DeleteSession(ctx context.Context, sessionID string) error {
	session, err := r.Repository.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := r.Repository.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	r.publishSession(EventDelete, session)
	return nil
}

// InsertMessage persists a message, then announces the row and the session
// metadata change it caused.
func (r *PublishingRepository) InsertMessage(ctx context.Context, message chat.Message) (chat.Message, error) {
	stored, err := r.Repository.InsertMessage(ctx, message)
	if err != nil {
		return chat.Message{}, err
	}

	row := stored.Clone()
	r.hub.Publish(Event{
		Type:      EventInsert,
		Table:     TableMessages,
		SessionID: stored.SessionID,
		Message:   &row,
	})

	if session, err := r.Repository.GetSession(ctx, stored.SessionID); err == nil {
		r.publishSession(EventUpdate, session)
	}
	return stored, nil
}

func (r *PublishingRepository) publishSession(kind EventType, session chat.Session) {
	copied := session
	r.hub.Publish(Event{
		Type:      kind,
		Table:     TableSessions,
		SessionID: session.ID,
		UserID:    session.UserID,
		Session:   &copied,
	})
}
