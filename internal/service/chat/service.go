package chat

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/codechat/backend/internal/model/chat"
)

// Service is an in-memory chat.Repository suitable for local runs and tests.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	messages map[string][]chat.Message
	now      func() time.Time
}

var _ chat.Repository = (*Service)(nil)

// NewService bootstraps an empty in-memory repository.
func NewService() *Service {
	return &Service{
		sessions: make(map[string]chat.Session),
		messages: make(map[string][]chat.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession provisions a session owned by userID.
func (s *Service) CreateSession(_ context.Context, userID, title string) (chat.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return chat.Session{}, chat.ErrUserRequired
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = chat.DefaultTitle
	}

	now := s.now()
	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.messages[session.ID] = make([]chat.Message, 0, 16)
	s.mu.Unlock()

	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	return session, nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *Service) ListSessions(_ context.Context, userID string) ([]chat.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, chat.ErrUserRequired
	}

	s.mu.RLock()
	out := make([]chat.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if session.UserID == userID {
			out = append(out, session)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b chat.Session) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out, nil
}

// RenameSession replaces the session title.
func (s *Service) RenameSession(_ context.Context, sessionID, title string) (chat.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = chat.DefaultTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	session.Title = title
	session.UpdatedAt = s.now()
	s.sessions[sessionID] = session
	return session, nil
}

// DeleteSession removes the session and every message it owns.
func (s *Service) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return chat.ErrSessionNotFound
	}
	delete(s.messages, sessionID)
	delete(s.sessions, sessionID)
	return nil
}

// InsertMessage appends a message to the session history and returns the
// stored row.
func (s *Service) InsertMessage(_ context.Context, message chat.Message) (chat.Message, error) {
	if err := chat.ValidateForInsert(message); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[message.SessionID]
	if !ok {
		return chat.Message{}, chat.ErrSessionNotFound
	}

	message.ID = uuid.NewString()
	message.Delivery = ""
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now()
	}

	history := s.messages[message.SessionID]
	pos := len(history)
	for pos > 0 && history[pos-1].CreatedAt.After(message.CreatedAt) {
		pos--
	}
	s.messages[message.SessionID] = slices.Insert(history, pos, message.Clone())

	session.UpdatedAt = s.now()
	if message.Role == chat.RoleUser && session.Title == chat.DefaultTitle {
		if title := chat.TitleFromMessage(message.Content); title != "" {
			session.Title = title
		}
	}
	s.sessions[session.ID] = session

	return message.Clone(), nil
}

// ListMessages returns stored messages for the session in order.
func (s *Service) ListMessages(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, chat.ErrSessionNotFound
	}

	copied := make([]chat.Message, len(messages))
	for i, m := range messages {
		copied[i] = m.Clone()
	}
	return copied, nil
}
