package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/codechat/backend/internal/model/chat"
)

// Store is a chat.Repository backed by a local SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ chat.Repository = (*Store)(nil)

// Open creates (or migrates) the database at path.
func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// 单进程本地库，保持一个连接即可
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) CreateSession(ctx context.Context, userID, title string) (chat.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return chat.Session{}, chat.ErrUserRequired
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = chat.DefaultTitle
	}

	now := s.now().Truncate(time.Millisecond)
	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chat_sessions(id, user_id, title, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?)
`, session.ID, session.UserID, session.Title, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return chat.Session{}, err
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	return getSession(ctx, s.db, sessionID)
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]chat.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, chat.ErrUserRequired
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, title, created_at_unix_ms, updated_at_unix_ms
FROM chat_sessions
WHERE user_id = ?
ORDER BY updated_at_unix_ms DESC, id DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chat.Session, 0, 8)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *Store) RenameSession(ctx context.Context, sessionID, title string) (chat.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = chat.DefaultTitle
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE chat_sessions SET title = ?, updated_at_unix_ms = ? WHERE id = ?
`, title, s.now().UnixMilli(), sessionID)
	if err != nil {
		return chat.Session{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	return s.GetSession(ctx, sessionID)
}

// DeleteSession removes the messages first, then the session row.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrSessionNotFound
	}
	return tx.Commit()
}

// InsertMessage stores the row and bumps the session in one transaction.
// The returned createdAt has millisecond precision, matching later reads.
func (s *Store) InsertMessage(ctx context.Context, message chat.Message) (chat.Message, error) {
	if err := chat.ValidateForInsert(message); err != nil {
		return chat.Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	session, err := getSession(ctx, tx, message.SessionID)
	if err != nil {
		return chat.Message{}, err
	}

	now := s.now()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	message.CreatedAt = message.CreatedAt.UTC().Truncate(time.Millisecond)
	message.ID = uuid.NewString()
	message.Delivery = ""

	var imageURL, imageName string
	if message.ImageRef != nil {
		imageURL, imageName = message.ImageRef.URL, message.ImageRef.Name
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, session_id, role, content, image_url, image_name, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, message.ID, message.SessionID, string(message.Role), message.Content, imageURL, imageName, message.CreatedAt.UnixMilli()); err != nil {
		return chat.Message{}, err
	}

	title := session.Title
	if message.Role == chat.RoleUser && title == chat.DefaultTitle {
		if candidate := chat.TitleFromMessage(message.Content); candidate != "" {
			title = candidate
		}
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE chat_sessions SET title = ?, updated_at_unix_ms = ? WHERE id = ?
`, title, now.UnixMilli(), session.ID); err != nil {
		return chat.Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, err
	}
	return message, nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, role, content, image_url, image_name, created_at_unix_ms
FROM messages
WHERE session_id = ?
ORDER BY created_at_unix_ms ASC, seq ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chat.Message, 0, 32)
	for rows.Next() {
		var (
			m                   chat.Message
			role                string
			imageURL, imageName string
			createdAt           int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &imageURL, &imageName, &createdAt); err != nil {
			return nil, err
		}
		m.Role = chat.Role(role)
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		if imageURL != "" {
			m.ImageRef = &chat.ImageRef{URL: imageURL, Name: imageName}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getSession(ctx context.Context, q queryer, sessionID string) (chat.Session, error) {
	row := q.QueryRowContext(ctx, `
SELECT id, user_id, title, created_at_unix_ms, updated_at_unix_ms
FROM chat_sessions
WHERE id = ?
`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	return session, err
}

func scanSession(row scanner) (chat.Session, error) {
	var (
		session          chat.Session
		created, updated int64
	)
	if err := row.Scan(&session.ID, &session.UserID, &session.Title, &created, &updated); err != nil {
		return chat.Session{}, err
	}
	session.CreatedAt = time.UnixMilli(created).UTC()
	session.UpdatedAt = time.UnixMilli(updated).UTC()
	return session, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	// Schema versions:
	// - v1: chat_sessions + messages
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id, updated_at_unix_ms DESC)`,
		`CREATE TABLE IF NOT EXISTS messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  session_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  image_url TEXT NOT NULL DEFAULT '',
  image_name TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at_unix_ms, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
