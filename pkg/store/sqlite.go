// Package store persists finalized conversation messages in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vango-go/vai-live/pkg/live/session"
	_ "modernc.org/sqlite"
)

const titleMaxRunes = 60

// Conversation summarizes one stored conversation.
type Conversation struct {
	ID           string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// SQLite is a transcript store backed by a single SQLite file. Path ":memory:"
// keeps everything in process.
type SQLite struct {
	db    *sql.DB
	clock func() time.Time
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*SQLite, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps :memory: a single database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLite{db: db, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// AppendMessage stores msg under conversationID, creating the conversation on
// first use. The first user message becomes the conversation title. Appending
// a message id twice updates its content in place.
func (s *SQLite) AppendMessage(ctx context.Context, conversationID string, msg session.Message) error {
	if conversationID == "" {
		return fmt.Errorf("append message: empty conversation id")
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}
	now := s.clock().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var title string
	if msg.Role == session.RoleUser {
		title = conversationTitle(msg.Content)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations(id, title, created_at, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   updated_at = excluded.updated_at,
		   title = CASE WHEN conversations.title = '' THEN excluded.title ELSE conversations.title END`,
		conversationID, title, now, now); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages(id, conversation_id, role, content, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET content = excluded.content`,
		msg.ID, conversationID, string(msg.Role), msg.Content, created.UnixMilli()); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// Messages returns the messages of a conversation in append order.
func (s *SQLite) Messages(ctx context.Context, conversationID string) ([]session.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []session.Message
	for rows.Next() {
		var (
			m       session.Message
			role    string
			created int64
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = session.Role(role)
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListConversations returns up to limit conversations, most recently updated
// first. A non-positive limit means 50.
func (s *SQLite) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.title, c.created_at, c.updated_at, COUNT(m.seq)
		 FROM conversations c LEFT JOIN messages m ON m.conversation_id = c.id
		 GROUP BY c.id
		 ORDER BY c.updated_at DESC, c.created_at DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			c                Conversation
			created, updated int64
		)
		if err := rows.Scan(&c.ID, &c.Title, &created, &updated, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.CreatedAt = time.UnixMilli(created)
		c.UpdatedAt = time.UnixMilli(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and its messages.
func (s *SQLite) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return tx.Commit()
}

func conversationTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(title) <= titleMaxRunes {
		return title
	}
	r := []rune(title)
	return strings.TrimSpace(string(r[:titleMaxRunes])) + "…"
}
