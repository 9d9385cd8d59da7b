// Package history persists the live conversation window so a session
// survives process restarts. Only the current window lives here;
// evicted messages belong to the archive.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hession/vox/internal/chat"
)

// Store is the SQLite-backed window store.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the history database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database tables: %w", err)
	}
	return store, nil
}

func (s *Store) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			next_seq INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS window_messages (
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_window_messages_conversation
			ON window_messages(conversation_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute SQL: %s, error: %w", query, err)
		}
	}
	return nil
}

// CreateConversation allocates a new conversation ID.
func (s *Store) CreateConversation() (string, error) {
	id := uuid.New().String()
	now := time.Now()

	_, err := s.db.Exec(
		"INSERT INTO conversations (id, next_seq, created_at, updated_at) VALUES (?, 1, ?, ?)",
		id, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return id, nil
}

// EnsureConversation creates the conversation row if it does not exist.
func (s *Store) EnsureConversation(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO conversations (id, next_seq, created_at, updated_at) VALUES (?, 1, ?, ?)",
		id, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure conversation: %w", err)
	}
	return nil
}

// NextSeq atomically allocates the next sequence number for a
// conversation.
func (s *Store) NextSeq(conversationID string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRow(
		"SELECT next_seq FROM conversations WHERE id = ?", conversationID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("conversation %s not found", conversationID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read next seq: %w", err)
	}

	_, err = tx.Exec(
		"UPDATE conversations SET next_seq = ?, updated_at = ? WHERE id = ?",
		seq+1, time.Now(), conversationID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to advance seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit seq allocation: %w", err)
	}
	return seq, nil
}

// ReplaceWindow atomically replaces the stored window for a
// conversation with msgs.
func (s *Store) ReplaceWindow(conversationID string, msgs []chat.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM window_messages WHERE conversation_id = ?", conversationID,
	); err != nil {
		return fmt.Errorf("failed to clear window: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO window_messages (conversation_id, seq, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare window insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.Exec(conversationID, m.Seq, string(m.Role), m.Content, m.Timestamp); err != nil {
			return fmt.Errorf("failed to store window message seq %d: %w", m.Seq, err)
		}
	}

	if _, err := tx.Exec(
		"UPDATE conversations SET updated_at = ? WHERE id = ?",
		time.Now(), conversationID,
	); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit window: %w", err)
	}
	return nil
}

// LoadWindow returns the stored window in sequence order.
func (s *Store) LoadWindow(conversationID string) ([]chat.Message, error) {
	rows, err := s.db.Query(
		`SELECT seq, role, content, created_at FROM window_messages
		 WHERE conversation_id = ? ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load window: %w", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var (
			m    chat.Message
			role string
		)
		if err := rows.Scan(&m.Seq, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan window message: %w", err)
		}
		m.Role = chat.Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read window rows: %w", err)
	}
	return msgs, nil
}

// DeleteConversation removes a conversation and its window.
func (s *Store) DeleteConversation(conversationID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM window_messages WHERE conversation_id = ?", conversationID,
	); err != nil {
		return fmt.Errorf("failed to delete window: %w", err)
	}
	if _, err := tx.Exec(
		"DELETE FROM conversations WHERE id = ?", conversationID,
	); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
