// Package history is a local sqlite mirror of fetched conversations and
// messages, so a flaky backend degrades to stale-but-visible history. It is
// a dumb cache: rows hold the JSON payload as fetched, keyed and ordered by
// the few fields queries need.
package history

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go sqlite driver

	"github.com/offerta-dev/offerta-chat/internal/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	payload         TEXT NOT NULL,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, created_at);
`

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the cache database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveConversations replaces the cached list.
func (s *Store) SaveConversations(convs []chat.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM conversations"); err != nil {
		return err
	}
	for _, c := range convs {
		payload, err := json.Marshal(c)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			"INSERT INTO conversations (id, payload, updated_at) VALUES (?, ?, ?)",
			c.ID, string(payload), c.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadConversations returns the cached list, most recently updated first.
func (s *Store) LoadConversations() ([]chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT payload FROM conversations ORDER BY updated_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []chat.Conversation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c chat.Conversation
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			continue
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// SaveMessages replaces the cached history for one conversation.
func (s *Store) SaveMessages(conversationID string, msgs []chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := insertMessage(tx, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadMessages returns the cached history, oldest first.
func (s *Store) LoadMessages(conversationID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT payload FROM messages WHERE conversation_id = ? ORDER BY created_at ASC",
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m chat.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SaveMessage upserts a single incoming message.
func (s *Store) SaveMessage(msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertMessage(tx, msg); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteMessage removes a cached message; absent ids are a no-op.
func (s *Store) DeleteMessage(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM messages WHERE id = ?", messageID)
	return err
}

// DeleteConversation removes a cached conversation and its history.
func (s *Store) DeleteConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM conversations WHERE id = ?", conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMessage(tx *sql.Tx, m chat.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		"INSERT OR REPLACE INTO messages (id, conversation_id, payload, created_at) VALUES (?, ?, ?, ?)",
		m.ID, m.ConversationID, string(payload), m.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}
