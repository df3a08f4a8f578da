package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateConversation inserts a new conversation without messages.
func (s *Store) CreateConversation(c Conversation) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, model, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Model, c.Title, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	return err
}

// AppendMessages adds msgs to the end of a conversation and bumps its
// updated_at. Seq numbers continue from the last stored message.
func (s *Store) AppendMessages(conversationID string, msgs []ChatMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&next); err != nil {
		return fmt.Errorf("reading last message seq: %w", err)
	}

	now := time.Now()
	res, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, formatTime(now), conversationID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}

	for _, m := range msgs {
		next++
		created := m.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			conversationID, next, m.Role, m.Content, formatTime(created),
		); err != nil {
			return fmt.Errorf("inserting message %d: %w", next, err)
		}
	}
	return tx.Commit()
}

// GetConversation returns a conversation with its messages in order.
func (s *Store) GetConversation(id string) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, model, title, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Model, &c.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Conversation{}, err
	}
	if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Conversation{}, err
	}

	rows, err := s.db.Query(`
		SELECT seq, role, content, created_at FROM messages
		WHERE conversation_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return Conversation{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var m ChatMessage
		var created string
		if err := rows.Scan(&m.Seq, &m.Role, &m.Content, &created); err != nil {
			return Conversation{}, err
		}
		if m.CreatedAt, err = parseTime("message created_at", created); err != nil {
			return Conversation{}, err
		}
		c.Messages = append(c.Messages, m)
	}
	return c, rows.Err()
}

// ListConversations returns the most recently updated conversations first,
// without messages. A non-positive limit lists them all.
func (s *Store) ListConversations(limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, model, title, created_at, updated_at FROM conversations
		ORDER BY updated_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		var c Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Model, &c.Title, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
