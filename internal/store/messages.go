package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/parley/chat-app/internal/protocol"
)

// DefaultPageSize bounds a message snapshot fetch.
const DefaultPageSize = 50

// Messages returns a snapshot of a chat's messages in creation-time
// ascending order, with reactions attached. When before is non-nil only
// messages created strictly earlier are returned (cursor pagination).
func (s *Store) Messages(ctx context.Context, chatID string, before *time.Time, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	// Fetch the newest page first, then flip to ascending below.
	const base = `
		SELECT id, chat_id, sender_id, content, type, reply_to, file_ref, created_at, edited_at
		FROM messages
		WHERE chat_id = $1`

	var rows *sql.Rows
	var err error
	if before != nil {
		rows, err = s.db.QueryContext(ctx, base+` AND created_at < $2 ORDER BY created_at DESC LIMIT $3`,
			chatID, *before, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, base+` ORDER BY created_at DESC LIMIT $2`, chatID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: messages of %s: %w", chatID, err)
	}
	defer rows.Close()

	var page []protocol.Message
	for rows.Next() {
		var m protocol.Message
		var replyTo, fileRef sql.NullString
		var editedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Type,
			&replyTo, &fileRef, &m.CreatedAt, &editedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.ReplyTo = replyTo.String
		m.FileRef = fileRef.String
		if editedAt.Valid {
			m.EditedAt = &editedAt.Time
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into ascending order; the snapshot defines the client's
	// initial sequence order.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}

	if err := s.attachReactions(ctx, page); err != nil {
		return nil, err
	}
	return page, nil
}

func (s *Store) attachReactions(ctx context.Context, messages []protocol.Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]string, len(messages))
	index := make(map[string]int, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
		index[m.ID] = i
	}

	const query = `
		SELECT message_id, user_id, username, emoji
		FROM reactions
		WHERE message_id = ANY($1)`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("store: reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID string
		var r protocol.Reaction
		if err := rows.Scan(&messageID, &r.UserID, &r.Username, &r.Emoji); err != nil {
			return fmt.Errorf("store: scan reaction: %w", err)
		}
		if i, ok := index[messageID]; ok {
			messages[i].Reactions = append(messages[i].Reactions, r)
		}
	}
	return rows.Err()
}

// InsertMessage persists a new message, assigning id and creation time when
// the caller left them zero. The persisted record is what gets pushed to
// live members afterwards.
func (s *Store) InsertMessage(ctx context.Context, m *protocol.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Type == "" {
		m.Type = "text"
	}

	const query = `
		INSERT INTO messages (id, chat_id, sender_id, content, type, reply_to, file_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)`

	if _, err := s.db.ExecContext(ctx, query,
		m.ID, m.ChatID, m.SenderID, m.Content, m.Type, m.ReplyTo, m.FileRef, m.CreatedAt); err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// EditMessage replaces a message's content and stamps edited_at. Only the
// original sender may edit; a non-matching row yields ErrNotFound.
func (s *Store) EditMessage(ctx context.Context, chatID, messageID, senderID, content string) (time.Time, error) {
	const query = `
		UPDATE messages SET content = $4, edited_at = $5
		WHERE id = $1 AND chat_id = $2 AND sender_id = $3
		RETURNING edited_at`

	editedAt := time.Now().UTC()
	var returned time.Time
	err := s.db.QueryRowContext(ctx, query, messageID, chatID, senderID, content, editedAt).Scan(&returned)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: edit message: %w", err)
	}
	return returned, nil
}

// DeleteMessage removes a message. Only the original sender may delete.
func (s *Store) DeleteMessage(ctx context.Context, chatID, messageID, senderID string) error {
	const query = `DELETE FROM messages WHERE id = $1 AND chat_id = $2 AND sender_id = $3`

	res, err := s.db.ExecContext(ctx, query, messageID, chatID, senderID)
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearHistory removes every message in one chat. Reactions cascade.
func (s *Store) ClearHistory(ctx context.Context, chatID string) error {
	const query = `DELETE FROM messages WHERE chat_id = $1`

	if _, err := s.db.ExecContext(ctx, query, chatID); err != nil {
		return fmt.Errorf("store: clear history of %s: %w", chatID, err)
	}
	return nil
}

// AddReaction records an emoji reaction; repeating the same reaction is a
// no-op so pushed reaction events stay idempotent.
func (s *Store) AddReaction(ctx context.Context, messageID, userID, username, emoji string) error {
	const query = `
		INSERT INTO reactions (message_id, user_id, username, emoji)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id, emoji) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, messageID, userID, username, emoji); err != nil {
		return fmt.Errorf("store: add reaction: %w", err)
	}
	return nil
}

// RemoveReaction deletes an emoji reaction if present.
func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	const query = `DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`

	if _, err := s.db.ExecContext(ctx, query, messageID, userID, emoji); err != nil {
		return fmt.Errorf("store: remove reaction: %w", err)
	}
	return nil
}
