// Package store is the durable PostgreSQL layer behind the realtime core:
// chats, memberships, messages, and reactions. The socket channel is only a
// hint on top of this store; a client that missed a push recovers the full
// state from here on its next fetch.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a referenced chat or message does not exist.
var ErrNotFound = errors.New("store: not found")

// Chat is a chat summary as returned to the REST layer.
type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsGroup   bool      `json:"isGroup"`
	CreatedAt time.Time `json:"createdAt"`
	Members   []Member  `json:"members"`
}

// Member is one chat membership record. The online flag is overlaid from
// the presence store by the API layer, not persisted here.
type Member struct {
	UserID     string     `json:"userId"`
	IsOnline   bool       `json:"isOnline"`
	LastSeen   *time.Time `json:"lastSeen,omitempty"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

// Store manages chat state in PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a Store backed by the given database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Members returns the user ids of a chat's members. The broadcaster calls
// this per fanout; membership is deliberately never cached in the realtime
// layer.
func (s *Store) Members(ctx context.Context, chatID string) ([]string, error) {
	const query = `SELECT user_id FROM chat_members WHERE chat_id = $1`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: members of %s: %w", chatID, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		members = append(members, userID)
	}
	return members, rows.Err()
}

// IsMember reports whether the user belongs to the chat.
func (s *Store) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	const query = `SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2`

	var one int
	err := s.db.QueryRowContext(ctx, query, chatID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: membership check: %w", err)
	}
	return true, nil
}

// ChatsFor returns all chats the user belongs to, with their membership
// records.
func (s *Store) ChatsFor(ctx context.Context, userID string) ([]Chat, error) {
	const query = `
		SELECT c.id, c.name, c.is_group, c.created_at
		FROM chats c
		JOIN chat_members m ON m.chat_id = c.id
		WHERE m.user_id = $1
		ORDER BY c.created_at`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: chats for %s: %w", userID, err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.IsGroup, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range chats {
		members, err := s.chatMembers(ctx, chats[i].ID)
		if err != nil {
			return nil, err
		}
		chats[i].Members = members
	}
	return chats, nil
}

func (s *Store) chatMembers(ctx context.Context, chatID string) ([]Member, error) {
	const query = `SELECT user_id, last_read_at FROM chat_members WHERE chat_id = $1`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: members of %s: %w", chatID, err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		var lastRead sql.NullTime
		if err := rows.Scan(&m.UserID, &lastRead); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		if lastRead.Valid {
			m.LastReadAt = &lastRead.Time
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// AddMember inserts a membership record; adding an existing member is a
// no-op.
func (s *Store) AddMember(ctx context.Context, chatID, userID string) error {
	const query = `
		INSERT INTO chat_members (chat_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (chat_id, user_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, chatID, userID); err != nil {
		return fmt.Errorf("store: add member: %w", err)
	}
	return nil
}

// CreateChat inserts a chat and its initial members.
func (s *Store) CreateChat(ctx context.Context, chat Chat, memberIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin create chat: %w", err)
	}
	defer tx.Rollback()

	const insertChat = `INSERT INTO chats (id, name, is_group, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, insertChat, chat.ID, chat.Name, chat.IsGroup, chat.CreatedAt); err != nil {
		return fmt.Errorf("store: insert chat: %w", err)
	}

	const insertMember = `INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)`
	for _, userID := range memberIDs {
		if _, err := tx.ExecContext(ctx, insertMember, chat.ID, userID); err != nil {
			return fmt.Errorf("store: insert member: %w", err)
		}
	}

	return tx.Commit()
}

// SetLastRead records the user's read position in a chat.
func (s *Store) SetLastRead(ctx context.Context, chatID, userID string, at time.Time) error {
	const query = `
		UPDATE chat_members SET last_read_at = $3
		WHERE chat_id = $1 AND user_id = $2`

	res, err := s.db.ExecContext(ctx, query, chatID, userID, at)
	if err != nil {
		return fmt.Errorf("store: set last read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
