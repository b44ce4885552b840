// Package state holds the client-side view of chats: message sequences
// loaded from the REST API and reconciled against socket events. The socket
// is a hint channel; when an event references a message the store has never
// seen, applying it is a no-op rather than an error.
package state

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/store"
)

// DefaultTypingTTL bounds how long a typing indicator stays visible without
// a repeat hint. Indicators expire lazily on read.
const DefaultTypingTTL = 5 * time.Second

// Fetcher loads the durable message snapshot for a chat. Satisfied by a
// thin adapter over client.REST.
type Fetcher interface {
	Messages(ctx context.Context, chatID string) ([]protocol.Message, error)
}

// chatView is the in-memory state of one chat: an append-only ordered
// message sequence plus a presence set for id-based dedup.
type chatView struct {
	messages []protocol.Message
	present  map[string]bool
	loaded   bool
}

// Store is the client sync store. All methods are safe for concurrent use;
// socket handlers and UI reads share it.
type Store struct {
	mu      sync.Mutex
	fetcher Fetcher

	chats   map[string]*chatView
	members map[string]map[string]*store.Member // chatID -> userID -> record
	typing  map[string]map[string]time.Time     // chatID -> userID -> expiry

	typingTTL time.Duration
	now       func() time.Time

	// gen is a monotonic load generation. Each LoadChat takes a fresh
	// generation; only the newest load may install its result, so a slow
	// fetch for a chat the user has already navigated away from is
	// discarded instead of clobbering the active view.
	gen         uint64
	activeChat  string
	activeToken uint64
}

// New creates an empty Store that loads snapshots through fetcher.
func New(fetcher Fetcher) *Store {
	return &Store{
		fetcher:   fetcher,
		chats:     make(map[string]*chatView),
		members:   make(map[string]map[string]*store.Member),
		typing:    make(map[string]map[string]time.Time),
		typingTTL: DefaultTypingTTL,
		now:       time.Now,
	}
}

// SeedChats installs membership records from a chat listing. Presence and
// read cursors carried by later events update these records in place.
func (s *Store) SeedChats(chats []store.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chats {
		byUser := make(map[string]*store.Member, len(c.Members))
		for i := range c.Members {
			m := c.Members[i]
			byUser[m.UserID] = &m
		}
		s.members[c.ID] = byUser
	}
}

// LoadChat makes chatID the active chat and replaces its view with a fresh
// snapshot. If another LoadChat starts before this one's fetch returns, the
// stale result is silently discarded.
func (s *Store) LoadChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	s.gen++
	token := s.gen
	s.activeChat = chatID
	s.activeToken = token
	s.mu.Unlock()

	msgs, err := s.fetcher.Messages(ctx, chatID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeToken != token {
		return nil
	}
	if err != nil {
		return err
	}

	view := &chatView{
		messages: msgs,
		present:  make(map[string]bool, len(msgs)),
		loaded:   true,
	}
	for _, m := range msgs {
		view.present[m.ID] = true
	}
	s.chats[chatID] = view
	return nil
}

// ActiveChat returns the chat id of the most recent LoadChat.
func (s *Store) ActiveChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChat
}

// Loaded reports whether a snapshot has been installed for chatID.
func (s *Store) Loaded(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.chats[chatID]
	return ok && v.loaded
}

// Messages returns a copy of the current message sequence for chatID.
func (s *Store) Messages(chatID string) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	out := make([]protocol.Message, len(v.messages))
	copy(out, v.messages)
	return out
}

// Member returns a copy of one membership record, if known.
func (s *Store) Member(chatID, userID string) (store.Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser, ok := s.members[chatID]
	if !ok {
		return store.Member{}, false
	}
	m, ok := byUser[userID]
	if !ok {
		return store.Member{}, false
	}
	return *m, true
}

// TypingUsers returns the users currently typing in chatID, expired entries
// pruned. Order is stable for rendering.
func (s *Store) TypingUsers(chatID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser, ok := s.typing[chatID]
	if !ok {
		return nil
	}

	now := s.now()
	var users []string
	for userID, expiry := range byUser {
		if now.After(expiry) {
			delete(byUser, userID)
			continue
		}
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// ApplyEvent merges one socket event into the store. Events referencing
// unknown messages or chats are no-ops; malformed payloads are logged and
// dropped. Applying the same event twice leaves the same state as applying
// it once.
func (s *Store) ApplyEvent(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case protocol.TypeNewMessage:
		var m protocol.Message
		if !decode(ev, &m) {
			return
		}
		s.applyNewMessage(m)
	case protocol.TypeMessageEdited:
		var p protocol.MessageEditedPayload
		if !decode(ev, &p) {
			return
		}
		s.applyEdit(p)
	case protocol.TypeMessageDeleted:
		var p protocol.MessageDeletedPayload
		if !decode(ev, &p) {
			return
		}
		s.applyDelete(p)
	case protocol.TypeReactionAdded:
		var p protocol.ReactionPayload
		if !decode(ev, &p) {
			return
		}
		s.applyReactionAdded(p)
	case protocol.TypeReactionRemoved:
		var p protocol.ReactionPayload
		if !decode(ev, &p) {
			return
		}
		s.applyReactionRemoved(p)
	case protocol.TypeHistoryCleared:
		var p protocol.HistoryClearedPayload
		if !decode(ev, &p) {
			return
		}
		s.applyHistoryCleared(p)
	case protocol.TypeUserStatus:
		var p protocol.UserStatusPayload
		if !decode(ev, &p) {
			return
		}
		s.applyUserStatus(p)
	case protocol.TypeReadReceipt:
		var p protocol.ReadReceiptPayload
		if !decode(ev, &p) {
			return
		}
		s.applyReadReceipt(p)
	case protocol.TypeTyping:
		var p protocol.TypingPayload
		if !decode(ev, &p) {
			return
		}
		s.setTyping(p.ChatID, p.UserID)
	case protocol.TypeStopTyping:
		var p protocol.TypingPayload
		if !decode(ev, &p) {
			return
		}
		s.clearTyping(p.ChatID, p.UserID)
	}
}

func decode(ev protocol.Event, out interface{}) bool {
	if err := json.Unmarshal(ev.Payload, out); err != nil {
		log.Printf("state: dropping %q event: %v", ev.Type, err)
		return false
	}
	return true
}

// applyNewMessage appends the message unless an entry with the same id is
// already present. Order is append order; the durable snapshot is the
// authority on history, so no client-side reordering happens here.
func (s *Store) applyNewMessage(m protocol.Message) {
	v, ok := s.chats[m.ChatID]
	if !ok {
		v = &chatView{present: make(map[string]bool)}
		s.chats[m.ChatID] = v
	}
	if v.present[m.ID] {
		return
	}
	v.messages = append(v.messages, m)
	v.present[m.ID] = true
}

func (s *Store) applyEdit(p protocol.MessageEditedPayload) {
	v, ok := s.chats[p.ChatID]
	if !ok {
		return
	}
	for i := range v.messages {
		if v.messages[i].ID == p.ID {
			v.messages[i].Content = p.Content
			edited := p.EditedAt
			v.messages[i].EditedAt = &edited
			return
		}
	}
}

func (s *Store) applyDelete(p protocol.MessageDeletedPayload) {
	v, ok := s.chats[p.ChatID]
	if !ok || !v.present[p.MessageID] {
		return
	}
	for i := range v.messages {
		if v.messages[i].ID == p.MessageID {
			v.messages = append(v.messages[:i], v.messages[i+1:]...)
			break
		}
	}
	delete(v.present, p.MessageID)
}

func (s *Store) applyReactionAdded(p protocol.ReactionPayload) {
	m := s.findMessage(p.ChatID, p.MessageID)
	if m == nil {
		return
	}
	for _, r := range m.Reactions {
		if r.UserID == p.UserID && r.Emoji == p.Emoji {
			return
		}
	}
	m.Reactions = append(m.Reactions, protocol.Reaction{
		UserID:   p.UserID,
		Username: p.Username,
		Emoji:    p.Emoji,
	})
}

func (s *Store) applyReactionRemoved(p protocol.ReactionPayload) {
	m := s.findMessage(p.ChatID, p.MessageID)
	if m == nil {
		return
	}
	kept := m.Reactions[:0]
	for _, r := range m.Reactions {
		if r.UserID == p.UserID && r.Emoji == p.Emoji {
			continue
		}
		kept = append(kept, r)
	}
	m.Reactions = kept
}

func (s *Store) applyHistoryCleared(p protocol.HistoryClearedPayload) {
	v, ok := s.chats[p.ChatID]
	if !ok {
		return
	}
	v.messages = nil
	v.present = make(map[string]bool)
}

// applyUserStatus updates every membership record referencing the user.
// One presence change fans out to all chats that share the member.
func (s *Store) applyUserStatus(p protocol.UserStatusPayload) {
	for _, byUser := range s.members {
		if m, ok := byUser[p.UserID]; ok {
			m.IsOnline = p.IsOnline
			if p.LastSeen != nil {
				m.LastSeen = p.LastSeen
			}
		}
	}
	if !p.IsOnline {
		for chatID := range s.typing {
			s.clearTyping(chatID, p.UserID)
		}
	}
}

func (s *Store) applyReadReceipt(p protocol.ReadReceiptPayload) {
	byUser, ok := s.members[p.ChatID]
	if !ok {
		return
	}
	if m, ok := byUser[p.UserID]; ok {
		at := p.LastReadAt
		m.LastReadAt = &at
	}
}

func (s *Store) setTyping(chatID, userID string) {
	if chatID == "" || userID == "" {
		return
	}
	byUser, ok := s.typing[chatID]
	if !ok {
		byUser = make(map[string]time.Time)
		s.typing[chatID] = byUser
	}
	byUser[userID] = s.now().Add(s.typingTTL)
}

func (s *Store) clearTyping(chatID, userID string) {
	if byUser, ok := s.typing[chatID]; ok {
		delete(byUser, userID)
	}
}

func (s *Store) findMessage(chatID, messageID string) *protocol.Message {
	v, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	for i := range v.messages {
		if v.messages[i].ID == messageID {
			return &v.messages[i]
		}
	}
	return nil
}
