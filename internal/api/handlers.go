package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/store"
)

// ListChats handles GET /chats: all chats for the authenticated user, with
// each member's presence overlaid.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)

	chats, err := h.Store.ChatsFor(r.Context(), userID)
	if err != nil {
		log.Printf("api: list chats user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to load chats")
		return
	}

	if h.Presence != nil {
		for ci := range chats {
			for mi := range chats[ci].Members {
				m := &chats[ci].Members[mi]
				status, err := h.Presence.Get(r.Context(), m.UserID)
				if err != nil {
					continue // presence overlay is best-effort
				}
				m.IsOnline = status.IsOnline
				if !status.LastSeen.IsZero() {
					lastSeen := status.LastSeen
					m.LastSeen = &lastSeen
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, chats)
}

// CreateChat handles POST /chats. The creator is always a member.
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)

	var req struct {
		Name      string   `json:"name"`
		IsGroup   bool     `json:"isGroup"`
		MemberIDs []string `json:"memberIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	chat := store.Chat{
		ID:        uuid.New().String(),
		Name:      req.Name,
		IsGroup:   req.IsGroup,
		CreatedAt: time.Now().UTC(),
	}

	members := append([]string{userID}, req.MemberIDs...)
	if err := h.Store.CreateChat(r.Context(), chat, dedupe(members)); err != nil {
		log.Printf("api: create chat user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	writeJSON(w, http.StatusCreated, chat)
}

// GetMessages handles GET /chats/{id}/messages[?before=RFC3339&limit=N]:
// the snapshot the client sync store reconciles pushed events against,
// creation-time ascending.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	chatID := mux.Vars(r)["id"]

	if !h.requireMember(w, r, chatID, userID) {
		return
	}

	var before *time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = &t
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	messages, err := h.Store.Messages(r.Context(), chatID, before, limit)
	if err != nil {
		log.Printf("api: messages chat=%s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if messages == nil {
		messages = []protocol.Message{}
	}

	writeJSON(w, http.StatusOK, messages)
}

// PostMessage handles POST /chats/{id}/messages: persist, then push
// new_message to live members.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	chatID := mux.Vars(r)["id"]

	if !h.requireMember(w, r, chatID, userID) {
		return
	}

	var req struct {
		Content string `json:"content"`
		Type    string `json:"type"`
		ReplyTo string `json:"replyTo"`
		FileRef string `json:"fileRef"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" && req.FileRef == "" {
		writeError(w, http.StatusBadRequest, "empty message")
		return
	}
	if err := validateContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg := protocol.Message{
		ChatID:   chatID,
		SenderID: userID,
		Content:  req.Content,
		Type:     req.Type,
		ReplyTo:  req.ReplyTo,
		FileRef:  req.FileRef,
	}
	if err := h.Store.InsertMessage(r.Context(), &msg); err != nil {
		log.Printf("api: insert message chat=%s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	h.publish(protocol.TypeNewMessage, chatID, msg)
	writeJSON(w, http.StatusCreated, msg)
}

// EditMessage handles PUT /chats/{id}/messages/{mid}.
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	vars := mux.Vars(r)
	chatID, messageID := vars["id"], vars["mid"]

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	editedAt, err := h.Store.EditMessage(r.Context(), chatID, messageID, userID, req.Content)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		log.Printf("api: edit message chat=%s id=%s: %v", chatID, messageID, err)
		writeError(w, http.StatusInternalServerError, "failed to edit message")
		return
	}

	payload := protocol.MessageEditedPayload{
		ID:       messageID,
		ChatID:   chatID,
		Content:  req.Content,
		EditedAt: editedAt,
	}
	h.publish(protocol.TypeMessageEdited, chatID, payload)
	writeJSON(w, http.StatusOK, payload)
}

// DeleteMessage handles DELETE /chats/{id}/messages/{mid}.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	vars := mux.Vars(r)
	chatID, messageID := vars["id"], vars["mid"]

	err := h.Store.DeleteMessage(r.Context(), chatID, messageID, userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		log.Printf("api: delete message chat=%s id=%s: %v", chatID, messageID, err)
		writeError(w, http.StatusInternalServerError, "failed to delete message")
		return
	}

	h.publish(protocol.TypeMessageDeleted, chatID, protocol.MessageDeletedPayload{
		MessageID: messageID,
		ChatID:    chatID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// ClearHistory handles DELETE /chats/{id}/messages.
func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	chatID := mux.Vars(r)["id"]

	if !h.requireMember(w, r, chatID, userID) {
		return
	}

	if err := h.Store.ClearHistory(r.Context(), chatID); err != nil {
		log.Printf("api: clear history chat=%s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}

	h.publish(protocol.TypeHistoryCleared, chatID, protocol.HistoryClearedPayload{ChatID: chatID})
	w.WriteHeader(http.StatusNoContent)
}

// AddReaction handles POST /chats/{id}/messages/{mid}/reactions.
func (h *Handler) AddReaction(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	vars := mux.Vars(r)
	chatID, messageID := vars["id"], vars["mid"]

	if !h.requireMember(w, r, chatID, userID) {
		return
	}

	var req struct {
		Username string `json:"username"`
		Emoji    string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.Store.AddReaction(r.Context(), messageID, userID, req.Username, req.Emoji); err != nil {
		log.Printf("api: add reaction message=%s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "failed to add reaction")
		return
	}

	payload := protocol.ReactionPayload{
		MessageID: messageID,
		UserID:    userID,
		Username:  req.Username,
		Emoji:     req.Emoji,
		ChatID:    chatID,
	}
	h.publish(protocol.TypeReactionAdded, chatID, payload)
	writeJSON(w, http.StatusCreated, payload)
}

// RemoveReaction handles DELETE /chats/{id}/messages/{mid}/reactions/{emoji}.
func (h *Handler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	vars := mux.Vars(r)
	chatID, messageID, emoji := vars["id"], vars["mid"], vars["emoji"]

	if err := h.Store.RemoveReaction(r.Context(), messageID, userID, emoji); err != nil {
		log.Printf("api: remove reaction message=%s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "failed to remove reaction")
		return
	}

	h.publish(protocol.TypeReactionRemoved, chatID, protocol.ReactionPayload{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		ChatID:    chatID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead handles POST /chats/{id}/read: advisory read receipt.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	chatID := mux.Vars(r)["id"]

	now := time.Now().UTC()
	err := h.Store.SetLastRead(r.Context(), chatID, userID, now)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not a member")
		return
	}
	if err != nil {
		log.Printf("api: mark read chat=%s user=%s: %v", chatID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}

	h.publish(protocol.TypeReadReceipt, chatID, protocol.ReadReceiptPayload{
		ChatID:     chatID,
		UserID:     userID,
		LastReadAt: now,
	})
	w.WriteHeader(http.StatusNoContent)
}

// requireMember verifies chat membership, writing a 403 (or 500) when the
// check fails. Returns true when the request may proceed.
func (h *Handler) requireMember(w http.ResponseWriter, r *http.Request, chatID, userID string) bool {
	ok, err := h.Store.IsMember(r.Context(), chatID, userID)
	if err != nil {
		log.Printf("api: membership check chat=%s user=%s: %v", chatID, userID, err)
		writeError(w, http.StatusInternalServerError, "membership check failed")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a member of this chat")
		return false
	}
	return true
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
