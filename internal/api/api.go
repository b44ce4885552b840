// Package api implements the REST surface over the durable store. Every
// mutation persists first and publishes its push event only after the store
// commit succeeds, so a pushed event never references uncommitted state.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/presence"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/store"
)

// ChatStore is the durable layer the handlers read and write.
type ChatStore interface {
	ChatsFor(ctx context.Context, userID string) ([]store.Chat, error)
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	CreateChat(ctx context.Context, chat store.Chat, memberIDs []string) error
	Messages(ctx context.Context, chatID string, before *time.Time, limit int) ([]protocol.Message, error)
	InsertMessage(ctx context.Context, m *protocol.Message) error
	EditMessage(ctx context.Context, chatID, messageID, senderID, content string) (time.Time, error)
	DeleteMessage(ctx context.Context, chatID, messageID, senderID string) error
	ClearHistory(ctx context.Context, chatID string) error
	AddReaction(ctx context.Context, messageID, userID, username, emoji string) error
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
	SetLastRead(ctx context.Context, chatID, userID string, at time.Time) error
}

// Verifier resolves a bearer token to a user identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Publisher hands a serialized push event to the socket layer's event bus.
type Publisher interface {
	PublishChatEvent(chatID string, data []byte) error
}

// PresenceReader overlays online state onto membership records.
type PresenceReader interface {
	Get(ctx context.Context, userID string) (presence.Status, error)
}

// Handler holds the REST layer's dependencies.
type Handler struct {
	Store    ChatStore
	Auth     Verifier
	Bus      Publisher
	Presence PresenceReader
}

// New creates a Handler with the given dependencies.
func New(st ChatStore, auth Verifier, bus Publisher, pres PresenceReader) *Handler {
	return &Handler{Store: st, Auth: auth, Bus: bus, Presence: pres}
}

// Router configures and returns the HTTP router with CORS applied.
func (h *Handler) Router(allowedOrigins []string) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/chats", h.auth(h.ListChats)).Methods("GET")
	r.HandleFunc("/chats", h.auth(h.CreateChat)).Methods("POST")
	r.HandleFunc("/chats/{id}/messages", h.auth(h.GetMessages)).Methods("GET")
	r.HandleFunc("/chats/{id}/messages", h.auth(h.PostMessage)).Methods("POST")
	r.HandleFunc("/chats/{id}/messages", h.auth(h.ClearHistory)).Methods("DELETE")
	r.HandleFunc("/chats/{id}/messages/{mid}", h.auth(h.EditMessage)).Methods("PUT")
	r.HandleFunc("/chats/{id}/messages/{mid}", h.auth(h.DeleteMessage)).Methods("DELETE")
	r.HandleFunc("/chats/{id}/messages/{mid}/reactions", h.auth(h.AddReaction)).Methods("POST")
	r.HandleFunc("/chats/{id}/messages/{mid}/reactions/{emoji}", h.auth(h.RemoveReaction)).Methods("DELETE")
	r.HandleFunc("/chats/{id}/read", h.auth(h.MarkRead)).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(r)
}

type contextKey string

const userIDKey contextKey = "userID"

// auth wraps a handler with bearer-token verification. The resolved user id
// rides the request context.
func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing credentials")
			return
		}

		userID, err := h.Auth.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func requestUser(r *http.Request) string {
	userID, _ := r.Context().Value(userIDKey).(string)
	return userID
}

// publish serializes and publishes a push event. Publish failures are
// logged, not surfaced: the store already committed, and the client will
// see the change on its next fetch.
func (h *Handler) publish(eventType, chatID string, payload interface{}) {
	data, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		log.Printf("api: failed to build %s event chat=%s: %v", eventType, chatID, err)
		return
	}
	if err := h.Bus.PublishChatEvent(chatID, data); err != nil {
		log.Printf("api: failed to publish %s event chat=%s: %v", eventType, chatID, err)
		return
	}
	metrics.EventsPublished.WithLabelValues(eventType).Inc()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
