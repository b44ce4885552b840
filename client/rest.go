package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/store"
)

// REST fetches durable state over the HTTP API. Socket events are hints;
// anything the client renders ultimately comes from here.
type REST struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewREST creates a REST fetcher for the given API base URL, e.g.
// "http://host:8081".
func NewREST(baseURL, token string) *REST {
	return &REST{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// ListChats returns the chats the authenticated user is a member of,
// including membership records with presence.
func (r *REST) ListChats(ctx context.Context) ([]store.Chat, error) {
	var chats []store.Chat
	if err := r.do(ctx, http.MethodGet, "/chats", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// Messages returns a page of messages for a chat in ascending order. A
// non-zero before fetches the page older than that instant.
func (r *REST) Messages(ctx context.Context, chatID string, before time.Time) ([]protocol.Message, error) {
	path := "/chats/" + neturl.PathEscape(chatID) + "/messages"
	if !before.IsZero() {
		path += "?before=" + neturl.QueryEscape(before.Format(time.RFC3339Nano))
	}
	var msgs []protocol.Message
	if err := r.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SnapshotFetcher adapts a REST client to the state store's snapshot
// loader: it always fetches the newest page of a chat.
type SnapshotFetcher struct {
	REST *REST
}

func (f SnapshotFetcher) Messages(ctx context.Context, chatID string) ([]protocol.Message, error) {
	return f.REST.Messages(ctx, chatID, time.Time{})
}

// SendMessage persists a message and returns the stored record. The server
// pushes the matching new_message event to the other members.
func (r *REST) SendMessage(ctx context.Context, chatID, content string) (protocol.Message, error) {
	body := map[string]string{"content": content}
	var msg protocol.Message
	path := "/chats/" + neturl.PathEscape(chatID) + "/messages"
	if err := r.do(ctx, http.MethodPost, path, body, &msg); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// MarkRead records the read cursor for the authenticated user in a chat.
func (r *REST) MarkRead(ctx context.Context, chatID string) error {
	path := "/chats/" + neturl.PathEscape(chatID) + "/read"
	return r.do(ctx, http.MethodPost, path, nil, nil)
}

func (r *REST) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("client: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
