// Package protocol defines the socket frame types and payload structures
// exchanged between the Parley client and server. Every frame is serialized
// as JSON with a type discriminator and a nested payload object:
//
//	{"type": "<event type>", "payload": { ... }}
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types. Everything else originates on the server.
const (
	TypeTyping           = "typing"
	TypeStopTyping       = "stop_typing"
	TypeCallOffer        = "call_offer"
	TypeCallAnswer       = "call_answer"
	TypeCallICECandidate = "call_ice_candidate"
	TypeCallEnd          = "call_end"
)

// Server -> Client event types. The call signaling types above are relayed
// back out by the server with the sender identity attached, so they appear
// in both directions.
const (
	TypeNewMessage      = "new_message"
	TypeUserStatus      = "user_status"
	TypeReactionAdded   = "reaction_added"
	TypeReactionRemoved = "reaction_removed"
	TypeMessageEdited   = "message_edited"
	TypeMessageDeleted  = "message_deleted"
	TypeHistoryCleared  = "history_cleared"
	TypeReadReceipt     = "read_receipt"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Event is the wire envelope. The payload is kept raw so receivers can defer
// decoding until the type discriminator has been inspected.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEvent parses raw frame bytes into an Event envelope. It rejects
// frames without a type discriminator but does not validate the payload;
// payload decoding is the receiver's job once the type is known.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return ev, nil
}

// NewEvent serializes an outbound frame with the given type and payload.
func NewEvent(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", eventType, err)
	}
	out, err := json.Marshal(Event{Type: eventType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q frame: %w", eventType, err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Message record
// ---------------------------------------------------------------------------

// Reaction is a single emoji reaction attached to a message.
type Reaction struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Emoji    string `json:"emoji"`
}

// Message is the canonical message record as persisted by the REST layer and
// mirrored into client state by id. Server-assigned fields are never mutated
// client-side except through edit/delete/reaction events.
type Message struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chatId"`
	SenderID  string     `json:"senderId"`
	Content   string     `json:"content"`
	Type      string     `json:"type"` // "text", "file", ...
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
	ReplyTo   string     `json:"replyTo,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
	FileRef   string     `json:"fileRef,omitempty"`
}

// ---------------------------------------------------------------------------
// Payload structs
// ---------------------------------------------------------------------------

// TypingPayload is shared by typing and stop_typing. The server overwrites
// UserID with the authenticated sender before rebroadcasting.
type TypingPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// UserStatusPayload announces a presence change to all connected clients.
type UserStatusPayload struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// CallOfferPayload carries a session description proposing a call. When
// TargetUserID is empty the offer is fanned out to the whole chat (a group
// call before a specific callee is known). SenderID is attached by the
// server; client-supplied values are ignored.
type CallOfferPayload struct {
	ChatID       string `json:"chatId"`
	TargetUserID string `json:"targetUserId,omitempty"`
	SDP          string `json:"sdp"`
	IsVideo      bool   `json:"isVideo"`
	SenderID     string `json:"senderId,omitempty"`
}

// CallAnswerPayload carries the accepted session description back to the
// caller.
type CallAnswerPayload struct {
	ChatID       string `json:"chatId"`
	TargetUserID string `json:"targetUserId,omitempty"`
	SDP          string `json:"sdp"`
	SenderID     string `json:"senderId,omitempty"`
}

// CallICECandidatePayload carries one candidate network path. Multiple may
// be exchanged per call.
type CallICECandidatePayload struct {
	ChatID       string `json:"chatId"`
	TargetUserID string `json:"targetUserId,omitempty"`
	Candidate    string `json:"candidate"`
	SenderID     string `json:"senderId,omitempty"`
}

// CallEndPayload terminates a call; receipt triggers local cleanup.
type CallEndPayload struct {
	ChatID       string `json:"chatId"`
	TargetUserID string `json:"targetUserId,omitempty"`
	SenderID     string `json:"senderId,omitempty"`
}

// ReactionPayload is shared by reaction_added and reaction_removed.
type ReactionPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Emoji     string `json:"emoji"`
	ChatID    string `json:"chatId"`
}

// MessageEditedPayload replaces a message's content.
type MessageEditedPayload struct {
	ID       string    `json:"id"`
	ChatID   string    `json:"chatId"`
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

// MessageDeletedPayload removes a message from the sequence.
type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// HistoryClearedPayload empties the message sequence for one chat.
type HistoryClearedPayload struct {
	ChatID string `json:"chatId"`
}

// ReadReceiptPayload is an advisory update of a member's read position.
type ReadReceiptPayload struct {
	ChatID     string    `json:"chatId"`
	UserID     string    `json:"userId"`
	LastReadAt time.Time `json:"lastReadAt"`
}

// ---------------------------------------------------------------------------
// Client frame parsing
// ---------------------------------------------------------------------------

// ParseClientFrame parses raw socket bytes into a typed client->server
// payload. It returns the event type, the decoded payload struct, and any
// error. Server-only and unknown types are rejected; the dispatcher logs and
// discards those frames without forwarding them.
func ParseClientFrame(data []byte) (string, interface{}, error) {
	ev, err := DecodeEvent(data)
	if err != nil {
		return "", nil, err
	}

	var payload interface{}

	switch ev.Type {
	case TypeTyping, TypeStopTyping:
		var p TypingPayload
		err = json.Unmarshal(ev.Payload, &p)
		payload = p
	case TypeCallOffer:
		var p CallOfferPayload
		err = json.Unmarshal(ev.Payload, &p)
		payload = p
	case TypeCallAnswer:
		var p CallAnswerPayload
		err = json.Unmarshal(ev.Payload, &p)
		payload = p
	case TypeCallICECandidate:
		var p CallICECandidatePayload
		err = json.Unmarshal(ev.Payload, &p)
		payload = p
	case TypeCallEnd:
		var p CallEndPayload
		err = json.Unmarshal(ev.Payload, &p)
		payload = p
	default:
		return ev.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", ev.Type)
	}

	if err != nil {
		return ev.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", ev.Type, err)
	}
	return ev.Type, payload, nil
}
