package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid typing frame
// ---------------------------------------------------------------------------

func TestParseClientFrame_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","payload":{"chatId":"C1","userId":"U1"}}`)

	eventType, payload, err := ParseClientFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eventType != TypeTyping {
		t.Fatalf("expected type %q, got %q", TypeTyping, eventType)
	}

	tp, ok := payload.(TypingPayload)
	if !ok {
		t.Fatalf("expected TypingPayload, got %T", payload)
	}
	if tp.ChatID != "C1" {
		t.Errorf("expected chatId %q, got %q", "C1", tp.ChatID)
	}
	if tp.UserID != "U1" {
		t.Errorf("expected userId %q, got %q", "U1", tp.UserID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a call_offer frame with and without a target
// ---------------------------------------------------------------------------

func TestParseClientFrame_CallOffer(t *testing.T) {
	input := []byte(`{"type":"call_offer","payload":{"chatId":"C2","targetUserId":"U9","sdp":"v=0...","isVideo":true}}`)

	eventType, payload, err := ParseClientFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eventType != TypeCallOffer {
		t.Fatalf("expected type %q, got %q", TypeCallOffer, eventType)
	}

	offer, ok := payload.(CallOfferPayload)
	if !ok {
		t.Fatalf("expected CallOfferPayload, got %T", payload)
	}
	if offer.ChatID != "C2" || offer.TargetUserID != "U9" {
		t.Errorf("unexpected routing fields: %+v", offer)
	}
	if offer.SDP != "v=0..." {
		t.Errorf("expected sdp %q, got %q", "v=0...", offer.SDP)
	}
	if !offer.IsVideo {
		t.Error("expected isVideo true")
	}
}

func TestParseClientFrame_CallOfferNoTarget(t *testing.T) {
	input := []byte(`{"type":"call_offer","payload":{"chatId":"C2","sdp":"O"}}`)

	_, payload, err := ParseClientFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	offer := payload.(CallOfferPayload)
	if offer.TargetUserID != "" {
		t.Errorf("expected empty targetUserId, got %q", offer.TargetUserID)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and server-only types are rejected
// ---------------------------------------------------------------------------

func TestParseClientFrame_UnknownType(t *testing.T) {
	input := []byte(`{"type":"self_destruct","payload":{}}`)

	eventType, _, err := ParseClientFrame(input)
	if err == nil {
		t.Fatal("expected error for unknown type, got nil")
	}
	if eventType != "self_destruct" {
		t.Errorf("expected the offending type to be returned, got %q", eventType)
	}
}

func TestParseClientFrame_ServerOnlyType(t *testing.T) {
	input := []byte(`{"type":"new_message","payload":{"id":"m1"}}`)

	if _, _, err := ParseClientFrame(input); err == nil {
		t.Fatal("expected error for server-only type, got nil")
	}
}

func TestParseClientFrame_MissingType(t *testing.T) {
	input := []byte(`{"payload":{"chatId":"C1"}}`)

	if _, _, err := ParseClientFrame(input); err == nil {
		t.Fatal("expected error for missing type, got nil")
	}
}

func TestParseClientFrame_Malformed(t *testing.T) {
	input := []byte(`{"type":`)

	if _, _, err := ParseClientFrame(input); err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Building an outbound new_message frame
// ---------------------------------------------------------------------------

func TestNewEvent_NewMessage(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := Message{
		ID:        "m-1",
		ChatID:    "C1",
		SenderID:  "U1",
		Content:   "hello",
		Type:      "text",
		CreatedAt: created,
	}

	data, err := NewEvent(TypeNewMessage, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("failed to decode built frame: %v", err)
	}
	if ev.Type != TypeNewMessage {
		t.Fatalf("expected type %q, got %q", TypeNewMessage, ev.Type)
	}

	var decoded Message
	if err := json.Unmarshal(ev.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.ID != "m-1" || decoded.Content != "hello" {
		t.Errorf("payload round-trip mismatch: %+v", decoded)
	}
	if !decoded.CreatedAt.Equal(created) {
		t.Errorf("expected createdAt %v, got %v", created, decoded.CreatedAt)
	}
	if decoded.EditedAt != nil {
		t.Errorf("expected nil editedAt, got %v", decoded.EditedAt)
	}
}

// ---------------------------------------------------------------------------
// Test: Payload stays raw until the receiver decodes it
// ---------------------------------------------------------------------------

func TestDecodeEvent_DeferredPayload(t *testing.T) {
	input := []byte(`{"type":"user_status","payload":{"userId":"U3","isOnline":false,"lastSeen":"2025-06-01T12:00:00Z"}}`)

	ev, err := DecodeEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var status UserStatusPayload
	if err := json.Unmarshal(ev.Payload, &status); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if status.UserID != "U3" || status.IsOnline {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.LastSeen == nil {
		t.Fatal("expected lastSeen to be set")
	}
}
