// Package call implements the client-side call signaling state machine.
// Media capture and peer transport are injected behind small interfaces so
// the machine stays testable without real devices or a WebRTC stack.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/parley/chat-app/internal/protocol"
)

// State enumerates the call lifecycle. At most one call session exists per
// machine, so at most one state is ever non-Idle.
type State int

const (
	Idle State = iota
	Outgoing
	Incoming
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrCallInProgress is returned by StartCall while a session exists.
	ErrCallInProgress = errors.New("call: already in a call")
	// ErrNoIncomingCall is returned by JoinCall without a ringing offer.
	ErrNoIncomingCall = errors.New("call: no incoming call")
	// ErrMediaUnavailable wraps capture failures; the state is unchanged.
	ErrMediaUnavailable = errors.New("call: media unavailable")
)

// MediaStream is an acquired local capture session.
type MediaStream interface {
	Stop()
}

// MediaSource acquires local audio or audio+video capture.
type MediaSource interface {
	Acquire(ctx context.Context, video bool) (MediaStream, error)
}

// PeerConnection is the negotiated media transport for one call.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context, remoteOffer string) (string, error)
	SetRemoteDescription(sdp string) error
	AddICECandidate(candidate string) error
	Close() error
}

// PeerFactory builds a PeerConnection carrying the local stream.
type PeerFactory func(stream MediaStream) (PeerConnection, error)

// Sender delivers signaling frames. Satisfied by client.Client; delivery is
// fire-and-forget, matching the socket's hint semantics.
type Sender interface {
	Send(eventType string, payload interface{}) error
}

// Machine drives one call at a time through offer, answer, candidate
// exchange, and teardown. Wire its Handle methods to the matching socket
// event handlers.
type Machine struct {
	media   MediaSource
	newPeer PeerFactory
	send    Sender

	mu         sync.Mutex
	state      State
	chatID     string
	peerUserID string
	stream     MediaStream
	peer       PeerConnection

	// remote offer parked while ringing; media is not acquired until the
	// user joins.
	pendingOffer string
	pendingVideo bool
}

// NewMachine creates an idle Machine.
func NewMachine(media MediaSource, newPeer PeerFactory, send Sender) *Machine {
	return &Machine{media: media, newPeer: newPeer, send: send}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ChatID returns the chat the current session belongs to, if any.
func (m *Machine) ChatID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatID
}

// StartCall acquires media, creates an offer, and sends it to the chat.
// On media failure no resources are held and the state stays Idle.
func (m *Machine) StartCall(ctx context.Context, chatID string, withVideo bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Idle {
		return ErrCallInProgress
	}

	stream, err := m.media.Acquire(ctx, withVideo)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	peer, err := m.newPeer(stream)
	if err != nil {
		stream.Stop()
		return fmt.Errorf("call: create peer connection: %w", err)
	}

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		peer.Close()
		stream.Stop()
		return fmt.Errorf("call: create offer: %w", err)
	}

	m.state = Outgoing
	m.chatID = chatID
	m.stream = stream
	m.peer = peer

	if err := m.send.Send(protocol.TypeCallOffer, protocol.CallOfferPayload{
		ChatID:  chatID,
		SDP:     offer,
		IsVideo: withVideo,
	}); err != nil {
		log.Printf("call: send offer: %v", err)
	}
	return nil
}

// HandleOffer processes an incoming call_offer. While a session already
// exists the offer is dropped; otherwise the machine rings without
// acquiring media.
func (m *Machine) HandleOffer(p protocol.CallOfferPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Idle {
		log.Printf("call: dropping offer from %s while %s", p.SenderID, m.state)
		return
	}

	m.state = Incoming
	m.chatID = p.ChatID
	m.peerUserID = p.SenderID
	m.pendingOffer = p.SDP
	m.pendingVideo = p.IsVideo
}

// JoinCall accepts the ringing offer: acquires media, answers, and moves to
// Connected. On media failure the machine keeps ringing so the user can
// retry or decline with End.
func (m *Machine) JoinCall(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Incoming {
		return ErrNoIncomingCall
	}

	stream, err := m.media.Acquire(ctx, m.pendingVideo)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	peer, err := m.newPeer(stream)
	if err != nil {
		stream.Stop()
		return fmt.Errorf("call: create peer connection: %w", err)
	}

	answer, err := peer.CreateAnswer(ctx, m.pendingOffer)
	if err != nil {
		peer.Close()
		stream.Stop()
		return fmt.Errorf("call: create answer: %w", err)
	}

	m.stream = stream
	m.peer = peer
	m.state = Connected
	m.pendingOffer = ""

	if err := m.send.Send(protocol.TypeCallAnswer, protocol.CallAnswerPayload{
		ChatID:       m.chatID,
		TargetUserID: m.peerUserID,
		SDP:          answer,
	}); err != nil {
		log.Printf("call: send answer: %v", err)
	}
	return nil
}

// HandleAnswer completes the outgoing handshake. Answers arriving in any
// other state are dropped.
func (m *Machine) HandleAnswer(p protocol.CallAnswerPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Outgoing {
		log.Printf("call: dropping answer from %s while %s", p.SenderID, m.state)
		return
	}
	if err := m.peer.SetRemoteDescription(p.SDP); err != nil {
		log.Printf("call: set remote description: %v", err)
		return
	}
	m.peerUserID = p.SenderID
	m.state = Connected
}

// HandleCandidate forwards a remote ICE candidate to the peer connection.
// Candidates arriving before a peer connection exists are dropped; the
// remote side retransmits through renegotiation if needed.
func (m *Machine) HandleCandidate(p protocol.CallICECandidatePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peer == nil {
		log.Printf("call: dropping candidate from %s with no active peer", p.SenderID)
		return
	}
	if err := m.peer.AddICECandidate(p.Candidate); err != nil {
		log.Printf("call: add candidate: %v", err)
	}
}

// End terminates the current session locally and notifies the remote side.
// Idempotent: ending an idle machine is a no-op.
func (m *Machine) End() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Idle {
		return
	}

	if err := m.send.Send(protocol.TypeCallEnd, protocol.CallEndPayload{
		ChatID:       m.chatID,
		TargetUserID: m.peerUserID,
	}); err != nil {
		log.Printf("call: send end: %v", err)
	}
	m.teardown()
}

// HandleEnd processes a remote call_end: release everything and go Idle.
func (m *Machine) HandleEnd(p protocol.CallEndPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Idle {
		return
	}
	m.teardown()
}

// teardown releases media and transport before the state reads Idle, so a
// caller observing Idle never races a camera still held. Callers hold mu.
func (m *Machine) teardown() {
	if m.peer != nil {
		m.peer.Close()
		m.peer = nil
	}
	if m.stream != nil {
		m.stream.Stop()
		m.stream = nil
	}
	m.chatID = ""
	m.peerUserID = ""
	m.pendingOffer = ""
	m.pendingVideo = false
	m.state = Idle
}
