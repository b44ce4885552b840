package call

import (
	"context"
	"errors"
	"testing"

	"github.com/parley/chat-app/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeStream struct {
	stopped bool
}

func (s *fakeStream) Stop() { s.stopped = true }

type fakeMedia struct {
	err      error
	acquired []*fakeStream
}

func (m *fakeMedia) Acquire(_ context.Context, video bool) (MediaStream, error) {
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeStream{}
	m.acquired = append(m.acquired, s)
	return s, nil
}

type fakePeer struct {
	remoteSDP  string
	candidates []string
	closed     bool
	descErr    error
}

func (p *fakePeer) CreateOffer(context.Context) (string, error) { return "offer-sdp", nil }
func (p *fakePeer) CreateAnswer(_ context.Context, remote string) (string, error) {
	p.remoteSDP = remote
	return "answer-sdp", nil
}
func (p *fakePeer) SetRemoteDescription(sdp string) error {
	if p.descErr != nil {
		return p.descErr
	}
	p.remoteSDP = sdp
	return nil
}
func (p *fakePeer) AddICECandidate(c string) error {
	p.candidates = append(p.candidates, c)
	return nil
}
func (p *fakePeer) Close() error {
	p.closed = true
	return nil
}

type sentFrame struct {
	eventType string
	payload   interface{}
}

type fakeSender struct {
	frames []sentFrame
}

func (s *fakeSender) Send(eventType string, payload interface{}) error {
	s.frames = append(s.frames, sentFrame{eventType, payload})
	return nil
}

func fixture(t *testing.T) (*Machine, *fakeMedia, *fakePeer, *fakeSender) {
	t.Helper()
	media := &fakeMedia{}
	peer := &fakePeer{}
	sender := &fakeSender{}
	m := NewMachine(media, func(MediaStream) (PeerConnection, error) { return peer, nil }, sender)
	return m, media, peer, sender
}

// ---------------------------------------------------------------------------
// Outgoing call
// ---------------------------------------------------------------------------

func TestStartCall_SendsOfferAndGoesOutgoing(t *testing.T) {
	m, media, _, sender := fixture(t)

	if err := m.StartCall(context.Background(), "chat-1", true); err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.State() != Outgoing {
		t.Fatalf("expected outgoing, got %s", m.State())
	}
	if len(media.acquired) != 1 {
		t.Fatalf("expected one media acquisition, got %d", len(media.acquired))
	}
	if len(sender.frames) != 1 || sender.frames[0].eventType != protocol.TypeCallOffer {
		t.Fatalf("expected one call_offer, got %+v", sender.frames)
	}
	p := sender.frames[0].payload.(protocol.CallOfferPayload)
	if p.ChatID != "chat-1" || p.SDP != "offer-sdp" || !p.IsVideo {
		t.Fatalf("unexpected offer payload: %+v", p)
	}
}

func TestStartCall_WhileBusyRejected(t *testing.T) {
	m, _, _, _ := fixture(t)

	if err := m.StartCall(context.Background(), "chat-1", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StartCall(context.Background(), "chat-2", false); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("expected ErrCallInProgress, got %v", err)
	}
	if m.ChatID() != "chat-1" {
		t.Fatal("original session must be untouched")
	}
}

func TestStartCall_MediaFailureStaysIdle(t *testing.T) {
	m, media, _, sender := fixture(t)
	media.err = errors.New("camera busy")

	err := m.StartCall(context.Background(), "chat-1", true)
	if !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}
	if m.State() != Idle {
		t.Fatalf("expected idle after media failure, got %s", m.State())
	}
	if len(sender.frames) != 0 {
		t.Fatal("no signaling may be sent when media fails")
	}
}

func TestHandleAnswer_CompletesHandshake(t *testing.T) {
	m, _, peer, _ := fixture(t)

	if err := m.StartCall(context.Background(), "chat-1", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.HandleAnswer(protocol.CallAnswerPayload{ChatID: "chat-1", SDP: "remote-answer", SenderID: "bob"})

	if m.State() != Connected {
		t.Fatalf("expected connected, got %s", m.State())
	}
	if peer.remoteSDP != "remote-answer" {
		t.Fatalf("remote description not applied: %q", peer.remoteSDP)
	}
}

func TestHandleAnswer_IgnoredWhenNotOutgoing(t *testing.T) {
	m, _, _, _ := fixture(t)
	m.HandleAnswer(protocol.CallAnswerPayload{SDP: "stray"})
	if m.State() != Idle {
		t.Fatalf("stray answer must not change state, got %s", m.State())
	}
}

// ---------------------------------------------------------------------------
// Incoming call
// ---------------------------------------------------------------------------

func TestHandleOffer_RingsWithoutMedia(t *testing.T) {
	m, media, _, _ := fixture(t)

	m.HandleOffer(protocol.CallOfferPayload{
		ChatID: "chat-1", SDP: "remote-offer", IsVideo: true, SenderID: "bob",
	})

	if m.State() != Incoming {
		t.Fatalf("expected incoming, got %s", m.State())
	}
	if len(media.acquired) != 0 {
		t.Fatal("ringing must not acquire media")
	}
}

func TestHandleOffer_DroppedWhileBusy(t *testing.T) {
	m, _, _, _ := fixture(t)

	if err := m.StartCall(context.Background(), "chat-1", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.HandleOffer(protocol.CallOfferPayload{ChatID: "chat-2", SDP: "x", SenderID: "carol"})

	if m.State() != Outgoing || m.ChatID() != "chat-1" {
		t.Fatal("competing offer must be dropped")
	}
}

func TestJoinCall_AnswersAndConnects(t *testing.T) {
	m, _, peer, sender := fixture(t)

	m.HandleOffer(protocol.CallOfferPayload{ChatID: "chat-1", SDP: "remote-offer", SenderID: "bob"})
	if err := m.JoinCall(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}

	if m.State() != Connected {
		t.Fatalf("expected connected, got %s", m.State())
	}
	if peer.remoteSDP != "remote-offer" {
		t.Fatalf("answer not derived from parked offer: %q", peer.remoteSDP)
	}
	if len(sender.frames) != 1 || sender.frames[0].eventType != protocol.TypeCallAnswer {
		t.Fatalf("expected one call_answer, got %+v", sender.frames)
	}
	p := sender.frames[0].payload.(protocol.CallAnswerPayload)
	if p.TargetUserID != "bob" || p.SDP != "answer-sdp" {
		t.Fatalf("unexpected answer payload: %+v", p)
	}
}

func TestJoinCall_WithoutRingingRejected(t *testing.T) {
	m, _, _, _ := fixture(t)
	if err := m.JoinCall(context.Background()); !errors.Is(err, ErrNoIncomingCall) {
		t.Fatalf("expected ErrNoIncomingCall, got %v", err)
	}
}

func TestJoinCall_MediaFailureKeepsRinging(t *testing.T) {
	m, media, _, _ := fixture(t)

	m.HandleOffer(protocol.CallOfferPayload{ChatID: "chat-1", SDP: "remote-offer", SenderID: "bob"})
	media.err = errors.New("mic busy")

	if err := m.JoinCall(context.Background()); !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}
	if m.State() != Incoming {
		t.Fatalf("expected still ringing, got %s", m.State())
	}
}

// ---------------------------------------------------------------------------
// Candidates
// ---------------------------------------------------------------------------

func TestHandleCandidate_ForwardedToPeer(t *testing.T) {
	m, _, peer, _ := fixture(t)

	if err := m.StartCall(context.Background(), "chat-1", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.HandleCandidate(protocol.CallICECandidatePayload{Candidate: "cand-1", SenderID: "bob"})
	m.HandleCandidate(protocol.CallICECandidatePayload{Candidate: "cand-2", SenderID: "bob"})

	if len(peer.candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %v", peer.candidates)
	}
}

func TestHandleCandidate_DroppedWithoutPeer(t *testing.T) {
	m, _, peer, _ := fixture(t)

	// No session, and also while ringing before JoinCall: no peer exists.
	m.HandleCandidate(protocol.CallICECandidatePayload{Candidate: "early"})
	m.HandleOffer(protocol.CallOfferPayload{ChatID: "chat-1", SDP: "x", SenderID: "bob"})
	m.HandleCandidate(protocol.CallICECandidatePayload{Candidate: "early-2"})

	if len(peer.candidates) != 0 {
		t.Fatalf("expected no candidates, got %v", peer.candidates)
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

func TestEnd_ReleasesResourcesBeforeIdle(t *testing.T) {
	m, media, peer, sender := fixture(t)

	if err := m.StartCall(context.Background(), "chat-1", true); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.HandleAnswer(protocol.CallAnswerPayload{SDP: "remote", SenderID: "bob"})
	m.End()

	if m.State() != Idle {
		t.Fatalf("expected idle after end, got %s", m.State())
	}
	if !peer.closed || !media.acquired[0].stopped {
		t.Fatal("end must release peer and media")
	}
	last := sender.frames[len(sender.frames)-1]
	if last.eventType != protocol.TypeCallEnd {
		t.Fatalf("expected call_end, got %q", last.eventType)
	}
	if p := last.payload.(protocol.CallEndPayload); p.TargetUserID != "bob" {
		t.Fatalf("unexpected end payload: %+v", p)
	}

	// A second End is a no-op and sends nothing further.
	frames := len(sender.frames)
	m.End()
	if len(sender.frames) != frames {
		t.Fatal("idle End must not send")
	}
}

func TestHandleEnd_RemoteTeardown(t *testing.T) {
	m, media, peer, sender := fixture(t)

	if err := m.StartCall(context.Background(), "chat-1", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	frames := len(sender.frames)
	m.HandleEnd(protocol.CallEndPayload{ChatID: "chat-1", SenderID: "bob"})

	if m.State() != Idle {
		t.Fatalf("expected idle, got %s", m.State())
	}
	if !peer.closed || !media.acquired[0].stopped {
		t.Fatal("remote end must release peer and media")
	}
	if len(sender.frames) != frames {
		t.Fatal("remote end must not echo a call_end back")
	}

	// After teardown a fresh call can start.
	if err := m.StartCall(context.Background(), "chat-2", false); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if m.State() != Outgoing {
		t.Fatalf("expected outgoing, got %s", m.State())
	}
}
