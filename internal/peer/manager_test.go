package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/agentvoice/internal/core"
	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/dkeye/agentvoice/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type fakeConn struct {
	remote domain.ConnectionID

	mu         sync.Mutex
	remoteDesc *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool
	failApply  bool
	sent       [][]byte

	onICE    func(*webrtc.ICECandidateInit)
	onData   func(string, []byte)
	onClosed func()
}

func (f *fakeConn) Start(context.Context) error { return nil }

func (f *fakeConn) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	fn := f.onClosed
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeConn) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-to-" + string(f.remote)}, nil
}

func (f *fakeConn) ApplyOffer(o webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failApply {
		return webrtc.SessionDescription{}, errors.New("bad sdp")
	}
	f.remoteDesc = &o
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (f *fakeConn) ApplyAnswer(a webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDesc = &a
	return nil
}

func (f *fakeConn) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc != nil
}

func (f *fakeConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteDesc == nil {
		return errors.New("no remote description")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeConn) OnICECandidate(fn func(*webrtc.ICECandidateInit)) { f.onICE = fn }
func (f *fakeConn) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
}
func (f *fakeConn) OnData(fn func(string, []byte)) { f.onData = fn }

func (f *fakeConn) SendData(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, b)
	return nil
}

func (f *fakeConn) AddLocalTrack(*webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return nil, nil
}
func (f *fakeConn) OnClosed(fn func()) { f.onClosed = fn }

type fakeSignaler struct {
	mu   sync.Mutex
	sent []protocol.Relay
}

func (s *fakeSignaler) Relay(_ context.Context, msg protocol.Relay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignaler) ofType(t protocol.Type) []protocol.Relay {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Relay
	for _, m := range s.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	m     *Manager
	sig   *fakeSignaler
	mu    sync.Mutex
	conns map[domain.ConnectionID]*fakeConn
}

func newFixture(t *testing.T) *fixture {
	fx := &fixture{sig: &fakeSignaler{}, conns: make(map[domain.ConnectionID]*fakeConn)}
	fx.m = NewManager(context.Background(), fx.sig, func(remote domain.ConnectionID) (core.MediaConnection, error) {
		c := &fakeConn{remote: remote}
		fx.mu.Lock()
		fx.conns[remote] = c
		fx.mu.Unlock()
		return c, nil
	})
	t.Cleanup(fx.m.Close)
	return fx
}

func (fx *fixture) conn(remote domain.ConnectionID) *fakeConn {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.conns[remote]
}

func delivery(t protocol.Type, from domain.ConnectionID, body any) protocol.RelayDelivery {
	raw, _ := json.Marshal(body)
	d := protocol.RelayDelivery{Type: t, FromConnectionID: from}
	if t == protocol.TypeCandidate {
		d.Candidate = raw
	} else {
		d.SDP = raw
	}
	return d
}

func TestNewcomerOffersToExistingMembers(t *testing.T) {
	fx := newFixture(t)
	fx.m.HandleJoined(protocol.Joined{
		Type:          protocol.TypeJoined,
		RoomID:        "room",
		ParticipantID: "me",
		Participants: []protocol.ParticipantInfo{
			{ParticipantID: "p-a", ConnectionID: "a"},
			{ParticipantID: "me", ConnectionID: "self"},
			{ParticipantID: "p-b", ConnectionID: "b"},
		},
	})

	offers := fx.sig.ofType(protocol.TypeOffer)
	if len(offers) != 2 {
		t.Fatalf("offers=%d", len(offers))
	}
	targets := map[domain.ConnectionID]bool{}
	for _, o := range offers {
		targets[o.Target] = true
		if o.RoomID != "room" {
			t.Fatalf("offer room=%q", o.RoomID)
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(o.SDP, &desc); err != nil || desc.Type != webrtc.SDPTypeOffer {
			t.Fatalf("offer sdp=%s err=%v", o.SDP, err)
		}
	}
	if !targets["a"] || !targets["b"] || targets["self"] {
		t.Fatalf("targets=%v", targets)
	}
}

func TestExistingMemberAnswersAndWaitsForOffer(t *testing.T) {
	fx := newFixture(t)
	fx.m.HandleUserJoined(protocol.UserEvent{ConnectionID: "newcomer"})
	if len(fx.m.Peers()) != 0 || len(fx.sig.ofType(protocol.TypeOffer)) != 0 {
		t.Fatalf("existing member must not offer")
	}

	fx.m.HandleOffer(delivery(protocol.TypeOffer, "newcomer", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}))
	answers := fx.sig.ofType(protocol.TypeAnswer)
	if len(answers) != 1 || answers[0].Target != "newcomer" {
		t.Fatalf("answers=%+v", answers)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	fx := newFixture(t)
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}

	fx.m.HandleCandidate(delivery(protocol.TypeCandidate, "x", cand))
	fx.m.HandleCandidate(delivery(protocol.TypeCandidate, "x", cand))
	c := fx.conn("x")
	if c == nil || len(c.candidates) != 0 {
		t.Fatalf("candidates applied before remote description")
	}

	fx.m.HandleOffer(delivery(protocol.TypeOffer, "x", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}))
	if len(c.candidates) != 2 {
		t.Fatalf("flushed=%d", len(c.candidates))
	}
	fx.m.HandleCandidate(delivery(protocol.TypeCandidate, "x", cand))
	if len(c.candidates) != 3 {
		t.Fatalf("direct apply=%d", len(c.candidates))
	}
}

func TestLocalCandidatesAreRelayed(t *testing.T) {
	fx := newFixture(t)
	fx.m.HandleJoined(protocol.Joined{RoomID: "room", ParticipantID: "me", Participants: []protocol.ParticipantInfo{{ParticipantID: "p", ConnectionID: "a"}}})
	c := fx.conn("a")

	c.onICE(&webrtc.ICECandidateInit{Candidate: "candidate:2"})
	c.onICE(nil)

	if got := fx.sig.ofType(protocol.TypeCandidate); len(got) != 1 || got[0].Target != "a" || len(got[0].Candidate) == 0 {
		t.Fatalf("candidates=%+v", got)
	}
	if got := fx.sig.ofType(protocol.TypeCandidateEnd); len(got) != 1 || got[0].Target != "a" {
		t.Fatalf("candidate_end=%+v", got)
	}
}

func TestNegotiationErrorIsolatedToPeer(t *testing.T) {
	fx := newFixture(t)
	var failed []domain.ConnectionID
	fx.m.OnPeerError(func(remote domain.ConnectionID, err error) { failed = append(failed, remote) })

	fx.m.HandleOffer(delivery(protocol.TypeOffer, "good", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}))
	fx.m.HandleCandidate(delivery(protocol.TypeCandidate, "bad", webrtc.ICECandidateInit{Candidate: "c"}))
	fx.conn("bad").failApply = true
	fx.m.HandleOffer(delivery(protocol.TypeOffer, "bad", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}))

	if len(failed) != 1 || failed[0] != "bad" {
		t.Fatalf("failed=%v", failed)
	}
	if !fx.conn("bad").IsClosed() || fx.conn("good").IsClosed() {
		t.Fatalf("wrong peer torn down")
	}
	if peers := fx.m.Peers(); len(peers) != 1 || peers[0] != "good" {
		t.Fatalf("peers=%v", peers)
	}

	fx.m.HandleOffer(protocol.RelayDelivery{Type: protocol.TypeOffer, FromConnectionID: "junk", SDP: json.RawMessage(`"nope`)})
	if len(failed) != 2 || failed[1] != "junk" {
		t.Fatalf("failed=%v", failed)
	}
}

func TestTeardownOnUserLeftAndLeft(t *testing.T) {
	fx := newFixture(t)
	fx.m.HandleJoined(protocol.Joined{RoomID: "room", ParticipantID: "me", Participants: []protocol.ParticipantInfo{
		{ParticipantID: "pa", ConnectionID: "a"},
		{ParticipantID: "pb", ConnectionID: "b"},
	}})

	fx.m.HandleUserLeft(protocol.UserEvent{ConnectionID: "a"})
	if !fx.conn("a").IsClosed() || len(fx.m.Peers()) != 1 {
		t.Fatalf("peer a not torn down")
	}
	fx.m.HandleLeft(protocol.Left{RoomID: "room"})
	if !fx.conn("b").IsClosed() || len(fx.m.Peers()) != 0 {
		t.Fatalf("peers left after leaving the room")
	}
}

func TestRemoteCloseForgetsPeer(t *testing.T) {
	fx := newFixture(t)
	fx.m.HandleOffer(delivery(protocol.TypeOffer, "a", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}))
	fx.conn("a").Close()
	if len(fx.m.Peers()) != 0 {
		t.Fatalf("closed connection still tracked")
	}
}

func TestDataRouting(t *testing.T) {
	fx := newFixture(t)
	fx.m.HandleOffer(delivery(protocol.TypeOffer, "a", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}))

	var got string
	fx.m.OnData(func(remote domain.ConnectionID, label string, data []byte) {
		got = string(remote) + "/" + label + "/" + string(data)
	})
	fx.conn("a").onData("agent", []byte("hello"))
	if got != "a/agent/hello" {
		t.Fatalf("got=%q", got)
	}

	if err := fx.m.SendData("a", []byte("hi")); err != nil || len(fx.conn("a").sent) != 1 {
		t.Fatalf("SendData err=%v", err)
	}
	if err := fx.m.SendData("nobody", []byte("hi")); !errors.Is(err, core.ErrParticipantNotFound) {
		t.Fatalf("SendData unknown err=%v", err)
	}
}
