package rtc

import (
	"context"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func newPair(t *testing.T) (*WebRTCConnection, *WebRTCConnection) {
	t.Helper()
	cfg := webrtc.Configuration{}
	a, err := NewWebRTCConnection(cfg, "b")
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := NewWebRTCConnection(cfg, "a")
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return a, b
}

func TestOfferAnswerExchange(t *testing.T) {
	a, b := newPair(t)

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		t.Fatalf("offer=%+v", offer)
	}
	if b.HasRemoteDescription() {
		t.Fatalf("remote description before offer")
	}
	answer, err := b.ApplyOffer(offer)
	if err != nil {
		t.Fatalf("ApplyOffer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer || !b.HasRemoteDescription() {
		t.Fatalf("answer=%+v", answer)
	}
	if err := a.ApplyAnswer(answer); err != nil {
		t.Fatalf("ApplyAnswer: %v", err)
	}
	if !a.HasRemoteDescription() {
		t.Fatalf("offerer has no remote description")
	}
	if err := a.SendData([]byte("x")); err == nil {
		t.Fatalf("send on unopened channel succeeded")
	}
}

func TestCloseFiresOnClosedOnce(t *testing.T) {
	a, _ := newPair(t)
	calls := 0
	a.OnClosed(func() { calls++ })
	a.Close()
	a.Close()
	if !a.IsClosed() || calls != 1 {
		t.Fatalf("closed=%v calls=%d", a.IsClosed(), calls)
	}
}

func TestAddLocalTrack(t *testing.T) {
	a, _ := newPair(t)
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "agent")
	if err != nil {
		t.Fatal(err)
	}
	sender, err := a.AddLocalTrack(track)
	if err != nil || sender == nil {
		t.Fatalf("AddLocalTrack: %v", err)
	}
	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if !strings.Contains(offer.SDP, "m=audio") {
		t.Fatalf("offer has no audio section")
	}
}
