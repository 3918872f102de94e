// Package peer negotiates one media connection per remote participant over
// the signaling client.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/agentvoice/internal/core"
	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/dkeye/agentvoice/internal/protocol"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Signaler carries relay messages to the server; *client.Conn implements it.
type Signaler interface {
	Relay(ctx context.Context, msg protocol.Relay) error
}

type Factory func(remote domain.ConnectionID) (core.MediaConnection, error)

type Option func(*Manager)

// WithLocalTrack publishes track to every peer.
func WithLocalTrack(track *webrtc.TrackLocalStaticRTP) Option {
	return func(m *Manager) { m.localTrack = track }
}

type Manager struct {
	signaler   Signaler
	newConn    Factory
	localTrack *webrtc.TrackLocalStaticRTP

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	room  domain.RoomID
	peers map[domain.ConnectionID]*peer

	cbMu        sync.RWMutex
	onTrack     func(remote domain.ConnectionID, track *webrtc.TrackRemote)
	onPacket    func(remote domain.ConnectionID, pkt *rtp.Packet)
	onData      func(remote domain.ConnectionID, label string, data []byte)
	onPeerError func(remote domain.ConnectionID, err error)
}

func NewManager(ctx context.Context, s Signaler, f Factory, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		signaler: s,
		newConn:  f,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[domain.ConnectionID]*peer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) OnTrack(fn func(remote domain.ConnectionID, track *webrtc.TrackRemote)) {
	m.cbMu.Lock()
	m.onTrack = fn
	m.cbMu.Unlock()
}

// OnPacket receives every RTP packet read from every inbound track.
func (m *Manager) OnPacket(fn func(remote domain.ConnectionID, pkt *rtp.Packet)) {
	m.cbMu.Lock()
	m.onPacket = fn
	m.cbMu.Unlock()
}

func (m *Manager) OnData(fn func(remote domain.ConnectionID, label string, data []byte)) {
	m.cbMu.Lock()
	m.onData = fn
	m.cbMu.Unlock()
}

// OnPeerError reports a failure that tore down one peer; others are unaffected.
func (m *Manager) OnPeerError(fn func(remote domain.ConnectionID, err error)) {
	m.cbMu.Lock()
	m.onPeerError = fn
	m.cbMu.Unlock()
}

// Peers lists the remote connections with a live negotiation object.
func (m *Manager) Peers() []domain.ConnectionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ConnectionID, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

// SendData writes to the data channel shared with remote.
func (m *Manager) SendData(remote domain.ConnectionID, data []byte) error {
	p, ok := m.get(remote)
	if !ok {
		return fmt.Errorf("peer %s: %w", remote, core.ErrParticipantNotFound)
	}
	return p.conn.SendData(data)
}

// HandleJoined makes the newcomer offer to everyone already in the room.
func (m *Manager) HandleJoined(j protocol.Joined) {
	m.mu.Lock()
	m.room = j.RoomID
	m.mu.Unlock()
	for _, other := range j.Participants {
		if other.ParticipantID == j.ParticipantID {
			continue
		}
		m.offerTo(other.ConnectionID)
	}
}

// HandleUserJoined only logs: the newcomer is the one that offers.
func (m *Manager) HandleUserJoined(u protocol.UserEvent) {
	log.Debug().Str("module", "peer").Str("remote", string(u.ConnectionID)).Msg("awaiting offer from newcomer")
}

func (m *Manager) HandleUserLeft(u protocol.UserEvent) {
	m.teardown(u.ConnectionID)
}

// HandleLeft tears down every peer after this agent left its room.
func (m *Manager) HandleLeft(protocol.Left) {
	m.mu.Lock()
	m.room = ""
	m.mu.Unlock()
	m.teardownAll()
}

func (m *Manager) offerTo(remote domain.ConnectionID) {
	p, err := m.ensure(remote)
	if err != nil {
		m.fail(remote, err)
		return
	}
	offer, err := p.conn.CreateOffer()
	if err != nil {
		m.fail(remote, fmt.Errorf("create offer: %w", err))
		return
	}
	if err := m.relayDescription(protocol.TypeOffer, remote, offer); err != nil {
		m.fail(remote, err)
		return
	}
	log.Info().Str("module", "peer").Str("remote", string(remote)).Msg("offer sent")
}

func (m *Manager) HandleOffer(d protocol.RelayDelivery) {
	remote := d.FromConnectionID
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(d.SDP, &desc); err != nil {
		m.fail(remote, fmt.Errorf("decode offer: %w", err))
		return
	}
	p, err := m.ensure(remote)
	if err != nil {
		m.fail(remote, err)
		return
	}
	answer, err := p.conn.ApplyOffer(desc)
	if err != nil {
		m.fail(remote, fmt.Errorf("apply offer: %w", err))
		return
	}
	if err := p.flush(); err != nil {
		m.fail(remote, err)
		return
	}
	if err := m.relayDescription(protocol.TypeAnswer, remote, answer); err != nil {
		m.fail(remote, err)
		return
	}
	log.Info().Str("module", "peer").Str("remote", string(remote)).Msg("answer sent")
}

func (m *Manager) HandleAnswer(d protocol.RelayDelivery) {
	remote := d.FromConnectionID
	p, ok := m.get(remote)
	if !ok {
		log.Warn().Str("module", "peer").Str("remote", string(remote)).Msg("answer for unknown peer")
		return
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(d.SDP, &desc); err != nil {
		m.fail(remote, fmt.Errorf("decode answer: %w", err))
		return
	}
	if err := p.conn.ApplyAnswer(desc); err != nil {
		m.fail(remote, fmt.Errorf("apply answer: %w", err))
		return
	}
	if err := p.flush(); err != nil {
		m.fail(remote, err)
	}
}

// HandleCandidate buffers until the remote description is known. A
// candidate may arrive before its offer when relayed across instances.
func (m *Manager) HandleCandidate(d protocol.RelayDelivery) {
	remote := d.FromConnectionID
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(d.Candidate, &cand); err != nil {
		m.fail(remote, fmt.Errorf("decode candidate: %w", err))
		return
	}
	p, err := m.ensure(remote)
	if err != nil {
		m.fail(remote, err)
		return
	}
	if err := p.addCandidate(cand); err != nil {
		m.fail(remote, fmt.Errorf("add candidate: %w", err))
	}
}

func (m *Manager) HandleCandidateEnd(d protocol.RelayDelivery) {
	log.Debug().Str("module", "peer").Str("remote", string(d.FromConnectionID)).Msg("remote gathering complete")
}

func (m *Manager) relayDescription(t protocol.Type, remote domain.ConnectionID, desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return m.signaler.Relay(m.ctx, protocol.Relay{Type: t, RoomID: m.currentRoom(), Target: remote, SDP: raw})
}

func (m *Manager) relayCandidate(remote domain.ConnectionID, cand *webrtc.ICECandidateInit) {
	msg := protocol.Relay{Type: protocol.TypeCandidateEnd, RoomID: m.currentRoom(), Target: remote}
	if cand != nil {
		raw, err := json.Marshal(cand)
		if err != nil {
			return
		}
		msg.Type = protocol.TypeCandidate
		msg.Candidate = raw
	}
	if err := m.signaler.Relay(m.ctx, msg); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("remote", string(remote)).Msg("candidate relay failed")
	}
}

func (m *Manager) currentRoom() domain.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

func (m *Manager) get(remote domain.ConnectionID) (*peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[remote]
	return p, ok
}

// ensure returns the peer for remote, creating and starting it if needed.
func (m *Manager) ensure(remote domain.ConnectionID) (*peer, error) {
	m.mu.Lock()
	if p, ok := m.peers[remote]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	conn, err := m.newConn(remote)
	if err != nil {
		return nil, fmt.Errorf("new connection: %w", err)
	}
	ctx, cancel := context.WithCancel(m.ctx)
	p := &peer{remote: remote, conn: conn, cancel: cancel}

	conn.OnICECandidate(func(c *webrtc.ICECandidateInit) { m.relayCandidate(remote, c) })
	conn.OnTrack(func(tctx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.cbMu.RLock()
		fn := m.onTrack
		m.cbMu.RUnlock()
		if fn != nil {
			fn(remote, track)
		}
		go m.readTrack(tctx, remote, track)
	})
	conn.OnData(func(label string, data []byte) {
		m.cbMu.RLock()
		fn := m.onData
		m.cbMu.RUnlock()
		if fn != nil {
			fn(remote, label, data)
		}
	})
	conn.OnClosed(func() { m.forget(remote, p) })

	if err := conn.Start(ctx); err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("start connection: %w", err)
	}
	if m.localTrack != nil {
		sender, err := conn.AddLocalTrack(m.localTrack)
		if err != nil {
			cancel()
			conn.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
		p.sender = sender
		go drainRTCP(sender)
	}

	m.mu.Lock()
	if existing, ok := m.peers[remote]; ok {
		m.mu.Unlock()
		p.release()
		return existing, nil
	}
	m.peers[remote] = p
	m.mu.Unlock()
	log.Info().Str("module", "peer").Str("remote", string(remote)).Msg("peer created")
	return p, nil
}

func (m *Manager) fail(remote domain.ConnectionID, err error) {
	log.Warn().Err(err).Str("module", "peer").Str("remote", string(remote)).Msg("peer negotiation failed")
	m.teardown(remote)
	m.cbMu.RLock()
	fn := m.onPeerError
	m.cbMu.RUnlock()
	if fn != nil {
		fn(remote, err)
	}
}

// forget drops p from the table if it is still the current peer for remote.
func (m *Manager) forget(remote domain.ConnectionID, p *peer) {
	m.mu.Lock()
	if cur, ok := m.peers[remote]; ok && cur == p {
		delete(m.peers, remote)
	}
	m.mu.Unlock()
}

func (m *Manager) teardown(remote domain.ConnectionID) {
	m.mu.Lock()
	p, ok := m.peers[remote]
	delete(m.peers, remote)
	m.mu.Unlock()
	if ok {
		p.release()
		log.Info().Str("module", "peer").Str("remote", string(remote)).Msg("peer torn down")
	}
}

func (m *Manager) teardownAll() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[domain.ConnectionID]*peer)
	m.mu.Unlock()
	for _, p := range peers {
		p.release()
	}
}

// Close releases every peer; the manager is unusable afterwards.
func (m *Manager) Close() {
	m.teardownAll()
	m.cancel()
}
