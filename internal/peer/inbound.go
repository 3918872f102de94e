package peer

import (
	"context"

	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// readTrack reads RTP packets from an inbound track until it ends.
func (m *Manager) readTrack(ctx context.Context, remote domain.ConnectionID, track *webrtc.TrackRemote) {
	logger := log.With().
		Str("module", "peer").
		Str("remote", string(remote)).
		Str("track_id", track.ID()).
		Logger()
	logger.Info().Msg("inbound track reader started")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("inbound track ctx done")
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("inbound track ended")
			return
		}
		m.cbMu.RLock()
		fn := m.onPacket
		m.cbMu.RUnlock()
		if fn != nil {
			fn(remote, pkt)
		}
	}
}

// drainRTCP keeps the sender's interceptors running until it is stopped.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
