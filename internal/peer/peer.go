package peer

import (
	"context"
	"sync"

	"github.com/dkeye/agentvoice/internal/core"
	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type peer struct {
	remote domain.ConnectionID
	conn   core.MediaConnection
	sender *webrtc.RTPSender
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	once    sync.Once
}

func (p *peer) addCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.conn.HasRemoteDescription() {
		p.pending = append(p.pending, c)
		return nil
	}
	return p.conn.AddICECandidate(c)
}

// flush applies candidates buffered before the remote description was set.
func (p *peer) flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		if err := p.conn.AddICECandidate(c); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		log.Debug().Str("module", "peer").Str("remote", string(p.remote)).Int("count", len(pending)).Msg("flushed buffered candidates")
	}
	return nil
}

func (p *peer) release() {
	p.once.Do(func() {
		if p.sender != nil {
			if err := p.sender.Stop(); err != nil {
				log.Debug().Err(err).Str("module", "peer").Str("remote", string(p.remote)).Msg("stop sender")
			}
		}
		p.cancel()
		p.conn.Close()
	})
}
