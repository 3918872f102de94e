package signal

import (
	"context"

	"github.com/dkeye/agentvoice/internal/protocol"
	"github.com/dkeye/agentvoice/internal/ratelimit"
	"github.com/rs/zerolog/log"
)

const codeRateLimited = protocol.CodeRateLimited

// allow charges one request against cfg for id. A missing limiter or an
// unset class allows everything.
func (ctl *SignalWSController) allow(ctx context.Context, id string, cfg ratelimit.Config) bool {
	if ctl.Limiter == nil || cfg.Limit <= 0 {
		return true
	}
	res := ctl.Limiter.Check(ctx, id, cfg)
	if !res.Allowed {
		log.Debug().Str("module", "signal").Str("class", cfg.Name).Str("id", id).Time("reset", res.ResetTime).Msg("rate limited")
	}
	return res.Allowed
}

func (ctl *SignalWSController) allowOrReject(ctx context.Context, c *WsSignalConn, id string, cfg ratelimit.Config) bool {
	if ctl.allow(ctx, id, cfg) {
		return true
	}
	ctl.sendError(c, codeRateLimited, "rate limit exceeded for "+cfg.Name)
	return false
}
