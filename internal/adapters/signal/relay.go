package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/dkeye/agentvoice/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleRelay(ctx context.Context, id domain.ConnectionID, conn *WsSignalConn, data []byte) {
	var msg protocol.Relay
	if err := json.Unmarshal(data, &msg); err != nil || msg.Target == "" {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("bad relay payload")
		ctl.sendError(conn, protocol.CodeBadPayload, "relay requires target")
		return
	}
	if !ctl.allowOrReject(ctx, conn, "conn:"+string(id), ctl.Opts.RelayLimit) {
		return
	}
	if err := ctl.Orch.Relay(ctx, id, msg); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("conn", string(id)).Str("target", string(msg.Target)).Str("type", string(msg.Type)).Msg("relay rejected")
		ctl.sendError(conn, codeFor(err), err.Error())
	}
}
