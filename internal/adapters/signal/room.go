package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/agentvoice/internal/app/orch"
	"github.com/dkeye/agentvoice/internal/core"
	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/dkeye/agentvoice/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, id domain.ConnectionID, conn *WsSignalConn, data []byte) {
	var p protocol.JoinRoom
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		log.Warn().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, protocol.CodeBadPayload, "join_room requires roomId")
		return
	}
	sess, ok := ctl.Orch.Registry.Get(id)
	if !ok {
		return
	}
	if !ctl.allowOrReject(ctx, conn, "agent:"+string(sess.Agent()), ctl.Opts.JoinLimit) {
		return
	}
	ctl.join(ctx, id, conn, p.RoomID)
}

func (ctl *SignalWSController) join(ctx context.Context, id domain.ConnectionID, conn *WsSignalConn, room domain.RoomID) {
	log.Info().Str("module", "signal").Str("conn", string(id)).Str("room", string(room)).Msg("join")
	if _, err := ctl.Orch.Join(ctx, id, room); err != nil {
		log.Info().Err(err).Str("module", "signal").Str("conn", string(id)).Str("room", string(room)).Msg("join rejected")
		ctl.sendError(conn, codeFor(err), err.Error())
	}
}

// handleLeave exits the current room; the connection stays open. Leaving
// while not in a room is a no-op.
func (ctl *SignalWSController) handleLeave(ctx context.Context, id domain.ConnectionID, conn *WsSignalConn, data []byte) {
	var p protocol.LeaveRoom
	_ = json.Unmarshal(data, &p)
	reason := p.Reason
	if reason == "" {
		reason = "leave"
	}
	log.Info().Str("module", "signal").Str("conn", string(id)).Str("reason", reason).Msg("leave")
	if _, ok := ctl.Orch.Leave(ctx, id, reason); !ok {
		log.Debug().Str("module", "signal").Str("conn", string(id)).Msg("leave outside a room ignored")
	}
}

func codeFor(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, core.ErrRoomNotFound):
		return protocol.CodeRoomNotFound
	case errors.Is(err, core.ErrRoomFull):
		return protocol.CodeRoomFull
	case errors.Is(err, orch.ErrNotInRoom):
		return protocol.CodeNotInRoom
	case errors.Is(err, orch.ErrTargetNotFound):
		return protocol.CodeTargetNotFound
	default:
		return protocol.CodeJoinFailed
	}
}
