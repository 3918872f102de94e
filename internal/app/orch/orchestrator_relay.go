package orch

import (
	"context"

	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/dkeye/agentvoice/internal/protocol"
	"github.com/dkeye/agentvoice/internal/pubsub"
	"github.com/rs/zerolog/log"
)

// Relay authorizes msg and forwards it to exactly one target connection.
// The SDP or candidate body is never inspected.
func (o *Orchestrator) Relay(ctx context.Context, from domain.ConnectionID, msg protocol.Relay) error {
	sender, ok := o.Rooms.ParticipantForConnection(from)
	if !ok || (msg.RoomID != "" && msg.RoomID != sender.RoomID) {
		return ErrNotInRoom
	}
	target, ok := o.Rooms.ParticipantForConnection(msg.Target)
	if !ok || target.RoomID != sender.RoomID || target.ConnectionID == from {
		return ErrTargetNotFound
	}

	out := protocol.RelayDelivery{
		Type:              msg.Type,
		RoomID:            sender.RoomID,
		From:              sender.AgentID,
		FromParticipantID: sender.ID,
		FromConnectionID:  from,
		SDP:               msg.SDP,
		Candidate:         msg.Candidate,
	}
	if o.SendTo(target.ConnectionID, out) {
		return nil
	}
	if o.Bus == nil || target.InstanceID == "" || target.InstanceID == o.InstanceID() {
		return ErrTargetNotFound
	}

	payload, err := jsonRaw(out)
	if err != nil {
		return err
	}
	err = o.Bus.PublishSignalRelayed(ctx, pubsub.SignalEvent{
		Type:            string(msg.Type),
		RoomID:          sender.RoomID,
		From:            sender.AgentID,
		FromParticipant: sender.ID,
		Target:          target.ConnectionID,
		Payload:         payload,
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("target", string(target.ConnectionID)).Msg("cross-instance relay failed")
		return ErrTargetNotFound
	}
	return nil
}
