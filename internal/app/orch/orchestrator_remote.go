package orch

import (
	"context"
	"encoding/json"

	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/dkeye/agentvoice/internal/protocol"
	"github.com/dkeye/agentvoice/internal/pubsub"
	"github.com/rs/zerolog/log"
)

// RemoteHandlers applies events published by sibling instances. Every
// handler tolerates duplicates and reordering.
func (o *Orchestrator) RemoteHandlers() pubsub.Handlers {
	return pubsub.Handlers{
		RoomCreated: func(_ context.Context, r domain.Room) { o.Rooms.ApplyRoom(r) },
		RoomUpdated: func(_ context.Context, r domain.Room) { o.Rooms.ApplyRoom(r) },
		RoomDeleted: func(_ context.Context, id domain.RoomID) {
			o.evictLocal(id, "room_deleted")
			o.Rooms.ApplyRoomDeleted(id)
		},
		ParticipantJoined: func(_ context.Context, p domain.Participant) {
			if p.InstanceID != "" && p.InstanceID == o.InstanceID() {
				return
			}
			if o.Rooms.ApplyParticipant(p) {
				o.notifyLocal(p.RoomID, p.ConnectionID, userEvent(protocol.TypeUserJoined, p))
			}
		},
		ParticipantLeft: func(_ context.Context, p domain.Participant) {
			removed, ok := o.Rooms.ApplyParticipantLeft(p)
			if !ok {
				return
			}
			// A leave for one of our own connections means a sibling removed it.
			if o.SendTo(p.ConnectionID, protocol.Left{Type: protocol.TypeLeft, RoomID: removed.RoomID, Reason: "removed"}) {
				log.Info().Str("module", "orch").Str("conn", string(p.ConnectionID)).Str("room", string(removed.RoomID)).Msg("removed by sibling instance")
			}
			o.notifyLocal(removed.RoomID, p.ConnectionID, userEvent(protocol.TypeUserLeft, removed))
		},
		SignalRelayed: func(_ context.Context, ev pubsub.SignalEvent) {
			if _, local := o.Registry.Get(ev.Target); !local {
				return
			}
			var out protocol.RelayDelivery
			if err := json.Unmarshal(ev.Payload, &out); err != nil {
				log.Warn().Err(err).Str("module", "orch").Msg("bad relayed signal")
				return
			}
			o.SendTo(ev.Target, out)
		},
		Presence: func(_ context.Context, ev pubsub.PresenceEvent) {
			log.Debug().Str("module", "orch").Str("agent", string(ev.AgentID)).Str("status", string(ev.Status)).Str("instance", ev.InstanceID).Msg("presence")
		},
	}
}

func jsonRaw(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
