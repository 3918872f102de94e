package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/agentvoice/internal/core"
	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/dkeye/agentvoice/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) CreateRoom(ctx context.Context, name domain.RoomName, kind domain.RoomKind, creator domain.AgentID, settings map[string]any, capacity int) (domain.Room, error) {
	room := o.Rooms.CreateRoom(name, kind, creator, settings)
	if capacity > 0 && capacity != room.MaxParticipants {
		updated, err := o.Rooms.UpdateRoom(room.ID, core.RoomPatch{MaxParticipants: &capacity})
		if err != nil {
			o.Rooms.DeleteRoom(room.ID)
			return domain.Room{}, err
		}
		room = updated
	}
	o.publish("room_created", func() error { return o.Bus.PublishRoomCreated(ctx, room) })
	return room, nil
}

func (o *Orchestrator) UpdateRoom(ctx context.Context, id domain.RoomID, patch core.RoomPatch) (domain.Room, error) {
	room, err := o.Rooms.UpdateRoom(id, patch)
	if err != nil {
		return domain.Room{}, err
	}
	o.publish("room_updated", func() error { return o.Bus.PublishRoomUpdated(ctx, room) })
	return room, nil
}

// DeleteRoom tells local members they were removed, then cascades.
func (o *Orchestrator) DeleteRoom(ctx context.Context, id domain.RoomID) bool {
	o.evictLocal(id, "room_deleted")
	if !o.Rooms.DeleteRoom(id) {
		return false
	}
	o.publish("room_deleted", func() error { return o.Bus.PublishRoomDeleted(ctx, id) })
	return true
}

func (o *Orchestrator) evictLocal(id domain.RoomID, reason string) {
	msg := protocol.Left{Type: protocol.TypeLeft, RoomID: id, Reason: reason}
	o.notifyLocal(id, "", msg)
}

// Join moves conn into room. It either stores the participant and queues
// every notification, or fails without changing state.
func (o *Orchestrator) Join(ctx context.Context, conn domain.ConnectionID, roomID domain.RoomID) (domain.Participant, error) {
	sess, ok := o.Registry.Get(conn)
	if !ok {
		return domain.Participant{}, ErrNotConnected
	}
	if current, ok := o.Rooms.RoomForConnection(conn); ok {
		// Refuse before leaving so a doomed switch keeps the current seat.
		if _, exists := o.Rooms.GetRoom(roomID); !exists {
			return domain.Participant{}, fmt.Errorf("join %s: %w", roomID, core.ErrRoomNotFound)
		}
		if current != roomID && o.Rooms.IsRoomFull(roomID) {
			return domain.Participant{}, fmt.Errorf("join %s: %w", roomID, core.ErrRoomFull)
		}
		o.leave(ctx, conn, "switch_room", true)
		log.Info().Str("module", "orch").Str("conn", string(conn)).Str("from_room", string(current)).Msg("left previous room")
	}

	p, err := o.Rooms.AddParticipant(roomID, sess.Agent(), conn, core.WithInstance(o.InstanceID()))
	if err != nil {
		return domain.Participant{}, fmt.Errorf("join %s: %w", roomID, err)
	}
	if _, still := o.Registry.Get(conn); !still {
		o.Rooms.RemoveParticipant(conn)
		return domain.Participant{}, ErrNotConnected
	}

	roster := o.Rooms.ParticipantsByRoom(roomID)
	infos := make([]protocol.ParticipantInfo, 0, len(roster))
	for _, rp := range roster {
		infos = append(infos, protocol.InfoOf(rp))
	}
	o.send(sess, protocol.Joined{
		Type:          protocol.TypeJoined,
		RoomID:        roomID,
		ParticipantID: p.ID,
		Participants:  infos,
	})
	o.notifyLocal(roomID, conn, userEvent(protocol.TypeUserJoined, p))
	o.publish("participant_joined", func() error { return o.Bus.PublishParticipantJoined(ctx, p) })

	log.Info().Str("module", "orch").Str("conn", string(conn)).Str("room", string(roomID)).Str("participant", string(p.ID)).Msg("joined")
	return p, nil
}

// Leave is a no-op when conn is not in a room.
func (o *Orchestrator) Leave(ctx context.Context, conn domain.ConnectionID, reason string) (domain.Participant, bool) {
	return o.leave(ctx, conn, reason, true)
}

func (o *Orchestrator) leave(ctx context.Context, conn domain.ConnectionID, reason string, confirm bool) (domain.Participant, bool) {
	p, ok := o.Rooms.RemoveParticipant(conn)
	if !ok {
		return domain.Participant{}, false
	}
	if confirm {
		o.SendTo(conn, protocol.Left{Type: protocol.TypeLeft, RoomID: p.RoomID, Reason: reason})
	}
	o.notifyLocal(p.RoomID, conn, userEvent(protocol.TypeUserLeft, p))
	o.publish("participant_left", func() error { return o.Bus.PublishParticipantLeft(ctx, p) })
	log.Info().Str("module", "orch").Str("conn", string(conn)).Str("room", string(p.RoomID)).Str("reason", reason).Msg("left")
	return p, true
}

// AddParticipant registers a participant without a live connection, as
// done by the REST surface.
func (o *Orchestrator) AddParticipant(ctx context.Context, roomID domain.RoomID, agent domain.AgentID, metadata map[string]any) (domain.Participant, error) {
	conn := domain.ConnectionID("rest-" + string(domain.NewConnectionID()))
	p, err := o.Rooms.AddParticipant(roomID, agent, conn, core.WithMetadata(metadata))
	if err != nil {
		return domain.Participant{}, err
	}
	o.notifyLocal(roomID, conn, userEvent(protocol.TypeUserJoined, p))
	o.publish("participant_joined", func() error { return o.Bus.PublishParticipantJoined(ctx, p) })
	return p, nil
}

func (o *Orchestrator) RemoveParticipant(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID) (domain.Participant, bool) {
	var target domain.ConnectionID
	for _, p := range o.Rooms.ParticipantsByRoom(roomID) {
		if p.ID == pid {
			target = p.ConnectionID
			break
		}
	}
	if target == "" {
		return domain.Participant{}, false
	}
	return o.leave(ctx, target, "removed", true)
}

func userEvent(t protocol.Type, p domain.Participant) protocol.UserEvent {
	return protocol.UserEvent{
		Type:          t,
		RoomID:        p.RoomID,
		ParticipantID: p.ID,
		AgentID:       p.AgentID,
		ConnectionID:  p.ConnectionID,
	}
}
