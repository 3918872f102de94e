package pubsub

import (
	"context"
	"encoding/json"

	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	ChannelRooms        = "voice:rooms"
	ChannelParticipants = "voice:participants"
	ChannelSignal       = "voice:signal"
	ChannelPresence     = "voice:presence"
)

type EventKind string

const (
	KindRoomCreated       EventKind = "room_created"
	KindRoomUpdated       EventKind = "room_updated"
	KindRoomDeleted       EventKind = "room_deleted"
	KindParticipantJoined EventKind = "participant_joined"
	KindParticipantLeft   EventKind = "participant_left"
)

type RoomEvent struct {
	Kind   EventKind     `json:"kind"`
	RoomID domain.RoomID `json:"roomId"`
	Room   *domain.Room  `json:"room,omitempty"`
}

type ParticipantEvent struct {
	Kind        EventKind          `json:"kind"`
	Participant domain.Participant `json:"participant"`
}

// SignalEvent carries a relay message to the instance holding Target.
type SignalEvent struct {
	Type            string               `json:"type"`
	RoomID          domain.RoomID        `json:"roomId"`
	From            domain.AgentID       `json:"from"`
	FromParticipant domain.ParticipantID `json:"fromParticipant"`
	Target          domain.ConnectionID  `json:"target"`
	Payload         json.RawMessage      `json:"payload,omitempty"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

type PresenceEvent struct {
	AgentID      domain.AgentID      `json:"agentId"`
	ConnectionID domain.ConnectionID `json:"connectionId"`
	Status       PresenceStatus      `json:"status"`
	InstanceID   string              `json:"instanceId"`
}

func (b *Bus) PublishRoomCreated(ctx context.Context, room domain.Room) error {
	return b.Publish(ctx, ChannelRooms, RoomEvent{Kind: KindRoomCreated, RoomID: room.ID, Room: &room})
}

func (b *Bus) PublishRoomUpdated(ctx context.Context, room domain.Room) error {
	return b.Publish(ctx, ChannelRooms, RoomEvent{Kind: KindRoomUpdated, RoomID: room.ID, Room: &room})
}

func (b *Bus) PublishRoomDeleted(ctx context.Context, id domain.RoomID) error {
	return b.Publish(ctx, ChannelRooms, RoomEvent{Kind: KindRoomDeleted, RoomID: id})
}

func (b *Bus) PublishParticipantJoined(ctx context.Context, p domain.Participant) error {
	return b.Publish(ctx, ChannelParticipants, ParticipantEvent{Kind: KindParticipantJoined, Participant: p})
}

func (b *Bus) PublishParticipantLeft(ctx context.Context, p domain.Participant) error {
	return b.Publish(ctx, ChannelParticipants, ParticipantEvent{Kind: KindParticipantLeft, Participant: p})
}

func (b *Bus) PublishSignalRelayed(ctx context.Context, ev SignalEvent) error {
	return b.Publish(ctx, ChannelSignal, ev)
}

func (b *Bus) PublishPresence(ctx context.Context, ev PresenceEvent) error {
	if ev.InstanceID == "" {
		ev.InstanceID = b.instanceID
	}
	return b.Publish(ctx, ChannelPresence, ev)
}

// Handlers receives decoded events from sibling instances. Nil fields are
// not subscribed.
type Handlers struct {
	RoomCreated       func(context.Context, domain.Room)
	RoomUpdated       func(context.Context, domain.Room)
	RoomDeleted       func(context.Context, domain.RoomID)
	ParticipantJoined func(context.Context, domain.Participant)
	ParticipantLeft   func(context.Context, domain.Participant)
	SignalRelayed     func(context.Context, SignalEvent)
	Presence          func(context.Context, PresenceEvent)
}

// Attach subscribes the typed handlers and returns one func detaching all.
func (b *Bus) Attach(ctx context.Context, h Handlers) (func(), error) {
	var undo []func()
	detach := func() {
		for _, u := range undo {
			u()
		}
	}
	sub := func(channel string, fn Handler) error {
		u, err := b.Subscribe(ctx, channel, fn)
		if err != nil {
			return err
		}
		undo = append(undo, u)
		return nil
	}

	if h.RoomCreated != nil || h.RoomUpdated != nil || h.RoomDeleted != nil {
		if err := sub(ChannelRooms, func(ctx context.Context, env Envelope) {
			var ev RoomEvent
			if !decode(env, &ev) {
				return
			}
			switch ev.Kind {
			case KindRoomCreated:
				if h.RoomCreated != nil && ev.Room != nil {
					h.RoomCreated(ctx, *ev.Room)
				}
			case KindRoomUpdated:
				if h.RoomUpdated != nil && ev.Room != nil {
					h.RoomUpdated(ctx, *ev.Room)
				}
			case KindRoomDeleted:
				if h.RoomDeleted != nil {
					h.RoomDeleted(ctx, ev.RoomID)
				}
			}
		}); err != nil {
			detach()
			return nil, err
		}
	}
	if h.ParticipantJoined != nil || h.ParticipantLeft != nil {
		if err := sub(ChannelParticipants, func(ctx context.Context, env Envelope) {
			var ev ParticipantEvent
			if !decode(env, &ev) {
				return
			}
			switch ev.Kind {
			case KindParticipantJoined:
				if h.ParticipantJoined != nil {
					h.ParticipantJoined(ctx, ev.Participant)
				}
			case KindParticipantLeft:
				if h.ParticipantLeft != nil {
					h.ParticipantLeft(ctx, ev.Participant)
				}
			}
		}); err != nil {
			detach()
			return nil, err
		}
	}
	if h.SignalRelayed != nil {
		if err := sub(ChannelSignal, func(ctx context.Context, env Envelope) {
			var ev SignalEvent
			if decode(env, &ev) {
				h.SignalRelayed(ctx, ev)
			}
		}); err != nil {
			detach()
			return nil, err
		}
	}
	if h.Presence != nil {
		if err := sub(ChannelPresence, func(ctx context.Context, env Envelope) {
			var ev PresenceEvent
			if decode(env, &ev) {
				h.Presence(ctx, ev)
			}
		}); err != nil {
			detach()
			return nil, err
		}
	}
	return detach, nil
}

func decode(env Envelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		log.Warn().Err(err).Str("module", "pubsub").Str("channel", env.Channel).Str("sender", env.SenderID).Msg("bad event payload")
		return false
	}
	return true
}
