package domain

import (
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultMaxParticipants = 10

var (
	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrRoomNameTooLong = errors.New("room name too long")
	ErrUnknownRoomKind = errors.New("unknown room kind")
	ErrBadCapacity     = errors.New("capacity must be positive")
)

type (
	RoomID   string
	RoomName string
	RoomKind string
)

const (
	RoomKindVoice RoomKind = "voice"
	RoomKindVideo RoomKind = "video"
)

func ParseRoomKind(raw string) (RoomKind, error) {
	switch RoomKind(raw) {
	case "", RoomKindVoice:
		return RoomKindVoice, nil
	case RoomKindVideo:
		return RoomKindVideo, nil
	}
	return "", ErrUnknownRoomKind
}

func ParseRoomName(raw string) (RoomName, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrRoomNameEmpty
	}
	if len(raw) > MaxRoomNameLen {
		return "", ErrRoomNameTooLong
	}
	return RoomName(raw), nil
}

type Room struct {
	ID              RoomID         `json:"id"`
	Name            RoomName       `json:"name"`
	Kind            RoomKind       `json:"kind"`
	MaxParticipants int            `json:"maxParticipants"`
	Settings        map[string]any `json:"settings"`
	CreatedBy       AgentID        `json:"createdBy"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// NewRoom fills in id, timestamp and the default capacity.
func NewRoom(name RoomName, kind RoomKind, creator AgentID, settings map[string]any, now time.Time) *Room {
	if settings == nil {
		settings = map[string]any{}
	}
	return &Room{
		ID:              RoomID(uuid.NewString()),
		Name:            name,
		Kind:            kind,
		MaxParticipants: DefaultMaxParticipants,
		Settings:        settings,
		CreatedBy:       creator,
		CreatedAt:       now,
	}
}

// Clone returns a copy safe to hand out of a lock.
func (r *Room) Clone() Room {
	c := *r
	c.Settings = maps.Clone(r.Settings)
	if c.Settings == nil {
		c.Settings = map[string]any{}
	}
	return c
}
