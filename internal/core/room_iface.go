package core

import (
	"errors"
	"time"

	"github.com/dkeye/agentvoice/internal/domain"
)

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomFull            = errors.New("room is full")
	ErrAlreadyJoined       = errors.New("connection already in a room")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrCapacityTooLow      = errors.New("capacity below current participant count")
)

// RoomPatch carries the mutable fields of a room; nil means unchanged.
type RoomPatch struct {
	Name            *domain.RoomName
	Settings        map[string]any
	MaxParticipants *int
}

type RoomInfo struct {
	domain.Room
	ParticipantCount int `json:"participantCount"`
}

// JoinOption decorates a participant before it is stored.
type JoinOption func(*domain.Participant)

func WithMetadata(md map[string]any) JoinOption {
	return func(p *domain.Participant) { p.Metadata = md }
}

// WithInstance records the server instance owning the participant's connection.
func WithInstance(id string) JoinOption {
	return func(p *domain.Participant) { p.InstanceID = id }
}

// RoomStore is the authoritative in-process room and participant state.
// Implementations must keep the connection indices consistent with the
// participant maps at every observable point.
type RoomStore interface {
	CreateRoom(name domain.RoomName, kind domain.RoomKind, creator domain.AgentID, settings map[string]any) domain.Room
	GetRoom(id domain.RoomID) (domain.Room, bool)
	ListRooms() []RoomInfo
	UpdateRoom(id domain.RoomID, patch RoomPatch) (domain.Room, error)
	DeleteRoom(id domain.RoomID) bool

	AddParticipant(roomID domain.RoomID, agent domain.AgentID, conn domain.ConnectionID, opts ...JoinOption) (domain.Participant, error)
	RemoveParticipant(conn domain.ConnectionID) (domain.Participant, bool)
	RemoveParticipantByID(roomID domain.RoomID, pid domain.ParticipantID) (domain.Participant, bool)
	ParticipantsByRoom(roomID domain.RoomID) []domain.Participant
	IsRoomFull(roomID domain.RoomID) bool
	RoomForConnection(conn domain.ConnectionID) (domain.RoomID, bool)
	ParticipantForConnection(conn domain.ConnectionID) (domain.Participant, bool)

	// Apply* mirror state published by sibling instances. They are
	// idempotent and report whether anything changed.
	ApplyRoom(room domain.Room) bool
	ApplyRoomDeleted(id domain.RoomID) bool
	ApplyParticipant(p domain.Participant) bool
	ApplyParticipantLeft(p domain.Participant) (domain.Participant, bool)

	Sweep(now time.Time) []domain.RoomID
}
