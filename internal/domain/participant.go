package domain

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

type (
	ParticipantID string
	ConnectionID  string
	Role          string
)

const (
	RoleOwner       Role = "owner"
	RoleParticipant Role = "participant"
)

// Participant represents one connection's membership in a room.
// No transport or lifecycle logic here.
type Participant struct {
	ID           ParticipantID  `json:"id"`
	RoomID       RoomID         `json:"roomId"`
	AgentID      AgentID        `json:"agentId"`
	ConnectionID ConnectionID   `json:"connectionId"`
	Role         Role           `json:"role"`
	JoinedAt     time.Time      `json:"joinedAt"`
	LeftAt       *time.Time     `json:"leftAt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	// InstanceID is the server instance holding the connection; empty for
	// participants registered over REST.
	InstanceID string `json:"instanceId,omitempty"`
}

func NewParticipant(room RoomID, agent AgentID, conn ConnectionID, role Role, now time.Time) *Participant {
	return &Participant{
		ID:           ParticipantID(uuid.NewString()),
		RoomID:       room,
		AgentID:      agent,
		ConnectionID: conn,
		Role:         role,
		JoinedAt:     now,
	}
}

func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

func (p *Participant) Clone() Participant {
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	if p.LeftAt != nil {
		t := *p.LeftAt
		c.LeftAt = &t
	}
	return c
}
