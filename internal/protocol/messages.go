// Package protocol defines the JSON messages exchanged on the signaling
// WebSocket.
package protocol

import (
	"encoding/json"

	"github.com/dkeye/agentvoice/internal/domain"
)

type Type string

// client -> server
const (
	TypeAuthenticate Type = "authenticate"
	TypeJoinRoom     Type = "join_room"
	TypeLeaveRoom    Type = "leave_room"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeCandidate    Type = "candidate"
	TypeCandidateEnd Type = "candidate_end"
	TypePing         Type = "ping"
)

// server -> client
const (
	TypeAuthOK     Type = "auth_ok"
	TypeAuthError  Type = "auth_error"
	TypeJoined     Type = "joined"
	TypeUserJoined Type = "user_joined"
	TypeUserLeft   Type = "user_left"
	TypeLeft       Type = "left"
	TypeError      Type = "error"
	TypePong       Type = "pong"
)

// IsRelay reports whether t is forwarded point-to-point between peers.
func (t Type) IsRelay() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeCandidateEnd:
		return true
	}
	return false
}

type ErrorCode string

const (
	CodeRoomNotFound   ErrorCode = "ROOM_NOT_FOUND"
	CodeRoomFull       ErrorCode = "ROOM_FULL"
	CodeNotInRoom      ErrorCode = "NOT_IN_ROOM"
	CodeTargetNotFound ErrorCode = "TARGET_NOT_FOUND"
	CodeInvalidToken   ErrorCode = "INVALID_TOKEN"
	CodeJoinFailed     ErrorCode = "JOIN_FAILED"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeBadPayload     ErrorCode = "BAD_PAYLOAD"
	CodeUnknownType    ErrorCode = "UNKNOWN_TYPE"
)

// Envelope is decoded first to pick the concrete message.
type Envelope struct {
	Type Type `json:"type"`
}

type Authenticate struct {
	Type    Type           `json:"type"`
	Token   string         `json:"token"`
	AgentID domain.AgentID `json:"agentId,omitempty"`
}

type JoinRoom struct {
	Type   Type          `json:"type"`
	RoomID domain.RoomID `json:"roomId"`
}

type LeaveRoom struct {
	Type   Type   `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// Relay is an offer, answer, candidate or candidate_end sent by a peer.
// SDP and Candidate are opaque and forwarded byte for byte.
type Relay struct {
	Type      Type                `json:"type"`
	RoomID    domain.RoomID       `json:"roomId,omitempty"`
	Target    domain.ConnectionID `json:"target"`
	SDP       json.RawMessage     `json:"sdp,omitempty"`
	Candidate json.RawMessage     `json:"candidate,omitempty"`
}

// RelayDelivery is what the target peer receives.
type RelayDelivery struct {
	Type              Type                 `json:"type"`
	RoomID            domain.RoomID        `json:"roomId"`
	From              domain.AgentID       `json:"from"`
	FromParticipantID domain.ParticipantID `json:"fromParticipantId"`
	FromConnectionID  domain.ConnectionID  `json:"fromConnectionId"`
	SDP               json.RawMessage      `json:"sdp,omitempty"`
	Candidate         json.RawMessage      `json:"candidate,omitempty"`
}

type AuthOK struct {
	Type         Type                `json:"type"`
	AgentID      domain.AgentID      `json:"agentId"`
	ConnectionID domain.ConnectionID `json:"connectionId"`
}

type AuthError struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

type ParticipantInfo struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	AgentID       domain.AgentID       `json:"agentId"`
	ConnectionID  domain.ConnectionID  `json:"connectionId"`
	Role          domain.Role          `json:"role"`
}

func InfoOf(p domain.Participant) ParticipantInfo {
	return ParticipantInfo{
		ParticipantID: p.ID,
		AgentID:       p.AgentID,
		ConnectionID:  p.ConnectionID,
		Role:          p.Role,
	}
}

type Joined struct {
	Type          Type                 `json:"type"`
	RoomID        domain.RoomID        `json:"roomId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	Participants  []ParticipantInfo    `json:"participants"`
}

// UserEvent is sent for user_joined and user_left.
type UserEvent struct {
	Type          Type                 `json:"type"`
	RoomID        domain.RoomID        `json:"roomId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	AgentID       domain.AgentID       `json:"agentId"`
	ConnectionID  domain.ConnectionID  `json:"connectionId"`
}

type Left struct {
	Type   Type          `json:"type"`
	RoomID domain.RoomID `json:"roomId"`
	Reason string        `json:"reason,omitempty"`
}

type Error struct {
	Type    Type      `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type Pong struct {
	Type Type `json:"type"`
}

func NewError(code ErrorCode, msg string) Error {
	return Error{Type: TypeError, Code: code, Message: msg}
}
