// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxAgentIDLen  = 128
	MaxRoomNameLen = 64
)

var (
	ErrAgentIDEmpty   = errors.New("agent id empty")
	ErrAgentIDTooLong = errors.New("agent id too long")
)

// AgentID identifies an autonomous agent independent of any connection.
type AgentID string

func ParseAgentID(raw string) (AgentID, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrAgentIDEmpty
	}
	if len(raw) > MaxAgentIDLen {
		return "", ErrAgentIDTooLong
	}
	return AgentID(raw), nil
}
