package core

import "github.com/dkeye/agentvoice/internal/domain"

// Session binds an authenticated agent to its transport endpoint.
// This is what the orchestrator fans out to.
type Session interface {
	ID() domain.ConnectionID
	Agent() domain.AgentID
	Signal() SignalConnection
}

type session struct {
	id     domain.ConnectionID
	agent  domain.AgentID
	signal SignalConnection
}

func NewSession(id domain.ConnectionID, agent domain.AgentID, signal SignalConnection) Session {
	return &session{id: id, agent: agent, signal: signal}
}

func (s *session) ID() domain.ConnectionID  { return s.id }
func (s *session) Agent() domain.AgentID    { return s.agent }
func (s *session) Signal() SignalConnection { return s.signal }
