package peer

import "github.com/dkeye/agentvoice/internal/client"

// Attach subscribes m to c's signaling events and returns a func undoing it.
func (m *Manager) Attach(c *client.Conn) func() {
	undo := []func(){
		c.OnJoined(m.HandleJoined),
		c.OnUserJoined(m.HandleUserJoined),
		c.OnUserLeft(m.HandleUserLeft),
		c.OnLeft(m.HandleLeft),
		c.OnOffer(m.HandleOffer),
		c.OnAnswer(m.HandleAnswer),
		c.OnCandidate(m.HandleCandidate),
		c.OnCandidateEnd(m.HandleCandidateEnd),
	}
	return func() {
		for _, u := range undo {
			u()
		}
	}
}
