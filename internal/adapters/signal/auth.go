package signal

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/agentvoice/internal/auth"
	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/dkeye/agentvoice/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	errInvalidToken  = errors.New("invalid token")
	errAgentMismatch = errors.New("agent id does not match token")
	errNotAuthFrame  = errors.New("first message must be authenticate")
	errAuthTimeout   = errors.New("authentication timed out")
)

// verify accepts access and service credentials, plus room_join tokens.
func (ctl *SignalWSController) verify(token string, agent domain.AgentID) (*auth.Claims, error) {
	claims, ok := ctl.Auth.Verify(token)
	if !ok {
		return nil, errInvalidToken
	}
	switch claims.Kind {
	case auth.KindAccess, auth.KindService, auth.KindRoomJoin:
	default:
		log.Debug().Str("module", "signal").Str("kind", string(claims.Kind)).Msg("token kind not accepted for signaling")
		return nil, errInvalidToken
	}
	if agent != "" && agent != claims.AgentID {
		return nil, errAgentMismatch
	}
	return claims, nil
}

func (ctl *SignalWSController) awaitAuthenticate(ws *websocket.Conn) (*auth.Claims, error) {
	timeout := ctl.Opts.AuthTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	defer ws.SetReadDeadline(time.Time{})

	_, data, err := ws.ReadMessage()
	if err != nil {
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, errAuthTimeout
		}
		return nil, err
	}
	var msg protocol.Authenticate
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != protocol.TypeAuthenticate {
		return nil, errNotAuthFrame
	}
	return ctl.verify(msg.Token, msg.AgentID)
}

// rejectAuth writes auth_error and closes with a policy violation. The
// connection has no pumps yet, so writing directly is safe.
func rejectAuth(ws *websocket.Conn, cause error) {
	log.Info().Str("module", "signal").Err(cause).Msg("auth rejected")
	deadline := time.Now().Add(time.Second)
	_ = ws.SetWriteDeadline(deadline)
	if !errors.Is(cause, errAuthTimeout) {
		_ = ws.WriteJSON(protocol.AuthError{Type: protocol.TypeAuthError, Message: cause.Error()})
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, cause.Error()), deadline)
	_ = ws.Close()
}

func authOK(agent domain.AgentID, conn domain.ConnectionID) protocol.AuthOK {
	return protocol.AuthOK{Type: protocol.TypeAuthOK, AgentID: agent, ConnectionID: conn}
}
