package http

import (
	"crypto/subtle"
	"net/http"

	"github.com/dkeye/agentvoice/internal/auth"
	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const registrationHeader = "X-Registration-Secret"

type registerRequest struct {
	AgentID string `json:"agentId"`
}

type agentProfile struct {
	AgentID      domain.AgentID       `json:"agentId"`
	Kind         auth.Kind            `json:"kind"`
	Roles        []string             `json:"roles"`
	Participants []domain.Participant `json:"participants"`
}

// registerAgent mints a service key for a new agent. It is disabled unless
// registration_secret is configured.
func (h *api) registerAgent(c *gin.Context) {
	want := h.Cfg.RegistrationSecret
	if want == "" {
		abort(c, http.StatusForbidden, codeForbidden, "registration is disabled")
		return
	}
	got := c.GetHeader(registrationHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		log.Warn().Str("module", "adapters.http").Str("ip", c.ClientIP()).Msg("registration rejected")
		abort(c, http.StatusForbidden, codeForbidden, "invalid registration secret")
		return
	}
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, codeBadRequest, "invalid body")
		return
	}
	agent, err := domain.ParseAgentID(req.AgentID)
	if err != nil {
		abortErr(c, err)
		return
	}
	key, err := h.Auth.IssueLongLivedKey(agent)
	if err != nil {
		abortErr(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("agent", string(agent)).Msg("agent registered")
	c.JSON(http.StatusCreated, gin.H{
		"agentId":   agent,
		"apiKey":    key,
		"expiresIn": int(auth.ServiceTTL.Seconds()),
	})
}

// me describes the calling agent and the seats it holds on this instance's
// view of the rooms.
func (h *api) me(c *gin.Context) {
	claims := c.MustGet(ctxClaims).(*auth.Claims)
	profile := agentProfile{
		AgentID:      claims.AgentID,
		Kind:         claims.Kind,
		Roles:        claims.Roles,
		Participants: []domain.Participant{},
	}
	if profile.Roles == nil {
		profile.Roles = []string{}
	}
	for _, info := range h.Orch.Rooms.ListRooms() {
		for _, p := range h.Orch.Rooms.ParticipantsByRoom(info.ID) {
			if p.AgentID == claims.AgentID {
				profile.Participants = append(profile.Participants, p)
			}
		}
	}
	c.JSON(http.StatusOK, profile)
}
