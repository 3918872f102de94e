package http

import (
	"net/http"

	"github.com/dkeye/agentvoice/internal/auth"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const sessionRefreshKey = "refresh_token"

type tokenRequest struct {
	APIKey string `json:"apiKey"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// issueToken exchanges a long-lived service key for an access/refresh pair.
func (h *api) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.APIKey == "" {
		abort(c, http.StatusBadRequest, codeBadRequest, "missing apiKey")
		return
	}
	claims, ok := h.Auth.Verify(req.APIKey)
	if !ok || claims.Kind != auth.KindService {
		abort(c, http.StatusUnauthorized, codeUnauthorized, "invalid api key")
		return
	}
	access, err := h.Auth.IssueAccessToken(claims.AgentID, claims.Roles...)
	if err != nil {
		abortErr(c, err)
		return
	}
	refresh, err := h.Auth.IssueRefreshToken(claims.AgentID)
	if err != nil {
		abortErr(c, err)
		return
	}

	s := sessions.Default(c)
	s.Set(sessionRefreshKey, refresh)
	if err := s.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
	}
	log.Info().Str("module", "adapters.http").Str("agent", string(claims.AgentID)).Msg("token issued")
	c.JSON(http.StatusOK, gin.H{
		"accessToken":  access,
		"refreshToken": refresh,
		"expiresIn":    int(auth.AccessTTL.Seconds()),
	})
}

func (h *api) refreshToken(c *gin.Context) {
	var req refreshRequest
	_ = c.ShouldBindJSON(&req)
	tok := req.RefreshToken
	if tok == "" {
		if v, ok := sessions.Default(c).Get(sessionRefreshKey).(string); ok {
			tok = v
		}
	}
	if tok == "" {
		abort(c, http.StatusBadRequest, codeBadRequest, "missing refreshToken")
		return
	}
	access, ok := h.Auth.Refresh(tok)
	if !ok {
		abort(c, http.StatusUnauthorized, codeUnauthorized, "invalid refresh token")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accessToken": access,
		"expiresIn":   int(auth.AccessTTL.Seconds()),
	})
}

func (h *api) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"instanceId":  h.Orch.InstanceID(),
		"rooms":       len(h.Orch.Rooms.ListRooms()),
		"connections": h.Orch.Registry.Count(),
	})
}
