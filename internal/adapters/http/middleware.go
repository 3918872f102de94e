package http

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dkeye/agentvoice/internal/auth"
	"github.com/dkeye/agentvoice/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

const (
	ctxAgent  = "agent_id"
	ctxClaims = "claims"
)

// RequireAgent admits requests carrying a valid access or service token.
func RequireAgent(a *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.ExtractBearer(c.GetHeader("Authorization"))
		if !ok {
			abort(c, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
			return
		}
		claims, ok := a.Verify(token)
		if !ok || (claims.Kind != auth.KindAccess && claims.Kind != auth.KindService) {
			abort(c, http.StatusUnauthorized, codeUnauthorized, "invalid token")
			return
		}
		c.Set(ctxAgent, string(claims.AgentID))
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// RateLimit charges one request per call against cfg for the key returned by
// keyOf. A nil limiter disables the check.
func RateLimit(l *ratelimit.Limiter, cfg ratelimit.Config, keyOf func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		res := l.Check(c.Request.Context(), keyOf(c), cfg)
		c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))
		if !res.Allowed {
			retry := int64(math.Ceil(time.Until(res.ResetTime).Seconds()))
			c.Header("Retry-After", strconv.FormatInt(max(retry, 1), 10))
			abort(c, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded for "+cfg.Name)
			return
		}
		c.Next()
	}
}
