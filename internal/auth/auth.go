// Package auth issues and verifies the signed tokens that bind a connection
// to an agent identity.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Kind string

const (
	KindAccess   Kind = "access"
	KindRefresh  Kind = "refresh"
	KindRoomJoin Kind = "room_join"
	KindService  Kind = "service"
)

const (
	AccessTTL   = 15 * time.Minute
	RefreshTTL  = 7 * 24 * time.Hour
	RoomJoinTTL = time.Hour
	ServiceTTL  = 365 * 24 * time.Hour

	defaultIssuer = "agentvoice"
)

type Claims struct {
	AgentID domain.AgentID `json:"agentId"`
	Roles   []string       `json:"roles,omitempty"`
	Kind    Kind           `json:"kind"`
	RoomID  domain.RoomID  `json:"roomId,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator signs tokens with a single HS256 secret.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

type Option func(*Authenticator)

func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

func WithIssuer(iss string) Option {
	return func(a *Authenticator) { a.issuer = iss }
}

// New expects a secret that already passed ValidateSecret.
func New(secret string, opts ...Option) *Authenticator {
	a := &Authenticator{
		secret: []byte(secret),
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authenticator) IssueAccessToken(agent domain.AgentID, roles ...string) (string, error) {
	return a.issue(Claims{AgentID: agent, Roles: roles, Kind: KindAccess}, AccessTTL)
}

func (a *Authenticator) IssueRefreshToken(agent domain.AgentID) (string, error) {
	return a.issue(Claims{AgentID: agent, Kind: KindRefresh}, RefreshTTL)
}

func (a *Authenticator) IssueRoomJoinToken(room domain.RoomID, agent domain.AgentID) (string, error) {
	return a.issue(Claims{AgentID: agent, Kind: KindRoomJoin, RoomID: room}, RoomJoinTTL)
}

// IssueLongLivedKey issues a service-to-service credential.
func (a *Authenticator) IssueLongLivedKey(agent domain.AgentID) (string, error) {
	return a.issue(Claims{AgentID: agent, Kind: KindService}, ServiceTTL)
}

func (a *Authenticator) issue(c Claims, ttl time.Duration) (string, error) {
	now := a.now()
	c.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   string(c.AgentID),
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}

// Verify never returns an error: every failure yields (nil, false) and the
// reason is only logged.
func (a *Authenticator) Verify(token string) (*Claims, bool) {
	if token == "" {
		return nil, false
	}
	var c Claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		log.Debug().Str("module", "auth").Str("reason", failureKind(err)).Msg("token rejected")
		return nil, false
	}
	if c.AgentID == "" || c.Kind == "" {
		log.Debug().Str("module", "auth").Str("reason", "missing_claims").Msg("token rejected")
		return nil, false
	}
	return &c, true
}

// Refresh exchanges a refresh token for a new access token.
func (a *Authenticator) Refresh(refreshToken string) (string, bool) {
	c, ok := a.Verify(refreshToken)
	if !ok {
		return "", false
	}
	if c.Kind != KindRefresh {
		log.Debug().Str("module", "auth").Str("kind", string(c.Kind)).Msg("refresh with non-refresh token")
		return "", false
	}
	tok, err := a.IssueAccessToken(c.AgentID, c.Roles...)
	if err != nil {
		log.Error().Err(err).Str("module", "auth").Msg("issue access token")
		return "", false
	}
	return tok, true
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad_signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unverifiable"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "bad_issuer"
	default:
		return "invalid"
	}
}

// ExtractBearer pulls the token out of an Authorization header value.
func ExtractBearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
