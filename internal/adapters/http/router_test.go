package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dkeye/agentvoice/internal/adapters/signal"
	"github.com/dkeye/agentvoice/internal/app"
	"github.com/dkeye/agentvoice/internal/app/orch"
	"github.com/dkeye/agentvoice/internal/auth"
	"github.com/dkeye/agentvoice/internal/config"
	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/dkeye/agentvoice/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

const testSecret = "k3Yv9pQz7LmW2xR8tN4bH6sJ1cF5gD0a"

type testAPI struct {
	t      *testing.T
	router *gin.Engine
	auth   *auth.Authenticator
	orch   *orch.Orchestrator
}

func newTestAPI(t *testing.T, limits config.RateLimits) *testAPI {
	t.Helper()
	return newTestAPIWith(t, &config.Config{Mode: "test", Secret: testSecret, RateLimits: limits})
}

func newTestAPIWith(t *testing.T, cfg *config.Config) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomStore(),
		Policy:   app.SimplePolicy{},
	}
	a := auth.New(testSecret)
	l := ratelimit.New(ratelimit.NewMemoryStore(time.Now))
	r := SetupRouter(context.Background(), Deps{
		Cfg:     cfg,
		Orch:    o,
		Auth:    a,
		Limiter: l,
		Signal:  signal.NewSignalWSController(o, a, l, signal.DefaultOptions()),
	})
	return &testAPI{t: t, router: r, auth: a, orch: o}
}

func (ta *testAPI) bearer(agent domain.AgentID) string {
	tok, err := ta.auth.IssueAccessToken(agent)
	if err != nil {
		ta.t.Fatalf("IssueAccessToken: %v", err)
	}
	return "Bearer " + tok
}

func (ta *testAPI) do(method, path, authz string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	ta.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			ta.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestRooms_CRUD(t *testing.T) {
	ta := newTestAPI(t, config.RateLimits{})
	owner := ta.bearer("owner")
	other := ta.bearer("other")

	if w := ta.do(http.MethodPost, "/api/rooms", "", map[string]any{"name": "Test"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create=%d", w.Code)
	}

	w := ta.do(http.MethodPost, "/api/rooms", owner, map[string]any{"name": "Test", "kind": "voice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create=%d %s", w.Code, w.Body)
	}
	room := decode[domain.Room](t, w)
	if room.MaxParticipants != 10 || room.Kind != domain.RoomKindVoice || room.CreatedBy != "owner" {
		t.Fatalf("room=%+v", room)
	}

	if w := ta.do(http.MethodPost, "/api/rooms", owner, map[string]any{"name": ""}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty name=%d", w.Code)
	}
	if w := ta.do(http.MethodPost, "/api/rooms", owner, map[string]any{"name": "x", "kind": "hologram"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad kind=%d", w.Code)
	}

	path := "/api/rooms/" + string(room.ID)
	if w := ta.do(http.MethodGet, path, other, nil); w.Code != http.StatusOK {
		t.Fatalf("get=%d", w.Code)
	}
	list := decode[struct {
		Rooms []map[string]any `json:"rooms"`
	}](t, ta.do(http.MethodGet, "/api/rooms", other, nil))
	if len(list.Rooms) != 1 {
		t.Fatalf("list=%+v", list)
	}

	if w := ta.do(http.MethodPatch, path, other, map[string]any{"name": "hijack"}); w.Code != http.StatusForbidden {
		t.Fatalf("foreign patch=%d", w.Code)
	}
	w = ta.do(http.MethodPatch, path, owner, map[string]any{"name": "Renamed", "maxParticipants": 4})
	if w.Code != http.StatusOK || decode[domain.Room](t, w).MaxParticipants != 4 {
		t.Fatalf("patch=%d %s", w.Code, w.Body)
	}

	if w := ta.do(http.MethodDelete, path, other, nil); w.Code != http.StatusForbidden {
		t.Fatalf("foreign delete=%d", w.Code)
	}
	if w := ta.do(http.MethodDelete, path, owner, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete=%d", w.Code)
	}
	w = ta.do(http.MethodGet, path, owner, nil)
	if w.Code != http.StatusNotFound || decode[errorBody](t, w).Error != codeRoomNotFound {
		t.Fatalf("get deleted=%d %s", w.Code, w.Body)
	}
}

func TestRooms_Participants(t *testing.T) {
	ta := newTestAPI(t, config.RateLimits{})
	owner := ta.bearer("owner")
	room := decode[domain.Room](t, ta.do(http.MethodPost, "/api/rooms", owner, map[string]any{"name": "small", "maxParticipants": 1}))
	base := "/api/rooms/" + string(room.ID) + "/participants"

	w := ta.do(http.MethodPost, base, owner, map[string]any{"agentId": "bot-1", "metadata": map[string]any{"voice": "alto"}})
	if w.Code != http.StatusCreated {
		t.Fatalf("add=%d %s", w.Code, w.Body)
	}
	p := decode[domain.Participant](t, w)
	if p.AgentID != "bot-1" || p.Metadata["voice"] != "alto" || p.ID == "" {
		t.Fatalf("participant=%+v", p)
	}

	w = ta.do(http.MethodPost, base, owner, map[string]any{"agentId": "bot-2"})
	if w.Code != http.StatusConflict || decode[errorBody](t, w).Error != codeRoomFull {
		t.Fatalf("over capacity=%d %s", w.Code, w.Body)
	}
	if w := ta.do(http.MethodPost, base, owner, map[string]any{"agentId": ""}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty agent=%d", w.Code)
	}

	list := decode[struct {
		Participants []domain.Participant `json:"participants"`
	}](t, ta.do(http.MethodGet, base, owner, nil))
	if len(list.Participants) != 1 || list.Participants[0].ID != p.ID {
		t.Fatalf("list=%+v", list)
	}

	if w := ta.do(http.MethodDelete, base+"/"+string(p.ID), owner, nil); w.Code != http.StatusNoContent {
		t.Fatalf("remove=%d", w.Code)
	}
	if w := ta.do(http.MethodDelete, base+"/"+string(p.ID), owner, nil); w.Code != http.StatusNotFound {
		t.Fatalf("second remove=%d", w.Code)
	}
	if w := ta.do(http.MethodGet, "/api/rooms/missing/participants", owner, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing room=%d", w.Code)
	}
}

func TestAuth_TokenExchangeAndSessionRefresh(t *testing.T) {
	ta := newTestAPI(t, config.RateLimits{})
	key, err := ta.auth.IssueLongLivedKey("svc-agent")
	if err != nil {
		t.Fatal(err)
	}

	w := ta.do(http.MethodPost, "/api/auth/token", "", map[string]any{"apiKey": key})
	if w.Code != http.StatusOK {
		t.Fatalf("token=%d %s", w.Code, w.Body)
	}
	pair := decode[struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}](t, w)
	if c, ok := ta.auth.Verify(pair.AccessToken); !ok || c.AgentID != "svc-agent" || c.Kind != auth.KindAccess {
		t.Fatalf("access claims=%+v", c)
	}

	w = ta.do(http.MethodPost, "/api/auth/refresh", "", nil, w.Result().Cookies()...)
	if w.Code != http.StatusOK {
		t.Fatalf("session refresh=%d %s", w.Code, w.Body)
	}
	if w := ta.do(http.MethodPost, "/api/auth/refresh", "", map[string]any{"refreshToken": pair.AccessToken}); w.Code != http.StatusUnauthorized {
		t.Fatalf("refresh with access token=%d", w.Code)
	}

	access, _ := ta.auth.IssueAccessToken("svc-agent")
	if w := ta.do(http.MethodPost, "/api/auth/token", "", map[string]any{"apiKey": access}); w.Code != http.StatusUnauthorized {
		t.Fatalf("access token as api key=%d", w.Code)
	}
}

func TestJoinToken(t *testing.T) {
	ta := newTestAPI(t, config.RateLimits{})
	owner := ta.bearer("owner")
	room := decode[domain.Room](t, ta.do(http.MethodPost, "/api/rooms", owner, map[string]any{"name": "r"}))

	w := ta.do(http.MethodPost, "/api/rooms/"+string(room.ID)+"/join-token", ta.bearer("guest"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("join-token=%d", w.Code)
	}
	tok := decode[map[string]string](t, w)["token"]
	c, ok := ta.auth.Verify(tok)
	if !ok || c.Kind != auth.KindRoomJoin || c.RoomID != room.ID || c.AgentID != "guest" {
		t.Fatalf("claims=%+v", c)
	}
}

func TestHealth_RateLimited(t *testing.T) {
	ta := newTestAPI(t, config.RateLimits{Health: config.ClassLimit{Limit: 2}})
	for i := 0; i < 2; i++ {
		w := ta.do(http.MethodGet, "/api/health", "", nil)
		if w.Code != http.StatusOK || w.Header().Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("health %d=%d headers=%v", i, w.Code, w.Header())
		}
	}
	w := ta.do(http.MethodGet, "/api/health", "", nil)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" || w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("third=%d headers=%v", w.Code, w.Header())
	}
	if decode[errorBody](t, w).Error != codeRateLimited {
		t.Fatalf("body=%s", w.Body)
	}
}

func (ta *testAPI) register(secret string, body any) *httptest.ResponseRecorder {
	ta.t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		ta.t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/agents/register", &buf)
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(registrationHeader, secret)
	}
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func TestAgents_RegisterDisabledWithoutSecret(t *testing.T) {
	ta := newTestAPI(t, config.RateLimits{})
	w := ta.register("anything", map[string]any{"agentId": "bot"})
	if w.Code != http.StatusForbidden || decode[errorBody](t, w).Error != codeForbidden {
		t.Fatalf("register=%d %s", w.Code, w.Body)
	}
}

func TestAgents_RegisterThenUseKey(t *testing.T) {
	ta := newTestAPIWith(t, &config.Config{Mode: "test", Secret: testSecret, RegistrationSecret: "let-me-in"})

	if w := ta.register("", map[string]any{"agentId": "bot"}); w.Code != http.StatusForbidden {
		t.Fatalf("missing secret=%d", w.Code)
	}
	if w := ta.register("let-me-out", map[string]any{"agentId": "bot"}); w.Code != http.StatusForbidden {
		t.Fatalf("wrong secret=%d", w.Code)
	}
	if w := ta.register("let-me-in", map[string]any{"agentId": ""}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty agent=%d", w.Code)
	}

	w := ta.register("let-me-in", map[string]any{"agentId": "bot"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register=%d %s", w.Code, w.Body)
	}
	key := decode[map[string]any](t, w)["apiKey"].(string)
	if c, ok := ta.auth.Verify(key); !ok || c.Kind != auth.KindService || c.AgentID != "bot" {
		t.Fatalf("key claims=%+v", c)
	}

	w = ta.do(http.MethodPost, "/api/auth/token", "", map[string]any{"apiKey": key})
	if w.Code != http.StatusOK {
		t.Fatalf("token=%d %s", w.Code, w.Body)
	}
	access := decode[map[string]any](t, w)["accessToken"].(string)

	room := decode[domain.Room](t, ta.do(http.MethodPost, "/api/rooms", "Bearer "+access, map[string]any{"name": "r"}))
	if w := ta.do(http.MethodPost, "/api/rooms/"+string(room.ID)+"/participants", "Bearer "+access, map[string]any{"agentId": "bot"}); w.Code != http.StatusCreated {
		t.Fatalf("add participant=%d %s", w.Code, w.Body)
	}

	w = ta.do(http.MethodGet, "/api/agents/me", "Bearer "+access, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me=%d %s", w.Code, w.Body)
	}
	me := decode[agentProfile](t, w)
	if me.AgentID != "bot" || me.Kind != auth.KindAccess {
		t.Fatalf("me=%+v", me)
	}
	if len(me.Participants) != 1 || me.Participants[0].RoomID != room.ID {
		t.Fatalf("participants=%+v", me.Participants)
	}

	w = ta.do(http.MethodGet, "/api/agents/me", "Bearer "+key, nil)
	if w.Code != http.StatusOK || decode[agentProfile](t, w).Kind != auth.KindService {
		t.Fatalf("me with service key=%d %s", w.Code, w.Body)
	}
	if w := ta.do(http.MethodGet, "/api/agents/me", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous me=%d", w.Code)
	}
}
