package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/adapters/signal"
	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/app/orch"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func testConfig(secret string) *config.Config {
	return &config.Config{
		Mode:           "test",
		Secret:         "cookie-secret",
		AllowedOrigins: []string{"https://mesh.example"},
		Auth:           config.Auth{JWTSecret: secret},
		Signal: config.Signal{
			ReadLimit:    65536,
			PingPeriod:   time.Second,
			PongWait:     2 * time.Second,
			WriteTimeout: time.Second,
			SendBuffer:   16,
		},
	}
}

func newTestRouter(t *testing.T, secret string) (*gin.Engine, *app.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg := app.NewRegistry(ctx, app.Options{})
	t.Cleanup(reg.Close)
	o := &orch.Orchestrator{Registry: reg, Policy: app.SimplePolicy{}, Limiter: app.NewRoomRateLimiter(0, 0)}
	cfg := testConfig(secret)
	ctrl := signal.NewSignalWSController(o, cfg.Signal)
	return SetupRouter(ctx, cfg, ctrl, reg), reg
}

func signToken(t *testing.T, secret, subject string, method jwt.SigningMethod) string {
	t.Helper()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t, "")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("Set-Cookie") == "" {
		t.Fatal("client token cookie not set")
	}
}

func TestClientTokenKeptInSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(sessions.Sessions("MeshSessions", cookie.NewStore([]byte("cookie-secret"))))
	r.Use(ClientTokenMiddleware())
	r.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(clientTokenKey))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	first := w.Body.String()
	if first == "" {
		t.Fatal("no client token assigned")
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "MeshSessions" {
		t.Fatalf("cookies = %v, want one MeshSessions cookie", cookies)
	}

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Body.String(); got != first {
		t.Fatalf("second request token = %q, want %q", got, first)
	}
	if w.Header().Get("Set-Cookie") != "" {
		t.Fatal("session rewritten for a known client")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if w.Body.String() == first {
		t.Fatal("fresh client reused another client's token")
	}
}

func TestRoomsRequireToken(t *testing.T) {
	r, _ := newTestRouter(t, testSecret)

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"malformed header", "Token abc", "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, "other", "alice", jwt.SigningMethodHS256), "", http.StatusUnauthorized},
		{"bearer", "Bearer " + signToken(t, testSecret, "alice", jwt.SigningMethodHS256), "", http.StatusOK},
		{"query", "", "?token=" + signToken(t, testSecret, "alice", jwt.SigningMethodHS384), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/rooms"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestParseIdentityPrefersIdentityClaim(t *testing.T) {
	claims := Claims{Identity: "alice", RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	id, err := ParseIdentity(s, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if id != "alice" {
		t.Fatalf("identity = %q", id)
	}

	empty, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte(testSecret))
	if _, err := ParseIdentity(empty, testSecret); err == nil {
		t.Fatal("token without identity accepted")
	}
}

func TestOriginFilter(t *testing.T) {
	r, _ := newTestRouter(t, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign origin status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://mesh.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("allowed origin status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://mesh.example" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestUnknownRoomParticipants(t *testing.T) {
	r, _ := newTestRouter(t, "")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms/nowhere/participants", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func recv(t *testing.T, c *signal.ClientConn, want protocol.EventType) protocol.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-c.Inbound():
			if !ok {
				t.Fatalf("channel closed waiting for %s", want)
			}
			if env.Type == want {
				return env
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestSignalOverWebSocket(t *testing.T) {
	r, reg := newTestRouter(t, testSecret)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
	ctx := context.Background()
	cfg := testConfig(testSecret).Signal

	alice, err := signal.Dial(ctx, url, signToken(t, testSecret, "alice", jwt.SigningMethodHS256), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer alice.Close()

	join, _ := protocol.NewEnvelope(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "r1", Identity: "alice"})
	if err := alice.Send(join); err != nil {
		t.Fatal(err)
	}
	var joined protocol.RoomJoined
	if err := recv(t, alice, protocol.EventRoomJoined).Bind(&joined); err != nil {
		t.Fatal(err)
	}
	if !joined.IsInitiator || joined.TotalParticipants != 1 {
		t.Fatalf("unexpected room-joined %+v", joined)
	}

	// A frame identity that disagrees with the token is rejected.
	bob, err := signal.Dial(ctx, url, signToken(t, testSecret, "bob", jwt.SigningMethodHS256), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer bob.Close()
	spoof, _ := protocol.NewEnvelope(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "r1", Identity: "alice"})
	if err := bob.Send(spoof); err != nil {
		t.Fatal(err)
	}
	recv(t, bob, protocol.EventJoinError)

	join, _ = protocol.NewEnvelope(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "r1", Identity: "bob"})
	if err := bob.Send(join); err != nil {
		t.Fatal(err)
	}
	recv(t, bob, protocol.EventRoomJoined)
	var p protocol.Presence
	if err := recv(t, alice, protocol.EventUserConnected).Bind(&p); err != nil {
		t.Fatal(err)
	}
	if p.Identity != "bob" {
		t.Fatalf("user-connected for %q", p.Identity)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/rooms/r1/participants", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "carol", jwt.SigningMethodHS256))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("participants status = %d", w.Code)
	}
	var body struct {
		Participants []struct {
			Identity    string `json:"identity"`
			IsInitiator bool   `json:"isInitiator"`
		} `json:"participants"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Participants) != 2 || body.Participants[0].Identity != "alice" || !body.Participants[0].IsInitiator {
		t.Fatalf("participants = %+v", body.Participants)
	}
	if len(reg.List(ctx)) != 1 {
		t.Fatal("expected one room")
	}
}
