package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"convosync/config"
	"convosync/internal/domain/conversation"
	"convosync/internal/events"
	"convosync/internal/feed"
	"convosync/internal/observability"
	"convosync/internal/profile"
	"convosync/internal/proxy"
	"convosync/internal/redis"
	"convosync/internal/relay"
	"convosync/internal/repository"
	"convosync/internal/services"
	"convosync/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, redis.Action) (*redis.RateLimitResult, error) {
	return &redis.RateLimitResult{Allowed: false, Limit: 1, ResetIn: time.Minute}, nil
}

type testServer struct {
	t       *testing.T
	store   *repository.MemoryStore
	auth    *services.AuthService
	hub     *Hub
	handler http.Handler
}

func newTestServer(t *testing.T, limiter *denyLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := events.NewMemoryBus()
	fd := feed.New(bus, feed.WithLogger(logger.Nop()))
	store := repository.NewMemoryStore(fd, repository.WithMemoryLogger(logger.Nop()))
	ctx := context.Background()
	_, err := store.CreateConversation(ctx, conversation.Conversation{ID: "c1", Kind: conversation.KindDirect},
		[]conversation.Participant{{UserID: "alice"}, {UserID: "bob"}})
	require.NoError(t, err)
	_, err = store.CreateConversation(ctx, conversation.Conversation{ID: "c2", Kind: conversation.KindGroup, Title: "ops"},
		[]conversation.Participant{{UserID: "carol", Role: conversation.RoleOwner}, {UserID: "dave"}})
	require.NoError(t, err)

	access := proxy.NewAccessControl(store)
	auth := services.NewAuthService("test-secret", time.Hour, nil)
	metrics := observability.New(nil)
	hub := NewHub(HubDeps{
		Feed:          fd,
		Bus:           bus,
		Access:        access,
		Conversations: store,
		Metrics:       metrics,
		Logger:        logger.Nop(),
	})
	go hub.Run()
	t.Cleanup(hub.Stop)

	deps := Deps{
		Auth:          auth,
		Messages:      services.NewMessageService(store, access, nil),
		Calls:         services.NewCallService(store, access, relay.NewIssuer("app", "secret", time.Hour, nil), nil, logger.Nop()),
		Conversations: services.NewConversationService(store, access),
		Uploads:       services.NewUploadS3Service(nil, access),
		Profiles:      profile.NewDirectory(store, nil, logger.Nop()),
		Metrics:       metrics,
		Hub:           hub,
		Health:        map[string]HealthCheck{"store": func(context.Context) error { return nil }},
	}
	if limiter != nil {
		deps.Limiter = limiter
	}

	srv := New(&config.Config{AppPort: "0", AppMode: TestMode}, logger.Nop())
	srv.SetupRoutes(deps)
	return &testServer{t: t, store: store, auth: auth, hub: hub, handler: srv.Handler()}
}

func (s *testServer) token(userID string) string {
	s.t.Helper()
	token, _, err := s.auth.IssueAccessToken(userID)
	require.NoError(s.t, err)
	return token
}

func (s *testServer) do(method, path, userID string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(userID))
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out), w.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = s.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "convosync_http_requests_total")
}

func TestDevToken(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/dev/token", "", map[string]string{"user_id": "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[map[string]string](t, w)
	claims, err := s.auth.ParseAccessToken(out["access_token"])
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
}

func TestRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/v1/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSendAndListMessages(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/v1/conversations/c1/messages", "alice",
		map[string]any{"client_message_id": "m-1", "content": "hi bob"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// A retry with the same client id returns the stored row.
	w = s.do(http.MethodPost, "/v1/conversations/c1/messages", "alice",
		map[string]any{"client_message_id": "m-1", "content": "hi bob"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/v1/conversations/c1/messages", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Messages []struct {
			ID       string `json:"id"`
			SenderID string `json:"sender_id"`
		} `json:"messages"`
	}](t, w)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "m-1", page.Messages[0].ID)
	assert.Equal(t, "alice", page.Messages[0].SenderID)
}

func TestNonMemberIsForbidden(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/v1/conversations/c2/messages", "alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/v1/conversations/c2/messages", "alice", map[string]any{"content": "let me in"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestEmptyMessageRejected(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/v1/conversations/c1/messages", "alice", map[string]any{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartCallReturnsExistingSession(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/v1/conversations/c1/calls", "alice", map[string]string{"kind": "video"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[struct {
		Call struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"call"`
		Created bool `json:"created"`
	}](t, w)
	assert.True(t, first.Created)
	assert.Equal(t, "ringing", first.Call.Status)

	w = s.do(http.MethodPost, "/v1/conversations/c1/calls", "bob", map[string]string{"kind": "voice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	second := decode[struct {
		Call struct {
			ID string `json:"id"`
		} `json:"call"`
		Created bool `json:"created"`
	}](t, w)
	assert.False(t, second.Created)
	assert.Equal(t, first.Call.ID, second.Call.ID)

	// The caller cannot answer its own call.
	w = s.do(http.MethodPost, "/v1/calls/"+first.Call.ID+"/transition", "alice", map[string]string{"to": "active"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/v1/calls/"+first.Call.ID+"/transition", "bob", map[string]string{"to": "active"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/v1/relay/token", "bob", map[string]string{"call_id": first.Call.ID})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/v1/calls/"+first.Call.ID+"/transition", "alice", map[string]string{"to": "ended"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Ended is terminal.
	w = s.do(http.MethodPost, "/v1/calls/"+first.Call.ID+"/transition", "bob", map[string]string{"to": "active"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRateLimitedSend(t *testing.T) {
	s := newTestServer(t, &denyLimiter{})

	w := s.do(http.MethodPost, "/v1/conversations/c1/messages", "alice", map[string]any{"content": "spam"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestUploadsUnavailableWithoutStorage(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/v1/media/uploads", "alice", map[string]any{
		"conversation_id": "c1", "file_name": "cat.png", "file_size": 1024, "content_type": "image/png",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProfiles(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPut, "/v1/me/profile", "alice", map[string]string{"username": "alice", "display_name": "Alice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/v1/profiles?ids=alice,nobody", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Alice")
	assert.NotContains(t, w.Body.String(), "nobody")
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads frames until match accepts one or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Frame) bool) Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketPushesChanges(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	conn := dial(t, srv, s.token("bob"))
	readUntil(t, conn, func(f Frame) bool { return f.Type == FrameSubscribed && f.ConversationID == "c1" })
	require.Eventually(t, func() bool { return s.hub.Connections("bob") == 1 }, 2*time.Second, 10*time.Millisecond)

	w := s.do(http.MethodPost, "/v1/conversations/c1/messages", "alice", map[string]any{"client_message_id": "m-9", "content": "ping"})
	require.Equal(t, http.StatusCreated, w.Code)

	f := readUntil(t, conn, func(f Frame) bool { return f.Type == FrameChange })
	require.NotNil(t, f.Change)
	assert.Equal(t, events.TableMessages, f.Change.Table)
	assert.Equal(t, "m-9", f.Change.RowID)
}

func TestWebSocketSubscribeChecksMembership(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	conn := dial(t, srv, s.token("alice"))
	readUntil(t, conn, func(f Frame) bool { return f.Type == FrameSubscribed })

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgSubscribe, ConversationID: "c2"}))
	f := readUntil(t, conn, func(f Frame) bool { return f.Type == FrameError })
	assert.Equal(t, "forbidden", f.Error)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgPing}))
	readUntil(t, conn, func(f Frame) bool { return f.Type == FramePong })
}

func TestWebSocketRelaysTyping(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	alice := dial(t, srv, s.token("alice"))
	readUntil(t, alice, func(f Frame) bool { return f.Type == FrameSubscribed })
	bob := dial(t, srv, s.token("bob"))
	readUntil(t, bob, func(f Frame) bool { return f.Type == FrameSubscribed })

	online := readUntil(t, alice, func(f Frame) bool { return f.Type == FramePresence && f.UserID == "bob" })
	require.NotNil(t, online.Online)
	assert.True(t, *online.Online)

	require.NoError(t, alice.WriteJSON(ClientMessage{Type: MsgTypingStart, ConversationID: "c1"}))
	f := readUntil(t, bob, func(f Frame) bool { return f.Type == FrameTyping && len(f.UserIDs) > 0 })
	assert.Equal(t, "c1", f.ConversationID)
	assert.Equal(t, []string{"alice"}, f.UserIDs)
}

func TestHubTracksConnections(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	conn := dial(t, srv, s.token("alice"))
	require.Eventually(t, func() bool { return s.hub.Connections("alice") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return s.hub.Connections("alice") == 0 }, 2*time.Second, 10*time.Millisecond)
}
