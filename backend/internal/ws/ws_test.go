package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/ledger"
)

type wireMsg struct {
	Type      string               `json:"type"`
	SessionID string               `json:"sessionId"`
	Version   uint64               `json:"version"`
	Content   string               `json:"content"`
	Users     []string             `json:"users"`
	AuthorID  string               `json:"authorId"`
	Operation string               `json:"operation"`
	Code      string               `json:"code"`
	Conflict  *collab.ConflictInfo `json:"conflict"`
	History   []ledger.Entry       `json:"history"`
}

type testServer struct {
	srv    *httptest.Server
	engine *collab.Engine
	hub    *Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hub := NewHub(nil, logger)
	reg := collab.NewRegistry(collab.RegistryOptions{IdleTTL: time.Hour, Logger: logger})
	engine := collab.NewEngine(reg, collab.EngineOptions{Gateway: hub, Logger: logger})
	m := NewManager(hub, engine, collab.NewSemaphoreControl(8), logger)

	r := gin.New()
	r.GET("/ws/:containerId", m.WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		engine.Close()
	})
	return &testServer{srv: srv, engine: engine, hub: hub}
}

func (s *testServer) dial(t *testing.T, containerID, filePath, userID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/" + containerID +
		"?filePath=" + url.QueryEscape(filePath) + "&userId=" + url.QueryEscape(userID)
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func next(t *testing.T, c *websocket.Conn) wireMsg {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m wireMsg
	require.NoError(t, c.ReadJSON(&m))
	return m
}

func nextOfType(t *testing.T, c *websocket.Conn, typ string) wireMsg {
	t.Helper()
	for i := 0; i < 10; i++ {
		if m := next(t, c); m.Type == typ {
			return m
		}
	}
	t.Fatalf("no %q message received", typ)
	return wireMsg{}
}

func TestWebSocket_SyncConflictResolve(t *testing.T) {
	s := newTestServer(t)

	a := s.dial(t, "c1", "main.txt", "u1")
	welcomeA := next(t, a)
	require.Equal(t, "welcome", welcomeA.Type)
	assert.Equal(t, uint64(0), welcomeA.Version)

	b := s.dial(t, "c1", "main.txt", "u2")
	welcomeB := next(t, b)
	require.Equal(t, "welcome", welcomeB.Type)
	assert.Equal(t, welcomeA.SessionID, welcomeB.SessionID)
	assert.Equal(t, []string{"u1", "u2"}, welcomeB.Users)

	// u1 writes; its own connections are excluded from the update
	base := uint64(0)
	require.NoError(t, a.WriteJSON(ClientMessage{Type: "sync", Content: "hello", BaseVersion: &base}))
	ack := next(t, a)
	require.Equal(t, "ack", ack.Type)
	assert.Equal(t, uint64(1), ack.Version)

	upd := next(t, b)
	require.Equal(t, "update", upd.Type)
	assert.Equal(t, uint64(1), upd.Version)
	assert.Equal(t, "hello", upd.Content)
	assert.Equal(t, "u1", upd.AuthorID)

	// u2 writes against v0 and is told about the conflict
	require.NoError(t, b.WriteJSON(ClientMessage{Type: "sync", Content: "bye", BaseVersion: &base}))
	conflict := next(t, b)
	require.Equal(t, "conflict", conflict.Type)
	require.NotNil(t, conflict.Conflict)
	assert.Equal(t, uint64(1), conflict.Conflict.CurrentVersion)
	assert.Equal(t, "hello", conflict.Conflict.CurrentContent)

	resolved := "hello bye"
	require.NoError(t, b.WriteJSON(ClientMessage{Type: "resolve", Strategy: "MANUAL", ResolvedContent: &resolved}))
	done := nextOfType(t, b, "resolved")
	assert.Equal(t, uint64(2), done.Version)
	assert.Equal(t, "hello bye", done.Content)

	updA := nextOfType(t, a, "update")
	assert.Equal(t, uint64(2), updA.Version)
	assert.Equal(t, string(ledger.OpConflictResolution), updA.Operation)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: "history", Limit: 2}))
	hist := nextOfType(t, a, "history")
	require.Len(t, hist.History, 2)
	assert.Equal(t, uint64(1), hist.History[0].Version)
	assert.Equal(t, uint64(2), hist.History[1].Version)
}

func TestWebSocket_ErrorsAndUnknownMessages(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t, "c1", "main.txt", "u1")
	require.Equal(t, "welcome", next(t, a).Type)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: "resolve", Strategy: "manual"}))
	e := next(t, a)
	assert.Equal(t, "error", e.Type)
	assert.Equal(t, "no_pending_conflict", e.Code)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: "resolve", Strategy: "coin-flip"}))
	assert.Equal(t, "invalid_request", next(t, a).Code)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: "dance"}))
	assert.Equal(t, "ignored", next(t, a).Type)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: "heartbeat"}))
	assert.Equal(t, "feedback", next(t, a).Type)
}

func TestWebSocket_SystemBroadcastAndDisconnect(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	a := s.dial(t, "c1", "a.txt", "u1")
	welcome := next(t, a)
	b := s.dial(t, "c1", "b.txt", "u2")
	next(t, b)
	other := s.dial(t, "c2", "a.txt", "u3")
	next(t, other)

	require.NoError(t, s.engine.Broadcast(ctx, "c1", "maintenance at noon"))
	assert.Equal(t, "maintenance at noon", nextOfType(t, a, "system").Content)
	assert.Equal(t, "maintenance at noon", nextOfType(t, b, "system").Content)

	require.NoError(t, a.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = a.Close()

	require.Eventually(t, func() bool {
		return len(s.engine.Registry().SessionUsers(ctx, welcome.SessionID)) == 0 &&
			s.hub.connCount(welcome.SessionID) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_RejectsMissingParams(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.srv.URL + "/ws/c1?userId=u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocket_WelcomeCarriesVersionZero(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t, "c1", "fresh.txt", "u1")

	raw := func() map[string]any {
		require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
		var m map[string]any
		require.NoError(t, a.ReadJSON(&m))
		return m
	}

	welcome := raw()
	require.Equal(t, "welcome", welcome["type"])
	v, ok := welcome["version"]
	require.True(t, ok, "welcome without version: %v", welcome)
	assert.EqualValues(t, 0, v)

	// messages that are not about a version leave it out
	require.NoError(t, a.WriteJSON(ClientMessage{Type: "heartbeat"}))
	feedback := raw()
	require.Equal(t, "feedback", feedback["type"])
	assert.NotContains(t, feedback, "version")
}
