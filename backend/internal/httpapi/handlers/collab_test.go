package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/ledger"
	"collabSync/backend/internal/merge"
)

type fakeArchive struct {
	entries     map[string][]ledger.Entry
	resolutions map[string][]collab.ConflictResolution
	err         error
}

func (f *fakeArchive) History(_ context.Context, sessionID string, limit int) ([]ledger.Entry, error) {
	e := f.entries[sessionID]
	if limit > 0 && len(e) > limit {
		e = e[len(e)-limit:]
	}
	return e, nil
}

func (f *fakeArchive) Resolutions(_ context.Context, sessionID string) ([]collab.ConflictResolution, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resolutions[sessionID], nil
}

func newRouter(t *testing.T, archive HistoryArchive) (*gin.Engine, *collab.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := collab.NewRegistry(collab.RegistryOptions{IdleTTL: time.Hour, Logger: logger})
	engine := collab.NewEngine(reg, collab.EngineOptions{Gateway: collab.NopGateway{}, Logger: logger})
	t.Cleanup(engine.Close)

	r := gin.New()
	NewCollabHandler(engine, archive, logger).Register(r)
	return r, engine
}

func call(t *testing.T, r http.Handler, method, target string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	out := map[string]any{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func TestSyncConflictAndManualResolve(t *testing.T) {
	r, _ := newRouter(t, nil)

	code, body := call(t, r, http.MethodPost, "/c1/sync", gin.H{"filePath": "main.txt", "content": "hello", "userId": "X", "baseVersion": 0})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 1, body["version"])
	sessionID, _ := body["sessionId"].(string)
	require.NotEmpty(t, sessionID)

	code, body = call(t, r, http.MethodPost, "/c1/sync", gin.H{"filePath": "main.txt", "content": "bye", "userId": "Y", "baseVersion": 0})
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["success"])
	conflict, ok := body["conflict"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, conflict["currentVersion"])
	assert.Equal(t, "hello", conflict["currentContent"])

	code, body = call(t, r, http.MethodGet, "/c1/sessions", nil)
	require.Equal(t, http.StatusOK, code)
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "conflicted", sessions[0].(map[string]any)["state"])

	code, body = call(t, r, http.MethodPost, "/session/"+sessionID+"/resolve-conflict",
		gin.H{"resolvedContent": "hello bye", "strategy": "manual", "userId": "Y"})
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 2, body["newVersion"])

	code, body = call(t, r, http.MethodPost, "/session/"+sessionID+"/resolve-conflict",
		gin.H{"resolvedContent": "again", "strategy": "manual", "userId": "Y"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "no_pending_conflict", body["error"])

	code, body = call(t, r, http.MethodGet, "/session/"+sessionID+"/history?limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	history := body["history"].([]any)
	require.Len(t, history, 2)
	assert.EqualValues(t, 1, history[0].(map[string]any)["version"])
	assert.Equal(t, "conflict-resolution", history[1].(map[string]any)["operation"])
	assert.Equal(t, sessionID, body["sessionId"])
}

func TestSmartMergeFailureCarriesCandidates(t *testing.T) {
	r, _ := newRouter(t, nil)
	sync := func(user string, base int, content string) (int, map[string]any) {
		return call(t, r, http.MethodPost, "/c1/sync", gin.H{"filePath": "f.txt", "content": content, "userId": user, "baseVersion": base})
	}
	code, body := sync("X", 0, "A\nB\nC")
	require.Equal(t, http.StatusOK, code)
	sessionID := body["sessionId"].(string)
	code, _ = sync("X", 1, "Z\nB\nC")
	require.Equal(t, http.StatusOK, code)
	code, _ = sync("Y", 1, "Q\nB\nC")
	require.Equal(t, http.StatusConflict, code)

	code, body = call(t, r, http.MethodPost, "/session/"+sessionID+"/resolve-conflict",
		gin.H{"strategy": "smart_merge", "userId": "Y"})
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "resolution_failed", body["error"])
	details, ok := body["details"].(map[string]any)
	require.True(t, ok, body)
	assert.NotEmpty(t, details["hunks"])
}

func TestValidationAndNotFound(t *testing.T) {
	r, _ := newRouter(t, nil)

	code, body := call(t, r, http.MethodPost, "/c1/sync", gin.H{"content": "x", "userId": "X"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["error"])

	code, _ = call(t, r, http.MethodPost, "/session/nope/resolve-conflict", gin.H{"strategy": "coin-flip", "userId": "X"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = call(t, r, http.MethodPost, "/session/nope/resolve-conflict", gin.H{"strategy": "manual", "resolvedContent": "x", "userId": "X"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["error"])

	code, _ = call(t, r, http.MethodPost, "/c1/broadcast", gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, r, http.MethodGet, "/session/nope/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestReadPathsOnUnknownIDs(t *testing.T) {
	r, _ := newRouter(t, nil)

	code, body := call(t, r, http.MethodGet, "/session/nope/users", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, body["users"])

	code, body = call(t, r, http.MethodGet, "/session/nope/history", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, body["history"])

	code, body = call(t, r, http.MethodGet, "/c9/sessions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, body["sessions"])

	code, body = call(t, r, http.MethodPost, "/c9/broadcast", gin.H{"message": "hi"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
}

func TestHistoryFallsBackToArchive(t *testing.T) {
	archive := &fakeArchive{entries: map[string][]ledger.Entry{
		"gone": {
			{Version: 0, Operation: ledger.OpCreate, UserID: collab.SystemUser},
			{Version: 1, Operation: ledger.OpUpdate, UserID: "X", Content: "a"},
			{Version: 2, Operation: ledger.OpUpdate, UserID: "X", Content: "b"},
		},
	}}
	r, _ := newRouter(t, archive)

	code, body := call(t, r, http.MethodGet, "/session/gone/history?limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	history := body["history"].([]any)
	require.Len(t, history, 2)
	assert.Equal(t, "b", history[1].(map[string]any)["content"])
}

func TestAuthenticatedUserIsTheAuthor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := collab.NewRegistry(collab.RegistryOptions{IdleTTL: time.Hour, Logger: logger})
	engine := collab.NewEngine(reg, collab.EngineOptions{Logger: logger})
	t.Cleanup(engine.Close)

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set("userId", "alice"); c.Next() })
	NewCollabHandler(engine, nil, logger).Register(r)

	code, body := call(t, r, http.MethodPost, "/c1/sync", gin.H{"filePath": "a.txt", "content": "x", "userId": "mallory"})
	require.Equal(t, http.StatusOK, code)

	history, err := engine.History(context.Background(), body["sessionId"].(string), 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "alice", history[0].UserID)
}

func TestSyncWithoutIdentity(t *testing.T) {
	r, engine := newRouter(t, nil)

	// the bare body carries neither userId nor a token
	code, body := call(t, r, http.MethodPost, "/c1/sync", gin.H{"filePath": "a.txt", "content": "hello"})
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1, body["version"])
	first := body["sessionId"].(string)

	code, body = call(t, r, http.MethodPost, "/c1/sync", gin.H{"filePath": "a.txt", "content": "hello again", "excludeUserId": "tab-7"})
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 2, body["version"])

	history, err := engine.History(context.Background(), first, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, anonymousAuthor, history[0].UserID)
	assert.Equal(t, "tab-7", history[1].UserID)
}

func TestListSessionsSurvivesCancelledCaller(t *testing.T) {
	r, engine := newRouter(t, nil)
	_, err := engine.Sync(context.Background(), collab.SyncRequest{ContainerID: "c1", FilePath: "a.txt", Content: "x", AuthorID: "X"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/c1/sessions", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Sessions []collab.SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Sessions, 1)
	assert.Equal(t, "a.txt", out.Sessions[0].FilePath)
}

func TestResolutionsFromArchive(t *testing.T) {
	archive := &fakeArchive{resolutions: map[string][]collab.ConflictResolution{
		"s1": {{SessionID: "s1", Strategy: merge.StrategyManual, ResolvedBy: "Y", ResolvedContent: "merged", ResultingVersion: 4}},
	}}
	r, _ := newRouter(t, archive)

	code, body := call(t, r, http.MethodGet, "/session/s1/resolutions", nil)
	require.Equal(t, http.StatusOK, code)
	list := body["resolutions"].([]any)
	require.Len(t, list, 1)
	rec := list[0].(map[string]any)
	assert.Equal(t, "Y", rec["resolvedBy"])
	assert.EqualValues(t, 4, rec["resultingVersion"])

	code, body = call(t, r, http.MethodGet, "/session/other/resolutions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, body["resolutions"])

	archive.err = errors.New("db down")
	code, body = call(t, r, http.MethodGet, "/session/s1/resolutions", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "internal_error", body["error"])

	// no archive configured
	r, _ = newRouter(t, nil)
	code, body = call(t, r, http.MethodGet, "/session/s1/resolutions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, body["resolutions"])
}
