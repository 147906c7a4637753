package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"

	"collabSync/backend/internal/apperr"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/ledger"
	"collabSync/backend/internal/merge"
)

const (
	defaultHistoryLimit = 50
	// anonymousAuthor is recorded for syncs that carry no identity at all
	anonymousAuthor = "anonymous"
)

// HistoryArchive serves history that has left the in-memory ledger, plus the
// audit trail of resolved conflicts.
type HistoryArchive interface {
	History(ctx context.Context, sessionID string, limit int) ([]ledger.Entry, error)
	Resolutions(ctx context.Context, sessionID string) ([]collab.ConflictResolution, error)
}

type CollabHandler struct {
	engine  *collab.Engine
	archive HistoryArchive
	log     *slog.Logger
	// 同一容器的并发列表请求合并为一次
	group singleflight.Group
}

// NewCollabHandler wires the HTTP surface to the engine. archive may be nil.
func NewCollabHandler(engine *collab.Engine, archive HistoryArchive, logger *slog.Logger) *CollabHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollabHandler{engine: engine, archive: archive, log: logger}
}

func (h *CollabHandler) Register(r gin.IRouter) {
	r.GET("/:containerId/sessions", h.ListSessions)
	r.POST("/:containerId/broadcast", h.Broadcast)
	r.POST("/:containerId/sync", h.Sync)
	r.GET("/session/:sessionId/users", h.SessionUsers)
	r.GET("/session/:sessionId/history", h.History)
	r.GET("/session/:sessionId/resolutions", h.Resolutions)
	r.POST("/session/:sessionId/resolve-conflict", h.ResolveConflict)
}

type syncReq struct {
	FilePath      string  `json:"filePath" binding:"required"`
	Content       *string `json:"content" binding:"required"`
	ExcludeUserID string  `json:"excludeUserId"`
	BaseVersion   *uint64 `json:"baseVersion"`
	UserID        string  `json:"userId"`
}

type broadcastReq struct {
	Message string `json:"message" binding:"required"`
}

type resolveReq struct {
	ResolvedContent *string `json:"resolvedContent"`
	Strategy        string  `json:"strategy" binding:"required"`
	UserID          string  `json:"userId"`
}

// GET /:containerId/sessions
func (h *CollabHandler) ListSessions(c *gin.Context) {
	containerID := c.Param("containerId")
	// 合并后的调用不能随第一个请求一起被取消
	ctx := context.WithoutCancel(c.Request.Context())
	v, _, _ := h.group.Do(containerID, func() (any, error) {
		return h.engine.Registry().ActiveCollaborations(ctx, containerID), nil
	})
	sessions, _ := v.([]collab.SessionInfo)
	if sessions == nil {
		sessions = []collab.SessionInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// POST /:containerId/broadcast
func (h *CollabHandler) Broadcast(c *gin.Context) {
	var req broadcastReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.Wrap(apperr.CodeInvalidRequest, "message is required", err))
		return
	}
	if err := h.engine.Broadcast(c.Request.Context(), c.Param("containerId"), req.Message); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Broadcast sent"})
}

// POST /:containerId/sync
func (h *CollabHandler) Sync(c *gin.Context) {
	var req syncReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.Wrap(apperr.CodeInvalidRequest, "filePath and content are required", err))
		return
	}
	// 未登录且未带 userId 时，退回到 excludeUserId，再退回匿名作者
	author := authorOf(c, req.UserID)
	if author == "" {
		author = req.ExcludeUserID
	}
	if author == "" {
		author = anonymousAuthor
	}
	res, err := h.engine.Sync(c.Request.Context(), collab.SyncRequest{
		ContainerID:   c.Param("containerId"),
		FilePath:      req.FilePath,
		Content:       *req.Content,
		BaseVersion:   req.BaseVersion,
		AuthorID:      author,
		ExcludeUserID: req.ExcludeUserID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if res.Conflicted {
		c.JSON(http.StatusConflict, gin.H{
			"success":   false,
			"message":   "Version conflict detected",
			"sessionId": res.SessionID,
			"conflict":  res.Conflict,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "File synchronized",
		"version":   res.Version,
		"timestamp": res.Timestamp,
		"sessionId": res.SessionID,
	})
}

// GET /session/:sessionId/users
func (h *CollabHandler) SessionUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.engine.Registry().SessionUsers(c.Request.Context(), c.Param("sessionId"))})
}

// GET /session/:sessionId/history?limit=N
func (h *CollabHandler) History(c *gin.Context) {
	sessionID := c.Param("sessionId")
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(c, apperr.Newf(apperr.CodeInvalidRequest, "invalid limit %q", raw))
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	history, err := h.engine.History(ctx, sessionID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	// 会话已被回收时从归档读取
	if len(history) == 0 && h.archive != nil {
		archived, err := h.archive.History(ctx, sessionID, limit)
		if err != nil {
			h.log.Warn("archive history failed", "session", sessionID, "err", err)
		} else if len(archived) > 0 {
			history = archived
		}
	}
	c.JSON(http.StatusOK, gin.H{"history": history, "sessionId": sessionID})
}

// GET /session/:sessionId/resolutions
func (h *CollabHandler) Resolutions(c *gin.Context) {
	sessionID := c.Param("sessionId")
	resolutions := []collab.ConflictResolution{}
	if h.archive != nil {
		archived, err := h.archive.Resolutions(c.Request.Context(), sessionID)
		if err != nil {
			h.fail(c, apperr.Wrap(apperr.CodeInternal, "archive unavailable", err))
			return
		}
		if archived != nil {
			resolutions = archived
		}
	}
	c.JSON(http.StatusOK, gin.H{"resolutions": resolutions, "sessionId": sessionID})
}

// POST /session/:sessionId/resolve-conflict
func (h *CollabHandler) ResolveConflict(c *gin.Context) {
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.Wrap(apperr.CodeInvalidRequest, "strategy is required", err))
		return
	}
	strategy, err := merge.ParseStrategy(req.Strategy)
	if err != nil {
		h.fail(c, apperr.Wrap(apperr.CodeInvalidRequest, "unknown strategy", err))
		return
	}
	user := authorOf(c, req.UserID)
	if user == "" {
		h.fail(c, apperr.New(apperr.CodeInvalidRequest, "userId is required"))
		return
	}
	res, err := h.engine.Resolve(c.Request.Context(), c.Param("sessionId"), collab.ResolveRequest{
		ResolvedContent: req.ResolvedContent,
		Strategy:        strategy,
		UserID:          user,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Conflict resolved",
		"newVersion": res.Version,
		"timestamp":  res.Timestamp,
		"resolution": res.Resolution,
	})
}

// authorOf prefers the authenticated user over the one named in the body.
func authorOf(c *gin.Context, fromBody string) string {
	if id := c.GetString("userId"); id != "" {
		return id
	}
	return fromBody
}

func (h *CollabHandler) fail(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := apperr.HTTPStatus(code)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(status, gin.H{"success": false, "error": code, "message": "internal server error"})
		return
	}
	body := gin.H{"success": false, "error": code, "message": err.Error()}
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		body["message"] = appErr.Message
		if appErr.Details != nil {
			body["details"] = appErr.Details
		}
	}
	c.JSON(status, body)
}
