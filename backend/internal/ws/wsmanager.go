package ws

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabSync/backend/internal/apperr"
	"collabSync/backend/internal/collab"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

const joinAttempts = 3

type Manager struct {
	h      *Hub
	engine *collab.Engine
	sem    *collab.SemaphoreControl
	log    *slog.Logger
}

func NewManager(h *Hub, engine *collab.Engine, sem *collab.SemaphoreControl, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{h: h, engine: engine, sem: sem, log: logger}
}

// WebSocketConnect handles GET /ws/:containerId?filePath=&userId=. The user
// comes from the auth middleware when present, else from the query.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	containerID := c.Param("containerId")
	filePath := c.Query("filePath")
	userID := c.GetString("userId")
	if userID == "" {
		userID = c.Query("userId")
	}
	username := c.GetString("username")
	if username == "" {
		username = userID
	}
	if containerID == "" || filePath == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeInvalidRequest, "message": "containerId, filePath and userId are required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade error", "origin", c.Request.Header.Get("Origin"), "err", err)
		return
	}
	// defer：用于延迟执行（延迟至return处）
	defer conn.Close()

	ctx := c.Request.Context()
	wsConn := NewConn(conn, m.h, m.engine, m.sem, m.log, userID, username, containerID, filePath)

	info, err := m.join(ctx, wsConn)
	if err != nil {
		m.log.Error("join session failed", "container", containerID, "file", filePath, "user", userID, "err", err)
		_ = conn.WriteJSON(ServerMessage{Type: "error", Code: string(apperr.CodeOf(err)), Content: "join failed"})
		return
	}
	m.h.Join(wsConn)
	defer m.leave(wsConn)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	done := make(chan struct{})
	go wsConn.writeLoop(done)
	defer func() {
		wsConn.close()
		<-done
	}()

	wsConn.SendMessage_Enqueue(ServerMessage{
		Type:      "welcome",
		SessionID: info.ID,
		FilePath:  info.FilePath,
		Version:   &info.Version,
		Content:   info.Content,
		Users:     info.Users,
		Timestamp: info.LastModified,
	})
	if m.h.presence != nil {
		if err := m.h.presence.AddMember(ctx, info.ID, userID, username, presenceTTL); err != nil {
			m.log.Warn("add member failed", "session", info.ID, "user", userID, "err", err)
		}
	}

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(ctx)
}

// join registers the connection as a participant and returns the session
// with its content. A session evicted between lookup and join is recreated.
func (m *Manager) join(ctx context.Context, wsConn *Conn) (collab.SessionInfo, error) {
	reg := m.engine.Registry()
	var err error
	for attempt := 0; attempt < joinAttempts; attempt++ {
		var info collab.SessionInfo
		info, err = reg.GetOrCreate(ctx, wsConn.containerID, wsConn.filePath)
		if err != nil {
			return collab.SessionInfo{}, err
		}
		if _, err = reg.Join(ctx, info.ID, wsConn.userID, wsConn.id); err != nil {
			if apperr.Is(err, apperr.CodeNotFound) {
				continue
			}
			return collab.SessionInfo{}, err
		}
		wsConn.sessionID = info.ID
		return m.engine.Snapshot(ctx, info.ID, wsConn.userID)
	}
	return collab.SessionInfo{}, err
}

func (m *Manager) leave(wsConn *Conn) {
	m.h.Leave(wsConn)
	// 请求 ctx 此时可能已取消
	ctx := context.Background()
	if err := m.engine.Registry().Leave(ctx, wsConn.sessionID, wsConn.userID, wsConn.id); err != nil && !apperr.Is(err, apperr.CodeNotFound) {
		m.log.Warn("leave session failed", "session", wsConn.sessionID, "user", wsConn.userID, "err", err)
	}
	if m.h.presence != nil && !slices.Contains(m.engine.Registry().SessionUsers(ctx, wsConn.sessionID), wsConn.userID) {
		if err := m.h.presence.RemoveMember(ctx, wsConn.sessionID, wsConn.userID); err != nil {
			m.log.Warn("remove member failed", "session", wsConn.sessionID, "user", wsConn.userID, "err", err)
		}
	}
}
