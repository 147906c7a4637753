package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
)

// Hub tracks live WebSocket connections and is the collab.Gateway that
// delivers commits and system messages to them.
type Hub struct {
	// 可为 nil：不开启 Redis 时只在本进程内维护房间
	presence cache.PresenceCache
	log      *slog.Logger
	mu       sync.RWMutex
	// sessionID -> set of connections
	rooms map[string]map[*Conn]struct{}
	// containerID -> set of connections，用于系统广播
	containers map[string]map[*Conn]struct{}
}

var _ collab.Gateway = (*Hub)(nil)

func NewHub(p cache.PresenceCache, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		presence:   p,
		log:        logger,
		rooms:      make(map[string]map[*Conn]struct{}),
		containers: make(map[string]map[*Conn]struct{}),
	}
}

// Join 将连接加入其会话房间与容器索引
func (h *Hub) Join(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// 房间里存的是连接而不是 userID：一个用户可开多个标签页，广播要逐连接发
	if h.rooms[c.sessionID] == nil {
		h.rooms[c.sessionID] = make(map[*Conn]struct{})
	}
	h.rooms[c.sessionID][c] = struct{}{}
	if h.containers[c.containerID] == nil {
		h.containers[c.containerID] = make(map[*Conn]struct{})
	}
	h.containers[c.containerID][c] = struct{}{}
}

// Leave 将连接从房间与容器索引移除
func (h *Hub) Leave(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	removeConn(h.rooms, c.sessionID, c)
	removeConn(h.containers, c.containerID, c)
}

func removeConn(m map[string]map[*Conn]struct{}, key string, c *Conn) {
	if conns, ok := m[key]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(m, key)
		}
	}
}

// members 在读锁内复制一份连接列表，发送时不持锁
func (h *Hub) members(m map[string]map[*Conn]struct{}, key string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(m[key]))
	for c := range m[key] {
		out = append(out, c)
	}
	return out
}

// Notify fans a committed version out to the session's connections, skipping
// every connection of the excluded user. Full send queues drop the message.
func (h *Hub) Notify(ctx context.Context, n collab.Notification) error {
	msg := UpdateMessage(n.Payload)
	for _, c := range h.members(h.rooms, n.SessionID) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n.ExcludeUserID != "" && c.userID == n.ExcludeUserID {
			continue
		}
		c.SendMessage_Enqueue(msg)
	}
	return nil
}

func (h *Hub) BroadcastSystemMessage(ctx context.Context, containerID, message string) error {
	msg := ServerMessage{Type: "system", Content: message, Timestamp: time.Now().UTC()}
	for _, c := range h.members(h.containers, containerID) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.SendMessage_Enqueue(msg)
	}
	return nil
}

// BroadcastPresence pushes the mirrored member list of a session to its
// connections. It is a no-op without a presence cache.
func (h *Hub) BroadcastPresence(ctx context.Context, sessionID string) {
	if h.presence == nil {
		return
	}
	members, err := h.presence.AliveMembers(ctx, sessionID)
	if err != nil {
		h.log.Warn("get alive members failed", "session", sessionID, "err", err)
		return
	}
	msg := ServerMessage{Type: "presence", SessionID: sessionID, Members: members}
	for _, c := range h.members(h.rooms, sessionID) {
		c.SendMessage_Enqueue(msg)
	}
}

// connCount reports how many connections are in a session's room.
func (h *Hub) connCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}
