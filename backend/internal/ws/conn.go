package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabSync/backend/internal/apperr"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/merge"
)

const (
	sendQueueSize  = 32
	opTimeout      = 5 * time.Second
	defaultHistory = 50
	writeWait      = 10 * time.Second
	presenceTTL    = 600 * time.Second
)

type Conn struct {
	ws     *websocket.Conn
	hub    *Hub
	engine *collab.Engine
	// 信号量控制：限制同时进入引擎的 ws 请求数
	sem *collab.SemaphoreControl
	log *slog.Logger

	id          string
	userID      string
	username    string
	containerID string
	filePath    string
	sessionID   string

	// send 是写循环消费的队列；closed 之后不再入队
	mu     sync.Mutex
	closed bool
	send   chan OutboundMessage
}

func NewConn(ws *websocket.Conn, hub *Hub, engine *collab.Engine, sem *collab.SemaphoreControl, logger *slog.Logger,
	userID, username, containerID, filePath string) *Conn {
	return &Conn{
		ws:          ws,
		hub:         hub,
		engine:      engine,
		sem:         sem,
		log:         logger,
		id:          uuid.NewString(),
		userID:      userID,
		username:    username,
		containerID: containerID,
		filePath:    filePath,
		send:        make(chan OutboundMessage, sendQueueSize),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		// 如果队列满了，则丢弃消息
		c.log.Warn("send queue full, message dropped", "conn", c.id, "user", c.userID, "type", msg.MessageType())
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) sendError(err error) {
	msg := ServerMessage{Type: "error", Code: string(apperr.CodeOf(err)), Content: err.Error()}
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		msg.Content = appErr.Message
		msg.Details = appErr.Details
	}
	c.SendMessage_Enqueue(msg)
}

// withSlot 在超时内拿到信号量后执行 fn
func (c *Conn) withSlot(ctx context.Context, fn func(ctx context.Context)) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if c.sem != nil {
		if err := c.sem.Acquire(opCtx); err != nil {
			c.sendError(apperr.Wrap(apperr.CodeInternal, "server busy", err))
			return
		}
		defer func() { _ = c.sem.Release() }()
	}
	fn(opCtx)
}

func (c *Conn) handleSync(ctx context.Context, msg ClientMessage) {
	res, err := c.engine.Sync(ctx, collab.SyncRequest{
		ContainerID:   c.containerID,
		FilePath:      c.filePath,
		Content:       msg.Content,
		BaseVersion:   msg.BaseVersion,
		AuthorID:      c.userID,
		ExcludeUserID: c.userID,
	})
	if err != nil {
		c.sendError(err)
		return
	}
	if res.Conflicted {
		c.SendMessage_Enqueue(ServerMessage{
			Type:      "conflict",
			SessionID: res.SessionID,
			Version:   &res.Version,
			Conflict:  res.Conflict,
			Timestamp: res.Timestamp,
		})
		return
	}
	c.SendMessage_Enqueue(ServerMessage{
		Type:      "ack",
		SessionID: res.SessionID,
		FilePath:  c.filePath,
		Version:   &res.Version,
		Timestamp: res.Timestamp,
	})
}

func (c *Conn) handleResolve(ctx context.Context, msg ClientMessage) {
	res, err := c.engine.Resolve(ctx, c.sessionID, collab.ResolveRequest{
		ResolvedContent: msg.ResolvedContent,
		Strategy:        strategyOf(msg.Strategy),
		UserID:          c.userID,
	})
	if err != nil {
		c.sendError(err)
		return
	}
	c.SendMessage_Enqueue(ServerMessage{
		Type:      "resolved",
		SessionID: c.sessionID,
		Version:   &res.Version,
		Content:   res.Content,
		Timestamp: res.Timestamp,
	})
}

func (c *Conn) handleHistory(ctx context.Context, msg ClientMessage) {
	limit := msg.Limit
	if limit <= 0 {
		limit = defaultHistory
	}
	entries, err := c.engine.History(ctx, c.sessionID, limit)
	if err != nil {
		c.sendError(err)
		return
	}
	c.SendMessage_Enqueue(ServerMessage{Type: "history", SessionID: c.sessionID, History: entries})
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	if c.hub.presence != nil {
		if err := c.hub.presence.AddMember(ctx, c.sessionID, c.userID, c.username, presenceTTL); err != nil {
			c.log.Warn("add member failed", "session", c.sessionID, "user", c.userID, "err", err)
		}
		c.hub.BroadcastPresence(ctx, c.sessionID)
	}
	c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		var clientMessage ClientMessage
		if err := c.ws.ReadJSON(&clientMessage); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("read json error", "user", c.userID, "session", c.sessionID, "err", err)
			}
			return
		}
		switch clientMessage.Type {
		case "heartbeat":
			c.handleHeartbeat(ctx)
		case "sync":
			c.withSlot(ctx, func(ctx context.Context) { c.handleSync(ctx, clientMessage) })
		case "resolve":
			c.withSlot(ctx, func(ctx context.Context) { c.handleResolve(ctx, clientMessage) })
		case "history":
			c.withSlot(ctx, func(ctx context.Context) { c.handleHistory(ctx, clientMessage) })
		default:
			// 忽略未知类型，回一条提示
			c.SendMessage_Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop(done chan<- struct{}) {
	defer close(done)
	// 持续消费通道中的消息，直到 close()
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(msg); err != nil {
			c.log.Info("write json error", "user", c.userID, "session", c.sessionID, "err", err)
		}
	}
}

// strategyOf 解析失败时原样交给引擎，由引擎返回 invalid_request
func strategyOf(s string) merge.Strategy {
	if st, err := merge.ParseStrategy(s); err == nil {
		return st
	}
	return merge.Strategy(s)
}
