package ws

import (
	"time"

	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/ledger"
)

// 客户端 -> 服务端
// type: heartbeat | sync | resolve | history
type ClientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	// sync：省略时按该用户最近看到的版本推断
	BaseVersion *uint64 `json:"baseVersion,omitempty"`
	// resolve
	Strategy        string  `json:"strategy,omitempty"`
	ResolvedContent *string `json:"resolvedContent,omitempty"`
	// history
	Limit int `json:"limit,omitempty"`
}

// 服务端 -> 客户端
// type: welcome | ack | conflict | resolved | history | presence | system | feedback | error | ignored
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	FilePath  string `json:"filePath,omitempty"`
	// nil 表示消息不携带版本；v0 也要照常发出
	Version   *uint64                `json:"version,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Users     []string               `json:"users,omitempty"`
	Members   []cache.PresenceMember `json:"members,omitempty"`
	Conflict  *collab.ConflictInfo   `json:"conflict,omitempty"`
	History   []ledger.Entry         `json:"history,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Details   any                    `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp,omitzero"`
}

// 广播给会话内其他连接的“已提交版本”事件，字段与 collab.Update 一致
type UpdateMessage collab.Update

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string { return m.Type }
func (m UpdateMessage) MessageType() string { return m.Type }
