package collab

import (
	"context"
	"time"

	"collabSync/backend/internal/ledger"
)

// Update is the payload fanned out after every commit.
type Update struct {
	Type      string           `json:"type"` // "update"
	SessionID string           `json:"sessionId"`
	FilePath  string           `json:"filePath"`
	Version   uint64           `json:"version"`
	Content   string           `json:"content"`
	AuthorID  string           `json:"authorId"`
	Operation ledger.Operation `json:"operation"`
	Strategy  string           `json:"strategy,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type Notification struct {
	ContainerID   string
	SessionID     string
	Payload       Update
	ExcludeUserID string
}

// Gateway delivers updates and system messages to connected participants.
// Implementations are best effort: no recipients is not an error, and the
// engine never lets a Gateway error undo a commit.
type Gateway interface {
	Notify(ctx context.Context, n Notification) error
	BroadcastSystemMessage(ctx context.Context, containerID, message string) error
}

// NopGateway drops everything.
type NopGateway struct{}

func (NopGateway) Notify(context.Context, Notification) error { return nil }

func (NopGateway) BroadcastSystemMessage(context.Context, string, string) error { return nil }
