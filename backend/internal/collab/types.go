package collab

import (
	"time"

	"collabSync/backend/internal/ledger"
	"collabSync/backend/internal/merge"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive     State = "active"
	StateConflicted State = "conflicted"
	StateIdle       State = "idle"
)

// SystemUser authors the create entry of every session.
const SystemUser = "system"

type Participant struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// SessionInfo is a copy of a session's state; mutating it has no effect on
// the session.
type SessionInfo struct {
	ID           string    `json:"id"`
	ContainerID  string    `json:"containerId"`
	FilePath     string    `json:"filePath"`
	Version      uint64    `json:"version"`
	Content      string    `json:"-"`
	Users        []string  `json:"users"`
	UserCount    int       `json:"userCount"`
	LastModified time.Time `json:"lastModified"`
	State        State     `json:"state"`
}

// pendingWrite is the stale write a Conflicted session is waiting to
// reconcile.
type pendingWrite struct {
	Content     string
	AuthorID    string
	BaseVersion uint64
	Timestamp   time.Time
}

type SyncRequest struct {
	ContainerID string
	FilePath    string
	Content     string
	// BaseVersion nil means "whatever this author last observed".
	BaseVersion   *uint64
	AuthorID      string
	ExcludeUserID string
}

// ConflictInfo describes a stale write that was parked instead of committed.
type ConflictInfo struct {
	BaseVersion    uint64 `json:"baseVersion"`
	CurrentVersion uint64 `json:"currentVersion"`
	CurrentContent string `json:"currentContent"`
	ProposedBy     string `json:"proposedBy"`
}

// SyncResult reports either a commit or, with Conflicted set, a parked
// stale write. A conflict is not an error.
type SyncResult struct {
	SessionID  string           `json:"sessionId"`
	Version    uint64           `json:"version"`
	Timestamp  time.Time        `json:"timestamp"`
	Operation  ledger.Operation `json:"operation,omitempty"`
	Conflicted bool             `json:"conflicted"`
	Conflict   *ConflictInfo    `json:"conflict,omitempty"`
}

type ResolveRequest struct {
	// ResolvedContent is required for manual resolution and ignored
	// otherwise.
	ResolvedContent *string
	Strategy        merge.Strategy
	UserID          string
}

// ConflictResolution is the audit record of one resolved conflict.
type ConflictResolution struct {
	SessionID        string         `json:"sessionId"`
	Strategy         merge.Strategy `json:"strategy"`
	ResolvedContent  string         `json:"resolvedContent"`
	ResolvedBy       string         `json:"resolvedBy"`
	ResultingVersion uint64         `json:"resultingVersion"`
	Timestamp        time.Time      `json:"timestamp"`
}

type ResolveResult struct {
	Version    uint64             `json:"newVersion"`
	Timestamp  time.Time          `json:"timestamp"`
	Content    string             `json:"content"`
	Resolution ConflictResolution `json:"resolution"`
}

// ResolutionFailure is attached to resolution_failed errors so the caller can
// finish the merge by hand.
type ResolutionFailure struct {
	Strategy    merge.Strategy       `json:"strategy"`
	BaseVersion uint64               `json:"baseVersion"`
	Ours        string               `json:"ours"`
	Theirs      string               `json:"theirs"`
	Hunks       []merge.ConflictHunk `json:"hunks,omitempty"`
}
