// Package ledger implements the per-session version history: an append-only,
// bounded ring of committed versions.
//
// A Ledger is owned by exactly one session actor and is not safe for
// concurrent use.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// DefaultCapacity is the number of entries retained per session.
const DefaultCapacity = 1000

// Operation tags how a version came to be.
type Operation string

const (
	OpCreate             Operation = "create"
	OpUpdate             Operation = "update"
	OpMerge              Operation = "merge"
	OpConflictResolution Operation = "conflict-resolution"
)

// Entry is one immutable committed version.
type Entry struct {
	Version     uint64    `json:"version"`
	Content     string    `json:"content"`
	UserID      string    `json:"userId"`
	Timestamp   time.Time `json:"timestamp"`
	Operation   Operation `json:"operation"`
	BaseVersion uint64    `json:"baseVersion"`
	// Strategy is set on conflict-resolution and merge entries.
	Strategy string `json:"strategy,omitempty"`
}

// AppendHook observes every entry after it has been stored. Hooks run on the
// owning actor's goroutine and must not block.
type AppendHook func(Entry)

var (
	ErrOutOfOrder = errors.New("ledger: entry version is not head+1")
	ErrEmpty      = errors.New("ledger: no entries")
)

type Ledger struct {
	// ring storage; start is the index of the oldest retained entry
	buf   []Entry
	start int
	size  int

	hooks []AppendHook
}

// New returns an empty ledger. A non-positive capacity selects DefaultCapacity.
func New(capacity int, hooks ...AppendHook) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		buf:   make([]Entry, capacity),
		hooks: append([]AppendHook(nil), hooks...),
	}
}

// OnAppend registers a hook for entries appended from now on.
func (l *Ledger) OnAppend(h AppendHook) {
	if h != nil {
		l.hooks = append(l.hooks, h)
	}
}

func (l *Ledger) Cap() int { return len(l.buf) }
func (l *Ledger) Len() int { return l.size }

// Append stores e as the new head. The first entry may carry any version;
// every later entry must be exactly head+1. When the ring is full the oldest
// entry is dropped.
func (l *Ledger) Append(e Entry) error {
	if l.size > 0 {
		head := l.at(l.size - 1)
		if e.Version != head.Version+1 {
			return fmt.Errorf("%w: head=%d got=%d", ErrOutOfOrder, head.Version, e.Version)
		}
	}

	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = e
		l.size++
	} else {
		l.buf[l.start] = e
		l.start = (l.start + 1) % len(l.buf)
	}

	for _, h := range l.hooks {
		h(e)
	}
	return nil
}

// History returns the most recent limit entries in ascending version order.
// A non-positive limit returns every retained entry.
func (l *Ledger) History(limit int) []Entry {
	n := l.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := l.size - n; i < l.size; i++ {
		out = append(out, l.at(i))
	}
	return out
}

// At returns the retained entry for version.
func (l *Ledger) At(version uint64) (Entry, bool) {
	if l.size == 0 {
		return Entry{}, false
	}
	oldest := l.at(0).Version
	if version < oldest || version > oldest+uint64(l.size-1) {
		return Entry{}, false
	}
	return l.at(int(version - oldest)), true
}

// Head returns the newest entry.
func (l *Ledger) Head() (Entry, error) {
	if l.size == 0 {
		return Entry{}, ErrEmpty
	}
	return l.at(l.size - 1), nil
}

func (l *Ledger) CurrentVersion() uint64 {
	if l.size == 0 {
		return 0
	}
	return l.at(l.size - 1).Version
}

func (l *Ledger) CurrentContent() string {
	if l.size == 0 {
		return ""
	}
	return l.at(l.size - 1).Content
}

// at indexes the ring by logical position, 0 being the oldest entry.
func (l *Ledger) at(i int) Entry {
	return l.buf[(l.start+i)%len(l.buf)]
}
