package collab

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"collabSync/backend/internal/ledger"
)

// errSessionClosed is returned by exec once a session has been evicted or
// the registry closed; callers holding a stale handle should look the
// session up again.
var errSessionClosed = errors.New("collab: session closed")

type sessionKey struct {
	containerID string
	filePath    string
}

// sessionState is owned by the session's actor goroutine. Nothing outside a
// job passed to exec may touch it.
type sessionState struct {
	self *session

	ledger *ledger.Ledger
	state  State

	// userId -> connectionId -> Participant
	participants map[string]map[string]Participant
	// last version each author is known to have seen
	lastSeen map[string]uint64
	pending  *pendingWrite

	idleTimer *time.Timer
	idleGen   uint64
	closed    bool
}

func (st *sessionState) version() uint64 { return st.ledger.CurrentVersion() }

func (st *sessionState) content() string { return st.ledger.CurrentContent() }

func (st *sessionState) users() []string {
	users := make([]string, 0, len(st.participants))
	for u := range st.participants {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// settle recomputes state after membership or conflict changes.
func (st *sessionState) settle() {
	switch {
	case st.pending != nil:
		st.state = StateConflicted
	case len(st.participants) == 0:
		st.state = StateIdle
	default:
		st.state = StateActive
	}
}

func (st *sessionState) stopIdle() {
	if st.idleTimer != nil {
		st.idleTimer.Stop()
		st.idleTimer = nil
	}
	st.idleGen++
}

func (st *sessionState) info() SessionInfo {
	head, _ := st.ledger.Head()
	users := st.users()
	return SessionInfo{
		ID:           st.self.id,
		ContainerID:  st.self.key.containerID,
		FilePath:     st.self.key.filePath,
		Version:      head.Version,
		Content:      head.Content,
		Users:        users,
		UserCount:    len(users),
		LastModified: head.Timestamp,
		State:        st.state,
	}
}

type job struct {
	fn   func(*sessionState) error
	errc chan error
}

// session is one actor: a goroutine draining a FIFO mailbox, so every
// mutation of one file is applied in arrival order.
type session struct {
	id  string
	key sessionKey

	mailbox chan job
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	st *sessionState
}

func newSession(id string, key sessionKey, l *ledger.Ledger, mailboxSize int) *session {
	s := &session{
		id:      id,
		key:     key,
		mailbox: make(chan job, mailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.st = &sessionState{
		self:         s,
		ledger:       l,
		state:        StateIdle,
		participants: make(map[string]map[string]Participant),
		lastSeen:     make(map[string]uint64),
	}
	go s.run()
	return s
}

func (s *session) run() {
	defer close(s.done)
	defer s.st.stopIdle()
	for {
		select {
		case j := <-s.mailbox:
			if s.st.closed {
				j.errc <- errSessionClosed
				continue
			}
			j.errc <- j.fn(s.st)
		case <-s.quit:
			return
		}
	}
}

// exec runs fn on the actor and returns its error. ctx only bounds the wait
// for a mailbox slot: once queued, fn runs to completion even if ctx is
// cancelled.
func (s *session) exec(ctx context.Context, fn func(*sessionState) error) error {
	j := job{fn: fn, errc: make(chan error, 1)}
	select {
	case s.mailbox <- j:
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.errc:
		return err
	case <-s.done:
		select {
		case err := <-j.errc:
			return err
		default:
			return errSessionClosed
		}
	}
}

func (s *session) stop() {
	s.once.Do(func() { close(s.quit) })
}
