package collab

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabSync/backend/internal/apperr"
	"collabSync/backend/internal/ledger"
	"collabSync/backend/internal/merge"
)

const (
	DefaultIdleTTL     = 15 * time.Minute
	defaultMailboxSize = 64
	// attempts made when a session is evicted between lookup and use
	maxSessionAttempts = 3
)

var (
	errRegistryClosed = errors.New("collab: registry closed")
	errStaleTimer     = errors.New("collab: idle timer superseded")
)

// Clock supplies commit timestamps.
type Clock func() time.Time

type RegistryOptions struct {
	// IdleTTL is how long a session without participants survives. Zero
	// evicts the session as soon as its last participant leaves.
	IdleTTL         time.Duration
	HistoryCapacity int
	MailboxSize     int
	OnCommit        CommitHook
	Clock           Clock
	Logger          *slog.Logger
}

// Registry owns every live session, keyed by (containerId, filePath).
// Its lock guards only the two maps; session state lives in the actors.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[sessionKey]*session
	byID   map[string]*session
	closed bool

	idleTTL     time.Duration
	capacity    int
	mailboxSize int
	onCommit    CommitHook
	now         Clock
	log         *slog.Logger
}

func NewRegistry(opt RegistryOptions) *Registry {
	if opt.MailboxSize <= 0 {
		opt.MailboxSize = defaultMailboxSize
	}
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Registry{
		byKey:       make(map[sessionKey]*session),
		byID:        make(map[string]*session),
		idleTTL:     opt.IdleTTL,
		capacity:    opt.HistoryCapacity,
		mailboxSize: opt.MailboxSize,
		onCommit:    opt.OnCommit,
		now:         opt.Clock,
		log:         opt.Logger,
	}
}

// GetOrCreate returns the session for (containerID, filePath), creating it
// at version 0 with empty content when none exists.
func (r *Registry) GetOrCreate(ctx context.Context, containerID, filePath string) (SessionInfo, error) {
	if containerID == "" || filePath == "" {
		return SessionInfo{}, apperr.New(apperr.CodeInvalidRequest, "containerId and filePath are required")
	}
	for attempt := 0; attempt < maxSessionAttempts; attempt++ {
		s, err := r.getOrCreate(containerID, filePath)
		if err != nil {
			return SessionInfo{}, apperr.Wrap(apperr.CodeInternal, "registry unavailable", err)
		}
		info, err := r.snapshot(ctx, s)
		if errors.Is(err, errSessionClosed) {
			continue
		}
		return info, err
	}
	return SessionInfo{}, apperr.New(apperr.CodeInternal, "session evicted repeatedly")
}

func (r *Registry) getOrCreate(containerID, filePath string) (*session, error) {
	key := sessionKey{containerID: containerID, filePath: filePath}

	r.mu.RLock()
	s, ok := r.byKey[key]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errRegistryClosed
	}
	// double check
	if s, ok := r.byKey[key]; ok {
		r.mu.Unlock()
		return s, nil
	}

	s = newSession(uuid.NewString(), key, ledger.New(r.capacity), r.mailboxSize)
	created := ledger.Entry{
		Version:   0,
		UserID:    SystemUser,
		Timestamp: r.now(),
		Operation: ledger.OpCreate,
	}
	// nobody else holds s yet, so touching its state here is safe
	if err := s.st.ledger.Append(created); err != nil {
		r.mu.Unlock()
		s.stop()
		return nil, err
	}
	s.st.ledger.OnAppend(func(e ledger.Entry) { r.emit(s, e) })
	r.armIdle(s.st)
	// the create entry is announced by the actor's first job, ahead of any
	// commit queued once the session is visible; the mailbox is empty here
	s.mailbox <- job{
		fn:   func(*sessionState) error { r.emit(s, created); return nil },
		errc: make(chan error, 1),
	}

	r.byKey[key] = s
	r.byID[s.id] = s
	r.mu.Unlock()

	r.log.Debug("session created", "session", s.id, "container", containerID, "file", filePath)
	return s, nil
}

func (r *Registry) lookup(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

func (r *Registry) snapshot(ctx context.Context, s *session) (SessionInfo, error) {
	var info SessionInfo
	err := s.exec(ctx, func(st *sessionState) error {
		info = st.info()
		return nil
	})
	return info, err
}

// Lookup returns a snapshot of the session with the given id.
func (r *Registry) Lookup(ctx context.Context, id string) (SessionInfo, error) {
	s, ok := r.lookup(id)
	if !ok {
		return SessionInfo{}, apperr.Newf(apperr.CodeNotFound, "session %s not found", id)
	}
	info, err := r.snapshot(ctx, s)
	if errors.Is(err, errSessionClosed) {
		return SessionInfo{}, apperr.Newf(apperr.CodeNotFound, "session %s not found", id)
	}
	return info, err
}

// ActiveCollaborations returns a snapshot of every session of a container,
// whatever its state, ordered by file path.
func (r *Registry) ActiveCollaborations(ctx context.Context, containerID string) []SessionInfo {
	r.mu.RLock()
	var sessions []*session
	for key, s := range r.byKey {
		if key.containerID == containerID {
			sessions = append(sessions, s)
		}
	}
	r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info, err := r.snapshot(ctx, s)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

// SessionUsers returns the participants of a session; unknown sessions have
// none.
func (r *Registry) SessionUsers(ctx context.Context, id string) []string {
	info, err := r.Lookup(ctx, id)
	if err != nil || info.Users == nil {
		return []string{}
	}
	return info.Users
}

// Join adds one connection of a user to a session and cancels any pending
// eviction. Joining counts as observing the current version.
func (r *Registry) Join(ctx context.Context, id, userID, connectionID string) (SessionInfo, error) {
	if userID == "" {
		return SessionInfo{}, apperr.New(apperr.CodeInvalidRequest, "userId is required")
	}
	if connectionID == "" {
		connectionID = userID
	}
	s, ok := r.lookup(id)
	if !ok {
		return SessionInfo{}, apperr.Newf(apperr.CodeNotFound, "session %s not found", id)
	}

	var info SessionInfo
	err := s.exec(ctx, func(st *sessionState) error {
		conns := st.participants[userID]
		if conns == nil {
			conns = make(map[string]Participant)
			st.participants[userID] = conns
		}
		conns[connectionID] = Participant{UserID: userID, ConnectionID: connectionID, JoinedAt: r.now()}
		st.lastSeen[userID] = st.version()
		st.stopIdle()
		st.settle()
		info = st.info()
		return nil
	})
	if errors.Is(err, errSessionClosed) {
		return SessionInfo{}, apperr.Newf(apperr.CodeNotFound, "session %s not found", id)
	}
	return info, err
}

// Leave removes one connection. When the last participant leaves, the
// session goes Idle and is evicted after IdleTTL, or right away when the TTL
// is zero. Leaving with an unknown connection is a no-op.
func (r *Registry) Leave(ctx context.Context, id, userID, connectionID string) error {
	if connectionID == "" {
		connectionID = userID
	}
	s, ok := r.lookup(id)
	if !ok {
		return apperr.Newf(apperr.CodeNotFound, "session %s not found", id)
	}

	evict := false
	err := s.exec(ctx, func(st *sessionState) error {
		conns := st.participants[userID]
		if _, ok := conns[connectionID]; !ok {
			return nil
		}
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(st.participants, userID)
		}
		if len(st.participants) == 0 {
			if r.idleTTL <= 0 {
				st.closed = true
				st.stopIdle()
				evict = true
			} else {
				r.armIdle(st)
			}
		}
		st.settle()
		return nil
	})
	if errors.Is(err, errSessionClosed) {
		return apperr.Newf(apperr.CodeNotFound, "session %s not found", id)
	}
	if err != nil {
		return err
	}
	if evict {
		r.remove(s)
	}
	return nil
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Close stops every session actor and pending eviction timer. The registry
// creates no sessions afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.byKey = make(map[sessionKey]*session)
	r.byID = make(map[string]*session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	for _, s := range sessions {
		<-s.done
	}
}

// armIdle (re)starts the eviction timer of a session without participants.
// Must run on the session's actor.
func (r *Registry) armIdle(st *sessionState) {
	st.stopIdle()
	if r.idleTTL <= 0 || len(st.participants) > 0 {
		return
	}
	gen := st.idleGen
	s := st.self
	st.idleTimer = time.AfterFunc(r.idleTTL, func() { r.expire(s, gen) })
}

func (r *Registry) expire(s *session, gen uint64) {
	err := s.exec(context.Background(), func(st *sessionState) error {
		if st.idleGen != gen || len(st.participants) > 0 {
			return errStaleTimer
		}
		st.closed = true
		st.idleTimer = nil
		return nil
	})
	if err != nil {
		return
	}
	r.remove(s)
	r.log.Info("idle session evicted", "session", s.id, "container", s.key.containerID, "file", s.key.filePath)
}

func (r *Registry) remove(s *session) {
	r.mu.Lock()
	if r.byKey[s.key] == s {
		delete(r.byKey, s.key)
	}
	if r.byID[s.id] == s {
		delete(r.byID, s.id)
	}
	r.mu.Unlock()
	s.stop()
}

// emit turns a ledger append into a CommitEvent. It runs wherever the append
// happened, normally the session's actor.
func (r *Registry) emit(s *session, e ledger.Entry) {
	if r.onCommit == nil {
		return
	}
	var ops merge.Delta
	if e.Version > 0 {
		if prev, ok := s.st.ledger.At(e.Version - 1); ok {
			ops = merge.Diff(merge.SplitLines(prev.Content), merge.SplitLines(e.Content))
		}
	}
	r.onCommit(CommitEvent{
		EventType:   EventVersionCommitted,
		EventID:     uuid.NewString(),
		SessionID:   s.id,
		ContainerID: s.key.containerID,
		FilePath:    s.key.filePath,
		Version:     e.Version,
		BaseVersion: e.BaseVersion,
		AuthorID:    e.UserID,
		Operation:   e.Operation,
		Strategy:    e.Strategy,
		Content:     e.Content,
		Ops:         ops,
		CommittedAt: e.Timestamp,
	})
}
