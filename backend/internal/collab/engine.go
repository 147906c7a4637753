package collab

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"collabSync/backend/internal/apperr"
	"collabSync/backend/internal/ledger"
	"collabSync/backend/internal/merge"
)

const DefaultNotifyTimeout = 2 * time.Second

type EngineOptions struct {
	Gateway Gateway
	// NotifyTimeout bounds how long a commit waits for the gateway.
	NotifyTimeout time.Duration
	// NotifyConcurrency caps gateway calls in flight across all sessions.
	NotifyConcurrency int
	// AutoMerge commits a clean smart-merge of a stale write instead of
	// parking it as a conflict.
	AutoMerge bool
	Logger    *slog.Logger
}

// Engine is the synchronization front door: every write to a session goes
// through its actor, is committed to the ledger, then announced.
type Engine struct {
	reg           *Registry
	gw            Gateway
	notifyTimeout time.Duration
	notifySem     *SemaphoreControl
	autoMerge     bool
	log           *slog.Logger
	strategies    map[merge.Strategy]strategyFunc
}

func NewEngine(reg *Registry, opt EngineOptions) *Engine {
	if opt.Gateway == nil {
		opt.Gateway = NopGateway{}
	}
	if opt.NotifyTimeout <= 0 {
		opt.NotifyTimeout = DefaultNotifyTimeout
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	e := &Engine{
		reg:           reg,
		gw:            opt.Gateway,
		notifyTimeout: opt.NotifyTimeout,
		notifySem:     NewSemaphoreControl(opt.NotifyConcurrency),
		autoMerge:     opt.AutoMerge,
		log:           opt.Logger,
	}
	e.strategies = map[merge.Strategy]strategyFunc{
		merge.StrategyManual:        resolveManual,
		merge.StrategyLastWriteWins: resolveLastWriteWins,
		merge.StrategySmartMerge:    resolveSmartMerge,
		merge.StrategySemanticMerge: e.resolveSemanticMerge,
	}
	return e
}

func (e *Engine) Registry() *Registry { return e.reg }

// Close shuts the registry down.
func (e *Engine) Close() { e.reg.Close() }

// Sync proposes new content for a file. A base equal to the current version
// commits; an older base parks the write as the session's pending conflict
// and reports Conflicted; a newer base is invalid.
func (e *Engine) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	if req.ContainerID == "" || req.FilePath == "" {
		return SyncResult{}, apperr.New(apperr.CodeInvalidRequest, "containerId and filePath are required")
	}
	if req.AuthorID == "" {
		return SyncResult{}, apperr.New(apperr.CodeInvalidRequest, "author is required")
	}

	for attempt := 0; attempt < maxSessionAttempts; attempt++ {
		s, err := e.reg.getOrCreate(req.ContainerID, req.FilePath)
		if err != nil {
			return SyncResult{}, apperr.Wrap(apperr.CodeInternal, "registry unavailable", err)
		}
		var res SyncResult
		err = s.exec(ctx, func(st *sessionState) error {
			return e.syncLocked(ctx, st, req, &res)
		})
		if errors.Is(err, errSessionClosed) {
			continue
		}
		return res, err
	}
	return SyncResult{}, apperr.New(apperr.CodeInternal, "session evicted repeatedly")
}

func (e *Engine) syncLocked(ctx context.Context, st *sessionState, req SyncRequest, res *SyncResult) error {
	cur := st.version()
	base := cur
	if req.BaseVersion != nil {
		base = *req.BaseVersion
	} else if seen, ok := st.lastSeen[req.AuthorID]; ok {
		base = seen
	}

	res.SessionID = st.self.id
	switch {
	case base > cur:
		return apperr.Newf(apperr.CodeInvalidRequest, "baseVersion %d is ahead of current version %d", base, cur)

	case base < cur:
		if e.autoMerge {
			if merged, ok := e.tryAutoMerge(st, req, base); ok {
				entry, err := e.commit(st, merged, req.AuthorID, base, ledger.OpMerge, merge.StrategySmartMerge)
				if err != nil {
					return err
				}
				res.Version, res.Timestamp, res.Operation = entry.Version, entry.Timestamp, entry.Operation
				e.notify(ctx, st, entry, req.ExcludeUserID)
				return nil
			}
		}

		st.pending = &pendingWrite{
			Content:     req.Content,
			AuthorID:    req.AuthorID,
			BaseVersion: base,
			Timestamp:   e.reg.now(),
		}
		st.settle()
		// the author is handed the current head with the conflict
		st.lastSeen[req.AuthorID] = cur
		head, _ := st.ledger.Head()
		res.Version = cur
		res.Timestamp = head.Timestamp
		res.Conflicted = true
		res.Conflict = &ConflictInfo{
			BaseVersion:    base,
			CurrentVersion: cur,
			CurrentContent: head.Content,
			ProposedBy:     req.AuthorID,
		}
		e.log.Info("stale write parked",
			"session", st.self.id, "author", req.AuthorID, "base", base, "current", cur)
		return nil
	}

	entry, err := e.commit(st, req.Content, req.AuthorID, base, ledger.OpUpdate, "")
	if err != nil {
		return err
	}
	res.Version, res.Timestamp, res.Operation = entry.Version, entry.Timestamp, entry.Operation
	e.notify(ctx, st, entry, req.ExcludeUserID)
	return nil
}

func (e *Engine) tryAutoMerge(st *sessionState, req SyncRequest, base uint64) (string, bool) {
	baseEntry, ok := st.ledger.At(base)
	if !ok {
		return "", false
	}
	r := merge.ThreeWay(baseEntry.Content, req.Content, st.content())
	if !r.Clean() {
		return "", false
	}
	return r.Content, true
}

// commit appends the next version. Must run on the actor.
func (e *Engine) commit(st *sessionState, content, author string, base uint64, op ledger.Operation, strategy merge.Strategy) (ledger.Entry, error) {
	entry := ledger.Entry{
		Version:     st.version() + 1,
		Content:     content,
		UserID:      author,
		Timestamp:   e.reg.now(),
		Operation:   op,
		BaseVersion: base,
		Strategy:    string(strategy),
	}
	if err := st.ledger.Append(entry); err != nil {
		return ledger.Entry{}, apperr.Wrap(apperr.CodeInternal, "append to ledger", err)
	}
	st.lastSeen[author] = entry.Version
	// activity on an unattended session pushes its eviction back
	if len(st.participants) == 0 {
		e.reg.armIdle(st)
	}
	st.settle()
	return entry, nil
}

// notify hands a commit to the gateway. It waits at most notifyTimeout, and
// a failure is only logged: the commit already happened.
func (e *Engine) notify(ctx context.Context, st *sessionState, entry ledger.Entry, exclude string) {
	n := Notification{
		ContainerID: st.self.key.containerID,
		SessionID:   st.self.id,
		Payload: Update{
			Type:      "update",
			SessionID: st.self.id,
			FilePath:  st.self.key.filePath,
			Version:   entry.Version,
			Content:   entry.Content,
			AuthorID:  entry.UserID,
			Operation: entry.Operation,
			Strategy:  entry.Strategy,
			Timestamp: entry.Timestamp,
		},
		ExcludeUserID: exclude,
	}
	// the caller may already be gone; delivery is bounded by our own timeout
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.notifyTimeout)
	defer cancel()

	if err := e.notifySem.Acquire(nctx); err != nil {
		e.log.Warn("gateway notify skipped", "session", n.SessionID, "version", entry.Version, "err", err)
		return
	}
	errc := make(chan error, 1)
	go func() {
		defer e.notifySem.Release()
		errc <- e.gw.Notify(nctx, n)
	}()

	select {
	case err := <-errc:
		if err != nil {
			e.log.Warn("gateway notify failed", "session", n.SessionID, "version", entry.Version, "err", err)
		}
	case <-nctx.Done():
		e.log.Warn("gateway notify timed out", "session", n.SessionID, "version", entry.Version, "timeout", e.notifyTimeout)
	}
}

// Broadcast sends a system message to every participant of a container.
// Having nobody to deliver to is a success.
func (e *Engine) Broadcast(ctx context.Context, containerID, message string) error {
	if containerID == "" || message == "" {
		return apperr.New(apperr.CodeInvalidRequest, "containerId and message are required")
	}
	bctx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
	defer cancel()
	if err := e.gw.BroadcastSystemMessage(bctx, containerID, message); err != nil {
		e.log.Warn("system broadcast failed", "container", containerID, "err", err)
	}
	return nil
}

// History returns up to limit of the most recent ledger entries, oldest
// first. Unknown sessions have no history.
func (e *Engine) History(ctx context.Context, sessionID string, limit int) ([]ledger.Entry, error) {
	s, ok := e.reg.lookup(sessionID)
	if !ok {
		return []ledger.Entry{}, nil
	}
	var out []ledger.Entry
	err := s.exec(ctx, func(st *sessionState) error {
		out = st.ledger.History(limit)
		return nil
	})
	if errors.Is(err, errSessionClosed) {
		return []ledger.Entry{}, nil
	}
	return out, err
}

// Snapshot returns the session with its content and records that userID
// has now seen the current version.
func (e *Engine) Snapshot(ctx context.Context, sessionID, userID string) (SessionInfo, error) {
	s, ok := e.reg.lookup(sessionID)
	if !ok {
		return SessionInfo{}, apperr.Newf(apperr.CodeNotFound, "session %s not found", sessionID)
	}
	var info SessionInfo
	err := s.exec(ctx, func(st *sessionState) error {
		if userID != "" {
			st.lastSeen[userID] = st.version()
		}
		info = st.info()
		return nil
	})
	if errors.Is(err, errSessionClosed) {
		return SessionInfo{}, apperr.Newf(apperr.CodeNotFound, "session %s not found", sessionID)
	}
	return info, err
}
