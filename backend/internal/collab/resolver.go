package collab

import (
	"context"
	"errors"

	"collabSync/backend/internal/apperr"
	"collabSync/backend/internal/ledger"
	"collabSync/backend/internal/merge"
)

// strategyFunc produces the resolved content for a session's pending
// conflict. It runs on the session's actor.
type strategyFunc func(st *sessionState, p *pendingWrite, req ResolveRequest) (string, error)

// Resolve reconciles the session's pending conflict with the chosen
// strategy and commits the outcome as one conflict-resolution version. A
// strategy that cannot merge leaves the session Conflicted.
func (e *Engine) Resolve(ctx context.Context, sessionID string, req ResolveRequest) (ResolveResult, error) {
	if req.UserID == "" {
		return ResolveResult{}, apperr.New(apperr.CodeInvalidRequest, "userId is required")
	}
	fn, ok := e.strategies[req.Strategy]
	if !ok {
		return ResolveResult{}, apperr.Newf(apperr.CodeInvalidRequest, "unknown strategy %q", req.Strategy)
	}
	s, ok := e.reg.lookup(sessionID)
	if !ok {
		return ResolveResult{}, apperr.Newf(apperr.CodeNotFound, "session %s not found", sessionID)
	}

	var res ResolveResult
	err := s.exec(ctx, func(st *sessionState) error {
		p := st.pending
		if p == nil {
			return apperr.Newf(apperr.CodeNoPendingConflict, "session %s has no pending conflict", sessionID)
		}
		content, err := fn(st, p, req)
		if err != nil {
			return err
		}

		entry, err := e.commit(st, content, req.UserID, st.version(), ledger.OpConflictResolution, req.Strategy)
		if err != nil {
			return err
		}
		st.pending = nil
		st.settle()

		res = ResolveResult{
			Version:   entry.Version,
			Timestamp: entry.Timestamp,
			Content:   entry.Content,
			Resolution: ConflictResolution{
				SessionID:        st.self.id,
				Strategy:         req.Strategy,
				ResolvedContent:  entry.Content,
				ResolvedBy:       req.UserID,
				ResultingVersion: entry.Version,
				Timestamp:        entry.Timestamp,
			},
		}
		e.log.Info("conflict resolved",
			"session", st.self.id, "strategy", req.Strategy, "by", req.UserID, "version", entry.Version)
		e.notify(ctx, st, entry, "")
		return nil
	})
	if errors.Is(err, errSessionClosed) {
		return ResolveResult{}, apperr.Newf(apperr.CodeNotFound, "session %s not found", sessionID)
	}
	return res, err
}

func resolveManual(_ *sessionState, _ *pendingWrite, req ResolveRequest) (string, error) {
	if req.ResolvedContent == nil {
		return "", apperr.New(apperr.CodeInvalidRequest, "resolvedContent is required for manual resolution")
	}
	return *req.ResolvedContent, nil
}

// resolveLastWriteWins keeps whichever of the pending write and the head
// carries the later timestamp; on a tie the higher author id wins.
func resolveLastWriteWins(st *sessionState, p *pendingWrite, _ ResolveRequest) (string, error) {
	head, err := st.ledger.Head()
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "read head", err)
	}
	switch {
	case p.Timestamp.After(head.Timestamp):
		return p.Content, nil
	case head.Timestamp.After(p.Timestamp):
		return head.Content, nil
	case p.AuthorID > head.UserID:
		return p.Content, nil
	default:
		return head.Content, nil
	}
}

// resolveSmartMerge runs a line three-way merge of the pending write
// against the head, using the version the pending write was based on.
func resolveSmartMerge(st *sessionState, p *pendingWrite, _ ResolveRequest) (string, error) {
	return smartMerge(st, p, merge.StrategySmartMerge)
}

func smartMerge(st *sessionState, p *pendingWrite, strategy merge.Strategy) (string, error) {
	head := st.content()
	failure := ResolutionFailure{
		Strategy:    strategy,
		BaseVersion: p.BaseVersion,
		Ours:        p.Content,
		Theirs:      head,
	}
	base, ok := st.ledger.At(p.BaseVersion)
	if !ok {
		return "", apperr.Newf(apperr.CodeResolutionFailed,
			"base version %d is no longer retained", p.BaseVersion).WithDetails(failure)
	}
	r := merge.ThreeWay(base.Content, p.Content, head)
	if !r.Clean() {
		failure.Hunks = r.Conflicts
		return "", apperr.Newf(apperr.CodeResolutionFailed,
			"%d overlapping change(s); resolve manually", len(r.Conflicts)).WithDetails(failure)
	}
	return r.Content, nil
}

// resolveSemanticMerge merges per declaration or per block and falls back to
// the line merge when the files do not parse or a unit changed on both
// sides.
func (e *Engine) resolveSemanticMerge(st *sessionState, p *pendingWrite, _ ResolveRequest) (string, error) {
	if base, ok := st.ledger.At(p.BaseVersion); ok {
		out, err := merge.Semantic(st.self.key.filePath, base.Content, p.Content, st.content())
		if err == nil {
			return out, nil
		}
		e.log.Debug("semantic merge fell back to line merge", "session", st.self.id, "err", err)
	}
	return smartMerge(st, p, merge.StrategySemanticMerge)
}
