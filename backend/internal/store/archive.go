package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/ledger"
	"collabSync/backend/internal/merge"
)

// HistoryRecord is one archived ledger entry. (session_id, version) is unique,
// so a redelivered event is a no-op.
type HistoryRecord struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	SessionID   string    `gorm:"size:64;not null;uniqueIndex:uk_session_version,priority:1"`
	Version     uint64    `gorm:"not null;uniqueIndex:uk_session_version,priority:2"`
	ContainerID string    `gorm:"size:128;not null;index"`
	FilePath    string    `gorm:"size:512;not null"`
	BaseVersion uint64    `gorm:"not null"`
	AuthorID    string    `gorm:"size:128;not null"`
	Operation   string    `gorm:"size:32;not null"`
	Strategy    string    `gorm:"size:32"`
	Content     string    `gorm:"type:longtext"`
	CommittedAt time.Time `gorm:"not null"`
}

func (HistoryRecord) TableName() string { return "session_history" }

// ResolutionRecord is the audit row written for every conflict resolution.
type ResolutionRecord struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement"`
	SessionID        string    `gorm:"size:64;not null;uniqueIndex:uk_resolution,priority:1"`
	ResultingVersion uint64    `gorm:"not null;uniqueIndex:uk_resolution,priority:2"`
	Strategy         string    `gorm:"size:32;not null"`
	ResolvedBy       string    `gorm:"size:128;not null"`
	ResolvedContent  string    `gorm:"type:longtext"`
	ResolvedAt       time.Time `gorm:"not null"`
}

func (ResolutionRecord) TableName() string { return "conflict_resolutions" }

// ArchiveStore persists commit events. It is an EventSink for the dispatcher;
// the in-memory ledger stays the source of truth for live sessions.
type ArchiveStore struct{ db *gorm.DB }

func NewArchiveStore(db *gorm.DB) *ArchiveStore {
	return &ArchiveStore{db: db}
}

func (s *ArchiveStore) Migrate() error {
	return s.db.AutoMigrate(&HistoryRecord{}, &ResolutionRecord{})
}

func (s *ArchiveStore) Name() string { return "mysql-archive" }

func (s *ArchiveStore) Publish(ctx context.Context, evt collab.CommitEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := HistoryRecord{
			SessionID:   evt.SessionID,
			Version:     evt.Version,
			ContainerID: evt.ContainerID,
			FilePath:    evt.FilePath,
			BaseVersion: evt.BaseVersion,
			AuthorID:    evt.AuthorID,
			Operation:   string(evt.Operation),
			Strategy:    evt.Strategy,
			Content:     evt.Content,
			CommittedAt: evt.CommittedAt,
		}
		if err := tx.Create(&rec).Error; err != nil {
			if isDuplicateKey(err) {
				// 重复投递，已归档
				return nil
			}
			return err
		}

		res, ok := evt.Resolution()
		if !ok {
			return nil
		}
		return tx.Create(&ResolutionRecord{
			SessionID:        res.SessionID,
			ResultingVersion: res.ResultingVersion,
			Strategy:         string(res.Strategy),
			ResolvedBy:       res.ResolvedBy,
			ResolvedContent:  res.ResolvedContent,
			ResolvedAt:       res.Timestamp,
		}).Error
	})
}

// History returns up to limit archived entries of a session, oldest first. It
// reaches past the in-memory ring, including for evicted sessions.
func (s *ArchiveStore) History(ctx context.Context, sessionID string, limit int) ([]ledger.Entry, error) {
	var recs []HistoryRecord
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("version DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Entry, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = r.entry()
	}
	return out, nil
}

// Resolutions lists the audit records of a session, oldest first.
func (s *ArchiveStore) Resolutions(ctx context.Context, sessionID string) ([]collab.ConflictResolution, error) {
	var recs []ResolutionRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("resulting_version ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]collab.ConflictResolution, 0, len(recs))
	for _, r := range recs {
		out = append(out, collab.ConflictResolution{
			SessionID:        r.SessionID,
			Strategy:         merge.Strategy(r.Strategy),
			ResolvedContent:  r.ResolvedContent,
			ResolvedBy:       r.ResolvedBy,
			ResultingVersion: r.ResultingVersion,
			Timestamp:        r.ResolvedAt,
		})
	}
	return out, nil
}

func (r HistoryRecord) entry() ledger.Entry {
	return ledger.Entry{
		Version:     r.Version,
		Content:     r.Content,
		UserID:      r.AuthorID,
		Timestamp:   r.CommittedAt,
		Operation:   ledger.Operation(r.Operation),
		BaseVersion: r.BaseVersion,
		Strategy:    r.Strategy,
	}
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
