package records

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/gazette-ingest/internal/domain"
	"github.com/yungbote/gazette-ingest/internal/platform/apierr"
	"github.com/yungbote/gazette-ingest/internal/platform/dbctx"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

type RecordRepo interface {
	Create(dbc dbctx.Context, rec *types.Record) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Record, error)
	GetByFingerprint(dbc dbctx.Context, fingerprint string) (*types.Record, error)
	GetBySourceID(dbc dbctx.Context, sourceID string) (*types.Record, error)
	GetByBusinessKey(dbc dbctx.Context, businessKey string, excludeID uuid.UUID) (*types.Record, error)
	UpsertByBusinessKey(dbc dbctx.Context, rec *types.Record) (*types.Record, bool, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	AppendHistory(dbc dbctx.Context, id uuid.UUID, entry types.DeadlineChange) (bool, error)
	ListNeedsReview(dbc dbctx.Context, limit int) ([]*types.Record, error)
}

type recordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRecordRepo(db *gorm.DB, baseLog *logger.Logger) RecordRepo {
	return &recordRepo{
		db:  db,
		log: baseLog.With("repo", "RecordRepo"),
	}
}

func (r *recordRepo) Create(dbc dbctx.Context, rec *types.Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", apierr.ErrInvalidArgument)
	}
	return dbc.DB(r.db).Create(rec).Error
}

func (r *recordRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Record, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: empty record id", apierr.ErrInvalidArgument)
	}
	var rec types.Record
	err := dbc.DB(r.db).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("record %s: %w", id, apierr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByFingerprint returns nil, nil when no record carries the fingerprint.
func (r *recordRepo) GetByFingerprint(dbc dbctx.Context, fingerprint string) (*types.Record, error) {
	if fingerprint == "" {
		return nil, nil
	}
	return r.findOne(dbc.DB(r.db).Where("fingerprint = ?", fingerprint).Order("created_at ASC"))
}

func (r *recordRepo) GetBySourceID(dbc dbctx.Context, sourceID string) (*types.Record, error) {
	if sourceID == "" {
		return nil, nil
	}
	return r.findOne(dbc.DB(r.db).Where("source_id = ?", sourceID))
}

// GetByBusinessKey returns the earliest live (not merged) record owning the key.
func (r *recordRepo) GetByBusinessKey(dbc dbctx.Context, businessKey string, excludeID uuid.UUID) (*types.Record, error) {
	if businessKey == "" {
		return nil, nil
	}
	q := dbc.DB(r.db).
		Where("business_key = ? AND merged_into_id IS NULL", businessKey).
		Order("created_at ASC")
	if excludeID != uuid.Nil {
		q = q.Where("id <> ?", excludeID)
	}
	return r.findOne(q)
}

// UpsertByBusinessKey saves rec unless another live record already owns its
// business key. In that case the owner is returned, row-locked on Postgres,
// rec is left untouched and the bool is false so the caller can fold the
// notice into the owner.
func (r *recordRepo) UpsertByBusinessKey(dbc dbctx.Context, rec *types.Record) (*types.Record, bool, error) {
	if rec == nil {
		return nil, false, fmt.Errorf("%w: nil record", apierr.ErrInvalidArgument)
	}
	var (
		owner *types.Record
		wrote bool
	)
	run := func(tx *gorm.DB) error {
		if rec.BusinessKey != nil && *rec.BusinessKey != "" {
			q := lockForUpdate(tx).
				Where("business_key = ? AND merged_into_id IS NULL", *rec.BusinessKey).
				Order("created_at ASC")
			if rec.ID != uuid.Nil {
				q = q.Where("id <> ?", rec.ID)
			}
			existing, err := r.findOne(q)
			if err != nil {
				return err
			}
			if existing != nil {
				owner = existing
				return nil
			}
		}
		if err := tx.Save(rec).Error; err != nil {
			return err
		}
		owner = rec
		wrote = true
		return nil
	}
	var err error
	if dbc.Tx != nil {
		err = run(dbc.DB(r.db))
	} else {
		err = dbc.DB(r.db).Transaction(run)
	}
	if err != nil {
		return nil, false, err
	}
	return owner, wrote, nil
}

func (r *recordRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return dbc.DB(r.db).
		Model(&types.Record{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// AppendHistory appends entry to the record's deadline history unless it
// repeats the latest entry (same kind and new value). Earlier entries are not
// consulted, so a deadline that moves back to a previous value is recorded.
// The bool reports whether the history changed.
func (r *recordRepo) AppendHistory(dbc dbctx.Context, id uuid.UUID, entry types.DeadlineChange) (bool, error) {
	if id == uuid.Nil {
		return false, fmt.Errorf("%w: empty record id", apierr.ErrInvalidArgument)
	}
	appended := false
	run := func(tx *gorm.DB) error {
		var rec types.Record
		if err := lockForUpdate(tx).Where("id = ?", id).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("record %s: %w", id, apierr.ErrNotFound)
			}
			return err
		}
		if n := len(rec.DeadlineHistory); n > 0 {
			last := rec.DeadlineHistory[n-1]
			if last.Kind == entry.Kind && sameInstant(last.New, entry.New) {
				return nil
			}
		}
		history := append(rec.DeadlineHistory, entry)
		if err := tx.Model(&types.Record{}).Where("id = ?", id).Updates(map[string]interface{}{
			"deadline_history": history,
			"updated_at":       time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		appended = true
		return nil
	}
	var err error
	if dbc.Tx != nil {
		err = run(dbc.DB(r.db))
	} else {
		err = dbc.DB(r.db).Transaction(run)
	}
	return appended, err
}

func (r *recordRepo) ListNeedsReview(dbc dbctx.Context, limit int) ([]*types.Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*types.Record
	err := dbc.DB(r.db).
		Where("needs_review = ?", true).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *recordRepo) findOne(q *gorm.DB) (*types.Record, error) {
	var rec types.Record
	err := q.Limit(1).Find(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == uuid.Nil {
		return nil, nil
	}
	return &rec, nil
}

// SQLite has no row locks; its writers are already serialized.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector != nil && tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
