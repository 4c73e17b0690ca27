// Package store implements the client-side local document store: a durable,
// queryable per-device cache with dirty tracking and live subscriptions.
// Local writes land here immediately; the replication client drains them on
// its next cycle.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/giftcircle/giftcircle/backend/internal/document"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// Predicate filters documents in queries and subscriptions.
type Predicate func(document.Document) bool

// Config describes the dependencies of the local document store.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the per-session local cache. It is constructed on session start
// and closed on logout; it is never a process-wide global.
type Store struct {
	db         *gorm.DB
	logger     *zap.Logger
	dispatcher *dispatcher
}

// New validates the configuration and constructs the store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("store: %w", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		logger:     logger,
		dispatcher: newDispatcher(),
	}, nil
}

// Close tears down live subscriptions and the underlying connection.
func (s *Store) Close() error {
	s.dispatcher.closeAll()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Upsert records a local write. The row is marked dirty for the next push
// cycle and assigned a new local revision. Re-upserting an identical state is
// a no-op.
func (s *Store) Upsert(ctx context.Context, doc document.Document) error {
	row, err := rowFromDocument(doc)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", doc.ID, err)
	}

	var stored CachedDocument
	err = s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", row.Collection, row.DocID).
		Take(&stored).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row.Dirty = true
		row.LocalRevision = 1
	case err != nil:
		return fmt.Errorf("store: load %s: %w", doc.ID, err)
	default:
		if sameState(stored, row) {
			return nil
		}
		row.Dirty = true
		row.LocalRevision = stored.LocalRevision + 1
		row.DeniedCount = stored.DeniedCount
	}

	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("store: save %s: %w", doc.ID, err)
	}
	s.dispatcher.publish(doc)
	return nil
}

// ApplyRemote adopts a server document from a pull. A row holding an
// unacknowledged local edit is left untouched: the dirty state is what the
// next cycle pushes, and the server's answer comes back on the pull after
// that. Overwriting here would silently destroy the edit.
func (s *Store) ApplyRemote(ctx context.Context, doc document.Document) error {
	row, err := rowFromDocument(doc)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", doc.ID, err)
	}

	var stored CachedDocument
	err = s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", row.Collection, row.DocID).
		Take(&stored).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("store: load %s: %w", doc.ID, err)
	}
	if err == nil {
		if stored.Dirty {
			return nil
		}
		row.LocalRevision = stored.LocalRevision + 1
	} else {
		row.LocalRevision = 1
	}
	row.Dirty = false
	row.DeniedCount = 0

	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("store: save %s: %w", doc.ID, err)
	}
	s.dispatcher.publish(doc)
	return nil
}

// AdoptServer overwrites a conflicted local edit with the authoritative
// server copy. offeredRevision is the revision the rejected push carried; a
// row mutated again while that push was on the wire keeps its newer edit and
// offers it on the next cycle instead.
func (s *Store) AdoptServer(ctx context.Context, doc document.Document, offeredRevision int64) error {
	row, err := rowFromDocument(doc)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", doc.ID, err)
	}

	var stored CachedDocument
	err = s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", row.Collection, row.DocID).
		Take(&stored).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("store: load %s: %w", doc.ID, err)
	}
	if err == nil {
		if stored.Dirty && stored.LocalRevision != offeredRevision {
			return nil
		}
		row.LocalRevision = stored.LocalRevision + 1
	} else {
		row.LocalRevision = 1
	}
	row.Dirty = false
	row.DeniedCount = 0

	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("store: save %s: %w", doc.ID, err)
	}
	s.dispatcher.publish(doc)
	return nil
}

// Get returns the cached document, or nil when it is absent or tombstoned.
func (s *Store) Get(ctx context.Context, collection document.Collection, id string) (*document.Document, error) {
	var stored CachedDocument
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ? AND is_deleted = ?", collection.String(), id, false).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", id, err)
	}
	doc, err := stored.toDocument()
	if err != nil {
		// A single corrupt record degrades to "not found" rather than failing the read.
		s.logger.Warn("corrupt cached document skipped", zap.String("doc_id", id), zap.Error(err))
		return nil, nil
	}
	return &doc, nil
}

// Tombstone soft-deletes a document as a local edit: the tombstone is dirty
// and will be pushed so the deletion propagates to other devices.
func (s *Store) Tombstone(ctx context.Context, collection document.Collection, id string, updatedAtMilli int64) error {
	result := s.db.WithContext(ctx).Model(&CachedDocument{}).
		Where("collection = ? AND doc_id = ?", collection.String(), id).
		Updates(map[string]interface{}{
			"is_deleted":     true,
			"updated_at_ms":  updatedAtMilli,
			"dirty":          true,
			"local_revision": gorm.Expr("local_revision + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("store: tombstone %s: %w", id, result.Error)
	}
	s.publishRow(ctx, collection, id)
	return nil
}

// TombstoneLocal soft-deletes a document during reconciliation. The server
// already stopped returning it, so the tombstone is not pushed back.
func (s *Store) TombstoneLocal(ctx context.Context, collection document.Collection, id string) error {
	result := s.db.WithContext(ctx).Model(&CachedDocument{}).
		Where("collection = ? AND doc_id = ?", collection.String(), id).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"dirty":      false,
		})
	if result.Error != nil {
		return fmt.Errorf("store: reconcile %s: %w", id, result.Error)
	}
	s.publishRow(ctx, collection, id)
	return nil
}

// Query returns the non-tombstoned documents of a collection matching the
// predicate. A corrupt record is skipped and compacted away; the query
// degrades to a partial result instead of failing.
func (s *Store) Query(ctx context.Context, collection document.Collection, predicate Predicate) ([]document.Document, error) {
	return s.query(ctx, collection, predicate, false)
}

// QueryIncludingDeleted is Query without the tombstone filter.
func (s *Store) QueryIncludingDeleted(ctx context.Context, collection document.Collection, predicate Predicate) ([]document.Document, error) {
	return s.query(ctx, collection, predicate, true)
}

func (s *Store) query(ctx context.Context, collection document.Collection, predicate Predicate, includeDeleted bool) ([]document.Document, error) {
	tx := s.db.WithContext(ctx).Where("collection = ?", collection.String())
	if !includeDeleted {
		tx = tx.Where("is_deleted = ?", false)
	}
	var rows []CachedDocument
	if err := tx.Order("updated_at_ms ASC, doc_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: query %s: %w", collection, err)
	}

	documents := make([]document.Document, 0, len(rows))
	var corrupt []string
	for _, row := range rows {
		doc, err := row.toDocument()
		if err != nil {
			s.logger.Warn("corrupt cached document skipped",
				zap.String("doc_id", row.DocID), zap.Error(err))
			corrupt = append(corrupt, row.DocID)
			continue
		}
		if predicate == nil || predicate(doc) {
			documents = append(documents, doc)
		}
	}
	if len(corrupt) > 0 {
		s.compact(ctx, collection, corrupt)
	}
	return documents, nil
}

// compact drops records that failed to decode so one bad row cannot keep
// poisoning every query of its collection.
func (s *Store) compact(ctx context.Context, collection document.Collection, ids []string) {
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id IN ?", collection.String(), ids).
		Delete(&CachedDocument{}).Error
	if err != nil {
		s.logger.Warn("compaction failed", zap.String("collection", collection.String()), zap.Error(err))
		return
	}
	s.logger.Info("compacted corrupt cached documents",
		zap.String("collection", collection.String()), zap.Int("count", len(ids)))
}

// DirtyDocument pairs a locally mutated document with the revision that
// mutation produced. Acknowledgements are matched against the revision so a
// row edited again while a push is on the wire is never mistaken for its
// older offered state.
type DirtyDocument struct {
	Document document.Document
	Revision int64
}

// DirtyRef identifies one offered document state.
type DirtyRef struct {
	ID       string
	Revision int64
}

// Dirty returns the locally mutated documents of a collection, one entry per
// id holding the latest local state and its revision.
func (s *Store) Dirty(ctx context.Context, collection document.Collection) ([]DirtyDocument, error) {
	var rows []CachedDocument
	err := s.db.WithContext(ctx).
		Where("collection = ? AND dirty = ?", collection.String(), true).
		Order("updated_at_ms ASC, doc_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: dirty %s: %w", collection, err)
	}
	documents := make([]DirtyDocument, 0, len(rows))
	for _, row := range rows {
		doc, err := row.toDocument()
		if err != nil {
			s.logger.Warn("corrupt dirty document skipped", zap.String("doc_id", row.DocID), zap.Error(err))
			continue
		}
		documents = append(documents, DirtyDocument{Document: doc, Revision: row.LocalRevision})
	}
	return documents, nil
}

// ClearDirty marks documents clean after the gateway accepted them. Clearing
// is conditional on the offered revision: a row mutated again while the push
// was on the wire stays dirty and is offered on the next cycle.
func (s *Store) ClearDirty(ctx context.Context, collection document.Collection, refs []DirtyRef) error {
	for _, ref := range refs {
		err := s.db.WithContext(ctx).Model(&CachedDocument{}).
			Where("collection = ? AND doc_id = ? AND local_revision = ?", collection.String(), ref.ID, ref.Revision).
			Updates(map[string]interface{}{"dirty": false, "denied_count": 0}).Error
		if err != nil {
			return fmt.Errorf("store: clear dirty %s: %w", ref.ID, err)
		}
	}
	return nil
}

// MarkDenied counts a push authorization denial against the offered revision
// and returns the consecutive denial count. A row mutated since the offer is
// left alone and reports zero: the new edit starts a fresh denial budget.
func (s *Store) MarkDenied(ctx context.Context, collection document.Collection, ref DirtyRef) (int64, error) {
	result := s.db.WithContext(ctx).Model(&CachedDocument{}).
		Where("collection = ? AND doc_id = ? AND local_revision = ?", collection.String(), ref.ID, ref.Revision).
		Update("denied_count", gorm.Expr("denied_count + 1"))
	if result.Error != nil {
		return 0, fmt.Errorf("store: mark denied %s: %w", ref.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, nil
	}
	var stored CachedDocument
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection.String(), ref.ID).
		Take(&stored).Error
	if err != nil {
		return 0, fmt.Errorf("store: mark denied %s: %w", ref.ID, err)
	}
	return stored.DeniedCount, nil
}

// CachedIDs lists the ids of the non-tombstoned, clean documents of a
// collection; reconciliation subtracts the pull result from this set. Dirty
// rows are excluded: a local edit the server has not accepted yet must not be
// reconciled away.
func (s *Store) CachedIDs(ctx context.Context, collection document.Collection) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&CachedDocument{}).
		Where("collection = ? AND is_deleted = ? AND dirty = ?", collection.String(), false, false).
		Pluck("doc_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("store: cached ids %s: %w", collection, err)
	}
	return ids, nil
}

// UnsyncedCount reports how many local edits have not been accepted yet.
func (s *Store) UnsyncedCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&CachedDocument{}).
		Where("dirty = ?", true).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: unsynced count: %w", err)
	}
	return count, nil
}

// Checkpoint loads the persisted pull cursor for a collection.
func (s *Store) Checkpoint(ctx context.Context, collection document.Collection) (document.Checkpoint, error) {
	var row SyncCheckpoint
	err := s.db.WithContext(ctx).
		Where("collection = ?", collection.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return document.ZeroCheckpoint(), nil
	}
	if err != nil {
		return document.Checkpoint{}, fmt.Errorf("store: checkpoint %s: %w", collection, err)
	}
	return document.Checkpoint{UpdatedAtMilli: row.UpdatedAtMilli, ID: row.DocID}, nil
}

// SaveCheckpoint persists the pull cursor between pages.
func (s *Store) SaveCheckpoint(ctx context.Context, collection document.Collection, checkpoint document.Checkpoint) error {
	row := SyncCheckpoint{
		Collection:     collection.String(),
		UpdatedAtMilli: checkpoint.UpdatedAtMilli,
		DocID:          checkpoint.ID,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("store: save checkpoint %s: %w", collection, err)
	}
	return nil
}

func (s *Store) publishRow(ctx context.Context, collection document.Collection, id string) {
	var stored CachedDocument
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection.String(), id).
		Take(&stored).Error
	if err != nil {
		return
	}
	doc, err := stored.toDocument()
	if err != nil {
		return
	}
	s.dispatcher.publish(doc)
}

func sameState(a, b CachedDocument) bool {
	return a.PayloadJSON == b.PayloadJSON &&
		a.AccessJSON == b.AccessJSON &&
		a.UpdatedAtMilli == b.UpdatedAtMilli &&
		a.IsDeleted == b.IsDeleted
}
