package gateway

import (
	"context"

	"github.com/giftcircle/giftcircle/backend/internal/document"
	"go.uber.org/zap"
)

const (
	defaultPullLimit = 100
	maxPullLimit     = 1000
)

// PullResult is one access-filtered page of a collection in (updated_at, id)
// order. A nil checkpoint signals that the set is exhausted.
type PullResult struct {
	Documents  []document.Document
	Checkpoint *document.Checkpoint
}

// Pull returns the page of documents visible to the principal strictly after
// the checkpoint. Tombstoned documents are returned so deletion propagates; a
// document whose access was revoked simply stops appearing.
func (s *Service) Pull(ctx context.Context, principal document.PrincipalID, collection document.Collection, checkpoint document.Checkpoint, limit int) (PullResult, error) {
	if limit <= 0 {
		limit = defaultPullLimit
	}
	if limit > maxPullLimit {
		limit = maxPullLimit
	}

	var rows []StoredDocument
	query := s.db.WithContext(ctx).
		Model(&StoredDocument{}).
		Select("documents.*").
		Joins("JOIN document_access ON document_access.collection = documents.collection AND document_access.doc_id = documents.doc_id").
		Where("documents.collection = ?", collection.String()).
		Where("document_access.principal_id = ?", principal.String()).
		Where("(documents.updated_at_ms > ?) OR (documents.updated_at_ms = ? AND documents.doc_id > ?)",
			checkpoint.UpdatedAtMilli, checkpoint.UpdatedAtMilli, checkpoint.ID).
		Order("documents.updated_at_ms ASC, documents.doc_id ASC").
		Limit(limit + 1)

	if err := query.Find(&rows).Error; err != nil {
		s.logError(opPull, "query_failed", err,
			zap.String("principal_id", principal.String()),
			zap.String("collection", collection.String()))
		return PullResult{}, newServiceError(opPull, "query_failed", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	result := PullResult{Documents: make([]document.Document, 0, len(rows))}
	for _, row := range rows {
		doc, err := row.toDocument()
		if err != nil {
			s.logError(opPull, "decode_failed", err,
				zap.String("doc_id", row.DocID),
				zap.String("collection", collection.String()))
			return PullResult{}, newServiceError(opPull, "decode_failed", err)
		}
		result.Documents = append(result.Documents, doc)
	}

	if hasMore && len(result.Documents) > 0 {
		next := document.CheckpointFor(result.Documents[len(result.Documents)-1])
		result.Checkpoint = &next
	}

	return result, nil
}
