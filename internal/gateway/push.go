package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/giftcircle/giftcircle/backend/internal/access"
	"github.com/giftcircle/giftcircle/backend/internal/document"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PushResult reports the outcome of a push batch. Accepted documents are not
// echoed to the client; they are carried here so the caller can fan out
// remote-change notifications.
type PushResult struct {
	Conflicts []document.Conflict
	Accepted  []document.Document
}

// Push authorizes and applies a batch of documents for one principal. Each
// document is resolved independently under a per-row lock: authorization
// failures yield a "denied" conflict without a server document, last-write-wins
// rejections (incoming updated_at less than or equal to the stored value) yield
// a "stale" conflict carrying the authoritative copy. Equal timestamps always
// resolve in favor of the server.
func (s *Service) Push(ctx context.Context, principal document.PrincipalID, collection document.Collection, batch []document.Document) (PushResult, error) {
	result := PushResult{Conflicts: make([]document.Conflict, 0, len(batch))}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, incoming := range batch {
			conflict, accepted, err := s.applyOne(tx, principal, collection, incoming)
			if err != nil {
				return err
			}
			if conflict != nil {
				result.Conflicts = append(result.Conflicts, *conflict)
				continue
			}
			result.Accepted = append(result.Accepted, accepted)
		}
		return nil
	})
	if txErr != nil {
		return PushResult{}, txErr
	}

	return result, nil
}

func (s *Service) applyOne(tx *gorm.DB, principal document.PrincipalID, collection document.Collection, incoming document.Document) (*document.Conflict, document.Document, error) {
	if err := validateIncoming(collection, incoming); err != nil {
		s.logger.Warn("push document rejected",
			zap.String("principal_id", principal.String()),
			zap.String("doc_id", incoming.ID),
			zap.Error(err))
		return deniedConflict(incoming.ID), document.Document{}, nil
	}

	stored, err := s.lockStored(tx, collection, incoming.ID)
	if err != nil {
		return nil, document.Document{}, newServiceError(opPush, "document_select_failed", err)
	}

	var storedDoc *document.Document
	if stored != nil {
		decoded, err := stored.toDocument()
		if err != nil {
			return nil, document.Document{}, newServiceError(opPush, "document_decode_failed", err)
		}
		storedDoc = &decoded
	}

	parentDoc, err := s.lockParent(tx, stored, incoming)
	if err != nil {
		return nil, document.Document{}, newServiceError(opPush, "parent_select_failed", err)
	}

	if err := access.CanWrite(principal, incoming, storedDoc, parentDoc); err != nil {
		s.logger.Info("push authorization denied",
			zap.String("principal_id", principal.String()),
			zap.String("doc_id", incoming.ID),
			zap.Error(err))
		return deniedConflict(incoming.ID), document.Document{}, nil
	}

	// Last-write-wins compare-and-set under the row lock taken above. The
	// equal case rejects: ties resolve to the server.
	if stored != nil && incoming.UpdatedAtMilli <= stored.UpdatedAtMilli {
		authoritative := storedDoc.Clone()
		return &document.Conflict{
			DocumentID:     incoming.ID,
			Reason:         document.ConflictReasonStale,
			ServerDocument: &authoritative,
		}, document.Document{}, nil
	}

	accessSet, err := access.Populate(incoming, storedDoc, parentDoc)
	if err != nil {
		s.logger.Info("push access population failed",
			zap.String("principal_id", principal.String()),
			zap.String("doc_id", incoming.ID),
			zap.Error(err))
		return deniedConflict(incoming.ID), document.Document{}, nil
	}

	row, err := s.buildRow(stored, incoming, accessSet)
	if err != nil {
		return nil, document.Document{}, newServiceError(opPush, "document_encode_failed", err)
	}
	if err := tx.Save(&row).Error; err != nil {
		s.logError(opPush, "document_save_failed", err, zap.String("doc_id", incoming.ID))
		return nil, document.Document{}, newServiceError(opPush, "document_save_failed", err)
	}
	if err := s.replaceAccessRows(tx, row, accessSet); err != nil {
		s.logError(opPush, "access_save_failed", err, zap.String("doc_id", incoming.ID))
		return nil, document.Document{}, newServiceError(opPush, "access_save_failed", err)
	}

	previousVersion := int64(0)
	if stored != nil {
		previousVersion = stored.Version
	}
	if err := s.recordChange(tx, principal, row, incoming, previousVersion); err != nil {
		return nil, document.Document{}, newServiceError(opPush, "audit_insert_failed", err)
	}

	accepted, err := row.toDocument()
	if err != nil {
		return nil, document.Document{}, newServiceError(opPush, "document_decode_failed", err)
	}

	if collection == document.CollectionWishlist && stored != nil && !sameAccess(storedDoc.Access, accessSet) {
		if err := s.cascadeChildAccess(tx, accepted); err != nil {
			return nil, document.Document{}, err
		}
	}

	return nil, accepted, nil
}

func validateIncoming(collection document.Collection, incoming document.Document) error {
	if incoming.Collection != collection {
		return fmt.Errorf("gateway: document %s pushed to %s collection", incoming.ID, collection)
	}
	if _, err := document.NewDocumentID(collection, incoming.ID); err != nil {
		return err
	}
	if _, err := document.NewMillisTimestamp(incoming.UpdatedAtMilli); err != nil {
		return err
	}
	return nil
}

func (s *Service) lockStored(tx *gorm.DB, collection document.Collection, docID string) (*StoredDocument, error) {
	var stored StoredDocument
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("collection = ? AND doc_id = ?", collection.String(), docID).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// lockParent resolves the stored parent wishlist for child collections. The
// stored parent_id is authoritative once the child exists; a payload cannot
// re-home a document under a different wishlist.
func (s *Service) lockParent(tx *gorm.DB, stored *StoredDocument, incoming document.Document) (*document.Document, error) {
	switch incoming.Collection {
	case document.CollectionItem, document.CollectionMark, document.CollectionBookmark:
	default:
		return nil, nil
	}

	parentID := ""
	if stored != nil {
		parentID = stored.ParentID
	}
	if parentID == "" {
		fromPayload, err := document.ParentWishlistID(incoming)
		if err != nil {
			return nil, nil // malformed payload fails authorization downstream
		}
		parentID = fromPayload
	}
	if parentID == "" {
		return nil, nil
	}

	parent, err := s.lockStored(tx, document.CollectionWishlist, parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, nil
	}
	parentDoc, err := parent.toDocument()
	if err != nil {
		return nil, err
	}
	return &parentDoc, nil
}

func (s *Service) buildRow(stored *StoredDocument, incoming document.Document, accessSet []string) (StoredDocument, error) {
	accessJSON, err := encodeAccess(accessSet)
	if err != nil {
		return StoredDocument{}, err
	}

	parentID, err := document.ParentWishlistID(incoming)
	if err != nil {
		parentID = ""
	}
	ownerID := rowOwner(incoming, accessSet)

	version := int64(1)
	if stored != nil {
		version = stored.Version + 1
		parentID = stored.ParentID
		if stored.OwnerID != "" {
			ownerID = stored.OwnerID
		}
	}

	return StoredDocument{
		Collection:     incoming.Collection.String(),
		DocID:          incoming.ID,
		OwnerID:        ownerID,
		ParentID:       parentID,
		AccessJSON:     accessJSON,
		PayloadJSON:    string(incoming.Payload),
		UpdatedAtMilli: incoming.UpdatedAtMilli,
		IsDeleted:      incoming.Deleted,
		Version:        version,
	}, nil
}

// rowOwner records the principal anchoring the collection's write rule.
func rowOwner(incoming document.Document, accessSet []string) string {
	switch incoming.Collection {
	case document.CollectionWishlist:
		if payload, err := document.DecodeWishlist(incoming); err == nil {
			return payload.OwnerID
		}
	case document.CollectionMark:
		if payload, err := document.DecodeMark(incoming); err == nil {
			return payload.MarkerID
		}
	case document.CollectionBookmark:
		if payload, err := document.DecodeBookmark(incoming); err == nil {
			return payload.OwnerID
		}
	case document.CollectionUser:
		if len(accessSet) == 1 {
			return accessSet[0]
		}
	}
	return ""
}

func (s *Service) replaceAccessRows(tx *gorm.DB, row StoredDocument, accessSet []string) error {
	if err := tx.Where("collection = ? AND doc_id = ?", row.Collection, row.DocID).
		Delete(&DocumentAccess{}).Error; err != nil {
		return err
	}
	for _, principal := range accessSet {
		grant := DocumentAccess{Collection: row.Collection, DocID: row.DocID, PrincipalID: principal}
		if err := tx.Create(&grant).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) recordChange(tx *gorm.DB, principal document.PrincipalID, row StoredDocument, incoming document.Document, previousVersion int64) error {
	changeID, err := s.idProvider.NewChangeID()
	if err != nil {
		return err
	}
	operation := OperationTypeUpsert
	if incoming.Deleted {
		operation = OperationTypeDelete
	}
	change := DocumentChange{
		ChangeID:          changeID,
		Collection:        row.Collection,
		DocID:             row.DocID,
		PrincipalID:       principal.String(),
		AppliedAtMilli:    s.nowMilli(),
		ClientUpdatedAtMs: incoming.UpdatedAtMilli,
		Operation:         operation,
		PayloadJSON:       row.PayloadJSON,
		NewVersion:        pointerTo(row.Version),
	}
	if previousVersion > 0 {
		change.PreviousVersion = pointerTo(previousVersion)
	}
	return tx.Create(&change).Error
}

// cascadeChildAccess rewrites the access sets of a wishlist's items and marks
// after the wishlist's own access set changed. Children get a strictly larger
// updated_at so newly granted principals pull them and pagination order holds.
func (s *Service) cascadeChildAccess(tx *gorm.DB, wishlist document.Document) error {
	var children []StoredDocument
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("parent_id = ? AND collection IN ?", wishlist.ID,
			[]string{document.CollectionItem.String(), document.CollectionMark.String()}).
		Find(&children).Error
	if err != nil {
		return newServiceError(opPush, "cascade_select_failed", err)
	}

	now := s.nowMilli()
	for _, child := range children {
		childDoc, err := child.toDocument()
		if err != nil {
			return newServiceError(opPush, "cascade_decode_failed", err)
		}
		recomputed, err := access.ChildAccess(childDoc, wishlist)
		if err != nil {
			s.logError(opPush, "cascade_access_failed", err, zap.String("doc_id", child.DocID))
			continue
		}
		if sameAccess(childDoc.Access, recomputed) {
			continue
		}
		accessJSON, err := encodeAccess(recomputed)
		if err != nil {
			return newServiceError(opPush, "cascade_encode_failed", err)
		}
		child.AccessJSON = accessJSON
		if child.UpdatedAtMilli >= now {
			child.UpdatedAtMilli = child.UpdatedAtMilli + 1
		} else {
			child.UpdatedAtMilli = now
		}
		child.Version = child.Version + 1
		if err := tx.Save(&child).Error; err != nil {
			return newServiceError(opPush, "cascade_save_failed", err)
		}
		if err := s.replaceAccessRows(tx, child, recomputed); err != nil {
			return newServiceError(opPush, "cascade_access_save_failed", err)
		}
		changeID, err := s.idProvider.NewChangeID()
		if err != nil {
			return newServiceError(opPush, "id_generation_failed", err)
		}
		audit := DocumentChange{
			ChangeID:          changeID,
			Collection:        child.Collection,
			DocID:             child.DocID,
			PrincipalID:       "",
			AppliedAtMilli:    now,
			ClientUpdatedAtMs: child.UpdatedAtMilli,
			Operation:         OperationTypeCascade,
			PayloadJSON:       child.PayloadJSON,
			NewVersion:        pointerTo(child.Version),
			PreviousVersion:   pointerTo(child.Version - 1),
		}
		if err := tx.Create(&audit).Error; err != nil {
			return newServiceError(opPush, "audit_insert_failed", err)
		}
	}
	return nil
}

func deniedConflict(docID string) *document.Conflict {
	return &document.Conflict{DocumentID: docID, Reason: document.ConflictReasonDenied}
}

func sameAccess(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}
