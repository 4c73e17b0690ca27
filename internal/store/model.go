package store

import (
	"encoding/json"
	"fmt"

	"github.com/giftcircle/giftcircle/backend/internal/document"
)

// CachedDocument is the client-side durable copy of a replicated document.
// Dirty rows are local edits not yet accepted by the gateway; the table is
// keyed by id so the push batch is always the latest local state per document,
// regardless of how many intermediate edits happened.
type CachedDocument struct {
	Collection     string `gorm:"column:collection;primaryKey;size:32;not null"`
	DocID          string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	AccessJSON     string `gorm:"column:access_json;type:text;not null;default:''"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null;default:''"`
	UpdatedAtMilli int64  `gorm:"column:updated_at_ms;not null"`
	IsDeleted      bool   `gorm:"column:is_deleted;not null;default:false"`
	Dirty          bool   `gorm:"column:dirty;not null;default:false;index:idx_cache_dirty"`
	LocalRevision  int64  `gorm:"column:local_revision;not null;default:0"`
	DeniedCount    int64  `gorm:"column:denied_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (CachedDocument) TableName() string {
	return "cached_documents"
}

// SyncCheckpoint persists per-collection pull progress between pages so an
// interrupted cycle can resume.
type SyncCheckpoint struct {
	Collection     string `gorm:"column:collection;primaryKey;size:32;not null"`
	UpdatedAtMilli int64  `gorm:"column:updated_at_ms;not null"`
	DocID          string `gorm:"column:doc_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (SyncCheckpoint) TableName() string {
	return "sync_checkpoints"
}

func (c CachedDocument) toDocument() (document.Document, error) {
	var accessSet []string
	if c.AccessJSON != "" {
		if err := json.Unmarshal([]byte(c.AccessJSON), &accessSet); err != nil {
			return document.Document{}, fmt.Errorf("store: access set of %s corrupt: %w", c.DocID, err)
		}
	}
	if c.PayloadJSON != "" && !json.Valid([]byte(c.PayloadJSON)) {
		return document.Document{}, fmt.Errorf("store: payload of %s corrupt", c.DocID)
	}
	return document.Document{
		ID:             c.DocID,
		Collection:     document.Collection(c.Collection),
		Access:         accessSet,
		UpdatedAtMilli: c.UpdatedAtMilli,
		Deleted:        c.IsDeleted,
		Payload:        json.RawMessage(c.PayloadJSON),
	}, nil
}

func rowFromDocument(doc document.Document) (CachedDocument, error) {
	accessJSON, err := json.Marshal(doc.Access)
	if err != nil {
		return CachedDocument{}, err
	}
	return CachedDocument{
		Collection:     doc.Collection.String(),
		DocID:          doc.ID,
		AccessJSON:     string(accessJSON),
		PayloadJSON:    string(doc.Payload),
		UpdatedAtMilli: doc.UpdatedAtMilli,
		IsDeleted:      doc.Deleted,
	}, nil
}
