package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/giftcircle/giftcircle/backend/internal/document"
)

// OperationType enumerates the write operations recorded in the audit trail.
type OperationType string

const (
	// OperationTypeUpsert represents an insert or update accepted from a push.
	OperationTypeUpsert OperationType = "upsert"
	// OperationTypeDelete represents an accepted tombstone write.
	OperationTypeDelete OperationType = "delete"
	// OperationTypeCascade represents a server-side access recomputation on a child document.
	OperationTypeCascade OperationType = "access_cascade"
)

// StoredDocument is the authoritative server copy of a replicated document.
type StoredDocument struct {
	Collection     string `gorm:"column:collection;primaryKey;size:32;not null;index:idx_documents_order,priority:1"`
	DocID          string `gorm:"column:doc_id;primaryKey;size:190;not null;index:idx_documents_order,priority:3"`
	OwnerID        string `gorm:"column:owner_id;size:190;not null;default:''"`
	ParentID       string `gorm:"column:parent_id;size:190;not null;default:'';index"`
	AccessJSON     string `gorm:"column:access_json;type:text;not null"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtMilli int64  `gorm:"column:updated_at_ms;not null;index:idx_documents_order,priority:2"`
	IsDeleted      bool   `gorm:"column:is_deleted;not null;default:false"`
	Version        int64  `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (StoredDocument) TableName() string {
	return "documents"
}

// DocumentAccess is one principal's read grant on a document, maintained as a
// join table so pull filtering happens in SQL under keyset pagination.
type DocumentAccess struct {
	Collection  string `gorm:"column:collection;primaryKey;size:32;not null;index:idx_access_principal,priority:2"`
	DocID       string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	PrincipalID string `gorm:"column:principal_id;primaryKey;size:190;not null;index:idx_access_principal,priority:1"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentAccess) TableName() string {
	return "document_access"
}

// DocumentChange captures an append-only audit trail for accepted writes.
type DocumentChange struct {
	ChangeID          string        `gorm:"column:change_id;primaryKey;size:190;not null"`
	Collection        string        `gorm:"column:collection;size:32;not null"`
	DocID             string        `gorm:"column:doc_id;not null;index:idx_changes_doc,priority:1"`
	PrincipalID       string        `gorm:"column:principal_id;size:190;not null"`
	AppliedAtMilli    int64         `gorm:"column:applied_at_ms;not null;index:idx_changes_doc,priority:2"`
	ClientUpdatedAtMs int64         `gorm:"column:client_updated_at_ms;not null"`
	Operation         OperationType `gorm:"column:op;not null"`
	PayloadJSON       string        `gorm:"column:payload_json;type:text;not null"`
	PreviousVersion   *int64        `gorm:"column:prev_version"`
	NewVersion        *int64        `gorm:"column:new_version"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentChange) TableName() string {
	return "document_changes"
}

func (s StoredDocument) toDocument() (document.Document, error) {
	var accessSet []string
	if s.AccessJSON != "" {
		if err := json.Unmarshal([]byte(s.AccessJSON), &accessSet); err != nil {
			return document.Document{}, fmt.Errorf("gateway: access set of %s corrupt: %w", s.DocID, err)
		}
	}
	return document.Document{
		ID:             s.DocID,
		Collection:     document.Collection(s.Collection),
		Access:         accessSet,
		UpdatedAtMilli: s.UpdatedAtMilli,
		Deleted:        s.IsDeleted,
		Payload:        json.RawMessage(s.PayloadJSON),
	}, nil
}

func encodeAccess(accessSet []string) (string, error) {
	encoded, err := json.Marshal(accessSet)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
