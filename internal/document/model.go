package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty, unprefixed, or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("document: invalid document id")
	// ErrInvalidPrincipalID indicates that a principal identifier is empty or exceeds storage bounds.
	ErrInvalidPrincipalID = errors.New("document: invalid principal id")
	// ErrInvalidCollection indicates an unknown collection discriminator.
	ErrInvalidCollection = errors.New("document: invalid collection")
	// ErrInvalidTimestamp indicates that a millisecond timestamp value is not positive.
	ErrInvalidTimestamp = errors.New("document: invalid timestamp")
)

// Collection discriminates the document types carried by the sync protocol.
type Collection string

const (
	CollectionWishlist Collection = "wishlist"
	CollectionItem     Collection = "item"
	CollectionMark     Collection = "mark"
	CollectionBookmark Collection = "bookmark"
	CollectionUser     Collection = "user"
)

// SyncedCollections lists the collections replicated by the client, in cycle order.
func SyncedCollections() []Collection {
	return []Collection{CollectionWishlist, CollectionItem, CollectionMark, CollectionBookmark}
}

// ParseCollection validates a raw collection name, accepting both singular and
// plural wire forms ("wishlist" and "wishlists").
func ParseCollection(raw string) (Collection, error) {
	trimmed := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), "s")
	switch Collection(trimmed) {
	case CollectionWishlist, CollectionItem, CollectionMark, CollectionBookmark, CollectionUser:
		return Collection(trimmed), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCollection, raw)
	}
}

// String returns the singular collection name.
func (c Collection) String() string {
	return string(c)
}

// Wire returns the plural form used in URL paths.
func (c Collection) Wire() string {
	return string(c) + "s"
}

// DocumentID represents a validated, type-prefixed document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID. Identifiers are
// type-prefixed ("wishlist-<suffix>") and the prefix must match the collection.
func NewDocumentID(collection Collection, rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	if !strings.HasPrefix(trimmed, string(collection)+"-") {
		return "", fmt.Errorf("%w: %q lacks %q prefix", ErrInvalidDocumentID, trimmed, collection)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// PrincipalID represents a validated principal identifier.
type PrincipalID string

// NewPrincipalID validates raw input and returns a PrincipalID.
func NewPrincipalID(rawInput string) (PrincipalID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPrincipalID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPrincipalID, maxIdentifierLength)
	}
	return PrincipalID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PrincipalID) String() string {
	return string(id)
}

// MillisTimestamp represents a validated unix timestamp in milliseconds.
type MillisTimestamp int64

// NewMillisTimestamp validates the value and returns a MillisTimestamp.
func NewMillisTimestamp(value int64) (MillisTimestamp, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return MillisTimestamp(value), nil
}

// Int64 exposes the raw millisecond value.
func (ts MillisTimestamp) Int64() int64 {
	return int64(ts)
}

// Document is the generic replication envelope shared by client and server.
type Document struct {
	ID             string          `json:"id"`
	Collection     Collection      `json:"type"`
	Access         []string        `json:"access"`
	UpdatedAtMilli int64           `json:"updated_at"`
	Deleted        bool            `json:"deleted"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// AccessContains reports whether the principal appears in the document's access set.
func (d Document) AccessContains(principal PrincipalID) bool {
	for _, entry := range d.Access {
		if entry == principal.String() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	duplicate := d
	duplicate.Access = append([]string(nil), d.Access...)
	duplicate.Payload = append(json.RawMessage(nil), d.Payload...)
	return duplicate
}

// ConflictReason categorizes why a pushed document was rejected.
type ConflictReason string

const (
	// ConflictReasonDenied marks an authorization failure; no server document accompanies it.
	ConflictReasonDenied ConflictReason = "denied"
	// ConflictReasonStale marks a last-write-wins rejection; the authoritative document accompanies it.
	ConflictReasonStale ConflictReason = "stale"
)

// Conflict reports a rejected push for a single document.
type Conflict struct {
	DocumentID     string         `json:"document_id"`
	Reason         ConflictReason `json:"reason"`
	ServerDocument *Document      `json:"server_document,omitempty"`
}
