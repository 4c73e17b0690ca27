package document

import (
	"fmt"

	"github.com/google/uuid"
)

// IDProvider issues new identifiers for documents and audit records.
type IDProvider interface {
	NewID(collection Collection) (DocumentID, error)
	NewChangeID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues type-prefixed UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID(collection Collection) (DocumentID, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return NewDocumentID(collection, fmt.Sprintf("%s-%s", collection, value.String()))
}

func (p *uuidProvider) NewChangeID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
