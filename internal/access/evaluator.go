// Package access implements the access-control evaluator shared by the pull
// filter and the push authorizer, so the two paths can never diverge in what
// they consider visible or writable.
package access

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/giftcircle/giftcircle/backend/internal/document"
)

var (
	// ErrDenied indicates the principal fails the collection's write-authorization rule.
	ErrDenied = errors.New("access: write denied")
	// ErrMissingParent indicates a child document was evaluated without its parent wishlist.
	ErrMissingParent = errors.New("access: parent wishlist required")
)

// CanSee reports whether the principal may read the document. It is the sole
// predicate behind pull filtering.
func CanSee(principal document.PrincipalID, doc document.Document) bool {
	return doc.AccessContains(principal)
}

// WishlistOwner extracts the owning principal of a wishlist document.
func WishlistOwner(wishlist document.Document) (document.PrincipalID, error) {
	payload, err := document.DecodeWishlist(wishlist)
	if err != nil {
		return "", err
	}
	return document.NewPrincipalID(payload.OwnerID)
}

// CanWrite applies the collection-specific write-authorization rule. stored is
// the server's current copy (nil on create); parent is the stored parent
// wishlist for child collections (nil when the parent does not exist).
func CanWrite(principal document.PrincipalID, incoming document.Document, stored, parent *document.Document) error {
	switch incoming.Collection {
	case document.CollectionWishlist:
		return canWriteWishlist(principal, incoming, stored)
	case document.CollectionItem:
		return canWriteItem(principal, incoming, parent)
	case document.CollectionMark:
		return canWriteMark(principal, incoming, stored, parent)
	case document.CollectionBookmark:
		return canWriteBookmark(principal, incoming, stored)
	case document.CollectionUser:
		return canWriteUser(principal, incoming)
	default:
		return fmt.Errorf("%w: unknown collection %q", document.ErrInvalidCollection, incoming.Collection)
	}
}

// Populate computes the authoritative access set for a document at write time.
// Client-supplied access is never trusted for collections with structural
// privacy rules; in particular a mark's access always excludes the wishlist
// owner regardless of what was pushed.
func Populate(incoming document.Document, stored, parent *document.Document) ([]string, error) {
	switch incoming.Collection {
	case document.CollectionWishlist:
		return populateWishlist(incoming, stored)
	case document.CollectionItem:
		if parent == nil {
			return nil, fmt.Errorf("%w: item %s", ErrMissingParent, incoming.ID)
		}
		return dedupe(parent.Access), nil
	case document.CollectionMark:
		return populateMark(incoming, parent)
	case document.CollectionBookmark:
		payload, err := document.DecodeBookmark(incoming)
		if err != nil {
			return nil, err
		}
		return []string{payload.OwnerID}, nil
	case document.CollectionUser:
		return []string{userPrincipal(incoming)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown collection %q", document.ErrInvalidCollection, incoming.Collection)
	}
}

// ChildAccess recomputes the access set of an existing child document after
// its parent wishlist's access set changed.
func ChildAccess(child document.Document, parent document.Document) ([]string, error) {
	switch child.Collection {
	case document.CollectionItem:
		return dedupe(parent.Access), nil
	case document.CollectionMark:
		return populateMark(child, &parent)
	default:
		return dedupe(child.Access), nil
	}
}

func canWriteWishlist(principal document.PrincipalID, incoming document.Document, stored *document.Document) error {
	authoritative := incoming
	if stored != nil {
		authoritative = *stored
	}
	owner, err := WishlistOwner(authoritative)
	if err != nil {
		return err
	}
	if owner != principal {
		return fmt.Errorf("%w: %s is not the owner of %s", ErrDenied, principal, incoming.ID)
	}
	return nil
}

func canWriteItem(principal document.PrincipalID, incoming document.Document, parent *document.Document) error {
	if parent == nil {
		return fmt.Errorf("%w: item %s", ErrMissingParent, incoming.ID)
	}
	if !parent.AccessContains(principal) {
		return fmt.Errorf("%w: %s lacks access to wishlist of item %s", ErrDenied, principal, incoming.ID)
	}
	return nil
}

func canWriteMark(principal document.PrincipalID, incoming document.Document, stored, parent *document.Document) error {
	payload, err := document.DecodeMark(incoming)
	if err != nil {
		return err
	}
	marker := payload.MarkerID
	if stored != nil {
		storedPayload, err := document.DecodeMark(*stored)
		if err != nil {
			return err
		}
		marker = storedPayload.MarkerID
	}
	if marker != principal.String() {
		return fmt.Errorf("%w: %s is not the marker of %s", ErrDenied, principal, incoming.ID)
	}
	if parent == nil {
		return fmt.Errorf("%w: mark %s", ErrMissingParent, incoming.ID)
	}
	if !parent.AccessContains(principal) {
		return fmt.Errorf("%w: %s lacks access to wishlist of mark %s", ErrDenied, principal, incoming.ID)
	}
	owner, err := WishlistOwner(*parent)
	if err != nil {
		return err
	}
	if owner == principal {
		return fmt.Errorf("%w: owner %s may not mark own wishlist", ErrDenied, principal)
	}
	return nil
}

func canWriteBookmark(principal document.PrincipalID, incoming document.Document, stored *document.Document) error {
	authoritative := incoming
	if stored != nil {
		authoritative = *stored
	}
	payload, err := document.DecodeBookmark(authoritative)
	if err != nil {
		return err
	}
	if payload.OwnerID != principal.String() {
		return fmt.Errorf("%w: %s does not own bookmark %s", ErrDenied, principal, incoming.ID)
	}
	return nil
}

func canWriteUser(principal document.PrincipalID, incoming document.Document) error {
	if userPrincipal(incoming) != principal.String() {
		return fmt.Errorf("%w: %s may not write user document %s", ErrDenied, principal, incoming.ID)
	}
	return nil
}

func populateWishlist(incoming document.Document, stored *document.Document) ([]string, error) {
	payload, err := document.DecodeWishlist(incoming)
	if err != nil {
		return nil, err
	}
	owner := payload.OwnerID
	if stored != nil {
		storedOwner, err := WishlistOwner(*stored)
		if err != nil {
			return nil, err
		}
		owner = storedOwner.String()
	}
	return dedupe(append([]string{owner}, payload.GrantIDs...)), nil
}

func populateMark(mark document.Document, parent *document.Document) ([]string, error) {
	if parent == nil {
		return nil, fmt.Errorf("%w: mark %s", ErrMissingParent, mark.ID)
	}
	payload, err := document.DecodeMark(mark)
	if err != nil {
		return nil, err
	}
	owner, err := WishlistOwner(*parent)
	if err != nil {
		return nil, err
	}
	set := make([]string, 0, len(parent.Access)+1)
	set = append(set, payload.MarkerID)
	for _, principal := range parent.Access {
		if principal == owner.String() {
			continue
		}
		set = append(set, principal)
	}
	return dedupe(set), nil
}

// userPrincipal derives the principal a user document belongs to from its
// type-prefixed id ("user-<principal>").
func userPrincipal(doc document.Document) string {
	return strings.TrimPrefix(doc.ID, string(document.CollectionUser)+"-")
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	sort.Strings(result)
	return result
}
