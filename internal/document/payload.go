package document

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload indicates that a document payload could not be decoded for its collection.
var ErrInvalidPayload = errors.New("document: invalid payload")

// WishlistPayload carries the collection-specific fields of a wishlist document.
type WishlistPayload struct {
	OwnerID  string   `json:"owner_id"`
	Title    string   `json:"title"`
	GrantIDs []string `json:"grant_ids,omitempty"`
}

// ItemPayload carries the collection-specific fields of an item document.
// Status is written by the item-resolution worker through the ordinary push path.
type ItemPayload struct {
	WishlistID string `json:"wishlist_id"`
	Title      string `json:"title"`
	URL        string `json:"url,omitempty"`
	Status     string `json:"status,omitempty"`
}

// MarkPayload carries the collection-specific fields of a mark document.
type MarkPayload struct {
	WishlistID string `json:"wishlist_id"`
	ItemID     string `json:"item_id"`
	MarkerID   string `json:"marker_id"`
}

// BookmarkPayload carries the collection-specific fields of a bookmark document.
type BookmarkPayload struct {
	OwnerID    string `json:"owner_id"`
	WishlistID string `json:"wishlist_id"`
}

// UserPayload carries the collection-specific fields of a user document.
type UserPayload struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// DecodeWishlist parses the payload of a wishlist document.
func DecodeWishlist(doc Document) (WishlistPayload, error) {
	var payload WishlistPayload
	if err := decodePayload(doc, CollectionWishlist, &payload); err != nil {
		return WishlistPayload{}, err
	}
	if payload.OwnerID == "" {
		return WishlistPayload{}, fmt.Errorf("%w: wishlist %s missing owner", ErrInvalidPayload, doc.ID)
	}
	return payload, nil
}

// DecodeItem parses the payload of an item document.
func DecodeItem(doc Document) (ItemPayload, error) {
	var payload ItemPayload
	if err := decodePayload(doc, CollectionItem, &payload); err != nil {
		return ItemPayload{}, err
	}
	if payload.WishlistID == "" {
		return ItemPayload{}, fmt.Errorf("%w: item %s missing wishlist id", ErrInvalidPayload, doc.ID)
	}
	return payload, nil
}

// DecodeMark parses the payload of a mark document.
func DecodeMark(doc Document) (MarkPayload, error) {
	var payload MarkPayload
	if err := decodePayload(doc, CollectionMark, &payload); err != nil {
		return MarkPayload{}, err
	}
	if payload.WishlistID == "" || payload.MarkerID == "" {
		return MarkPayload{}, fmt.Errorf("%w: mark %s missing wishlist or marker", ErrInvalidPayload, doc.ID)
	}
	return payload, nil
}

// DecodeBookmark parses the payload of a bookmark document.
func DecodeBookmark(doc Document) (BookmarkPayload, error) {
	var payload BookmarkPayload
	if err := decodePayload(doc, CollectionBookmark, &payload); err != nil {
		return BookmarkPayload{}, err
	}
	if payload.OwnerID == "" {
		return BookmarkPayload{}, fmt.Errorf("%w: bookmark %s missing owner", ErrInvalidPayload, doc.ID)
	}
	return payload, nil
}

// ParentWishlistID extracts the parent wishlist identifier for collections that
// carry one; wishlists and users have no parent and return "".
func ParentWishlistID(doc Document) (string, error) {
	switch doc.Collection {
	case CollectionItem:
		payload, err := DecodeItem(doc)
		if err != nil {
			return "", err
		}
		return payload.WishlistID, nil
	case CollectionMark:
		payload, err := DecodeMark(doc)
		if err != nil {
			return "", err
		}
		return payload.WishlistID, nil
	case CollectionBookmark:
		payload, err := DecodeBookmark(doc)
		if err != nil {
			return "", err
		}
		return payload.WishlistID, nil
	default:
		return "", nil
	}
}

func decodePayload(doc Document, expected Collection, target interface{}) error {
	if doc.Collection != expected {
		return fmt.Errorf("%w: %s is a %s document", ErrInvalidPayload, doc.ID, doc.Collection)
	}
	if len(doc.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidPayload, doc.ID)
	}
	if err := json.Unmarshal(doc.Payload, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, doc.ID, err)
	}
	return nil
}
