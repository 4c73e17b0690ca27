package document

import (
	"errors"
	"testing"
)

func TestDecodeWishlistRequiresOwner(t *testing.T) {
	doc := Document{ID: "wishlist-1", Collection: CollectionWishlist, Payload: []byte(`{"title":"Birthday"}`)}
	if _, err := DecodeWishlist(doc); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	doc.Payload = []byte(`{"owner_id":"principal-a","title":"Birthday","grant_ids":["principal-b"]}`)
	payload, err := DecodeWishlist(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.OwnerID != "principal-a" || len(payload.GrantIDs) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestDecodeRejectsWrongCollection(t *testing.T) {
	doc := Document{ID: "item-1", Collection: CollectionItem, Payload: []byte(`{"wishlist_id":"wishlist-1"}`)}
	if _, err := DecodeWishlist(doc); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected collection mismatch rejection, got %v", err)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	doc := Document{ID: "mark-1", Collection: CollectionMark, Payload: []byte(`{"wishlist_id":`)}
	if _, err := DecodeMark(doc); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected malformed payload rejection, got %v", err)
	}
}

func TestParentWishlistID(t *testing.T) {
	tests := []struct {
		name     string
		doc      Document
		expected string
	}{
		{
			name: "item",
			doc: Document{
				ID: "item-1", Collection: CollectionItem,
				Payload: []byte(`{"wishlist_id":"wishlist-7","title":"Socks"}`),
			},
			expected: "wishlist-7",
		},
		{
			name: "mark",
			doc: Document{
				ID: "mark-1", Collection: CollectionMark,
				Payload: []byte(`{"wishlist_id":"wishlist-7","item_id":"item-1","marker_id":"principal-b"}`),
			},
			expected: "wishlist-7",
		},
		{
			name: "bookmark",
			doc: Document{
				ID: "bookmark-1", Collection: CollectionBookmark,
				Payload: []byte(`{"owner_id":"principal-b","wishlist_id":"wishlist-7"}`),
			},
			expected: "wishlist-7",
		},
		{
			name:     "wishlist-has-none",
			doc:      Document{ID: "wishlist-7", Collection: CollectionWishlist},
			expected: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent, err := ParentWishlistID(tt.doc)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if parent != tt.expected {
				t.Fatalf("ParentWishlistID = %q, expected %q", parent, tt.expected)
			}
		})
	}
}
