package server

import (
	"context"
	"testing"
	"time"

	"github.com/giftcircle/giftcircle/backend/internal/document"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "principal-1")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		PrincipalID: "principal-1",
		EventType:   RealtimeEventDocumentChanged,
		Collection:  "wishlists",
		DocumentIDs: []string{"wishlist-a", "wishlist-b"},
		Timestamp:   time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventDocumentChanged {
			t.Fatalf("expected event type %s, got %s", RealtimeEventDocumentChanged, received.EventType)
		}
		if len(received.DocumentIDs) != 2 {
			t.Fatalf("expected 2 document ids, got %d", len(received.DocumentIDs))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByPrincipal(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	firstStream, cleanup := dispatcher.Subscribe(ctx, "principal-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "principal-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		PrincipalID: "principal-3",
		EventType:   RealtimeEventDocumentChanged,
		Collection:  "marks",
		DocumentIDs: []string{"mark-c"},
		Timestamp:   time.Now().UTC(),
	})

	select {
	case <-firstStream:
		t.Fatal("did not expect realtime message for unrelated principal")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.PrincipalID != "principal-3" {
			t.Fatalf("expected principal-3, received %s", msg.PrincipalID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed principal")
	}
}

func TestCollectChangedDocumentIDsGroupsByAccess(t *testing.T) {
	accepted := []document.Document{
		{ID: "wishlist-1", Access: []string{"principal-a", "principal-b"}},
		{ID: "item-2", Access: []string{"principal-b"}},
		{ID: "", Access: []string{"principal-c"}},
	}

	byPrincipal := collectChangedDocumentIDs(accepted)
	if len(byPrincipal) != 2 {
		t.Fatalf("expected 2 principals, got %d: %v", len(byPrincipal), byPrincipal)
	}
	if got := byPrincipal["principal-a"]; len(got) != 1 || got[0] != "wishlist-1" {
		t.Fatalf("unexpected ids for principal-a: %v", got)
	}
	got := byPrincipal["principal-b"]
	if len(got) != 2 || got[0] != "item-2" || got[1] != "wishlist-1" {
		t.Fatalf("expected sorted ids for principal-b, got %v", got)
	}
}

func TestCollectChangedDocumentIDsEmpty(t *testing.T) {
	if byPrincipal := collectChangedDocumentIDs(nil); byPrincipal != nil {
		t.Fatalf("expected nil grouping, got %v", byPrincipal)
	}
}
