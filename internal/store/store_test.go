package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/giftcircle/giftcircle/backend/internal/document"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:store_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&CachedDocument{}, &SyncCheckpoint{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	cache, err := New(Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return cache, db
}

func cachedWishlist(id string, updatedAt int64, title string) document.Document {
	return document.Document{
		ID:             id,
		Collection:     document.CollectionWishlist,
		Access:         []string{"principal-a"},
		UpdatedAtMilli: updatedAt,
		Payload:        []byte(`{"owner_id":"principal-a","title":"` + title + `"}`),
	}
}

func TestUpsertMarksDirtyAndAssignsRevisions(t *testing.T) {
	cache, db := newTestStore(t)
	ctx := context.Background()

	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 1000, "first")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 2000, "second")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	var row CachedDocument
	if err := db.Where("doc_id = ?", "wishlist-1").Take(&row).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !row.Dirty {
		t.Fatalf("expected dirty row")
	}
	if row.LocalRevision != 2 {
		t.Fatalf("expected revision 2, got %d", row.LocalRevision)
	}
}

func TestUpsertIdenticalStateIsIdempotent(t *testing.T) {
	cache, db := newTestStore(t)
	ctx := context.Background()
	doc := cachedWishlist("wishlist-1", 1000, "same")

	for i := 0; i < 3; i++ {
		if err := cache.Upsert(ctx, doc); err != nil {
			t.Fatalf("upsert %d failed: %v", i, err)
		}
	}

	var row CachedDocument
	if err := db.Where("doc_id = ?", "wishlist-1").Take(&row).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if row.LocalRevision != 1 {
		t.Fatalf("repeated identical upserts must not bump the revision, got %d", row.LocalRevision)
	}
}

func TestDirtyReturnsLatestStatePerID(t *testing.T) {
	cache, _ := newTestStore(t)
	ctx := context.Background()

	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 1000, "draft")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 2000, "final")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := cache.Upsert(ctx, cachedWishlist("wishlist-2", 1500, "other")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	dirty, err := cache.Dirty(ctx, document.CollectionWishlist)
	if err != nil {
		t.Fatalf("dirty failed: %v", err)
	}
	if len(dirty) != 2 {
		t.Fatalf("expected one dirty entry per id, got %d", len(dirty))
	}
	for _, entry := range dirty {
		if entry.Document.ID == "wishlist-1" {
			if entry.Document.UpdatedAtMilli != 2000 {
				t.Fatalf("expected latest local state to win, got %d", entry.Document.UpdatedAtMilli)
			}
			if entry.Revision != 2 {
				t.Fatalf("expected revision 2 for the re-edited row, got %d", entry.Revision)
			}
		}
	}
}

func TestApplyRemotePreservesUnacknowledgedLocalEdit(t *testing.T) {
	cache, db := newTestStore(t)
	ctx := context.Background()

	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 2000, "local")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := cache.ApplyRemote(ctx, cachedWishlist("wishlist-1", 1000, "server")); err != nil {
		t.Fatalf("apply remote failed: %v", err)
	}

	var row CachedDocument
	if err := db.Where("doc_id = ?", "wishlist-1").Take(&row).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !row.Dirty {
		t.Fatalf("pull must not clear a pending local edit: %+v", row)
	}
	if row.UpdatedAtMilli != 2000 {
		t.Fatalf("pull overwrote a pending local edit: %+v", row)
	}
}

func TestAdoptServerClearsDirtyAndDeniedCount(t *testing.T) {
	cache, db := newTestStore(t)
	ctx := context.Background()

	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 1000, "local")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := cache.MarkDenied(ctx, document.CollectionWishlist, DirtyRef{ID: "wishlist-1", Revision: 1}); err != nil {
		t.Fatalf("mark denied failed: %v", err)
	}
	if err := cache.AdoptServer(ctx, cachedWishlist("wishlist-1", 3000, "server"), 1); err != nil {
		t.Fatalf("adopt server failed: %v", err)
	}

	var row CachedDocument
	if err := db.Where("doc_id = ?", "wishlist-1").Take(&row).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if row.Dirty || row.DeniedCount != 0 {
		t.Fatalf("adopt server must clear dirty state: %+v", row)
	}
	if row.UpdatedAtMilli != 3000 {
		t.Fatalf("expected server state adopted, got %d", row.UpdatedAtMilli)
	}
}

func TestAdoptServerKeepsEditNewerThanOffer(t *testing.T) {
	cache, db := newTestStore(t)
	ctx := context.Background()

	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 1000, "offered")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	// A second edit lands while the first one's push is on the wire.
	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 2000, "newer")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := cache.AdoptServer(ctx, cachedWishlist("wishlist-1", 3000, "server"), 1); err != nil {
		t.Fatalf("adopt server failed: %v", err)
	}

	var row CachedDocument
	if err := db.Where("doc_id = ?", "wishlist-1").Take(&row).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !row.Dirty || row.UpdatedAtMilli != 2000 {
		t.Fatalf("conflict resolution overwrote an edit newer than the offer: %+v", row)
	}
}

func TestClearDirtyIsRevisionConditional(t *testing.T) {
	cache, db := newTestStore(t)
	ctx := context.Background()

	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 1000, "offered")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 2000, "newer")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// Acknowledgement of the first revision must not clean the second edit.
	if err := cache.ClearDirty(ctx, document.CollectionWishlist, []DirtyRef{{ID: "wishlist-1", Revision: 1}}); err != nil {
		t.Fatalf("clear dirty failed: %v", err)
	}
	var row CachedDocument
	if err := db.Where("doc_id = ?", "wishlist-1").Take(&row).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !row.Dirty {
		t.Fatalf("stale acknowledgement cleaned a newer edit: %+v", row)
	}

	if err := cache.ClearDirty(ctx, document.CollectionWishlist, []DirtyRef{{ID: "wishlist-1", Revision: 2}}); err != nil {
		t.Fatalf("clear dirty failed: %v", err)
	}
	if err := db.Where("doc_id = ?", "wishlist-1").Take(&row).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if row.Dirty {
		t.Fatalf("matching acknowledgement must clean the row: %+v", row)
	}
}

func TestMarkDeniedSkipsRowEditedSinceOffer(t *testing.T) {
	cache, db := newTestStore(t)
	ctx := context.Background()

	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 1000, "offered")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 2000, "newer")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	count, err := cache.MarkDenied(ctx, document.CollectionWishlist, DirtyRef{ID: "wishlist-1", Revision: 1})
	if err != nil {
		t.Fatalf("mark denied failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("denial of a superseded offer must not count, got %d", count)
	}
	var row CachedDocument
	if err := db.Where("doc_id = ?", "wishlist-1").Take(&row).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if row.DeniedCount != 0 {
		t.Fatalf("denial budget charged to the wrong edit: %+v", row)
	}
}

func TestGetExcludesTombstones(t *testing.T) {
	cache, _ := newTestStore(t)
	ctx := context.Background()

	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 1000, "alive")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if doc, err := cache.Get(ctx, document.CollectionWishlist, "wishlist-1"); err != nil || doc == nil {
		t.Fatalf("expected document, got doc=%v err=%v", doc, err)
	}

	if err := cache.Tombstone(ctx, document.CollectionWishlist, "wishlist-1", 2000); err != nil {
		t.Fatalf("tombstone failed: %v", err)
	}
	if doc, err := cache.Get(ctx, document.CollectionWishlist, "wishlist-1"); err != nil || doc != nil {
		t.Fatalf("expected tombstone excluded, got doc=%v err=%v", doc, err)
	}
}

func TestTombstoneIsDirtyButReconciliationTombstoneIsNot(t *testing.T) {
	cache, db := newTestStore(t)
	ctx := context.Background()

	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 1000, "a")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := cache.ApplyRemote(ctx, cachedWishlist("wishlist-2", 1000, "b")); err != nil {
		t.Fatalf("apply remote failed: %v", err)
	}

	if err := cache.Tombstone(ctx, document.CollectionWishlist, "wishlist-1", 2000); err != nil {
		t.Fatalf("tombstone failed: %v", err)
	}
	if err := cache.TombstoneLocal(ctx, document.CollectionWishlist, "wishlist-2"); err != nil {
		t.Fatalf("reconcile tombstone failed: %v", err)
	}

	var localDelete, reconciled CachedDocument
	if err := db.Where("doc_id = ?", "wishlist-1").Take(&localDelete).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := db.Where("doc_id = ?", "wishlist-2").Take(&reconciled).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !localDelete.Dirty || !localDelete.IsDeleted {
		t.Fatalf("local tombstone must be dirty: %+v", localDelete)
	}
	if reconciled.Dirty || !reconciled.IsDeleted {
		t.Fatalf("reconciliation tombstone must not be dirty: %+v", reconciled)
	}
}

func TestQuerySkipsAndCompactsCorruptRecords(t *testing.T) {
	cache, db := newTestStore(t)
	ctx := context.Background()

	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 1000, "good")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	corrupt := CachedDocument{
		Collection:     document.CollectionWishlist.String(),
		DocID:          "wishlist-bad",
		PayloadJSON:    `{"owner_id":`,
		UpdatedAtMilli: 1500,
	}
	if err := db.Create(&corrupt).Error; err != nil {
		t.Fatalf("seed corrupt row failed: %v", err)
	}

	docs, err := cache.Query(ctx, document.CollectionWishlist, nil)
	if err != nil {
		t.Fatalf("query must degrade, not fail: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "wishlist-1" {
		t.Fatalf("expected partial result without corrupt row, got %+v", docs)
	}

	var remaining int64
	if err := db.Model(&CachedDocument{}).Where("doc_id = ?", "wishlist-bad").Count(&remaining).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected corrupt row compacted away")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	cache, _ := newTestStore(t)
	ctx := context.Background()

	checkpoint, err := cache.Checkpoint(ctx, document.CollectionItem)
	if err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	if !checkpoint.IsZero() {
		t.Fatalf("expected zero checkpoint, got %+v", checkpoint)
	}

	saved := document.Checkpoint{UpdatedAtMilli: 4200, ID: "item-9"}
	if err := cache.SaveCheckpoint(ctx, document.CollectionItem, saved); err != nil {
		t.Fatalf("save checkpoint failed: %v", err)
	}
	loaded, err := cache.Checkpoint(ctx, document.CollectionItem)
	if err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	if loaded != saved {
		t.Fatalf("checkpoint round trip mismatch: %+v", loaded)
	}
}

func TestSubscribeDeliversSnapshotThenLiveChanges(t *testing.T) {
	cache, _ := newTestStore(t)
	ctx := context.Background()

	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 1000, "existing")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	snapshot, subscription, err := cache.Subscribe(ctx, document.CollectionWishlist, nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer subscription.Cancel()
	if len(snapshot) != 1 || snapshot[0].ID != "wishlist-1" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	if err := cache.Upsert(ctx, cachedWishlist("wishlist-2", 2000, "live")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	select {
	case doc := <-subscription.C:
		if doc.ID != "wishlist-2" {
			t.Fatalf("unexpected live document: %+v", doc)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected live delivery")
	}
}

func TestSubscribePredicateFiltersDeliveries(t *testing.T) {
	cache, _ := newTestStore(t)
	ctx := context.Background()

	only2 := func(doc document.Document) bool { return doc.ID == "wishlist-2" }
	_, subscription, err := cache.Subscribe(ctx, document.CollectionWishlist, only2)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer subscription.Cancel()

	if err := cache.Upsert(ctx, cachedWishlist("wishlist-1", 1000, "filtered")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := cache.Upsert(ctx, cachedWishlist("wishlist-2", 2000, "matched")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	select {
	case doc := <-subscription.C:
		if doc.ID != "wishlist-2" {
			t.Fatalf("predicate leaked document %s", doc.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected matching delivery")
	}
}

func TestCancelClosesSubscription(t *testing.T) {
	cache, _ := newTestStore(t)
	_, subscription, err := cache.Subscribe(context.Background(), document.CollectionWishlist, nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	subscription.Cancel()
	subscription.Cancel() // idempotent

	if _, open := <-subscription.C; open {
		t.Fatalf("expected closed channel after cancel")
	}
}

func TestCachedIDsExcludeTombstonesAndDirtyRows(t *testing.T) {
	cache, _ := newTestStore(t)
	ctx := context.Background()

	if err := cache.ApplyRemote(ctx, cachedWishlist("wishlist-1", 1000, "a")); err != nil {
		t.Fatalf("apply remote failed: %v", err)
	}
	if err := cache.ApplyRemote(ctx, cachedWishlist("wishlist-2", 1000, "b")); err != nil {
		t.Fatalf("apply remote failed: %v", err)
	}
	if err := cache.TombstoneLocal(ctx, document.CollectionWishlist, "wishlist-2"); err != nil {
		t.Fatalf("tombstone failed: %v", err)
	}
	// Dirty local edits are also excluded: the server has not accepted them.
	if err := cache.Upsert(ctx, cachedWishlist("wishlist-3", 1000, "draft")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	ids, err := cache.CachedIDs(ctx, document.CollectionWishlist)
	if err != nil {
		t.Fatalf("cached ids failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "wishlist-1" {
		t.Fatalf("unexpected cached ids: %v", ids)
	}
}
