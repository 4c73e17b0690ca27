package users

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Principal{}); err != nil {
		t.Fatalf("failed to migrate principal schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestResolvePrincipalRegistersFirstSight(t *testing.T) {
	service := newTestService(t, func() time.Time { return time.Unix(100, 0) })

	principalID, err := service.ResolvePrincipal("principal-abc", Profile{
		Email:       "someone@example.com",
		DisplayName: "Someone",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if principalID.String() != "principal-abc" {
		t.Fatalf("unexpected principal id %q", principalID)
	}

	record, err := service.Lookup(principalID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if record == nil {
		t.Fatal("expected principal record after first resolution")
	}
	if record.Email != "someone@example.com" || record.DisplayName != "Someone" {
		t.Fatalf("unexpected profile %+v", record)
	}
}

func TestResolvePrincipalIsStableAcrossCalls(t *testing.T) {
	now := time.Unix(100, 0)
	service := newTestService(t, func() time.Time { return now })

	first, err := service.ResolvePrincipal("  principal-abc  ", Profile{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	now = time.Unix(200, 0)
	second, err := service.ResolvePrincipal("principal-abc", Profile{DisplayName: "Renamed"})
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected stable principal id, got %q then %q", first, second)
	}

	record, err := service.Lookup(first)
	if err != nil || record == nil {
		t.Fatalf("lookup failed: record=%v err=%v", record, err)
	}
	if record.DisplayName != "Renamed" {
		t.Fatalf("expected refreshed display name, got %q", record.DisplayName)
	}
	if !record.LastSeenAt.Equal(time.Unix(200, 0)) {
		t.Fatalf("expected refreshed last seen, got %v", record.LastSeenAt)
	}
}

func TestResolvePrincipalRejectsUnusableSubjects(t *testing.T) {
	service := newTestService(t, nil)
	if _, err := service.ResolvePrincipal("   ", Profile{}); err == nil {
		t.Fatal("expected blank subject to fail")
	}
}

func TestLookupUnknownPrincipalReturnsNil(t *testing.T) {
	service := newTestService(t, nil)
	record, err := service.Lookup("principal-unknown")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil record, got %+v", record)
	}
}
