package identity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	dsn := fmt.Sprintf("file:barrage_identity_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func TestResolveOwnerIDIsStable(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)

	first, err := service.ResolveOwnerID(ctx, "device", "serial-42", "Player One")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("owner id %q is not a uuid: %v", first, err)
	}

	second, err := service.ResolveOwnerID(ctx, "Device", " serial-42 ", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != first {
		t.Fatalf("expected stable owner id, got %s then %s", first, second)
	}
}

func TestResolveOwnerIDSeparatesSubjects(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)

	one, err := service.ResolveOwnerID(ctx, "device", "serial-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	two, err := service.ResolveOwnerID(ctx, "device", "serial-2", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if one == two {
		t.Fatalf("distinct subjects mapped to the same owner %s", one)
	}
}

func TestResolveOwnerIDRejectsEmptyCredential(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)

	if _, err := service.ResolveOwnerID(ctx, "", "serial-1", ""); err == nil {
		t.Fatalf("expected rejection for empty provider")
	}
	if _, err := service.ResolveOwnerID(ctx, "device", "   ", ""); err == nil {
		t.Fatalf("expected rejection for blank subject")
	}
}

func TestResolveOwnerIDSurvivesLogout(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)

	ownerID, err := service.ResolveOwnerID(ctx, "device", "serial-9", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Logout purges the cache; the mapping must still resolve from storage.
	service.OnLogout(ownerID)

	resolved, err := service.ResolveOwnerID(ctx, "device", "serial-9", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != ownerID {
		t.Fatalf("expected %s after logout, got %s", ownerID, resolved)
	}
}

func TestOnLoginUpdatesLastSeen(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)

	ownerID, err := service.ResolveOwnerID(ctx, "device", "serial-3", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var before Identity
	err = service.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		First(&before).Error
	if err != nil {
		t.Fatalf("failed to load identity: %v", err)
	}

	service.OnLogin(ctx, ownerID)

	var after Identity
	err = service.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		First(&after).Error
	if err != nil {
		t.Fatalf("failed to reload identity: %v", err)
	}
	if after.LastSeenAt.IsZero() {
		t.Fatalf("expected last seen to be recorded")
	}
	if after.LastSeenAt.Before(before.LastSeenAt) {
		t.Fatalf("last seen went backwards: %v then %v", before.LastSeenAt, after.LastSeenAt)
	}
}
