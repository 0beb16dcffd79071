package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&Connection{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return service
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected constructor error without database")
	}
}

func TestUpsertDefaultsToGuestRole(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.Upsert(ctx, Connection{ConnectionID: "conn-1"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	stored, err := service.Get(ctx, "conn-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if stored.Role != RoleGuest {
		t.Fatalf("expected guest role, got %s", stored.Role)
	}
}

func TestUpsertOverwritesExistingRow(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.Upsert(ctx, Connection{ConnectionID: "conn-1", Role: RoleGuest}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if err := service.Upsert(ctx, Connection{ConnectionID: "conn-1", Role: RoleAdmin}); err != nil {
		t.Fatalf("unexpected second upsert error: %v", err)
	}

	stored, err := service.Get(ctx, "conn-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if stored.Role != RoleAdmin {
		t.Fatalf("expected admin role after overwrite, got %s", stored.Role)
	}
}

func TestAuthenticatedRoleSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	ctx := context.Background()

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&Connection{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if err := service.Upsert(ctx, Connection{ConnectionID: "conn-1"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if err := service.SetRole(ctx, "conn-1", RoleAdmin); err != nil {
		t.Fatalf("unexpected promote error: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap database: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close database: %v", err)
	}

	reopened, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	service, err = NewService(ServiceConfig{Database: reopened})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	stored, err := service.Get(ctx, "conn-1")
	if err != nil {
		t.Fatalf("unexpected get after reopen: %v", err)
	}
	if stored.Role != RoleAdmin {
		t.Fatalf("expected admin role to survive reopen, got %s", stored.Role)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.Upsert(ctx, Connection{ConnectionID: "conn-1"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if err := service.Remove(ctx, "conn-1"); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if err := service.Remove(ctx, "conn-1"); err != nil {
		t.Fatalf("second remove should not error: %v", err)
	}
	if _, err := service.Get(ctx, "conn-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
}

func TestListByRoleReturnsOnlyMatchingRows(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	for _, connection := range []Connection{
		{ConnectionID: "guest-1", Role: RoleGuest},
		{ConnectionID: "admin-1", Role: RoleAdmin},
		{ConnectionID: "admin-2", Role: RoleAdmin},
	} {
		if err := service.Upsert(ctx, connection); err != nil {
			t.Fatalf("unexpected upsert error: %v", err)
		}
	}

	admins, err := service.ListByRole(ctx, RoleAdmin)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(admins) != 2 {
		t.Fatalf("expected 2 admins, got %d", len(admins))
	}
	for _, admin := range admins {
		if admin.Role != RoleAdmin {
			t.Fatalf("unexpected role in admin listing: %s", admin.Role)
		}
	}
}

func TestSetFieldRejectsUnknownKeysAndEmptyValues(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.Upsert(ctx, Connection{ConnectionID: "conn-1"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	if err := service.SetField(ctx, "conn-1", "role", "admin"); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("expected invalid field error, got %v", err)
	}
	if err := service.SetField(ctx, "conn-1", "email", "   "); !errors.Is(err, ErrEmptyValue) {
		t.Fatalf("expected empty value error, got %v", err)
	}
}

func TestSetFieldOverwritesAndTrims(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.Upsert(ctx, Connection{ConnectionID: "conn-1"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if err := service.SetField(ctx, "conn-1", "fullName", "  Ada Lovelace  "); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if err := service.SetField(ctx, "conn-1", "fullName", "Grace Hopper"); err != nil {
		t.Fatalf("unexpected second set error: %v", err)
	}

	stored, err := service.Get(ctx, "conn-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if stored.FullName != "Grace Hopper" {
		t.Fatalf("expected last write to win, got %q", stored.FullName)
	}
}

func TestSetFieldOnAbsentConnection(t *testing.T) {
	service := newTestService(t)

	err := service.SetField(context.Background(), "ghost", "email", "a@b.c")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
