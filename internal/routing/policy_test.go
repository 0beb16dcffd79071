package routing

import (
	"context"
	"errors"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tuckermclean/tuckermclean.com-backend/internal/registry"
)

func newTestPolicy(t *testing.T) (*Policy, *registry.Service) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&registry.Connection{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	reg, err := registry.NewService(registry.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected registry error: %v", err)
	}
	policy, err := NewPolicy(PolicyConfig{Registry: reg})
	if err != nil {
		t.Fatalf("unexpected policy error: %v", err)
	}
	return policy, reg
}

func TestGuestMessageFansOutToAllAdmins(t *testing.T) {
	policy, reg := newTestPolicy(t)
	ctx := context.Background()

	for _, connection := range []registry.Connection{
		{ConnectionID: "admin-1", Role: registry.RoleAdmin},
		{ConnectionID: "admin-2", Role: registry.RoleAdmin},
		{ConnectionID: "guest-1", Role: registry.RoleGuest},
	} {
		if err := reg.Upsert(ctx, connection); err != nil {
			t.Fatalf("unexpected upsert error: %v", err)
		}
	}

	decision, err := policy.Decide(ctx, GuestMessage{ConnectionID: "guest-1", Message: "hi"})
	if err != nil {
		t.Fatalf("unexpected decide error: %v", err)
	}
	if !decision.FanOut {
		t.Fatalf("expected a fan-out decision")
	}
	if len(decision.Recipients) != 2 {
		t.Fatalf("expected 2 admin recipients, got %d", len(decision.Recipients))
	}
	for _, recipient := range decision.Recipients {
		if recipient.Role != registry.RoleAdmin {
			t.Fatalf("guest must not be a recipient: %+v", recipient)
		}
	}
}

func TestLifecycleEventsFanOutToAdmins(t *testing.T) {
	policy, reg := newTestPolicy(t)
	ctx := context.Background()

	if err := reg.Upsert(ctx, registry.Connection{ConnectionID: "admin-1", Role: registry.RoleAdmin}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	for _, envelope := range []Envelope{
		NewConnection{ConnectionID: "conn-9"},
		EndConnection{ConnectionID: "conn-9"},
	} {
		decision, err := policy.Decide(ctx, envelope)
		if err != nil {
			t.Fatalf("unexpected decide error for %s: %v", envelope.Kind(), err)
		}
		if len(decision.Recipients) != 1 || decision.Recipients[0].ConnectionID != "admin-1" {
			t.Fatalf("unexpected recipients for %s: %+v", envelope.Kind(), decision.Recipients)
		}
	}
}

func TestGuestMessageWithZeroAdminsIsNoRecipients(t *testing.T) {
	policy, reg := newTestPolicy(t)
	ctx := context.Background()

	if err := reg.Upsert(ctx, registry.Connection{ConnectionID: "guest-1"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	_, err := policy.Decide(ctx, GuestMessage{ConnectionID: "guest-1", Message: "hi"})
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected no recipients, got %v", err)
	}
}

func TestAdminMessageResolvesItsTarget(t *testing.T) {
	policy, reg := newTestPolicy(t)
	ctx := context.Background()

	if err := reg.Upsert(ctx, registry.Connection{ConnectionID: "guest-1"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	decision, err := policy.Decide(ctx, AdminMessage{TargetConnectionID: "guest-1", Message: "hello"})
	if err != nil {
		t.Fatalf("unexpected decide error: %v", err)
	}
	if decision.FanOut {
		t.Fatalf("fan-in must not be marked fan-out")
	}
	if len(decision.Recipients) != 1 || decision.Recipients[0].ConnectionID != "guest-1" {
		t.Fatalf("unexpected recipients: %+v", decision.Recipients)
	}
}

func TestAdminMessageToAbsentTargetIsNoRecipients(t *testing.T) {
	policy, _ := newTestPolicy(t)

	_, err := policy.Decide(context.Background(), AdminMessage{TargetConnectionID: "ghost", Message: "hello"})
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected no recipients, got %v", err)
	}
}

func TestWelcomeResolvesItsTarget(t *testing.T) {
	policy, reg := newTestPolicy(t)
	ctx := context.Background()

	if err := reg.Upsert(ctx, registry.Connection{ConnectionID: "conn-1"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	decision, err := policy.Decide(ctx, Welcome{TargetConnectionID: "conn-1", IsAdmin: false})
	if err != nil {
		t.Fatalf("unexpected decide error: %v", err)
	}
	if len(decision.Recipients) != 1 {
		t.Fatalf("unexpected recipients: %+v", decision.Recipients)
	}
}
