package delivery

import (
	"context"
	"errors"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tuckermclean/tuckermclean.com-backend/internal/registry"
)

type fakeTransport struct {
	posted map[string][][]byte
	errs   map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{posted: map[string][][]byte{}, errs: map[string]error{}}
}

func (t *fakeTransport) Post(_ context.Context, connectionID string, payload []byte) error {
	if err := t.errs[connectionID]; err != nil {
		return err
	}
	t.posted[connectionID] = append(t.posted[connectionID], payload)
	return nil
}

func newTestRegistry(t *testing.T) *registry.Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&registry.Connection{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := registry.NewService(registry.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected registry error: %v", err)
	}
	return service
}

func newTestEngine(t *testing.T, transport Transport, reg *registry.Service) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{Transport: transport, Registry: reg})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	return engine
}

func TestDeliverSuccess(t *testing.T) {
	transport := newFakeTransport()
	reg := newTestRegistry(t)
	engine := newTestEngine(t, transport, reg)

	outcome, err := engine.Deliver(context.Background(), "conn-1", []byte(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("unexpected delivery error: %v", err)
	}
	if outcome != OutcomeDelivered {
		t.Fatalf("expected delivered outcome, got %d", outcome)
	}
	if len(transport.posted["conn-1"]) != 1 {
		t.Fatalf("expected one posted payload, got %d", len(transport.posted["conn-1"]))
	}
}

func TestDeliverGoneEvictsRegistryRow(t *testing.T) {
	transport := newFakeTransport()
	reg := newTestRegistry(t)
	engine := newTestEngine(t, transport, reg)
	ctx := context.Background()

	if err := reg.Upsert(ctx, registry.Connection{ConnectionID: "stale-1", Role: registry.RoleAdmin}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	transport.errs["stale-1"] = ErrGone

	outcome, err := engine.Deliver(ctx, "stale-1", []byte("payload"))
	if err != nil {
		t.Fatalf("stale delivery should not surface an error: %v", err)
	}
	if outcome != OutcomeStale {
		t.Fatalf("expected stale outcome, got %d", outcome)
	}
	if _, err := reg.Get(ctx, "stale-1"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected stale row to be evicted, got %v", err)
	}
}

func TestDeliverTransientFailureKeepsRegistryRow(t *testing.T) {
	transport := newFakeTransport()
	reg := newTestRegistry(t)
	engine := newTestEngine(t, transport, reg)
	ctx := context.Background()

	if err := reg.Upsert(ctx, registry.Connection{ConnectionID: "flaky-1"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	transient := errors.New("socket write timeout")
	transport.errs["flaky-1"] = transient

	outcome, err := engine.Deliver(ctx, "flaky-1", []byte("payload"))
	if !errors.Is(err, transient) {
		t.Fatalf("expected transient error to propagate, got %v", err)
	}
	if outcome != OutcomeTransient {
		t.Fatalf("expected transient outcome, got %d", outcome)
	}
	if _, err := reg.Get(ctx, "flaky-1"); err != nil {
		t.Fatalf("transient failure must not evict the row: %v", err)
	}
}

func TestDeliverToRemovedConnectionIsStaleNoOp(t *testing.T) {
	transport := newFakeTransport()
	reg := newTestRegistry(t)
	engine := newTestEngine(t, transport, reg)

	// A disconnect raced the delivery: the transport reports gone and the
	// registry row is already absent. Remove is idempotent, so this is a
	// completed attempt, not an error.
	transport.errs["ghost"] = ErrGone
	outcome, err := engine.Deliver(context.Background(), "ghost", []byte("payload"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeStale {
		t.Fatalf("expected stale outcome, got %d", outcome)
	}
}
