package pushkeys

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(&SigningKey{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func TestPublicKeyGeneratesOnFirstUse(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	publicKey, err := service.PublicKey(ctx)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(publicKey)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		t.Fatalf("public key is not a valid P-256 point: %v", err)
	}
}

func TestPublicKeyIsStableAcrossCalls(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	first, err := service.PublicKey(ctx)
	if err != nil {
		t.Fatalf("first public key: %v", err)
	}
	second, err := service.PublicKey(ctx)
	if err != nil {
		t.Fatalf("second public key: %v", err)
	}
	if first != second {
		t.Fatalf("expected stable key, got %q then %q", first, second)
	}
}

func TestRotateReplacesKey(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	original, err := service.PublicKey(ctx)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	rotated, err := service.Rotate(ctx)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated == original {
		t.Fatalf("rotate returned the previous key")
	}
	current, err := service.PublicKey(ctx)
	if err != nil {
		t.Fatalf("public key after rotate: %v", err)
	}
	if current != rotated {
		t.Fatalf("expected %q after rotate, got %q", rotated, current)
	}
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected error for missing database")
	}
}
