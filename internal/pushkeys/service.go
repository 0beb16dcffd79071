package pushkeys

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const keyName = "vapid"

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// SigningKey is the persisted web-push signing keypair. The public key is
// the uncompressed P-256 point in base64url, the form push clients expect.
type SigningKey struct {
	Name       string    `gorm:"column:name;primaryKey;size:32;not null"`
	PublicKey  string    `gorm:"column:public_key;size:128;not null"`
	PrivateKey string    `gorm:"column:private_key;size:64;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing push signing keys.
func (SigningKey) TableName() string {
	return "push_signing_keys"
}

// ServiceConfig configures the push key service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service provisions the site's web-push keypair: generated on first use,
// persisted, and rotated only on explicit request.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService constructs a push key service with validated configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// PublicKey returns the current public key, generating and persisting a
// keypair if none exists yet.
func (s *Service) PublicKey(ctx context.Context) (string, error) {
	var stored SigningKey
	err := s.db.WithContext(ctx).
		Where("name = ?", keyName).
		Take(&stored).Error
	if err == nil {
		return stored.PublicKey, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("pushkeys: load key: %w", err)
	}
	return s.Rotate(ctx)
}

// Rotate generates and persists a fresh keypair, returning the new public
// key. The previous key is overwritten.
func (s *Service) Rotate(ctx context.Context) (string, error) {
	publicKey, privateKey, err := generateKeypair()
	if err != nil {
		return "", fmt.Errorf("pushkeys: generate keypair: %w", err)
	}

	key := SigningKey{
		Name:       keyName,
		PublicKey:  publicKey,
		PrivateKey: privateKey,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			UpdateAll: true,
		}).
		Create(&key).Error
	if err != nil {
		return "", fmt.Errorf("pushkeys: store keypair: %w", err)
	}
	s.logger.Info("push signing key rotated")
	return publicKey, nil
}

func generateKeypair() (publicKey, privateKey string, err error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	encode := base64.RawURLEncoding.EncodeToString
	return encode(key.PublicKey().Bytes()), encode(key.Bytes()), nil
}
