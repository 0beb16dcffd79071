package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when no row exists for a connection id.
	ErrNotFound = errors.New("registry: connection not found")
	// ErrInvalidField is returned by SetField for keys outside the profile set.
	ErrInvalidField = errors.New("registry: field is not settable")
	// ErrEmptyValue is returned by SetField for values empty after trimming.
	ErrEmptyValue = errors.New("registry: value must be a non-empty string")

	errMissingDatabase     = errors.New("database handle is required")
	errMissingConnectionID = errors.New("connection identifier is required")
	noOpLogger             = zap.NewNop()
)

const (
	opServiceNew = "registry.service.new"
	opUpsert     = "registry.upsert"
	opGet        = "registry.get"
	opRemove     = "registry.remove"
	opListByRole = "registry.list_by_role"
	opList       = "registry.list"
	opSetField   = "registry.set_field"
	opSetRole    = "registry.set_role"
)

// ServiceError carries an operation code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// settableFields maps the client-facing profile keys onto their columns.
var settableFields = map[string]string{
	"fullName": "full_name",
	"email":    "email",
	"phone":    "phone",
}

// ServiceConfig configures the registry service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service persists the connection registry.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService constructs a registry service with validated configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// Upsert creates or overwrites the row for a connection. Idempotent.
func (s *Service) Upsert(ctx context.Context, connection Connection) error {
	if strings.TrimSpace(connection.ConnectionID) == "" {
		return newServiceError(opUpsert, "missing_connection_id", errMissingConnectionID)
	}
	if connection.Role == "" {
		connection.Role = RoleGuest
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "connection_id"}},
			UpdateAll: true,
		}).
		Create(&connection).Error
	if err != nil {
		s.logError(opUpsert, "write_failed", err, zap.String("connection_id", connection.ConnectionID))
		return newServiceError(opUpsert, "write_failed", err)
	}
	return nil
}

// Get returns the row for a connection id, or ErrNotFound.
func (s *Service) Get(ctx context.Context, connectionID string) (Connection, error) {
	if strings.TrimSpace(connectionID) == "" {
		return Connection{}, newServiceError(opGet, "missing_connection_id", errMissingConnectionID)
	}
	var connection Connection
	err := s.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Take(&connection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Connection{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("connection_id", connectionID))
		return Connection{}, newServiceError(opGet, "query_failed", err)
	}
	return connection, nil
}

// Remove deletes the row for a connection id. Removing an absent id is not
// an error.
func (s *Service) Remove(ctx context.Context, connectionID string) error {
	if strings.TrimSpace(connectionID) == "" {
		return newServiceError(opRemove, "missing_connection_id", errMissingConnectionID)
	}
	err := s.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Delete(&Connection{}).Error
	if err != nil {
		s.logError(opRemove, "delete_failed", err, zap.String("connection_id", connectionID))
		return newServiceError(opRemove, "delete_failed", err)
	}
	return nil
}

// ListByRole returns every connection currently holding the given role.
// Routing tolerates a slightly stale snapshot, so no lock is taken.
func (s *Service) ListByRole(ctx context.Context, role Role) ([]Connection, error) {
	var connections []Connection
	err := s.db.WithContext(ctx).
		Where("role = ?", role).
		Order("connected_at").
		Find(&connections).Error
	if err != nil {
		s.logError(opListByRole, "query_failed", err, zap.String("role", string(role)))
		return nil, newServiceError(opListByRole, "query_failed", err)
	}
	return connections, nil
}

// List returns every live connection regardless of role.
func (s *Service) List(ctx context.Context) ([]Connection, error) {
	var connections []Connection
	err := s.db.WithContext(ctx).
		Order("connected_at").
		Find(&connections).Error
	if err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return connections, nil
}

// SetField updates one profile field on the owning connection. Only
// fullName, email and phone are settable, and only to non-empty values.
func (s *Service) SetField(ctx context.Context, connectionID, field, value string) error {
	column, ok := settableFields[field]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%w: %q", ErrEmptyValue, field)
	}
	result := s.db.WithContext(ctx).
		Model(&Connection{}).
		Where("connection_id = ?", connectionID).
		Update(column, trimmed)
	if result.Error != nil {
		s.logError(opSetField, "update_failed", result.Error,
			zap.String("connection_id", connectionID),
			zap.String("field", field))
		return newServiceError(opSetField, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRole changes the role of an existing connection. Used by the
// authenticate path to promote a guest to admin.
func (s *Service) SetRole(ctx context.Context, connectionID string, role Role) error {
	result := s.db.WithContext(ctx).
		Model(&Connection{}).
		Where("connection_id = ?", connectionID).
		Update("role", role)
	if result.Error != nil {
		s.logError(opSetRole, "update_failed", result.Error,
			zap.String("connection_id", connectionID))
		return newServiceError(opSetRole, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("registry error", attrs...)
}
