package conversation

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const bearerTokenBytes = 32 // 256-bit token, hex encoded

var (
	// ErrNotFound is returned when a conversation uuid does not exist.
	ErrNotFound = errors.New("conversation: not found")
	// ErrUnauthorized is returned when a bearer token does not match.
	ErrUnauthorized = errors.New("conversation: invalid bearer token")
	// ErrInvalidMessage is returned when an append fails validation.
	ErrInvalidMessage = errors.New("conversation: message and contact info or authentication are required")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "conversation.service.new"
	opCreate     = "conversation.create"
	opAuthorize  = "conversation.authorize"
	opAppend     = "conversation.append"
	opList       = "conversation.list"
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

// Notifier is the SMS side-channel fired on each append. Implementations
// are best-effort; the service never propagates their failures.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// ServiceConfig configures the conversation service.
type ServiceConfig struct {
	Database *gorm.DB
	Notifier Notifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists conversations and their append-only message logs.
type Service struct {
	db       *gorm.DB
	notifier Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

// NewService constructs a conversation service with validated configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, notifier: cfg.Notifier, clock: clock, logger: logger}, nil
}

// Create makes a new conversation and issues its bearer token. Creation and
// token issuance are one atomic write; the token is returned exactly once,
// here, and is never retrievable afterwards.
func (s *Service) Create(ctx context.Context) (Conversation, error) {
	token, err := newBearerToken()
	if err != nil {
		s.logError(opCreate, "token_generation_failed", err)
		return Conversation{}, newServiceError(opCreate, "token_generation_failed", err)
	}

	created := Conversation{
		ConversationUUID: uuid.NewString(),
		BearerToken:      token,
	}
	if err := s.db.WithContext(ctx).Create(&created).Error; err != nil {
		s.logError(opCreate, "insert_failed", err)
		return Conversation{}, newServiceError(opCreate, "insert_failed", err)
	}
	return created, nil
}

// Authorize checks a bearer token against a conversation.
func (s *Service) Authorize(ctx context.Context, conversationUUID, token string) error {
	var stored Conversation
	err := s.db.WithContext(ctx).
		Where("conversation_uuid = ?", conversationUUID).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		s.logError(opAuthorize, "query_failed", err, zap.String("conversation_uuid", conversationUUID))
		return newServiceError(opAuthorize, "query_failed", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored.BearerToken), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// AppendRequest carries one message to append. Principal is the verified
// subject of an authenticated caller, passed explicitly per request; a
// non-empty principal waives the contact-info requirement.
type AppendRequest struct {
	Name      string
	Email     string
	Phone     string
	Body      string
	Principal string
}

func (r AppendRequest) validate() error {
	if strings.TrimSpace(r.Body) == "" {
		return ErrInvalidMessage
	}
	if r.Principal != "" {
		return nil
	}
	hasContact := strings.TrimSpace(r.Name) != "" &&
		(strings.TrimSpace(r.Email) != "" || strings.TrimSpace(r.Phone) != "")
	if !hasContact {
		return ErrInvalidMessage
	}
	return nil
}

// Append adds a message to a conversation's log and fires the SMS
// side-channel. The caller must already be authorized.
func (s *Service) Append(ctx context.Context, conversationUUID string, request AppendRequest) (Message, error) {
	if err := request.validate(); err != nil {
		return Message{}, err
	}

	message := Message{
		MessageID:        uuid.NewString(),
		ConversationUUID: conversationUUID,
		Timestamp:        s.clock().UTC(),
		Name:             strings.TrimSpace(request.Name),
		Email:            strings.TrimSpace(request.Email),
		Phone:            strings.TrimSpace(request.Phone),
		Body:             request.Body,
		Principal:        request.Principal,
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opAppend, "insert_failed", err, zap.String("conversation_uuid", conversationUUID))
		return Message{}, newServiceError(opAppend, "insert_failed", err)
	}

	s.fireNotification(message)
	return message, nil
}

// List returns a conversation's messages ordered oldest first, optionally
// restricted to those after the given timestamp.
func (s *Service) List(ctx context.Context, conversationUUID string, since *time.Time) ([]Message, error) {
	query := s.db.WithContext(ctx).
		Where("conversation_uuid = ?", conversationUUID)
	if since != nil {
		query = query.Where("timestamp > ?", since.UTC())
	}

	var messages []Message
	if err := query.Order("timestamp").Find(&messages).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("conversation_uuid", conversationUUID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return messages, nil
}

// fireNotification runs the SMS nudge off the request path. A failure is
// logged and never reaches the caller.
func (s *Service) fireNotification(message Message) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		text := fmt.Sprintf("New message in conversation %s: %s", message.ConversationUUID, message.Body)
		if err := s.notifier.Notify(ctx, text); err != nil {
			s.logger.Warn("sms notification failed",
				zap.String("conversation_uuid", message.ConversationUUID),
				zap.Error(err))
		}
	}()
}

func newBearerToken() (string, error) {
	buf := make([]byte, bearerTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
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
	s.logger.Error("conversation error", attrs...)
}
