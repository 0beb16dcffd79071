package delivery

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/tuckermclean/tuckermclean.com-backend/internal/registry"
)

// ErrGone is returned by a Transport when the recipient's session no
// longer exists at the transport layer (the HTTP 410 case).
var ErrGone = errors.New("delivery: recipient session gone")

var (
	errMissingTransport = errors.New("transport is required")
	errMissingRegistry  = errors.New("registry service is required")
)

// Transport posts a payload to one live connection. Implementations report
// a discarded session with ErrGone; any other error is transient.
type Transport interface {
	Post(ctx context.Context, connectionID string, payload []byte) error
}

// Outcome classifies a delivery attempt.
type Outcome int

const (
	// OutcomeDelivered means the transport accepted the payload.
	OutcomeDelivered Outcome = iota
	// OutcomeStale means the session is gone; the registry row was evicted
	// and the attempt counts as completed, not failed.
	OutcomeStale
	// OutcomeTransient means a retryable failure; nothing was evicted.
	OutcomeTransient
)

// EngineConfig configures the delivery engine.
type EngineConfig struct {
	Transport Transport
	Registry  *registry.Service
	Logger    *zap.Logger
}

// Engine sends payloads to single connections and self-heals the registry
// when the transport reports a recipient gone. Without that eviction the
// registry would accumulate unreachable rows and admin fan-out would keep
// re-attempting dead sessions.
type Engine struct {
	transport Transport
	registry  *registry.Service
	logger    *zap.Logger
}

// NewEngine constructs a delivery engine with validated configuration.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{transport: cfg.Transport, registry: cfg.Registry, logger: logger}, nil
}

// Deliver posts a payload to one connection.
func (e *Engine) Deliver(ctx context.Context, connectionID string, payload []byte) (Outcome, error) {
	err := e.transport.Post(ctx, connectionID, payload)
	if err == nil {
		e.logger.Debug("delivered", zap.String("connection_id", connectionID))
		return OutcomeDelivered, nil
	}

	if errors.Is(err, ErrGone) {
		e.logger.Info("stale connection, evicting", zap.String("connection_id", connectionID))
		if removeErr := e.registry.Remove(ctx, connectionID); removeErr != nil {
			e.logger.Error("stale eviction failed",
				zap.String("connection_id", connectionID),
				zap.Error(removeErr))
		}
		return OutcomeStale, nil
	}

	e.logger.Warn("delivery failed",
		zap.String("connection_id", connectionID),
		zap.Error(err))
	return OutcomeTransient, err
}
