package routing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tuckermclean/tuckermclean.com-backend/internal/registry"
)

// ErrNoRecipients signals that routing resolved to an empty recipient set.
// The caller decides whether that escalates (queue lane) or echoes back
// (guest-facing paths); the policy itself only decides.
var ErrNoRecipients = errors.New("routing: no recipients")

var errMissingRegistry = errors.New("registry service is required")

// Decision is the recipient set for one envelope. FanOut recipients are
// independent of each other: a failed delivery to one must not suppress
// the rest.
type Decision struct {
	Recipients []registry.Connection
	FanOut     bool
}

// Sender returns the connection that originated the envelope, when the
// variant carries one. Used for the zero-admin echo.
func Sender(envelope Envelope) string {
	switch message := envelope.(type) {
	case GuestMessage:
		return message.ConnectionID
	case NewConnection:
		return message.ConnectionID
	case EndConnection:
		return message.ConnectionID
	case AdminMessage:
		return message.SenderConnectionID
	default:
		return ""
	}
}

// PolicyConfig configures the routing policy.
type PolicyConfig struct {
	Registry *registry.Service
	Logger   *zap.Logger
}

// Policy decides the recipient set for an envelope. It reads the registry
// and performs no other I/O.
type Policy struct {
	registry *registry.Service
	logger   *zap.Logger
}

// NewPolicy constructs a routing policy with validated configuration.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{registry: cfg.Registry, logger: logger}, nil
}

// Decide resolves an envelope into its recipients.
//
// Guest messages and connection-lifecycle events fan out to every admin;
// admin messages and welcomes fan in to their single target. An empty
// result is reported as ErrNoRecipients; registry I/O failures propagate
// as transient errors.
func (p *Policy) Decide(ctx context.Context, envelope Envelope) (Decision, error) {
	switch message := envelope.(type) {
	case GuestMessage, NewConnection, EndConnection:
		admins, err := p.registry.ListByRole(ctx, registry.RoleAdmin)
		if err != nil {
			return Decision{}, err
		}
		if len(admins) == 0 {
			return Decision{}, fmt.Errorf("%w: no admins connected for %s", ErrNoRecipients, envelope.Kind())
		}
		return Decision{Recipients: admins, FanOut: true}, nil
	case AdminMessage:
		return p.resolveTarget(ctx, message.TargetConnectionID, envelope.Kind())
	case Welcome:
		return p.resolveTarget(ctx, message.TargetConnectionID, envelope.Kind())
	default:
		p.logger.Warn("unroutable message type", zap.String("type", string(envelope.Kind())))
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownKind, envelope.Kind())
	}
}

func (p *Policy) resolveTarget(ctx context.Context, target string, kind Kind) (Decision, error) {
	connection, err := p.registry.Get(ctx, target)
	if errors.Is(err, registry.ErrNotFound) {
		return Decision{}, fmt.Errorf("%w: target %s not connected for %s", ErrNoRecipients, target, kind)
	}
	if err != nil {
		return Decision{}, err
	}
	return Decision{Recipients: []registry.Connection{connection}}, nil
}
