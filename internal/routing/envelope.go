package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the queue message union.
type Kind string

const (
	KindGuestMessage  Kind = "guestMessage"
	KindAdminMessage  Kind = "adminMessage"
	KindWelcome       Kind = "welcome"
	KindNewConnection Kind = "newConnection"
	KindEndConnection Kind = "endConnection"
)

var (
	// ErrUnknownKind marks an envelope whose type is outside the union.
	// Callers treat it as a handled no-op, never as a retryable failure.
	ErrUnknownKind = errors.New("routing: unknown message type")
	// ErrMalformedEnvelope marks an envelope missing required fields.
	ErrMalformedEnvelope = errors.New("routing: malformed envelope")
)

// Envelope is one validated queue message. Exactly one variant exists per
// wire type; each carries only the fields its type requires.
type Envelope interface {
	Kind() Kind
	Encode() ([]byte, error)
}

// GuestMessage is a visitor message bound for every connected admin.
type GuestMessage struct {
	ConnectionID string
	Message      string
	Name         string
	Email        string
	Phone        string
	Timestamp    time.Time
}

func (GuestMessage) Kind() Kind { return KindGuestMessage }

func (m GuestMessage) Encode() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Type:         KindGuestMessage,
		ConnectionID: m.ConnectionID,
		Message:      m.Message,
		Name:         m.Name,
		Email:        m.Email,
		Phone:        m.Phone,
		Timestamp:    wireTime(m.Timestamp),
	})
}

// AdminMessage is an admin reply bound for exactly one visitor.
type AdminMessage struct {
	TargetConnectionID string
	SenderConnectionID string
	Message            string
	Timestamp          time.Time
}

func (AdminMessage) Kind() Kind { return KindAdminMessage }

func (m AdminMessage) Encode() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Type:               KindAdminMessage,
		TargetConnectionID: m.TargetConnectionID,
		ConnectionID:       m.SenderConnectionID,
		Message:            m.Message,
		Timestamp:          wireTime(m.Timestamp),
	})
}

// Welcome greets a freshly-established connection.
type Welcome struct {
	TargetConnectionID string
	IsAdmin            bool
	Timestamp          time.Time
}

func (Welcome) Kind() Kind { return KindWelcome }

func (m Welcome) Encode() ([]byte, error) {
	isAdmin := m.IsAdmin
	return json.Marshal(wireEnvelope{
		Type:               KindWelcome,
		TargetConnectionID: m.TargetConnectionID,
		IsAdmin:            &isAdmin,
		Timestamp:          wireTime(m.Timestamp),
	})
}

// NewConnection announces a fresh connection to every admin.
type NewConnection struct {
	ConnectionID string
	Timestamp    time.Time
}

func (NewConnection) Kind() Kind { return KindNewConnection }

func (m NewConnection) Encode() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Type:         KindNewConnection,
		ConnectionID: m.ConnectionID,
		Timestamp:    wireTime(m.Timestamp),
	})
}

// EndConnection announces a closed connection to every admin.
type EndConnection struct {
	ConnectionID string
	Timestamp    time.Time
}

func (EndConnection) Kind() Kind { return KindEndConnection }

func (m EndConnection) Encode() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Type:         KindEndConnection,
		ConnectionID: m.ConnectionID,
		Timestamp:    wireTime(m.Timestamp),
	})
}

// wireEnvelope is the flat JSON shape shared by every variant on the queue.
type wireEnvelope struct {
	Type               Kind   `json:"type"`
	ConnectionID       string `json:"connectionId,omitempty"`
	TargetConnectionID string `json:"targetConnectionId,omitempty"`
	Message            string `json:"message,omitempty"`
	Name               string `json:"name,omitempty"`
	Email              string `json:"email,omitempty"`
	Phone              string `json:"phone,omitempty"`
	IsAdmin            *bool  `json:"isAdmin,omitempty"`
	Timestamp          string `json:"timestamp,omitempty"`
}

func wireTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseWireTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// ParseEnvelope validates a raw queue body into its typed variant. The
// validation happens here, at the boundary, so the policy and dispatcher
// only ever see well-formed envelopes.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	switch wire.Type {
	case KindGuestMessage:
		if wire.ConnectionID == "" {
			return nil, fmt.Errorf("%w: guestMessage requires connectionId", ErrMalformedEnvelope)
		}
		if wire.Message == "" {
			return nil, fmt.Errorf("%w: guestMessage requires message", ErrMalformedEnvelope)
		}
		return GuestMessage{
			ConnectionID: wire.ConnectionID,
			Message:      wire.Message,
			Name:         wire.Name,
			Email:        wire.Email,
			Phone:        wire.Phone,
			Timestamp:    parseWireTime(wire.Timestamp),
		}, nil
	case KindAdminMessage:
		if wire.TargetConnectionID == "" {
			return nil, fmt.Errorf("%w: adminMessage requires targetConnectionId", ErrMalformedEnvelope)
		}
		if wire.Message == "" {
			return nil, fmt.Errorf("%w: adminMessage requires message", ErrMalformedEnvelope)
		}
		return AdminMessage{
			TargetConnectionID: wire.TargetConnectionID,
			SenderConnectionID: wire.ConnectionID,
			Message:            wire.Message,
			Timestamp:          parseWireTime(wire.Timestamp),
		}, nil
	case KindWelcome:
		// Older producers address welcomes via connectionId rather than
		// targetConnectionId; normalize to one target here.
		target := wire.TargetConnectionID
		if target == "" {
			target = wire.ConnectionID
		}
		if target == "" {
			return nil, fmt.Errorf("%w: welcome requires a target connection", ErrMalformedEnvelope)
		}
		isAdmin := false
		if wire.IsAdmin != nil {
			isAdmin = *wire.IsAdmin
		}
		return Welcome{
			TargetConnectionID: target,
			IsAdmin:            isAdmin,
			Timestamp:          parseWireTime(wire.Timestamp),
		}, nil
	case KindNewConnection:
		if wire.ConnectionID == "" {
			return nil, fmt.Errorf("%w: newConnection requires connectionId", ErrMalformedEnvelope)
		}
		return NewConnection{
			ConnectionID: wire.ConnectionID,
			Timestamp:    parseWireTime(wire.Timestamp),
		}, nil
	case KindEndConnection:
		if wire.ConnectionID == "" {
			return nil, fmt.Errorf("%w: endConnection requires connectionId", ErrMalformedEnvelope)
		}
		return EndConnection{
			ConnectionID: wire.ConnectionID,
			Timestamp:    parseWireTime(wire.Timestamp),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, wire.Type)
	}
}
