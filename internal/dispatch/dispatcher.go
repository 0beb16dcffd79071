package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tuckermclean/tuckermclean.com-backend/internal/delivery"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/queue"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/routing"
)

var (
	errMissingPolicy = errors.New("routing policy is required")
	errMissingEngine = errors.New("delivery engine is required")
)

// DispatcherConfig configures a dispatcher.
type DispatcherConfig struct {
	Policy *routing.Policy
	Engine *delivery.Engine
	// EchoNoAdmins enables the best-effort "no admins" acknowledgment back
	// to a guest sender. The primary queue lane echoes; the dead-letter
	// lane processes the same way but stays silent.
	EchoNoAdmins bool
	Logger       *zap.Logger
}

// Dispatcher routes queued records to their recipients. Each record moves
// Received → Routed → delivered-to-all, partial failure, or no recipients;
// anything but delivered-to-all marks the record failed so the queue
// redelivers it.
type Dispatcher struct {
	policy       *routing.Policy
	engine       *delivery.Engine
	echoNoAdmins bool
	logger       *zap.Logger
}

// NewDispatcher constructs a dispatcher with validated configuration.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Policy == nil {
		return nil, errMissingPolicy
	}
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		policy:       cfg.Policy,
		engine:       cfg.Engine,
		echoNoAdmins: cfg.EchoNoAdmins,
		logger:       logger,
	}, nil
}

// HandleBatch processes a batch of queue records and returns the ids of
// the records that failed. A failure in one record never aborts its
// siblings; the queue retries exactly the reported ids.
func (d *Dispatcher) HandleBatch(ctx context.Context, records []queue.Record) []string {
	var failed []string
	for _, record := range records {
		if err := d.handleRecord(ctx, record); err != nil {
			d.logger.Warn("record failed",
				zap.String("record_id", record.ID),
				zap.Int("receive_count", record.ReceiveCount),
				zap.Error(err))
			failed = append(failed, record.ID)
		}
	}
	return failed
}

func (d *Dispatcher) handleRecord(ctx context.Context, record queue.Record) error {
	envelope, err := routing.ParseEnvelope(record.Body)
	if err != nil {
		// Unknown or malformed envelopes are terminal: retrying cannot fix
		// them, so they count as handled no-ops.
		d.logger.Warn("dropping unroutable record",
			zap.String("record_id", record.ID),
			zap.Error(err))
		return nil
	}

	decision, err := d.policy.Decide(ctx, envelope)
	if errors.Is(err, routing.ErrNoRecipients) {
		if d.echoNoAdmins {
			d.echoToSender(ctx, envelope)
		}
		return err
	}
	if errors.Is(err, routing.ErrUnknownKind) {
		return nil
	}
	if err != nil {
		return err
	}

	frame, err := routing.EncodeFrame(routing.FrameFor(envelope))
	if err != nil {
		return fmt.Errorf("dispatch: encode frame: %w", err)
	}

	var transientFailures int
	for _, recipient := range decision.Recipients {
		outcome, deliverErr := d.engine.Deliver(ctx, recipient.ConnectionID, frame)
		if outcome == delivery.OutcomeTransient {
			// Keep attempting the remaining recipients; the record as a
			// whole is reported failed so only it gets redelivered.
			transientFailures++
			d.logger.Warn("recipient delivery failed",
				zap.String("record_id", record.ID),
				zap.String("connection_id", recipient.ConnectionID),
				zap.Error(deliverErr))
		}
	}
	if transientFailures > 0 {
		return fmt.Errorf("dispatch: %d of %d deliveries failed for record %s",
			transientFailures, len(decision.Recipients), record.ID)
	}
	return nil
}

// echoToSender makes one best-effort attempt to tell a guest that no admin
// is reachable. The echo is advisory: its own failure is only logged and
// never changes the record's outcome.
func (d *Dispatcher) echoToSender(ctx context.Context, envelope routing.Envelope) {
	sender := routing.Sender(envelope)
	if sender == "" {
		return
	}
	if envelope.Kind() != routing.KindGuestMessage {
		return
	}
	payload, err := routing.EncodeFrame(routing.NoAdminsFrame())
	if err != nil {
		return
	}
	if _, err := d.engine.Deliver(ctx, sender, payload); err != nil {
		d.logger.Debug("no-admins echo failed",
			zap.String("connection_id", sender),
			zap.Error(err))
	}
}
