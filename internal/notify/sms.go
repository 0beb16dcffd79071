package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

var errMissingWebhookURL = errors.New("notify: webhook url is required")

// SMSWebhookConfig configures the outbound SMS provider call.
type SMSWebhookConfig struct {
	WebhookURL string
	Recipient  string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// SMSWebhook posts notification texts to an SMS provider webhook. It is a
// thin boundary wrapper: callers treat it as best-effort and never let its
// failure reach a request path.
type SMSWebhook struct {
	webhookURL string
	recipient  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewSMSWebhook constructs a webhook notifier with validated configuration.
func NewSMSWebhook(cfg SMSWebhookConfig) (*SMSWebhook, error) {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return nil, errMissingWebhookURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMSWebhook{
		webhookURL: cfg.WebhookURL,
		recipient:  cfg.Recipient,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type smsPayload struct {
	To      string `json:"to,omitempty"`
	Message string `json:"message"`
}

// Notify posts one text to the provider.
func (s *SMSWebhook) Notify(ctx context.Context, text string) error {
	body, err := json.Marshal(smsPayload{To: s.recipient, Message: text})
	if err != nil {
		return fmt.Errorf("notify: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("notify: provider returned status %d", response.StatusCode)
	}
	s.logger.Debug("sms notification sent", zap.String("to", s.recipient))
	return nil
}
