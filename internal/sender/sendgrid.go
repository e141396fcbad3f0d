// Package sender dispatches outbound mail through the SendGrid v3 Mail Send
// API and stamps every message with the correlation metadata the webhook
// receiver resolves events by.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jcormack/mailtrack/internal/circuitbreaker"
	"github.com/jcormack/mailtrack/internal/observ"
)

const defaultBaseURL = "https://api.sendgrid.com/v3"

// Config holds SendGrid credentials and the configured outbound identity.
type Config struct {
	APIKey    string
	FromEmail string
	FromName  string
	BaseURL   string // overridable for tests
}

// Message is one outbound email tied to a tracking record.
type Message struct {
	To          string
	Subject     string
	HTMLContent string
	TextContent string
	TrackingID  string // echoed back by the provider in custom_args
}

// Client sends through SendGrid behind a circuit breaker, so a failing
// provider fails fast instead of holding request handlers on timeouts.
type Client struct {
	cfg     Config
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// New creates a SendGrid client.
func New(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: breaker,
		logger:  logger,
	}
}

// Send dispatches one message and returns the short provider message id from
// the X-Message-Id response header.
func (c *Client) Send(ctx context.Context, msg Message) (string, error) {
	if c.cfg.APIKey == "" {
		return "", fmt.Errorf("sendgrid api key not configured")
	}

	if !c.breaker.Allow() {
		c.logger.Warn("send rejected by circuit breaker",
			zap.String("state", c.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: sendgrid unavailable", circuitbreaker.ErrCircuitOpen)
	}

	messageID, err := c.send(ctx, msg)
	if err != nil {
		c.breaker.RecordFailure()
		return "", err
	}

	c.breaker.RecordSuccess()
	return messageID, nil
}

func (c *Client) send(ctx context.Context, msg Message) (string, error) {
	content := []map[string]string{{"type": "text/html", "value": msg.HTMLContent}}
	if msg.TextContent != "" {
		content = []map[string]string{
			{"type": "text/plain", "value": msg.TextContent},
			{"type": "text/html", "value": msg.HTMLContent},
		}
	}

	payload := map[string]interface{}{
		"personalizations": []map[string]interface{}{
			{
				"to": []map[string]string{{"email": msg.To}},
				"custom_args": map[string]string{
					"email_tracking_id": msg.TrackingID,
					"sender_email":      c.cfg.FromEmail,
				},
			},
		},
		"from":    map[string]string{"email": c.cfg.FromEmail, "name": c.cfg.FromName},
		"subject": msg.Subject,
		"content": content,
		"tracking_settings": map[string]interface{}{
			"open_tracking": map[string]bool{"enable": true},
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/mail/send", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("sendgrid error %d: %s", resp.StatusCode, string(body))
	}

	messageID := resp.Header.Get("X-Message-Id")

	c.logger.Info("email dispatched",
		zap.String("to", observ.RedactEmail(msg.To)),
		zap.String("message_id", messageID),
		zap.String("tracking_id", msg.TrackingID),
	)

	return messageID, nil
}
