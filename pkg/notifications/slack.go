// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notifications provides alerting via Slack incoming webhooks.
//
// The logger raises alerts for the events an operator has to act on:
//   - the vendor session could not be refreshed (credentials changed or locked)
//   - an output sink's circuit breaker opened (sink unreachable)
//   - a sink recovered after an outage
//
// Notification failures are logged by the caller and never block the poll
// loop. A notifier built with an empty webhook URL is disabled and every
// Send* call is a no-op.
//
// # Example Usage
//
//	notifier := notifications.NewSlackNotifier("https://hooks.slack.com/...")
//	if err := notifier.SendAuthFailure(ctx, err); err != nil {
//	    logger.Error().Err(err).Msg("Failed to send auth failure alert")
//	}
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
	"github.com/soothill/sunstrong-data-logger/pkg/logger"
)

const slackTimeout = 10 * time.Second

// SlackNotifier sends notifications to Slack via webhook
type SlackNotifier struct {
	mu         sync.RWMutex
	webhookURL string
	client     *http.Client
	enabled    bool
}

// SlackMessage represents a Slack webhook message payload
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: slackTimeout,
		},
		enabled: webhookURL != "",
	}
}

// IsEnabled returns whether Slack notifications are enabled
func (s *SlackNotifier) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// UpdateWebhookURL swaps the webhook on config reload.
func (s *SlackNotifier) UpdateWebhookURL(webhookURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhookURL = webhookURL
	s.enabled = webhookURL != ""
}

// SendMessage sends a simple text message to Slack
func (s *SlackNotifier) SendMessage(ctx context.Context, message string) error {
	if !s.IsEnabled() {
		logger.Debug().Msg("Slack notifications disabled, skipping message")
		return nil
	}

	return s.sendPayload(ctx, SlackMessage{Text: message})
}

// SendAlert sends a formatted alert to Slack
func (s *SlackNotifier) SendAlert(ctx context.Context, severity, title, message string) error {
	if !s.IsEnabled() {
		logger.Debug().Msg("Slack notifications disabled, skipping alert")
		return nil
	}

	payload := SlackMessage{
		Attachments: []Attachment{
			{
				Color:  severityToColor(severity),
				Title:  title,
				Text:   message,
				Footer: "SunStrong Data Logger",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return s.sendPayload(ctx, payload)
}

// SendAuthFailure sends an alert when the vendor session could not be refreshed
func (s *SlackNotifier) SendAuthFailure(ctx context.Context, err error) error {
	return s.SendAlert(ctx, "danger", "⚠️ SunStrong Authentication Failure",
		fmt.Sprintf("Could not refresh the SunStrong access token: %v\nNo readings are being collected until credentials are fixed.", err))
}

// SendSinkFailure sends an alert when a sink is taken out of rotation
func (s *SlackNotifier) SendSinkFailure(ctx context.Context, sink string, err error) error {
	return s.SendAlert(ctx, "danger", fmt.Sprintf("⚠️ Output %s Unavailable", sink),
		fmt.Sprintf("Writes to %s keep failing: %v\nReadings are not being stored there until it recovers.", sink, err))
}

// SendSinkRecovery sends an alert when a sink accepts writes again
func (s *SlackNotifier) SendSinkRecovery(ctx context.Context, sink string) error {
	return s.SendAlert(ctx, "good", fmt.Sprintf("✅ Output %s Restored", sink),
		fmt.Sprintf("Writes to %s are succeeding again.", sink))
}

// sendPayload sends a payload to the Slack webhook
func (s *SlackNotifier) sendPayload(ctx context.Context, payload SlackMessage) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return apperrors.NewNotificationError("slack", fmt.Errorf("failed to marshal payload: %w", err))
	}

	s.mu.RLock()
	webhookURL := s.webhookURL
	s.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return apperrors.NewNotificationError("slack", fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.NewNotificationError("slack", fmt.Errorf("failed to send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewNotificationError("slack", fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}

	if len(payload.Attachments) > 0 {
		logger.Debug().Str("title", payload.Attachments[0].Title).Msg("Slack notification sent successfully")
	} else {
		logger.Debug().Str("text", payload.Text).Msg("Slack notification sent successfully")
	}
	return nil
}

// severityToColor maps severity levels to Slack colors
func severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger"
	case "warning", "warn":
		return "warning"
	case "good", "success":
		return "good"
	default:
		return "#808080"
	}
}
