package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"github.com/transitops/opsadmin/internal/email"
)

const (
	webhookTimeout    = 10 * time.Second
	webhookMaxRetries = 3
	webhookRetryDelay = 2 * time.Second
)

// LogNotifier writes alerts to the application log
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier creates a log channel
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(ctx context.Context, alert *Alert) error {
	n.logger.WithFields(logrus.Fields{
		"event":      alert.Event,
		"keys":       alert.Keys(),
		"actor_id":   alert.ActorID,
		"ip_address": alert.IPAddress,
		"reason":     alert.Reason,
	}).Warn("Critical settings changed")
	return nil
}

// WebhookNotifier POSTs alerts as JSON. The target URL is looked up on every
// alert so it can follow live settings.
type WebhookNotifier struct {
	url        func() string
	httpClient *http.Client
	maxRetries uint64
	retryDelay time.Duration
	logger     *logrus.Logger
}

// NewWebhookNotifier creates a webhook channel
func NewWebhookNotifier(url func() string, logger *logrus.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: webhookTimeout},
		maxRetries: webhookMaxRetries,
		retryDelay: webhookRetryDelay,
		logger:     logger,
	}
}

// WithRetryDelay overrides the base backoff
func (n *WebhookNotifier) WithRetryDelay(d time.Duration) *WebhookNotifier {
	n.retryDelay = d
	return n
}

func (n *WebhookNotifier) Name() string { return "webhook" }

// Notify retries network errors and 5xx responses with exponential backoff
func (n *WebhookNotifier) Notify(ctx context.Context, alert *Alert) error {
	url := n.url()
	if url == "" {
		return nil
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	attempt := 0
	backoff := retry.WithMaxRetries(n.maxRetries, retry.NewExponential(n.retryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "opsadmin/1.0")
		req.Header.Set("X-Opsadmin-Event", alert.Event)

		resp, err := n.httpClient.Do(req)
		if err != nil {
			n.logger.WithError(err).WithFields(logrus.Fields{
				"url":     url,
				"attempt": attempt,
			}).Warn("Failed to send webhook")
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			n.logger.WithFields(logrus.Fields{
				"url":        url,
				"statusCode": resp.StatusCode,
				"attempt":    attempt,
			}).Warn("Webhook returned non-2xx status")
			return retry.RetryableError(fmt.Errorf("webhook returned status %d", resp.StatusCode))
		default:
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return fmt.Errorf("webhook %s: %w", url, err)
	}

	n.logger.WithFields(logrus.Fields{
		"url":   url,
		"event": alert.Event,
		"keys":  alert.Keys(),
	}).Debug("Webhook sent successfully")
	return nil
}

// Mailer is the subset of email.Sender used here
type Mailer interface {
	IsConfigured() bool
	Send(ctx context.Context, msg email.Message) error
}

// EmailNotifier mails alerts to a recipient list looked up per alert
type EmailNotifier struct {
	mailer     Mailer
	recipients func() []string
}

// NewEmailNotifier creates an email channel
func NewEmailNotifier(mailer Mailer, recipients func() []string) *EmailNotifier {
	return &EmailNotifier{mailer: mailer, recipients: recipients}
}

func (n *EmailNotifier) Name() string { return "email" }

func (n *EmailNotifier) Notify(ctx context.Context, alert *Alert) error {
	to := n.recipients()
	if len(to) == 0 || !n.mailer.IsConfigured() {
		return nil
	}
	return n.mailer.Send(ctx, email.Message{
		To:      to,
		Subject: "Critical settings changed: " + strings.Join(alert.Keys(), ", "),
		Body:    formatAlertBody(alert),
	})
}

func formatAlertBody(alert *Alert) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Critical settings were changed at %s.\n\n", alert.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Changed by: %s\n", alert.ActorID)
	if alert.IPAddress != "" {
		fmt.Fprintf(&sb, "IP address: %s\n", alert.IPAddress)
	}
	if alert.UserAgent != "" {
		fmt.Fprintf(&sb, "User agent: %s\n", alert.UserAgent)
	}
	if alert.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", alert.Reason)
	}
	sb.WriteString("\n")
	for _, c := range alert.Changes {
		fmt.Fprintf(&sb, "  %s: %s -> %s\n", c.Key, string(c.OldValue), string(c.NewValue))
	}
	return sb.String()
}
