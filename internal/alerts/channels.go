package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"

	"github.com/cost-watchdog/backend/internal/config"
	"github.com/cost-watchdog/backend/internal/core"
)

const webhookTimeout = 10 * time.Second

// Notification is the rendered content of one alert.
type Notification struct {
	Title    string
	Body     string
	Severity core.Severity
	Link     string
}

// Channel delivers a notification to one target kind.
type Channel interface {
	Send(ctx context.Context, recipient string, n Notification) error
}

// ============================================================================
// SSRF GUARD
// ============================================================================

// allowedWebhookSuffixes are the only hosts outbound webhook posts may
// target. Anything else is rejected before a connection is attempted.
var allowedWebhookSuffixes = []string{
	"hooks.slack.com",
	".webhook.office.com",
	".logic.azure.com",
}

// validateWebhookURL enforces https and the host allow-list.
func validateWebhookURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &core.ValidationError{Field: "webhook_url", Message: "malformed URL"}
	}
	if u.Scheme != "https" {
		return nil, &core.ValidationError{Field: "webhook_url", Message: "webhooks must use https"}
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range allowedWebhookSuffixes {
		base := strings.TrimPrefix(suffix, ".")
		// Label boundary match: evilhooks.slack.com must not pass.
		if host == base || strings.HasSuffix(host, "."+base) {
			return u, nil
		}
	}
	return nil, &core.ValidationError{Field: "webhook_url", Message: fmt.Sprintf("host %q is not an allowed webhook target", host)}
}

func newWebhookClient() *http.Client {
	return &http.Client{
		Timeout: webhookTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		},
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
}

// ============================================================================
// EMAIL
// ============================================================================

// EmailChannel sends plain-text mail through the configured SMTP relay.
type EmailChannel struct {
	cfg config.SMTPConfig
	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailChannel(cfg config.SMTPConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg, send: smtp.SendMail}
}

func (c *EmailChannel) Send(_ context.Context, recipient string, n Notification) error {
	if c.cfg.Host == "" {
		return &core.DependencyError{Dependency: "smtp", Err: fmt.Errorf("not configured")}
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", recipient)
	fmt.Fprintf(&msg, "Subject: [%s] %s\r\n", strings.ToUpper(string(n.Severity)), n.Title)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(n.Body)
	if n.Link != "" {
		fmt.Fprintf(&msg, "\r\n\r\n%s", n.Link)
	}

	var auth smtp.Auth
	if c.cfg.User != "" {
		auth = smtp.PlainAuth("", c.cfg.User, c.cfg.Pass, c.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	if err := c.send(addr, auth, c.cfg.From, []string{recipient}, msg.Bytes()); err != nil {
		return &core.DependencyError{Dependency: "smtp", Err: err}
	}
	return nil
}

// ============================================================================
// SLACK
// ============================================================================

// SlackChannel posts a webhook message. The recipient is the webhook URL.
type SlackChannel struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewSlackChannel() *SlackChannel {
	return &SlackChannel{client: newWebhookClient(), breaker: newBreaker("slack")}
}

func (c *SlackChannel) Send(ctx context.Context, recipient string, n Notification) error {
	u, err := validateWebhookURL(recipient)
	if err != nil {
		return err
	}

	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color: severityColor(n.Severity),
			Title: n.Title,
			Text:  n.Body,
			Fields: []slack.AttachmentField{
				{Title: "Severity", Value: string(n.Severity), Short: true},
			},
			TitleLink: n.Link,
		}},
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, postJSON(ctx, c.client, u.String(), body)
	})
	if err != nil {
		return &core.DependencyError{Dependency: "slack", Err: err}
	}
	return nil
}

// ============================================================================
// TEAMS
// ============================================================================

// TeamsChannel posts an Adaptive Card to a Teams incoming webhook.
type TeamsChannel struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewTeamsChannel() *TeamsChannel {
	return &TeamsChannel{client: newWebhookClient(), breaker: newBreaker("teams")}
}

func (c *TeamsChannel) Send(ctx context.Context, recipient string, n Notification) error {
	u, err := validateWebhookURL(recipient)
	if err != nil {
		return err
	}

	card := teamsAdaptiveCard(n)
	body, err := json.Marshal(card)
	if err != nil {
		return err
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, postJSON(ctx, c.client, u.String(), body)
	})
	if err != nil {
		return &core.DependencyError{Dependency: "teams", Err: err}
	}
	return nil
}

// teamsAdaptiveCard renders the notification as an Adaptive Card v1.4
// wrapped in the message envelope Teams webhooks expect.
func teamsAdaptiveCard(n Notification) map[string]interface{} {
	body := []map[string]interface{}{
		{"type": "TextBlock", "size": "Medium", "weight": "Bolder", "text": n.Title},
		{"type": "TextBlock", "text": n.Body, "wrap": true},
		{"type": "FactSet", "facts": []map[string]string{
			{"title": "Severity", "value": string(n.Severity)},
		}},
	}
	card := map[string]interface{}{
		"type":    "AdaptiveCard",
		"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
		"version": "1.4",
		"body":    body,
	}
	if n.Link != "" {
		card["actions"] = []map[string]interface{}{
			{"type": "Action.OpenUrl", "title": "Open", "url": n.Link},
		}
	}
	return map[string]interface{}{
		"type": "message",
		"attachments": []map[string]interface{}{
			{"contentType": "application/vnd.microsoft.card.adaptive", "content": card},
		},
	}
}

// ============================================================================
// IN-APP
// ============================================================================

// InAppChannel is a no-op: the alert row itself is the in-app notification.
type InAppChannel struct{}

func (InAppChannel) Send(context.Context, string, Notification) error { return nil }

func postJSON(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func severityColor(s core.Severity) string {
	switch s {
	case core.SeverityCritical:
		return "#d32f2f"
	case core.SeverityWarning:
		return "#f9a825"
	default:
		return "#1976d2"
	}
}
