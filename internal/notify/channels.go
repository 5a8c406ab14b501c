// Package notify implements alert delivery to external channels.
// The dispatcher fans a confirmed status change out to email and WhatsApp
// recipients from the service's notification plan, with per-channel retry
// and partial-failure tolerance.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/marcus-qen/glasswatch/internal/observe"
	"github.com/marcus-qen/glasswatch/internal/plan"
)

// ChannelType names a delivery mechanism.
type ChannelType string

const (
	ChannelEmail         ChannelType = "email"
	ChannelWhatsApp      ChannelType = "whatsapp"
	ChannelWhatsAppGroup ChannelType = "whatsapp_group"
	// ChannelNone marks the placeholder attempt written when no alert was
	// sent for an event (empty plan, policy suppression, rate limit).
	ChannelNone ChannelType = "none"
)

// Message is one alert to be delivered.
type Message struct {
	Service      plan.Identity
	DisplayLabel string
	Status       observe.ColorState
	OldStatus    observe.ColorState
	Timestamp    time.Time
}

// Subject renders the email subject line.
func (m Message) Subject() string {
	ts := m.Timestamp.Format("2006-01-02 15:04:05")
	if m.Status == observe.StateUp {
		return fmt.Sprintf("RESOLVED: Service Up - %s - %s", m.DisplayLabel, ts)
	}
	return fmt.Sprintf("ALERT: Service Down - %s - %s", m.DisplayLabel, ts)
}

// Body renders the plain-text alert body.
func (m Message) Body() string {
	ts := m.Timestamp.Format("2006-01-02 15:04:05")
	if m.Status == observe.StateUp {
		return fmt.Sprintf("The service %s has RECOVERED and is now UP.\n\nTime: %s", m.DisplayLabel, ts)
	}
	return fmt.Sprintf("The service %s is currently DOWN.\n\nTime: %s", m.DisplayLabel, ts)
}

// ShortText renders the one-line messaging-channel text.
func (m Message) ShortText() string {
	ts := m.Timestamp.Format("2006-01-02 15:04:05")
	if m.Status == observe.StateUp {
		return fmt.Sprintf("🟢 RESOLVED: Service Up - %s\nTime: %s", m.DisplayLabel, ts)
	}
	return fmt.Sprintf("🔴 ALERT: Service Down - %s\nTime: %s", m.DisplayLabel, ts)
}

// Channel is the interface for all delivery backends.
type Channel interface {
	// Send delivers msg to the given recipients. Returns an error if any
	// recipient could not be reached; the dispatcher decides on retry.
	Send(ctx context.Context, msg Message, recipients []string) error

	// Type returns the channel type name.
	Type() ChannelType
}

// --- Email ---

// EmailChannel sends alerts via SMTP.
type EmailChannel struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// NewEmailChannel creates an SMTP email channel.
func NewEmailChannel(host string, port int, from, username, password string) *EmailChannel {
	return &EmailChannel{
		Host:     host,
		Port:     port,
		From:     from,
		Username: username,
		Password: password,
	}
}

func (e *EmailChannel) Type() ChannelType { return ChannelEmail }

func (e *EmailChannel) Send(ctx context.Context, msg Message, recipients []string) error {
	if e.From == "" || e.Host == "" {
		return fmt.Errorf("email transport not configured")
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no email recipients")
	}

	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\n",
		e.From,
		strings.Join(recipients, ", "),
		msg.Subject(),
		msg.Body(),
	)

	addr := fmt.Sprintf("%s:%d", e.Host, e.Port)
	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.Host)
	}

	// smtp.SendMail has no context support; run it aside so a cancelled
	// dispatch is not stuck behind a wedged SMTP server.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, e.From, recipients, []byte(body))
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("email send: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email send: %w", err)
		}
		return nil
	}
}

// --- WhatsApp ---

// WhatsAppChannel sends alerts through an HTTP messaging gateway, one POST
// per target. Individual numbers and group chats share the endpoint; the
// group variant only differs in payload type and how targets are derived
// from the plan.
type WhatsAppChannel struct {
	GatewayURL string
	Token      string
	group      bool
	client     *http.Client
}

// NewWhatsAppChannel creates a channel for individual numbers.
func NewWhatsAppChannel(gatewayURL, token string) *WhatsAppChannel {
	return &WhatsAppChannel{
		GatewayURL: gatewayURL,
		Token:      token,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// NewWhatsAppGroupChannel creates a channel for group chats.
func NewWhatsAppGroupChannel(gatewayURL, token string) *WhatsAppChannel {
	ch := NewWhatsAppChannel(gatewayURL, token)
	ch.group = true
	return ch
}

func (w *WhatsAppChannel) Type() ChannelType {
	if w.group {
		return ChannelWhatsAppGroup
	}
	return ChannelWhatsApp
}

func (w *WhatsAppChannel) Send(ctx context.Context, msg Message, recipients []string) error {
	if w.GatewayURL == "" {
		return fmt.Errorf("whatsapp gateway not configured")
	}

	var failed []string
	for _, target := range recipients {
		if err := w.sendOne(ctx, msg, target); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", target, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("whatsapp send: %s", strings.Join(failed, "; "))
	}
	return nil
}

func (w *WhatsAppChannel) sendOne(ctx context.Context, msg Message, target string) error {
	payload := map[string]any{
		"to":      target,
		"message": msg.ShortText(),
	}
	if w.group {
		payload["type"] = "group"
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// GroupID extracts the group identifier from a WhatsApp invite link.
// Bare IDs pass through unchanged.
func GroupID(link string) string {
	link = strings.TrimRight(strings.TrimSpace(link), "/")
	if idx := strings.LastIndex(link, "/"); idx >= 0 {
		return link[idx+1:]
	}
	return link
}
