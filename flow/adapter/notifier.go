package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/wneessen/go-mail"
)

// Interaction describes one pending human-in-the-loop request: what to
// ask, where, and what answers are acceptable. The pause controller
// builds it from the node's wait signal and hands it to a Notifier.
type Interaction struct {
	ExecutionID string
	NodeID      string

	// Kind is the interaction type: approval, input, selection, review.
	Kind string

	// Channel selects the notifier: slack, email, webhook, in_app.
	Channel string

	Message string

	// Options lists the acceptable answers for approval/selection
	// interactions.
	Options []string

	// Recipient is channel-specific: a Slack channel id, an email
	// address, or a webhook URL.
	Recipient string

	Deadline time.Time
}

// Notifier delivers an interaction on one channel and returns the
// external interaction id used to correlate the eventual response.
type Notifier interface {
	Notify(ctx context.Context, in Interaction) (interactionID string, err error)
}

// Notifiers is a registry of notification channels.
type Notifiers struct {
	mu sync.RWMutex
	m  map[string]Notifier
}

// NewNotifiers creates an empty registry.
func NewNotifiers() *Notifiers {
	return &Notifiers{m: make(map[string]Notifier)}
}

// Register adds or replaces the notifier for a channel.
func (n *Notifiers) Register(channel string, notifier Notifier) {
	n.mu.Lock()
	n.m[channel] = notifier
	n.mu.Unlock()
}

// Get returns the notifier for a channel.
func (n *Notifiers) Get(channel string) (Notifier, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	nt, ok := n.m[channel]
	return nt, ok
}

// InAppNotifier serves the in_app channel: the pending interaction is
// kept in memory for a UI to poll; no external call is made. The
// milestone log the engine emits alongside carries the same payload.
type InAppNotifier struct {
	mu      sync.RWMutex
	pending map[string]Interaction
}

// NewInAppNotifier creates an empty InAppNotifier.
func NewInAppNotifier() *InAppNotifier {
	return &InAppNotifier{pending: make(map[string]Interaction)}
}

// Notify implements Notifier.
func (n *InAppNotifier) Notify(_ context.Context, in Interaction) (string, error) {
	id := uuid.NewString()
	n.mu.Lock()
	n.pending[id] = in
	n.mu.Unlock()
	return id, nil
}

// Pending returns the interaction for an id, for UI polling.
func (n *InAppNotifier) Pending(id string) (Interaction, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	in, ok := n.pending[id]
	return in, ok
}

// Resolve drops a pending interaction once answered.
func (n *InAppNotifier) Resolve(id string) {
	n.mu.Lock()
	delete(n.pending, id)
	n.mu.Unlock()
}

// SlackNotifier posts the interaction as a Slack message. The returned
// interaction id is the message timestamp, which Slack threads replies
// under.
type SlackNotifier struct {
	api            slackAPI
	defaultChannel string
}

// NewSlackNotifier creates a SlackNotifier with a bot token and the
// channel used when an interaction names no recipient.
func NewSlackNotifier(token, defaultChannel string) *SlackNotifier {
	return &SlackNotifier{api: slack.New(token), defaultChannel: defaultChannel}
}

// Notify implements Notifier.
func (s *SlackNotifier) Notify(ctx context.Context, in Interaction) (string, error) {
	channel := in.Recipient
	if channel == "" {
		channel = s.defaultChannel
	}
	text := in.Message
	if len(in.Options) > 0 {
		text += "\nOptions: " + strings.Join(in.Options, " / ")
	}
	if !in.Deadline.IsZero() {
		text += fmt.Sprintf("\nRespond by %s", in.Deadline.Format(time.RFC1123))
	}
	_, ts, err := s.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return "", err
	}
	return ts, nil
}

// mailSender abstracts the SMTP client for tests.
type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// EmailNotifier sends the interaction as a plain-text email.
type EmailNotifier struct {
	sender mailSender
	from   string
}

// NewEmailNotifier builds an EmailNotifier over an SMTP relay with
// PLAIN auth on port 587.
func NewEmailNotifier(host string, port int, username, password, from string) (*EmailNotifier, error) {
	client, err := mail.NewClient(host,
		mail.WithPort(port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(username),
		mail.WithPassword(password),
	)
	if err != nil {
		return nil, err
	}
	return &EmailNotifier{sender: client, from: from}, nil
}

// Notify implements Notifier.
func (e *EmailNotifier) Notify(ctx context.Context, in Interaction) (string, error) {
	if in.Recipient == "" {
		return "", fmt.Errorf("email interaction for execution %s has no recipient", in.ExecutionID)
	}
	id := uuid.NewString()

	msg := mail.NewMsg()
	if err := msg.From(e.from); err != nil {
		return "", err
	}
	if err := msg.To(in.Recipient); err != nil {
		return "", err
	}
	msg.Subject(fmt.Sprintf("[%s] workflow %s needs your response", in.Kind, in.ExecutionID))
	body := in.Message
	if len(in.Options) > 0 {
		body += "\n\nOptions: " + strings.Join(in.Options, " / ")
	}
	body += "\n\nInteraction: " + id
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := e.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return "", err
	}
	return id, nil
}

// WebhookNotifier POSTs the interaction to a callback URL together with
// a signed resume token. The receiving system answers by presenting the
// token back, which maps onto a ResumeExecution call after
// verification.
type WebhookNotifier struct {
	invoker Invoker
	signer  *TokenSigner
	url     string
}

// NewWebhookNotifier creates a WebhookNotifier. The url is used when an
// interaction names no recipient.
func NewWebhookNotifier(invoker Invoker, signer *TokenSigner, url string) *WebhookNotifier {
	return &WebhookNotifier{invoker: invoker, signer: signer, url: url}
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, in Interaction) (string, error) {
	target := in.Recipient
	if target == "" {
		target = w.url
	}
	if target == "" {
		return "", fmt.Errorf("webhook interaction for execution %s has no target URL", in.ExecutionID)
	}

	token, err := w.signer.Issue(in.ExecutionID, in.NodeID, in.Deadline)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]any{
		"execution_id": in.ExecutionID,
		"node_id":      in.NodeID,
		"kind":         in.Kind,
		"message":      in.Message,
		"options":      in.Options,
		"deadline":     in.Deadline,
		"resume_token": token,
	})
	if err != nil {
		return "", err
	}

	resp, err := w.invoker.Do(ctx, Request{
		Method:  "POST",
		URL:     target,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    payload,
	})
	if err != nil {
		return "", err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return "", fmt.Errorf("webhook target returned %d", resp.Status)
	}
	return token, nil
}
