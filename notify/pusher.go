package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// LogPusher writes messages to the log. It is the default when no push
// gateway is configured.
type LogPusher struct {
	Log logrus.FieldLogger
}

func (p LogPusher) Push(_ context.Context, msg OutboxMessage) error {
	log := p.Log
	if log == nil {
		log = logrus.WithField("prefix", "push")
	}
	log.WithFields(logrus.Fields{
		"topic":     msg.Topic,
		"recipient": msg.RecipientID,
		"id":        msg.ID,
	}).Info(string(msg.Payload))
	return nil
}

// WebhookPusher POSTs the message payload to a push gateway.
type WebhookPusher struct {
	URL    string
	Client *http.Client
}

func NewWebhookPusher(url string, timeout time.Duration) *WebhookPusher {
	return &WebhookPusher{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (p *WebhookPusher) Push(ctx context.Context, msg OutboxMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Topic", msg.Topic)
	req.Header.Set("X-Recipient", msg.RecipientID)
	req.Header.Set("Idempotency-Key", msg.ID)

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push: gateway returned %d", resp.StatusCode)
	}
	return nil
}
