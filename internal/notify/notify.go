package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Event is an operational alert: a scraper was auto-paused, a run failed
// repeatedly, a breaker opened.
type Event struct {
	Type    string    `json:"type"`
	Scraper string    `json:"scraper,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

const (
	EventScraperPaused  = "scraper_paused"
	EventScraperHealthy = "scraper_reactivated"
	EventRunFailed      = "run_failed"
)

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier is the default sink when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, ev Event) error {
	log.Printf("[notify] %s scraper=%s: %s", ev.Type, ev.Scraper, ev.Message)
	return nil
}

// WebhookNotifier POSTs events as JSON to a configured endpoint. Failures
// are logged, never fatal: alerting must not take down ingestion.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func NewWebhook(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		log.Printf("[notify] webhook delivery failed: %v", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook returned %d", resp.StatusCode)
		log.Printf("[notify] %v", err)
		return err
	}
	return nil
}

// FromConfig picks the webhook sink when a URL is configured, the log sink
// otherwise.
func FromConfig(webhookURL string) Notifier {
	if webhookURL != "" {
		return NewWebhook(webhookURL)
	}
	return LogNotifier{}
}
