// Package notifications delivers completion events to an operator-provided
// webhook.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"code.cloudfoundry.org/lager"
)

type completedEvent struct {
	Environment string    `json:"environment"`
	DnsNames    []string  `json:"dnsNames"`
	ExpireOn    time.Time `json:"expireOn"`
}

// WebhookSink posts a small JSON document per issued or renewed
// certificate. Delivery is best effort, callers log and move on.
type WebhookSink struct {
	url    string
	client *http.Client
	logger lager.Logger
}

func NewWebhookSink(url string, client *http.Client, logger lager.Logger) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{
		url:    url,
		client: client,
		logger: logger.Session("webhook-sink"),
	}
}

func (w *WebhookSink) SendCompletedEvent(ctx context.Context, environmentName string, expireOn time.Time, dnsNames []string) error {
	body, err := json.Marshal(completedEvent{
		Environment: environmentName,
		DnsNames:    dnsNames,
		ExpireOn:    expireOn,
	})
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := w.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", response.Status)
	}
	w.logger.Info("completed-event-sent", lager.Data{"dns-names": dnsNames})
	return nil
}
