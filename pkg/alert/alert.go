// Package alert delivers operator-facing alerts for faults a device cannot
// recover from on its own. A renderer that lost its mount container needs a
// person with a screwdriver or a shell, not another retry loop.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/screenfleet/ScreenAgent/internal/env"
)

// EnvAlertWebhookURL configures where fatal alerts are posted. Empty means
// alerts only reach the error log.
const EnvAlertWebhookURL = "ALERT_WEBHOOK_URL"

// SeverityFatal marks alerts that require manual intervention.
const SeverityFatal = "fatal"

// Alert is one operator-facing event.
type Alert struct {
	DeviceID string    `json:"deviceId"`
	Severity string    `json:"severity"`
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Alerter delivers alerts to wherever operators watch.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// NewFromEnv returns a throttled webhook alerter when ALERT_WEBHOOK_URL is
// set and a log-only alerter otherwise.
func NewFromEnv() Alerter {
	url := env.String(EnvAlertWebhookURL, "")
	if url == "" {
		log.Info().Msg("no alert webhook configured, fatal alerts go to the error log only")
		return LogAlerter{}
	}
	alerter, err := NewWebhookAlerter(url, nil)
	if err != nil {
		log.Error().Err(err).Msg("alert webhook misconfigured, falling back to log alerter")
		return LogAlerter{}
	}
	return NewThrottledAlerter(alerter, DefaultAlertBurst, DefaultAlertWindow)
}

// WebhookAlerter posts alerts as JSON to a fixed webhook endpoint.
type WebhookAlerter struct {
	url        string
	httpClient *http.Client
}

// NewWebhookAlerter builds an alerter for the given webhook URL. A nil client
// falls back to a short-lived default client.
func NewWebhookAlerter(url string, client *http.Client) (*WebhookAlerter, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("alert webhook url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookAlerter{url: url, httpClient: client}, nil
}

// Alert posts one alert. Non-2xx responses are returned as errors with the
// response body attached so operators can see what the receiver rejected.
func (w *WebhookAlerter) Alert(ctx context.Context, a Alert) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	if a.Severity == "" {
		a.Severity = SeverityFatal
	}
	body, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "marshal alert payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build alert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "post alert")
	}
	respBody, _ := io.ReadAll(resp.Body)
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Error().
			Str("webhook_url", w.url).
			Int("status_code", resp.StatusCode).
			Str("device", a.DeviceID).
			Msg("alert webhook rejected the alert")
		return errors.Errorf("alert webhook responded with status %d: %s", resp.StatusCode, string(respBody))
	}
	log.Info().
		Str("device", a.DeviceID).
		Str("code", a.Code).
		Msg("fatal alert delivered")
	return nil
}

// LogAlerter writes alerts to the error log. It is the fallback used when no
// webhook is configured so a fatal fault is never silently dropped.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, a Alert) error {
	log.Error().
		Str("device", a.DeviceID).
		Str("severity", a.Severity).
		Str("code", a.Code).
		Str("message", a.Message).
		Msg("FATAL device fault, manual intervention required")
	return nil
}
