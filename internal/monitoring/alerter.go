package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapack-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertActiveBlocks   AlertType = "active_blocks"
)

const (
	// minFinishedRuns is the sample size below which the failure rate is not alerted on.
	minFinishedRuns = 3
	alertSource     = "datapack-cli"
)

// Alert is one threshold breach.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns a snapshot into alerts and posts them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates an Alerter.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert

	finished := snap.FinishedRuns()
	if finished >= minFinishedRuns && snap.RunFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Industry run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.RunFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.RunFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: snap.CollectedAt,
		})
	}

	if a.cfg.ActiveBlockThreshold > 0 && snap.BlocksActive >= a.cfg.ActiveBlockThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertActiveBlocks,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d sources are blocked (threshold %d, %d rate limited)",
				snap.BlocksActive, a.cfg.ActiveBlockThreshold, snap.BlocksRateLimited,
			),
			Details: map[string]any{
				"active":       snap.BlocksActive,
				"rate_limited": snap.BlocksRateLimited,
				"total":        snap.BlocksTotal,
			},
			Timestamp: snap.CollectedAt,
		})
	}

	return alerts
}

// webhookPayload is the body posted to the webhook. One check produces at
// most one request.
type webhookPayload struct {
	Source string  `json:"source"`
	Alerts []Alert `json:"alerts"`
}

// SendAlerts posts alerts to the configured webhook in a single request and
// returns how many were delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	if err := a.post(ctx, webhookPayload{Source: alertSource, Alerts: alerts}); err != nil {
		types := make([]string, 0, len(alerts))
		for _, al := range alerts {
			types = append(types, string(al.Type))
		}
		zap.L().Error("monitoring: webhook delivery failed",
			zap.Strings("types", types),
			zap.Error(err),
		)
		return 0
	}
	return len(alerts)
}

func (a *Alerter) post(ctx context.Context, body webhookPayload) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alerts")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
