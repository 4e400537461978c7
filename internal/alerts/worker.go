// Package alerts fans anomalies out to notification channels.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cost-watchdog/backend/internal/config"
	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/metrics"
)

// Worker creates alert rows for detected anomalies and delivers them.
type Worker struct {
	alerts   *database.AlertRepo
	anoms    *database.AnomalyRepo
	channels map[core.AlertChannel]Channel
	cfg      config.AlertsConfig
	metrics  *metrics.Metrics
	logger   *log.Logger
	now      func() time.Time
}

func NewWorker(
	alerts *database.AlertRepo,
	anoms *database.AnomalyRepo,
	channels map[core.AlertChannel]Channel,
	cfg config.AlertsConfig,
	m *metrics.Metrics,
) *Worker {
	return &Worker{
		alerts:   alerts,
		anoms:    anoms,
		channels: channels,
		cfg:      cfg,
		metrics:  m,
		logger:   log.New(log.Writer(), "[Alerts] ", log.LstdFlags),
		now:      time.Now,
	}
}

// anomalyJob is the payload of an anomaly.detected queue job.
type anomalyJob struct {
	AnomalyID string `json:"anomaly_id"`
	AlertID   string `json:"alert_id,omitempty"`
}

// Handle processes one alerts-queue job. A job either references an
// existing alert row (retry path) or an anomaly to fan out. Errors are
// returned so the queue retries with backoff.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	var job anomalyJob
	if err := json.Unmarshal(payload, &job); err != nil {
		// Malformed payloads can never succeed; drop instead of retrying.
		w.logger.Printf("dropping malformed alert job: %v", err)
		return nil
	}
	if job.AlertID != "" {
		return w.Deliver(ctx, job.AlertID)
	}
	if job.AnomalyID == "" {
		w.logger.Printf("dropping alert job without anomaly or alert id")
		return nil
	}
	return w.FanOut(ctx, job.AnomalyID)
}

// FanOut creates pending alert rows for every configured channel of an
// anomaly, then delivers them. Existing alerts for the anomaly are not
// duplicated, which keeps redelivered jobs idempotent.
func (w *Worker) FanOut(ctx context.Context, anomalyID string) error {
	anom, err := w.anoms.GetByID(ctx, anomalyID)
	if err != nil {
		return err
	}

	existing, err := w.alerts.ListByAnomaly(ctx, anomalyID)
	if err != nil {
		return err
	}
	have := make(map[core.AlertChannel]bool, len(existing))
	for _, a := range existing {
		have[a.Channel] = true
	}

	targets := w.targets()
	var firstErr error
	for _, t := range targets {
		if !have[t.channel] {
			alert := &core.Alert{
				ID:        uuid.NewString(),
				AnomalyID: anom.ID,
				Channel:   t.channel,
				Recipient: t.recipient,
				Status:    core.AlertPending,
				CreatedAt: w.now().UTC(),
			}
			if err := w.alerts.Insert(ctx, alert); err != nil {
				return err
			}
			existing = append(existing, alert)
		}
	}

	for _, alert := range existing {
		if err := w.Deliver(ctx, alert.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type target struct {
	channel   core.AlertChannel
	recipient string
}

func (w *Worker) targets() []target {
	var out []target
	if w.cfg.DefaultEmail != "" {
		out = append(out, target{core.ChannelEmail, w.cfg.DefaultEmail})
	}
	if w.cfg.SlackWebhookURL != "" {
		out = append(out, target{core.ChannelSlack, w.cfg.SlackWebhookURL})
	}
	if w.cfg.TeamsWebhookURL != "" {
		out = append(out, target{core.ChannelTeams, w.cfg.TeamsWebhookURL})
	}
	out = append(out, target{core.ChannelInApp, ""})
	return out
}

// Deliver sends one alert. Non-pending alerts return immediately so retried
// jobs cannot double-send. Hitting the daily cap marks the alert failed
// without attempting delivery.
func (w *Worker) Deliver(ctx context.Context, alertID string) error {
	alert, err := w.alerts.GetByID(ctx, alertID)
	if err != nil {
		return err
	}
	if alert.Status != core.AlertPending {
		return nil
	}

	sentToday, err := w.alerts.CountSentToday(ctx, w.now().UTC())
	if err != nil {
		return err
	}
	if w.cfg.MaxAlertsPerDay > 0 && sentToday >= w.cfg.MaxAlertsPerDay {
		w.logger.Printf("daily alert cap %d reached, failing alert %s", w.cfg.MaxAlertsPerDay, alert.ID)
		w.metrics.AlertsDispatched.WithLabelValues(string(alert.Channel), "capped").Inc()
		return w.alerts.MarkFailed(ctx, alert.ID, "daily alert cap reached")
	}

	ch, ok := w.channels[alert.Channel]
	if !ok {
		return w.alerts.MarkFailed(ctx, alert.ID, fmt.Sprintf("no channel adapter for %s", alert.Channel))
	}

	n, err := w.render(ctx, alert)
	if err != nil {
		return err
	}

	if err := ch.Send(ctx, alert.Recipient, n); err != nil {
		w.metrics.AlertsDispatched.WithLabelValues(string(alert.Channel), "failed").Inc()
		if markErr := w.alerts.MarkFailed(ctx, alert.ID, err.Error()); markErr != nil {
			return markErr
		}
		// Propagate so the queue retries; the retry re-reads the row,
		// which is failed now, so a manual reset gates redelivery.
		return err
	}

	w.metrics.AlertsDispatched.WithLabelValues(string(alert.Channel), "sent").Inc()
	return w.alerts.MarkSent(ctx, alert.ID, w.now().UTC())
}

func (w *Worker) render(ctx context.Context, alert *core.Alert) (Notification, error) {
	anom, err := w.anoms.GetByID(ctx, alert.AnomalyID)
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		Title:    fmt.Sprintf("Cost anomaly: %s", anom.Type),
		Body:     anom.Message,
		Severity: anom.Severity,
	}, nil
}
