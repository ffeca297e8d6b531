package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/executor"
	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/natsutil"
	"github.com/t77yq/rent-scheduler/internal/notify"
	"github.com/t77yq/rent-scheduler/internal/telemetry"
)

const (
	alertStreamName   = "ALERTS"
	alertSubjectRoot  = "alert"
	jobResultSubjects = "job.result.*"
	recentAlertLimit  = 50
)

// AlertManager delivers health and job failure alerts to operators
type AlertManager struct {
	logger     *zap.Logger
	mailer     notify.Mailer
	limiter    Limiter
	recipients []string
	js         nats.JetStreamContext
	sub        *nats.Subscription
	now        func() time.Time

	mu     sync.Mutex
	recent []*model.Alert
}

// NewAlertManager creates a new alert manager
func NewAlertManager(mailer notify.Mailer, limiter Limiter, recipients []string, logger *zap.Logger) *AlertManager {
	return &AlertManager{
		logger:     logger.Named("alerts"),
		mailer:     mailer,
		limiter:    limiter,
		recipients: recipients,
		now:        time.Now,
	}
}

// SetJetStream enables publishing alerts and watching job results
func (m *AlertManager) SetJetStream(js nats.JetStreamContext) {
	m.js = js
}

// Start creates the alert stream and subscribes to job results
func (m *AlertManager) Start(ctx context.Context) error {
	if m.js == nil {
		return nil
	}

	err := natsutil.EnsureStream(m.js, &nats.StreamConfig{
		Name:     alertStreamName,
		Subjects: []string{alertSubjectRoot + ".*"},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	}, m.logger)
	if err != nil {
		return err
	}

	sub, err := m.js.Subscribe(jobResultSubjects, func(msg *nats.Msg) {
		m.handleJobResult(ctx, msg)
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to job results: %w", err)
	}
	m.sub = sub

	m.logger.Info("Alert manager started")
	return nil
}

// Stop stops the alert manager
func (m *AlertManager) Stop() {
	if m.sub != nil {
		if err := m.sub.Unsubscribe(); err != nil {
			m.logger.Warn("Failed to unsubscribe from job results", zap.Error(err))
		}
	}
}

// Recent returns the latest alerts, newest last
func (m *AlertManager) Recent() []*model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Alert, len(m.recent))
	copy(out, m.recent)
	return out
}

// SendHealthCheckAlert alerts on warning or critical status. Repeats of the
// same severity are rate limited.
func (m *AlertManager) SendHealthCheckAlert(ctx context.Context, status *model.HealthStatus) error {
	if status == nil || status.Status == model.HealthHealthy {
		return nil
	}

	alert := &model.Alert{
		Type:     model.AlertTypeHealth,
		Severity: status.Status,
		Message:  status.Message,
		Issues:   status.Metrics.Issues,
		Data: map[string]any{
			"success_rate": status.Metrics.SuccessRate,
			"running_jobs": status.Metrics.RunningJobs,
			"failed_jobs":  status.Metrics.FailedJobs,
			"stuck_jobs":   status.Metrics.StuckJobs,
		},
	}
	if len(status.Metrics.StuckJobs) > 0 {
		alert.Type = model.AlertTypeStuckJob
	}

	return m.raise(ctx, "health:"+string(status.Status), alert, func(to string) notify.Email {
		return notify.HealthAlert(to, status)
	})
}

// raise rate limits, records and delivers an alert
func (m *AlertManager) raise(ctx context.Context, key string, alert *model.Alert, email func(to string) notify.Email) error {
	allowed, err := m.limiter.Allow(ctx, key)
	if err != nil {
		m.logger.Warn("Alert rate limiter unavailable, sending anyway", zap.String("key", key), zap.Error(err))
		allowed = true
	}
	if !allowed {
		telemetry.AlertsSuppressed.WithLabelValues(string(alert.Severity)).Inc()
		m.logger.Debug("Alert suppressed", zap.String("key", key))
		return nil
	}

	alert.ID = uuid.New().String()
	alert.CreatedAt = m.now()
	m.remember(alert)

	var errs []error
	for _, to := range m.recipients {
		if err := m.mailer.Send(ctx, email(to)); err != nil {
			errs = append(errs, fmt.Errorf("failed to email %s: %w", to, err))
		}
	}
	if err := m.publish(alert); err != nil {
		errs = append(errs, err)
	}

	telemetry.AlertsSent.WithLabelValues(string(alert.Severity)).Inc()
	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.Strings("issues", alert.Issues))
	return errors.Join(errs...)
}

func (m *AlertManager) remember(alert *model.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > recentAlertLimit {
		m.recent = m.recent[len(m.recent)-recentAlertLimit:]
	}
}

func (m *AlertManager) publish(alert *model.Alert) error {
	if m.js == nil {
		return nil
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if _, err := m.js.Publish(alertSubjectRoot+"."+string(alert.Severity), data, nats.MsgId(alert.ID)); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// handleJobResult raises a warning when a job run fails
func (m *AlertManager) handleJobResult(ctx context.Context, msg *nats.Msg) {
	var event executor.ResultEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		m.logger.Error("Failed to unmarshal job result", zap.Error(err))
		return
	}
	if event.Status != string(model.ExecutionFailed) {
		return
	}

	reason := "unknown"
	if event.Result != nil {
		reason = executor.FailureReason(event.Result.Message)
	}
	alert := &model.Alert{
		Type:     model.AlertTypeJobFailure,
		Severity: model.HealthWarning,
		Message:  fmt.Sprintf("Job %s failed: %s", event.JobName, reason),
		Data: map[string]any{
			"job_name": event.JobName,
			"job_id":   event.JobID,
			"attempt":  event.Attempt,
		},
	}
	err := m.raise(ctx, "job_failure:"+event.JobName, alert, func(to string) notify.Email {
		return notify.Email{
			To:      to,
			Subject: "[WARNING] " + alert.Message,
			Text:    alert.Message + "\n",
		}
	})
	if err != nil {
		m.logger.Error("Failed to deliver job failure alert", zap.String("job", event.JobName), zap.Error(err))
	}
}
