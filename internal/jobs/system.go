package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/model"
)

// HealthChecker computes the health of the job system
type HealthChecker interface {
	PerformHealthCheck(ctx context.Context) (*model.HealthStatus, error)
}

// HealthAlerter notifies operators about a degraded system
type HealthAlerter interface {
	SendHealthCheckAlert(ctx context.Context, status *model.HealthStatus) error
}

// Reporter builds periodic execution reports
type Reporter interface {
	GenerateReport(ctx context.Context, period model.ReportPeriod, dateRange *model.DateRange) (*model.JobReport, error)
}

// HealthCheck runs the health monitor and alerts on warning or critical status
type HealthCheck struct {
	checker HealthChecker
	alerter HealthAlerter
	logger  *zap.Logger
}

// NewHealthCheck creates the health check job
func NewHealthCheck(checker HealthChecker, alerter HealthAlerter, logger *zap.Logger) *HealthCheck {
	return &HealthCheck{checker: checker, alerter: alerter, logger: logger.Named(model.JobHealthCheck)}
}

// Slug implements executor.Job
func (j *HealthCheck) Slug() string {
	return model.JobHealthCheck
}

// Run implements executor.Job. A degraded system is still a successful check.
func (j *HealthCheck) Run(ctx context.Context, _ json.RawMessage) (*model.JobResult, error) {
	status, err := j.checker.PerformHealthCheck(ctx)
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}

	alerted := false
	if status.Status != model.HealthHealthy && j.alerter != nil {
		if err := j.alerter.SendHealthCheckAlert(ctx, status); err != nil {
			j.logger.Error("Failed to send health alert", zap.Error(err))
		} else {
			alerted = true
		}
	}

	return &model.JobResult{
		Success: true,
		Message: status.Message,
		Data: map[string]any{
			"status":       status.Status,
			"success_rate": status.Metrics.SuccessRate,
			"running_jobs": status.Metrics.RunningJobs,
			"issues":       status.Metrics.Issues,
			"alerted":      alerted,
		},
		RecordsProcessed: 1,
	}, nil
}

// AnalyticsInput selects the report. ReportDate (YYYY-MM-DD) is the day the
// report covers; it defaults to today.
type AnalyticsInput struct {
	ReportDate string             `json:"reportDate,omitempty"`
	Period     model.ReportPeriod `json:"period,omitempty"`
}

// Analytics generates the execution report
type Analytics struct {
	reporter Reporter
	location *time.Location
	logger   *zap.Logger
}

// NewAnalytics creates the analytics job
func NewAnalytics(reporter Reporter, location *time.Location, logger *zap.Logger) *Analytics {
	if location == nil {
		location = time.UTC
	}
	return &Analytics{reporter: reporter, location: location, logger: logger.Named(model.JobAnalytics)}
}

// Slug implements executor.Job
func (j *Analytics) Slug() string {
	return model.JobAnalytics
}

// Run implements executor.Job
func (j *Analytics) Run(ctx context.Context, raw json.RawMessage) (*model.JobResult, error) {
	var in AnalyticsInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}

	var dateRange *model.DateRange
	period := in.Period
	if period == "" {
		period = model.ReportDaily
	}
	if in.ReportDate != "" {
		day, err := time.ParseInLocation(time.DateOnly, in.ReportDate, j.location)
		if err != nil {
			return nil, fmt.Errorf("invalid reportDate %q: %w", in.ReportDate, err)
		}
		dateRange = &model.DateRange{From: day, To: day.AddDate(0, 0, 1)}
		period = model.ReportCustom
	}

	report, err := j.reporter.GenerateReport(ctx, period, dateRange)
	if err != nil {
		return nil, err
	}

	return &model.JobResult{
		Success: true,
		Message: fmt.Sprintf("%s report: %d executions, %.1f%% success", report.Period, report.TotalExecutions, report.SuccessRate*100),
		Data: map[string]any{
			"period":           report.Period,
			"total_executions": report.TotalExecutions,
			"success_rate":     report.SuccessRate,
			"recommendations":  report.Recommendations,
		},
		RecordsProcessed: report.TotalExecutions,
	}, nil
}
