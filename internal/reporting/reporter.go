// Package reporting builds execution reports from job logs. Reports are read
// only with respect to payment data.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/eligibility"
	"github.com/t77yq/rent-scheduler/internal/executor"
	"github.com/t77yq/rent-scheduler/internal/model"
)

// ErrInvalidRange is returned for a custom report without a usable range
var ErrInvalidRange = errors.New("invalid report range")

const (
	minSuccessRate          = 0.95
	minJobSuccessRate       = 0.90
	maxAutoPayFailureRate   = 0.10
	minReminderDeliveryRate = 0.80
)

// LogSource reads execution logs
type LogSource interface {
	Query(ctx context.Context, filter model.LogFilter) ([]*model.JobExecutionLog, error)
}

// Archiver stores a copy of each generated report
type Archiver interface {
	Archive(ctx context.Context, report *model.JobReport) error
}

// Reporter generates periodic execution reports
type Reporter struct {
	logger   *zap.Logger
	logs     LogSource
	archiver Archiver
	location *time.Location
	now      func() time.Time
}

// NewReporter creates a new reporter
func NewReporter(logs LogSource, location *time.Location, logger *zap.Logger) *Reporter {
	if location == nil {
		location = time.UTC
	}
	return &Reporter{
		logger:   logger.Named("reporting"),
		logs:     logs,
		location: location,
		now:      time.Now,
	}
}

// SetArchiver attaches report archiving
func (r *Reporter) SetArchiver(a Archiver) {
	r.archiver = a
}

// Window resolves the concrete range of a named period
func (r *Reporter) Window(period model.ReportPeriod, custom *model.DateRange) (model.DateRange, error) {
	today := eligibility.StartOfDay(r.now().In(r.location))
	switch period {
	case model.ReportDaily:
		return model.DateRange{From: today, To: today.AddDate(0, 0, 1)}, nil
	case model.ReportWeekly:
		return model.DateRange{From: today.AddDate(0, 0, -6), To: today.AddDate(0, 0, 1)}, nil
	case model.ReportMonthly:
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, r.location)
		return model.DateRange{From: first, To: first.AddDate(0, 1, 0)}, nil
	case model.ReportCustom:
		if custom == nil || custom.From.IsZero() || custom.To.IsZero() || !custom.To.After(custom.From) {
			return model.DateRange{}, ErrInvalidRange
		}
		return *custom, nil
	default:
		return model.DateRange{}, fmt.Errorf("%w: unknown period %q", ErrInvalidRange, period)
	}
}

// GenerateReport builds the report for a period. An explicit range is only
// used for custom reports.
func (r *Reporter) GenerateReport(ctx context.Context, period model.ReportPeriod, dateRange *model.DateRange) (*model.JobReport, error) {
	window, err := r.Window(period, dateRange)
	if err != nil {
		return nil, err
	}

	entries, err := r.logs.Query(ctx, model.LogFilter{DateRange: &window})
	if err != nil {
		return nil, fmt.Errorf("failed to query execution logs: %w", err)
	}
	stats := executor.Aggregate(entries)

	report := &model.JobReport{
		Period:          period,
		Range:           window,
		GeneratedAt:     r.now(),
		TotalExecutions: stats.Total,
		Successful:      stats.Completed,
		Failed:          stats.Failed + stats.Cancelled,
		SuccessRate:     stats.SuccessRate,
		AvgDurationMs:   stats.AvgDurationMs,
		ByJob:           stats.PerJob,
		FailureReasons:  stats.FailureReasonHistogram,
		PaymentMetrics:  PaymentMetrics(entries),
	}
	report.Recommendations = Recommendations(report)

	r.logger.Info("Report generated",
		zap.String("period", string(period)),
		zap.Time("from", window.From),
		zap.Time("to", window.To),
		zap.Int("executions", report.TotalExecutions),
		zap.Float64("success_rate", report.SuccessRate))

	if r.archiver != nil {
		if err := r.archiver.Archive(ctx, report); err != nil {
			r.logger.Warn("Failed to archive report", zap.Error(err))
		}
	}
	return report, nil
}

// PaymentMetrics derives payment system counters from the outputs of finished business jobs
func PaymentMetrics(entries []*model.JobExecutionLog) model.PaymentSystemMetrics {
	var m model.PaymentSystemMetrics
	for _, e := range entries {
		if !e.Finished() {
			continue
		}
		res := executor.DecodeResult(e.Output)
		if res == nil {
			continue
		}
		switch e.JobName {
		case model.JobRentGeneration:
			m.PaymentsGenerated += res.RecordsProcessed
		case model.JobReminderEmail:
			m.RemindersSent += res.RecordsProcessed
			m.RemindersFailed += res.RecordsFailed
		case model.JobOverdueNotification:
			m.OverdueNoticesSent += res.RecordsProcessed
		case model.JobAutoPayProcessing:
			attempts := res.RecordsProcessed + res.RecordsFailed
			if v, ok := res.Data["attempts"].(float64); ok {
				attempts = int(v)
			}
			m.AutoPayAttempts += attempts
			m.AutoPaySuccesses += res.RecordsProcessed
			m.AutoPayFailures += res.RecordsFailed
		}
	}

	m.ReminderDeliveryRate = 1
	if total := m.RemindersSent + m.RemindersFailed; total > 0 {
		m.ReminderDeliveryRate = float64(m.RemindersSent) / float64(total)
	}
	if m.AutoPayAttempts > 0 {
		m.AutoPayFailureRate = float64(m.AutoPayFailures) / float64(m.AutoPayAttempts)
	}
	return m
}

// Recommendations applies the reporting rules to a finished report
func Recommendations(report *model.JobReport) []string {
	var recs []string
	finished := report.Successful + report.Failed
	if finished > 0 && report.SuccessRate < minSuccessRate {
		recs = append(recs, fmt.Sprintf("Overall success rate %.1f%% is below %.0f%%; review failing jobs", report.SuccessRate*100, minSuccessRate*100))
	}

	names := make([]string, 0, len(report.ByJob))
	for name := range report.ByJob {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		job := report.ByJob[name]
		if job.Successes+job.Failures > 0 && job.SuccessRate < minJobSuccessRate {
			recs = append(recs, fmt.Sprintf("Job %s succeeded in only %.1f%% of runs", name, job.SuccessRate*100))
		}
	}

	pm := report.PaymentMetrics
	if pm.AutoPayAttempts > 0 && pm.AutoPayFailureRate > maxAutoPayFailureRate {
		recs = append(recs, fmt.Sprintf("Auto-pay failure rate %.1f%% is above %.0f%%; check the payment gateway and stored payment methods", pm.AutoPayFailureRate*100, maxAutoPayFailureRate*100))
	}
	if pm.RemindersSent+pm.RemindersFailed > 0 && pm.ReminderDeliveryRate < minReminderDeliveryRate {
		recs = append(recs, fmt.Sprintf("Reminder delivery rate %.1f%% is below %.0f%%; check the mail server", pm.ReminderDeliveryRate*100, minReminderDeliveryRate*100))
	}

	if reason, count := topReason(report.FailureReasons); count > 1 {
		recs = append(recs, fmt.Sprintf("Most common failure (%d runs): %s", count, reason))
	}
	return recs
}

func topReason(hist map[string]int) (string, int) {
	var (
		best  string
		count int
	)
	for reason, n := range hist {
		if n > count || (n == count && reason < best) {
			best, count = reason, n
		}
	}
	return best, count
}
