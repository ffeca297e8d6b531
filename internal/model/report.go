package model

import "time"

// ReportPeriod names the window of an analytics report
type ReportPeriod string

const (
	ReportDaily   ReportPeriod = "daily"
	ReportWeekly  ReportPeriod = "weekly"
	ReportMonthly ReportPeriod = "monthly"
	ReportCustom  ReportPeriod = "custom"
)

// PaymentSystemMetrics is derived from the outputs of business jobs
type PaymentSystemMetrics struct {
	PaymentsGenerated    int     `json:"payments_generated"`
	RemindersSent        int     `json:"reminders_sent"`
	RemindersFailed      int     `json:"reminders_failed"`
	ReminderDeliveryRate float64 `json:"reminder_delivery_rate"`
	OverdueNoticesSent   int     `json:"overdue_notices_sent"`
	AutoPayAttempts      int     `json:"auto_pay_attempts"`
	AutoPaySuccesses     int     `json:"auto_pay_successes"`
	AutoPayFailures      int     `json:"auto_pay_failures"`
	AutoPayFailureRate   float64 `json:"auto_pay_failure_rate"`
}

// JobReport is a periodic rollup of execution logs
type JobReport struct {
	Period          ReportPeriod             `json:"period"`
	Range           DateRange                `json:"range"`
	GeneratedAt     time.Time                `json:"generated_at"`
	TotalExecutions int                      `json:"total_executions"`
	Successful      int                      `json:"successful"`
	Failed          int                      `json:"failed"`
	SuccessRate     float64                  `json:"success_rate"`
	AvgDurationMs   float64                  `json:"avg_duration_ms"`
	ByJob           map[string]*JobBreakdown `json:"by_job"`
	FailureReasons  map[string]int           `json:"failure_reasons"`
	PaymentMetrics  PaymentSystemMetrics     `json:"payment_metrics"`
	Recommendations []string                 `json:"recommendations"`
}
