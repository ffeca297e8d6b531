package model

import (
	"encoding/json"
	"time"
)

// Job slugs
const (
	JobRentGeneration      = "rent-generation"
	JobReminderEmail       = "reminder-email"
	JobOverdueNotification = "overdue-notification"
	JobAutoPayProcessing   = "auto-pay-processing"
	JobHealthCheck         = "health-check"
	JobAnalytics           = "analytics"
)

// Logical queues
const (
	QueuePaymentJobs      = "payment-jobs"
	QueueNotificationJobs = "notification-jobs"
	QueueMonitoringJobs   = "monitoring-jobs"
	QueueAnalyticsJobs    = "analytics-jobs"
)

// JobPriority orders jobs within a queue
type JobPriority int

const (
	JobPriorityLow    JobPriority = 1
	JobPriorityNormal JobPriority = 2
	JobPriorityHigh   JobPriority = 3
)

// RetryPolicy describes how the scheduling layer retries a failed run
type RetryPolicy struct {
	MaxRetries   int   `json:"max_retries" mapstructure:"max_retries"`
	RetryDelayMs int64 `json:"retry_delay_ms" mapstructure:"retry_delay_ms"`
}

// RetryDelay returns the configured delay as a duration
func (p RetryPolicy) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

// JobDefinition is one row of the schedule table
type JobDefinition struct {
	Slug           string          `json:"slug"`
	CronExpression string          `json:"cron_expression"`
	Queue          string          `json:"queue"`
	Enabled        bool            `json:"enabled"`
	Timezone       string          `json:"timezone"`
	Description    string          `json:"description"`
	Priority       JobPriority     `json:"priority"`
	RetryPolicy    RetryPolicy     `json:"retry_policy"`
	DefaultInput   json.RawMessage `json:"default_input,omitempty"`

	// MaxExecution is the ceiling after which a running invocation counts as stuck.
	MaxExecution time.Duration `json:"max_execution"`

	NextRunTime *time.Time `json:"next_run_time,omitempty"`
	LastRunTime *time.Time `json:"last_run_time,omitempty"`
}

// FailedDetail records why a single record failed inside a batch
type FailedDetail struct {
	RecordID string `json:"record_id"`
	Error    string `json:"error"`
}

// JobResult is the uniform outcome of a job run
type JobResult struct {
	Success          bool           `json:"success"`
	Message          string         `json:"message"`
	Data             map[string]any `json:"data,omitempty"`
	RecordsProcessed int            `json:"records_processed"`
	RecordsFailed    int            `json:"records_failed"`
	RecordsSkipped   int            `json:"records_skipped"`
	FailedDetails    []FailedDetail `json:"failed_details,omitempty"`
	ExecutionTimeMs  int64          `json:"execution_time_ms"`
}

// Skipped builds the successful no-op result returned when a precondition is not met
func Skipped(message string) *JobResult {
	return &JobResult{
		Success: true,
		Message: message,
		Data:    map[string]any{"skipped": true},
	}
}

// AddFailure records a per-record failure
func (r *JobResult) AddFailure(recordID string, err error) {
	r.RecordsFailed++
	r.FailedDetails = append(r.FailedDetails, FailedDetail{RecordID: recordID, Error: err.Error()})
}

// JobTrigger is what the trigger source hands to an executor
type JobTrigger struct {
	Slug        string          `json:"slug"`
	Queue       string          `json:"queue"`
	Input       json.RawMessage `json:"input,omitempty"`
	Attempt     int             `json:"attempt"`
	TriggeredAt time.Time       `json:"triggered_at"`
}
