package scheduler

import (
	"encoding/json"
	"time"

	"github.com/t77yq/rent-scheduler/internal/model"
)

// DefaultDefinitions returns the built-in schedule table
func DefaultDefinitions(timezone string) []model.JobDefinition {
	if timezone == "" {
		timezone = "UTC"
	}
	return []model.JobDefinition{
		{
			Slug:           model.JobRentGeneration,
			CronExpression: "0 6 1 * *",
			Queue:          model.QueuePaymentJobs,
			Enabled:        true,
			Timezone:       timezone,
			Description:    "Generate monthly rent payments for active bookings",
			Priority:       model.JobPriorityHigh,
			RetryPolicy:    model.RetryPolicy{MaxRetries: 3, RetryDelayMs: 60_000},
			DefaultInput:   json.RawMessage(`{}`),
			MaxExecution:   30 * time.Minute,
		},
		{
			Slug:           model.JobReminderEmail,
			CronExpression: "0 9 * * *",
			Queue:          model.QueueNotificationJobs,
			Enabled:        true,
			Timezone:       timezone,
			Description:    "Send payment reminders ahead of due dates",
			Priority:       model.JobPriorityNormal,
			RetryPolicy:    model.RetryPolicy{MaxRetries: 2, RetryDelayMs: 300_000},
			DefaultInput:   json.RawMessage(`{}`),
			MaxExecution:   30 * time.Minute,
		},
		{
			Slug:           model.JobOverdueNotification,
			CronExpression: "0 10 * * *",
			Queue:          model.QueueNotificationJobs,
			Enabled:        true,
			Timezone:       timezone,
			Description:    "Notify customers about overdue payments",
			Priority:       model.JobPriorityNormal,
			RetryPolicy:    model.RetryPolicy{MaxRetries: 2, RetryDelayMs: 300_000},
			DefaultInput:   json.RawMessage(`{}`),
			MaxExecution:   30 * time.Minute,
		},
		{
			Slug:           model.JobAutoPayProcessing,
			CronExpression: "0 8 * * *",
			Queue:          model.QueuePaymentJobs,
			Enabled:        true,
			Timezone:       timezone,
			Description:    "Charge customers enrolled in automatic payments",
			Priority:       model.JobPriorityHigh,
			RetryPolicy:    model.RetryPolicy{MaxRetries: 3, RetryDelayMs: 120_000},
			DefaultInput:   json.RawMessage(`{}`),
			MaxExecution:   30 * time.Minute,
		},
		{
			Slug:           model.JobHealthCheck,
			CronExpression: "*/5 * * * *",
			Queue:          model.QueueMonitoringJobs,
			Enabled:        true,
			Timezone:       timezone,
			Description:    "Check job system health and alert on problems",
			Priority:       model.JobPriorityLow,
			RetryPolicy:    model.RetryPolicy{MaxRetries: 0},
			DefaultInput:   json.RawMessage(`{}`),
			MaxExecution:   5 * time.Minute,
		},
		{
			Slug:           model.JobAnalytics,
			CronExpression: "0 23 * * *",
			Queue:          model.QueueAnalyticsJobs,
			Enabled:        true,
			Timezone:       timezone,
			Description:    "Build the daily job report",
			Priority:       model.JobPriorityLow,
			RetryPolicy:    model.RetryPolicy{MaxRetries: 1, RetryDelayMs: 600_000},
			DefaultInput:   json.RawMessage(`{}`),
			MaxExecution:   30 * time.Minute,
		},
	}
}
