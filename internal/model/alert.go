package model

import "time"

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeHealth     AlertType = "health_check"
	AlertTypeStuckJob   AlertType = "stuck_job"
	AlertTypeJobFailure AlertType = "job_failure"
)

// Alert represents an alert event
type Alert struct {
	ID        string         `json:"id"`
	Type      AlertType      `json:"type"`
	Severity  HealthSeverity `json:"severity"`
	Message   string         `json:"message"`
	Issues    []string       `json:"issues,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
