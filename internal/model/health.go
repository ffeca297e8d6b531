package model

import "time"

// HealthSeverity orders health states from best to worst
type HealthSeverity string

const (
	HealthHealthy  HealthSeverity = "healthy"
	HealthWarning  HealthSeverity = "warning"
	HealthCritical HealthSeverity = "critical"
)

func (s HealthSeverity) rank() int {
	switch s {
	case HealthCritical:
		return 2
	case HealthWarning:
		return 1
	default:
		return 0
	}
}

// Worse returns the more severe of s and other
func (s HealthSeverity) Worse(other HealthSeverity) HealthSeverity {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// SystemHealthMetrics is derived from the trailing window of execution logs
type SystemHealthMetrics struct {
	TotalJobs      int            `json:"total_jobs"`
	RunningJobs    int            `json:"running_jobs"`
	CompletedJobs  int            `json:"completed_jobs"`
	FailedJobs     int            `json:"failed_jobs"`
	AvgExecutionMs float64        `json:"avg_execution_ms"`
	SuccessRate    float64        `json:"success_rate"`
	SystemStatus   HealthSeverity `json:"system_status"`
	Issues         []string       `json:"issues"`
	StuckJobs      []string       `json:"stuck_jobs,omitempty"`
	DisabledJobs   []string       `json:"disabled_jobs,omitempty"`
	WindowStart    time.Time      `json:"window_start"`
	WindowEnd      time.Time      `json:"window_end"`
}

// QueueStats describes the backlog of one logical queue
type QueueStats struct {
	Queue       string `json:"queue"`
	Pending     uint64 `json:"pending"`
	AckPending  int    `json:"ack_pending"`
	Redelivered int    `json:"redelivered"`
}

// ResourceStats is a sample of process host resources
type ResourceStats struct {
	RunningJobs int       `json:"running_jobs"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}

// HealthStatus is the outcome of a health check
type HealthStatus struct {
	Status    HealthSeverity      `json:"status"`
	Message   string              `json:"message"`
	Metrics   SystemHealthMetrics `json:"metrics"`
	Queues    []QueueStats        `json:"queues,omitempty"`
	Resources *ResourceStats      `json:"resources,omitempty"`
	CheckedAt time.Time           `json:"checked_at"`
}
