package model

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of a job execution log
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// JobExecutionLog records a single job invocation
type JobExecutionLog struct {
	ID           string          `json:"id"`
	JobName      string          `json:"job_name"`
	JobID        string          `json:"job_id"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
	Status       ExecutionStatus `json:"status"`
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Queue        string          `json:"queue"`
	Priority     JobPriority     `json:"priority"`

	// Ephemeral marks an entry that has not reached the log store yet.
	Ephemeral bool `json:"ephemeral,omitempty"`
}

// Finished reports whether the run has a completion record
func (l *JobExecutionLog) Finished() bool {
	return l.Status != ExecutionRunning
}

// DateRange is a half-open interval [From, To)
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the range
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// LogFilter selects execution logs
type LogFilter struct {
	JobName   string
	Status    ExecutionStatus
	Success   *bool
	DateRange *DateRange
	Limit     int
	Offset    int
}

// JobBreakdown aggregates executions of one job
type JobBreakdown struct {
	JobName          string  `json:"job_name"`
	Executions       int     `json:"executions"`
	Successes        int     `json:"successes"`
	Failures         int     `json:"failures"`
	Running          int     `json:"running"`
	SuccessRate      float64 `json:"success_rate"`
	AvgDurationMs    float64 `json:"avg_duration_ms"`
	RecordsProcessed int     `json:"records_processed"`
	RecordsFailed    int     `json:"records_failed"`
}

// ExecutionStats aggregates execution logs over a window
type ExecutionStats struct {
	Total                  int                      `json:"total"`
	Running                int                      `json:"running"`
	Completed              int                      `json:"completed"`
	Failed                 int                      `json:"failed"`
	Cancelled              int                      `json:"cancelled"`
	SuccessRate            float64                  `json:"success_rate"`
	AvgDurationMs          float64                  `json:"avg_duration_ms"`
	FailureReasonHistogram map[string]int           `json:"failure_reasons"`
	PerJob                 map[string]*JobBreakdown `json:"per_job"`
}
