package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/executor"
	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/telemetry"
)

// Thresholds tune the health rules
type Thresholds struct {
	Window           time.Duration
	MaxRunning       int
	MaxAvgDuration   time.Duration
	MinSuccessRate   float64
	StuckAfter       time.Duration // used when a definition has no MaxExecution
	BacklogThreshold uint64
	MemoryThreshold  float64 // percent
}

// DefaultThresholds returns the production rules
func DefaultThresholds() Thresholds {
	return Thresholds{
		Window:           24 * time.Hour,
		MaxRunning:       10,
		MaxAvgDuration:   30 * time.Minute,
		MinSuccessRate:   0.80,
		StuckAfter:       executor.DefaultMaxExecution,
		BacklogThreshold: 100,
		MemoryThreshold:  90,
	}
}

// LogSource reads execution logs
type LogSource interface {
	Query(ctx context.Context, filter model.LogFilter) ([]*model.JobExecutionLog, error)
}

// ScheduleSource exposes the schedule table
type ScheduleSource interface {
	Get(slug string) (*model.JobDefinition, error)
	Disabled() []string
}

// ResourceSource reports in-process running jobs and host usage
type ResourceSource interface {
	Running() []executor.RunningJob
	GetStats() model.ResourceStats
}

// QueueInspector reports the backlog of each logical queue
type QueueInspector interface {
	QueueStats(ctx context.Context) ([]model.QueueStats, error)
}

// HealthMonitor derives the job system health from execution logs
type HealthMonitor struct {
	logger     *zap.Logger
	logs       LogSource
	schedules  ScheduleSource
	resources  ResourceSource
	queues     QueueInspector
	thresholds Thresholds
	now        func() time.Time

	mu   sync.RWMutex
	last *model.HealthStatus
}

// NewHealthMonitor creates a new health monitor. resources may be nil.
func NewHealthMonitor(logs LogSource, schedules ScheduleSource, resources ResourceSource, thresholds Thresholds, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		logger:     logger.Named("health"),
		logs:       logs,
		schedules:  schedules,
		resources:  resources,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// SetQueueInspector attaches a queue backlog source
func (h *HealthMonitor) SetQueueInspector(q QueueInspector) {
	h.queues = q
}

// Last returns the most recent health status, nil before the first check
func (h *HealthMonitor) Last() *model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

type findings struct {
	status model.HealthSeverity
	issues []string
}

func (f *findings) add(severity model.HealthSeverity, format string, args ...any) {
	f.status = f.status.Worse(severity)
	f.issues = append(f.issues, fmt.Sprintf(format, args...))
}

// PerformHealthCheck evaluates the trailing window and returns the worst severity found
func (h *HealthMonitor) PerformHealthCheck(ctx context.Context) (*model.HealthStatus, error) {
	now := h.now()
	window := model.DateRange{From: now.Add(-h.thresholds.Window), To: now.Add(time.Millisecond)}

	entries, err := h.logs.Query(ctx, model.LogFilter{DateRange: &window})
	if err != nil {
		return nil, fmt.Errorf("failed to query execution logs: %w", err)
	}
	stats := executor.Aggregate(entries)

	metrics := model.SystemHealthMetrics{
		TotalJobs:      stats.Total,
		RunningJobs:    stats.Running,
		CompletedJobs:  stats.Completed,
		FailedJobs:     stats.Failed + stats.Cancelled,
		AvgExecutionMs: stats.AvgDurationMs,
		SuccessRate:    stats.SuccessRate,
		WindowStart:    window.From,
		WindowEnd:      now,
	}
	f := &findings{status: model.HealthHealthy}

	if disabled := h.schedules.Disabled(); len(disabled) > 0 {
		metrics.DisabledJobs = disabled
		f.add(model.HealthWarning, "disabled jobs: %s", strings.Join(disabled, ", "))
	}
	if metrics.RunningJobs > h.thresholds.MaxRunning {
		f.add(model.HealthWarning, "%d jobs running, above %d", metrics.RunningJobs, h.thresholds.MaxRunning)
	}
	if avg := time.Duration(metrics.AvgExecutionMs) * time.Millisecond; avg > h.thresholds.MaxAvgDuration {
		f.add(model.HealthWarning, "average execution time %s above %s", avg.Round(time.Second), h.thresholds.MaxAvgDuration)
	}
	if metrics.SuccessRate < h.thresholds.MinSuccessRate {
		f.add(model.HealthCritical, "success rate %.1f%% below %.0f%%", metrics.SuccessRate*100, h.thresholds.MinSuccessRate*100)
	}

	metrics.StuckJobs = h.stuckJobs(entries, now)
	for _, s := range metrics.StuckJobs {
		f.add(model.HealthCritical, "stuck job: %s", s)
	}

	status := &model.HealthStatus{CheckedAt: now}

	if h.queues != nil {
		queues, err := h.queues.QueueStats(ctx)
		if err != nil {
			f.add(model.HealthWarning, "queue stats unavailable: %v", err)
		}
		for _, q := range queues {
			backlog := q.Pending + uint64(q.AckPending)
			if backlog > h.thresholds.BacklogThreshold {
				f.add(model.HealthCritical, "queue %s backlog %d above %d", q.Queue, backlog, h.thresholds.BacklogThreshold)
			}
		}
		status.Queues = queues
	}

	if h.resources != nil {
		res := h.resources.GetStats()
		status.Resources = &res
		if h.thresholds.MemoryThreshold > 0 && res.MemoryUsage > h.thresholds.MemoryThreshold {
			f.add(model.HealthWarning, "memory usage %.1f%% above %.0f%%", res.MemoryUsage, h.thresholds.MemoryThreshold)
		}
	}

	metrics.SystemStatus = f.status
	metrics.Issues = f.issues
	status.Status = f.status
	status.Metrics = metrics
	switch f.status {
	case model.HealthHealthy:
		status.Message = "All payment jobs healthy"
	case model.HealthWarning:
		status.Message = fmt.Sprintf("Payment jobs degraded: %d issue(s)", len(f.issues))
	default:
		status.Message = fmt.Sprintf("Payment jobs critical: %d issue(s)", len(f.issues))
	}

	telemetry.HealthStatus.Set(severityValue(f.status))
	if f.status != model.HealthHealthy {
		h.logger.Warn("Health check found issues",
			zap.String("status", string(f.status)),
			zap.Strings("issues", f.issues))
	} else {
		h.logger.Debug("Health check passed", zap.Int("total_jobs", metrics.TotalJobs))
	}

	h.mu.Lock()
	h.last = status
	h.mu.Unlock()
	return status, nil
}

// stuckJobs lists runs older than their ceiling without a completion record.
// Runs tracked by this process are merged with running log entries.
func (h *HealthMonitor) stuckJobs(entries []*model.JobExecutionLog, now time.Time) []string {
	type run struct {
		slug    string
		started time.Time
	}
	runs := make(map[string]run)
	for _, e := range entries {
		if e.Status == model.ExecutionRunning {
			runs[e.JobID] = run{e.JobName, e.StartTime}
		}
	}
	if h.resources != nil {
		for _, r := range h.resources.Running() {
			runs[r.JobID] = run{r.JobName, r.StartedAt}
		}
	}

	var stuck []string
	for id, r := range runs {
		ceiling := h.thresholds.StuckAfter
		if def, err := h.schedules.Get(r.slug); err == nil && def.MaxExecution > 0 {
			ceiling = def.MaxExecution
		}
		if elapsed := now.Sub(r.started); elapsed > ceiling {
			stuck = append(stuck, fmt.Sprintf("%s (%s) running for %s", r.slug, id, elapsed.Round(time.Second)))
		}
	}
	sort.Strings(stuck)
	return stuck
}

func severityValue(s model.HealthSeverity) float64 {
	switch s {
	case model.HealthCritical:
		return 2
	case model.HealthWarning:
		return 1
	default:
		return 0
	}
}
