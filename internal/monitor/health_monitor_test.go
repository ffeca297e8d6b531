package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/executor"
	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/scheduler"
)

type fakeLogs struct {
	entries []*model.JobExecutionLog
	err     error
}

func (f *fakeLogs) Query(_ context.Context, filter model.LogFilter) ([]*model.JobExecutionLog, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*model.JobExecutionLog
	for _, e := range f.entries {
		if filter.DateRange == nil || filter.DateRange.Contains(e.StartTime) {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeSchedules struct {
	defs     map[string]*model.JobDefinition
	disabled []string
}

func newFakeSchedules() *fakeSchedules {
	s := &fakeSchedules{defs: make(map[string]*model.JobDefinition)}
	for _, def := range scheduler.DefaultDefinitions("UTC") {
		def := def
		s.defs[def.Slug] = &def
	}
	return s
}

func (f *fakeSchedules) Get(slug string) (*model.JobDefinition, error) {
	def, ok := f.defs[slug]
	if !ok {
		return nil, scheduler.ErrJobNotFound
	}
	return def, nil
}

func (f *fakeSchedules) Disabled() []string {
	return f.disabled
}

type fakeResources struct {
	running []executor.RunningJob
	stats   model.ResourceStats
}

func (f *fakeResources) Running() []executor.RunningJob { return f.running }
func (f *fakeResources) GetStats() model.ResourceStats  { return f.stats }

type fakeQueues struct {
	stats []model.QueueStats
	err   error
}

func (f *fakeQueues) QueueStats(context.Context) ([]model.QueueStats, error) {
	return f.stats, f.err
}

var checkTime = time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)

func finished(job string, success bool, ago, duration time.Duration) *model.JobExecutionLog {
	start := checkTime.Add(-ago)
	end := start.Add(duration)
	ms := duration.Milliseconds()
	e := &model.JobExecutionLog{
		ID:         fmt.Sprintf("%s-%d", job, ago),
		JobName:    job,
		JobID:      fmt.Sprintf("%s-%d", job, ago),
		StartTime:  start,
		EndTime:    &end,
		DurationMs: &ms,
		Status:     model.ExecutionCompleted,
		Success:    success,
	}
	if !success {
		e.Status = model.ExecutionFailed
		e.ErrorMessage = "payment config not found"
	}
	return e
}

func running(job, id string, ago time.Duration) *model.JobExecutionLog {
	return &model.JobExecutionLog{
		ID:        id,
		JobName:   job,
		JobID:     id,
		StartTime: checkTime.Add(-ago),
		Status:    model.ExecutionRunning,
	}
}

func newTestMonitor(logs *fakeLogs, schedules *fakeSchedules, resources ResourceSource) *HealthMonitor {
	h := NewHealthMonitor(logs, schedules, resources, DefaultThresholds(), zap.NewNop())
	h.now = func() time.Time { return checkTime }
	return h
}

func successes(n int) []*model.JobExecutionLog {
	var out []*model.JobExecutionLog
	for i := 0; i < n; i++ {
		out = append(out, finished(model.JobHealthCheck, true, time.Duration(i+1)*time.Minute, time.Second))
	}
	return out
}

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		entries   []*model.JobExecutionLog
		disabled  []string
		resources *fakeResources
		queues    *fakeQueues
		want      model.HealthSeverity
		issue     string
	}{
		{
			name: "NoLogs",
			want: model.HealthHealthy,
		},
		{
			name:    "AllSucceeded",
			entries: successes(10),
			want:    model.HealthHealthy,
		},
		{
			name:    "OldFailuresOutsideWindow",
			entries: append(successes(2), finished(model.JobRentGeneration, false, 25*time.Hour, time.Second)),
			want:    model.HealthHealthy,
		},
		{
			name:     "DisabledJob",
			entries:  successes(3),
			disabled: []string{model.JobAnalytics},
			want:     model.HealthWarning,
			issue:    "disabled jobs: analytics",
		},
		{
			name: "LowSuccessRateBeatsWarning",
			entries: append(successes(7),
				finished(model.JobRentGeneration, false, time.Hour, time.Second),
				finished(model.JobRentGeneration, false, 2*time.Hour, time.Second),
				finished(model.JobRentGeneration, false, 3*time.Hour, time.Second)),
			disabled: []string{model.JobAnalytics},
			want:     model.HealthCritical,
			issue:    "success rate 70.0% below 80%",
		},
		{
			name: "SuccessRateAtThreshold",
			entries: append(successes(8),
				finished(model.JobRentGeneration, false, time.Hour, time.Second),
				finished(model.JobRentGeneration, false, 2*time.Hour, time.Second)),
			want: model.HealthHealthy,
		},
		{
			name:    "SlowAverage",
			entries: []*model.JobExecutionLog{finished(model.JobAnalytics, true, 2*time.Hour, 45*time.Minute)},
			want:    model.HealthWarning,
			issue:   "average execution time",
		},
		{
			name:    "StuckFromLogs",
			entries: []*model.JobExecutionLog{running(model.JobRentGeneration, "r-1", 31*time.Minute)},
			want:    model.HealthCritical,
			issue:   "stuck job: rent-generation (r-1)",
		},
		{
			name:    "StuckUsesDefinitionCeiling",
			entries: []*model.JobExecutionLog{running(model.JobHealthCheck, "h-1", 6*time.Minute)},
			want:    model.HealthCritical,
			issue:   "stuck job: health-check (h-1)",
		},
		{
			name:    "RunningNotYetStuck",
			entries: []*model.JobExecutionLog{running(model.JobRentGeneration, "r-2", 10*time.Minute)},
			want:    model.HealthHealthy,
		},
		{
			name: "StuckInProcess",
			resources: &fakeResources{running: []executor.RunningJob{
				{JobID: "a-1", JobName: model.JobAutoPayProcessing, StartedAt: checkTime.Add(-40 * time.Minute)},
			}},
			want:  model.HealthCritical,
			issue: "stuck job: auto-pay-processing (a-1)",
		},
		{
			name: "TooManyRunning",
			entries: func() []*model.JobExecutionLog {
				var out []*model.JobExecutionLog
				for i := 0; i < 11; i++ {
					out = append(out, running(model.JobReminderEmail, fmt.Sprintf("m-%d", i), time.Minute))
				}
				return out
			}(),
			want:  model.HealthWarning,
			issue: "11 jobs running, above 10",
		},
		{
			name:   "QueueBacklog",
			queues: &fakeQueues{stats: []model.QueueStats{{Queue: model.QueuePaymentJobs, Pending: 90, AckPending: 20}}},
			want:   model.HealthCritical,
			issue:  "queue payment-jobs backlog 110 above 100",
		},
		{
			name:   "QueueStatsUnavailable",
			queues: &fakeQueues{err: errors.New("nats: timeout")},
			want:   model.HealthWarning,
			issue:  "queue stats unavailable",
		},
		{
			name:      "MemoryPressure",
			resources: &fakeResources{stats: model.ResourceStats{MemoryUsage: 95}},
			want:      model.HealthWarning,
			issue:     "memory usage 95.0% above 90%",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schedules := newFakeSchedules()
			schedules.disabled = tt.disabled
			var resources ResourceSource
			if tt.resources != nil {
				resources = tt.resources
			}
			h := newTestMonitor(&fakeLogs{entries: tt.entries}, schedules, resources)
			if tt.queues != nil {
				h.SetQueueInspector(tt.queues)
			}

			status, err := h.PerformHealthCheck(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, status.Status)
			assert.Equal(t, tt.want, status.Metrics.SystemStatus)
			if tt.issue != "" {
				found := false
				for _, issue := range status.Metrics.Issues {
					if strings.HasPrefix(issue, tt.issue) {
						found = true
					}
				}
				assert.True(t, found, "issue %q not in %v", tt.issue, status.Metrics.Issues)
			}
			if tt.want == model.HealthHealthy {
				assert.Empty(t, status.Metrics.Issues)
			}
			assert.Same(t, status, h.Last())
		})
	}
}

func TestHealthCheckMetrics(t *testing.T) {
	entries := append(successes(3), finished(model.JobReminderEmail, false, time.Hour, 3*time.Second),
		running(model.JobAnalytics, "x-1", time.Minute))
	h := newTestMonitor(&fakeLogs{entries: entries}, newFakeSchedules(), nil)

	status, err := h.PerformHealthCheck(context.Background())
	require.NoError(t, err)
	m := status.Metrics
	assert.Equal(t, 5, m.TotalJobs)
	assert.Equal(t, 1, m.RunningJobs)
	assert.Equal(t, 3, m.CompletedJobs)
	assert.Equal(t, 1, m.FailedJobs)
	assert.InDelta(t, 0.75, m.SuccessRate, 1e-9)
	assert.InDelta(t, 1500, m.AvgExecutionMs, 1e-9)
	assert.Equal(t, model.HealthCritical, status.Status)
}

func TestHealthCheckLogStoreDown(t *testing.T) {
	h := newTestMonitor(&fakeLogs{err: errors.New("database is locked")}, newFakeSchedules(), nil)
	_, err := h.PerformHealthCheck(context.Background())
	assert.Error(t, err)
	assert.Nil(t, h.Last())
}
