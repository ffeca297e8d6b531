package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/model"
)

type memLogs struct {
	entries []*model.JobExecutionLog
	filter  model.LogFilter
}

func (m *memLogs) Query(_ context.Context, filter model.LogFilter) ([]*model.JobExecutionLog, error) {
	m.filter = filter
	var out []*model.JobExecutionLog
	for _, e := range m.entries {
		if filter.DateRange == nil || filter.DateRange.Contains(e.StartTime) {
			out = append(out, e)
		}
	}
	return out, nil
}

var reportNow = time.Date(2024, 6, 12, 23, 0, 0, 0, time.UTC)

func logEntry(job string, start time.Time, result *model.JobResult) *model.JobExecutionLog {
	out, _ := json.Marshal(result)
	ms := int64(1000)
	e := &model.JobExecutionLog{
		ID:         fmt.Sprintf("%s-%d", job, start.UnixNano()),
		JobName:    job,
		StartTime:  start,
		DurationMs: &ms,
		Status:     model.ExecutionCompleted,
		Success:    result.Success,
		Output:     out,
	}
	if !result.Success {
		e.Status = model.ExecutionFailed
		e.ErrorMessage = result.Message
	}
	return e
}

func newTestReporter(entries ...*model.JobExecutionLog) (*Reporter, *memLogs) {
	logs := &memLogs{entries: entries}
	r := NewReporter(logs, time.UTC, zap.NewNop())
	r.now = func() time.Time { return reportNow }
	return r, logs
}

func TestWindow(t *testing.T) {
	r, _ := newTestReporter()
	day := func(m time.Month, d int) time.Time { return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC) }

	w, err := r.Window(model.ReportDaily, nil)
	require.NoError(t, err)
	assert.Equal(t, model.DateRange{From: day(6, 12), To: day(6, 13)}, w)

	w, err = r.Window(model.ReportWeekly, nil)
	require.NoError(t, err)
	assert.Equal(t, model.DateRange{From: day(6, 6), To: day(6, 13)}, w)

	w, err = r.Window(model.ReportMonthly, nil)
	require.NoError(t, err)
	assert.Equal(t, model.DateRange{From: day(6, 1), To: day(7, 1)}, w)

	custom := &model.DateRange{From: day(5, 1), To: day(5, 15)}
	w, err = r.Window(model.ReportCustom, custom)
	require.NoError(t, err)
	assert.Equal(t, *custom, w)

	_, err = r.Window(model.ReportCustom, nil)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = r.Window(model.ReportCustom, &model.DateRange{From: day(5, 15), To: day(5, 1)})
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = r.Window("yearly", nil)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestGenerateReport(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2024, 6, 12, h, 0, 0, 0, time.UTC) }
	entries := []*model.JobExecutionLog{
		logEntry(model.JobRentGeneration, at(6), &model.JobResult{Success: true, RecordsProcessed: 12}),
		logEntry(model.JobReminderEmail, at(9), &model.JobResult{Success: true, RecordsProcessed: 6, RecordsFailed: 4}),
		logEntry(model.JobOverdueNotification, at(10), &model.JobResult{Success: true, RecordsProcessed: 3}),
		logEntry(model.JobAutoPayProcessing, at(8), &model.JobResult{
			Success: true, RecordsProcessed: 4, RecordsFailed: 1,
			Data: map[string]any{"attempts": 5},
		}),
		logEntry(model.JobAnalytics, at(1), &model.JobResult{Success: false, Message: "payment config not found"}),
		logEntry(model.JobAnalytics, at(2), &model.JobResult{Success: false, Message: "payment config not found"}),
		// Outside the daily window.
		logEntry(model.JobRentGeneration, at(6).AddDate(0, 0, -2), &model.JobResult{Success: true, RecordsProcessed: 99}),
	}
	r, logs := newTestReporter(entries...)

	report, err := r.GenerateReport(context.Background(), model.ReportDaily, nil)
	require.NoError(t, err)
	require.NotNil(t, logs.filter.DateRange)

	assert.Equal(t, 6, report.TotalExecutions)
	assert.Equal(t, 4, report.Successful)
	assert.Equal(t, 2, report.Failed)
	assert.InDelta(t, 4.0/6.0, report.SuccessRate, 1e-9)
	assert.Equal(t, 2, report.FailureReasons["payment config not found"])
	assert.Equal(t, 2, report.ByJob[model.JobAnalytics].Failures)

	pm := report.PaymentMetrics
	assert.Equal(t, 12, pm.PaymentsGenerated)
	assert.Equal(t, 6, pm.RemindersSent)
	assert.Equal(t, 4, pm.RemindersFailed)
	assert.InDelta(t, 0.6, pm.ReminderDeliveryRate, 1e-9)
	assert.Equal(t, 3, pm.OverdueNoticesSent)
	assert.Equal(t, 5, pm.AutoPayAttempts)
	assert.Equal(t, 4, pm.AutoPaySuccesses)
	assert.InDelta(t, 0.2, pm.AutoPayFailureRate, 1e-9)

	assert.Len(t, report.Recommendations, 5)
	assert.Contains(t, report.Recommendations[0], "Overall success rate 66.7%")
	assert.Contains(t, report.Recommendations[1], "Job analytics")
	assert.Contains(t, report.Recommendations[2], "Auto-pay failure rate 20.0%")
	assert.Contains(t, report.Recommendations[3], "Reminder delivery rate 60.0%")
	assert.Contains(t, report.Recommendations[4], "payment config not found")
}

func TestGenerateReportQuiet(t *testing.T) {
	r, _ := newTestReporter()
	report, err := r.GenerateReport(context.Background(), model.ReportWeekly, nil)
	require.NoError(t, err)
	assert.Zero(t, report.TotalExecutions)
	assert.Equal(t, 1.0, report.SuccessRate)
	assert.Empty(t, report.Recommendations)

	_, err = r.GenerateReport(context.Background(), model.ReportCustom, nil)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

type s3Stub struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *s3Stub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.objects[r.URL.Path] = body
	s.mu.Unlock()
	w.Header().Set("ETag", `"stub"`)
	w.WriteHeader(http.StatusOK)
}

func TestS3Archiver(t *testing.T) {
	stub := &s3Stub{objects: make(map[string][]byte)}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	ctx := context.Background()
	archiver, err := NewS3Archiver(ctx, S3Config{
		Bucket:          "rent-reports",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		PathStyle:       true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}, zap.NewNop())
	require.NoError(t, err)

	r, _ := newTestReporter(logEntry(model.JobRentGeneration, time.Date(2024, 6, 12, 6, 0, 0, 0, time.UTC),
		&model.JobResult{Success: true, RecordsProcessed: 1}))
	r.SetArchiver(archiver)

	report, err := r.GenerateReport(ctx, model.ReportDaily, nil)
	require.NoError(t, err)
	assert.Equal(t, "reports/daily/2024-06-12.json", archiver.Key(report))

	stub.mu.Lock()
	defer stub.mu.Unlock()
	body, ok := stub.objects["/rent-reports/reports/daily/2024-06-12.json"]
	require.True(t, ok, "objects: %v", stub.objects)

	var stored model.JobReport
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.Equal(t, model.ReportDaily, stored.Period)
	assert.Equal(t, 1, stored.PaymentMetrics.PaymentsGenerated)
}
