package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/storage"
	"github.com/t77yq/rent-scheduler/internal/telemetry"
)

// LogConfig defines configuration for execution log management
type LogConfig struct {
	Retention     time.Duration // How long execution logs are kept
	FlushInterval time.Duration // Interval to retry persisting buffered logs
	PurgeInterval time.Duration // Interval between retention purges
	MaxBuffered   int           // Buffered entries kept while the store is unavailable
}

// DefaultLogConfig returns the production defaults
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Retention:     90 * 24 * time.Hour,
		FlushInterval: 5 * time.Second,
		PurgeInterval: 24 * time.Hour,
		MaxBuffered:   10000,
	}
}

// StartRequest describes a job invocation that is about to run
type StartRequest struct {
	JobName    string
	JobID      string
	Input      json.RawMessage
	Queue      string
	Priority   model.JobPriority
	RetryCount int
	MaxRetries int
}

type buffered struct {
	entry    *model.JobExecutionLog
	inserted bool
}

// LogManager records job executions. Persistence is best effort: when the
// store rejects a write the entry stays in memory and is retried by the
// flush loop, so a logging outage never fails a job.
type LogManager struct {
	logger *zap.Logger
	store  storage.ExecutionLogStorage
	config LogConfig
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*buffered
	order   []string
}

// NewLogManager creates a new log manager
func NewLogManager(store storage.ExecutionLogStorage, config LogConfig, logger *zap.Logger) *LogManager {
	if config.MaxBuffered <= 0 {
		config.MaxBuffered = DefaultLogConfig().MaxBuffered
	}
	return &LogManager{
		logger:  logger.Named("log-manager"),
		store:   store,
		config:  config,
		now:     time.Now,
		pending: make(map[string]*buffered),
	}
}

// Start starts the flush and retention loops
func (lm *LogManager) Start(ctx context.Context) {
	lm.logger.Info("Starting log manager",
		zap.Duration("retention", lm.config.Retention))

	if lm.config.FlushInterval > 0 {
		go lm.flushLoop(ctx)
	}
	if lm.config.PurgeInterval > 0 && lm.config.Retention > 0 {
		go lm.purgeLoop(ctx)
	}
}

// Stop makes a final attempt to persist buffered entries
func (lm *LogManager) Stop(ctx context.Context) {
	lm.logger.Info("Stopping log manager")
	lm.Flush(ctx)
}

// LogStart records the beginning of a run and returns its handle
func (lm *LogManager) LogStart(ctx context.Context, req StartRequest) *model.JobExecutionLog {
	if req.JobID == "" {
		req.JobID = uuid.New().String()
	}
	entry := &model.JobExecutionLog{
		ID:         uuid.New().String(),
		JobName:    req.JobName,
		JobID:      req.JobID,
		StartTime:  lm.now().UTC(),
		Status:     model.ExecutionRunning,
		RetryCount: req.RetryCount,
		MaxRetries: req.MaxRetries,
		Input:      req.Input,
		Queue:      req.Queue,
		Priority:   req.Priority,
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if err := lm.store.Store(ctx, entry); err != nil {
		lm.logger.Warn("Failed to persist execution start, buffering",
			zap.String("job", req.JobName),
			zap.String("job_id", req.JobID),
			zap.Error(err))
		lm.buffer(entry, false)
	}
	return entry
}

// LogCompletion closes a run. Duration is measured from the handle's start time.
func (lm *LogManager) LogCompletion(ctx context.Context, handle *model.JobExecutionLog, success bool, output any, errMessage string) *model.JobExecutionLog {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	end := lm.now().UTC()
	duration := end.Sub(handle.StartTime).Milliseconds()
	handle.EndTime = &end
	handle.DurationMs = &duration
	handle.Success = success
	handle.ErrorMessage = errMessage
	if success {
		handle.Status = model.ExecutionCompleted
	} else if errors.Is(ctx.Err(), context.Canceled) {
		handle.Status = model.ExecutionCancelled
	} else {
		handle.Status = model.ExecutionFailed
	}
	if output != nil {
		raw, err := json.Marshal(output)
		if err != nil {
			lm.logger.Warn("Failed to marshal job output", zap.String("job", handle.JobName), zap.Error(err))
		} else {
			handle.Output = raw
		}
	}

	if b, ok := lm.pending[handle.ID]; ok && !b.inserted {
		// Start never reached the store; the next flush inserts the finished entry.
		return handle
	}

	// The run context may already be done; completion must still land.
	writeCtx := context.WithoutCancel(ctx)
	if err := lm.store.Update(writeCtx, handle); err != nil {
		lm.logger.Warn("Failed to persist execution completion, buffering",
			zap.String("job", handle.JobName),
			zap.String("job_id", handle.JobID),
			zap.Error(err))
		lm.buffer(handle, !errors.Is(err, storage.ErrNotFound))
	}
	return handle
}

// buffer must be called with lm.mu held
func (lm *LogManager) buffer(entry *model.JobExecutionLog, inserted bool) {
	if _, ok := lm.pending[entry.ID]; !ok {
		if len(lm.order) >= lm.config.MaxBuffered {
			dropped := lm.order[0]
			lm.order = lm.order[1:]
			delete(lm.pending, dropped)
			lm.logger.Warn("Execution log buffer full, dropping oldest entry", zap.String("id", dropped))
		}
		lm.order = append(lm.order, entry.ID)
	}
	entry.Ephemeral = true
	lm.pending[entry.ID] = &buffered{entry: entry, inserted: inserted}
	telemetry.BufferedLogs.Set(float64(len(lm.pending)))
}

// Flush tries to persist every buffered entry
func (lm *LogManager) Flush(ctx context.Context) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if len(lm.pending) == 0 {
		return
	}

	remaining := lm.order[:0]
	for _, id := range lm.order {
		b := lm.pending[id]
		var err error
		if b.inserted {
			err = lm.store.Update(ctx, b.entry)
			if errors.Is(err, storage.ErrNotFound) {
				err = lm.store.Store(ctx, b.entry)
			}
		} else {
			err = lm.store.Store(ctx, b.entry)
		}
		if err != nil {
			remaining = append(remaining, id)
			continue
		}
		b.entry.Ephemeral = false
		delete(lm.pending, id)
	}
	flushed := len(lm.order) - len(remaining)
	lm.order = remaining
	telemetry.BufferedLogs.Set(float64(len(lm.pending)))

	if flushed > 0 {
		lm.logger.Info("Flushed buffered execution logs",
			zap.Int("flushed", flushed),
			zap.Int("remaining", len(remaining)))
	}
}

// Buffered returns the number of entries waiting for the store
func (lm *LogManager) Buffered() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.pending)
}

// Query returns logs matching the filter, newest first, including entries
// that have not reached the store yet
func (lm *LogManager) Query(ctx context.Context, filter model.LogFilter) ([]*model.JobExecutionLog, error) {
	extra := lm.bufferedMatching(filter)

	storeFilter := filter
	if len(extra) > 0 && filter.Limit > 0 {
		// Paginate after merging.
		storeFilter.Limit = filter.Limit + filter.Offset
		storeFilter.Offset = 0
	}
	stored, err := lm.store.List(ctx, storeFilter)
	if err != nil {
		if len(extra) == 0 {
			return nil, err
		}
		lm.logger.Warn("Failed to query execution logs, returning buffered entries only", zap.Error(err))
		stored = nil
	}
	if len(extra) == 0 {
		return stored, nil
	}

	seen := make(map[string]bool, len(extra))
	merged := make([]*model.JobExecutionLog, 0, len(stored)+len(extra))
	for _, e := range extra {
		seen[e.ID] = true
		merged = append(merged, e)
	}
	for _, e := range stored {
		if !seen[e.ID] {
			merged = append(merged, e)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].StartTime.After(merged[j].StartTime)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(merged) {
			return nil, nil
		}
		merged = merged[filter.Offset:]
	}
	if filter.Limit > 0 && len(merged) > filter.Limit {
		merged = merged[:filter.Limit]
	}
	return merged, nil
}

func (lm *LogManager) bufferedMatching(filter model.LogFilter) []*model.JobExecutionLog {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var out []*model.JobExecutionLog
	for _, id := range lm.order {
		e := lm.pending[id].entry
		if filter.JobName != "" && e.JobName != filter.JobName {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Success != nil && e.Success != *filter.Success {
			continue
		}
		if filter.DateRange != nil && !filter.DateRange.Contains(e.StartTime) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// Stats aggregates logs started inside the range (all logs when nil)
func (lm *LogManager) Stats(ctx context.Context, dateRange *model.DateRange) (*model.ExecutionStats, error) {
	entries, err := lm.Query(ctx, model.LogFilter{DateRange: dateRange})
	if err != nil {
		return nil, err
	}
	return Aggregate(entries), nil
}

// Aggregate computes execution statistics over a set of logs. Success rate
// is measured over finished runs and is 1 when nothing has finished.
func Aggregate(entries []*model.JobExecutionLog) *model.ExecutionStats {
	stats := &model.ExecutionStats{
		FailureReasonHistogram: make(map[string]int),
		PerJob:                 make(map[string]*model.JobBreakdown),
	}

	var (
		successes     int
		finished      int
		totalDuration int64
		timed         int
		jobDurations  = make(map[string]int64)
		jobTimed      = make(map[string]int)
	)

	for _, e := range entries {
		stats.Total++
		job, ok := stats.PerJob[e.JobName]
		if !ok {
			job = &model.JobBreakdown{JobName: e.JobName}
			stats.PerJob[e.JobName] = job
		}
		job.Executions++

		switch e.Status {
		case model.ExecutionRunning:
			stats.Running++
			job.Running++
			continue
		case model.ExecutionCompleted:
			stats.Completed++
		case model.ExecutionFailed:
			stats.Failed++
		case model.ExecutionCancelled:
			stats.Cancelled++
		}

		finished++
		if e.Success {
			successes++
			job.Successes++
		} else {
			job.Failures++
			stats.FailureReasonHistogram[FailureReason(e.ErrorMessage)]++
		}
		if e.DurationMs != nil {
			totalDuration += *e.DurationMs
			timed++
			jobDurations[e.JobName] += *e.DurationMs
			jobTimed[e.JobName]++
		}
		if res := DecodeResult(e.Output); res != nil {
			job.RecordsProcessed += res.RecordsProcessed
			job.RecordsFailed += res.RecordsFailed
		}
	}

	stats.SuccessRate = 1
	if finished > 0 {
		stats.SuccessRate = float64(successes) / float64(finished)
	}
	if timed > 0 {
		stats.AvgDurationMs = float64(totalDuration) / float64(timed)
	}
	for name, job := range stats.PerJob {
		done := job.Successes + job.Failures
		job.SuccessRate = 1
		if done > 0 {
			job.SuccessRate = float64(job.Successes) / float64(done)
		}
		if n := jobTimed[name]; n > 0 {
			job.AvgDurationMs = float64(jobDurations[name]) / float64(n)
		}
	}
	return stats
}

// FailureReason normalises an error message into a histogram bucket
func FailureReason(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "unknown"
	}
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	const maxLen = 120
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}

// DecodeResult parses a JobResult from a log output, nil when absent or malformed
func DecodeResult(raw json.RawMessage) *model.JobResult {
	if len(raw) == 0 {
		return nil
	}
	var res model.JobResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil
	}
	return &res
}

// Purge deletes logs older than the retention window
func (lm *LogManager) Purge(ctx context.Context) (int64, error) {
	cutoff := lm.now().Add(-lm.config.Retention)
	return lm.store.DeleteBefore(ctx, cutoff)
}

// flushLoop periodically retries buffered entries
func (lm *LogManager) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(lm.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lm.Flush(ctx)
		}
	}
}

// purgeLoop periodically enforces the retention window
func (lm *LogManager) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(lm.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := lm.Purge(ctx); err != nil {
				lm.logger.Error("Failed to purge execution logs", zap.Error(err))
			}
		}
	}
}
