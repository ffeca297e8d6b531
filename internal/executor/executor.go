package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/telemetry"
)

// DefaultMaxExecution is the ceiling applied when a definition has none
const DefaultMaxExecution = 30 * time.Minute

// Job is a named unit of work with a uniform run contract
type Job interface {
	Slug() string
	Run(ctx context.Context, input json.RawMessage) (*model.JobResult, error)
}

// ResultPublisher receives the outcome of every run
type ResultPublisher interface {
	PublishResult(ctx context.Context, event *ResultEvent) error
}

// ResultEvent is published after each run
type ResultEvent struct {
	JobName   string           `json:"job_name"`
	JobID     string           `json:"job_id"`
	LogID     string           `json:"log_id"`
	Queue     string           `json:"queue"`
	Attempt   int              `json:"attempt"`
	Status    string           `json:"status"`
	Result    *model.JobResult `json:"result"`
	Timestamp time.Time        `json:"timestamp"`
}

// Executor runs registered jobs and records every invocation
type Executor struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	jobs      map[string]Job
	logs      *LogManager
	resources *ResourceManager
	publisher ResultPublisher
	now       func() time.Time
}

// NewExecutor creates a new executor
func NewExecutor(logs *LogManager, resources *ResourceManager, logger *zap.Logger) *Executor {
	return &Executor{
		logger:    logger.Named("executor"),
		jobs:      make(map[string]Job),
		logs:      logs,
		resources: resources,
		now:       time.Now,
	}
}

// SetPublisher attaches a result publisher
func (e *Executor) SetPublisher(p ResultPublisher) {
	e.publisher = p
}

// Register registers a job implementation under its slug
func (e *Executor) Register(job Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs[job.Slug()] = job
}

// Has reports whether a slug has an implementation
func (e *Executor) Has(slug string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.jobs[slug]
	return ok
}

// Slugs returns the registered job slugs
func (e *Executor) Slugs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	slugs := make([]string, 0, len(e.jobs))
	for s := range e.jobs {
		slugs = append(slugs, s)
	}
	sort.Strings(slugs)
	return slugs
}

// Logs returns the execution log manager
func (e *Executor) Logs() *LogManager {
	return e.logs
}

// Resources returns the resource manager
func (e *Executor) Resources() *ResourceManager {
	return e.resources
}

// Run executes one invocation of the job described by def. Job failures are
// reported through the result; the error is only set when the job could not
// be started at all.
func (e *Executor) Run(ctx context.Context, def *model.JobDefinition, input json.RawMessage, attempt int) (*model.JobResult, error) {
	e.mu.RLock()
	job, ok := e.jobs[def.Slug]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotRegistered, def.Slug)
	}

	if len(input) == 0 {
		input = def.DefaultInput
	}

	jobID := uuid.New().String()
	if err := e.resources.Acquire(RunningJob{
		JobID:     jobID,
		JobName:   def.Slug,
		Queue:     def.Queue,
		StartedAt: e.now(),
	}); err != nil {
		return nil, err
	}
	defer e.resources.Release(jobID)

	handle := e.logs.LogStart(ctx, StartRequest{
		JobName:    def.Slug,
		JobID:      jobID,
		Input:      input,
		Queue:      def.Queue,
		Priority:   def.Priority,
		RetryCount: attempt,
		MaxRetries: def.RetryPolicy.MaxRetries,
	})

	logger := e.logger.With(
		zap.String("job", def.Slug),
		zap.String("job_id", jobID),
		zap.Int("attempt", attempt))
	logger.Info("Job started")

	maxExecution := def.MaxExecution
	if maxExecution <= 0 {
		maxExecution = DefaultMaxExecution
	}
	runCtx, cancel := context.WithTimeout(ctx, maxExecution)
	defer cancel()

	start := e.now()
	result, err := e.invoke(runCtx, job, input)
	elapsed := e.now().Sub(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && runCtx.Err() != nil {
			err = fmt.Errorf("exceeded maximum execution time of %s: %w", maxExecution, err)
		}
		if result == nil {
			result = &model.JobResult{}
		}
		result.Success = false
		result.Message = err.Error()
	} else if result == nil {
		result = &model.JobResult{Success: true, Message: "completed"}
	}
	result.ExecutionTimeMs = elapsed.Milliseconds()

	var errMessage string
	if !result.Success {
		errMessage = result.Message
	}
	entry := e.logs.LogCompletion(ctx, handle, result.Success, result, errMessage)

	outcome := "success"
	if !result.Success {
		outcome = "failure"
		logger.Error("Job failed",
			zap.String("error", errMessage),
			zap.Duration("duration", elapsed))
	} else {
		logger.Info("Job completed",
			zap.String("message", result.Message),
			zap.Int("records_processed", result.RecordsProcessed),
			zap.Int("records_failed", result.RecordsFailed),
			zap.Int("records_skipped", result.RecordsSkipped),
			zap.Duration("duration", elapsed))
	}
	telemetry.JobRuns.WithLabelValues(def.Slug, outcome).Inc()
	telemetry.JobDuration.WithLabelValues(def.Slug).Observe(elapsed.Seconds())
	telemetry.JobRecords.WithLabelValues(def.Slug, "processed").Add(float64(result.RecordsProcessed))
	telemetry.JobRecords.WithLabelValues(def.Slug, "failed").Add(float64(result.RecordsFailed))
	telemetry.JobRecords.WithLabelValues(def.Slug, "skipped").Add(float64(result.RecordsSkipped))

	if e.publisher != nil {
		event := &ResultEvent{
			JobName:   def.Slug,
			JobID:     jobID,
			LogID:     entry.ID,
			Queue:     def.Queue,
			Attempt:   attempt,
			Status:    string(entry.Status),
			Result:    result,
			Timestamp: e.now(),
		}
		if err := e.publisher.PublishResult(context.WithoutCancel(ctx), event); err != nil {
			logger.Error("Failed to publish job result", zap.Error(err))
		}
	}

	return result, nil
}

// invoke runs the job, turning a panic into an error
func (e *Executor) invoke(ctx context.Context, job Job, input json.RawMessage) (result *model.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Job panicked",
				zap.String("job", job.Slug()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			result = nil
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx, input)
}
