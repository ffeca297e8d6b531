package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/telemetry"
)

// ResourceLimits defines limits for job execution
type ResourceLimits struct {
	MaxRunning     int           // Maximum concurrent jobs, 0 for no limit
	SampleInterval time.Duration // Interval between CPU/memory samples
}

// RunningJob describes an invocation currently holding a slot
type RunningJob struct {
	JobID     string    `json:"job_id"`
	JobName   string    `json:"job_name"`
	Queue     string    `json:"queue"`
	StartedAt time.Time `json:"started_at"`
}

// ResourceManager tracks running jobs and samples host resources
type ResourceManager struct {
	logger  *zap.Logger
	limits  ResourceLimits
	mu      sync.RWMutex
	stats   model.ResourceStats
	running map[string]RunningJob
}

// NewResourceManager creates a new resource manager
func NewResourceManager(limits ResourceLimits, logger *zap.Logger) *ResourceManager {
	return &ResourceManager{
		logger:  logger.Named("resource-manager"),
		limits:  limits,
		running: make(map[string]RunningJob),
		stats: model.ResourceStats{
			CollectedAt: time.Now(),
		},
	}
}

// Start starts resource sampling
func (rm *ResourceManager) Start(ctx context.Context) {
	if rm.limits.SampleInterval <= 0 {
		return
	}
	rm.logger.Info("Starting resource manager")
	go rm.monitorResources(ctx)
}

// Acquire reserves a slot for a job invocation
func (rm *ResourceManager) Acquire(job RunningJob) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.limits.MaxRunning > 0 && len(rm.running) >= rm.limits.MaxRunning {
		return fmt.Errorf("%w: %d jobs running", ErrTooManyRunning, len(rm.running))
	}
	rm.running[job.JobID] = job
	telemetry.RunningJobs.Set(float64(len(rm.running)))
	return nil
}

// Release frees the slot held by a job invocation
func (rm *ResourceManager) Release(jobID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.running, jobID)
	telemetry.RunningJobs.Set(float64(len(rm.running)))
}

// Running returns the invocations currently executing, oldest first
func (rm *ResourceManager) Running() []RunningJob {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	jobs := make([]RunningJob, 0, len(rm.running))
	for _, j := range rm.running {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].StartedAt.Before(jobs[k].StartedAt)
	})
	return jobs
}

// GetStats returns the latest resource sample
func (rm *ResourceManager) GetStats() model.ResourceStats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	stats := rm.stats
	stats.RunningJobs = len(rm.running)
	return stats
}

// monitorResources samples system resource usage
func (rm *ResourceManager) monitorResources(ctx context.Context) {
	ticker := time.NewTicker(rm.limits.SampleInterval)
	defer ticker.Stop()

	rm.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.Collect()
		}
	}
}

// Collect takes one CPU and memory sample
func (rm *ResourceManager) Collect() {
	// Sampled outside the lock; cpu.Percent blocks for its interval.
	cpuPercent, cpuErr := cpu.Percent(time.Second, false)
	memInfo, memErr := mem.VirtualMemory()

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if cpuErr != nil {
		rm.logger.Error("Failed to get CPU usage", zap.Error(cpuErr))
	} else if len(cpuPercent) > 0 {
		rm.stats.CPUUsage = cpuPercent[0]
	}

	if memErr != nil {
		rm.logger.Error("Failed to get memory usage", zap.Error(memErr))
	} else {
		rm.stats.MemoryUsage = memInfo.UsedPercent
	}

	rm.stats.RunningJobs = len(rm.running)
	rm.stats.CollectedAt = time.Now()

	rm.logger.Debug("Resource stats collected",
		zap.Float64("cpu_usage", rm.stats.CPUUsage),
		zap.Float64("memory_usage", rm.stats.MemoryUsage),
		zap.Int("running_jobs", rm.stats.RunningJobs))
}
