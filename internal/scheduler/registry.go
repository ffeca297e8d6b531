package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/model"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// Registry holds the schedule table and fires enabled jobs on their cron
// expressions
type Registry struct {
	logger *zap.Logger
	cron   *cron.Cron
	now    func() time.Time

	mu         sync.RWMutex
	defs       map[string]*model.JobDefinition
	schedules  map[string]cron.Schedule
	entryIDs   map[string]cron.EntryID
	dispatcher Dispatcher
	ctx        context.Context
}

// NewRegistry validates the definitions and builds a registry
func NewRegistry(defs []model.JobDefinition, logger *zap.Logger) (*Registry, error) {
	logger = logger.Named("scheduler")
	cl := &cronLogger{logger: logger.Named("cron")}

	r := &Registry{
		logger: logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		now:       time.Now,
		defs:      make(map[string]*model.JobDefinition, len(defs)),
		schedules: make(map[string]cron.Schedule, len(defs)),
		entryIDs:  make(map[string]cron.EntryID),
	}

	for i := range defs {
		def := defs[i]
		if def.Slug == "" {
			return nil, fmt.Errorf("job definition %d has no slug", i)
		}
		if _, dup := r.defs[def.Slug]; dup {
			return nil, fmt.Errorf("duplicate job definition: %s", def.Slug)
		}
		sched, err := ParseSchedule(def.CronExpression, def.Timezone)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", def.Slug, err)
		}
		r.defs[def.Slug] = &def
		r.schedules[def.Slug] = sched
	}
	return r, nil
}

// ParseSchedule parses a five-field cron expression in the given timezone
func ParseSchedule(expr, timezone string) (cron.Schedule, error) {
	spec := expr
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidCron, timezone)
		}
		spec = "CRON_TZ=" + timezone + " " + expr
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return sched, nil
}

// Start registers every enabled job on the cron and begins firing triggers
func (r *Registry) Start(ctx context.Context, dispatcher Dispatcher) error {
	r.mu.Lock()
	r.dispatcher = dispatcher
	r.ctx = ctx
	for slug, def := range r.defs {
		if !def.Enabled {
			continue
		}
		if err := r.schedule(slug); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.mu.Unlock()

	r.cron.Start()
	r.logger.Info("Scheduler started", zap.Int("jobs", len(r.entryIDs)))
	return nil
}

// Stop stops firing triggers and waits for running cron callbacks
func (r *Registry) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("Scheduler stopped")
}

// schedule must be called with r.mu held
func (r *Registry) schedule(slug string) error {
	if r.dispatcher == nil {
		return nil
	}
	if _, ok := r.entryIDs[slug]; ok {
		return nil
	}
	def := r.defs[slug]
	id := r.cron.Schedule(r.schedules[slug], &cronJob{registry: r, slug: slug})
	r.entryIDs[slug] = id

	next := r.schedules[slug].Next(r.now())
	def.NextRunTime = &next

	r.logger.Info("Scheduled job",
		zap.String("job", slug),
		zap.String("expression", def.CronExpression),
		zap.String("timezone", def.Timezone),
		zap.Time("next_run", next))
	return nil
}

// unschedule must be called with r.mu held
func (r *Registry) unschedule(slug string) {
	if id, ok := r.entryIDs[slug]; ok {
		r.cron.Remove(id)
		delete(r.entryIDs, slug)
	}
	r.defs[slug].NextRunTime = nil
}

// Enable turns a job on
func (r *Registry) Enable(slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[slug]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, slug)
	}
	def.Enabled = true
	r.logger.Info("Job enabled", zap.String("job", slug))
	return r.schedule(slug)
}

// Disable turns a job off; it stays in the table
func (r *Registry) Disable(slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[slug]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, slug)
	}
	def.Enabled = false
	r.unschedule(slug)
	r.logger.Info("Job disabled", zap.String("job", slug))
	return nil
}

// NextRun returns the next fire time of a job after the given instant
func (r *Registry) NextRun(slug string, after time.Time) (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sched, ok := r.schedules[slug]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrJobNotFound, slug)
	}
	return sched.Next(after), nil
}

// Get returns a copy of a job definition
func (r *Registry) Get(slug string) (*model.JobDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, slug)
	}
	cp := *def
	return &cp, nil
}

// List returns copies of every definition sorted by slug
func (r *Registry) List() []*model.JobDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*model.JobDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		cp := *def
		defs = append(defs, &cp)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Slug < defs[j].Slug })
	return defs
}

// Disabled returns the slugs of disabled jobs
func (r *Registry) Disabled() []string {
	var out []string
	for _, def := range r.List() {
		if !def.Enabled {
			out = append(out, def.Slug)
		}
	}
	return out
}

// TriggerNow dispatches a job immediately with an optional input override
func (r *Registry) TriggerNow(ctx context.Context, slug string, input json.RawMessage) error {
	r.mu.RLock()
	def, ok := r.defs[slug]
	dispatcher := r.dispatcher
	var enabled bool
	var queue string
	if ok {
		enabled = def.Enabled
		queue = def.Queue
	}
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, slug)
	}
	if !enabled {
		return fmt.Errorf("%w: %s", ErrJobDisabled, slug)
	}
	if dispatcher == nil {
		return ErrNotStarted
	}

	r.logger.Info("Manual trigger", zap.String("job", slug))
	return dispatcher.Dispatch(ctx, &model.JobTrigger{
		Slug:        slug,
		Queue:       queue,
		Input:       input,
		TriggeredAt: r.now(),
	})
}

// fire is called by the cron for a scheduled run
func (r *Registry) fire(slug string) {
	now := r.now()

	r.mu.Lock()
	def, ok := r.defs[slug]
	if !ok || !def.Enabled || r.dispatcher == nil {
		r.mu.Unlock()
		return
	}
	def.LastRunTime = &now
	next := r.schedules[slug].Next(now)
	def.NextRunTime = &next
	dispatcher, ctx, queue := r.dispatcher, r.ctx, def.Queue
	r.mu.Unlock()

	// Schedules have minute resolution; every instance firing this slot
	// produces the same trigger.
	if err := dispatcher.Dispatch(ctx, &model.JobTrigger{
		Slug:        slug,
		Queue:       queue,
		TriggeredAt: now.Truncate(time.Minute),
	}); err != nil {
		r.logger.Error("Failed to dispatch job",
			zap.String("job", slug),
			zap.Error(err))
		return
	}

	r.logger.Debug("Fired schedule",
		zap.String("job", slug),
		zap.Time("fired_at", now),
		zap.Time("next_run", next))
}

// cronJob implements cron.Job
type cronJob struct {
	registry *Registry
	slug     string
}

// Run implements cron.Job
func (j *cronJob) Run() {
	j.registry.fire(j.slug)
}
