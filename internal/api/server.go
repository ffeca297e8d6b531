package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/reporting"
	"github.com/t77yq/rent-scheduler/internal/scheduler"
	"github.com/t77yq/rent-scheduler/internal/telemetry"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	statsWindow     = 24 * time.Hour
)

// Schedules is the part of the job registry the API drives
type Schedules interface {
	List() []*model.JobDefinition
	Get(slug string) (*model.JobDefinition, error)
	Enable(slug string) error
	Disable(slug string) error
	TriggerNow(ctx context.Context, slug string, input json.RawMessage) error
}

// Logs reads execution logs
type Logs interface {
	Query(ctx context.Context, filter model.LogFilter) ([]*model.JobExecutionLog, error)
	Stats(ctx context.Context, dateRange *model.DateRange) (*model.ExecutionStats, error)
}

// HealthChecker runs an on-demand health check
type HealthChecker interface {
	PerformHealthCheck(ctx context.Context) (*model.HealthStatus, error)
}

// Reporter builds analytics reports
type Reporter interface {
	GenerateReport(ctx context.Context, period model.ReportPeriod, dateRange *model.DateRange) (*model.JobReport, error)
}

// AlertSource lists recently raised alerts
type AlertSource interface {
	Recent() []*model.Alert
}

// Server wires HTTP handlers for the admin API.
type Server struct {
	logger    *zap.Logger
	schedules Schedules
	logs      Logs
	health    HealthChecker
	reports   Reporter
	alerts    AlertSource

	// runCtx outlives the request that triggered a manual run.
	runCtx context.Context
	now    func() time.Time
}

// New constructs the API server. Manual runs are executed under ctx.
func New(ctx context.Context, schedules Schedules, logs Logs, health HealthChecker, reports Reporter, logger *zap.Logger) *Server {
	return &Server{
		logger:    logger.Named("api"),
		schedules: schedules,
		logs:      logs,
		health:    health,
		reports:   reports,
		runCtx:    ctx,
		now:       time.Now,
	}
}

// SetAlerts exposes recent alerts under /alerts
func (s *Server) SetAlerts(a AlertSource) {
	s.alerts = a
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{slug}", s.handleGetJob)
		r.Post("/{slug}/run", s.handleRun)
		r.Post("/{slug}/enable", s.handleEnable)
		r.Post("/{slug}/disable", s.handleDisable)
	})

	r.Get("/executions", s.handleExecutions)
	r.Get("/executions/stats", s.handleStats)
	r.Get("/reports/{period}", s.handleReport)
	r.Get("/alerts", s.handleAlerts)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := s.health.PerformHealthCheck(r.Context())
	if err != nil {
		s.logger.Error("Health check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "health check failed")
		return
	}
	code := http.StatusOK
	if status.Status == model.HealthCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.schedules.List()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	def, err := s.schedules.Get(chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleRun validates the trigger and runs it in the background; the
// response does not wait for the job to finish.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	var input json.RawMessage
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	def, err := s.schedules.Get(slug)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if !def.Enabled {
		writeError(w, http.StatusConflict, fmt.Sprintf("%s: %s", scheduler.ErrJobDisabled, slug))
		return
	}

	go func() {
		if err := s.schedules.TriggerNow(s.runCtx, slug, input); err != nil {
			s.logger.Error("Manual run failed",
				zap.String("job", slug),
				zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job":          slug,
		"status":       "triggered",
		"triggered_at": s.now(),
	})
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, true)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, false)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, enable bool) {
	slug := chi.URLParam(r, "slug")
	var err error
	if enable {
		err = s.schedules.Enable(slug)
	} else {
		err = s.schedules.Disable(slug)
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	def, err := s.schedules.Get(slug)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("Job toggled", zap.String("job", slug), zap.Bool("enabled", enable))
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.logs.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to query execution logs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query execution logs")
		return
	}
	if entries == nil {
		entries = []*model.JobExecutionLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": entries,
		"limit":      filter.Limit,
		"offset":     filter.Offset,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	dr, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if dr == nil {
		now := s.now()
		dr = &model.DateRange{From: now.Add(-statsWindow), To: now.Add(time.Millisecond)}
	}
	stats, err := s.logs.Stats(r.Context(), dr)
	if err != nil {
		s.logger.Error("Failed to compute execution stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute execution stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"range": dr, "stats": stats})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	period := model.ReportPeriod(chi.URLParam(r, "period"))
	switch period {
	case model.ReportDaily, model.ReportWeekly, model.ReportMonthly, model.ReportCustom:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown report period %q", period))
		return
	}

	dr, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if period == model.ReportCustom && dr == nil {
		writeError(w, http.StatusBadRequest, "custom reports require from and to")
		return
	}

	report, err := s.reports.GenerateReport(r.Context(), period, dr)
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRange) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Failed to generate report", zap.String("period", string(period)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts := []*model.Alert{}
	if s.alerts != nil {
		alerts = append(alerts, s.alerts.Recent()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func parseLogFilter(r *http.Request) (model.LogFilter, error) {
	q := r.URL.Query()
	filter := model.LogFilter{
		JobName: q.Get("job"),
		Limit:   defaultPageSize,
	}

	if v := q.Get("status"); v != "" {
		status := model.ExecutionStatus(v)
		switch status {
		case model.ExecutionRunning, model.ExecutionCompleted, model.ExecutionFailed, model.ExecutionCancelled:
			filter.Status = status
		default:
			return filter, fmt.Errorf("unknown status %q", v)
		}
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, fmt.Errorf("invalid success %q", v)
		}
		filter.Success = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		filter.Limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid offset %q", v)
		}
		filter.Offset = n
	}

	dr, err := parseRange(r)
	if err != nil {
		return filter, err
	}
	filter.DateRange = dr
	return filter, nil
}

// parseRange reads from/to as RFC 3339 timestamps or YYYY-MM-DD dates. It
// returns nil when neither is set.
func parseRange(r *http.Request) (*model.DateRange, error) {
	q := r.URL.Query()
	fromRaw, toRaw := q.Get("from"), q.Get("to")
	if fromRaw == "" && toRaw == "" {
		return nil, nil
	}
	if fromRaw == "" || toRaw == "" {
		return nil, errors.New("from and to must be set together")
	}
	from, err := parseTime(fromRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTime(toRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid to: %w", err)
	}
	if !to.After(from) {
		return nil, errors.New("to must be after from")
	}
	return &model.DateRange{From: from, To: to}, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrJobDisabled):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
