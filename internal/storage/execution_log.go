package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/model"
)

// ExecutionLogStorage defines the interface for job execution log storage
type ExecutionLogStorage interface {
	// Store stores a new execution log
	Store(ctx context.Context, entry *model.JobExecutionLog) error

	// Update writes the completion fields of an existing log
	Update(ctx context.Context, entry *model.JobExecutionLog) error

	// Get retrieves an execution log by ID
	Get(ctx context.Context, id string) (*model.JobExecutionLog, error)

	// List retrieves execution logs matching the filter, newest first
	List(ctx context.Context, filter model.LogFilter) ([]*model.JobExecutionLog, error)

	// Count returns the number of logs matching the filter
	Count(ctx context.Context, filter model.LogFilter) (int, error)

	// DeleteBefore deletes logs started before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteExecutionLog implements ExecutionLogStorage using SQLite
type SQLiteExecutionLog struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteExecutionLog creates a log store on an open database
func NewSQLiteExecutionLog(logger *zap.Logger, db *sql.DB) *SQLiteExecutionLog {
	return &SQLiteExecutionLog{
		logger: logger.Named("execution-log"),
		db:     db,
	}
}

const logColumns = `id, job_name, job_id, status, success, error_message, retry_count, max_retries,
	input, output, queue, priority, start_time, end_time, duration_ms`

// Store implements ExecutionLogStorage.Store
func (s *SQLiteExecutionLog) Store(ctx context.Context, entry *model.JobExecutionLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_execution_logs (`+logColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.JobName,
		entry.JobID,
		entry.Status,
		boolInt(entry.Success),
		nullString(entry.ErrorMessage),
		entry.RetryCount,
		entry.MaxRetries,
		nullJSON(entry.Input),
		nullJSON(entry.Output),
		entry.Queue,
		entry.Priority,
		toMillis(entry.StartTime),
		nullMillis(entry.EndTime),
		nullInt64(entry.DurationMs),
	)
	if err != nil {
		return fmt.Errorf("failed to store execution log: %w", err)
	}
	return nil
}

// Update implements ExecutionLogStorage.Update
func (s *SQLiteExecutionLog) Update(ctx context.Context, entry *model.JobExecutionLog) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_execution_logs SET
			status = ?,
			success = ?,
			error_message = ?,
			output = ?,
			end_time = ?,
			duration_ms = ?
		WHERE id = ?`,
		entry.Status,
		boolInt(entry.Success),
		nullString(entry.ErrorMessage),
		nullJSON(entry.Output),
		nullMillis(entry.EndTime),
		nullInt64(entry.DurationMs),
		entry.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution log: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get implements ExecutionLogStorage.Get
func (s *SQLiteExecutionLog) Get(ctx context.Context, id string) (*model.JobExecutionLog, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+logColumns+" FROM job_execution_logs WHERE id = ?", id)
	entry, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution log: %w", err)
	}
	return entry, nil
}

// List implements ExecutionLogStorage.List
func (s *SQLiteExecutionLog) List(ctx context.Context, filter model.LogFilter) ([]*model.JobExecutionLog, error) {
	where, args := logWhere(filter)
	query := "SELECT " + logColumns + " FROM job_execution_logs" + where + " ORDER BY start_time DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", err)
	}
	defer rows.Close()

	var entries []*model.JobExecutionLog
	for rows.Next() {
		entry, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}

// Count implements ExecutionLogStorage.Count
func (s *SQLiteExecutionLog) Count(ctx context.Context, filter model.LogFilter) (int, error) {
	where, args := logWhere(filter)
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_execution_logs"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count execution logs: %w", err)
	}
	return count, nil
}

// DeleteBefore implements ExecutionLogStorage.DeleteBefore
func (s *SQLiteExecutionLog) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM job_execution_logs WHERE start_time < ?", toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete execution logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution logs",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

func logWhere(filter model.LogFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.JobName != "" {
		conds = append(conds, "job_name = ?")
		args = append(args, filter.JobName)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Success != nil {
		conds = append(conds, "success = ?")
		args = append(args, boolInt(*filter.Success))
	}
	if filter.DateRange != nil {
		conds = append(conds, "start_time >= ? AND start_time < ?")
		args = append(args, toMillis(filter.DateRange.From), toMillis(filter.DateRange.To))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLog(row scanner) (*model.JobExecutionLog, error) {
	var (
		entry              model.JobExecutionLog
		success            int
		errMsg             sql.NullString
		input, output      sql.NullString
		startMs            int64
		endMs, durationVal sql.NullInt64
	)
	err := row.Scan(
		&entry.ID,
		&entry.JobName,
		&entry.JobID,
		&entry.Status,
		&success,
		&errMsg,
		&entry.RetryCount,
		&entry.MaxRetries,
		&input,
		&output,
		&entry.Queue,
		&entry.Priority,
		&startMs,
		&endMs,
		&durationVal,
	)
	if err != nil {
		return nil, err
	}

	entry.Success = success == 1
	entry.ErrorMessage = errMsg.String
	if input.Valid && input.String != "" {
		entry.Input = json.RawMessage(input.String)
	}
	if output.Valid && output.String != "" {
		entry.Output = json.RawMessage(output.String)
	}
	entry.StartTime = fromMillis(startMs)
	entry.EndTime = fromNullMillis(endMs)
	if durationVal.Valid {
		d := durationVal.Int64
		entry.DurationMs = &d
	}
	return &entry, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
