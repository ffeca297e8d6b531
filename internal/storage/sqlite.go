package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrDuplicatePayment is returned when a non-cancelled payment already exists
	// for the same customer, booking and billing period
	ErrDuplicatePayment = errors.New("duplicate payment for period")

	// ErrStaleStatus is returned when a conditional status transition lost the race
	ErrStaleStatus = errors.New("payment status changed concurrently")
)

const schema = `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		unit TEXT NOT NULL,
		monthly_price REAL NOT NULL,
		start_date INTEGER NOT NULL,
		end_date INTEGER,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status);

	CREATE TABLE IF NOT EXISTS payment_configs (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		is_enabled INTEGER NOT NULL,
		start_date INTEGER NOT NULL,
		monthly_payment_day INTEGER NOT NULL CHECK (monthly_payment_day BETWEEN 1 AND 31),
		reminder_days TEXT,
		overdue_check_days TEXT,
		excluded_customers TEXT,
		auto_pay_enabled INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS customer_payment_settings (
		customer_id TEXT PRIMARY KEY,
		notifications_enabled INTEGER NOT NULL,
		excluded_from_system INTEGER NOT NULL,
		custom_reminder_days TEXT,
		auto_pay_enabled INTEGER NOT NULL,
		auto_pay_payment_method TEXT,
		auto_pay_day INTEGER CHECK (auto_pay_day IS NULL OR auto_pay_day BETWEEN 0 AND 28),
		auto_pay_max_amount REAL,
		auto_pay_notifications INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		booking_id TEXT NOT NULL,
		period TEXT NOT NULL,
		amount REAL NOT NULL,
		due_date INTEGER NOT NULL,
		status TEXT NOT NULL,
		payment_type TEXT NOT NULL,
		auto_pay_enabled INTEGER NOT NULL,
		notes TEXT,
		booking_snapshot TEXT,
		last_reminder_at INTEGER,
		reminder_count INTEGER NOT NULL DEFAULT 0,
		last_overdue_notice_at INTEGER,
		overdue_notice_count INTEGER NOT NULL DEFAULT 0,
		paid_at INTEGER,
		transaction_id TEXT,
		failure_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_payments_period
		ON payments(customer_id, booking_id, period) WHERE status != 'cancelled';
	CREATE INDEX IF NOT EXISTS idx_payments_status_due ON payments(status, due_date);
	CREATE INDEX IF NOT EXISTS idx_payments_customer ON payments(customer_id);

	CREATE TABLE IF NOT EXISTS job_execution_logs (
		id TEXT PRIMARY KEY,
		job_name TEXT NOT NULL,
		job_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		success INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		input TEXT,
		output TEXT,
		queue TEXT NOT NULL,
		priority INTEGER NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		duration_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_job_logs_job_name ON job_execution_logs(job_name);
	CREATE INDEX IF NOT EXISTS idx_job_logs_status ON job_execution_logs(status);
	CREATE INDEX IF NOT EXISTS idx_job_logs_start_time ON job_execution_logs(start_time);
`

// Open opens (or creates) the SQLite database and applies the schema
func Open(logger *zap.Logger, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serialises writers anyway; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger.Info("Database ready", zap.String("path", dbPath))
	return db, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
