package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/model"
)

// PaymentFilter selects payment records. Zero fields are ignored.
type PaymentFilter struct {
	CustomerID    string
	BookingID     string
	Period        string
	Statuses      []model.PaymentStatus
	ExcludeStatus model.PaymentStatus
	PaymentType   model.PaymentType
	DueAfter      *time.Time
	DueBefore     *time.Time
	Limit         int
}

// PaymentPatch is a partial update of a payment record. Nil fields are left unchanged.
type PaymentPatch struct {
	Status              *model.PaymentStatus
	Notes               *string
	LastReminderAt      *time.Time
	ReminderCount       *int
	LastOverdueNoticeAt *time.Time
	OverdueNoticeCount  *int
	PaidAt              *time.Time
	TransactionID       *string
	FailureReason       *string
}

// PaymentStore is the data store the payment jobs are written against
type PaymentStore interface {
	GetPaymentConfig(ctx context.Context) (*model.PaymentConfig, error)
	SavePaymentConfig(ctx context.Context, cfg *model.PaymentConfig) error

	GetCustomer(ctx context.Context, id string) (*model.Customer, error)
	SaveCustomer(ctx context.Context, c *model.Customer) error

	GetCustomerSettings(ctx context.Context, customerID string) (*model.CustomerPaymentSettings, error)
	SaveCustomerSettings(ctx context.Context, s *model.CustomerPaymentSettings) error
	ListAutoPayCustomers(ctx context.Context) ([]*model.CustomerPaymentSettings, error)

	SaveBooking(ctx context.Context, b *model.Booking) error
	FindActiveBookings(ctx context.Context, at time.Time) ([]*model.Booking, error)

	FindPayments(ctx context.Context, filter PaymentFilter) ([]*model.PaymentRecord, error)
	GetPayment(ctx context.Context, id string) (*model.PaymentRecord, error)
	CreatePayment(ctx context.Context, p *model.PaymentRecord) error
	UpdatePayment(ctx context.Context, id string, patch PaymentPatch) error
	TransitionPayment(ctx context.Context, id string, from, to model.PaymentStatus, patch PaymentPatch) error
}

// SQLitePaymentStore implements PaymentStore using SQLite
type SQLitePaymentStore struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

// NewSQLitePaymentStore creates a payment store on an open database
func NewSQLitePaymentStore(logger *zap.Logger, db *sql.DB) *SQLitePaymentStore {
	return &SQLitePaymentStore{
		logger: logger.Named("payment-store"),
		db:     db,
		now:    time.Now,
	}
}

// GetPaymentConfig returns the singleton config or ErrNotFound
func (s *SQLitePaymentStore) GetPaymentConfig(ctx context.Context) (*model.PaymentConfig, error) {
	var (
		cfg                              model.PaymentConfig
		enabled, autoPay                 int
		startMs                          int64
		reminders, overdue, excludedJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT is_enabled, start_date, monthly_payment_day, reminder_days,
			overdue_check_days, excluded_customers, auto_pay_enabled
		FROM payment_configs WHERE id = 1`).Scan(
		&enabled, &startMs, &cfg.MonthlyPaymentDay, &reminders, &overdue, &excludedJSON, &autoPay)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment config: %w", err)
	}

	cfg.IsEnabled = enabled == 1
	cfg.AutoPayEnabled = autoPay == 1
	cfg.StartDate = fromMillis(startMs)
	if err := decodeJSON(reminders, &cfg.ReminderDays); err != nil {
		return nil, err
	}
	if err := decodeJSON(overdue, &cfg.OverdueCheckDays); err != nil {
		return nil, err
	}
	if err := decodeJSON(excludedJSON, &cfg.ExcludedCustomers); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SavePaymentConfig upserts the singleton config
func (s *SQLitePaymentStore) SavePaymentConfig(ctx context.Context, cfg *model.PaymentConfig) error {
	reminders, err := encodeJSON(cfg.ReminderDays)
	if err != nil {
		return err
	}
	overdue, err := encodeJSON(cfg.OverdueCheckDays)
	if err != nil {
		return err
	}
	excluded, err := encodeJSON(cfg.ExcludedCustomers)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payment_configs (id, is_enabled, start_date, monthly_payment_day,
			reminder_days, overdue_check_days, excluded_customers, auto_pay_enabled)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_enabled = excluded.is_enabled,
			start_date = excluded.start_date,
			monthly_payment_day = excluded.monthly_payment_day,
			reminder_days = excluded.reminder_days,
			overdue_check_days = excluded.overdue_check_days,
			excluded_customers = excluded.excluded_customers,
			auto_pay_enabled = excluded.auto_pay_enabled`,
		boolInt(cfg.IsEnabled), toMillis(cfg.StartDate), cfg.MonthlyPaymentDay,
		reminders, overdue, excluded, boolInt(cfg.AutoPayEnabled))
	if err != nil {
		return fmt.Errorf("failed to save payment config: %w", err)
	}
	return nil
}

// GetCustomer returns a customer by id
func (s *SQLitePaymentStore) GetCustomer(ctx context.Context, id string) (*model.Customer, error) {
	var c model.Customer
	err := s.db.QueryRowContext(ctx, "SELECT id, name, email FROM customers WHERE id = ?", id).
		Scan(&c.ID, &c.Name, &c.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load customer: %w", err)
	}
	return &c, nil
}

// SaveCustomer upserts a customer
func (s *SQLitePaymentStore) SaveCustomer(ctx context.Context, c *model.Customer) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, email) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email`,
		c.ID, c.Name, c.Email)
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

const settingsColumns = `customer_id, notifications_enabled, excluded_from_system, custom_reminder_days,
	auto_pay_enabled, auto_pay_payment_method, auto_pay_day, auto_pay_max_amount, auto_pay_notifications`

// GetCustomerSettings returns the per-customer overrides or ErrNotFound
func (s *SQLitePaymentStore) GetCustomerSettings(ctx context.Context, customerID string) (*model.CustomerPaymentSettings, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+settingsColumns+" FROM customer_payment_settings WHERE customer_id = ?", customerID)
	settings, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load customer settings: %w", err)
	}
	return settings, nil
}

// SaveCustomerSettings upserts per-customer overrides
func (s *SQLitePaymentStore) SaveCustomerSettings(ctx context.Context, cs *model.CustomerPaymentSettings) error {
	reminders, err := encodeJSON(cs.CustomReminderDays)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO customer_payment_settings (`+settingsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			notifications_enabled = excluded.notifications_enabled,
			excluded_from_system = excluded.excluded_from_system,
			custom_reminder_days = excluded.custom_reminder_days,
			auto_pay_enabled = excluded.auto_pay_enabled,
			auto_pay_payment_method = excluded.auto_pay_payment_method,
			auto_pay_day = excluded.auto_pay_day,
			auto_pay_max_amount = excluded.auto_pay_max_amount,
			auto_pay_notifications = excluded.auto_pay_notifications`,
		cs.CustomerID,
		boolInt(cs.NotificationsEnabled),
		boolInt(cs.ExcludedFromSystem),
		reminders,
		boolInt(cs.AutoPayEnabled),
		nullString(cs.AutoPayPaymentMethod),
		cs.AutoPayDay,
		cs.AutoPayMaxAmount,
		boolInt(cs.AutoPayNotifications),
	)
	if err != nil {
		return fmt.Errorf("failed to save customer settings: %w", err)
	}
	return nil
}

// ListAutoPayCustomers returns settings of every customer with auto-pay turned on
func (s *SQLitePaymentStore) ListAutoPayCustomers(ctx context.Context) ([]*model.CustomerPaymentSettings, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+settingsColumns+" FROM customer_payment_settings WHERE auto_pay_enabled = 1 ORDER BY customer_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-pay customers: %w", err)
	}
	defer rows.Close()

	var out []*model.CustomerPaymentSettings
	for rows.Next() {
		settings, err := scanSettings(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan customer settings: %w", err)
		}
		out = append(out, settings)
	}
	return out, rows.Err()
}

func scanSettings(row scanner) (*model.CustomerPaymentSettings, error) {
	var (
		cs                                   model.CustomerPaymentSettings
		notifications, excluded, autoPay, ap int
		reminders, method                    sql.NullString
		day                                  sql.NullInt64
		maxAmount                            sql.NullFloat64
	)
	if err := row.Scan(&cs.CustomerID, &notifications, &excluded, &reminders,
		&autoPay, &method, &day, &maxAmount, &ap); err != nil {
		return nil, err
	}
	cs.NotificationsEnabled = notifications == 1
	cs.ExcludedFromSystem = excluded == 1
	cs.AutoPayEnabled = autoPay == 1
	cs.AutoPayNotifications = ap == 1
	cs.AutoPayPaymentMethod = method.String
	cs.AutoPayDay = int(day.Int64)
	cs.AutoPayMaxAmount = maxAmount.Float64
	if err := decodeJSON(reminders, &cs.CustomReminderDays); err != nil {
		return nil, err
	}
	return &cs, nil
}

// SaveBooking upserts a booking
func (s *SQLitePaymentStore) SaveBooking(ctx context.Context, b *model.Booking) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bookings (id, customer_id, unit, monthly_price, start_date, end_date, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_id = excluded.customer_id,
			unit = excluded.unit,
			monthly_price = excluded.monthly_price,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			status = excluded.status`,
		b.ID, b.CustomerID, b.Unit, b.MonthlyPrice, toMillis(b.StartDate), nullMillis(b.EndDate), b.Status)
	if err != nil {
		return fmt.Errorf("failed to save booking: %w", err)
	}
	return nil
}

// FindActiveBookings returns active bookings whose term covers the given instant
func (s *SQLitePaymentStore) FindActiveBookings(ctx context.Context, at time.Time) ([]*model.Booking, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, unit, monthly_price, start_date, end_date, status
		FROM bookings
		WHERE status = ? AND start_date <= ? AND (end_date IS NULL OR end_date >= ?)
		ORDER BY customer_id, id`,
		model.BookingActive, toMillis(at), toMillis(at))
	if err != nil {
		return nil, fmt.Errorf("failed to find active bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*model.Booking
	for rows.Next() {
		var (
			b       model.Booking
			startMs int64
			endMs   sql.NullInt64
		)
		if err := rows.Scan(&b.ID, &b.CustomerID, &b.Unit, &b.MonthlyPrice, &startMs, &endMs, &b.Status); err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		b.StartDate = fromMillis(startMs)
		b.EndDate = fromNullMillis(endMs)
		bookings = append(bookings, &b)
	}
	return bookings, rows.Err()
}

const paymentColumns = `id, customer_id, booking_id, period, amount, due_date, status, payment_type,
	auto_pay_enabled, notes, booking_snapshot, last_reminder_at, reminder_count,
	last_overdue_notice_at, overdue_notice_count, paid_at, transaction_id, failure_reason,
	created_at, updated_at`

// FindPayments returns payments matching the filter ordered by due date
func (s *SQLitePaymentStore) FindPayments(ctx context.Context, filter PaymentFilter) ([]*model.PaymentRecord, error) {
	var (
		conds []string
		args  []any
	)
	if filter.CustomerID != "" {
		conds = append(conds, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if filter.BookingID != "" {
		conds = append(conds, "booking_id = ?")
		args = append(args, filter.BookingID)
	}
	if filter.Period != "" {
		conds = append(conds, "period = ?")
		args = append(args, filter.Period)
	}
	if len(filter.Statuses) > 0 {
		conds = append(conds, "status IN ("+strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",")+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.ExcludeStatus != "" {
		conds = append(conds, "status != ?")
		args = append(args, filter.ExcludeStatus)
	}
	if filter.PaymentType != "" {
		conds = append(conds, "payment_type = ?")
		args = append(args, filter.PaymentType)
	}
	if filter.DueAfter != nil {
		conds = append(conds, "due_date >= ?")
		args = append(args, toMillis(*filter.DueAfter))
	}
	if filter.DueBefore != nil {
		conds = append(conds, "due_date <= ?")
		args = append(args, toMillis(*filter.DueBefore))
	}

	query := "SELECT " + paymentColumns + " FROM payments"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY due_date, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find payments: %w", err)
	}
	defer rows.Close()

	var payments []*model.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// GetPayment returns a payment by id
func (s *SQLitePaymentStore) GetPayment(ctx context.Context, id string) (*model.PaymentRecord, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return p, nil
}

// CreatePayment inserts a payment. A live payment for the same customer,
// booking and period makes it fail with ErrDuplicatePayment.
func (s *SQLitePaymentStore) CreatePayment(ctx context.Context, p *model.PaymentRecord) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	var snapshot sql.NullString
	if p.BookingSnapshot != nil {
		raw, err := json.Marshal(p.BookingSnapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal booking snapshot: %w", err)
		}
		snapshot = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CustomerID, p.BookingID, p.Period, p.Amount, toMillis(p.DueDate), p.Status, p.PaymentType,
		boolInt(p.AutoPayEnabled), nullString(p.Notes), snapshot,
		nullMillis(p.LastReminderAt), p.ReminderCount,
		nullMillis(p.LastOverdueNoticeAt), p.OverdueNoticeCount,
		nullMillis(p.PaidAt), nullString(p.TransactionID), nullString(p.FailureReason),
		toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// UpdatePayment applies a patch unconditionally (last writer wins)
func (s *SQLitePaymentStore) UpdatePayment(ctx context.Context, id string, patch PaymentPatch) error {
	return s.applyPatch(ctx, id, nil, patch)
}

// TransitionPayment moves a payment from one status to another only if it is
// still in the expected status. A lost race yields ErrStaleStatus.
func (s *SQLitePaymentStore) TransitionPayment(ctx context.Context, id string, from, to model.PaymentStatus, patch PaymentPatch) error {
	patch.Status = &to
	return s.applyPatch(ctx, id, &from, patch)
}

func (s *SQLitePaymentStore) applyPatch(ctx context.Context, id string, expect *model.PaymentStatus, patch PaymentPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{toMillis(s.now())}

	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Status != nil {
		set("status", *patch.Status)
	}
	if patch.Notes != nil {
		set("notes", *patch.Notes)
	}
	if patch.LastReminderAt != nil {
		set("last_reminder_at", toMillis(*patch.LastReminderAt))
	}
	if patch.ReminderCount != nil {
		set("reminder_count", *patch.ReminderCount)
	}
	if patch.LastOverdueNoticeAt != nil {
		set("last_overdue_notice_at", toMillis(*patch.LastOverdueNoticeAt))
	}
	if patch.OverdueNoticeCount != nil {
		set("overdue_notice_count", *patch.OverdueNoticeCount)
	}
	if patch.PaidAt != nil {
		set("paid_at", toMillis(*patch.PaidAt))
	}
	if patch.TransactionID != nil {
		set("transaction_id", *patch.TransactionID)
	}
	if patch.FailureReason != nil {
		set("failure_reason", *patch.FailureReason)
	}

	query := "UPDATE payments SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	if expect != nil {
		query += " AND status = ?"
		args = append(args, *expect)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("failed to update payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		if expect == nil {
			return ErrNotFound
		}
		return ErrStaleStatus
	}
	return nil
}

func scanPayment(row scanner) (*model.PaymentRecord, error) {
	var (
		p                                     model.PaymentRecord
		dueMs, createdMs, updatedMs           int64
		autoPay                               int
		notes, snapshot, txID, failure        sql.NullString
		lastReminder, lastOverdue, paidAtNull sql.NullInt64
	)
	err := row.Scan(
		&p.ID, &p.CustomerID, &p.BookingID, &p.Period, &p.Amount, &dueMs, &p.Status, &p.PaymentType,
		&autoPay, &notes, &snapshot, &lastReminder, &p.ReminderCount,
		&lastOverdue, &p.OverdueNoticeCount, &paidAtNull, &txID, &failure,
		&createdMs, &updatedMs,
	)
	if err != nil {
		return nil, err
	}
	p.DueDate = fromMillis(dueMs)
	p.AutoPayEnabled = autoPay == 1
	p.Notes = notes.String
	p.TransactionID = txID.String
	p.FailureReason = failure.String
	p.LastReminderAt = fromNullMillis(lastReminder)
	p.LastOverdueNoticeAt = fromNullMillis(lastOverdue)
	p.PaidAt = fromNullMillis(paidAtNull)
	p.CreatedAt = fromMillis(createdMs)
	p.UpdatedAt = fromMillis(updatedMs)
	if snapshot.Valid && snapshot.String != "" {
		var snap model.BookingSnapshot
		if err := json.Unmarshal([]byte(snapshot.String), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal booking snapshot: %w", err)
		}
		p.BookingSnapshot = &snap
	}
	return &p, nil
}

func encodeJSON(v any) (sql.NullString, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal column: %w", err)
	}
	if string(raw) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeJSON(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", err)
	}
	return nil
}
