package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/model"
)

func openTestDB(t *testing.T) (*SQLitePaymentStore, *SQLiteExecutionLog) {
	t.Helper()
	logger := zap.NewNop()
	db, err := Open(logger, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLitePaymentStore(logger, db), NewSQLiteExecutionLog(logger, db)
}

func newPayment(customer, booking, period string) *model.PaymentRecord {
	return &model.PaymentRecord{
		CustomerID:  customer,
		BookingID:   booking,
		Period:      period,
		Amount:      12000,
		DueDate:     time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC),
		Status:      model.PaymentPending,
		PaymentType: model.PaymentTypeRent,
	}
}

func TestPaymentConfig(t *testing.T) {
	store, _ := openTestDB(t)
	ctx := context.Background()

	_, err := store.GetPaymentConfig(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	cfg := &model.PaymentConfig{
		IsEnabled:         true,
		StartDate:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MonthlyPaymentDay: 5,
		ReminderDays:      []int{7, 3, 1},
		OverdueCheckDays:  []int{1, 3},
		ExcludedCustomers: []string{"c-9"},
		AutoPayEnabled:    true,
	}
	require.NoError(t, store.SavePaymentConfig(ctx, cfg))

	got, err := store.GetPaymentConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	cfg.IsEnabled = false
	require.NoError(t, store.SavePaymentConfig(ctx, cfg))
	got, err = store.GetPaymentConfig(ctx)
	require.NoError(t, err)
	assert.False(t, got.IsEnabled)
}

func TestCustomerSettings(t *testing.T) {
	store, _ := openTestDB(t)
	ctx := context.Background()

	_, err := store.GetCustomerSettings(ctx, "c-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveCustomerSettings(ctx, &model.CustomerPaymentSettings{
		CustomerID:           "c-1",
		NotificationsEnabled: true,
		CustomReminderDays:   []int{5},
		AutoPayEnabled:       true,
		AutoPayPaymentMethod: "card",
		AutoPayDay:           10,
		AutoPayMaxAmount:     10000,
	}))
	require.NoError(t, store.SaveCustomerSettings(ctx, &model.CustomerPaymentSettings{CustomerID: "c-2"}))

	got, err := store.GetCustomerSettings(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, []int{5}, got.CustomReminderDays)
	assert.Equal(t, "card", got.AutoPayPaymentMethod)
	assert.Equal(t, 10, got.AutoPayDay)
	assert.Equal(t, 10000.0, got.AutoPayMaxAmount)

	list, err := store.ListAutoPayCustomers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c-1", list[0].CustomerID)
}

func TestFindActiveBookings(t *testing.T) {
	store, _ := openTestDB(t)
	ctx := context.Background()
	at := time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC)
	ended := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)

	bookings := []*model.Booking{
		{ID: "b-active", CustomerID: "c-1", Unit: "A1", MonthlyPrice: 12000, StartDate: at.AddDate(0, -3, 0), Status: model.BookingActive},
		{ID: "b-future", CustomerID: "c-2", Unit: "A2", MonthlyPrice: 9000, StartDate: at.AddDate(0, 1, 0), Status: model.BookingActive},
		{ID: "b-ended", CustomerID: "c-3", Unit: "A3", MonthlyPrice: 9000, StartDate: at.AddDate(-1, 0, 0), EndDate: &ended, Status: model.BookingActive},
		{ID: "b-cancel", CustomerID: "c-4", Unit: "A4", MonthlyPrice: 9000, StartDate: at.AddDate(-1, 0, 0), Status: model.BookingCancelled},
	}
	for _, b := range bookings {
		require.NoError(t, store.SaveBooking(ctx, b))
	}

	got, err := store.FindActiveBookings(ctx, at)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b-active", got[0].ID)
	assert.Equal(t, 12000.0, got[0].MonthlyPrice)
}

func TestCreatePaymentIdempotencyKey(t *testing.T) {
	store, _ := openTestDB(t)
	ctx := context.Background()

	first := newPayment("c-1", "b-1", "2024-06")
	first.BookingSnapshot = &model.BookingSnapshot{Unit: "A1", MonthlyPrice: 12000}
	require.NoError(t, store.CreatePayment(ctx, first))
	assert.NotEmpty(t, first.ID)

	err := store.CreatePayment(ctx, newPayment("c-1", "b-1", "2024-06"))
	assert.ErrorIs(t, err, ErrDuplicatePayment)

	// A different period is a different key.
	require.NoError(t, store.CreatePayment(ctx, newPayment("c-1", "b-1", "2024-07")))

	// Cancelling frees the key.
	cancelled := model.PaymentCancelled
	require.NoError(t, store.UpdatePayment(ctx, first.ID, PaymentPatch{Status: &cancelled}))
	require.NoError(t, store.CreatePayment(ctx, newPayment("c-1", "b-1", "2024-06")))

	got, err := store.GetPayment(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got.BookingSnapshot)
	assert.Equal(t, "A1", got.BookingSnapshot.Unit)

	live, err := store.FindPayments(ctx, PaymentFilter{
		CustomerID:    "c-1",
		Period:        "2024-06",
		ExcludeStatus: model.PaymentCancelled,
	})
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestCreatePaymentConcurrent(t *testing.T) {
	store, _ := openTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.CreatePayment(ctx, newPayment("c-1", "b-1", "2024-06"))
		}()
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicatePayment)
	}
	assert.Equal(t, 1, created)
}

func TestTransitionPayment(t *testing.T) {
	store, _ := openTestDB(t)
	ctx := context.Background()

	p := newPayment("c-1", "b-1", "2024-06")
	require.NoError(t, store.CreatePayment(ctx, p))

	require.NoError(t, store.TransitionPayment(ctx, p.ID, model.PaymentPending, model.PaymentProcessing, PaymentPatch{}))

	// Second claim loses.
	err := store.TransitionPayment(ctx, p.ID, model.PaymentPending, model.PaymentProcessing, PaymentPatch{})
	assert.ErrorIs(t, err, ErrStaleStatus)

	paidAt := time.Date(2024, 6, 5, 8, 0, 0, 0, time.UTC)
	txID := "txn-1"
	require.NoError(t, store.TransitionPayment(ctx, p.ID, model.PaymentProcessing, model.PaymentCompleted, PaymentPatch{
		PaidAt:        &paidAt,
		TransactionID: &txID,
	}))

	got, err := store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, got.Status)
	assert.Equal(t, "txn-1", got.TransactionID)
	require.NotNil(t, got.PaidAt)
	assert.True(t, paidAt.Equal(*got.PaidAt))

	err = store.UpdatePayment(ctx, "missing", PaymentPatch{Notes: &txID})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindPaymentsFilter(t *testing.T) {
	store, _ := openTestDB(t)
	ctx := context.Background()

	june := newPayment("c-1", "b-1", "2024-06")
	july := newPayment("c-1", "b-1", "2024-07")
	july.DueDate = time.Date(2024, 7, 5, 0, 0, 0, 0, time.UTC)
	other := newPayment("c-2", "b-2", "2024-06")
	other.Status = model.PaymentCompleted
	for _, p := range []*model.PaymentRecord{june, july, other} {
		require.NoError(t, store.CreatePayment(ctx, p))
	}

	before := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	got, err := store.FindPayments(ctx, PaymentFilter{
		Statuses:    []model.PaymentStatus{model.PaymentPending},
		PaymentType: model.PaymentTypeRent,
		DueBefore:   &before,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, june.ID, got[0].ID)

	after := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	got, err = store.FindPayments(ctx, PaymentFilter{DueAfter: &after, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestExecutionLogStore(t *testing.T) {
	_, logs := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	entry := &model.JobExecutionLog{
		ID:         uuid.New().String(),
		JobName:    model.JobReminderEmail,
		JobID:      uuid.New().String(),
		StartTime:  base,
		Status:     model.ExecutionRunning,
		MaxRetries: 3,
		Input:      json.RawMessage(`{"forceRun":true}`),
		Queue:      model.QueueNotificationJobs,
		Priority:   model.JobPriorityNormal,
	}
	require.NoError(t, logs.Store(ctx, entry))

	end := base.Add(1500 * time.Millisecond)
	duration := int64(1500)
	entry.EndTime = &end
	entry.DurationMs = &duration
	entry.Status = model.ExecutionCompleted
	entry.Success = true
	entry.Output = json.RawMessage(`{"success":true}`)
	require.NoError(t, logs.Update(ctx, entry))

	got, err := logs.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
	assert.True(t, got.Success)
	require.NotNil(t, got.DurationMs)
	assert.Equal(t, int64(1500), *got.DurationMs)
	assert.JSONEq(t, `{"forceRun":true}`, string(got.Input))
	assert.Equal(t, model.JobPriorityNormal, got.Priority)

	_, err = logs.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	failed := &model.JobExecutionLog{
		ID:           uuid.New().String(),
		JobName:      model.JobAutoPayProcessing,
		JobID:        uuid.New().String(),
		StartTime:    base.Add(time.Hour),
		Status:       model.ExecutionFailed,
		ErrorMessage: "boom",
		Queue:        model.QueuePaymentJobs,
		Priority:     model.JobPriorityHigh,
	}
	require.NoError(t, logs.Store(ctx, failed))

	t.Run("Filters", func(t *testing.T) {
		no := false
		list, err := logs.List(ctx, model.LogFilter{Success: &no})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "boom", list[0].ErrorMessage)

		list, err = logs.List(ctx, model.LogFilter{JobName: model.JobReminderEmail})
		require.NoError(t, err)
		require.Len(t, list, 1)

		list, err = logs.List(ctx, model.LogFilter{})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, failed.ID, list[0].ID, "newest first")

		list, err = logs.List(ctx, model.LogFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, entry.ID, list[0].ID)

		count, err := logs.Count(ctx, model.LogFilter{
			DateRange: &model.DateRange{From: base, To: base.Add(time.Minute)},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("DeleteBefore", func(t *testing.T) {
		deleted, err := logs.DeleteBefore(ctx, base.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		count, err := logs.Count(ctx, model.LogFilter{})
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}
