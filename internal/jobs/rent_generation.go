package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/eligibility"
	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/storage"
)

// RentGenerationInput selects the billing month. Zero month or year means the current one.
type RentGenerationInput struct {
	Month    int  `json:"month"`
	Year     int  `json:"year"`
	ForceRun bool `json:"forceRun"`
}

// RentGeneration creates one pending rent payment per active booking and month
type RentGeneration struct {
	deps   Deps
	logger *zap.Logger
}

// NewRentGeneration creates the rent generation job
func NewRentGeneration(deps Deps) *RentGeneration {
	return &RentGeneration{deps: deps, logger: deps.Logger.Named(model.JobRentGeneration)}
}

// Slug implements executor.Job
func (j *RentGeneration) Slug() string {
	return model.JobRentGeneration
}

// Run implements executor.Job
func (j *RentGeneration) Run(ctx context.Context, raw json.RawMessage) (*model.JobResult, error) {
	var in RentGenerationInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}

	now := j.deps.now()
	if in.Month == 0 {
		in.Month = int(now.Month())
	}
	if in.Year == 0 {
		in.Year = now.Year()
	}
	if in.Month < 1 || in.Month > 12 {
		return nil, fmt.Errorf("invalid month %d", in.Month)
	}

	cfg, err := j.deps.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	if !in.ForceRun && !eligibility.IsPaymentSystemActive(cfg, now) {
		return model.Skipped("payment system inactive"), nil
	}

	month := time.Month(in.Month)
	period := eligibility.Period(in.Year, month)
	dueDate := eligibility.DueDateForPeriod(in.Year, month, cfg.MonthlyPaymentDay, j.deps.location())

	bookings, err := j.deps.Store.FindActiveBookings(ctx, dueDate)
	if err != nil {
		return nil, err
	}

	result := &model.JobResult{}
	var existing, excluded int
	for _, b := range bookings {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		settings, err := j.deps.settingsFor(ctx, b.CustomerID)
		if err != nil {
			result.AddFailure(b.ID, err)
			continue
		}
		if eligibility.IsCustomerExcluded(cfg, settings, b.CustomerID) {
			excluded++
			result.RecordsSkipped++
			continue
		}

		payment := &model.PaymentRecord{
			CustomerID:     b.CustomerID,
			BookingID:      b.ID,
			Period:         period,
			Amount:         b.MonthlyPrice,
			DueDate:        dueDate,
			Status:         model.PaymentPending,
			PaymentType:    model.PaymentTypeRent,
			AutoPayEnabled: cfg.AutoPayEnabled && settings.AutoPayEnabled,
			Notes:          fmt.Sprintf("Rent for %s, unit %s", period, b.Unit),
			BookingSnapshot: &model.BookingSnapshot{
				Unit:         b.Unit,
				MonthlyPrice: b.MonthlyPrice,
				StartDate:    b.StartDate,
				EndDate:      b.EndDate,
			},
		}
		err = j.deps.Store.CreatePayment(ctx, payment)
		switch {
		case errors.Is(err, storage.ErrDuplicatePayment):
			existing++
			result.RecordsSkipped++
		case err != nil:
			j.logger.Error("Failed to create rent payment",
				zap.String("booking_id", b.ID),
				zap.String("customer_id", b.CustomerID),
				zap.Error(err))
			result.AddFailure(b.ID, err)
		default:
			result.RecordsProcessed++
		}
	}

	result.Data = map[string]any{
		"period":           period,
		"due_date":         dueDate.Format(time.DateOnly),
		"bookings":         len(bookings),
		"payments_created": result.RecordsProcessed,
		"existing":         existing,
		"excluded":         excluded,
	}
	return finish(result, "generated %d rent payments for %s", result.RecordsProcessed, period), nil
}
