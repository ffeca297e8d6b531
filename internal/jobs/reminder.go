package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/eligibility"
	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/notify"
	"github.com/t77yq/rent-scheduler/internal/storage"
)

// ReminderInput narrows a reminder run. ReminderDay limits sends to payments
// that many days from due; DueDate (YYYY-MM-DD) limits them to one due date.
type ReminderInput struct {
	ReminderDay *int   `json:"reminderDay,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
	ForceRun    bool   `json:"forceRun"`
}

// ReminderEmail emails customers ahead of their rent due date
type ReminderEmail struct {
	deps   Deps
	logger *zap.Logger
}

// NewReminderEmail creates the reminder job
func NewReminderEmail(deps Deps) *ReminderEmail {
	return &ReminderEmail{deps: deps, logger: deps.Logger.Named(model.JobReminderEmail)}
}

// Slug implements executor.Job
func (j *ReminderEmail) Slug() string {
	return model.JobReminderEmail
}

// Run implements executor.Job
func (j *ReminderEmail) Run(ctx context.Context, raw json.RawMessage) (*model.JobResult, error) {
	var in ReminderInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}
	onlyDue, err := parseDueDate(in.DueDate, j.deps.location())
	if err != nil {
		return nil, err
	}

	now := j.deps.now()
	cfg, err := j.deps.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	if !in.ForceRun && !eligibility.IsPaymentSystemActive(cfg, now) {
		return model.Skipped("payment system inactive"), nil
	}

	from := eligibility.StartOfDay(now)
	until := now.Add(ReminderLookahead)
	payments, err := j.deps.Store.FindPayments(ctx, storage.PaymentFilter{
		Statuses:    []model.PaymentStatus{model.PaymentPending},
		PaymentType: model.PaymentTypeRent,
		DueAfter:    &from,
		DueBefore:   &until,
	})
	if err != nil {
		return nil, err
	}

	result := &model.JobResult{}
	var deduped int
	for _, p := range payments {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if onlyDue != nil && !p.DueDate.Equal(*onlyDue) {
			result.RecordsSkipped++
			continue
		}

		settings, err := j.deps.settingsFor(ctx, p.CustomerID)
		if err != nil {
			result.AddFailure(p.ID, err)
			continue
		}
		if eligibility.IsCustomerExcluded(cfg, settings, p.CustomerID) || !settings.NotificationsEnabled {
			result.RecordsSkipped++
			continue
		}

		days := eligibility.DaysUntilDue(p.DueDate, now)
		reminderDays := eligibility.EffectiveReminderDays(cfg, settings)
		if !eligibility.IsReminderDay(p.DueDate, reminderDays, now) || (in.ReminderDay != nil && *in.ReminderDay != days) {
			result.RecordsSkipped++
			continue
		}
		if sentWithin(p.LastReminderAt, now, DedupDays) {
			deduped++
			result.RecordsSkipped++
			continue
		}

		if err := j.send(ctx, p, days, now); err != nil {
			j.logger.Warn("Failed to send payment reminder",
				zap.String("payment_id", p.ID),
				zap.String("customer_id", p.CustomerID),
				zap.Error(err))
			result.AddFailure(p.ID, err)
			continue
		}
		result.RecordsProcessed++
	}

	result.Data = map[string]any{
		"candidates":     len(payments),
		"reminders_sent": result.RecordsProcessed,
		"deduplicated":   deduped,
	}
	return finish(result, "sent %d payment reminders", result.RecordsProcessed), nil
}

func (j *ReminderEmail) send(ctx context.Context, p *model.PaymentRecord, days int, now time.Time) error {
	customer, err := j.deps.Store.GetCustomer(ctx, p.CustomerID)
	if err != nil {
		return fmt.Errorf("failed to load customer: %w", err)
	}
	if err := j.deps.Mailer.Send(ctx, notify.PaymentReminder(customer, p, days)); err != nil {
		return err
	}
	return j.deps.Store.UpdatePayment(ctx, p.ID, storage.PaymentPatch{
		LastReminderAt: ptr(now),
		ReminderCount:  ptr(p.ReminderCount + 1),
	})
}

func parseDueDate(s string, loc *time.Location) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid dueDate %q: %w", s, err)
	}
	return &t, nil
}
