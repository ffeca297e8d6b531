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

// OverdueInput narrows an overdue run, mirroring ReminderInput
type OverdueInput struct {
	OverdueDay *int   `json:"overdueDay,omitempty"`
	DueDate    string `json:"dueDate,omitempty"`
	ForceRun   bool   `json:"forceRun"`
}

// OverdueNotification emails customers whose rent is past due
type OverdueNotification struct {
	deps   Deps
	logger *zap.Logger
}

// NewOverdueNotification creates the overdue notice job
func NewOverdueNotification(deps Deps) *OverdueNotification {
	return &OverdueNotification{deps: deps, logger: deps.Logger.Named(model.JobOverdueNotification)}
}

// Slug implements executor.Job
func (j *OverdueNotification) Slug() string {
	return model.JobOverdueNotification
}

// Run implements executor.Job
func (j *OverdueNotification) Run(ctx context.Context, raw json.RawMessage) (*model.JobResult, error) {
	var in OverdueInput
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

	payments, err := j.deps.Store.FindPayments(ctx, storage.PaymentFilter{
		Statuses:    []model.PaymentStatus{model.PaymentPending},
		PaymentType: model.PaymentTypeRent,
		DueBefore:   &now,
	})
	if err != nil {
		return nil, err
	}

	overdueDays := eligibility.EffectiveOverdueDays(cfg)
	result := &model.JobResult{}
	byUrgency := map[string]int{}
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

		days := eligibility.DaysOverdue(p.DueDate, now)
		if !eligibility.IsOverdueCheckDay(p.DueDate, overdueDays, now) || (in.OverdueDay != nil && *in.OverdueDay != days) {
			result.RecordsSkipped++
			continue
		}
		if sentWithin(p.LastOverdueNoticeAt, now, DedupDays) {
			deduped++
			result.RecordsSkipped++
			continue
		}

		urgency := eligibility.UrgencyFor(days)
		if err := j.send(ctx, p, days, urgency, now); err != nil {
			j.logger.Warn("Failed to send overdue notice",
				zap.String("payment_id", p.ID),
				zap.String("customer_id", p.CustomerID),
				zap.String("urgency", string(urgency)),
				zap.Error(err))
			result.AddFailure(p.ID, err)
			continue
		}
		byUrgency[string(urgency)]++
		result.RecordsProcessed++
	}

	result.Data = map[string]any{
		"candidates":   len(payments),
		"notices_sent": result.RecordsProcessed,
		"by_urgency":   byUrgency,
		"deduplicated": deduped,
	}
	return finish(result, "sent %d overdue notices", result.RecordsProcessed), nil
}

func (j *OverdueNotification) send(ctx context.Context, p *model.PaymentRecord, days int, urgency eligibility.Urgency, now time.Time) error {
	customer, err := j.deps.Store.GetCustomer(ctx, p.CustomerID)
	if err != nil {
		return fmt.Errorf("failed to load customer: %w", err)
	}
	if err := j.deps.Mailer.Send(ctx, notify.OverdueNotice(customer, p, days, string(urgency))); err != nil {
		return err
	}
	return j.deps.Store.UpdatePayment(ctx, p.ID, storage.PaymentPatch{
		LastOverdueNoticeAt: ptr(now),
		OverdueNoticeCount:  ptr(p.OverdueNoticeCount + 1),
	})
}
