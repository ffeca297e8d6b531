package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/billing"
	"github.com/t77yq/rent-scheduler/internal/eligibility"
	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/notify"
	"github.com/t77yq/rent-scheduler/internal/storage"
)

// AutoPayInput limits a run to one customer. ForceRun ignores the system
// switch and the customer's auto-pay day.
type AutoPayInput struct {
	CustomerID string `json:"customerId,omitempty"`
	ForceRun   bool   `json:"forceRun"`
}

// AutoPay charges pending rent for customers enrolled in automatic payment
type AutoPay struct {
	deps   Deps
	logger *zap.Logger
}

// NewAutoPay creates the auto-pay job
func NewAutoPay(deps Deps) *AutoPay {
	return &AutoPay{deps: deps, logger: deps.Logger.Named(model.JobAutoPayProcessing)}
}

// Slug implements executor.Job
func (j *AutoPay) Slug() string {
	return model.JobAutoPayProcessing
}

type autoPayTally struct {
	attempts  int
	customers int
	limit     int
	tooLate   int
	claimed   int
	charged   int
}

// Run implements executor.Job
func (j *AutoPay) Run(ctx context.Context, raw json.RawMessage) (*model.JobResult, error) {
	var in AutoPayInput
	if err := decodeInput(raw, &in); err != nil {
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
	if !cfg.AutoPayEnabled {
		return model.Skipped("auto-pay disabled"), nil
	}

	customers, err := j.customers(ctx, in.CustomerID)
	if err != nil {
		return nil, err
	}

	result := &model.JobResult{}
	var tally autoPayTally
	for _, settings := range customers {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if eligibility.IsCustomerExcluded(cfg, settings, settings.CustomerID) {
			result.RecordsSkipped++
			continue
		}
		if settings.AutoPayPaymentMethod == "" || !eligibility.ValidAutoPayDay(settings.AutoPayDay) {
			j.logger.Debug("Auto-pay not fully configured", zap.String("customer_id", settings.CustomerID))
			result.RecordsSkipped++
			continue
		}
		if !in.ForceRun && now.Day() != settings.AutoPayDay {
			result.RecordsSkipped++
			continue
		}

		tally.customers++
		if err := j.processCustomer(ctx, settings, now, result, &tally); err != nil {
			result.AddFailure(settings.CustomerID, err)
		}
	}

	result.Data = map[string]any{
		"customers":         len(customers),
		"customers_due":     tally.customers,
		"attempts":          tally.attempts,
		"successes":         result.RecordsProcessed,
		"failures":          result.RecordsFailed,
		"over_limit":        tally.limit,
		"too_overdue":       tally.tooLate,
		"claimed_elsewhere": tally.claimed,
		"already_charged":   tally.charged,
	}
	return finish(result, "processed %d auto-payments", result.RecordsProcessed), nil
}

func (j *AutoPay) customers(ctx context.Context, customerID string) ([]*model.CustomerPaymentSettings, error) {
	if customerID == "" {
		return j.deps.Store.ListAutoPayCustomers(ctx)
	}
	s, err := j.deps.Store.GetCustomerSettings(ctx, customerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !s.AutoPayEnabled {
		return nil, nil
	}
	return []*model.CustomerPaymentSettings{s}, nil
}

func (j *AutoPay) processCustomer(ctx context.Context, settings *model.CustomerPaymentSettings, now time.Time, result *model.JobResult, tally *autoPayTally) error {
	payments, err := j.deps.Store.FindPayments(ctx, storage.PaymentFilter{
		CustomerID:  settings.CustomerID,
		Statuses:    []model.PaymentStatus{model.PaymentPending},
		PaymentType: model.PaymentTypeRent,
	})
	if err != nil {
		return err
	}

	var customer *model.Customer
	if settings.AutoPayNotifications {
		customer, err = j.deps.Store.GetCustomer(ctx, settings.CustomerID)
		if err != nil {
			j.logger.Warn("Customer record missing, auto-pay notifications disabled",
				zap.String("customer_id", settings.CustomerID), zap.Error(err))
			customer = nil
		}
	}

	for _, p := range payments {
		// A pending record with a transaction was charged but never completed.
		if p.TransactionID != "" {
			j.logger.Warn("Pending payment already charged, leaving it for reconciliation",
				zap.String("payment_id", p.ID),
				zap.String("transaction_id", p.TransactionID))
			tally.charged++
			result.RecordsSkipped++
			continue
		}
		if settings.AutoPayMaxAmount > 0 && p.Amount > settings.AutoPayMaxAmount {
			tally.limit++
			result.RecordsSkipped++
			continue
		}
		if eligibility.DaysOverdue(p.DueDate, now) > AutoPayMaxOverdueDays {
			tally.tooLate++
			result.RecordsSkipped++
			continue
		}

		err := j.deps.Store.TransitionPayment(ctx, p.ID, model.PaymentPending, model.PaymentProcessing, storage.PaymentPatch{})
		if errors.Is(err, storage.ErrStaleStatus) {
			tally.claimed++
			result.RecordsSkipped++
			continue
		}
		if err != nil {
			result.AddFailure(p.ID, err)
			continue
		}

		tally.attempts++
		txn, err := j.charge(ctx, settings, p, now)
		if err != nil {
			j.revert(ctx, p, txn, err)
			result.AddFailure(p.ID, err)
			if customer != nil {
				j.notify(ctx, notify.AutoPayFailure(customer, p, err.Error()))
			}
			continue
		}

		result.RecordsProcessed++
		if customer != nil {
			j.notify(ctx, notify.AutoPaySuccess(customer, p, txn))
		}
	}
	return nil
}

// charge runs the gateway call and marks the claimed payment completed. The
// transaction ID is returned whenever the gateway accepted the charge, even if
// the completion write then failed.
func (j *AutoPay) charge(ctx context.Context, settings *model.CustomerPaymentSettings, p *model.PaymentRecord, now time.Time) (string, error) {
	charge, err := j.deps.Charger.Charge(ctx, billing.ChargeRequest{
		PaymentID:     p.ID,
		CustomerID:    p.CustomerID,
		PaymentMethod: settings.AutoPayPaymentMethod,
		Amount:        p.Amount,
	})
	if err != nil {
		return "", fmt.Errorf("charge failed: %w", err)
	}

	err = j.deps.Store.TransitionPayment(ctx, p.ID, model.PaymentProcessing, model.PaymentCompleted, storage.PaymentPatch{
		PaidAt:        ptr(now),
		TransactionID: ptr(charge.TransactionID),
		FailureReason: ptr(""),
	})
	if err != nil {
		return charge.TransactionID, fmt.Errorf("failed to complete payment after charge %s: %w", charge.TransactionID, err)
	}

	j.logger.Info("Auto-payment completed",
		zap.String("payment_id", p.ID),
		zap.String("customer_id", p.CustomerID),
		zap.String("transaction_id", charge.TransactionID))
	return charge.TransactionID, nil
}

// revert returns a claimed payment to pending. It must run even when the job
// context is done. A non-empty txn is kept on the record so later runs do not
// charge it again.
func (j *AutoPay) revert(ctx context.Context, p *model.PaymentRecord, txn string, cause error) {
	patch := storage.PaymentPatch{FailureReason: ptr(cause.Error())}
	if txn != "" {
		patch.TransactionID = ptr(txn)
	}
	err := j.deps.Store.TransitionPayment(context.WithoutCancel(ctx), p.ID, model.PaymentProcessing, model.PaymentPending, patch)
	if err != nil {
		j.logger.Error("Failed to revert payment to pending",
			zap.String("payment_id", p.ID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	j.logger.Warn("Auto-payment failed, payment reverted to pending",
		zap.String("payment_id", p.ID),
		zap.String("transaction_id", txn),
		zap.Error(cause))
}

func (j *AutoPay) notify(ctx context.Context, email notify.Email) {
	if err := j.deps.Mailer.Send(ctx, email); err != nil {
		j.logger.Warn("Failed to send auto-pay notification", zap.String("to", email.To), zap.Error(err))
	}
}
