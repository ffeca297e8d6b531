// Package jobs implements the payment and maintenance jobs run by the executor.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/billing"
	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/notify"
	"github.com/t77yq/rent-scheduler/internal/storage"
)

const (
	// DedupDays is the minimum number of calendar days between two notices of
	// the same kind for one payment
	DedupDays = 2
	// ReminderLookahead bounds how far ahead the reminder job looks for due payments
	ReminderLookahead = 31 * 24 * time.Hour
	// AutoPayMaxOverdueDays is the oldest overdue payment auto-pay will still charge
	AutoPayMaxOverdueDays = 7
)

// Deps are the collaborators shared by the payment jobs
type Deps struct {
	Store    storage.PaymentStore
	Mailer   notify.Mailer
	Charger  billing.Charger
	Location *time.Location
	Now      func() time.Time
	Logger   *zap.Logger
}

func (d Deps) now() time.Time {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	return now().In(loc)
}

func (d Deps) location() *time.Location {
	if d.Location == nil {
		return time.UTC
	}
	return d.Location
}

// loadConfig reads a fresh snapshot of the global payment config. A missing
// config is a job-level failure.
func (d Deps) loadConfig(ctx context.Context) (*model.PaymentConfig, error) {
	cfg, err := d.Store.GetPaymentConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.New("payment config not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment config: %w", err)
	}
	return cfg, nil
}

// settingsFor returns the customer's settings or the defaults when none exist
func (d Deps) settingsFor(ctx context.Context, customerID string) (*model.CustomerPaymentSettings, error) {
	s, err := d.Store.GetCustomerSettings(ctx, customerID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.DefaultCustomerSettings(customerID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings for customer %s: %w", customerID, err)
	}
	return s, nil
}

func decodeInput(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid job input: %w", err)
	}
	return nil
}

// sentWithin compares calendar days in now's location, so the time of day a
// run happened to start never decides whether a notice goes out.
func sentWithin(last *time.Time, now time.Time, days int) bool {
	return last != nil && calendarDaysBetween(last.In(now.Location()), now) < days
}

func calendarDaysBetween(from, to time.Time) int {
	a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a) / (24 * time.Hour))
}

func ptr[T any](v T) *T {
	return &v
}

func finish(result *model.JobResult, format string, args ...any) *model.JobResult {
	result.Success = true
	result.Message = fmt.Sprintf(format, args...)
	return result
}
