// Package eligibility holds the pure date and membership rules shared by the
// payment jobs. Nothing here touches storage or the clock.
package eligibility

import (
	"fmt"
	"slices"
	"time"

	"github.com/t77yq/rent-scheduler/internal/model"
)

const day = 24 * time.Hour

// DefaultReminderDays applies when neither the customer nor the global config sets a list.
var DefaultReminderDays = []int{7, 3, 1}

// DefaultOverdueCheckDays applies when the global config has no overdue list.
var DefaultOverdueCheckDays = []int{1, 3, 7, 14, 30}

// Urgency is the tone tier of an overdue notice
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// DueDateForPeriod returns the due date of the given billing month. Days past
// the end of a short month clamp to its last day.
func DueDateForPeriod(year int, month time.Month, paymentDay int, loc *time.Location) time.Time {
	if n := daysIn(year, month, loc); paymentDay > n {
		paymentDay = n
	}
	return time.Date(year, month, paymentDay, 0, 0, 0, 0, loc)
}

// NextPaymentDueDate returns the next due date on paymentDay strictly after the
// day of base: if base is already on or past this month's (clamped) due day,
// the due date moves to the following month.
func NextPaymentDueDate(paymentDay int, base time.Time) time.Time {
	year, month, d := base.Date()
	due := DueDateForPeriod(year, month, paymentDay, base.Location())
	if d < due.Day() {
		return due
	}
	month++
	if month > time.December {
		month = time.January
		year++
	}
	return DueDateForPeriod(year, month, paymentDay, base.Location())
}

// Period formats the billing month key used for idempotency (YYYY-MM).
func Period(year int, month time.Month) string {
	return fmt.Sprintf("%04d-%02d", year, int(month))
}

// ceilDays rounds a duration up to whole days. Integer division truncates
// toward zero, which is already the ceiling for negative durations.
func ceilDays(d time.Duration) int {
	days := d / day
	if d%day > 0 {
		days++
	}
	return int(days)
}

// DaysUntilDue is ceil((dueDate - now) / 1 day).
func DaysUntilDue(dueDate, now time.Time) int {
	return ceilDays(dueDate.Sub(now))
}

// DaysOverdue is ceil((now - dueDate) / 1 day).
func DaysOverdue(dueDate, now time.Time) int {
	return ceilDays(now.Sub(dueDate))
}

// IsReminderDay reports whether the days remaining until dueDate is one of reminderDays.
func IsReminderDay(dueDate time.Time, reminderDays []int, now time.Time) bool {
	return slices.Contains(reminderDays, DaysUntilDue(dueDate, now))
}

// IsOverdueCheckDay reports whether the days elapsed since dueDate is one of overdueDays.
func IsOverdueCheckDay(dueDate time.Time, overdueDays []int, now time.Time) bool {
	return slices.Contains(overdueDays, DaysOverdue(dueDate, now))
}

// IsPaymentSystemActive reports whether the global switch is on and the start date has passed.
func IsPaymentSystemActive(cfg *model.PaymentConfig, now time.Time) bool {
	if cfg == nil || !cfg.IsEnabled {
		return false
	}
	return !now.Before(cfg.StartDate)
}

// IsCustomerExcluded reports whether the customer is excluded globally or by their own settings.
func IsCustomerExcluded(cfg *model.PaymentConfig, settings *model.CustomerPaymentSettings, customerID string) bool {
	if cfg != nil && slices.Contains(cfg.ExcludedCustomers, customerID) {
		return true
	}
	return settings != nil && settings.ExcludedFromSystem
}

// EffectiveReminderDays resolves the customer override, then the global list, then the default.
func EffectiveReminderDays(cfg *model.PaymentConfig, settings *model.CustomerPaymentSettings) []int {
	if settings != nil && len(settings.CustomReminderDays) > 0 {
		return settings.CustomReminderDays
	}
	if cfg != nil && len(cfg.ReminderDays) > 0 {
		return cfg.ReminderDays
	}
	return DefaultReminderDays
}

// EffectiveOverdueDays resolves the global overdue list or the default.
func EffectiveOverdueDays(cfg *model.PaymentConfig) []int {
	if cfg != nil && len(cfg.OverdueCheckDays) > 0 {
		return cfg.OverdueCheckDays
	}
	return DefaultOverdueCheckDays
}

// UrgencyFor maps days overdue to a notice tier.
func UrgencyFor(daysOverdue int) Urgency {
	switch {
	case daysOverdue < 7:
		return UrgencyLow
	case daysOverdue < 15:
		return UrgencyMedium
	case daysOverdue < 30:
		return UrgencyHigh
	default:
		return UrgencyCritical
	}
}

// ValidAutoPayDay reports whether d is an allowed auto-pay day. Days 29-31 are
// rejected so every month has the day.
func ValidAutoPayDay(d int) bool {
	return d >= 1 && d <= 28
}

// ValidatePaymentConfig checks the invariants of the global config.
func ValidatePaymentConfig(cfg *model.PaymentConfig) error {
	if cfg.MonthlyPaymentDay < 1 || cfg.MonthlyPaymentDay > 31 {
		return fmt.Errorf("monthly payment day %d out of range 1-31", cfg.MonthlyPaymentDay)
	}
	for _, d := range cfg.ReminderDays {
		if d < 0 {
			return fmt.Errorf("negative reminder day %d", d)
		}
	}
	for _, d := range cfg.OverdueCheckDays {
		if d < 0 {
			return fmt.Errorf("negative overdue check day %d", d)
		}
	}
	return nil
}
