package eligibility

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/rent-scheduler/internal/model"
)

func date(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestNextPaymentDueDate(t *testing.T) {
	tests := []struct {
		name string
		day  int
		base time.Time
		want time.Time
	}{
		{"before payment day stays in month", 5, date(2024, 6, 1, 13, 0), date(2024, 6, 5, 0, 0)},
		{"on payment day moves to next month", 5, date(2024, 6, 5, 0, 0), date(2024, 7, 5, 0, 0)},
		{"after payment day moves to next month", 5, date(2024, 6, 20, 8, 0), date(2024, 7, 5, 0, 0)},
		{"december rolls the year", 10, date(2024, 12, 15, 0, 0), date(2025, 1, 10, 0, 0)},
		{"day 31 clamps in short month", 31, date(2024, 1, 31, 0, 0), date(2024, 2, 29, 0, 0)},
		{"day 30 clamps in february", 30, date(2023, 2, 1, 0, 0), date(2023, 2, 28, 0, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextPaymentDueDate(tt.day, tt.base))
		})
	}
}

func TestNextPaymentDueDateProperties(t *testing.T) {
	base := date(2024, 3, 1, 0, 0)
	for offset := 0; offset < 366; offset++ {
		b := base.AddDate(0, 0, offset).Add(7 * time.Hour)
		for d := 1; d <= 28; d++ {
			got := NextPaymentDueDate(d, b)
			require.Equal(t, d, got.Day())
			require.Equal(t, StartOfDay(got), got)
			if b.Day() < d {
				require.Equal(t, b.Month(), got.Month())
				require.True(t, got.After(b))
			} else {
				require.Equal(t, b.AddDate(0, 0, -b.Day()+1).AddDate(0, 1, 0).Month(), got.Month())
			}
		}
	}
}

func TestNextPaymentDueDateLateDays(t *testing.T) {
	cases := []struct {
		day  int
		base time.Time
		want time.Time
	}{
		{31, date(2024, 4, 10, 9, 0), date(2024, 4, 30, 0, 0)},
		{31, date(2024, 4, 30, 9, 0), date(2024, 5, 31, 0, 0)},
		{31, date(2024, 5, 31, 9, 0), date(2024, 6, 30, 0, 0)},
		{30, date(2024, 1, 31, 9, 0), date(2024, 2, 29, 0, 0)},
		{29, date(2023, 2, 28, 9, 0), date(2023, 3, 29, 0, 0)},
		{31, date(2024, 12, 31, 9, 0), date(2025, 1, 31, 0, 0)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NextPaymentDueDate(tc.day, tc.base), "day %d from %s", tc.day, tc.base)
	}

	base := date(2024, 1, 1, 0, 0)
	for offset := 0; offset < 731; offset++ {
		b := base.AddDate(0, 0, offset).Add(7 * time.Hour)
		for d := 29; d <= 31; d++ {
			got := NextPaymentDueDate(d, b)
			require.True(t, StartOfDay(got).After(StartOfDay(b)), "day %d from %s", d, b)
			require.Equal(t, min(d, daysIn(got.Year(), got.Month(), time.UTC)), got.Day())
			require.LessOrEqual(t, got.Sub(StartOfDay(b)), 31*24*time.Hour)
		}
	}
}

func TestDueDateForPeriod(t *testing.T) {
	assert.Equal(t, date(2024, 6, 5, 0, 0), DueDateForPeriod(2024, time.June, 5, time.UTC))
	assert.Equal(t, date(2024, 4, 30, 0, 0), DueDateForPeriod(2024, time.April, 31, time.UTC))
	assert.Equal(t, "2024-06", Period(2024, time.June))
}

func TestDaysUntilDueBoundaries(t *testing.T) {
	due := date(2024, 6, 5, 0, 0)
	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"exactly three days", date(2024, 6, 2, 0, 0), 3},
		{"fractional rounds up", date(2024, 6, 2, 9, 0), 3},
		{"one minute past three days", date(2024, 6, 1, 23, 59), 4},
		{"exactly one day", date(2024, 6, 4, 0, 0), 1},
		{"one hour left", date(2024, 6, 4, 23, 0), 1},
		{"due now", due, 0},
		{"just past due", date(2024, 6, 5, 1, 0), 0},
		{"one day past due", date(2024, 6, 6, 0, 0), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DaysUntilDue(due, tt.now))
		})
	}
}

func TestDaysOverdueBoundaries(t *testing.T) {
	due := date(2024, 6, 5, 0, 0)
	assert.Equal(t, 0, DaysOverdue(due, due))
	assert.Equal(t, 1, DaysOverdue(due, date(2024, 6, 5, 10, 0)))
	assert.Equal(t, 1, DaysOverdue(due, date(2024, 6, 6, 0, 0)))
	assert.Equal(t, 2, DaysOverdue(due, date(2024, 6, 6, 0, 1)))
	assert.Equal(t, 0, DaysOverdue(due, date(2024, 6, 4, 12, 0)))
	assert.Equal(t, -1, DaysOverdue(due, date(2024, 6, 4, 0, 0)))
}

func TestIsReminderDay(t *testing.T) {
	due := date(2024, 6, 5, 0, 0)
	days := []int{7, 3, 1}

	// Walk every hour across the ten days before the due date and check the
	// result agrees with the ceiling definition.
	for h := 0; h < 240; h++ {
		now := due.Add(-time.Duration(h) * time.Hour)
		until := DaysUntilDue(due, now)
		want := until == 7 || until == 3 || until == 1
		require.Equal(t, want, IsReminderDay(due, days, now), "hours before due: %d", h)
	}

	assert.True(t, IsReminderDay(due, days, date(2024, 6, 2, 9, 0)))
	assert.False(t, IsReminderDay(due, days, date(2024, 6, 3, 9, 0)))
	assert.False(t, IsReminderDay(due, nil, date(2024, 6, 2, 9, 0)))
	assert.True(t, IsReminderDay(due, []int{0}, due))
}

func TestIsOverdueCheckDay(t *testing.T) {
	due := date(2024, 6, 5, 0, 0)
	days := []int{1, 3, 7}

	assert.True(t, IsOverdueCheckDay(due, days, date(2024, 6, 5, 10, 0)))
	assert.False(t, IsOverdueCheckDay(due, days, date(2024, 6, 6, 10, 0)))
	assert.True(t, IsOverdueCheckDay(due, days, date(2024, 6, 7, 10, 0)))
	assert.True(t, IsOverdueCheckDay(due, days, date(2024, 6, 12, 0, 0)))
	assert.False(t, IsOverdueCheckDay(due, days, date(2024, 6, 4, 10, 0)))
}

func TestIsPaymentSystemActive(t *testing.T) {
	start := date(2024, 1, 1, 0, 0)
	cfg := &model.PaymentConfig{IsEnabled: true, StartDate: start}

	assert.True(t, IsPaymentSystemActive(cfg, start))
	assert.True(t, IsPaymentSystemActive(cfg, start.Add(time.Hour)))
	assert.False(t, IsPaymentSystemActive(cfg, start.Add(-time.Second)))

	cfg.IsEnabled = false
	assert.False(t, IsPaymentSystemActive(cfg, start.Add(time.Hour)))
	assert.False(t, IsPaymentSystemActive(nil, start))
}

func TestIsCustomerExcluded(t *testing.T) {
	cfg := &model.PaymentConfig{ExcludedCustomers: []string{"c-1"}}

	assert.True(t, IsCustomerExcluded(cfg, nil, "c-1"))
	assert.False(t, IsCustomerExcluded(cfg, nil, "c-2"))
	assert.True(t, IsCustomerExcluded(cfg, &model.CustomerPaymentSettings{ExcludedFromSystem: true}, "c-2"))
	assert.False(t, IsCustomerExcluded(nil, &model.CustomerPaymentSettings{}, "c-2"))
}

func TestEffectiveDays(t *testing.T) {
	cfg := &model.PaymentConfig{ReminderDays: []int{5, 2}}

	assert.Equal(t, []int{10}, EffectiveReminderDays(cfg, &model.CustomerPaymentSettings{CustomReminderDays: []int{10}}))
	assert.Equal(t, []int{5, 2}, EffectiveReminderDays(cfg, &model.CustomerPaymentSettings{}))
	assert.Equal(t, DefaultReminderDays, EffectiveReminderDays(&model.PaymentConfig{}, nil))
	assert.Equal(t, DefaultOverdueCheckDays, EffectiveOverdueDays(&model.PaymentConfig{}))
}

func TestUrgencyFor(t *testing.T) {
	assert.Equal(t, UrgencyLow, UrgencyFor(1))
	assert.Equal(t, UrgencyLow, UrgencyFor(6))
	assert.Equal(t, UrgencyMedium, UrgencyFor(7))
	assert.Equal(t, UrgencyMedium, UrgencyFor(14))
	assert.Equal(t, UrgencyHigh, UrgencyFor(15))
	assert.Equal(t, UrgencyHigh, UrgencyFor(29))
	assert.Equal(t, UrgencyCritical, UrgencyFor(30))
}

func TestValidation(t *testing.T) {
	assert.True(t, ValidAutoPayDay(1))
	assert.True(t, ValidAutoPayDay(28))
	assert.False(t, ValidAutoPayDay(29))
	assert.False(t, ValidAutoPayDay(0))

	require.NoError(t, ValidatePaymentConfig(&model.PaymentConfig{MonthlyPaymentDay: 31, ReminderDays: []int{0, 3}}))
	require.Error(t, ValidatePaymentConfig(&model.PaymentConfig{MonthlyPaymentDay: 0}))
	require.Error(t, ValidatePaymentConfig(&model.PaymentConfig{MonthlyPaymentDay: 5, OverdueCheckDays: []int{-1}}))
}
