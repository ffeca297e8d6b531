package model

import "time"

// PaymentStatus is the stored state of a payment record
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentOverdue    PaymentStatus = "overdue"
	PaymentCancelled  PaymentStatus = "cancelled"
)

// PaymentType distinguishes rent charges from other payments
type PaymentType string

const (
	PaymentTypeRent    PaymentType = "rent"
	PaymentTypeDeposit PaymentType = "deposit"
	PaymentTypeFee     PaymentType = "fee"
)

// BookingStatus is the lifecycle state of a booking
type BookingStatus string

const (
	BookingActive    BookingStatus = "active"
	BookingPending   BookingStatus = "pending"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// Customer is a tenant who receives charges and emails
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Booking is a rental agreement for a unit
type Booking struct {
	ID           string        `json:"id"`
	CustomerID   string        `json:"customer_id"`
	Unit         string        `json:"unit"`
	MonthlyPrice float64       `json:"monthly_price"`
	StartDate    time.Time     `json:"start_date"`
	EndDate      *time.Time    `json:"end_date,omitempty"`
	Status       BookingStatus `json:"status"`
}

// ActiveOn reports whether the booking covers the given instant
func (b *Booking) ActiveOn(t time.Time) bool {
	if b.Status != BookingActive {
		return false
	}
	if b.StartDate.After(t) {
		return false
	}
	return b.EndDate == nil || !b.EndDate.Before(t)
}

// BookingSnapshot captures booking terms at charge creation time
type BookingSnapshot struct {
	Unit         string     `json:"unit"`
	MonthlyPrice float64    `json:"monthly_price"`
	StartDate    time.Time  `json:"start_date"`
	EndDate      *time.Time `json:"end_date,omitempty"`
}

// PaymentRecord is a single charge owed by a customer
type PaymentRecord struct {
	ID              string           `json:"id"`
	CustomerID      string           `json:"customer_id"`
	BookingID       string           `json:"booking_id"`
	Period          string           `json:"period"` // YYYY-MM
	Amount          float64          `json:"amount"`
	DueDate         time.Time        `json:"due_date"`
	Status          PaymentStatus    `json:"status"`
	PaymentType     PaymentType      `json:"payment_type"`
	AutoPayEnabled  bool             `json:"auto_pay_enabled"`
	Notes           string           `json:"notes,omitempty"`
	BookingSnapshot *BookingSnapshot `json:"booking_snapshot,omitempty"`

	LastReminderAt      *time.Time `json:"last_reminder_at,omitempty"`
	ReminderCount       int        `json:"reminder_count"`
	LastOverdueNoticeAt *time.Time `json:"last_overdue_notice_at,omitempty"`
	OverdueNoticeCount  int        `json:"overdue_notice_count"`

	PaidAt        *time.Time `json:"paid_at,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaymentConfig is the global singleton controlling the payment system
type PaymentConfig struct {
	IsEnabled         bool      `json:"is_enabled"`
	StartDate         time.Time `json:"start_date"`
	MonthlyPaymentDay int       `json:"monthly_payment_day"`
	ReminderDays      []int     `json:"reminder_days"`
	OverdueCheckDays  []int     `json:"overdue_check_days"`
	ExcludedCustomers []string  `json:"excluded_customers"`
	AutoPayEnabled    bool      `json:"auto_pay_enabled"`
}

// CustomerPaymentSettings overrides the global config for one customer
type CustomerPaymentSettings struct {
	CustomerID           string  `json:"customer_id"`
	NotificationsEnabled bool    `json:"notifications_enabled"`
	ExcludedFromSystem   bool    `json:"excluded_from_system"`
	CustomReminderDays   []int   `json:"custom_reminder_days,omitempty"`
	AutoPayEnabled       bool    `json:"auto_pay_enabled"`
	AutoPayPaymentMethod string  `json:"auto_pay_payment_method,omitempty"`
	AutoPayDay           int     `json:"auto_pay_day,omitempty"`
	AutoPayMaxAmount     float64 `json:"auto_pay_max_amount,omitempty"`
	AutoPayNotifications bool    `json:"auto_pay_notifications"`
}

// DefaultCustomerSettings applies when a customer has no settings document
func DefaultCustomerSettings(customerID string) *CustomerPaymentSettings {
	return &CustomerPaymentSettings{
		CustomerID:           customerID,
		NotificationsEnabled: true,
		AutoPayNotifications: true,
	}
}
