package booking

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
)

// BookingID identifies a booking.
type BookingID struct {
	value string
}

// NewBookingID validates and normalizes a booking id.
func NewBookingID(raw string) (BookingID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BookingID{}, fmt.Errorf("%w: empty value", ErrInvalidBookingID)
	}
	return BookingID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BookingID) String() string {
	return id.value
}

// Status is the booking lifecycle state.
type Status string

const (
	StatusQuoted         Status = "quoted"
	StatusPendingPayment Status = "pending_payment"
	StatusConfirmed      Status = "confirmed"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusDisputed       Status = "disputed"
)

// ParseStatus validates a stored status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.TrimSpace(raw))
	switch status {
	case StatusQuoted, StatusPendingPayment, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusDisputed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// String returns the status name.
func (status Status) String() string {
	return string(status)
}

// PaymentPlan selects between paying in full and the 70/30 installment split.
type PaymentPlan string

const (
	PlanFull         PaymentPlan = "full"
	PlanInstallments PaymentPlan = "installments"
)

// ParsePaymentPlan validates a payment plan name.
func ParsePaymentPlan(raw string) (PaymentPlan, error) {
	plan := PaymentPlan(strings.ToLower(strings.TrimSpace(raw)))
	switch plan {
	case PlanFull, PlanInstallments:
		return plan, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPlan, raw)
	}
}

// String returns the plan name.
func (plan PaymentPlan) String() string {
	return string(plan)
}

// InstallmentCount is 2 for installments and 1 otherwise.
func (plan PaymentPlan) InstallmentCount() int {
	if plan == PlanInstallments {
		return installmentCountSplit
	}
	return installmentCountFull
}

// Dispute records an open or resolved dispute and the status it interrupted.
type Dispute struct {
	Reason      string
	PriorStatus Status
	OpenedAt    time.Time
	Resolution  string
	Restored    bool
	ResolvedAt  *time.Time
}

// IsResolved reports whether the dispute has been closed.
func (dispute Dispute) IsResolved() bool {
	return dispute.ResolvedAt != nil
}

// Booking is the unit of mutual exclusion for all booking mutations.
type Booking struct {
	ID                 BookingID
	ProviderID         ledger.ProviderID
	ConsumerID         ledger.UserID
	Currency           ledger.Currency
	QuotedPrice        ledger.MinorUnits
	AcceptedPrice      ledger.MinorUnits
	Plan               PaymentPlan
	InstallmentCount   int
	AmountDueNow       ledger.MinorUnits
	PaidAmount         ledger.MinorUnits
	RemainingAmount    ledger.MinorUnits
	NextPaymentDue     *time.Time
	ScheduledAt        time.Time
	ActualStart        *time.Time
	ActualEnd          *time.Time
	Status             Status
	Dispute            *Dispute
	CancellationReason string
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ScheduledDate returns the calendar date of the scheduled visit.
func (booking Booking) ScheduledDate() string {
	return booking.ScheduledAt.Format(time.DateOnly)
}

// ScheduledTime returns the wall-clock time of the scheduled visit.
func (booking Booking) ScheduledTime() string {
	return booking.ScheduledAt.Format("15:04")
}

// Outstanding is the part of the accepted price not yet paid.
func (booking Booking) Outstanding() ledger.MinorUnits {
	return booking.AcceptedPrice - booking.PaidAmount
}

// Money expresses an amount in the booking currency.
func (booking Booking) Money(amount ledger.MinorUnits) ledger.Money {
	return ledger.NewMoney(amount, booking.Currency)
}

// IsTerminal reports whether no further transitions are possible.
func (booking Booking) IsTerminal() bool {
	switch booking.Status {
	case StatusCompleted:
		return booking.Outstanding() <= 0
	case StatusCancelled:
		return true
	case StatusDisputed:
		return booking.Dispute != nil && booking.Dispute.IsResolved()
	default:
		return false
	}
}

// acceptsPayments reports whether RecordPayment may credit this booking.
func (booking Booking) acceptsPayments() bool {
	switch booking.Status {
	case StatusPendingPayment, StatusConfirmed, StatusInProgress:
		return true
	case StatusCompleted:
		return booking.Plan == PlanInstallments && booking.Outstanding() > 0
	default:
		return false
	}
}

// checkInvariants validates the money fields once a payment has been applied.
func (booking Booking) checkInvariants() error {
	if booking.PaidAmount < 0 || booking.RemainingAmount < 0 {
		return fmt.Errorf("%w: paid=%d remaining=%d", ErrLedgerInvariant, booking.PaidAmount, booking.RemainingAmount)
	}
	if booking.PaidAmount+booking.RemainingAmount != booking.AcceptedPrice {
		return fmt.Errorf("%w: paid=%d remaining=%d accepted=%d", ErrLedgerInvariant, booking.PaidAmount, booking.RemainingAmount, booking.AcceptedPrice)
	}
	return nil
}

// Payment is one credited mobile-money payment.
type Payment struct {
	BookingID   BookingID
	ExternalRef string
	Amount      ledger.MinorUnits
	Applied     ledger.MinorUnits
	ReceivedAt  time.Time
}

// IntentStatus tracks a payment intent until its result arrives.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
)

// ParseIntentStatus validates a stored intent status.
func ParseIntentStatus(raw string) (IntentStatus, error) {
	status := IntentStatus(strings.TrimSpace(raw))
	switch status {
	case IntentPending, IntentSucceeded, IntentFailed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// String returns the status name.
func (status IntentStatus) String() string {
	return string(status)
}

// PaymentIntent is a gateway request recorded against a booking.
type PaymentIntent struct {
	CheckoutRef string
	MerchantRef string
	BookingID   BookingID
	Phone       string
	Amount      ledger.MinorUnits
	Status      IntentStatus
	CreatedAt   time.Time
	SettledAt   *time.Time
}
