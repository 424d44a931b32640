package booking

import (
	"context"
	"time"
)

// Store persists bookings, their payment history and payment intents.
// Implementations report ErrUnknownBooking, ErrUnknownPaymentIntent, ErrDuplicatePayment,
// ErrIntentSettled and ledger.ErrVersionConflict through wrapped errors.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreateBooking(ctx context.Context, booking Booking) error
	GetBooking(ctx context.Context, bookingID BookingID) (Booking, error)
	// UpdateBooking writes booking if the stored version still equals expectedVersion.
	UpdateBooking(ctx context.Context, booking Booking, expectedVersion int64) error

	// FindPayment looks externalRef up across all bookings; a gateway reference credits at most one booking.
	FindPayment(ctx context.Context, externalRef string) (Payment, bool, error)
	InsertPayment(ctx context.Context, payment Payment) error
	ListPayments(ctx context.Context, bookingID BookingID) ([]Payment, error)

	CreatePaymentIntent(ctx context.Context, intent PaymentIntent) error
	GetPaymentIntent(ctx context.Context, checkoutRef string) (PaymentIntent, error)
	// SettlePaymentIntent moves a pending intent to status; settled intents yield ErrIntentSettled.
	SettlePaymentIntent(ctx context.Context, checkoutRef string, status IntentStatus, settledAt time.Time) error
}
