package booking

import "github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"

// Booking ledger errors.
var (
	ErrInvalidBookingID       = ledger.NewKindError(ledger.ErrValidation, "invalid booking id")
	ErrInvalidPlan            = ledger.NewKindError(ledger.ErrValidation, "invalid payment plan")
	ErrInvalidStatus          = ledger.NewKindError(ledger.ErrValidation, "invalid booking status")
	ErrInvalidPrice           = ledger.NewKindError(ledger.ErrValidation, "invalid price")
	ErrInvalidExternalRef     = ledger.NewKindError(ledger.ErrValidation, "invalid external reference")
	ErrOverpaymentRejected    = ledger.NewKindError(ledger.ErrStateConflict, "overpayment rejected")
	ErrUnknownBooking         = ledger.NewKindError(ledger.ErrNotFound, "unknown booking")
	ErrUnknownPaymentIntent   = ledger.NewKindError(ledger.ErrNotFound, "unknown payment intent")
	ErrInvalidState           = ledger.NewKindError(ledger.ErrStateConflict, "booking does not accept payments in its current state")
	ErrIllegalTransition      = ledger.NewKindError(ledger.ErrStateConflict, "illegal booking transition")
	ErrCancellationNotAllowed = ledger.NewKindError(ledger.ErrStateConflict, "cancellation not allowed")
	ErrDuplicatePayment       = ledger.NewKindError(ledger.ErrStateConflict, "duplicate payment reference")
	ErrBookingExists          = ledger.NewKindError(ledger.ErrStateConflict, "booking already exists")
	ErrIntentExists           = ledger.NewKindError(ledger.ErrStateConflict, "payment intent already exists")
	ErrIntentSettled          = ledger.NewKindError(ledger.ErrStateConflict, "payment intent already settled")
	ErrGatewayNotConfigured   = ledger.NewKindError(ledger.ErrInvariantViolation, "payment gateway not configured")
	ErrLedgerInvariant        = ledger.NewKindError(ledger.ErrInvariantViolation, "booking ledger invariant violated")
)
