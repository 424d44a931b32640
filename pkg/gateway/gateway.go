// Package gateway defines the mobile-money collaborator the booking ledger issues payment intents to.
package gateway

import (
	"context"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
)

var (
	// ErrGatewayUnavailable is transient: the attempt may be retried.
	ErrGatewayUnavailable = ledger.NewKindError(ledger.ErrTransientDependency, "payment gateway unavailable")
	// ErrGatewayRejected is terminal for the attempt.
	ErrGatewayRejected = ledger.NewKindError(ledger.ErrValidation, "payment gateway rejected request")
)

// PaymentRequest asks the gateway to push a payment prompt to the payer's phone.
type PaymentRequest struct {
	BookingID string
	Phone     string
	Amount    ledger.Money
}

// PaymentIntent is the gateway's acknowledgement of a request.
// The final result arrives later, keyed by CheckoutRef.
type PaymentIntent struct {
	CheckoutRef string
	MerchantRef string
}

// PaymentResult is the asynchronous outcome of an intent.
type PaymentResult struct {
	CheckoutRef string
	MerchantRef string
	Succeeded   bool
	Amount      ledger.Money
	Description string
}

// Gateway initiates payments.
type Gateway interface {
	InitiatePayment(ctx context.Context, request PaymentRequest) (PaymentIntent, error)
}
