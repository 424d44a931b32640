package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/gateway"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
)

// RecordPayment credits amount to the booking. Repeating an externalRef returns the booking unchanged.
func (service *Service) RecordPayment(ctx context.Context, bookingID BookingID, amount ledger.Money, externalRef string) (Booking, error) {
	reference := strings.TrimSpace(externalRef)
	booking, err := service.recordPayment(ctx, bookingID, amount, reference)
	service.logOperation(ctx, operationRecordPayment, orID(booking, bookingID), amount.Amount, reference, err)
	return booking, err
}

func (service *Service) recordPayment(ctx context.Context, bookingID BookingID, amount ledger.Money, reference string) (Booking, error) {
	if reference == "" {
		return Booking{}, fmt.Errorf("%w: empty value", ErrInvalidExternalRef)
	}
	if !amount.IsPositive() {
		return Booking{}, fmt.Errorf("%w: payment must be positive", ledger.ErrInvalidAmount)
	}
	booking, err := service.mutate(ctx, bookingID, func(ctx context.Context, transactionStore Store, booking *Booking) (changes, error) {
		return service.applyPayment(ctx, transactionStore, booking, amount, reference)
	})
	if errors.Is(err, ErrDuplicatePayment) && service.creditedTo(ctx, bookingID, reference) {
		// Another writer stored the same reference between our lookup and insert.
		return service.store.GetBooking(ctx, bookingID)
	}
	return booking, err
}

// creditedTo reports whether reference is already recorded against bookingID.
func (service *Service) creditedTo(ctx context.Context, bookingID BookingID, reference string) bool {
	payment, found, err := service.store.FindPayment(ctx, reference)
	return err == nil && found && payment.BookingID == bookingID
}

// applyPayment credits amount inside the caller's transaction.
func (service *Service) applyPayment(ctx context.Context, transactionStore Store, booking *Booking, amount ledger.Money, reference string) (changes, error) {
	existing, found, err := transactionStore.FindPayment(ctx, reference)
	if err != nil {
		return changes{}, err
	}
	if found {
		if existing.BookingID != booking.ID {
			return changes{}, fmt.Errorf("%w: %q already credited to booking %s", ErrDuplicatePayment, reference, existing.BookingID)
		}
		return changes{}, nil
	}
	if !booking.acceptsPayments() {
		return changes{}, fmt.Errorf("%w: booking is %s", ErrInvalidState, booking.Status)
	}
	if amount.Currency != booking.Currency {
		return changes{}, fmt.Errorf("%w: booking in %s, payment in %s", ledger.ErrCurrencyMismatch, booking.Currency, amount.Currency)
	}
	outstanding := booking.Outstanding()
	if outstanding <= 0 || amount.Amount > outstanding+service.overpaymentTolerance {
		return changes{}, fmt.Errorf("%w: payment %s exceeds outstanding %s", ErrOverpaymentRejected, amount, booking.Money(outstanding))
	}
	applied := min(amount.Amount, outstanding)

	booking.PaidAmount += applied
	booking.RemainingAmount = booking.AcceptedPrice - booking.PaidAmount
	if err := booking.checkInvariants(); err != nil {
		return changes{}, err
	}
	if booking.Plan == PlanInstallments && booking.RemainingAmount == 0 {
		booking.NextPaymentDue = nil
	}
	var events []ledger.Event
	if booking.Status == StatusPendingPayment && booking.PaidAmount >= booking.AmountDueNow {
		booking.Status = StatusConfirmed
		events = append(events, service.newEvent(TopicBookingConfirmed, *booking, nil))
	}
	if err := transactionStore.InsertPayment(ctx, Payment{
		BookingID:   booking.ID,
		ExternalRef: reference,
		Amount:      amount.Amount,
		Applied:     applied,
		ReceivedAt:  service.now().UTC(),
	}); err != nil {
		return changes{}, err
	}
	return changes{dirty: true, events: events}, nil
}

// InitiatePayment asks the gateway to collect amount from phone and records the pending intent.
func (service *Service) InitiatePayment(ctx context.Context, bookingID BookingID, phone string, amount ledger.Money) (PaymentIntent, error) {
	intent, err := service.initiatePayment(ctx, bookingID, phone, amount)
	ledger.RecordOperation(ctx, service.logger, ledger.OperationLog{
		Operation: operationInitiatePayment,
		Subject:   logSubjectBooking,
		EntityID:  bookingID.String(),
		Amount:    amount.Amount,
		Reference: intent.CheckoutRef,
		Error:     err,
	})
	return intent, err
}

func (service *Service) initiatePayment(ctx context.Context, bookingID BookingID, phone string, amount ledger.Money) (PaymentIntent, error) {
	if service.gateway == nil {
		return PaymentIntent{}, ErrGatewayNotConfigured
	}
	if !amount.IsPositive() {
		return PaymentIntent{}, fmt.Errorf("%w: payment must be positive", ledger.ErrInvalidAmount)
	}
	booking, err := service.store.GetBooking(ctx, bookingID)
	if err != nil {
		return PaymentIntent{}, err
	}
	if !booking.acceptsPayments() {
		return PaymentIntent{}, fmt.Errorf("%w: booking is %s", ErrInvalidState, booking.Status)
	}
	if amount.Currency != booking.Currency {
		return PaymentIntent{}, fmt.Errorf("%w: booking in %s, payment in %s", ledger.ErrCurrencyMismatch, booking.Currency, amount.Currency)
	}
	if amount.Amount > booking.Outstanding()+service.overpaymentTolerance {
		return PaymentIntent{}, fmt.Errorf("%w: payment %s exceeds outstanding %s", ErrOverpaymentRejected, amount, booking.Money(booking.Outstanding()))
	}
	gatewayIntent, err := service.gateway.InitiatePayment(ctx, gateway.PaymentRequest{
		BookingID: bookingID.String(),
		Phone:     phone,
		Amount:    amount,
	})
	if err != nil {
		return PaymentIntent{}, err
	}
	intent := PaymentIntent{
		CheckoutRef: gatewayIntent.CheckoutRef,
		MerchantRef: gatewayIntent.MerchantRef,
		BookingID:   bookingID,
		Phone:       phone,
		Amount:      amount.Amount,
		Status:      IntentPending,
		CreatedAt:   service.now().UTC(),
	}
	if err := service.store.CreatePaymentIntent(ctx, intent); err != nil {
		return PaymentIntent{}, err
	}
	return intent, nil
}

// HandlePaymentResult applies a gateway callback. Results for settled intents are ignored,
// so late and repeated deliveries are safe. A zero result amount credits the intent amount.
func (service *Service) HandlePaymentResult(ctx context.Context, result gateway.PaymentResult) (Booking, error) {
	booking, status, err := service.handlePaymentResult(ctx, result)
	ledger.RecordOperation(ctx, service.logger, ledger.OperationLog{
		Operation: operationPaymentResult,
		Subject:   logSubjectBooking,
		EntityID:  booking.ID.String(),
		ActorID:   booking.ConsumerID.String(),
		Amount:    result.Amount.Amount,
		Reference: result.CheckoutRef,
		Status:    status,
		Error:     err,
	})
	return booking, err
}

func (service *Service) handlePaymentResult(ctx context.Context, result gateway.PaymentResult) (Booking, string, error) {
	checkoutRef := strings.TrimSpace(result.CheckoutRef)
	if checkoutRef == "" {
		return Booking{}, "", fmt.Errorf("%w: empty checkout reference", ErrInvalidExternalRef)
	}
	intent, err := service.store.GetPaymentIntent(ctx, checkoutRef)
	if err != nil {
		return Booking{}, "", err
	}
	status := ""
	booking, err := service.mutate(ctx, intent.BookingID, func(ctx context.Context, transactionStore Store, booking *Booking) (changes, error) {
		current, err := transactionStore.GetPaymentIntent(ctx, checkoutRef)
		if err != nil {
			return changes{}, err
		}
		if current.Status != IntentPending {
			status = logStatusNoop
			return changes{}, nil
		}
		settledAt := service.now().UTC()
		if !result.Succeeded {
			return changes{}, transactionStore.SettlePaymentIntent(ctx, checkoutRef, IntentFailed, settledAt)
		}
		amount := result.Amount
		if amount.Amount == 0 {
			amount = booking.Money(current.Amount)
		}
		outcome, err := service.applyPayment(ctx, transactionStore, booking, amount, checkoutRef)
		if err != nil {
			return changes{}, err
		}
		if err := transactionStore.SettlePaymentIntent(ctx, checkoutRef, IntentSucceeded, settledAt); err != nil {
			return changes{}, err
		}
		return outcome, nil
	})
	if errors.Is(err, ErrIntentSettled) || (errors.Is(err, ErrDuplicatePayment) && service.creditedTo(ctx, intent.BookingID, checkoutRef)) {
		booking, err = service.store.GetBooking(ctx, intent.BookingID)
		return booking, logStatusNoop, err
	}
	return booking, status, err
}
