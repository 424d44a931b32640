package gormstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/booking"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
)

func kes(amount int64) ledger.Money {
	return ledger.NewMoney(ledger.MinorUnits(amount), ledger.CurrencyKES)
}

func mustBookingService(test *testing.T, store *BookingStore) *booking.Service {
	test.Helper()
	sequence := 0
	service, err := booking.NewService(store, func() time.Time { return testNow }, booking.WithIDGenerator(func() string {
		sequence++
		return fmt.Sprintf("booking-%d", sequence)
	}))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func TestBookingStoreInstallmentFlow(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := mustOpenStore(test).Bookings()
	service := mustBookingService(test, store)

	created, err := service.CreateBooking(ctx, mustProviderID(test, "provider-1"), mustUserID(test, "consumer-1"), kes(1000000), testNow.Add(48*time.Hour), booking.PlanInstallments)
	if err != nil {
		test.Fatalf("create booking: %v", err)
	}
	if created.AmountDueNow != 700000 {
		test.Fatalf("expected 700000 due now, got %d", created.AmountDueNow)
	}

	confirmed, err := service.RecordPayment(ctx, created.ID, kes(700000), "QK7H1")
	if err != nil {
		test.Fatalf("record payment: %v", err)
	}
	if confirmed.Status != booking.StatusConfirmed || confirmed.RemainingAmount != 300000 || confirmed.Version != 2 {
		test.Fatalf("unexpected booking after deposit: %+v", confirmed)
	}

	replayed, err := service.RecordPayment(ctx, created.ID, kes(700000), "QK7H1")
	if err != nil {
		test.Fatalf("replay payment: %v", err)
	}
	if replayed.PaidAmount != 700000 || replayed.Version != 2 {
		test.Fatalf("replay must not change the booking: %+v", replayed)
	}

	stored, err := store.GetBooking(ctx, created.ID)
	if err != nil {
		test.Fatalf("get booking: %v", err)
	}
	if stored.PaidAmount+stored.RemainingAmount != stored.AcceptedPrice {
		test.Fatalf("paid plus remaining must equal accepted price: %+v", stored)
	}
	if stored.NextPaymentDue == nil || !stored.ScheduledAt.Equal(created.ScheduledAt) {
		test.Fatalf("schedule fields lost: %+v", stored)
	}

	payments, err := service.ListPayments(ctx, created.ID)
	if err != nil {
		test.Fatalf("list payments: %v", err)
	}
	if len(payments) != 1 || payments[0].ExternalRef != "QK7H1" || payments[0].Applied != 700000 {
		test.Fatalf("unexpected payments: %+v", payments)
	}
}

func TestBookingStoreRejectsStaleVersion(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := mustOpenStore(test).Bookings()
	service := mustBookingService(test, store)
	created, err := service.CreateBooking(ctx, mustProviderID(test, "provider-1"), mustUserID(test, "consumer-1"), kes(5000), testNow, booking.PlanFull)
	if err != nil {
		test.Fatalf("create booking: %v", err)
	}

	updated := created
	updated.Version = created.Version + 1
	if err := store.UpdateBooking(ctx, updated, created.Version); err != nil {
		test.Fatalf("first update: %v", err)
	}
	expectError(test, store.UpdateBooking(ctx, updated, created.Version), ledger.ErrVersionConflict)

	missing := created
	missing.ID = mustBookingID(test, "booking-missing")
	expectError(test, store.UpdateBooking(ctx, missing, created.Version), booking.ErrUnknownBooking)
	expectError(test, store.CreateBooking(ctx, created), booking.ErrBookingExists)
}

func TestBookingStoreUnknownBooking(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test).Bookings()
	_, err := store.GetBooking(context.Background(), mustBookingID(test, "booking-9"))
	expectError(test, err, booking.ErrUnknownBooking)
	if ledger.KindOf(err) != ledger.KindNotFound {
		test.Fatalf("expected not found kind, got %s", ledger.KindOf(err))
	}
}

func TestBookingStoreRoundTripsDispute(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := mustOpenStore(test).Bookings()
	resolvedAt := testNow.Add(time.Hour)
	disputed := booking.Booking{
		ID:            mustBookingID(test, "booking-1"),
		ProviderID:    mustProviderID(test, "provider-1"),
		ConsumerID:    mustUserID(test, "consumer-1"),
		Currency:      ledger.CurrencyUGX,
		QuotedPrice:   50000,
		AcceptedPrice: 50000,
		Plan:          booking.PlanFull,
		PaidAmount:    50000,
		ScheduledAt:   testNow,
		Status:        booking.StatusDisputed,
		Dispute: &booking.Dispute{
			Reason:      "no show",
			PriorStatus: booking.StatusConfirmed,
			OpenedAt:    testNow,
			Resolution:  "refund issued",
			ResolvedAt:  &resolvedAt,
		},
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	if err := store.CreateBooking(ctx, disputed); err != nil {
		test.Fatalf("create booking: %v", err)
	}
	stored, err := store.GetBooking(ctx, disputed.ID)
	if err != nil {
		test.Fatalf("get booking: %v", err)
	}
	if stored.Currency != ledger.CurrencyUGX || stored.Dispute == nil {
		test.Fatalf("unexpected booking: %+v", stored)
	}
	if stored.Dispute.PriorStatus != booking.StatusConfirmed || stored.Dispute.Reason != "no show" || stored.Dispute.Restored {
		test.Fatalf("unexpected dispute: %+v", stored.Dispute)
	}
	if stored.Dispute.ResolvedAt == nil || !stored.Dispute.ResolvedAt.Equal(resolvedAt) || !stored.IsTerminal() {
		test.Fatalf("resolution lost: %+v", stored.Dispute)
	}
}

func TestBookingStorePaymentIntents(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := mustOpenStore(test).Bookings()
	intent := booking.PaymentIntent{
		CheckoutRef: "ws_CO_1",
		MerchantRef: "29115-34620561-1",
		BookingID:   mustBookingID(test, "booking-1"),
		Phone:       "254708374149",
		Amount:      700000,
		Status:      booking.IntentPending,
		CreatedAt:   testNow,
	}
	if err := store.CreatePaymentIntent(ctx, intent); err != nil {
		test.Fatalf("create intent: %v", err)
	}
	expectError(test, store.CreatePaymentIntent(ctx, intent), booking.ErrIntentExists)

	if err := store.SettlePaymentIntent(ctx, intent.CheckoutRef, booking.IntentSucceeded, testNow.Add(time.Minute)); err != nil {
		test.Fatalf("settle intent: %v", err)
	}
	expectError(test, store.SettlePaymentIntent(ctx, intent.CheckoutRef, booking.IntentFailed, testNow), booking.ErrIntentSettled)
	expectError(test, store.SettlePaymentIntent(ctx, "ws_CO_missing", booking.IntentFailed, testNow), booking.ErrUnknownPaymentIntent)

	stored, err := store.GetPaymentIntent(ctx, intent.CheckoutRef)
	if err != nil {
		test.Fatalf("get intent: %v", err)
	}
	if stored.Status != booking.IntentSucceeded || stored.SettledAt == nil || stored.MerchantRef != intent.MerchantRef {
		test.Fatalf("unexpected intent: %+v", stored)
	}
	_, err = store.GetPaymentIntent(ctx, "ws_CO_missing")
	expectError(test, err, booking.ErrUnknownPaymentIntent)
}

func TestBookingStoreTransactionRollsBack(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := mustOpenStore(test).Bookings()
	bookingID := mustBookingID(test, "booking-1")
	failure := fmt.Errorf("%w: boom", ledger.ErrInvariantViolation)
	err := store.WithTx(ctx, func(ctx context.Context, txStore booking.Store) error {
		if err := txStore.InsertPayment(ctx, booking.Payment{BookingID: bookingID, ExternalRef: "QK7H2", Amount: 100, Applied: 100, ReceivedAt: testNow}); err != nil {
			return err
		}
		return failure
	})
	expectError(test, err, ledger.ErrInvariantViolation)
	_, found, err := store.FindPayment(ctx, "QK7H2")
	if err != nil {
		test.Fatalf("find payment: %v", err)
	}
	if found {
		test.Fatalf("payment must be rolled back")
	}

	payment := booking.Payment{BookingID: bookingID, ExternalRef: "QK7H3", Amount: 100, Applied: 100, ReceivedAt: testNow}
	if err := store.InsertPayment(ctx, payment); err != nil {
		test.Fatalf("insert payment: %v", err)
	}
	expectError(test, store.InsertPayment(ctx, payment), booking.ErrDuplicatePayment)

	other := payment
	other.BookingID = mustBookingID(test, "booking-2")
	expectError(test, store.InsertPayment(ctx, other), booking.ErrDuplicatePayment)
	found, ok, err := store.FindPayment(ctx, "QK7H3")
	if err != nil || !ok || found.BookingID != bookingID {
		test.Fatalf("reference must stay with the first booking, got %+v found=%t err=%v", found, ok, err)
	}
}
