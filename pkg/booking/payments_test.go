package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/gateway"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
)

func TestRecordPaymentInstallmentLifecycle(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	booking := mustCreateBooking(test, service, 100000, PlanInstallments)

	partial := mustRecordPayment(test, service, booking.ID, 50000, "mpesa-1")
	if partial.Status != StatusPendingPayment {
		test.Fatalf("expected pending until the down payment is met, got %s", partial.Status)
	}
	if partial.PaidAmount+partial.RemainingAmount != partial.AcceptedPrice {
		test.Fatalf("paid + remaining must equal accepted, got %d + %d", partial.PaidAmount, partial.RemainingAmount)
	}

	confirmed := mustRecordPayment(test, service, booking.ID, 20000, "mpesa-2")
	if confirmed.Status != StatusConfirmed {
		test.Fatalf("expected confirmed after 700.00, got %s", confirmed.Status)
	}
	if confirmed.PaidAmount != 70000 || confirmed.RemainingAmount != 30000 || confirmed.NextPaymentDue == nil {
		test.Fatalf("unexpected confirmed booking %+v", confirmed)
	}

	settled := mustRecordPayment(test, service, booking.ID, 30000, "mpesa-3")
	if settled.PaidAmount != 100000 || settled.RemainingAmount != 0 {
		test.Fatalf("expected fully paid, got %d/%d", settled.PaidAmount, settled.RemainingAmount)
	}
	if settled.NextPaymentDue != nil {
		test.Fatalf("expected next payment due to clear, got %v", settled.NextPaymentDue)
	}
	if settled.Status != StatusConfirmed {
		test.Fatalf("expected status to stay confirmed, got %s", settled.Status)
	}
}

func TestRecordPaymentIsIdempotentPerReference(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	publisher := &recorderPublisher{}
	service := mustNewService(test, store, WithEventPublisher(publisher))
	booking := mustCreateBooking(test, service, 100000, PlanInstallments)

	first := mustRecordPayment(test, service, booking.ID, 70000, "mpesa-dup")
	second := mustRecordPayment(test, service, booking.ID, 70000, "mpesa-dup")

	if second.PaidAmount != 70000 || second.Version != first.Version {
		test.Fatalf("expected duplicate to be a no-op, got paid=%d version=%d", second.PaidAmount, second.Version)
	}
	payments, err := service.ListPayments(context.Background(), booking.ID)
	if err != nil {
		test.Fatalf("list payments: %v", err)
	}
	if len(payments) != 1 {
		test.Fatalf("expected one stored payment, got %d", len(payments))
	}
	if len(publisher.topics()) != 1 {
		test.Fatalf("expected a single confirmation event, got %v", publisher.topics())
	}
}

func TestRecordPaymentReferenceCreditsOneBooking(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	first := mustCreateBooking(test, service, 100000, PlanFull)
	second := mustCreateBooking(test, service, 100000, PlanFull)

	mustRecordPayment(test, service, first.ID, 100000, "mpesa-shared")
	_, err := service.RecordPayment(context.Background(), second.ID, kes(100000), "mpesa-shared")
	expectError(test, err, ErrDuplicatePayment)
	if ledger.KindOf(err) != ledger.KindStateConflict {
		test.Fatalf("expected state conflict kind, got %s", ledger.KindOf(err))
	}
	stored, _ := store.GetBooking(context.Background(), second.ID)
	if stored.PaidAmount != 0 || stored.Status != StatusPendingPayment {
		test.Fatalf("reused reference must not credit another booking, got %+v", stored)
	}
}

func TestRecordPaymentReplayAfterCompletionIsNoop(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	booking := mustConfirmedBooking(test, service)
	if _, err := service.Cancel(context.Background(), booking.ID, "changed plans"); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	replayed, err := service.RecordPayment(context.Background(), booking.ID, kes(100000), "confirm-"+booking.ID.String())
	if err != nil {
		test.Fatalf("expected replayed reference to be ignored, got %v", err)
	}
	if replayed.Status != StatusCancelled || replayed.PaidAmount != 100000 {
		test.Fatalf("unexpected booking after replay %+v", replayed)
	}
}

func TestRecordPaymentRejections(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		amount    ledger.Money
		reference string
		prepare   func(test *testing.T, service *Service, booking Booking)
		wantErr   error
		wantKind  ledger.ErrorKind
	}{
		{name: "overpayment", amount: kes(100001), reference: "r1", wantErr: ErrOverpaymentRejected, wantKind: ledger.KindStateConflict},
		{name: "zero amount", amount: kes(0), reference: "r1", wantErr: ledger.ErrInvalidAmount},
		{name: "empty reference", amount: kes(100), reference: "  ", wantErr: ErrInvalidExternalRef},
		{name: "wrong currency", amount: ledger.NewMoney(100, ledger.CurrencyTZS), reference: "r1", wantErr: ledger.ErrCurrencyMismatch},
		{
			name:      "cancelled booking",
			amount:    kes(100),
			reference: "r1",
			prepare: func(test *testing.T, service *Service, booking Booking) {
				if _, err := service.Cancel(context.Background(), booking.ID, "gone"); err != nil {
					test.Fatalf("cancel: %v", err)
				}
			},
			wantErr: ErrInvalidState,
		},
		{
			name:      "fully paid",
			amount:    kes(1),
			reference: "r2",
			prepare: func(test *testing.T, service *Service, booking Booking) {
				mustRecordPayment(test, service, booking.ID, 100000, "r1")
			},
			wantErr:  ErrOverpaymentRejected,
			wantKind: ledger.KindStateConflict,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			service := mustNewService(test, store)
			booking := mustCreateBooking(test, service, 100000, PlanFull)
			if testCase.prepare != nil {
				testCase.prepare(test, service, booking)
			}
			before, _ := store.GetBooking(context.Background(), booking.ID)
			_, err := service.RecordPayment(context.Background(), booking.ID, testCase.amount, testCase.reference)
			expectError(test, err, testCase.wantErr)
			if testCase.wantKind != "" && ledger.KindOf(err) != testCase.wantKind {
				test.Fatalf("expected kind %s, got %s", testCase.wantKind, ledger.KindOf(err))
			}
			after, _ := store.GetBooking(context.Background(), booking.ID)
			if after.PaidAmount != before.PaidAmount {
				test.Fatalf("rejected payment must not credit, paid went %d -> %d", before.PaidAmount, after.PaidAmount)
			}
		})
	}
}

func TestRecordPaymentToleranceClampsCredit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, WithOverpaymentTolerance(100))
	booking := mustCreateBooking(test, service, 100000, PlanFull)
	paid := mustRecordPayment(test, service, booking.ID, 100050, "mpesa-1")
	if paid.PaidAmount != 100000 || paid.RemainingAmount != 0 {
		test.Fatalf("expected credit clamped to price, got %d/%d", paid.PaidAmount, paid.RemainingAmount)
	}
	payments, _ := store.ListPayments(context.Background(), booking.ID)
	if len(payments) != 1 || payments[0].Amount != 100050 || payments[0].Applied != 100000 {
		test.Fatalf("unexpected stored payment %+v", payments)
	}
}

func TestRecordPaymentAcceptsBalanceAfterCompletion(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	booking := mustCreateBooking(test, service, 100000, PlanInstallments)
	mustRecordPayment(test, service, booking.ID, 70000, "down")
	if _, err := service.StartExecution(context.Background(), booking.ID); err != nil {
		test.Fatalf("start: %v", err)
	}
	if _, err := service.CompleteExecution(context.Background(), booking.ID); err != nil {
		test.Fatalf("complete: %v", err)
	}
	settled := mustRecordPayment(test, service, booking.ID, 30000, "balance")
	if settled.Status != StatusCompleted || settled.RemainingAmount != 0 || !settled.IsTerminal() {
		test.Fatalf("unexpected settled booking %+v", settled)
	}
	_, err := service.RecordPayment(context.Background(), booking.ID, kes(1), "extra")
	expectError(test, err, ErrInvalidState)
}

func TestConcurrentPaymentsNeverDoubleCredit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	booking := mustCreateBooking(test, service, 100000, PlanFull)

	const workers = 20
	var waitGroup sync.WaitGroup
	for index := 0; index < workers; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			reference := fmt.Sprintf("mpesa-%d", index%10)
			if _, err := service.RecordPayment(context.Background(), booking.ID, kes(1000), reference); err != nil {
				test.Errorf("record payment: %v", err)
			}
		}(index)
	}
	waitGroup.Wait()

	final, err := service.GetBooking(context.Background(), booking.ID)
	if err != nil {
		test.Fatalf("get booking: %v", err)
	}
	if final.PaidAmount != 10000 {
		test.Fatalf("expected ten distinct references credited once each, got %d", final.PaidAmount)
	}
	if final.PaidAmount+final.RemainingAmount != final.AcceptedPrice {
		test.Fatalf("invariant broken: %d + %d != %d", final.PaidAmount, final.RemainingAmount, final.AcceptedPrice)
	}
}

func TestInitiatePaymentRecordsPendingIntent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	fake := &fakeGateway{}
	service := mustNewService(test, store, WithGateway(fake))
	booking := mustCreateBooking(test, service, 100000, PlanInstallments)

	intent, err := service.InitiatePayment(context.Background(), booking.ID, "254712345678", kes(70000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if intent.CheckoutRef != "ws_CO_1" || intent.Status != IntentPending || intent.Amount != 70000 {
		test.Fatalf("unexpected intent %+v", intent)
	}
	if stored := store.intent(test, intent.CheckoutRef); stored.BookingID != booking.ID {
		test.Fatalf("unexpected stored intent %+v", stored)
	}
	if len(fake.requests) != 1 || fake.requests[0].Amount.Amount != 70000 || fake.requests[0].BookingID != booking.ID.String() {
		test.Fatalf("unexpected gateway requests %+v", fake.requests)
	}
}

func TestInitiatePaymentFailures(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		gatewayErr error
		amount     ledger.Money
		noGateway  bool
		wantErr    error
		wantKind   ledger.ErrorKind
	}{
		{name: "gateway unavailable", gatewayErr: gateway.ErrGatewayUnavailable, amount: kes(70000), wantErr: gateway.ErrGatewayUnavailable},
		{name: "gateway rejected", gatewayErr: gateway.ErrGatewayRejected, amount: kes(70000), wantErr: gateway.ErrGatewayRejected},
		{name: "overpayment", amount: kes(100001), wantErr: ErrOverpaymentRejected, wantKind: ledger.KindStateConflict},
		{name: "not configured", noGateway: true, amount: kes(100), wantErr: ErrGatewayNotConfigured},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			options := []ServiceOption{}
			if !testCase.noGateway {
				options = append(options, WithGateway(&fakeGateway{err: testCase.gatewayErr}))
			}
			service := mustNewService(test, store, options...)
			booking := mustCreateBooking(test, service, 100000, PlanFull)
			_, err := service.InitiatePayment(context.Background(), booking.ID, "254712345678", testCase.amount)
			expectError(test, err, testCase.wantErr)
			if testCase.wantKind != "" && ledger.KindOf(err) != testCase.wantKind {
				test.Fatalf("expected kind %s, got %s", testCase.wantKind, ledger.KindOf(err))
			}
			if len(store.intents) != 0 {
				test.Fatalf("expected no intent stored on failure")
			}
		})
	}
}

func TestHandlePaymentResult(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithGateway(&fakeGateway{}), WithOperationLogger(logger))
	booking := mustCreateBooking(test, service, 100000, PlanInstallments)
	intent, err := service.InitiatePayment(context.Background(), booking.ID, "254712345678", kes(70000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}

	result := gateway.PaymentResult{CheckoutRef: intent.CheckoutRef, Succeeded: true}
	confirmed, err := service.HandlePaymentResult(context.Background(), result)
	if err != nil {
		test.Fatalf("handle result: %v", err)
	}
	if confirmed.Status != StatusConfirmed || confirmed.PaidAmount != 70000 {
		test.Fatalf("unexpected booking after callback %+v", confirmed)
	}
	if stored := store.intent(test, intent.CheckoutRef); stored.Status != IntentSucceeded || stored.SettledAt == nil {
		test.Fatalf("unexpected intent after callback %+v", stored)
	}

	replayed, err := service.HandlePaymentResult(context.Background(), result)
	if err != nil {
		test.Fatalf("replayed callback: %v", err)
	}
	if replayed.PaidAmount != 70000 || replayed.Version != confirmed.Version {
		test.Fatalf("expected replay to be a no-op, got %+v", replayed)
	}
	results := logger.find(operationPaymentResult)
	if len(results) != 2 || results[1].Status != logStatusNoop {
		test.Fatalf("expected second callback logged as noop, got %+v", results)
	}

	_, err = service.HandlePaymentResult(context.Background(), gateway.PaymentResult{CheckoutRef: "ws_CO_unknown", Succeeded: true})
	expectError(test, err, ErrUnknownPaymentIntent)
	if !errors.Is(err, ledger.ErrNotFound) {
		test.Fatalf("expected not found kind, got %v", err)
	}
}

func TestHandlePaymentResultFailureLeavesBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, WithGateway(&fakeGateway{}))
	booking := mustCreateBooking(test, service, 100000, PlanFull)
	intent, err := service.InitiatePayment(context.Background(), booking.ID, "254712345678", kes(100000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	failed, err := service.HandlePaymentResult(context.Background(), gateway.PaymentResult{CheckoutRef: intent.CheckoutRef, Succeeded: false})
	if err != nil {
		test.Fatalf("handle failure: %v", err)
	}
	if failed.PaidAmount != 0 || failed.Status != StatusPendingPayment {
		test.Fatalf("failed payment must not credit, got %+v", failed)
	}
	if stored := store.intent(test, intent.CheckoutRef); stored.Status != IntentFailed {
		test.Fatalf("expected failed intent, got %s", stored.Status)
	}
	late, err := service.HandlePaymentResult(context.Background(), gateway.PaymentResult{CheckoutRef: intent.CheckoutRef, Succeeded: true})
	if err != nil {
		test.Fatalf("late success: %v", err)
	}
	if late.PaidAmount != 0 {
		test.Fatalf("late success after failure must be ignored, got %d", late.PaidAmount)
	}
}
