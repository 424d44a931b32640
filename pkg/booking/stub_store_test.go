package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/gateway"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
)

var testNow = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

type stubStore struct {
	mutex              sync.Mutex
	bookings           map[BookingID]Booking
	payments           map[BookingID][]Payment
	intents            map[string]PaymentIntent
	conflictsRemaining int
	updateCalls        int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		bookings: make(map[BookingID]Booking),
		payments: make(map[BookingID][]Payment),
		intents:  make(map[string]PaymentIntent),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) CreateBooking(_ context.Context, booking Booking) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.bookings[booking.ID]; exists {
		return ErrBookingExists
	}
	store.bookings[booking.ID] = booking
	return nil
}

func (store *stubStore) GetBooking(_ context.Context, bookingID BookingID) (Booking, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	booking, ok := store.bookings[bookingID]
	if !ok {
		return Booking{}, ledger.WrapError("store", "booking", "get", ErrUnknownBooking)
	}
	return booking, nil
}

func (store *stubStore) UpdateBooking(_ context.Context, booking Booking, expectedVersion int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.updateCalls++
	if store.conflictsRemaining > 0 {
		store.conflictsRemaining--
		return ledger.WrapError("store", "booking", "update", ledger.ErrVersionConflict)
	}
	current, ok := store.bookings[booking.ID]
	if !ok {
		return ErrUnknownBooking
	}
	if current.Version != expectedVersion {
		return ledger.ErrVersionConflict
	}
	store.bookings[booking.ID] = booking
	return nil
}

func (store *stubStore) FindPayment(_ context.Context, externalRef string) (Payment, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.findPaymentLocked(externalRef)
}

func (store *stubStore) findPaymentLocked(externalRef string) (Payment, bool, error) {
	for _, payments := range store.payments {
		for _, payment := range payments {
			if payment.ExternalRef == externalRef {
				return payment, true, nil
			}
		}
	}
	return Payment{}, false, nil
}

func (store *stubStore) InsertPayment(_ context.Context, payment Payment) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, found, _ := store.findPaymentLocked(payment.ExternalRef); found {
		return ErrDuplicatePayment
	}
	store.payments[payment.BookingID] = append(store.payments[payment.BookingID], payment)
	return nil
}

func (store *stubStore) ListPayments(_ context.Context, bookingID BookingID) ([]Payment, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return append([]Payment(nil), store.payments[bookingID]...), nil
}

func (store *stubStore) CreatePaymentIntent(_ context.Context, intent PaymentIntent) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.intents[intent.CheckoutRef]; exists {
		return ErrIntentExists
	}
	store.intents[intent.CheckoutRef] = intent
	return nil
}

func (store *stubStore) GetPaymentIntent(_ context.Context, checkoutRef string) (PaymentIntent, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	intent, ok := store.intents[checkoutRef]
	if !ok {
		return PaymentIntent{}, ErrUnknownPaymentIntent
	}
	return intent, nil
}

func (store *stubStore) SettlePaymentIntent(_ context.Context, checkoutRef string, status IntentStatus, settledAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	intent, ok := store.intents[checkoutRef]
	if !ok {
		return ErrUnknownPaymentIntent
	}
	if intent.Status != IntentPending {
		return ErrIntentSettled
	}
	intent.Status = status
	intent.SettledAt = &settledAt
	store.intents[checkoutRef] = intent
	return nil
}

func (store *stubStore) intent(test *testing.T, checkoutRef string) PaymentIntent {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	intent, ok := store.intents[checkoutRef]
	if !ok {
		test.Fatalf("intent %s not stored", checkoutRef)
	}
	return intent
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []ledger.OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) find(operation string) []ledger.OperationLog {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	var matches []ledger.OperationLog
	for _, entry := range logger.entries {
		if entry.Operation == operation {
			matches = append(matches, entry)
		}
	}
	return matches
}

type recorderPublisher struct {
	mutex  sync.Mutex
	events []ledger.Event
	err    error
}

func (publisher *recorderPublisher) Publish(_ context.Context, events ...ledger.Event) error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	if publisher.err != nil {
		return publisher.err
	}
	publisher.events = append(publisher.events, events...)
	return nil
}

func (publisher *recorderPublisher) topics() []string {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	topics := make([]string, 0, len(publisher.events))
	for _, event := range publisher.events {
		topics = append(topics, event.Topic)
	}
	return topics
}

type fakeGateway struct {
	mutex    sync.Mutex
	sequence int
	err      error
	requests []gateway.PaymentRequest
}

func (fake *fakeGateway) InitiatePayment(_ context.Context, request gateway.PaymentRequest) (gateway.PaymentIntent, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.requests = append(fake.requests, request)
	if fake.err != nil {
		return gateway.PaymentIntent{}, fake.err
	}
	fake.sequence++
	return gateway.PaymentIntent{
		CheckoutRef: fmt.Sprintf("ws_CO_%d", fake.sequence),
		MerchantRef: fmt.Sprintf("merchant-%d", fake.sequence),
	}, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	sequence := 0
	var sequenceMutex sync.Mutex
	options = append([]ServiceOption{WithIDGenerator(func() string {
		sequenceMutex.Lock()
		defer sequenceMutex.Unlock()
		sequence++
		return fmt.Sprintf("booking-%d", sequence)
	})}, options...)
	service, err := NewService(store, func() time.Time { return testNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustProviderID(test *testing.T, raw string) ledger.ProviderID {
	test.Helper()
	providerID, err := ledger.NewProviderID(raw)
	if err != nil {
		test.Fatalf("provider id: %v", err)
	}
	return providerID
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func kes(amount int64) ledger.Money {
	return ledger.NewMoney(ledger.MinorUnits(amount), ledger.CurrencyKES)
}

func mustCreateBooking(test *testing.T, service *Service, price int64, plan PaymentPlan) Booking {
	test.Helper()
	booking, err := service.CreateBooking(context.Background(), mustProviderID(test, "provider-1"), mustUserID(test, "consumer-1"), kes(price), testNow.Add(48*time.Hour), plan)
	if err != nil {
		test.Fatalf("create booking: %v", err)
	}
	return booking
}

func mustRecordPayment(test *testing.T, service *Service, bookingID BookingID, amount int64, reference string) Booking {
	test.Helper()
	booking, err := service.RecordPayment(context.Background(), bookingID, kes(amount), reference)
	if err != nil {
		test.Fatalf("record payment %s: %v", reference, err)
	}
	return booking
}

func mustConfirmedBooking(test *testing.T, service *Service) Booking {
	test.Helper()
	booking := mustCreateBooking(test, service, 100000, PlanFull)
	return mustRecordPayment(test, service, booking.ID, 100000, "confirm-"+booking.ID.String())
}

func expectError(test *testing.T, err error, target error) {
	test.Helper()
	if !errors.Is(err, target) {
		test.Fatalf("expected %v, got %v", target, err)
	}
}
