package reputation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/booking"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
)

var testNow = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

type stubStore struct {
	mutex              sync.Mutex
	providers          map[ledger.ProviderID]Provider
	reviews            map[booking.BookingID]Review
	processed          map[string]time.Time
	conflictsRemaining int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		providers: make(map[ledger.ProviderID]Provider),
		reviews:   make(map[booking.BookingID]Review),
		processed: make(map[string]time.Time),
	}
}

// WithTx buffers reviews and processed ids written inside fn until it succeeds.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	transaction := &stubTx{stubStore: store, processed: make(map[string]time.Time)}
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, review := range transaction.reviews {
		store.reviews[review.BookingID] = review
	}
	for eventID, processedAt := range transaction.processed {
		store.processed[eventID] = processedAt
	}
	return nil
}

func (store *stubStore) GetProvider(_ context.Context, providerID ledger.ProviderID) (Provider, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	provider, ok := store.providers[providerID]
	if !ok {
		return Provider{}, ledger.WrapError("store", "provider", "get", ErrProviderNotFound)
	}
	return provider, nil
}

func (store *stubStore) SaveProvider(_ context.Context, provider Provider, expectedVersion int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.conflictsRemaining > 0 {
		store.conflictsRemaining--
		return ledger.ErrVersionConflict
	}
	current, exists := store.providers[provider.ID]
	switch {
	case expectedVersion == 0 && exists:
		return ErrProviderExists
	case expectedVersion != 0 && (!exists || current.Version != expectedVersion):
		return ledger.ErrVersionConflict
	}
	store.providers[provider.ID] = provider
	return nil
}

func (store *stubStore) InsertReview(_ context.Context, review Review) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.reviews[review.BookingID]; exists {
		return ErrAlreadyReviewed
	}
	store.reviews[review.BookingID] = review
	return nil
}

func (store *stubStore) ListReviews(_ context.Context, providerID ledger.ProviderID) ([]Review, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var reviews []Review
	for _, review := range store.reviews {
		if review.ProviderID == providerID {
			reviews = append(reviews, review)
		}
	}
	return reviews, nil
}

func (store *stubStore) MarkEventProcessed(_ context.Context, eventID string, processedAt time.Time) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, seen := store.processed[eventID]; seen {
		return false, nil
	}
	store.processed[eventID] = processedAt
	return true, nil
}

type stubTx struct {
	*stubStore
	reviews   []Review
	processed map[string]time.Time
}

func (transaction *stubTx) InsertReview(_ context.Context, review Review) error {
	transaction.mutex.Lock()
	defer transaction.mutex.Unlock()
	if _, exists := transaction.stubStore.reviews[review.BookingID]; exists {
		return ErrAlreadyReviewed
	}
	for _, pending := range transaction.reviews {
		if pending.BookingID == review.BookingID {
			return ErrAlreadyReviewed
		}
	}
	transaction.reviews = append(transaction.reviews, review)
	return nil
}

func (transaction *stubTx) MarkEventProcessed(_ context.Context, eventID string, processedAt time.Time) (bool, error) {
	transaction.mutex.Lock()
	defer transaction.mutex.Unlock()
	if _, seen := transaction.stubStore.processed[eventID]; seen {
		return false, nil
	}
	if _, seen := transaction.processed[eventID]; seen {
		return false, nil
	}
	transaction.processed[eventID] = processedAt
	return true, nil
}

type stubBookings struct {
	mutex    sync.Mutex
	bookings map[booking.BookingID]booking.Booking
}

func (reader *stubBookings) GetBooking(_ context.Context, bookingID booking.BookingID) (booking.Booking, error) {
	reader.mutex.Lock()
	defer reader.mutex.Unlock()
	stored, ok := reader.bookings[bookingID]
	if !ok {
		return booking.Booking{}, booking.ErrUnknownBooking
	}
	return stored, nil
}

func (reader *stubBookings) put(stored booking.Booking) {
	reader.mutex.Lock()
	defer reader.mutex.Unlock()
	if reader.bookings == nil {
		reader.bookings = make(map[booking.BookingID]booking.Booking)
	}
	reader.bookings[stored.ID] = stored
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
}

func (publisher *recorderPublisher) Publish(_ context.Context, events ...ledger.Event) error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	publisher.events = append(publisher.events, events...)
	return nil
}

func mustNewService(test *testing.T, store Store, bookings BookingReader, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, bookings, func() time.Time { return testNow }, options...)
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

func mustBookingID(test *testing.T, raw string) booking.BookingID {
	test.Helper()
	bookingID, err := booking.NewBookingID(raw)
	if err != nil {
		test.Fatalf("booking id: %v", err)
	}
	return bookingID
}

func storedBooking(test *testing.T, rawID string, status booking.Status) booking.Booking {
	test.Helper()
	return booking.Booking{
		ID:         mustBookingID(test, rawID),
		ProviderID: mustProviderID(test, "provider-1"),
		ConsumerID: mustUserID(test, "consumer-1"),
		Currency:   ledger.CurrencyKES,
		Status:     status,
	}
}

func outcomeEvent(eventID string, topic string, attributes map[string]string) ledger.Event {
	merged := map[string]string{booking.AttributeProviderID: "provider-1"}
	for key, value := range attributes {
		merged[key] = value
	}
	return ledger.Event{ID: eventID, Topic: topic, AggregateID: "booking-1", OccurredAt: testNow, Attributes: merged}
}

func expectError(test *testing.T, err error, target error) {
	test.Helper()
	if !errors.Is(err, target) {
		test.Fatalf("expected %v, got %v", target, err)
	}
}
