package reputation

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/booking"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
)

// Store persists provider aggregates, reviews and consumed event ids.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// GetProvider reports ErrProviderNotFound for providers without recorded reputation.
	GetProvider(ctx context.Context, providerID ledger.ProviderID) (Provider, error)
	// SaveProvider inserts when expectedVersion is 0 and otherwise updates only if the stored version matches.
	SaveProvider(ctx context.Context, provider Provider, expectedVersion int64) error
	// InsertReview reports ErrAlreadyReviewed when the booking has a review.
	InsertReview(ctx context.Context, review Review) error
	ListReviews(ctx context.Context, providerID ledger.ProviderID) ([]Review, error)
	// MarkEventProcessed records eventID and reports false if it was already recorded.
	MarkEventProcessed(ctx context.Context, eventID string, processedAt time.Time) (bool, error)
}

// BookingReader loads bookings for review eligibility checks.
type BookingReader interface {
	GetBooking(ctx context.Context, bookingID booking.BookingID) (booking.Booking, error)
}
