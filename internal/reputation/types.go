package reputation

import (
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/booking"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/trust"
)

const (
	MinRating = 1
	MaxRating = 5
)

// Provider holds the reputation aggregates of one provider and the last score computed from them.
type Provider struct {
	ID             ledger.ProviderID
	RatingSum      int64
	ReviewCount    int
	CompletedCount int
	CancelledCount int
	DisputesUpheld int
	ResponseScore  float64
	TrustScore     float64
	Version        int64
	UpdatedAt      time.Time
}

// AverageRating is the mean review rating, or 0 without reviews.
func (provider Provider) AverageRating() float64 {
	if provider.ReviewCount == 0 {
		return 0
	}
	return float64(provider.RatingSum) / float64(provider.ReviewCount)
}

// CompletionRate is completed bookings over all settled outcomes, or 0 without history.
// Upheld disputes and cancellations after confirmation count against the provider.
func (provider Provider) CompletionRate() float64 {
	outcomes := provider.CompletedCount + provider.CancelledCount + provider.DisputesUpheld
	if outcomes == 0 {
		return 0
	}
	return float64(provider.CompletedCount) / float64(outcomes)
}

// Inputs converts the aggregates into trust score inputs.
func (provider Provider) Inputs() trust.Inputs {
	return trust.Inputs{
		AverageRating:  provider.AverageRating(),
		ReviewCount:    provider.ReviewCount,
		CompletionRate: provider.CompletionRate(),
		ResponseScore:  provider.ResponseScore,
	}
}

// Review is a consumer's rating of a completed booking.
type Review struct {
	ID         string
	BookingID  booking.BookingID
	ProviderID ledger.ProviderID
	ReviewerID ledger.UserID
	Rating     int
	Comment    string
	CreatedAt  time.Time
}

// ReviewRequest carries a review submission.
type ReviewRequest struct {
	BookingID  booking.BookingID
	ReviewerID ledger.UserID
	Rating     int
	Comment    string
}
