package httpapi

import (
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/internal/reputation"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/booking"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/sambaza"
)

type createBookingRequest struct {
	ProviderID  string    `json:"provider_id" validate:"required"`
	Price       string    `json:"price" validate:"required,numeric"`
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
	Plan        string    `json:"plan" validate:"required,oneof=full installments"`
}

type createQuoteRequest struct {
	ProviderID  string    `json:"provider_id" validate:"required"`
	QuotedPrice string    `json:"quoted_price" validate:"required,numeric"`
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
}

type acceptQuoteRequest struct {
	AcceptedPrice string `json:"accepted_price" validate:"required,numeric"`
	Plan          string `json:"plan" validate:"required,oneof=full installments"`
}

type recordPaymentRequest struct {
	Amount      string `json:"amount" validate:"required,numeric"`
	ExternalRef string `json:"external_ref" validate:"required,max=64"`
}

type initiatePaymentRequest struct {
	Phone  string `json:"phone" validate:"required,min=9,max=15"`
	Amount string `json:"amount" validate:"required,numeric"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type resolveDisputeRequest struct {
	Resolution string `json:"resolution" validate:"required,max=500"`
	Restore    bool   `json:"restore"`
}

type reviewRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment" validate:"max=2000"`
}

type createGroupRequest struct {
	Title           string `json:"title" validate:"required,max=200"`
	ServiceCategory string `json:"service_category" validate:"required,max=100"`
	Suburb          string `json:"suburb" validate:"required,max=100"`
	TargetCount     int    `json:"target_count" validate:"omitempty,min=2,max=1000"`
	DurationHours   int    `json:"duration_hours" validate:"omitempty,min=1,max=720"`
}

type responseScoreRequest struct {
	Score *float64 `json:"score" validate:"required,min=0,max=1"`
}

type disputePayload struct {
	Reason      string     `json:"reason"`
	PriorStatus string     `json:"prior_status"`
	OpenedAt    time.Time  `json:"opened_at"`
	Resolution  string     `json:"resolution,omitempty"`
	Restored    bool       `json:"restored"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type bookingPayload struct {
	BookingID          string          `json:"booking_id"`
	ProviderID         string          `json:"provider_id"`
	ConsumerID         string          `json:"consumer_id"`
	Status             string          `json:"status"`
	Plan               string          `json:"plan,omitempty"`
	InstallmentCount   int             `json:"installment_count"`
	QuotedPrice        ledger.Money    `json:"quoted_price"`
	AcceptedPrice      ledger.Money    `json:"accepted_price"`
	AmountDueNow       ledger.Money    `json:"amount_due_now"`
	PaidAmount         ledger.Money    `json:"paid_amount"`
	RemainingAmount    ledger.Money    `json:"remaining_amount"`
	NextPaymentDue     *time.Time      `json:"next_payment_due,omitempty"`
	ScheduledAt        time.Time       `json:"scheduled_at"`
	ScheduledDate      string          `json:"scheduled_date"`
	ScheduledTime      string          `json:"scheduled_time"`
	ActualStart        *time.Time      `json:"actual_start,omitempty"`
	ActualEnd          *time.Time      `json:"actual_end,omitempty"`
	Dispute            *disputePayload `json:"dispute,omitempty"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	Terminal           bool            `json:"terminal"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func newBookingPayload(record booking.Booking) bookingPayload {
	payload := bookingPayload{
		BookingID:          record.ID.String(),
		ProviderID:         record.ProviderID.String(),
		ConsumerID:         record.ConsumerID.String(),
		Status:             record.Status.String(),
		Plan:               record.Plan.String(),
		InstallmentCount:   record.InstallmentCount,
		QuotedPrice:        record.Money(record.QuotedPrice),
		AcceptedPrice:      record.Money(record.AcceptedPrice),
		AmountDueNow:       record.Money(record.AmountDueNow),
		PaidAmount:         record.Money(record.PaidAmount),
		RemainingAmount:    record.Money(record.RemainingAmount),
		NextPaymentDue:     record.NextPaymentDue,
		ScheduledAt:        record.ScheduledAt,
		ScheduledDate:      record.ScheduledDate(),
		ScheduledTime:      record.ScheduledTime(),
		ActualStart:        record.ActualStart,
		ActualEnd:          record.ActualEnd,
		CancellationReason: record.CancellationReason,
		Terminal:           record.IsTerminal(),
		Version:            record.Version,
		CreatedAt:          record.CreatedAt,
		UpdatedAt:          record.UpdatedAt,
	}
	if record.Dispute != nil {
		payload.Dispute = &disputePayload{
			Reason:      record.Dispute.Reason,
			PriorStatus: record.Dispute.PriorStatus.String(),
			OpenedAt:    record.Dispute.OpenedAt,
			Resolution:  record.Dispute.Resolution,
			Restored:    record.Dispute.Restored,
			ResolvedAt:  record.Dispute.ResolvedAt,
		}
	}
	return payload
}

type paymentPayload struct {
	ExternalRef string       `json:"external_ref"`
	Amount      ledger.Money `json:"amount"`
	Applied     ledger.Money `json:"applied"`
	ReceivedAt  time.Time    `json:"received_at"`
}

func newPaymentPayloads(record booking.Booking, payments []booking.Payment) []paymentPayload {
	payloads := make([]paymentPayload, 0, len(payments))
	for _, payment := range payments {
		payloads = append(payloads, paymentPayload{
			ExternalRef: payment.ExternalRef,
			Amount:      record.Money(payment.Amount),
			Applied:     record.Money(payment.Applied),
			ReceivedAt:  payment.ReceivedAt,
		})
	}
	return payloads
}

type intentPayload struct {
	CheckoutRef string       `json:"checkout_ref"`
	MerchantRef string       `json:"merchant_ref"`
	BookingID   string       `json:"booking_id"`
	Phone       string       `json:"phone"`
	Amount      ledger.Money `json:"amount"`
	Status      string       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
}

func newIntentPayload(intent booking.PaymentIntent, currency ledger.Currency) intentPayload {
	return intentPayload{
		CheckoutRef: intent.CheckoutRef,
		MerchantRef: intent.MerchantRef,
		BookingID:   intent.BookingID.String(),
		Phone:       intent.Phone,
		Amount:      ledger.NewMoney(intent.Amount, currency),
		Status:      intent.Status.String(),
		CreatedAt:   intent.CreatedAt,
	}
}

type groupPayload struct {
	GroupID          string     `json:"group_id"`
	OrganizerID      string     `json:"organizer_id"`
	Title            string     `json:"title"`
	ServiceCategory  string     `json:"service_category"`
	Suburb           string     `json:"suburb"`
	ParticipantCount int        `json:"participant_count"`
	TargetCount      int        `json:"target_count"`
	DiscountTier     string     `json:"discount_tier"`
	DiscountPercent  int64      `json:"discount_percent"`
	Status           string     `json:"status"`
	Members          []string   `json:"members"`
	ExpiresAt        time.Time  `json:"expires_at"`
	ActivatedAt      *time.Time `json:"activated_at,omitempty"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
}

func newGroupPayload(group sambaza.Group) groupPayload {
	members := make([]string, 0, len(group.Members))
	for _, member := range group.Members {
		members = append(members, member.String())
	}
	return groupPayload{
		GroupID:          group.ID.String(),
		OrganizerID:      group.OrganizerID.String(),
		Title:            group.Title,
		ServiceCategory:  group.ServiceCategory,
		Suburb:           group.Suburb,
		ParticipantCount: group.ParticipantCount,
		TargetCount:      group.TargetCount,
		DiscountTier:     group.DiscountTier.String(),
		DiscountPercent:  group.DiscountTier.Percent(),
		Status:           group.Status.String(),
		Members:          members,
		ExpiresAt:        group.ExpiresAt,
		ActivatedAt:      group.ActivatedAt,
		ClosedAt:         group.ClosedAt,
		Version:          group.Version,
		CreatedAt:        group.CreatedAt,
	}
}

type providerPayload struct {
	ProviderID     string  `json:"provider_id"`
	TrustScore     float64 `json:"trust_score"`
	AverageRating  float64 `json:"average_rating"`
	ReviewCount    int     `json:"review_count"`
	CompletionRate float64 `json:"completion_rate"`
	ResponseScore  float64 `json:"response_score"`
	CompletedCount int     `json:"completed_count"`
	CancelledCount int     `json:"cancelled_count"`
	DisputesUpheld int     `json:"disputes_upheld"`
}

func newProviderPayload(provider reputation.Provider) providerPayload {
	return providerPayload{
		ProviderID:     provider.ID.String(),
		TrustScore:     provider.TrustScore,
		AverageRating:  provider.AverageRating(),
		ReviewCount:    provider.ReviewCount,
		CompletionRate: provider.CompletionRate(),
		ResponseScore:  provider.ResponseScore,
		CompletedCount: provider.CompletedCount,
		CancelledCount: provider.CancelledCount,
		DisputesUpheld: provider.DisputesUpheld,
	}
}

type reviewPayload struct {
	ReviewID   string    `json:"review_id"`
	BookingID  string    `json:"booking_id"`
	ProviderID string    `json:"provider_id"`
	ReviewerID string    `json:"reviewer_id"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func newReviewPayload(review reputation.Review) reviewPayload {
	return reviewPayload{
		ReviewID:   review.ID,
		BookingID:  review.BookingID.String(),
		ProviderID: review.ProviderID.String(),
		ReviewerID: review.ReviewerID.String(),
		Rating:     review.Rating,
		Comment:    review.Comment,
		CreatedAt:  review.CreatedAt,
	}
}
