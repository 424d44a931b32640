// Package reputation maintains provider aggregates from booking outcomes and reviews,
// and caches the trust score computed from them.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/booking"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/trust"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const (
	operationSubmitReview        = "submit_review"
	operationRecordOutcome       = "record_outcome"
	operationUpdateResponseScore = "update_response_score"
	logSubjectProvider           = "provider"

	TopicReviewSubmitted = "review.submitted"
	AttributeRating      = "rating"
	AttributeTrustScore  = "trust_score"

	defaultConflictRetries = 5
	conflictBackoff        = 5 * time.Millisecond
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger ledger.OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithEventPublisher wires the publisher for review.submitted events.
func WithEventPublisher(publisher ledger.EventPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithLocker replaces the in-process per-provider lock.
func WithLocker(locker ledger.Locker) ServiceOption {
	return func(service *Service) {
		if locker != nil {
			service.locker = locker
		}
	}
}

// Service updates provider aggregates. Every change recomputes the cached trust score.
type Service struct {
	store     Store
	bookings  BookingReader
	now       ledger.Clock
	logger    ledger.OperationLogger
	publisher ledger.EventPublisher
	locker    ledger.Locker
}

// NewService wires a Service.
func NewService(store Store, bookings BookingReader, now ledger.Clock, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if bookings == nil {
		return nil, fmt.Errorf("%w: booking reader dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	service := &Service{
		store:    store,
		bookings: bookings,
		now:      now,
		locker:   ledger.NewKeyedLocker(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetProvider returns the stored aggregates and cached trust score.
func (service *Service) GetProvider(ctx context.Context, providerID ledger.ProviderID) (Provider, error) {
	return service.store.GetProvider(ctx, providerID)
}

// ListReviews returns the reviews of a provider.
func (service *Service) ListReviews(ctx context.Context, providerID ledger.ProviderID) ([]Review, error) {
	return service.store.ListReviews(ctx, providerID)
}

// SubmitReview records the consumer's review of a completed booking.
func (service *Service) SubmitReview(ctx context.Context, request ReviewRequest) (Review, Provider, error) {
	review, provider, err := service.submitReview(ctx, request)
	ledger.RecordOperation(ctx, service.logger, ledger.OperationLog{
		Operation: operationSubmitReview,
		Subject:   logSubjectProvider,
		EntityID:  review.ProviderID.String(),
		ActorID:   request.ReviewerID.String(),
		Reference: request.BookingID.String(),
		Error:     err,
	})
	return review, provider, err
}

func (service *Service) submitReview(ctx context.Context, request ReviewRequest) (Review, Provider, error) {
	if request.Rating < MinRating || request.Rating > MaxRating {
		return Review{}, Provider{}, fmt.Errorf("%w: got %d", ErrInvalidRating, request.Rating)
	}
	if request.ReviewerID.IsZero() {
		return Review{}, Provider{}, fmt.Errorf("%w: empty reviewer", ledger.ErrInvalidUserID)
	}
	reviewed, err := service.bookings.GetBooking(ctx, request.BookingID)
	if err != nil {
		return Review{}, Provider{}, err
	}
	if reviewed.ConsumerID != request.ReviewerID {
		return Review{}, Provider{}, ErrNotReviewer
	}
	if reviewed.Status != booking.StatusCompleted {
		return Review{}, Provider{}, fmt.Errorf("%w: booking is %s", ErrBookingNotCompleted, reviewed.Status)
	}
	review := Review{
		ID:         uuid.NewString(),
		BookingID:  reviewed.ID,
		ProviderID: reviewed.ProviderID,
		ReviewerID: request.ReviewerID,
		Rating:     request.Rating,
		Comment:    strings.TrimSpace(request.Comment),
		CreatedAt:  service.now().UTC(),
	}
	provider, _, err := service.mutate(ctx, review.ProviderID, "", func(ctx context.Context, transactionStore Store, provider *Provider) (bool, error) {
		if err := transactionStore.InsertReview(ctx, review); err != nil {
			return false, err
		}
		provider.RatingSum += int64(review.Rating)
		provider.ReviewCount++
		return true, nil
	})
	if err != nil {
		return Review{ProviderID: review.ProviderID}, Provider{}, err
	}
	service.publish(ctx, ledger.Event{
		ID:          uuid.NewString(),
		Topic:       TopicReviewSubmitted,
		AggregateID: review.ID,
		OccurredAt:  review.CreatedAt,
		Attributes: map[string]string{
			booking.AttributeProviderID: review.ProviderID.String(),
			booking.AttributeConsumerID: review.ReviewerID.String(),
			AttributeRating:             strconv.Itoa(review.Rating),
			AttributeTrustScore:         strconv.FormatFloat(provider.TrustScore, 'f', 1, 64),
		},
	})
	return review, provider, nil
}

// UpdateResponseScore stores the provider's normalized responsiveness signal.
func (service *Service) UpdateResponseScore(ctx context.Context, providerID ledger.ProviderID, score float64) (Provider, error) {
	var (
		provider Provider
		err      error
	)
	if math.IsNaN(score) || score < 0 || score > 1 {
		err = fmt.Errorf("%w: got %v", ErrInvalidResponse, score)
	} else {
		provider, _, err = service.mutate(ctx, providerID, "", func(_ context.Context, _ Store, provider *Provider) (bool, error) {
			if provider.ResponseScore == score && provider.Version > 0 {
				return false, nil
			}
			provider.ResponseScore = score
			return true, nil
		})
	}
	ledger.RecordOperation(ctx, service.logger, ledger.OperationLog{
		Operation: operationUpdateResponseScore,
		Subject:   logSubjectProvider,
		EntityID:  providerID.String(),
		Error:     err,
	})
	return provider, err
}

// HandleEvent applies a booking outcome to the provider's aggregates. Each event id is applied once;
// redeliveries and unrelated topics are ignored.
func (service *Service) HandleEvent(ctx context.Context, event ledger.Event) error {
	apply, relevant := outcomeFor(event)
	if !relevant {
		return nil
	}
	if strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("%w: %s event without id", ErrInvalidEvent, event.Topic)
	}
	providerID, err := ledger.NewProviderID(event.Attribute(booking.AttributeProviderID))
	if err != nil {
		return fmt.Errorf("%w: %s event %s: %v", ErrInvalidEvent, event.Topic, event.ID, err)
	}
	provider, applied, err := service.mutate(ctx, providerID, event.ID, func(_ context.Context, _ Store, provider *Provider) (bool, error) {
		return apply(provider), nil
	})
	status := ""
	if err == nil && !applied {
		status = "noop"
	}
	ledger.RecordOperation(ctx, service.logger, ledger.OperationLog{
		Operation: operationRecordOutcome,
		Subject:   logSubjectProvider,
		EntityID:  orProviderID(provider, providerID).String(),
		Reference: event.Topic + ":" + event.ID,
		Status:    status,
		Error:     err,
	})
	return err
}

// outcomeFor returns the aggregate change for an event topic.
func outcomeFor(event ledger.Event) (func(*Provider) bool, bool) {
	switch event.Topic {
	case booking.TopicBookingCompleted:
		return func(provider *Provider) bool {
			provider.CompletedCount++
			return true
		}, true
	case booking.TopicBookingCancelled:
		// Only cancellations after the provider confirmed count against them.
		return func(provider *Provider) bool {
			if event.Attribute(booking.AttributeFromStatus) != booking.StatusConfirmed.String() {
				return false
			}
			provider.CancelledCount++
			return true
		}, true
	case booking.TopicBookingDisputeResolved:
		return func(provider *Provider) bool {
			if event.Attribute(booking.AttributeUpheld) != "true" {
				return false
			}
			provider.DisputesUpheld++
			if event.Attribute(booking.AttributeFromStatus) == booking.StatusCompleted.String() && provider.CompletedCount > 0 {
				provider.CompletedCount--
			}
			return true
		}, true
	default:
		return nil, false
	}
}

type providerMutation func(ctx context.Context, txStore Store, provider *Provider) (bool, error)

// mutate applies fn to the provider aggregates under the provider lock and recomputes the trust score.
// A non-empty eventID is recorded in the same transaction; an already recorded id skips fn.
func (service *Service) mutate(ctx context.Context, providerID ledger.ProviderID, eventID string, fn providerMutation) (Provider, bool, error) {
	unlock, err := service.locker.Lock(ctx, ledger.LockKey(ledger.LockScopeProvider, providerID.String()))
	if err != nil {
		return Provider{}, false, err
	}
	defer unlock()

	var (
		result  Provider
		applied bool
	)
	backoff := retry.WithMaxRetries(defaultConflictRetries, retry.NewConstant(conflictBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		applied = false
		transactionError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			now := service.now().UTC()
			if eventID != "" {
				first, err := transactionStore.MarkEventProcessed(ctx, eventID, now)
				if err != nil {
					return err
				}
				if !first {
					result, err = service.loadProvider(ctx, transactionStore, providerID)
					return err
				}
			}
			current, err := service.loadProvider(ctx, transactionStore, providerID)
			if err != nil {
				return err
			}
			working := current
			dirty, err := fn(ctx, transactionStore, &working)
			if err != nil {
				return err
			}
			if !dirty {
				result = current
				return nil
			}
			score, err := trust.Score(working.Inputs())
			if err != nil {
				return fmt.Errorf("%w: %v", ledger.ErrInvariantViolation, err)
			}
			working.TrustScore = score
			working.Version = current.Version + 1
			working.UpdatedAt = now
			if err := transactionStore.SaveProvider(ctx, working, current.Version); err != nil {
				return err
			}
			result = working
			applied = true
			return nil
		})
		if errors.Is(transactionError, ledger.ErrVersionConflict) || errors.Is(transactionError, ErrProviderExists) {
			return retry.RetryableError(transactionError)
		}
		return transactionError
	})
	if err != nil {
		return Provider{}, false, err
	}
	return result, applied, nil
}

// loadProvider returns fresh aggregates for providers without history.
func (service *Service) loadProvider(ctx context.Context, transactionStore Store, providerID ledger.ProviderID) (Provider, error) {
	provider, err := transactionStore.GetProvider(ctx, providerID)
	if errors.Is(err, ErrProviderNotFound) {
		return Provider{ID: providerID}, nil
	}
	return provider, err
}

func (service *Service) publish(ctx context.Context, event ledger.Event) {
	if service.publisher == nil {
		return
	}
	if err := service.publisher.Publish(ctx, event); err != nil {
		ledger.RecordOperation(ctx, service.logger, ledger.OperationLog{
			Operation: "publish_events",
			Subject:   logSubjectProvider,
			EntityID:  event.Attribute(booking.AttributeProviderID),
			Reference: event.Topic,
			Error:     err,
		})
	}
}

func orProviderID(provider Provider, providerID ledger.ProviderID) ledger.ProviderID {
	if provider.ID.String() == "" {
		return providerID
	}
	return provider.ID
}
