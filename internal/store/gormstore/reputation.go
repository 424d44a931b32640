package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/internal/reputation"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/booking"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReputationStore implements reputation.Store using GORM.
type ReputationStore struct {
	db *gorm.DB
}

// NewReputationStore returns a ReputationStore backed by gorm.DB.
func NewReputationStore(db *gorm.DB) *ReputationStore {
	return &ReputationStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *ReputationStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore reputation.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &ReputationStore{db: transaction})
	})
}

func (store *ReputationStore) GetProvider(ctx context.Context, providerID ledger.ProviderID) (reputation.Provider, error) {
	var record ProviderRecord
	err := store.db.WithContext(ctx).
		Clauses(forUpdate()).
		Where("provider_id = ?", providerID.String()).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return reputation.Provider{}, wrapStoreError(errorSubjectProvider, errorCodeGet, reputation.ErrProviderNotFound)
		}
		return reputation.Provider{}, wrapTransient(errorSubjectProvider, errorCodeGet, err)
	}
	provider, err := mapProviderRecord(record)
	if err != nil {
		return reputation.Provider{}, wrapStoreError(errorSubjectProvider, errorCodeInvalid, err)
	}
	return provider, nil
}

func (store *ReputationStore) SaveProvider(ctx context.Context, provider reputation.Provider, expectedVersion int64) error {
	record := ProviderRecord{
		ProviderID:     provider.ID.String(),
		RatingSum:      provider.RatingSum,
		ReviewCount:    provider.ReviewCount,
		CompletedCount: provider.CompletedCount,
		CancelledCount: provider.CancelledCount,
		DisputesUpheld: provider.DisputesUpheld,
		ResponseScore:  provider.ResponseScore,
		TrustScore:     provider.TrustScore,
		Version:        provider.Version,
		UpdatedAt:      provider.UpdatedAt.UTC(),
	}
	if expectedVersion == 0 {
		err := store.db.WithContext(ctx).Create(&record).Error
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectProvider, errorCodeDuplicate, reputation.ErrProviderExists)
		}
		if err != nil {
			return wrapTransient(errorSubjectProvider, errorCodeCreate, err)
		}
		return nil
	}
	result := store.db.WithContext(ctx).
		Model(&ProviderRecord{}).
		Where("provider_id = ? AND version = ?", record.ProviderID, expectedVersion).
		Select("*").
		Omit("provider_id").
		Updates(&record)
	if result.Error != nil {
		return wrapTransient(errorSubjectProvider, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		// A vanished row is reported as a conflict so the caller reloads and inserts afresh.
		return wrapStoreError(errorSubjectProvider, errorCodeUpdate, ledger.ErrVersionConflict)
	}
	return nil
}

func (store *ReputationStore) InsertReview(ctx context.Context, review reputation.Review) error {
	record := ReviewRecord{
		ReviewID:   review.ID,
		BookingID:  review.BookingID.String(),
		ProviderID: review.ProviderID.String(),
		ReviewerID: review.ReviewerID.String(),
		Rating:     review.Rating,
		Comment:    review.Comment,
		CreatedAt:  review.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReview, errorCodeDuplicate, reputation.ErrAlreadyReviewed)
	}
	if err != nil {
		return wrapTransient(errorSubjectReview, errorCodeInsert, err)
	}
	return nil
}

func (store *ReputationStore) ListReviews(ctx context.Context, providerID ledger.ProviderID) ([]reputation.Review, error) {
	var rows []ReviewRecord
	err := store.db.WithContext(ctx).
		Where("provider_id = ?", providerID.String()).
		Order("created_at DESC").
		Order("review_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapTransient(errorSubjectReview, errorCodeList, err)
	}
	reviews := make([]reputation.Review, 0, len(rows))
	for _, row := range rows {
		review, err := mapReviewRecord(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReview, errorCodeInvalid, err)
		}
		reviews = append(reviews, review)
	}
	return reviews, nil
}

func (store *ReputationStore) MarkEventProcessed(ctx context.Context, eventID string, processedAt time.Time) (bool, error) {
	record := ProcessedEventRecord{EventID: eventID, ProcessedAt: processedAt.UTC()}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return false, wrapTransient(errorSubjectEvent, errorCodeInsert, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func mapProviderRecord(record ProviderRecord) (reputation.Provider, error) {
	providerID, err := ledger.NewProviderID(record.ProviderID)
	if err != nil {
		return reputation.Provider{}, err
	}
	return reputation.Provider{
		ID:             providerID,
		RatingSum:      record.RatingSum,
		ReviewCount:    record.ReviewCount,
		CompletedCount: record.CompletedCount,
		CancelledCount: record.CancelledCount,
		DisputesUpheld: record.DisputesUpheld,
		ResponseScore:  record.ResponseScore,
		TrustScore:     record.TrustScore,
		Version:        record.Version,
		UpdatedAt:      record.UpdatedAt.UTC(),
	}, nil
}

func mapReviewRecord(record ReviewRecord) (reputation.Review, error) {
	bookingID, err := booking.NewBookingID(record.BookingID)
	if err != nil {
		return reputation.Review{}, err
	}
	providerID, err := ledger.NewProviderID(record.ProviderID)
	if err != nil {
		return reputation.Review{}, err
	}
	reviewerID, err := ledger.NewUserID(record.ReviewerID)
	if err != nil {
		return reputation.Review{}, err
	}
	return reputation.Review{
		ID:         record.ReviewID,
		BookingID:  bookingID,
		ProviderID: providerID,
		ReviewerID: reviewerID,
		Rating:     record.Rating,
		Comment:    record.Comment,
		CreatedAt:  record.CreatedAt.UTC(),
	}, nil
}
