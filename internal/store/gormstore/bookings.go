package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/booking"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/goccy/go-json"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BookingStore implements booking.Store using GORM.
type BookingStore struct {
	db *gorm.DB
}

// NewBookingStore returns a BookingStore backed by gorm.DB.
func NewBookingStore(db *gorm.DB) *BookingStore {
	return &BookingStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *BookingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &BookingStore{db: transaction})
	})
}

func (store *BookingStore) CreateBooking(ctx context.Context, value booking.Booking) error {
	record, err := bookingRecordFrom(value)
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeEncode, err)
	}
	err = store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, booking.ErrBookingExists)
	}
	if err != nil {
		return wrapTransient(errorSubjectBooking, errorCodeCreate, err)
	}
	return nil
}

func (store *BookingStore) GetBooking(ctx context.Context, bookingID booking.BookingID) (booking.Booking, error) {
	var record BookingRecord
	err := store.db.WithContext(ctx).
		Clauses(forUpdate()).
		Where("booking_id = ?", bookingID.String()).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, booking.ErrUnknownBooking)
		}
		return booking.Booking{}, wrapTransient(errorSubjectBooking, errorCodeGet, err)
	}
	value, err := mapBookingRecord(record)
	if err != nil {
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	return value, nil
}

func (store *BookingStore) UpdateBooking(ctx context.Context, value booking.Booking, expectedVersion int64) error {
	record, err := bookingRecordFrom(value)
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeEncode, err)
	}
	result := store.db.WithContext(ctx).
		Model(&BookingRecord{}).
		Where("booking_id = ? AND version = ?", record.BookingID, expectedVersion).
		Select("*").
		Omit("booking_id", "created_at").
		Updates(&record)
	if result.Error != nil {
		return wrapTransient(errorSubjectBooking, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return explainNoRows(ctx, store.db, &BookingRecord{}, "booking_id = ?", record.BookingID, errorSubjectBooking, booking.ErrUnknownBooking)
	}
	return nil
}

func (store *BookingStore) FindPayment(ctx context.Context, externalRef string) (booking.Payment, bool, error) {
	var rows []PaymentRecord
	err := store.db.WithContext(ctx).
		Where("external_ref = ?", externalRef).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return booking.Payment{}, false, wrapTransient(errorSubjectPayment, errorCodeLookup, err)
	}
	if len(rows) == 0 {
		return booking.Payment{}, false, nil
	}
	payment, err := mapPaymentRecord(rows[0])
	if err != nil {
		return booking.Payment{}, false, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return payment, true, nil
}

func (store *BookingStore) InsertPayment(ctx context.Context, payment booking.Payment) error {
	record := PaymentRecord{
		BookingID:   payment.BookingID.String(),
		ExternalRef: payment.ExternalRef,
		Amount:      payment.Amount.Int64(),
		Applied:     payment.Applied.Int64(),
		ReceivedAt:  payment.ReceivedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, booking.ErrDuplicatePayment)
	}
	if err != nil {
		return wrapTransient(errorSubjectPayment, errorCodeInsert, err)
	}
	return nil
}

func (store *BookingStore) ListPayments(ctx context.Context, bookingID booking.BookingID) ([]booking.Payment, error) {
	var rows []PaymentRecord
	err := store.db.WithContext(ctx).
		Where("booking_id = ?", bookingID.String()).
		Order("received_at ASC").
		Order("external_ref ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapTransient(errorSubjectPayment, errorCodeList, err)
	}
	payments := make([]booking.Payment, 0, len(rows))
	for _, row := range rows {
		payment, err := mapPaymentRecord(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

func (store *BookingStore) CreatePaymentIntent(ctx context.Context, intent booking.PaymentIntent) error {
	record := PaymentIntentRecord{
		CheckoutRef: intent.CheckoutRef,
		MerchantRef: intent.MerchantRef,
		BookingID:   intent.BookingID.String(),
		Phone:       intent.Phone,
		Amount:      intent.Amount.Int64(),
		Status:      intent.Status.String(),
		CreatedAt:   intent.CreatedAt.UTC(),
		SettledAt:   utcPointer(intent.SettledAt),
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectIntent, errorCodeDuplicate, booking.ErrIntentExists)
	}
	if err != nil {
		return wrapTransient(errorSubjectIntent, errorCodeCreate, err)
	}
	return nil
}

func (store *BookingStore) GetPaymentIntent(ctx context.Context, checkoutRef string) (booking.PaymentIntent, error) {
	var record PaymentIntentRecord
	err := store.db.WithContext(ctx).
		Where("checkout_ref = ?", checkoutRef).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.PaymentIntent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, booking.ErrUnknownPaymentIntent)
		}
		return booking.PaymentIntent{}, wrapTransient(errorSubjectIntent, errorCodeGet, err)
	}
	intent, err := mapPaymentIntentRecord(record)
	if err != nil {
		return booking.PaymentIntent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	return intent, nil
}

func (store *BookingStore) SettlePaymentIntent(ctx context.Context, checkoutRef string, status booking.IntentStatus, settledAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&PaymentIntentRecord{}).
		Where("checkout_ref = ? AND status = ?", checkoutRef, booking.IntentPending.String()).
		Updates(map[string]interface{}{
			"status":     status.String(),
			"settled_at": settledAt.UTC(),
		})
	if result.Error != nil {
		return wrapTransient(errorSubjectIntent, errorCodeSettle, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&PaymentIntentRecord{}).Where("checkout_ref = ?", checkoutRef).Count(&count).Error; err != nil {
			return wrapTransient(errorSubjectIntent, errorCodeLookup, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectIntent, errorCodeSettle, booking.ErrUnknownPaymentIntent)
		}
		return wrapStoreError(errorSubjectIntent, errorCodeSettle, booking.ErrIntentSettled)
	}
	return nil
}

// explainNoRows tells a missing row apart from a stale version after an update matched nothing.
func explainNoRows(ctx context.Context, db *gorm.DB, model interface{}, query string, key string, subject string, missing error) error {
	var count int64
	if err := db.WithContext(ctx).Model(model).Where(query, key).Count(&count).Error; err != nil {
		return wrapTransient(subject, errorCodeLookup, err)
	}
	if count == 0 {
		return wrapStoreError(subject, errorCodeUpdate, missing)
	}
	return wrapStoreError(subject, errorCodeUpdate, ledger.ErrVersionConflict)
}

type disputeDocument struct {
	Reason      string     `json:"reason"`
	PriorStatus string     `json:"prior_status"`
	OpenedAt    time.Time  `json:"opened_at"`
	Resolution  string     `json:"resolution,omitempty"`
	Restored    bool       `json:"restored"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

func encodeDispute(dispute *booking.Dispute) (datatypes.JSON, error) {
	if dispute == nil {
		return nil, nil
	}
	payload, err := json.Marshal(disputeDocument{
		Reason:      dispute.Reason,
		PriorStatus: dispute.PriorStatus.String(),
		OpenedAt:    dispute.OpenedAt.UTC(),
		Resolution:  dispute.Resolution,
		Restored:    dispute.Restored,
		ResolvedAt:  utcPointer(dispute.ResolvedAt),
	})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(payload), nil
}

func decodeDispute(raw datatypes.JSON) (*booking.Dispute, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var document disputeDocument
	if err := json.Unmarshal(raw, &document); err != nil {
		return nil, err
	}
	priorStatus, err := booking.ParseStatus(document.PriorStatus)
	if err != nil {
		return nil, err
	}
	return &booking.Dispute{
		Reason:      document.Reason,
		PriorStatus: priorStatus,
		OpenedAt:    document.OpenedAt.UTC(),
		Resolution:  document.Resolution,
		Restored:    document.Restored,
		ResolvedAt:  utcPointer(document.ResolvedAt),
	}, nil
}

func bookingRecordFrom(value booking.Booking) (BookingRecord, error) {
	dispute, err := encodeDispute(value.Dispute)
	if err != nil {
		return BookingRecord{}, err
	}
	return BookingRecord{
		BookingID:          value.ID.String(),
		ProviderID:         value.ProviderID.String(),
		ConsumerID:         value.ConsumerID.String(),
		Currency:           value.Currency.String(),
		QuotedPrice:        value.QuotedPrice.Int64(),
		AcceptedPrice:      value.AcceptedPrice.Int64(),
		Plan:               value.Plan.String(),
		InstallmentCount:   value.InstallmentCount,
		AmountDueNow:       value.AmountDueNow.Int64(),
		PaidAmount:         value.PaidAmount.Int64(),
		RemainingAmount:    value.RemainingAmount.Int64(),
		NextPaymentDue:     utcPointer(value.NextPaymentDue),
		ScheduledAt:        value.ScheduledAt.UTC(),
		ActualStart:        utcPointer(value.ActualStart),
		ActualEnd:          utcPointer(value.ActualEnd),
		Status:             value.Status.String(),
		Dispute:            dispute,
		CancellationReason: value.CancellationReason,
		Version:            value.Version,
		CreatedAt:          value.CreatedAt.UTC(),
		UpdatedAt:          value.UpdatedAt.UTC(),
	}, nil
}

func mapBookingRecord(record BookingRecord) (booking.Booking, error) {
	bookingID, err := booking.NewBookingID(record.BookingID)
	if err != nil {
		return booking.Booking{}, err
	}
	providerID, err := ledger.NewProviderID(record.ProviderID)
	if err != nil {
		return booking.Booking{}, err
	}
	consumerID, err := ledger.NewUserID(record.ConsumerID)
	if err != nil {
		return booking.Booking{}, err
	}
	currency, err := ledger.ParseCurrency(record.Currency)
	if err != nil {
		return booking.Booking{}, err
	}
	status, err := booking.ParseStatus(record.Status)
	if err != nil {
		return booking.Booking{}, err
	}
	var plan booking.PaymentPlan
	if record.Plan != "" {
		plan, err = booking.ParsePaymentPlan(record.Plan)
		if err != nil {
			return booking.Booking{}, err
		}
	}
	dispute, err := decodeDispute(record.Dispute)
	if err != nil {
		return booking.Booking{}, err
	}
	return booking.Booking{
		ID:                 bookingID,
		ProviderID:         providerID,
		ConsumerID:         consumerID,
		Currency:           currency,
		QuotedPrice:        ledger.MinorUnits(record.QuotedPrice),
		AcceptedPrice:      ledger.MinorUnits(record.AcceptedPrice),
		Plan:               plan,
		InstallmentCount:   record.InstallmentCount,
		AmountDueNow:       ledger.MinorUnits(record.AmountDueNow),
		PaidAmount:         ledger.MinorUnits(record.PaidAmount),
		RemainingAmount:    ledger.MinorUnits(record.RemainingAmount),
		NextPaymentDue:     utcPointer(record.NextPaymentDue),
		ScheduledAt:        record.ScheduledAt.UTC(),
		ActualStart:        utcPointer(record.ActualStart),
		ActualEnd:          utcPointer(record.ActualEnd),
		Status:             status,
		Dispute:            dispute,
		CancellationReason: record.CancellationReason,
		Version:            record.Version,
		CreatedAt:          record.CreatedAt.UTC(),
		UpdatedAt:          record.UpdatedAt.UTC(),
	}, nil
}

func mapPaymentRecord(record PaymentRecord) (booking.Payment, error) {
	bookingID, err := booking.NewBookingID(record.BookingID)
	if err != nil {
		return booking.Payment{}, err
	}
	return booking.Payment{
		BookingID:   bookingID,
		ExternalRef: record.ExternalRef,
		Amount:      ledger.MinorUnits(record.Amount),
		Applied:     ledger.MinorUnits(record.Applied),
		ReceivedAt:  record.ReceivedAt.UTC(),
	}, nil
}

func mapPaymentIntentRecord(record PaymentIntentRecord) (booking.PaymentIntent, error) {
	bookingID, err := booking.NewBookingID(record.BookingID)
	if err != nil {
		return booking.PaymentIntent{}, err
	}
	status, err := booking.ParseIntentStatus(record.Status)
	if err != nil {
		return booking.PaymentIntent{}, err
	}
	return booking.PaymentIntent{
		CheckoutRef: record.CheckoutRef,
		MerchantRef: record.MerchantRef,
		BookingID:   bookingID,
		Phone:       record.Phone,
		Amount:      ledger.MinorUnits(record.Amount),
		Status:      status,
		CreatedAt:   record.CreatedAt.UTC(),
		SettledAt:   utcPointer(record.SettledAt),
	}, nil
}
