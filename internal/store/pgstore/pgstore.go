package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/booking"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectBooking     = "booking"
	errorSubjectPayment     = "payment"
	errorSubjectIntent      = "payment_intent"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeEncode         = "encode"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeSettle         = "settle"
	errorCodeUpdate         = "update"

	bookingColumns = `
		booking_id, provider_id, consumer_id, currency,
		quoted_price, accepted_price, plan, installment_count,
		amount_due_now, paid_amount, remaining_amount, next_payment_due,
		scheduled_at, actual_start, actual_end, status,
		dispute, cancellation_reason, version, created_at, updated_at
	`

	sqlInsertBooking = `
		insert into bookings(` + bookingColumns + `)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`

	sqlSelectBooking = `
		select ` + bookingColumns + `
		from bookings
		where booking_id = $1
		for update
	`

	sqlUpdateBooking = `
		update bookings set
			provider_id = $2, consumer_id = $3, currency = $4,
			quoted_price = $5, accepted_price = $6, plan = $7, installment_count = $8,
			amount_due_now = $9, paid_amount = $10, remaining_amount = $11, next_payment_due = $12,
			scheduled_at = $13, actual_start = $14, actual_end = $15, status = $16,
			dispute = $17, cancellation_reason = $18, version = $19, updated_at = $20
		where booking_id = $1 and version = $21
	`

	bookingCreatedAtArgument = 19

	sqlBookingExists = `select exists(select 1 from bookings where booking_id = $1)`

	sqlSelectPayment = `
		select booking_id, external_ref, amount, applied, received_at
		from booking_payments
		where external_ref = $1
	`

	sqlInsertPayment = `
		insert into booking_payments(booking_id, external_ref, amount, applied, received_at)
		values($1, $2, $3, $4, $5)
	`

	sqlListPayments = `
		select booking_id, external_ref, amount, applied, received_at
		from booking_payments
		where booking_id = $1
		order by received_at asc, external_ref asc
	`

	sqlInsertIntent = `
		insert into payment_intents(checkout_ref, merchant_ref, booking_id, phone, amount, status, created_at, settled_at)
		values($1, $2, $3, $4, $5, $6, $7, $8)
	`

	sqlSelectIntent = `
		select checkout_ref, merchant_ref, booking_id, phone, amount, status, created_at, settled_at
		from payment_intents
		where checkout_ref = $1
	`

	sqlSettleIntent = `
		update payment_intents
		set status = $2, settled_at = $3
		where checkout_ref = $1 and status = 'pending'
	`

	sqlIntentExists = `select exists(select 1 from payment_intents where checkout_ref = $1)`
)

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// BookingStore implements booking.Store using a pgx connection pool.
type BookingStore struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a BookingStore backed by a pgx pool (autocommit outside WithTx).
func New(pool *pgxpool.Pool) *BookingStore {
	return &BookingStore{pool: pool, db: pool}
}

// WithTx executes fn within a transaction. Nested calls reuse the open transaction.
func (store *BookingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapTransient(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &BookingStore{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapTransient(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *BookingStore) CreateBooking(ctx context.Context, value booking.Booking) error {
	arguments, err := bookingArguments(value)
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeEncode, err)
	}
	_, err = store.db.Exec(ctx, sqlInsertBooking, arguments...)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, booking.ErrBookingExists)
	}
	if err != nil {
		return wrapTransient(errorSubjectBooking, errorCodeCreate, err)
	}
	return nil
}

func (store *BookingStore) GetBooking(ctx context.Context, bookingID booking.BookingID) (booking.Booking, error) {
	value, err := scanBooking(store.db.QueryRow(ctx, sqlSelectBooking, bookingID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, booking.ErrUnknownBooking)
		}
		if ledger.KindOf(err) == ledger.KindValidation {
			return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
		}
		return booking.Booking{}, wrapTransient(errorSubjectBooking, errorCodeGet, err)
	}
	return value, nil
}

func (store *BookingStore) UpdateBooking(ctx context.Context, value booking.Booking, expectedVersion int64) error {
	arguments, err := bookingArguments(value)
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeEncode, err)
	}
	// created_at is immutable and not part of the update.
	updateArguments := append(arguments[:bookingCreatedAtArgument:bookingCreatedAtArgument], arguments[bookingCreatedAtArgument+1:]...)
	tag, err := store.db.Exec(ctx, sqlUpdateBooking, append(updateArguments, expectedVersion)...)
	if err != nil {
		return wrapTransient(errorSubjectBooking, errorCodeUpdate, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlBookingExists, value.ID.String()).Scan(&exists); err != nil {
		return wrapTransient(errorSubjectBooking, errorCodeLookup, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdate, booking.ErrUnknownBooking)
	}
	return wrapStoreError(errorSubjectBooking, errorCodeUpdate, ledger.ErrVersionConflict)
}

func (store *BookingStore) FindPayment(ctx context.Context, externalRef string) (booking.Payment, bool, error) {
	payment, err := scanPayment(store.db.QueryRow(ctx, sqlSelectPayment, externalRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.Payment{}, false, nil
	}
	if err != nil {
		return booking.Payment{}, false, wrapTransient(errorSubjectPayment, errorCodeLookup, err)
	}
	return payment, true, nil
}

func (store *BookingStore) InsertPayment(ctx context.Context, payment booking.Payment) error {
	_, err := store.db.Exec(ctx, sqlInsertPayment,
		payment.BookingID.String(),
		payment.ExternalRef,
		payment.Amount.Int64(),
		payment.Applied.Int64(),
		payment.ReceivedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, booking.ErrDuplicatePayment)
	}
	if err != nil {
		return wrapTransient(errorSubjectPayment, errorCodeInsert, err)
	}
	return nil
}

func (store *BookingStore) ListPayments(ctx context.Context, bookingID booking.BookingID) ([]booking.Payment, error) {
	rows, err := store.db.Query(ctx, sqlListPayments, bookingID.String())
	if err != nil {
		return nil, wrapTransient(errorSubjectPayment, errorCodeList, err)
	}
	defer rows.Close()
	var payments []booking.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapTransient(errorSubjectPayment, errorCodeList, err)
	}
	return payments, nil
}

func (store *BookingStore) CreatePaymentIntent(ctx context.Context, intent booking.PaymentIntent) error {
	_, err := store.db.Exec(ctx, sqlInsertIntent,
		intent.CheckoutRef,
		intent.MerchantRef,
		intent.BookingID.String(),
		intent.Phone,
		intent.Amount.Int64(),
		intent.Status.String(),
		intent.CreatedAt.UTC(),
		intent.SettledAt,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectIntent, errorCodeDuplicate, booking.ErrIntentExists)
	}
	if err != nil {
		return wrapTransient(errorSubjectIntent, errorCodeCreate, err)
	}
	return nil
}

func (store *BookingStore) GetPaymentIntent(ctx context.Context, checkoutRef string) (booking.PaymentIntent, error) {
	var (
		intent    booking.PaymentIntent
		bookingID string
		status    string
		amount    int64
	)
	err := store.db.QueryRow(ctx, sqlSelectIntent, checkoutRef).Scan(
		&intent.CheckoutRef,
		&intent.MerchantRef,
		&bookingID,
		&intent.Phone,
		&amount,
		&status,
		&intent.CreatedAt,
		&intent.SettledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.PaymentIntent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, booking.ErrUnknownPaymentIntent)
		}
		return booking.PaymentIntent{}, wrapTransient(errorSubjectIntent, errorCodeGet, err)
	}
	intent.BookingID, err = booking.NewBookingID(bookingID)
	if err != nil {
		return booking.PaymentIntent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	intent.Status, err = booking.ParseIntentStatus(status)
	if err != nil {
		return booking.PaymentIntent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	intent.Amount = ledger.MinorUnits(amount)
	intent.CreatedAt = intent.CreatedAt.UTC()
	return intent, nil
}

func (store *BookingStore) SettlePaymentIntent(ctx context.Context, checkoutRef string, status booking.IntentStatus, settledAt time.Time) error {
	tag, err := store.db.Exec(ctx, sqlSettleIntent, checkoutRef, status.String(), settledAt.UTC())
	if err != nil {
		return wrapTransient(errorSubjectIntent, errorCodeSettle, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlIntentExists, checkoutRef).Scan(&exists); err != nil {
		return wrapTransient(errorSubjectIntent, errorCodeLookup, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectIntent, errorCodeSettle, booking.ErrUnknownPaymentIntent)
	}
	return wrapStoreError(errorSubjectIntent, errorCodeSettle, booking.ErrIntentSettled)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func wrapTransient(subject string, code string, err error) error {
	return wrapStoreError(subject, code, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode
}

type disputeDocument struct {
	Reason      string     `json:"reason"`
	PriorStatus string     `json:"prior_status"`
	OpenedAt    time.Time  `json:"opened_at"`
	Resolution  string     `json:"resolution,omitempty"`
	Restored    bool       `json:"restored"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

func bookingArguments(value booking.Booking) ([]any, error) {
	var dispute []byte
	if value.Dispute != nil {
		encoded, err := json.Marshal(disputeDocument{
			Reason:      value.Dispute.Reason,
			PriorStatus: value.Dispute.PriorStatus.String(),
			OpenedAt:    value.Dispute.OpenedAt.UTC(),
			Resolution:  value.Dispute.Resolution,
			Restored:    value.Dispute.Restored,
			ResolvedAt:  value.Dispute.ResolvedAt,
		})
		if err != nil {
			return nil, err
		}
		dispute = encoded
	}
	return []any{
		value.ID.String(),
		value.ProviderID.String(),
		value.ConsumerID.String(),
		value.Currency.String(),
		value.QuotedPrice.Int64(),
		value.AcceptedPrice.Int64(),
		value.Plan.String(),
		value.InstallmentCount,
		value.AmountDueNow.Int64(),
		value.PaidAmount.Int64(),
		value.RemainingAmount.Int64(),
		value.NextPaymentDue,
		value.ScheduledAt.UTC(),
		value.ActualStart,
		value.ActualEnd,
		value.Status.String(),
		dispute,
		value.CancellationReason,
		value.Version,
		value.CreatedAt.UTC(),
		value.UpdatedAt.UTC(),
	}, nil
}

func scanBooking(row pgx.Row) (booking.Booking, error) {
	var (
		value                                     booking.Booking
		bookingID, providerID, consumerID         string
		currency, plan, status                    string
		quoted, accepted, dueNow, paid, remaining int64
		dispute                                   []byte
	)
	err := row.Scan(
		&bookingID, &providerID, &consumerID, &currency,
		&quoted, &accepted, &plan, &value.InstallmentCount,
		&dueNow, &paid, &remaining, &value.NextPaymentDue,
		&value.ScheduledAt, &value.ActualStart, &value.ActualEnd, &status,
		&dispute, &value.CancellationReason, &value.Version, &value.CreatedAt, &value.UpdatedAt,
	)
	if err != nil {
		return booking.Booking{}, err
	}
	if value.ID, err = booking.NewBookingID(bookingID); err != nil {
		return booking.Booking{}, err
	}
	if value.ProviderID, err = ledger.NewProviderID(providerID); err != nil {
		return booking.Booking{}, err
	}
	if value.ConsumerID, err = ledger.NewUserID(consumerID); err != nil {
		return booking.Booking{}, err
	}
	if value.Currency, err = ledger.ParseCurrency(currency); err != nil {
		return booking.Booking{}, err
	}
	if value.Status, err = booking.ParseStatus(status); err != nil {
		return booking.Booking{}, err
	}
	if plan != "" {
		if value.Plan, err = booking.ParsePaymentPlan(plan); err != nil {
			return booking.Booking{}, err
		}
	}
	if len(dispute) > 0 {
		var document disputeDocument
		if err := json.Unmarshal(dispute, &document); err != nil {
			return booking.Booking{}, fmt.Errorf("%w: dispute: %v", ledger.ErrValidation, err)
		}
		priorStatus, err := booking.ParseStatus(document.PriorStatus)
		if err != nil {
			return booking.Booking{}, err
		}
		value.Dispute = &booking.Dispute{
			Reason:      document.Reason,
			PriorStatus: priorStatus,
			OpenedAt:    document.OpenedAt.UTC(),
			Resolution:  document.Resolution,
			Restored:    document.Restored,
			ResolvedAt:  document.ResolvedAt,
		}
	}
	value.QuotedPrice = ledger.MinorUnits(quoted)
	value.AcceptedPrice = ledger.MinorUnits(accepted)
	value.AmountDueNow = ledger.MinorUnits(dueNow)
	value.PaidAmount = ledger.MinorUnits(paid)
	value.RemainingAmount = ledger.MinorUnits(remaining)
	value.ScheduledAt = value.ScheduledAt.UTC()
	value.CreatedAt = value.CreatedAt.UTC()
	value.UpdatedAt = value.UpdatedAt.UTC()
	return value, nil
}

func scanPayment(row pgx.Row) (booking.Payment, error) {
	var (
		payment         booking.Payment
		bookingID       string
		amount, applied int64
	)
	if err := row.Scan(&bookingID, &payment.ExternalRef, &amount, &applied, &payment.ReceivedAt); err != nil {
		return booking.Payment{}, err
	}
	parsedID, err := booking.NewBookingID(bookingID)
	if err != nil {
		return booking.Payment{}, err
	}
	payment.BookingID = parsedID
	payment.Amount = ledger.MinorUnits(amount)
	payment.Applied = ledger.MinorUnits(applied)
	payment.ReceivedAt = payment.ReceivedAt.UTC()
	return payment, nil
}
