package gormstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	lockStrengthUpdate    = "UPDATE"
	errorOperationStore   = "store"
	errorSubjectBooking   = "booking"
	errorSubjectPayment   = "payment"
	errorSubjectIntent    = "payment_intent"
	errorSubjectGroup     = "group"
	errorSubjectMember    = "member"
	errorSubjectProvider  = "provider"
	errorSubjectReview    = "review"
	errorSubjectEvent     = "processed_event"
	errorSubjectSchema    = "schema"
	errorCodeCreate       = "create"
	errorCodeDecode       = "decode"
	errorCodeDuplicate    = "duplicate"
	errorCodeEncode       = "encode"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeMigrate      = "migrate"
	errorCodeSettle       = "settle"
	errorCodeUpdate       = "update"
)

// Store groups the GORM-backed stores over a single database handle.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or alters every table the stores use.
func (store *Store) AutoMigrate() error {
	if err := store.db.AutoMigrate(Models()...); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// Bookings returns the booking ledger store.
func (store *Store) Bookings() *BookingStore {
	return &BookingStore{db: store.db}
}

// Groups returns the Sambaza group store.
func (store *Store) Groups() *GroupStore {
	return &GroupStore{db: store.db}
}

// Reputation returns the provider reputation store.
func (store *Store) Reputation() *ReputationStore {
	return &ReputationStore{db: store.db}
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// wrapTransient marks driver failures as retryable dependency errors.
func wrapTransient(subject string, code string, err error) error {
	return wrapStoreError(subject, code, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err))
}

func forUpdate() clause.Locking {
	return clause.Locking{Strength: lockStrengthUpdate}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}
