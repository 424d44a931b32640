package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// BookingRecord mirrors the bookings table.
type BookingRecord struct {
	BookingID          string         `gorm:"primaryKey"`
	ProviderID         string         `gorm:"not null;index:idx_bookings_provider"`
	ConsumerID         string         `gorm:"not null;index:idx_bookings_consumer"`
	Currency           string         `gorm:"size:3;not null"`
	QuotedPrice        int64          `gorm:"not null"`
	AcceptedPrice      int64          `gorm:"not null"`
	Plan               string         `gorm:"not null"`
	InstallmentCount   int            `gorm:"not null"`
	AmountDueNow       int64          `gorm:"not null"`
	PaidAmount         int64          `gorm:"not null"`
	RemainingAmount    int64          `gorm:"not null"`
	NextPaymentDue     *time.Time     `gorm:""`
	ScheduledAt        time.Time      `gorm:"not null"`
	ActualStart        *time.Time     `gorm:""`
	ActualEnd          *time.Time     `gorm:""`
	Status             string         `gorm:"not null;index:idx_bookings_status"`
	Dispute            datatypes.JSON `gorm:"type:jsonb"`
	CancellationReason string         `gorm:"not null;default:''"`
	Version            int64          `gorm:"not null"`
	CreatedAt          time.Time      `gorm:"not null;autoCreateTime:false"`
	UpdatedAt          time.Time      `gorm:"not null;autoUpdateTime:false"`
}

func (BookingRecord) TableName() string { return "bookings" }

// PaymentRecord mirrors the booking_payments table. The primary key deduplicates gateway references
// across all bookings.
type PaymentRecord struct {
	ExternalRef string    `gorm:"primaryKey"`
	BookingID   string    `gorm:"not null;index:idx_booking_payments_booking"`
	Amount      int64     `gorm:"not null"`
	Applied     int64     `gorm:"not null"`
	ReceivedAt  time.Time `gorm:"not null;index:idx_booking_payments_received"`
}

func (PaymentRecord) TableName() string { return "booking_payments" }

// PaymentIntentRecord mirrors the payment_intents table.
type PaymentIntentRecord struct {
	CheckoutRef string     `gorm:"primaryKey"`
	MerchantRef string     `gorm:"not null;default:''"`
	BookingID   string     `gorm:"not null;index:idx_payment_intents_booking"`
	Phone       string     `gorm:"not null"`
	Amount      int64      `gorm:"not null"`
	Status      string     `gorm:"not null"`
	CreatedAt   time.Time  `gorm:"not null;autoCreateTime:false"`
	SettledAt   *time.Time `gorm:""`
}

func (PaymentIntentRecord) TableName() string { return "payment_intents" }

// GroupRecord mirrors the sambaza_groups table.
type GroupRecord struct {
	GroupID          string     `gorm:"primaryKey"`
	OrganizerID      string     `gorm:"not null"`
	Title            string     `gorm:"not null"`
	ServiceCategory  string     `gorm:"not null;default:''"`
	Suburb           string     `gorm:"not null;default:''"`
	ParticipantCount int        `gorm:"not null"`
	TargetCount      int        `gorm:"not null"`
	DiscountTier     int        `gorm:"not null"`
	Status           string     `gorm:"not null;index:idx_sambaza_groups_status"`
	ExpiresAt        time.Time  `gorm:"not null"`
	ActivatedAt      *time.Time `gorm:""`
	ClosedAt         *time.Time `gorm:""`
	Version          int64      `gorm:"not null"`
	CreatedAt        time.Time  `gorm:"not null;autoCreateTime:false;index:idx_sambaza_groups_created"`
	UpdatedAt        time.Time  `gorm:"not null;autoUpdateTime:false"`
}

func (GroupRecord) TableName() string { return "sambaza_groups" }

// GroupMemberRecord mirrors the sambaza_members table.
type GroupMemberRecord struct {
	GroupID  string    `gorm:"primaryKey"`
	UserID   string    `gorm:"primaryKey"`
	JoinedAt time.Time `gorm:"not null"`
}

func (GroupMemberRecord) TableName() string { return "sambaza_members" }

// ProviderRecord mirrors the provider_reputation table.
type ProviderRecord struct {
	ProviderID     string    `gorm:"primaryKey"`
	RatingSum      int64     `gorm:"not null"`
	ReviewCount    int       `gorm:"not null"`
	CompletedCount int       `gorm:"not null"`
	CancelledCount int       `gorm:"not null"`
	DisputesUpheld int       `gorm:"not null"`
	ResponseScore  float64   `gorm:"not null"`
	TrustScore     float64   `gorm:"not null"`
	Version        int64     `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (ProviderRecord) TableName() string { return "provider_reputation" }

// ReviewRecord mirrors the reviews table. One review per booking.
type ReviewRecord struct {
	ReviewID   string    `gorm:"primaryKey"`
	BookingID  string    `gorm:"not null;uniqueIndex:uniq_reviews_booking"`
	ProviderID string    `gorm:"not null;index:idx_reviews_provider_created,priority:1"`
	ReviewerID string    `gorm:"not null"`
	Rating     int       `gorm:"not null"`
	Comment    string    `gorm:"not null;default:''"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime:false;index:idx_reviews_provider_created,priority:2"`
}

func (ReviewRecord) TableName() string { return "reviews" }

// ProcessedEventRecord mirrors the processed_events table.
type ProcessedEventRecord struct {
	EventID     string    `gorm:"primaryKey"`
	ProcessedAt time.Time `gorm:"not null"`
}

func (ProcessedEventRecord) TableName() string { return "processed_events" }

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&BookingRecord{},
		&PaymentRecord{},
		&PaymentIntentRecord{},
		&GroupRecord{},
		&GroupMemberRecord{},
		&ProviderRecord{},
		&ReviewRecord{},
		&ProcessedEventRecord{},
	}
}
