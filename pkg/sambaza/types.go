package sambaza

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
)

// GroupID identifies a Sambaza group.
type GroupID struct {
	value string
}

// NewGroupID validates and normalizes a group id.
func NewGroupID(raw string) (GroupID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return GroupID{}, fmt.Errorf("%w: empty value", ErrInvalidGroupID)
	}
	return GroupID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id GroupID) String() string {
	return id.value
}

// Status is the group lifecycle state.
type Status string

const (
	StatusForming Status = "forming"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

// ParseStatus validates a status name.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusForming, StatusActive, StatusClosed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// String returns the status name.
func (status Status) String() string {
	return string(status)
}

// Tier is the discount percentage unlocked by the group.
type Tier int

const (
	TierNone   Tier = 0
	TierBronze Tier = 5
	TierSilver Tier = 15
	TierGold   Tier = 25
)

// Percent returns the discount as a whole percentage.
func (tier Tier) Percent() int64 {
	return int64(tier)
}

// String formats the tier as "15%".
func (tier Tier) String() string {
	return fmt.Sprintf("%d%%", int(tier))
}

// TierFor derives the tier from the participant ratio count/target.
func TierFor(participantCount int, targetCount int) Tier {
	if targetCount <= 0 {
		return TierNone
	}
	switch {
	case participantCount >= targetCount:
		return TierGold
	case 2*participantCount >= targetCount:
		return TierSilver
	case 5*participantCount >= targetCount:
		return TierBronze
	default:
		return TierNone
	}
}

// Group is the unit of mutual exclusion for joins and closure.
type Group struct {
	ID               GroupID
	OrganizerID      ledger.UserID
	Title            string
	ServiceCategory  string
	Suburb           string
	ParticipantCount int
	TargetCount      int
	DiscountTier     Tier
	Status           Status
	Members          []ledger.UserID
	ExpiresAt        time.Time
	ActivatedAt      *time.Time
	ClosedAt         *time.Time
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasMember reports whether userID already belongs to the group.
func (group Group) HasMember(userID ledger.UserID) bool {
	for _, member := range group.Members {
		if member == userID {
			return true
		}
	}
	return false
}

// IsExpired reports whether the group window has elapsed at now.
func (group Group) IsExpired(now time.Time) bool {
	return !now.Before(group.ExpiresAt)
}

// Discount applies the current tier to price.
func (group Group) Discount(price ledger.Money) ledger.Money {
	return ledger.NewMoney(ledger.ApplyPercent(price.Amount, group.DiscountTier.Percent()), price.Currency)
}

// CreateRequest describes a new group. Zero TargetCount and Duration take the defaults.
type CreateRequest struct {
	OrganizerID     ledger.UserID
	Title           string
	ServiceCategory string
	Suburb          string
	TargetCount     int
	Duration        time.Duration
}
