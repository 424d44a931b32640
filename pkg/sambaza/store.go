package sambaza

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
)

// Store persists groups and their members.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// CreateGroup stores group and its initial members.
	CreateGroup(ctx context.Context, group Group) error
	GetGroup(ctx context.Context, groupID GroupID) (Group, error)
	// UpdateGroup writes counters and status if the stored version equals expectedVersion.
	UpdateGroup(ctx context.Context, group Group, expectedVersion int64) error
	// AddMember reports ErrAlreadyJoined when the membership exists.
	AddMember(ctx context.Context, groupID GroupID, member ledger.UserID, joinedAt time.Time) error
	// ListGroups returns groups, newest first; a nil status lists all.
	ListGroups(ctx context.Context, status *Status) ([]Group, error)
}

// ExpiryScheduler arranges for a group to be closed at its expiry time.
type ExpiryScheduler interface {
	ScheduleClose(ctx context.Context, groupID GroupID, at time.Time) error
}
