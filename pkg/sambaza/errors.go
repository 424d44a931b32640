package sambaza

import "github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"

// Group-buy errors.
var (
	ErrInvalidGroupID   = ledger.NewKindError(ledger.ErrValidation, "invalid group id")
	ErrInvalidStatus    = ledger.NewKindError(ledger.ErrValidation, "invalid group status")
	ErrInvalidGroup     = ledger.NewKindError(ledger.ErrValidation, "invalid group")
	ErrGroupNotFound    = ledger.NewKindError(ledger.ErrNotFound, "group not found")
	ErrGroupClosed      = ledger.NewKindError(ledger.ErrStateConflict, "group closed")
	ErrAlreadyJoined    = ledger.NewKindError(ledger.ErrStateConflict, "already joined")
	ErrGroupExists      = ledger.NewKindError(ledger.ErrStateConflict, "group already exists")
	ErrCounterInvariant = ledger.NewKindError(ledger.ErrInvariantViolation, "participant count does not match members")
)
