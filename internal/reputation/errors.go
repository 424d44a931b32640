package reputation

import "github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"

var (
	ErrInvalidRating       = ledger.NewKindError(ledger.ErrValidation, "rating must be between 1 and 5")
	ErrInvalidResponse     = ledger.NewKindError(ledger.ErrValidation, "response score must be between 0 and 1")
	ErrInvalidEvent        = ledger.NewKindError(ledger.ErrValidation, "invalid reputation event")
	ErrNotReviewer         = ledger.NewKindError(ledger.ErrValidation, "only the booking consumer may review")
	ErrProviderNotFound    = ledger.NewKindError(ledger.ErrNotFound, "provider not found")
	ErrBookingNotCompleted = ledger.NewKindError(ledger.ErrStateConflict, "booking is not completed")
	ErrAlreadyReviewed     = ledger.NewKindError(ledger.ErrStateConflict, "booking already reviewed")
	ErrProviderExists      = ledger.NewKindError(ledger.ErrStateConflict, "provider already exists")
)
