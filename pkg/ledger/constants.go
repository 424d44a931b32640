package ledger

const (
	lockKeyDelimiter = ":"

	LockScopeBooking  = "booking"
	LockScopeGroup    = "sambaza"
	LockScopeProvider = "provider"
)

// LockKey builds the mutual-exclusion key for one entity.
func LockKey(scope string, id string) string {
	return scope + lockKeyDelimiter + id
}
