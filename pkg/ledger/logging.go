package ledger

import "context"

const (
	OperationStatusOK    = "ok"
	OperationStatusError = "error"
)

// OperationLogger records domain-level events emitted by service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing operation.
type OperationLog struct {
	Operation string
	Subject   string
	EntityID  string
	ActorID   string
	Amount    MinorUnits
	Reference string
	Status    string
	Error     error
}

// RecordOperation fills the status from the error and forwards the entry to logger.
func RecordOperation(ctx context.Context, logger OperationLogger, entry OperationLog) {
	if logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	logger.LogOperation(ctx, entry)
}
