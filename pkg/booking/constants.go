package booking

import "time"

const (
	operationCreateBooking     = "create_booking"
	operationCreateQuote       = "create_quote"
	operationAcceptQuote       = "accept_quote"
	operationRecordPayment     = "record_payment"
	operationInitiatePayment   = "initiate_payment"
	operationPaymentResult     = "payment_result"
	operationStartExecution    = "start_execution"
	operationCompleteExecution = "complete_execution"
	operationCancel            = "cancel"
	operationOpenDispute       = "open_dispute"
	operationResolveDispute    = "resolve_dispute"

	logSubjectBooking = "booking"
	logStatusNoop     = "noop"

	installmentCountFull  = 1
	installmentCountSplit = 2
	downPaymentPercent    = 70
	balanceDueAfter       = 30 * 24 * time.Hour

	defaultConflictRetries = 5
)

// Event topics published by the booking ledger.
const (
	TopicBookingConfirmed       = "booking.confirmed"
	TopicBookingCompleted       = "booking.completed"
	TopicBookingCancelled       = "booking.cancelled"
	TopicBookingDisputed        = "booking.disputed"
	TopicBookingDisputeResolved = "booking.dispute_resolved"
)

// Event attribute names.
const (
	AttributeProviderID = "provider_id"
	AttributeConsumerID = "consumer_id"
	AttributeFromStatus = "from_status"
	AttributeUpheld     = "upheld"
	AttributeReason     = "reason"
)
