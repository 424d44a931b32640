package booking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/gateway"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const conflictBackoff = 5 * time.Millisecond

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger ledger.OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithEventPublisher wires the publisher that receives committed booking events.
func WithEventPublisher(publisher ledger.EventPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithLocker replaces the in-process per-booking lock.
func WithLocker(locker ledger.Locker) ServiceOption {
	return func(service *Service) {
		if locker != nil {
			service.locker = locker
		}
	}
}

// WithGateway wires the mobile-money gateway used by InitiatePayment.
func WithGateway(paymentGateway gateway.Gateway) ServiceOption {
	return func(service *Service) {
		service.gateway = paymentGateway
	}
}

// WithOverpaymentTolerance accepts payments exceeding the outstanding balance by at most tolerance.
// The excess is never credited.
func WithOverpaymentTolerance(tolerance ledger.MinorUnits) ServiceOption {
	return func(service *Service) {
		if tolerance >= 0 {
			service.overpaymentTolerance = tolerance
		}
	}
}

// WithConflictRetries bounds how often a mutation is retried after losing an optimistic version check.
func WithConflictRetries(retries uint64) ServiceOption {
	return func(service *Service) {
		service.conflictRetries = retries
	}
}

// WithIDGenerator overrides booking id generation.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

// Service owns every booking state transition.
type Service struct {
	store                Store
	now                  ledger.Clock
	logger               ledger.OperationLogger
	publisher            ledger.EventPublisher
	locker               ledger.Locker
	gateway              gateway.Gateway
	overpaymentTolerance ledger.MinorUnits
	conflictRetries      uint64
	newID                func() string
}

// NewService wires a Service.
func NewService(store Store, now ledger.Clock, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		now:             now,
		locker:          ledger.NewKeyedLocker(),
		conflictRetries: defaultConflictRetries,
		newID:           uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CreateBooking opens a booking at an accepted price and computes what is due now.
func (service *Service) CreateBooking(ctx context.Context, providerID ledger.ProviderID, consumerID ledger.UserID, price ledger.Money, scheduledAt time.Time, plan PaymentPlan) (Booking, error) {
	booking, err := service.newBooking(providerID, consumerID, price, scheduledAt)
	if err == nil {
		err = applyPlan(&booking, price.Amount, plan)
	}
	if err == nil {
		err = service.store.CreateBooking(ctx, booking)
	}
	service.logOperation(ctx, operationCreateBooking, booking, price.Amount, "", err)
	if err != nil {
		return Booking{}, err
	}
	return booking, nil
}

// CreateQuote opens a booking whose price has not been accepted yet.
func (service *Service) CreateQuote(ctx context.Context, providerID ledger.ProviderID, consumerID ledger.UserID, quotedPrice ledger.Money, scheduledAt time.Time) (Booking, error) {
	booking, err := service.newBooking(providerID, consumerID, quotedPrice, scheduledAt)
	if err == nil {
		booking.Status = StatusQuoted
		err = service.store.CreateBooking(ctx, booking)
	}
	service.logOperation(ctx, operationCreateQuote, booking, quotedPrice.Amount, "", err)
	if err != nil {
		return Booking{}, err
	}
	return booking, nil
}

// AcceptQuote fixes the price and payment plan of a quoted booking.
func (service *Service) AcceptQuote(ctx context.Context, bookingID BookingID, acceptedPrice ledger.Money, plan PaymentPlan) (Booking, error) {
	booking, err := service.mutate(ctx, bookingID, func(_ context.Context, _ Store, booking *Booking) (changes, error) {
		if booking.Status != StatusQuoted {
			return changes{}, fmt.Errorf("%w: cannot accept quote in %s", ErrIllegalTransition, booking.Status)
		}
		if acceptedPrice.Currency != booking.Currency {
			return changes{}, fmt.Errorf("%w: quote in %s, accepted in %s", ledger.ErrCurrencyMismatch, booking.Currency, acceptedPrice.Currency)
		}
		if err := applyPlan(booking, acceptedPrice.Amount, plan); err != nil {
			return changes{}, err
		}
		return changes{dirty: true}, nil
	})
	service.logOperation(ctx, operationAcceptQuote, orID(booking, bookingID), acceptedPrice.Amount, "", err)
	return booking, err
}

// GetBooking returns the current booking state.
func (service *Service) GetBooking(ctx context.Context, bookingID BookingID) (Booking, error) {
	return service.store.GetBooking(ctx, bookingID)
}

// ListPayments returns the credited payments of a booking in arrival order.
func (service *Service) ListPayments(ctx context.Context, bookingID BookingID) ([]Payment, error) {
	if _, err := service.store.GetBooking(ctx, bookingID); err != nil {
		return nil, err
	}
	return service.store.ListPayments(ctx, bookingID)
}

// StartExecution moves a confirmed booking to in progress.
func (service *Service) StartExecution(ctx context.Context, bookingID BookingID) (Booking, error) {
	booking, err := service.mutate(ctx, bookingID, func(_ context.Context, _ Store, booking *Booking) (changes, error) {
		if booking.Status != StatusConfirmed {
			return changes{}, fmt.Errorf("%w: cannot start from %s", ErrIllegalTransition, booking.Status)
		}
		startedAt := service.now().UTC()
		booking.Status = StatusInProgress
		booking.ActualStart = &startedAt
		return changes{dirty: true}, nil
	})
	service.logOperation(ctx, operationStartExecution, orID(booking, bookingID), 0, "", err)
	return booking, err
}

// CompleteExecution moves an in-progress booking to completed and emits booking.completed.
func (service *Service) CompleteExecution(ctx context.Context, bookingID BookingID) (Booking, error) {
	booking, err := service.mutate(ctx, bookingID, func(_ context.Context, _ Store, booking *Booking) (changes, error) {
		if booking.Status != StatusInProgress {
			return changes{}, fmt.Errorf("%w: cannot complete from %s", ErrIllegalTransition, booking.Status)
		}
		endedAt := service.now().UTC()
		booking.Status = StatusCompleted
		booking.ActualEnd = &endedAt
		return changes{dirty: true, events: []ledger.Event{service.newEvent(TopicBookingCompleted, *booking, nil)}}, nil
	})
	service.logOperation(ctx, operationCompleteExecution, orID(booking, bookingID), 0, "", err)
	return booking, err
}

// Cancel cancels a booking that has not started.
func (service *Service) Cancel(ctx context.Context, bookingID BookingID, reason string) (Booking, error) {
	booking, err := service.mutate(ctx, bookingID, func(_ context.Context, _ Store, booking *Booking) (changes, error) {
		switch booking.Status {
		case StatusQuoted, StatusPendingPayment, StatusConfirmed:
		default:
			return changes{}, fmt.Errorf("%w: booking is %s", ErrCancellationNotAllowed, booking.Status)
		}
		fromStatus := booking.Status
		booking.Status = StatusCancelled
		booking.CancellationReason = reason
		booking.NextPaymentDue = nil
		event := service.newEvent(TopicBookingCancelled, *booking, map[string]string{
			AttributeFromStatus: fromStatus.String(),
			AttributeReason:     reason,
		})
		return changes{dirty: true, events: []ledger.Event{event}}, nil
	})
	service.logOperation(ctx, operationCancel, orID(booking, bookingID), 0, "", err)
	return booking, err
}

// OpenDispute interrupts a confirmed, running or completed booking and remembers its prior status.
func (service *Service) OpenDispute(ctx context.Context, bookingID BookingID, reason string) (Booking, error) {
	booking, err := service.mutate(ctx, bookingID, func(_ context.Context, _ Store, booking *Booking) (changes, error) {
		switch booking.Status {
		case StatusConfirmed, StatusInProgress, StatusCompleted:
		default:
			return changes{}, fmt.Errorf("%w: cannot dispute from %s", ErrIllegalTransition, booking.Status)
		}
		booking.Dispute = &Dispute{
			Reason:      reason,
			PriorStatus: booking.Status,
			OpenedAt:    service.now().UTC(),
		}
		booking.Status = StatusDisputed
		event := service.newEvent(TopicBookingDisputed, *booking, map[string]string{
			AttributeFromStatus: booking.Dispute.PriorStatus.String(),
			AttributeReason:     reason,
		})
		return changes{dirty: true, events: []ledger.Event{event}}, nil
	})
	service.logOperation(ctx, operationOpenDispute, orID(booking, bookingID), 0, "", err)
	return booking, err
}

// ResolveDispute closes an open dispute. With restore the booking returns to its prior status;
// otherwise the dispute is upheld and the booking stays disputed for good.
func (service *Service) ResolveDispute(ctx context.Context, bookingID BookingID, resolution string, restore bool) (Booking, error) {
	booking, err := service.mutate(ctx, bookingID, func(_ context.Context, _ Store, booking *Booking) (changes, error) {
		if booking.Status != StatusDisputed || booking.Dispute == nil || booking.Dispute.IsResolved() {
			return changes{}, fmt.Errorf("%w: no open dispute", ErrIllegalTransition)
		}
		resolvedAt := service.now().UTC()
		dispute := *booking.Dispute
		dispute.Resolution = resolution
		dispute.Restored = restore
		dispute.ResolvedAt = &resolvedAt
		booking.Dispute = &dispute
		if restore {
			booking.Status = dispute.PriorStatus
		}
		event := service.newEvent(TopicBookingDisputeResolved, *booking, map[string]string{
			AttributeFromStatus: dispute.PriorStatus.String(),
			AttributeUpheld:     strconv.FormatBool(!restore),
		})
		return changes{dirty: true, events: []ledger.Event{event}}, nil
	})
	service.logOperation(ctx, operationResolveDispute, orID(booking, bookingID), 0, "", err)
	return booking, err
}

type changes struct {
	dirty  bool
	events []ledger.Event
}

type mutation func(ctx context.Context, txStore Store, booking *Booking) (changes, error)

// mutate applies fn to the stored booking under the booking lock and a transaction,
// retrying when another writer bumped the version first. Events are published after commit.
func (service *Service) mutate(ctx context.Context, bookingID BookingID, fn mutation) (Booking, error) {
	unlock, err := service.locker.Lock(ctx, ledger.LockKey(ledger.LockScopeBooking, bookingID.String()))
	if err != nil {
		return Booking{}, err
	}
	defer unlock()

	var (
		result Booking
		events []ledger.Event
	)
	backoff := retry.WithMaxRetries(service.conflictRetries, retry.NewConstant(conflictBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		events = nil
		transactionError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			current, err := transactionStore.GetBooking(ctx, bookingID)
			if err != nil {
				return err
			}
			working := current
			outcome, err := fn(ctx, transactionStore, &working)
			if err != nil {
				return err
			}
			if !outcome.dirty {
				result = current
				return nil
			}
			working.Version = current.Version + 1
			working.UpdatedAt = service.now().UTC()
			if err := transactionStore.UpdateBooking(ctx, working, current.Version); err != nil {
				return err
			}
			result = working
			events = outcome.events
			return nil
		})
		if errors.Is(transactionError, ledger.ErrVersionConflict) {
			return retry.RetryableError(transactionError)
		}
		return transactionError
	})
	if err != nil {
		return Booking{}, err
	}
	service.publish(ctx, events)
	return result, nil
}

func (service *Service) newBooking(providerID ledger.ProviderID, consumerID ledger.UserID, price ledger.Money, scheduledAt time.Time) (Booking, error) {
	if providerID.String() == "" {
		return Booking{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidProviderID)
	}
	if consumerID.IsZero() {
		return Booking{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidUserID)
	}
	if _, err := ledger.ParseCurrency(price.Currency.String()); err != nil {
		return Booking{}, err
	}
	if !price.IsPositive() {
		return Booking{}, fmt.Errorf("%w: price must be positive", ErrInvalidPrice)
	}
	if scheduledAt.IsZero() {
		return Booking{}, fmt.Errorf("%w: scheduled time is required", ledger.ErrValidation)
	}
	bookingID, err := NewBookingID(service.newID())
	if err != nil {
		return Booking{}, err
	}
	createdAt := service.now().UTC()
	return Booking{
		ID:               bookingID,
		ProviderID:       providerID,
		ConsumerID:       consumerID,
		Currency:         price.Currency,
		QuotedPrice:      price.Amount,
		InstallmentCount: installmentCountFull,
		ScheduledAt:      scheduledAt.UTC(),
		Version:          1,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}, nil
}

// applyPlan fixes the accepted price and derives the amounts due under plan.
func applyPlan(booking *Booking, acceptedPrice ledger.MinorUnits, plan PaymentPlan) error {
	parsedPlan, err := ParsePaymentPlan(plan.String())
	if err != nil {
		return err
	}
	if acceptedPrice <= 0 {
		return fmt.Errorf("%w: accepted price must be positive", ErrInvalidPrice)
	}
	booking.AcceptedPrice = acceptedPrice
	booking.Plan = parsedPlan
	booking.InstallmentCount = parsedPlan.InstallmentCount()
	booking.PaidAmount = 0
	booking.NextPaymentDue = nil
	if parsedPlan == PlanInstallments {
		booking.AmountDueNow = ledger.ApplyPercent(acceptedPrice, downPaymentPercent)
		nextPaymentDue := booking.ScheduledAt.Add(balanceDueAfter)
		booking.NextPaymentDue = &nextPaymentDue
	} else {
		booking.AmountDueNow = acceptedPrice
	}
	booking.RemainingAmount = acceptedPrice - booking.AmountDueNow
	booking.Status = StatusPendingPayment
	return nil
}

func (service *Service) newEvent(topic string, booking Booking, attributes map[string]string) ledger.Event {
	merged := map[string]string{
		AttributeProviderID: booking.ProviderID.String(),
		AttributeConsumerID: booking.ConsumerID.String(),
	}
	for key, value := range attributes {
		merged[key] = value
	}
	return ledger.Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		AggregateID: booking.ID.String(),
		OccurredAt:  service.now().UTC(),
		Attributes:  merged,
	}
}

// publish runs after commit; a delivery failure is logged and does not undo the transition.
func (service *Service) publish(ctx context.Context, events []ledger.Event) {
	if service.publisher == nil || len(events) == 0 {
		return
	}
	if err := service.publisher.Publish(ctx, events...); err != nil {
		ledger.RecordOperation(ctx, service.logger, ledger.OperationLog{
			Operation: "publish_events",
			Subject:   logSubjectBooking,
			EntityID:  events[0].AggregateID,
			Reference: events[0].Topic,
			Error:     err,
		})
	}
}

func (service *Service) logOperation(ctx context.Context, operation string, booking Booking, amount ledger.MinorUnits, reference string, err error) {
	ledger.RecordOperation(ctx, service.logger, ledger.OperationLog{
		Operation: operation,
		Subject:   logSubjectBooking,
		EntityID:  booking.ID.String(),
		ActorID:   booking.ConsumerID.String(),
		Amount:    amount,
		Reference: reference,
		Error:     err,
	})
}

// orID keeps the booking id in log entries of failed mutations.
func orID(booking Booking, bookingID BookingID) Booking {
	if booking.ID.String() == "" {
		booking.ID = bookingID
	}
	return booking
}
