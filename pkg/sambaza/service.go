// Package sambaza runs group-buy pools whose discount tier grows with the number of joiners.
package sambaza

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const (
	operationCreate = "sambaza_create"
	operationJoin   = "sambaza_join"
	operationClose  = "sambaza_close"
	logSubjectGroup = "group"

	defaultTargetCount     = 10
	defaultDuration        = 7 * 24 * time.Hour
	defaultConflictRetries = 5
	conflictBackoff        = 5 * time.Millisecond

	TopicGroupActivated = "sambaza.activated"
	TopicGroupClosed    = "sambaza.closed"

	AttributeTier             = "tier"
	AttributeParticipantCount = "participant_count"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger ledger.OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithEventPublisher wires the publisher that receives committed group events.
func WithEventPublisher(publisher ledger.EventPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithLocker replaces the in-process per-group lock.
func WithLocker(locker ledger.Locker) ServiceOption {
	return func(service *Service) {
		if locker != nil {
			service.locker = locker
		}
	}
}

// WithExpiryScheduler closes groups at expiry instead of waiting for the next join.
func WithExpiryScheduler(scheduler ExpiryScheduler) ServiceOption {
	return func(service *Service) {
		service.scheduler = scheduler
	}
}

// WithConflictRetries bounds retries after losing an optimistic version check.
func WithConflictRetries(retries uint64) ServiceOption {
	return func(service *Service) {
		service.conflictRetries = retries
	}
}

// WithIDGenerator overrides group id generation.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

// Service manages group creation, joins and closure.
type Service struct {
	store           Store
	now             ledger.Clock
	logger          ledger.OperationLogger
	publisher       ledger.EventPublisher
	locker          ledger.Locker
	scheduler       ExpiryScheduler
	conflictRetries uint64
	newID           func() string
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

// Create opens a forming group with the organizer as its first participant.
func (service *Service) Create(ctx context.Context, request CreateRequest) (Group, error) {
	group, err := service.create(ctx, request)
	service.logOperation(ctx, operationCreate, group, request.OrganizerID, err)
	return group, err
}

func (service *Service) create(ctx context.Context, request CreateRequest) (Group, error) {
	if request.OrganizerID.IsZero() {
		return Group{}, fmt.Errorf("%w: empty organizer", ledger.ErrInvalidUserID)
	}
	title := strings.TrimSpace(request.Title)
	if title == "" {
		return Group{}, fmt.Errorf("%w: title is required", ErrInvalidGroup)
	}
	targetCount := request.TargetCount
	if targetCount == 0 {
		targetCount = defaultTargetCount
	}
	if targetCount < 2 {
		return Group{}, fmt.Errorf("%w: target count must be at least 2", ErrInvalidGroup)
	}
	duration := request.Duration
	if duration == 0 {
		duration = defaultDuration
	}
	if duration < 0 {
		return Group{}, fmt.Errorf("%w: duration must be positive", ErrInvalidGroup)
	}
	groupID, err := NewGroupID(service.newID())
	if err != nil {
		return Group{}, err
	}
	createdAt := service.now().UTC()
	group := Group{
		ID:               groupID,
		OrganizerID:      request.OrganizerID,
		Title:            title,
		ServiceCategory:  strings.TrimSpace(request.ServiceCategory),
		Suburb:           strings.TrimSpace(request.Suburb),
		ParticipantCount: 1,
		TargetCount:      targetCount,
		Status:           StatusForming,
		Members:          []ledger.UserID{request.OrganizerID},
		ExpiresAt:        createdAt.Add(duration),
		Version:          1,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
	group.DiscountTier = TierFor(group.ParticipantCount, group.TargetCount)
	if err := service.store.CreateGroup(ctx, group); err != nil {
		return Group{}, err
	}
	if service.scheduler != nil {
		if err := service.scheduler.ScheduleClose(ctx, group.ID, group.ExpiresAt); err != nil {
			// Joins close the group lazily once it has expired, so this is not fatal.
			ledger.RecordOperation(ctx, service.logger, ledger.OperationLog{
				Operation: "schedule_close",
				Subject:   logSubjectGroup,
				EntityID:  group.ID.String(),
				Error:     err,
			})
		}
	}
	return group, nil
}

// Get returns the current group state.
func (service *Service) Get(ctx context.Context, groupID GroupID) (Group, error) {
	return service.store.GetGroup(ctx, groupID)
}

// List returns groups in status, or all groups when status is nil.
func (service *Service) List(ctx context.Context, status *Status) ([]Group, error) {
	return service.store.ListGroups(ctx, status)
}

// Join adds userID to the group, incrementing the participant count by exactly one
// and recomputing the tier from the new ratio.
func (service *Service) Join(ctx context.Context, groupID GroupID, userID ledger.UserID) (Group, error) {
	group, err := service.join(ctx, groupID, userID)
	if group.ID.String() == "" {
		group.ID = groupID
	}
	service.logOperation(ctx, operationJoin, group, userID, err)
	return group, err
}

func (service *Service) join(ctx context.Context, groupID GroupID, userID ledger.UserID) (Group, error) {
	if userID.IsZero() {
		return Group{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidUserID)
	}
	return service.mutate(ctx, groupID, func(ctx context.Context, transactionStore Store, group *Group) (outcome, error) {
		now := service.now().UTC()
		if group.Status == StatusClosed {
			return outcome{}, fmt.Errorf("%w: closed at %v", ErrGroupClosed, group.ClosedAt)
		}
		if group.IsExpired(now) {
			closeGroup(group, now)
			event := service.newEvent(TopicGroupClosed, *group)
			return outcome{dirty: true, events: []ledger.Event{event}, failure: fmt.Errorf("%w: expired at %s", ErrGroupClosed, group.ExpiresAt.Format(time.RFC3339))}, nil
		}
		if group.HasMember(userID) {
			return outcome{}, ErrAlreadyJoined
		}
		if err := transactionStore.AddMember(ctx, group.ID, userID, now); err != nil {
			return outcome{}, err
		}
		group.Members = append(append([]ledger.UserID(nil), group.Members...), userID)
		group.ParticipantCount++
		if group.ParticipantCount != len(group.Members) {
			return outcome{}, fmt.Errorf("%w: count=%d members=%d", ErrCounterInvariant, group.ParticipantCount, len(group.Members))
		}
		group.DiscountTier = TierFor(group.ParticipantCount, group.TargetCount)
		var events []ledger.Event
		if group.Status == StatusForming && group.DiscountTier == TierGold {
			group.Status = StatusActive
			group.ActivatedAt = &now
			events = append(events, service.newEvent(TopicGroupActivated, *group))
		}
		return outcome{dirty: true, events: events}, nil
	})
}

// Close closes the group. Closing a closed group is a no-op.
func (service *Service) Close(ctx context.Context, groupID GroupID) (Group, error) {
	group, err := service.mutate(ctx, groupID, func(_ context.Context, _ Store, group *Group) (outcome, error) {
		if group.Status == StatusClosed {
			return outcome{}, nil
		}
		closeGroup(group, service.now().UTC())
		return outcome{dirty: true, events: []ledger.Event{service.newEvent(TopicGroupClosed, *group)}}, nil
	})
	if group.ID.String() == "" {
		group.ID = groupID
	}
	service.logOperation(ctx, operationClose, group, ledger.UserID{}, err)
	return group, err
}

func closeGroup(group *Group, now time.Time) {
	group.Status = StatusClosed
	group.ClosedAt = &now
}

type outcome struct {
	dirty  bool
	events []ledger.Event
	// failure is returned to the caller after the changes commit.
	failure error
}

type mutation func(ctx context.Context, txStore Store, group *Group) (outcome, error)

func (service *Service) mutate(ctx context.Context, groupID GroupID, fn mutation) (Group, error) {
	unlock, err := service.locker.Lock(ctx, ledger.LockKey(ledger.LockScopeGroup, groupID.String()))
	if err != nil {
		return Group{}, err
	}
	defer unlock()

	var (
		result  Group
		applied outcome
	)
	backoff := retry.WithMaxRetries(service.conflictRetries, retry.NewConstant(conflictBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		applied = outcome{}
		transactionError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			current, err := transactionStore.GetGroup(ctx, groupID)
			if err != nil {
				return err
			}
			working := current
			changes, err := fn(ctx, transactionStore, &working)
			if err != nil {
				return err
			}
			if !changes.dirty {
				result = current
				applied = changes
				return nil
			}
			working.Version = current.Version + 1
			working.UpdatedAt = service.now().UTC()
			if err := transactionStore.UpdateGroup(ctx, working, current.Version); err != nil {
				return err
			}
			result = working
			applied = changes
			return nil
		})
		if errors.Is(transactionError, ledger.ErrVersionConflict) {
			return retry.RetryableError(transactionError)
		}
		return transactionError
	})
	if err != nil {
		return Group{}, err
	}
	service.publish(ctx, applied.events)
	if applied.failure != nil {
		return result, applied.failure
	}
	return result, nil
}

func (service *Service) newEvent(topic string, group Group) ledger.Event {
	return ledger.Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		AggregateID: group.ID.String(),
		OccurredAt:  service.now().UTC(),
		Attributes: map[string]string{
			AttributeTier:             group.DiscountTier.String(),
			AttributeParticipantCount: fmt.Sprintf("%d", group.ParticipantCount),
		},
	}
}

func (service *Service) publish(ctx context.Context, events []ledger.Event) {
	if service.publisher == nil || len(events) == 0 {
		return
	}
	if err := service.publisher.Publish(ctx, events...); err != nil {
		ledger.RecordOperation(ctx, service.logger, ledger.OperationLog{
			Operation: "publish_events",
			Subject:   logSubjectGroup,
			EntityID:  events[0].AggregateID,
			Reference: events[0].Topic,
			Error:     err,
		})
	}
}

func (service *Service) logOperation(ctx context.Context, operation string, group Group, actorID ledger.UserID, err error) {
	ledger.RecordOperation(ctx, service.logger, ledger.OperationLog{
		Operation: operation,
		Subject:   logSubjectGroup,
		EntityID:  group.ID.String(),
		ActorID:   actorID.String(),
		Error:     err,
	})
}
