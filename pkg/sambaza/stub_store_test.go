package sambaza

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
)

var testNow = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

type stubStore struct {
	mutex              sync.Mutex
	groups             map[GroupID]Group
	members            map[GroupID]map[ledger.UserID]time.Time
	conflictsRemaining int
	updateCalls        int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		groups:  make(map[GroupID]Group),
		members: make(map[GroupID]map[ledger.UserID]time.Time),
	}
}

// WithTx records memberships added inside fn and discards them when fn fails.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	transaction := &stubTx{stubStore: store}
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, pending := range transaction.pending {
		store.members[pending.groupID][pending.member] = pending.joinedAt
	}
	return nil
}

type pendingMember struct {
	groupID  GroupID
	member   ledger.UserID
	joinedAt time.Time
}

type stubTx struct {
	*stubStore
	pending []pendingMember
}

func (transaction *stubTx) AddMember(_ context.Context, groupID GroupID, member ledger.UserID, joinedAt time.Time) error {
	transaction.mutex.Lock()
	defer transaction.mutex.Unlock()
	members, ok := transaction.members[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	if _, joined := members[member]; joined {
		return ErrAlreadyJoined
	}
	for _, pending := range transaction.pending {
		if pending.groupID == groupID && pending.member == member {
			return ErrAlreadyJoined
		}
	}
	transaction.pending = append(transaction.pending, pendingMember{groupID: groupID, member: member, joinedAt: joinedAt})
	return nil
}

func (store *stubStore) CreateGroup(_ context.Context, group Group) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.groups[group.ID]; exists {
		return ErrGroupExists
	}
	store.groups[group.ID] = group
	members := make(map[ledger.UserID]time.Time, len(group.Members))
	for _, member := range group.Members {
		members[member] = group.CreatedAt
	}
	store.members[group.ID] = members
	return nil
}

func (store *stubStore) GetGroup(_ context.Context, groupID GroupID) (Group, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	group, ok := store.groups[groupID]
	if !ok {
		return Group{}, ledger.WrapError("store", "group", "get", ErrGroupNotFound)
	}
	group.Members = append([]ledger.UserID(nil), group.Members...)
	return group, nil
}

func (store *stubStore) UpdateGroup(_ context.Context, group Group, expectedVersion int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.updateCalls++
	if store.conflictsRemaining > 0 {
		store.conflictsRemaining--
		return ledger.WrapError("store", "group", "update", ledger.ErrVersionConflict)
	}
	current, ok := store.groups[group.ID]
	if !ok {
		return ErrGroupNotFound
	}
	if current.Version != expectedVersion {
		return ledger.ErrVersionConflict
	}
	store.groups[group.ID] = group
	return nil
}

func (store *stubStore) AddMember(_ context.Context, groupID GroupID, member ledger.UserID, joinedAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	members, ok := store.members[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	if _, joined := members[member]; joined {
		return ErrAlreadyJoined
	}
	members[member] = joinedAt
	return nil
}

func (store *stubStore) ListGroups(_ context.Context, status *Status) ([]Group, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	groups := make([]Group, 0, len(store.groups))
	for _, group := range store.groups {
		if status != nil && group.Status != *status {
			continue
		}
		groups = append(groups, group)
	}
	sort.Slice(groups, func(left, right int) bool {
		return groups[left].ID.String() < groups[right].ID.String()
	})
	return groups, nil
}

func (store *stubStore) memberCount(groupID GroupID) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.members[groupID])
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []ledger.OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) find(operation string) []ledger.OperationLog {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	var matches []ledger.OperationLog
	for _, entry := range logger.entries {
		if entry.Operation == operation {
			matches = append(matches, entry)
		}
	}
	return matches
}

type recorderPublisher struct {
	mutex  sync.Mutex
	events []ledger.Event
}

func (publisher *recorderPublisher) Publish(_ context.Context, events ...ledger.Event) error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	publisher.events = append(publisher.events, events...)
	return nil
}

func (publisher *recorderPublisher) topics() []string {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	topics := make([]string, 0, len(publisher.events))
	for _, event := range publisher.events {
		topics = append(topics, event.Topic)
	}
	return topics
}

type recorderScheduler struct {
	mutex     sync.Mutex
	scheduled map[GroupID]time.Time
	err       error
}

func (scheduler *recorderScheduler) ScheduleClose(_ context.Context, groupID GroupID, at time.Time) error {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	if scheduler.err != nil {
		return scheduler.err
	}
	if scheduler.scheduled == nil {
		scheduler.scheduled = make(map[GroupID]time.Time)
	}
	scheduler.scheduled[groupID] = at
	return nil
}

// testClock is a settable clock shared between a test and its service.
type testClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (clock *testClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(duration)
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	sequence := 0
	var sequenceMutex sync.Mutex
	options = append([]ServiceOption{WithIDGenerator(func() string {
		sequenceMutex.Lock()
		defer sequenceMutex.Unlock()
		sequence++
		return fmt.Sprintf("group-%d", sequence)
	})}, options...)
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustCreateGroup(test *testing.T, service *Service, targetCount int) Group {
	test.Helper()
	group, err := service.Create(context.Background(), CreateRequest{
		OrganizerID:     mustUserID(test, "organizer"),
		Title:           "Kilimani deep clean",
		ServiceCategory: "cleaning",
		Suburb:          "Kilimani",
		TargetCount:     targetCount,
	})
	if err != nil {
		test.Fatalf("create group: %v", err)
	}
	return group
}

func mustJoin(test *testing.T, service *Service, groupID GroupID, rawUserID string) Group {
	test.Helper()
	group, err := service.Join(context.Background(), groupID, mustUserID(test, rawUserID))
	if err != nil {
		test.Fatalf("join %s: %v", rawUserID, err)
	}
	return group
}

func expectError(test *testing.T, err error, target error) {
	test.Helper()
	if !errors.Is(err, target) {
		test.Fatalf("expected %v, got %v", target, err)
	}
}
