package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/sambaza"
	"gorm.io/gorm"
)

// GroupStore implements sambaza.Store using GORM.
type GroupStore struct {
	db *gorm.DB
}

// NewGroupStore returns a GroupStore backed by gorm.DB.
func NewGroupStore(db *gorm.DB) *GroupStore {
	return &GroupStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *GroupStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore sambaza.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &GroupStore{db: transaction})
	})
}

func (store *GroupStore) CreateGroup(ctx context.Context, group sambaza.Group) error {
	record := groupRecordFrom(group)
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		err := transaction.Create(&record).Error
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectGroup, errorCodeDuplicate, sambaza.ErrGroupExists)
		}
		if err != nil {
			return wrapTransient(errorSubjectGroup, errorCodeCreate, err)
		}
		if len(group.Members) == 0 {
			return nil
		}
		members := make([]GroupMemberRecord, 0, len(group.Members))
		for _, member := range group.Members {
			members = append(members, GroupMemberRecord{GroupID: record.GroupID, UserID: member.String(), JoinedAt: record.CreatedAt})
		}
		if err := transaction.Create(&members).Error; err != nil {
			if isUniqueViolation(err) {
				return wrapStoreError(errorSubjectMember, errorCodeDuplicate, sambaza.ErrAlreadyJoined)
			}
			return wrapTransient(errorSubjectMember, errorCodeInsert, err)
		}
		return nil
	})
}

func (store *GroupStore) GetGroup(ctx context.Context, groupID sambaza.GroupID) (sambaza.Group, error) {
	var record GroupRecord
	err := store.db.WithContext(ctx).
		Clauses(forUpdate()).
		Where("group_id = ?", groupID.String()).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sambaza.Group{}, wrapStoreError(errorSubjectGroup, errorCodeGet, sambaza.ErrGroupNotFound)
		}
		return sambaza.Group{}, wrapTransient(errorSubjectGroup, errorCodeGet, err)
	}
	members, err := store.loadMembers(ctx, []string{record.GroupID})
	if err != nil {
		return sambaza.Group{}, err
	}
	group, err := mapGroupRecord(record, members[record.GroupID])
	if err != nil {
		return sambaza.Group{}, wrapStoreError(errorSubjectGroup, errorCodeInvalid, err)
	}
	return group, nil
}

func (store *GroupStore) UpdateGroup(ctx context.Context, group sambaza.Group, expectedVersion int64) error {
	record := groupRecordFrom(group)
	result := store.db.WithContext(ctx).
		Model(&GroupRecord{}).
		Where("group_id = ? AND version = ?", record.GroupID, expectedVersion).
		Select("participant_count", "discount_tier", "status", "activated_at", "closed_at", "version", "updated_at").
		Updates(&record)
	if result.Error != nil {
		return wrapTransient(errorSubjectGroup, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return explainNoRows(ctx, store.db, &GroupRecord{}, "group_id = ?", record.GroupID, errorSubjectGroup, sambaza.ErrGroupNotFound)
	}
	return nil
}

func (store *GroupStore) AddMember(ctx context.Context, groupID sambaza.GroupID, member ledger.UserID, joinedAt time.Time) error {
	var count int64
	if err := store.db.WithContext(ctx).Model(&GroupRecord{}).Where("group_id = ?", groupID.String()).Count(&count).Error; err != nil {
		return wrapTransient(errorSubjectGroup, errorCodeLookup, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectMember, errorCodeInsert, sambaza.ErrGroupNotFound)
	}
	record := GroupMemberRecord{GroupID: groupID.String(), UserID: member.String(), JoinedAt: joinedAt.UTC()}
	err := store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectMember, errorCodeDuplicate, sambaza.ErrAlreadyJoined)
	}
	if err != nil {
		return wrapTransient(errorSubjectMember, errorCodeInsert, err)
	}
	return nil
}

func (store *GroupStore) ListGroups(ctx context.Context, status *sambaza.Status) ([]sambaza.Group, error) {
	query := store.db.WithContext(ctx).Model(&GroupRecord{})
	if status != nil {
		query = query.Where("status = ?", status.String())
	}
	var rows []GroupRecord
	if err := query.Order("created_at DESC").Order("group_id ASC").Find(&rows).Error; err != nil {
		return nil, wrapTransient(errorSubjectGroup, errorCodeList, err)
	}
	groupIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		groupIDs = append(groupIDs, row.GroupID)
	}
	members, err := store.loadMembers(ctx, groupIDs)
	if err != nil {
		return nil, err
	}
	groups := make([]sambaza.Group, 0, len(rows))
	for _, row := range rows {
		group, err := mapGroupRecord(row, members[row.GroupID])
		if err != nil {
			return nil, wrapStoreError(errorSubjectGroup, errorCodeInvalid, err)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// loadMembers returns the members of each group in join order.
func (store *GroupStore) loadMembers(ctx context.Context, groupIDs []string) (map[string][]GroupMemberRecord, error) {
	members := make(map[string][]GroupMemberRecord, len(groupIDs))
	if len(groupIDs) == 0 {
		return members, nil
	}
	var rows []GroupMemberRecord
	err := store.db.WithContext(ctx).
		Where("group_id IN ?", groupIDs).
		Order("joined_at ASC").
		Order("user_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapTransient(errorSubjectMember, errorCodeList, err)
	}
	for _, row := range rows {
		members[row.GroupID] = append(members[row.GroupID], row)
	}
	return members, nil
}

func groupRecordFrom(group sambaza.Group) GroupRecord {
	return GroupRecord{
		GroupID:          group.ID.String(),
		OrganizerID:      group.OrganizerID.String(),
		Title:            group.Title,
		ServiceCategory:  group.ServiceCategory,
		Suburb:           group.Suburb,
		ParticipantCount: group.ParticipantCount,
		TargetCount:      group.TargetCount,
		DiscountTier:     int(group.DiscountTier),
		Status:           group.Status.String(),
		ExpiresAt:        group.ExpiresAt.UTC(),
		ActivatedAt:      utcPointer(group.ActivatedAt),
		ClosedAt:         utcPointer(group.ClosedAt),
		Version:          group.Version,
		CreatedAt:        group.CreatedAt.UTC(),
		UpdatedAt:        group.UpdatedAt.UTC(),
	}
}

func mapGroupRecord(record GroupRecord, memberRows []GroupMemberRecord) (sambaza.Group, error) {
	groupID, err := sambaza.NewGroupID(record.GroupID)
	if err != nil {
		return sambaza.Group{}, err
	}
	organizerID, err := ledger.NewUserID(record.OrganizerID)
	if err != nil {
		return sambaza.Group{}, err
	}
	status, err := sambaza.ParseStatus(record.Status)
	if err != nil {
		return sambaza.Group{}, err
	}
	members := make([]ledger.UserID, 0, len(memberRows))
	for _, row := range memberRows {
		member, err := ledger.NewUserID(row.UserID)
		if err != nil {
			return sambaza.Group{}, err
		}
		members = append(members, member)
	}
	return sambaza.Group{
		ID:               groupID,
		OrganizerID:      organizerID,
		Title:            record.Title,
		ServiceCategory:  record.ServiceCategory,
		Suburb:           record.Suburb,
		ParticipantCount: record.ParticipantCount,
		TargetCount:      record.TargetCount,
		DiscountTier:     sambaza.Tier(record.DiscountTier),
		Status:           status,
		Members:          members,
		ExpiresAt:        record.ExpiresAt.UTC(),
		ActivatedAt:      utcPointer(record.ActivatedAt),
		ClosedAt:         utcPointer(record.ClosedAt),
		Version:          record.Version,
		CreatedAt:        record.CreatedAt.UTC(),
		UpdatedAt:        record.UpdatedAt.UTC(),
	}, nil
}
