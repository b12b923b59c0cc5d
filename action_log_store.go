package main

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ActionLabel classifies a recorded user action: a login or a misbehavior
// signal (spam, timeout).
type ActionLabel string

const (
	ActionLabelMisbehaviorSpam    ActionLabel = "misbehavior_spam"
	ActionLabelMisbehaviorTimeout ActionLabel = "misbehavior_timeout"
	ActionLabelLogin              ActionLabel = "login"
)

// UserActionLog is an audit trail entry keyed by wallet address, used to
// build a history of notable participant behavior independent of the
// channel and ledger tables themselves.
type UserActionLog struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	UserID    string      `gorm:"column:user_id;type:varchar(255);not null;index" json:"user_id"`
	Label     ActionLabel `gorm:"column:label;type:varchar(255);not null" json:"label"`
	Metadata  []byte      `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
	CreatedAt time.Time   `gorm:"column:created_at" json:"created_at"`
}

func (UserActionLog) TableName() string {
	return "user_action_logs"
}

// Store persists and queries UserActionLog entries.
type Store interface {
	Store(ctx context.Context, userID string, label ActionLabel, metadata []byte) error
	List(ctx context.Context, userID *string, label *ActionLabel, options *ListOptions) ([]UserActionLog, error)
	Count(ctx context.Context, userID *string, label *ActionLabel) (int64, error)
}

type ActionLogStore struct {
	db *gorm.DB
}

func NewActionLogStore(db *gorm.DB) *ActionLogStore {
	return &ActionLogStore{db: db}
}

// Store records a single action for userID.
func (s *ActionLogStore) Store(ctx context.Context, userID string, label ActionLabel, metadata []byte) error {
	return s.db.WithContext(ctx).Create(&UserActionLog{
		UserID:   userID,
		Label:    label,
		Metadata: metadata,
	}).Error
}

// List returns action log entries newest-first, optionally filtered by
// userID and/or label and paginated by options.
func (s *ActionLogStore) List(ctx context.Context, userID *string, label *ActionLabel, options *ListOptions) ([]UserActionLog, error) {
	query := filterActionLogs(applyListOptions(s.db.WithContext(ctx), "created_at", SortTypeDescending, options), userID, label)

	var logs []UserActionLog
	err := query.Find(&logs).Error
	return logs, err
}

// Count returns the number of action log entries matching the same filters
// List accepts, ignoring pagination.
func (s *ActionLogStore) Count(ctx context.Context, userID *string, label *ActionLabel) (int64, error) {
	query := filterActionLogs(s.db.WithContext(ctx).Model(&UserActionLog{}), userID, label)

	var count int64
	err := query.Count(&count).Error
	return count, err
}

// filterActionLogs applies the optional userID/label equality filters
// shared by List and Count.
func filterActionLogs(query *gorm.DB, userID *string, label *ActionLabel) *gorm.DB {
	if userID != nil {
		query = query.Where("user_id = ?", *userID)
	}
	if label != nil {
		query = query.Where("label = ?", *label)
	}
	return query
}
