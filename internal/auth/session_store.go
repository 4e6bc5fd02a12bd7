package auth

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrSessionNotFound indicates no session is stored for the account.
	ErrSessionNotFound = errors.New("auth: session not found")
	errMissingDatabase = errors.New("auth: database handle is required")
)

// SessionRecord is the authoritative server side state of one account session.
type SessionRecord struct {
	AccountID string    `gorm:"column:account_id;primaryKey;size:36;not null"`
	SessionID string    `gorm:"column:session_id;size:36;not null;uniqueIndex:idx_sessions_session_id"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing sessions.
func (SessionRecord) TableName() string {
	return "sessions"
}

// SessionStore persists at most one session per account.
type SessionStore interface {
	Get(ctx context.Context, accountID string) (SessionRecord, error)
	Put(ctx context.Context, record SessionRecord) error
	// Delete removes the account session when sessionID matches, or any session when sessionID is empty.
	Delete(ctx context.Context, accountID, sessionID string) (bool, error)
}

// DatabaseSessionStore keeps sessions in the relational store.
type DatabaseSessionStore struct {
	db *gorm.DB
}

// NewDatabaseSessionStore wraps a gorm handle whose schema includes SessionRecord.
func NewDatabaseSessionStore(db *gorm.DB) (*DatabaseSessionStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &DatabaseSessionStore{db: db}, nil
}

func (s *DatabaseSessionStore) Get(ctx context.Context, accountID string) (SessionRecord, error) {
	var record SessionRecord
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRecord{}, err
	}
	return record, nil
}

func (s *DatabaseSessionStore) Put(ctx context.Context, record SessionRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_id", "expires_at", "updated_at"}),
	}).Create(&record).Error
}

func (s *DatabaseSessionStore) Delete(ctx context.Context, accountID, sessionID string) (bool, error) {
	query := s.db.WithContext(ctx).Where("account_id = ?", accountID)
	if sessionID != "" {
		query = query.Where("session_id = ?", sessionID)
	}
	result := query.Delete(&SessionRecord{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
