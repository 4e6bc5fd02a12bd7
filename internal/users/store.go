package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errIdentityTaken   = errors.New("users: identity already linked")
)

// Store persists accounts, identities and account tokens.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a gorm handle whose schema includes Account, Identity and AccountToken.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	return &Store{db: db}, nil
}

// transaction runs fn against a Store bound to a single database transaction.
func (s *Store) transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// FindAccount loads an account and its identities.
func (s *Store) FindAccount(ctx context.Context, accountID string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Preload("Identities").
		Where("id = ?", accountID).
		Take(&account).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// FindAccountByEmail loads an account by its normalized email.
func (s *Store) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Preload("Identities").
		Where("email = ?", email).
		Take(&account).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (s *Store) findIdentity(ctx context.Context, provider, externalID string) (Identity, error) {
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND external_id = ?", provider, externalID).
		Take(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, errIdentityNotFound
	}
	if err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// createAccount inserts the account and, when present, its identity in one transaction.
func (s *Store) createAccount(ctx context.Context, account *Account, identity *Identity) error {
	return s.transaction(ctx, func(tx *Store) error {
		account.Identities = nil
		if err := tx.db.Create(account).Error; err != nil {
			return translateUniqueViolation(err)
		}
		if identity == nil {
			return nil
		}
		identity.AccountID = account.ID
		if err := tx.db.Create(identity).Error; err != nil {
			return translateUniqueViolation(err)
		}
		account.Identities = []Identity{*identity}
		return nil
	})
}

// updateAccount applies column updates; uniqueness is re-validated by the database at commit.
func (s *Store) updateAccount(ctx context.Context, accountID string, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", accountID).
		Updates(updates)
	if result.Error != nil {
		return translateUniqueViolation(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *Store) valueTaken(ctx context.Context, field Field, value, excludingAccountID string) (bool, error) {
	column, err := columnFor(field)
	if err != nil {
		return false, err
	}
	query := s.db.WithContext(ctx).Model(&Account{}).Where(column+" = ?", value)
	if excludingAccountID != "" {
		query = query.Where("id <> ?", excludingAccountID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// insertToken stores a new token and supersedes every unspent token of the same purpose.
func (s *Store) insertToken(ctx context.Context, token AccountToken, now time.Time) error {
	if err := s.supersedeTokens(ctx, token.AccountID, token.Purpose, now); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&token).Error
}

func (s *Store) supersedeTokens(ctx context.Context, accountID string, purpose TokenPurpose, now time.Time) error {
	return s.db.WithContext(ctx).
		Model(&AccountToken{}).
		Where("account_id = ? AND purpose = ? AND consumed_at IS NULL AND superseded_at IS NULL", accountID, purpose).
		Update("superseded_at", now).
		Error
}

// consumeToken marks the token spent. The conditional update lets exactly one
// concurrent redeemer win; every other caller observes ErrInvalidToken.
func (s *Store) consumeToken(ctx context.Context, tokenHash string, purpose TokenPurpose, now time.Time) (AccountToken, error) {
	var token AccountToken
	err := s.db.WithContext(ctx).
		Where("token_hash = ? AND purpose = ?", tokenHash, purpose).
		Take(&token).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AccountToken{}, ErrInvalidToken
	}
	if err != nil {
		return AccountToken{}, err
	}
	if token.ConsumedAt != nil || token.SupersededAt != nil {
		return AccountToken{}, ErrInvalidToken
	}
	if !now.Before(token.ExpiresAt) {
		return AccountToken{}, ErrExpiredToken
	}

	result := s.db.WithContext(ctx).
		Model(&AccountToken{}).
		Where("token_hash = ? AND consumed_at IS NULL AND superseded_at IS NULL", tokenHash).
		Update("consumed_at", now)
	if result.Error != nil {
		return AccountToken{}, result.Error
	}
	if result.RowsAffected == 0 {
		return AccountToken{}, ErrInvalidToken
	}
	token.ConsumedAt = &now
	return token, nil
}

func columnFor(field Field) (string, error) {
	switch field {
	case FieldUsername:
		return "username", nil
	case FieldEmail:
		return "email", nil
	default:
		return "", fmt.Errorf("users: unknown field %q", field)
	}
}

// translateUniqueViolation maps unique index failures onto the conflict taxonomy.
func translateUniqueViolation(err error) error {
	if err == nil {
		return nil
	}
	message := strings.ToLower(err.Error())
	if !errors.Is(err, gorm.ErrDuplicatedKey) &&
		!strings.Contains(message, "unique constraint") &&
		!strings.Contains(message, "duplicate key") {
		return err
	}
	switch {
	case strings.Contains(message, "identities."), strings.Contains(message, "idx_identities_"):
		return errIdentityTaken
	case strings.Contains(message, "accounts.username"), strings.Contains(message, "idx_accounts_username"):
		return &ConflictError{Field: FieldUsername}
	case strings.Contains(message, "accounts.email"), strings.Contains(message, "idx_accounts_email"):
		return &ConflictError{Field: FieldEmail}
	default:
		return err
	}
}
