package users

import (
	"regexp"
	"strings"
	"time"
)

var providerTagPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]{0,31}$`)

// SignupState tracks where an account is in the signup completion flow.
type SignupState string

const (
	// SignupStateAwaitingInput means synthesized values must be reviewed before the account is usable.
	SignupStateAwaitingInput SignupState = "awaiting_input"
	// SignupStateAwaitingCollisionResolution means the last submission collided with another account.
	SignupStateAwaitingCollisionResolution SignupState = "awaiting_collision_resolution"
	// SignupStateAwaitingConfirmation means a confirmation token was issued and not yet redeemed.
	SignupStateAwaitingConfirmation SignupState = "awaiting_confirmation"
	// SignupStateComplete means the account passed every signup gate.
	SignupStateComplete SignupState = "complete"
)

// Field names an account attribute guarded by a uniqueness constraint.
type Field string

const (
	FieldUsername Field = "username"
	FieldEmail    Field = "email"
)

// Account is the canonical record for one person.
type Account struct {
	ID              string      `gorm:"column:id;primaryKey;size:36;not null"`
	Username        string      `gorm:"column:username;size:60;not null;uniqueIndex:idx_accounts_username"`
	Email           string      `gorm:"column:email;size:320;not null;uniqueIndex:idx_accounts_email"`
	EmailConfirmed  bool        `gorm:"column:email_confirmed;not null;default:false"`
	ConfirmedAt     *time.Time  `gorm:"column:confirmed_at"`
	PasswordHash    string      `gorm:"column:password_hash;size:100;not null;default:''"`
	SignupState     SignupState `gorm:"column:signup_state;size:32;not null"`
	TermsAcceptedAt *time.Time  `gorm:"column:terms_accepted_at"`
	CreatedAt       time.Time   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time   `gorm:"column:updated_at;autoUpdateTime"`
	Identities      []Identity  `gorm:"foreignKey:AccountID;references:ID"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// HasPassword reports whether the account can sign in with a password.
func (a Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// HasProviderLink reports whether at least one provider identity is linked.
func (a Account) HasProviderLink() bool {
	return len(a.Identities) > 0
}

// HasPlaceholderEmail reports whether the email was synthesized for a provider login.
func (a Account) HasPlaceholderEmail() bool {
	return IsPlaceholderEmail(a.Email)
}

// Identity links one provider-scoped external account to exactly one Account.
type Identity struct {
	ID         string    `gorm:"column:id;primaryKey;size:36;not null"`
	Provider   string    `gorm:"column:provider;size:32;not null;uniqueIndex:idx_identities_provider_external,priority:1;uniqueIndex:idx_identities_account_provider,priority:2"`
	ExternalID string    `gorm:"column:external_id;size:190;not null;uniqueIndex:idx_identities_provider_external,priority:2"`
	AccountID  string    `gorm:"column:account_id;size:36;not null;uniqueIndex:idx_identities_account_provider,priority:1"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing provider identities.
func (Identity) TableName() string {
	return "identities"
}

// TokenPurpose separates confirmation tokens from password reset tokens.
type TokenPurpose string

const (
	TokenPurposeConfirmation  TokenPurpose = "confirmation"
	TokenPurposePasswordReset TokenPurpose = "password_reset"
)

// AccountToken stores the hash of a single-use token mailed to an account.
type AccountToken struct {
	TokenHash    string       `gorm:"column:token_hash;primaryKey;size:64;not null"`
	AccountID    string       `gorm:"column:account_id;size:36;not null;index:idx_account_tokens_account_purpose,priority:1"`
	Purpose      TokenPurpose `gorm:"column:purpose;size:32;not null;index:idx_account_tokens_account_purpose,priority:2"`
	Email        string       `gorm:"column:email;size:320;not null"`
	ExpiresAt    time.Time    `gorm:"column:expires_at;not null"`
	ConsumedAt   *time.Time   `gorm:"column:consumed_at"`
	SupersededAt *time.Time   `gorm:"column:superseded_at"`
	CreatedAt    time.Time    `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing account tokens.
func (AccountToken) TableName() string {
	return "account_tokens"
}

// ProfileClaims is the claim set a provider returns after its own handshake.
type ProfileClaims struct {
	Provider      string
	ExternalID    string
	DisplayName   string
	Email         string
	VerifiedEmail bool
}

func (c ProfileClaims) normalized() ProfileClaims {
	return ProfileClaims{
		Provider:      NormalizeProvider(c.Provider),
		ExternalID:    normalize(c.ExternalID),
		DisplayName:   normalize(c.DisplayName),
		Email:         normalize(c.Email),
		VerifiedEmail: c.VerifiedEmail,
	}
}

func (c ProfileClaims) validate() error {
	if !providerTagPattern.MatchString(c.Provider) {
		return ErrInvalidProviderResponse
	}
	if c.ExternalID == "" || len(c.ExternalID) > 190 {
		return ErrInvalidProviderResponse
	}
	return nil
}

// NormalizeProvider canonicalizes a provider tag.
func NormalizeProvider(provider string) string {
	return strings.ToLower(normalize(provider))
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
