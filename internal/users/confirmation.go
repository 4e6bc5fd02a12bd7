package users

import (
	"context"
	"errors"
	"time"
)

const defaultConfirmationTTL = 72 * time.Hour

// ConfirmationGateConfig describes the dependencies of the confirmation gate.
type ConfirmationGateConfig struct {
	Store    *Store
	Clock    func() time.Time
	TokenTTL time.Duration
}

// ConfirmationGate tracks proof of email ownership and decides when a session may be granted.
type ConfirmationGate struct {
	store *Store
	now   func() time.Time
	ttl   time.Duration
}

// NewConfirmationGate constructs a gate issuing tokens valid for cfg.TokenTTL.
func NewConfirmationGate(cfg ConfirmationGateConfig) (*ConfirmationGate, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultConfirmationTTL
	}
	return &ConfirmationGate{store: cfg.Store, now: clock, ttl: ttl}, nil
}

// IsConfirmed reports whether the account proved ownership of a real email.
func (g *ConfirmationGate) IsConfirmed(account Account) bool {
	return account.EmailConfirmed && !account.HasPlaceholderEmail()
}

// Passes reports whether a session may be established for the account.
func (g *ConfirmationGate) Passes(account Account) bool {
	return g.IsConfirmed(account) && account.SignupState == SignupStateComplete
}

// issue stores a fresh confirmation token for the account's current email, superseding older ones.
func (g *ConfirmationGate) issue(ctx context.Context, store *Store, account Account) (string, error) {
	return issueAccountToken(ctx, store, account, TokenPurposeConfirmation, g.now().UTC(), g.ttl)
}

// Confirm redeems a confirmation token, marks the email confirmed and completes the signup.
func (g *ConfirmationGate) Confirm(ctx context.Context, rawToken string) (Account, error) {
	raw := normalize(rawToken)
	if raw == "" {
		return Account{}, ErrInvalidToken
	}
	now := g.now().UTC()

	var confirmed Account
	err := g.store.transaction(ctx, func(tx *Store) error {
		token, err := tx.consumeToken(ctx, hashToken(raw), TokenPurposeConfirmation, now)
		if err != nil {
			return err
		}
		account, err := tx.FindAccount(ctx, token.AccountID)
		if errors.Is(err, ErrAccountNotFound) {
			return ErrInvalidToken
		}
		if err != nil {
			return err
		}
		if token.Email != account.Email {
			return ErrInvalidToken
		}

		next := account.SignupState
		if next != SignupStateComplete {
			next, err = nextSignupState(account.SignupState, signupEventTokenConsumed)
			if err != nil {
				return ErrInvalidToken
			}
		}
		if err := tx.updateAccount(ctx, account.ID, map[string]any{
			"email_confirmed": true,
			"confirmed_at":    now,
			"signup_state":    next,
		}); err != nil {
			return err
		}
		account.EmailConfirmed = true
		account.ConfirmedAt = &now
		account.SignupState = next
		confirmed = account
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return confirmed, nil
}

func issueAccountToken(ctx context.Context, store *Store, account Account, purpose TokenPurpose, now time.Time, ttl time.Duration) (string, error) {
	raw, hash, err := newOpaqueToken()
	if err != nil {
		return "", err
	}
	token := AccountToken{
		TokenHash: hash,
		AccountID: account.ID,
		Purpose:   purpose,
		Email:     account.Email,
		ExpiresAt: now.Add(ttl),
	}
	if err := store.insertToken(ctx, token, now); err != nil {
		return "", err
	}
	return raw, nil
}
