package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrMissingSessionStore      = errors.New("session manager: store required")
	ErrMissingSessionIssuer     = errors.New("session manager: token issuer required")
	ErrMissingSessionCookieName = errors.New("session manager: cookie name required")
	ErrMissingSessionToken      = errors.New("session manager: token required")
	ErrInvalidSessionToken      = errors.New("session manager: invalid token")
	ErrExpiredSessionToken      = errors.New("session manager: token expired")
	ErrMissingSessionAccount    = errors.New("session manager: account id required")
)

// SignOutOutcome reports what a sign-out request found.
type SignOutOutcome string

const (
	SignOutOutcomeSignedOut        SignOutOutcome = "signed_out"
	SignOutOutcomeAlreadySignedOut SignOutOutcome = "already_signed_out"
)

// Session is an authenticated session handed to the caller.
type Session struct {
	ID        string
	AccountID string
	Token     string
	ExpiresAt time.Time
}

// SessionManagerConfig describes how sessions are stored and signed.
type SessionManagerConfig struct {
	Store      SessionStore
	Tokens     *TokenIssuer
	CookieName string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// SessionManager establishes, validates and destroys account sessions. The stored
// record is authoritative; a signed token whose id no longer matches it is rejected.
type SessionManager struct {
	store      SessionStore
	tokens     *TokenIssuer
	cookieName string
	clock      func() time.Time
	logger     *zap.Logger
}

// NewSessionManager constructs a manager with the provided configuration.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Store == nil {
		return nil, ErrMissingSessionStore
	}
	if cfg.Tokens == nil {
		return nil, ErrMissingSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		store:      cfg.Store,
		tokens:     cfg.Tokens,
		cookieName: cookieName,
		clock:      clock,
		logger:     logger,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (m *SessionManager) CookieName() string {
	return m.cookieName
}

// Establish issues a session for the account. An active session keeps its id and
// only has its expiry refreshed, so repeated calls never leave a second session behind.
func (m *SessionManager) Establish(ctx context.Context, accountID string) (Session, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Session{}, ErrMissingSessionAccount
	}
	now := m.clock().UTC()

	sessionID := ""
	createdAt := now
	existing, err := m.store.Get(ctx, accountID)
	switch {
	case err == nil && existing.ExpiresAt.After(now):
		sessionID = existing.SessionID
		createdAt = existing.CreatedAt
	case err != nil && !errors.Is(err, ErrSessionNotFound):
		return Session{}, err
	}
	if sessionID == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return Session{}, err
		}
		sessionID = generated.String()
	}

	token, expiresAt, err := m.tokens.IssueToken(ctx, accountID, sessionID)
	if err != nil {
		return Session{}, err
	}
	record := SessionRecord{
		AccountID: accountID,
		SessionID: sessionID,
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
	}
	if err := m.store.Put(ctx, record); err != nil {
		return Session{}, err
	}
	m.logger.Debug("session established",
		zap.String("account_id", accountID),
		zap.Bool("refreshed", sessionID == existing.SessionID))
	return Session{ID: sessionID, AccountID: accountID, Token: token, ExpiresAt: expiresAt}, nil
}

// Validate checks the token signature and the stored session it references.
func (m *SessionManager) Validate(ctx context.Context, token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrMissingSessionToken
	}
	claims, err := m.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, ErrExpiredSessionToken
		}
		return Session{}, errors.Join(ErrInvalidSessionToken, err)
	}
	if claims.TokenID == "" {
		return Session{}, ErrInvalidSessionToken
	}
	record, err := m.store.Get(ctx, claims.Subject)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, ErrInvalidSessionToken
	}
	if err != nil {
		return Session{}, err
	}
	if record.SessionID != claims.TokenID {
		return Session{}, ErrInvalidSessionToken
	}
	if !record.ExpiresAt.After(m.clock()) {
		return Session{}, ErrExpiredSessionToken
	}
	return Session{ID: record.SessionID, AccountID: record.AccountID, Token: token, ExpiresAt: record.ExpiresAt}, nil
}

// ValidateRequest extracts the session cookie, or a bearer token, from the request and validates it.
func (m *SessionManager) ValidateRequest(r *http.Request) (Session, error) {
	if r == nil {
		return Session{}, ErrMissingSessionToken
	}
	return m.Validate(r.Context(), m.RequestToken(r))
}

// RequestToken returns the raw session token carried by the request, if any.
func (m *SessionManager) RequestToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if cookie, err := r.Cookie(m.cookieName); err == nil && cookie != nil && strings.TrimSpace(cookie.Value) != "" {
		return cookie.Value
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

// Revoke drops whatever session the account holds.
func (m *SessionManager) Revoke(ctx context.Context, accountID string) error {
	removed, err := m.store.Delete(ctx, accountID, "")
	if err != nil {
		return err
	}
	if removed {
		m.logger.Info("session revoked", zap.String("account_id", accountID))
	}
	return nil
}

// Destroy signs out the session behind token. Unknown, expired or already destroyed
// sessions report SignOutOutcomeAlreadySignedOut.
func (m *SessionManager) Destroy(ctx context.Context, token string) (SignOutOutcome, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return SignOutOutcomeAlreadySignedOut, nil
	}
	claims, err := m.tokens.ValidateToken(token)
	if err != nil || claims.TokenID == "" {
		return SignOutOutcomeAlreadySignedOut, nil
	}
	removed, err := m.store.Delete(ctx, claims.Subject, claims.TokenID)
	if err != nil {
		return "", err
	}
	if !removed {
		return SignOutOutcomeAlreadySignedOut, nil
	}
	return SignOutOutcomeSignedOut, nil
}
