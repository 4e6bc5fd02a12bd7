package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errNonPositiveTTL       = errors.New("token ttl must be positive")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// TokenIssuerConfig configures an HS256 JWT issuer bound to one audience.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenClaims are the validated claims of an issued token.
type TokenClaims struct {
	Subject   string
	TokenID   string
	ExpiresAt time.Time
}

// TokenIssuer issues and validates signed references for one audience.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer after validating its configuration.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errMissingIssuer
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		return nil, errNonPositiveTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: append([]byte(nil), cfg.SigningSecret...),
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// TTL returns the lifetime of issued tokens.
func (i *TokenIssuer) TTL() time.Duration {
	return i.config.TokenTTL
}

// IssueToken produces a signed JWT for subject and returns its expiry.
func (i *TokenIssuer) IssueToken(_ context.Context, subject, tokenID string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		ID:        tokenID,
		Subject:   subject,
		Issuer:    i.config.Issuer,
		Audience:  []string{i.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// ValidateToken ensures the JWT is well formed, unexpired and addressed to this audience.
func (i *TokenIssuer) ValidateToken(tokenString string) (TokenClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		strings.TrimSpace(tokenString),
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return TokenClaims{}, err
	}
	if claims.Subject == "" {
		return TokenClaims{}, errMissingSubjectClaim
	}
	expiresAt := time.Time{}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return TokenClaims{Subject: claims.Subject, TokenID: claims.ID, ExpiresAt: expiresAt}, nil
}
