package users

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const opaqueTokenBytes = 32

// IDProvider issues identifiers for accounts and identities.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// newOpaqueToken returns a url-safe random token and the hash stored for it.
func newOpaqueToken() (string, string, error) {
	buffer := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", "", fmt.Errorf("users: failed to generate token: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(buffer)
	return raw, hashToken(raw), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
