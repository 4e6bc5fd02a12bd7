package providers

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newJWKSServer(t *testing.T, publicKey rsa.PublicKey, hits *int) *httptest.Server {
	t.Helper()
	jwksResponse := map[string]any{
		"keys": []any{map[string]string{
			"kty": "RSA",
			"alg": "RS256",
			"kid": "test-key",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(publicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(publicKey.E)).Bytes()),
		}},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/v3/certs" {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			*hits++
		}
		_ = json.NewEncoder(w).Encode(jwksResponse)
	}))
	t.Cleanup(server.Close)
	return server
}

func signGoogleToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestGoogleClientMapsVerifiedClaims(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	hits := 0
	jwksServer := newJWKSServer(t, privateKey.PublicKey, &hits)

	client, err := NewGoogleClient(GoogleClientConfig{
		Audience:   "test-client",
		JWKSURL:    jwksServer.URL + "/oauth2/v3/certs",
		HTTPClient: jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	now := time.Now().UTC()
	signed := signGoogleToken(t, privateKey, jwt.MapClaims{
		"aud":            "test-client",
		"iss":            "https://accounts.google.com",
		"sub":            "109876",
		"name":           "Manuela Carmena",
		"email":          "manuelacarmena@example.com",
		"email_verified": true,
		"exp":            now.Add(5 * time.Minute).Unix(),
		"iat":            now.Unix(),
	})

	for attempt := 0; attempt < 2; attempt++ {
		claims, err := client.FetchClaims(context.Background(), CallbackParams{IDToken: signed})
		if err != nil {
			t.Fatalf("expected verification to succeed: %v", err)
		}
		if claims.Provider != "google" || claims.ExternalID != "109876" {
			t.Fatalf("unexpected identity %s/%s", claims.Provider, claims.ExternalID)
		}
		if claims.Email != "manuelacarmena@example.com" || !claims.VerifiedEmail {
			t.Fatalf("unexpected email claims %+v", claims)
		}
		if claims.DisplayName != "Manuela Carmena" {
			t.Fatalf("unexpected display name %q", claims.DisplayName)
		}
	}
	if hits != 1 {
		t.Fatalf("expected jwks to be fetched once, got %d", hits)
	}
}

func TestGoogleClientRejectsInvalidAudience(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	jwksServer := newJWKSServer(t, privateKey.PublicKey, nil)

	client, err := NewGoogleClient(GoogleClientConfig{
		Audience:       "test-client",
		JWKSURL:        jwksServer.URL + "/oauth2/v3/certs",
		AllowedIssuers: []string{"https://accounts.google.com"},
		HTTPClient:     jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	now := time.Now().UTC()
	signed := signGoogleToken(t, privateKey, jwt.MapClaims{
		"aud": "unexpected-client",
		"iss": "https://accounts.google.com",
		"sub": "user-123",
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
	})

	_, err = client.FetchClaims(context.Background(), CallbackParams{IDToken: signed})
	if !errors.Is(err, ErrProviderFailure) {
		t.Fatalf("expected provider failure for mismatched audience, got %v", err)
	}
}

func TestGoogleClientRejectsUntrustedIssuer(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	jwksServer := newJWKSServer(t, privateKey.PublicKey, nil)

	client, err := NewGoogleClient(GoogleClientConfig{
		Audience:   "test-client",
		JWKSURL:    jwksServer.URL + "/oauth2/v3/certs",
		HTTPClient: jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	now := time.Now().UTC()
	signed := signGoogleToken(t, privateKey, jwt.MapClaims{
		"aud": "test-client",
		"iss": "https://evil.example.com",
		"sub": "user-123",
		"exp": now.Add(5 * time.Minute).Unix(),
	})

	_, err = client.FetchClaims(context.Background(), CallbackParams{IDToken: signed})
	if err == nil || !strings.Contains(err.Error(), errUntrustedIssuer.Error()) {
		t.Fatalf("expected untrusted issuer error, got %v", err)
	}
}

func TestNewGoogleClientRequiresAudience(t *testing.T) {
	_, err := NewGoogleClient(GoogleClientConfig{
		Audience: " ",
		JWKSURL:  "https://example.com/jwks",
	})
	if !errors.Is(err, ErrInvalidGoogleConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errMissingAudienceConfig.Error()) {
		t.Fatalf("expected audience validation error to be reported, got %v", err)
	}
}

func TestNewGoogleClientRejectsEmptyIssuerList(t *testing.T) {
	_, err := NewGoogleClient(GoogleClientConfig{
		Audience:       "test-client",
		AllowedIssuers: []string{"", "   "},
	})
	if !errors.Is(err, ErrInvalidGoogleConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errNoAllowedIssuers.Error()) {
		t.Fatalf("expected allowed issuers validation error to be reported, got %v", err)
	}
}
